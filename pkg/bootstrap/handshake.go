package bootstrap

import (
	"fmt"
	"os"
	"strings"
)

// Environment variables produced once by the stub just before it
// replaces itself with the cached binary, and consumed exactly once by
// the first code that asks for them.
const (
	EnvStubPath = "SMOL_STUB_PATH"
	EnvCacheKey = "SMOL_CACHE_KEY"

	// EnvFakeArgvName carries the NAME of the argv-shaping variable,
	// not its value. The variable it names holds the argv[0] the
	// cached binary should present; pressing tools may rename it to
	// avoid collisions, so consumers must follow the indirection.
	EnvFakeArgvName = "SMOL_FAKE_ARGV_NAME"

	// DefaultFakeArgvVar is the argv-shaping variable name used when
	// no override is configured.
	DefaultFakeArgvVar = "SMOL_FAKE_ARGV"
)

// Handshake carries the ephemeral facts the cached binary needs from
// the stub that launched it: where the original executable lives,
// which cache entry it is running from, and how to shape argv[0].
type Handshake struct {
	StubPath string
	CacheKey string

	// FakeArgvVar is the name of the argv-shaping variable; empty
	// means argv shaping is off. FakeArgv0 is the value that variable
	// carries.
	FakeArgvVar string
	FakeArgv0   string
}

// Inject appends the handshake variables to an environment slice. A
// FakeArgvVar already present in env was set by the user and is left
// alone; only the name pointer is added next to it.
func (h Handshake) Inject(env []string) []string {
	out := append([]string(nil), env...)
	out = append(out,
		fmt.Sprintf("%s=%s", EnvStubPath, h.StubPath),
		fmt.Sprintf("%s=%s", EnvCacheKey, h.CacheKey),
	)
	if h.FakeArgvVar != "" {
		out = append(out, fmt.Sprintf("%s=%s", EnvFakeArgvName, h.FakeArgvVar))
		if !envHas(env, h.FakeArgvVar) {
			out = append(out, fmt.Sprintf("%s=%s", h.FakeArgvVar, h.FakeArgv0))
		}
	}
	return out
}

// Consume reads the handshake from the process environment and scrubs
// the variables so they cannot leak into child processes. The second
// return is false when no stub launched this process.
func Consume() (Handshake, bool) {
	h := Handshake{
		StubPath:    os.Getenv(EnvStubPath),
		CacheKey:    os.Getenv(EnvCacheKey),
		FakeArgvVar: os.Getenv(EnvFakeArgvName),
	}
	if h.FakeArgvVar != "" {
		h.FakeArgv0 = os.Getenv(h.FakeArgvVar)
	}
	Scrub()
	return h, h.StubPath != "" && h.CacheKey != ""
}

// Scrub removes every handshake variable from the environment,
// including the argv-shaping variable EnvFakeArgvName points at.
func Scrub() {
	if name := os.Getenv(EnvFakeArgvName); name != "" {
		os.Unsetenv(name)
	}
	os.Unsetenv(EnvStubPath)
	os.Unsetenv(EnvCacheKey)
	os.Unsetenv(EnvFakeArgvName)
}

func envHas(env []string, name string) bool {
	for _, kv := range env {
		if strings.HasPrefix(kv, name+"=") {
			return true
		}
	}
	return false
}
