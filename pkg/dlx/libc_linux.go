//go:build linux

package dlx

import (
	"os"
	"os/exec"
	"strings"
)

// muslLoaders are the dynamic linker paths that identify a musl system
// when ldd itself is unhelpful.
var muslLoaders = []string{
	"/lib/ld-musl-x86_64.so.1",
	"/lib/ld-musl-aarch64.so.1",
	"/lib/ld-musl-i386.so.1",
	"/lib/ld-musl-arm.so.1",
	"/usr/lib/ld-musl-x86_64.so.1",
	"/usr/lib/ld-musl-aarch64.so.1",
}

// LibcVariant reports "musl" or "glibc" for the running system. It
// first asks ldd, which prints its lineage on the first line of
// --version output, then falls back to probing known musl loader
// paths. glibc is the default because it is by far the most common.
func LibcVariant() string {
	// ldd --version exits non-zero on musl but still prints "musl" to
	// stderr, so collect both streams and ignore the exit status.
	out, _ := exec.Command("/usr/bin/ldd", "--version").CombinedOutput()
	banner := strings.ToLower(string(out))
	if strings.Contains(banner, "musl") {
		return "musl"
	}
	if strings.Contains(banner, "glibc") || strings.Contains(banner, "gnu") {
		return "glibc"
	}

	for _, loader := range muslLoaders {
		if _, err := os.Stat(loader); err == nil {
			return "musl"
		}
	}

	return "glibc"
}
