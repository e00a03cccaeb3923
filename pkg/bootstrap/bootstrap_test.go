package bootstrap

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/smoltools/binject/pkg/comp"
	"github.com/smoltools/binject/pkg/dlx"
	"github.com/smoltools/binject/pkg/frame"
)

func testFrame(t *testing.T, payload []byte) *frame.Frame {
	t.Helper()
	compressed, err := comp.Compress(payload, comp.Default)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	return &frame.Frame{
		UncompressedSize: uint64(len(payload)),
		CacheKey:         dlx.CacheKey(compressed),
		Platform:         frame.HostPlatform(),
		Arch:             frame.HostArch(),
		Libc:             frame.NoLibc,
		Compressed:       compressed,
	}
}

func TestLocateByMarkerScan(t *testing.T) {
	fr := testFrame(t, []byte("the real binary"))
	blob, err := fr.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	image := append(bytes.Repeat([]byte{0x7f}, 4096), blob...)
	image = append(image, bytes.Repeat([]byte{0}, 512)...)

	got, err := Locate(image, "")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if got.CacheKey != fr.CacheKey {
		t.Errorf("cache key = %q, want %q", got.CacheKey, fr.CacheKey)
	}
	if !bytes.Equal(got.Compressed, fr.Compressed) {
		t.Error("compressed payload does not round trip through Locate")
	}
}

func TestLocateNoFrame(t *testing.T) {
	_, err := Locate(bytes.Repeat([]byte{0xcc}, 8192), "")
	if !errors.Is(err, frame.ErrNoFrame) {
		t.Errorf("err = %v, want ErrNoFrame", err)
	}
}

func TestMaterializePopulatesThenHits(t *testing.T) {
	payload := []byte("#!/bin/sh\necho decompressed\n")
	fr := testFrame(t, payload)
	cache := dlx.NewCache(t.TempDir(), "app")

	path, err := Materialize(cache, fr, "/opt/app")
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("cached binary does not match payload")
	}

	meta, err := cache.ReadMetadata(fr.CacheKey)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if meta.Integrity != dlx.Integrity(fr.Compressed) {
		t.Errorf("metadata integrity = %q, want %q", meta.Integrity, dlx.Integrity(fr.Compressed))
	}
	if !strings.HasPrefix(meta.Integrity, "sha512-") {
		t.Errorf("integrity %q lacks sha512- prefix", meta.Integrity)
	}
	if meta.Source.Type != "extract" {
		t.Errorf("source type = %q, want %q", meta.Source.Type, "extract")
	}
	if meta.Source.Path != "/opt/app" {
		t.Errorf("source path = %q, want %q", meta.Source.Path, "/opt/app")
	}

	// Second call must be a pure lookup.
	firstStamp := meta.Timestamp
	again, err := Materialize(cache, fr, "/opt/app")
	if err != nil {
		t.Fatalf("second Materialize: %v", err)
	}
	if again != path {
		t.Errorf("hit path %q != populated path %q", again, path)
	}
	meta, err = cache.ReadMetadata(fr.CacheKey)
	if err != nil {
		t.Fatalf("ReadMetadata after hit: %v", err)
	}
	if meta.Timestamp != firstStamp {
		t.Error("cache hit rewrote metadata")
	}
}

func TestMaterializeRejectsCorruptPayload(t *testing.T) {
	fr := testFrame(t, []byte("legit"))
	// A valid-looking key that does not match the content.
	fr.CacheKey = "0123456789abcdef"

	_, err := Materialize(dlx.NewCache(t.TempDir(), "app"), fr, "/opt/app")
	if !errors.Is(err, ErrIntegrity) {
		t.Errorf("err = %v, want ErrIntegrity", err)
	}
}

func TestMaterializeKeysOnCompressedBytes(t *testing.T) {
	payload := []byte("#!/bin/sh\necho keyed\n")
	fr := testFrame(t, payload)

	if fr.CacheKey != dlx.CacheKey(fr.Compressed) {
		t.Fatalf("frame key %q is not the compressed-payload key", fr.CacheKey)
	}

	// A key derived from the uncompressed binary addresses the wrong
	// bytes and must be refused, not silently re-keyed.
	bad := *fr
	bad.CacheKey = dlx.CacheKey(payload)
	if _, err := Materialize(dlx.NewCache(t.TempDir(), "app"), &bad, "/opt/app"); !errors.Is(err, ErrIntegrity) {
		t.Errorf("uncompressed-keyed frame: err = %v, want ErrIntegrity", err)
	}

	// The compressed-payload key materializes.
	if _, err := Materialize(dlx.NewCache(t.TempDir(), "app"), fr, "/opt/app"); err != nil {
		t.Errorf("compressed-keyed frame: %v", err)
	}

	// Flipping a compressed byte is caught by the key check alone,
	// before any decompressor runs.
	flipped := *fr
	flipped.Compressed = append([]byte(nil), fr.Compressed...)
	flipped.Compressed[len(flipped.Compressed)-1] ^= 0xff
	if _, err := Materialize(dlx.NewCache(t.TempDir(), "app"), &flipped, "/opt/app"); !errors.Is(err, ErrIntegrity) {
		t.Errorf("tampered payload: err = %v, want ErrIntegrity", err)
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	h := Handshake{
		StubPath:    "/opt/app",
		CacheKey:    "0123456789abcdef",
		FakeArgvVar: DefaultFakeArgvVar,
		FakeArgv0:   "app",
	}
	env := h.Inject([]string{"PATH=/usr/bin"})

	// The name variable points at the variable carrying the value.
	want := map[string]string{
		EnvStubPath:        "/opt/app",
		EnvCacheKey:        "0123456789abcdef",
		EnvFakeArgvName:    DefaultFakeArgvVar,
		DefaultFakeArgvVar: "app",
	}
	for k, v := range want {
		found := false
		for _, kv := range env {
			if kv == k+"="+v {
				found = true
			}
		}
		if !found {
			t.Errorf("env missing %s=%s", k, v)
		}
	}

	t.Setenv(EnvStubPath, "/opt/app")
	t.Setenv(EnvCacheKey, "0123456789abcdef")
	t.Setenv(EnvFakeArgvName, DefaultFakeArgvVar)
	t.Setenv(DefaultFakeArgvVar, "app")

	got, ok := Consume()
	if !ok {
		t.Fatal("Consume found no handshake")
	}
	if got != h {
		t.Errorf("Consume = %+v, want %+v", got, h)
	}

	// Consumed exactly once: the variables, named one included, must
	// be gone.
	for k := range want {
		if _, set := os.LookupEnv(k); set {
			t.Errorf("%s survived Consume", k)
		}
	}
	if _, ok := Consume(); ok {
		t.Error("second Consume still found a handshake")
	}
}

func TestHandshakeFakeArgvIndirection(t *testing.T) {
	// A renamed argv-shaping variable travels through the name
	// pointer and is scrubbed along with it.
	h := Handshake{
		StubPath:    "/opt/app",
		CacheKey:    "0123456789abcdef",
		FakeArgvVar: "MYAPP_ARGV0",
		FakeArgv0:   "myapp",
	}
	env := h.Inject(nil)
	for _, kv := range []string{EnvFakeArgvName + "=MYAPP_ARGV0", "MYAPP_ARGV0=myapp"} {
		found := false
		for _, e := range env {
			if e == kv {
				found = true
			}
		}
		if !found {
			t.Errorf("env missing %s", kv)
		}
	}

	t.Setenv(EnvStubPath, "/opt/app")
	t.Setenv(EnvCacheKey, "0123456789abcdef")
	t.Setenv(EnvFakeArgvName, "MYAPP_ARGV0")
	t.Setenv("MYAPP_ARGV0", "myapp")

	got, ok := Consume()
	if !ok {
		t.Fatal("Consume found no handshake")
	}
	if got.FakeArgvVar != "MYAPP_ARGV0" || got.FakeArgv0 != "myapp" {
		t.Errorf("Consume = %+v", got)
	}
	if _, set := os.LookupEnv("MYAPP_ARGV0"); set {
		t.Error("named argv variable survived Consume")
	}
}

func TestHandshakeInjectKeepsUserValue(t *testing.T) {
	h := Handshake{
		StubPath:    "/opt/app",
		CacheKey:    "0123456789abcdef",
		FakeArgvVar: DefaultFakeArgvVar,
		FakeArgv0:   "app",
	}
	env := h.Inject([]string{DefaultFakeArgvVar + "=user-choice"})

	for _, kv := range env {
		if kv == DefaultFakeArgvVar+"=app" {
			t.Error("Inject overrode a user-set argv variable")
		}
	}
}

func TestVerifyHostMismatch(t *testing.T) {
	fr := testFrame(t, []byte("x"))
	fr.Platform = frame.Platform(42)

	if err := verifyHost(fr); !errors.Is(err, ErrHostMismatch) {
		t.Errorf("err = %v, want ErrHostMismatch", err)
	}
}

func TestMaterializeUsesCachedEntryDirLayout(t *testing.T) {
	payload := []byte("layout check")
	fr := testFrame(t, payload)
	base := t.TempDir()
	cache := dlx.NewCache(base, "tool")

	path, err := Materialize(cache, fr, "/opt/tool")
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	want := filepath.Join(base, fr.CacheKey, "tool")
	if path != want {
		t.Errorf("cached at %q, want %q", path, want)
	}
}
