// Package bootstrap implements the run-time side of a self-extracting
// executable. A stub built on this package locates the payload frame
// embedded in its own image, materializes the decompressed binary in
// the content-addressed cache, and replaces the current process with
// it. The cached binary can tell it was launched this way through the
// one-shot environment handshake.
package bootstrap

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/apex/log"

	"github.com/smoltools/binject/pkg/comp"
	"github.com/smoltools/binject/pkg/dlx"
	"github.com/smoltools/binject/pkg/frame"
	"github.com/smoltools/binject/pkg/inject"
)

// ErrHostMismatch is returned when the embedded frame was pressed for
// a different platform or architecture than the one running the stub.
var ErrHostMismatch = errors.New("frame was pressed for a different host")

// ErrIntegrity is returned when the compressed payload does not hash
// back to the cache key recorded in the frame, or decompresses to the
// wrong size.
var ErrIntegrity = errors.New("payload failed integrity check")

// Options tunes a Run. The zero value is usable.
type Options struct {
	// SlotName is tried first when locating the frame; when empty, or
	// when no slot with that name exists, the whole image is scanned
	// for the frame marker.
	SlotName string

	// CacheDir overrides the resolved cache base directory.
	CacheDir string

	// FakeArgv0 asks the cached binary to present the stub's name as
	// its own argv[0]. FakeArgvVar renames the variable carrying that
	// value; empty means DefaultFakeArgvVar.
	FakeArgv0   bool
	FakeArgvVar string
}

// Run executes the full stub flow. On success it does not return: the
// process image has been replaced by the cached binary.
func Run(opts Options) error {
	stubPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve own executable: %w", err)
	}
	stubPath, err = filepath.EvalSymlinks(stubPath)
	if err != nil {
		return fmt.Errorf("failed to resolve own executable: %w", err)
	}

	image, err := os.ReadFile(stubPath)
	if err != nil {
		return fmt.Errorf("failed to read own image: %w", err)
	}

	fr, err := Locate(image, opts.SlotName)
	if err != nil {
		return err
	}
	if err := verifyHost(fr); err != nil {
		return err
	}

	base := opts.CacheDir
	if base == "" {
		base = dlx.ResolveBaseDir()
	}
	cache := dlx.NewCache(base, filepath.Base(stubPath))

	path, err := Materialize(cache, fr, stubPath)
	if err != nil {
		return err
	}

	h := Handshake{StubPath: stubPath, CacheKey: fr.CacheKey}
	if opts.FakeArgv0 {
		h.FakeArgvVar = opts.FakeArgvVar
		if h.FakeArgvVar == "" {
			h.FakeArgvVar = DefaultFakeArgvVar
		}
		h.FakeArgv0 = filepath.Base(os.Args[0])
	}

	log.WithFields(log.Fields{
		"binary": path,
		"key":    fr.CacheKey,
	}).Debug("handing off to cached binary")

	return reExec(path, os.Args, h.Inject(os.Environ()))
}

// Locate finds and decodes the frame embedded in an executable image.
// A named slot is preferred; a marker scan over the raw bytes covers
// stubs whose slot name is unknown or whose format hides the slot.
func Locate(image []byte, slotName string) (*frame.Frame, error) {
	if slotName != "" {
		if blob, err := inject.Extract(image, slotName); err == nil {
			if fr, err := frame.Unmarshal(blob); err == nil {
				return fr, nil
			}
		}
	}

	fr, _, err := frame.Scan(bytes.NewReader(image), int64(len(image)))
	if err != nil {
		return nil, fmt.Errorf("no payload frame in image: %w", err)
	}
	return fr, nil
}

// Materialize returns the path of the cached binary for the frame,
// decompressing and populating the cache entry on a miss.
func Materialize(cache *dlx.Cache, fr *frame.Frame, source string) (string, error) {
	if path, ok := cache.Lookup(fr.CacheKey, fr.UncompressedSize); ok {
		log.WithField("key", fr.CacheKey).Debug("cache hit")
		return path, nil
	}

	// The key addresses the compressed bytes, so a tampered payload is
	// caught before any decompressor sees it.
	if dlx.CacheKey(fr.Compressed) != fr.CacheKey {
		return "", ErrIntegrity
	}

	algo, err := comp.Detect(fr.Compressed)
	if err != nil {
		return "", fmt.Errorf("failed to identify compression: %w", err)
	}
	data, err := comp.Decompress(fr.Compressed, algo)
	if err != nil {
		return "", fmt.Errorf("failed to decompress payload: %w", err)
	}

	if uint64(len(data)) != fr.UncompressedSize {
		return "", fmt.Errorf("decompressed to %d bytes, frame claims %d: %w",
			len(data), fr.UncompressedSize, ErrIntegrity)
	}

	meta := &dlx.Metadata{
		CacheKey:  fr.CacheKey,
		Timestamp: time.Now().UnixMilli(),
		Integrity: dlx.Integrity(fr.Compressed),
		Size:      fr.UncompressedSize,
		Source:    dlx.Source{Type: "extract", Path: source},
		Extra:     dlx.Extra{CompressionAlgorithm: algo.String()},
	}
	path, err := cache.Populate(fr.CacheKey, data, meta)
	if err != nil {
		return "", fmt.Errorf("failed to populate cache: %w", err)
	}

	log.WithFields(log.Fields{
		"key":       fr.CacheKey,
		"size":      fr.UncompressedSize,
		"algorithm": algo.String(),
	}).Debug("cache populated")
	return path, nil
}

func verifyHost(fr *frame.Frame) error {
	if fr.Platform != frame.HostPlatform() || fr.Arch != frame.HostArch() {
		return fmt.Errorf("frame is %s/%s, host is %s/%s: %w",
			fr.Platform, fr.Arch, frame.HostPlatform(), frame.HostArch(), ErrHostMismatch)
	}
	if runtime.GOOS == "linux" && fr.Libc != frame.NoLibc {
		if variant := dlx.LibcVariant(); variant != "" && variant != fr.Libc.String() {
			log.WithFields(log.Fields{
				"frame": fr.Libc.String(),
				"host":  variant,
			}).Warn("libc variant mismatch")
		}
	}
	return nil
}
