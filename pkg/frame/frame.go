// Package frame encodes and decodes the payload frame carried inside an
// injected slot for the whole-binary compression use case. The frame is
// host-format independent: the same bytes live in an ELF note, a Mach-O
// segment, or a PE resource.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// The marker is assembled from parts so the full 32-byte tag never
// appears as a literal inside a binary that merely links this package.
const (
	markerPart1 = "__SMOL"
	markerPart2 = "_PRESSED_DATA"
	markerPart3 = "_MAGIC_MARKER"

	// MarkerLen is the fixed length of the frame marker.
	MarkerLen = 32

	// CacheKeyLen is the length of the embedded hex cache key.
	CacheKeyLen = 16

	// HeaderLen is the size of everything before the compressed payload:
	// marker, two u64 sizes, cache key and the platform triple.
	HeaderLen = MarkerLen + 8 + 8 + CacheKeyLen + 3
)

var (
	// ErrNoFrame is returned when no marker is present in the scanned data.
	ErrNoFrame = errors.New("no payload frame marker found")

	// ErrTruncated is returned when a marker is present but the frame is
	// cut short.
	ErrTruncated = errors.New("payload frame truncated")
)

// Marker returns the full 32-byte frame marker.
func Marker() []byte {
	m := make([]byte, 0, MarkerLen)
	m = append(m, markerPart1...)
	m = append(m, markerPart2...)
	m = append(m, markerPart3...)
	return m
}

// Platform is the target OS byte of a frame.
type Platform uint8

const (
	Linux  Platform = 0
	Darwin Platform = 1
	Win32  Platform = 2
)

func (p Platform) String() string {
	switch p {
	case Linux:
		return "linux"
	case Darwin:
		return "darwin"
	case Win32:
		return "win32"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// Arch is the target CPU byte of a frame.
type Arch uint8

const (
	X64   Arch = 0
	ARM64 Arch = 1
	IA32  Arch = 2
	ARM   Arch = 3
)

func (a Arch) String() string {
	switch a {
	case X64:
		return "x64"
	case ARM64:
		return "arm64"
	case IA32:
		return "ia32"
	case ARM:
		return "arm"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// Libc is the target C library byte of a frame. NoLibc marks platforms
// where the distinction does not apply.
type Libc uint8

const (
	Glibc  Libc = 0
	Musl   Libc = 1
	NoLibc Libc = 255
)

func (l Libc) String() string {
	switch l {
	case Glibc:
		return "glibc"
	case Musl:
		return "musl"
	case NoLibc:
		return "n/a"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(l))
	}
}

// Frame is a decoded payload frame.
type Frame struct {
	UncompressedSize uint64
	CacheKey         string // 16 lowercase hex chars
	Platform         Platform
	Arch             Arch
	Libc             Libc
	Compressed       []byte
}

// Marshal encodes the frame into its wire layout.
func (f *Frame) Marshal() ([]byte, error) {
	if len(f.CacheKey) != CacheKeyLen {
		return nil, fmt.Errorf("cache key must be %d hex chars, got %d", CacheKeyLen, len(f.CacheKey))
	}
	for _, c := range f.CacheKey {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return nil, fmt.Errorf("cache key contains non-hex character %q", c)
		}
	}

	buf := make([]byte, 0, HeaderLen+len(f.Compressed))
	buf = append(buf, Marker()...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(f.Compressed)))
	buf = binary.LittleEndian.AppendUint64(buf, f.UncompressedSize)
	buf = append(buf, f.CacheKey...)
	buf = append(buf, byte(f.Platform), byte(f.Arch), byte(f.Libc))
	buf = append(buf, f.Compressed...)

	return buf, nil
}

// Unmarshal decodes a frame that starts at data[0].
func Unmarshal(data []byte) (*Frame, error) {
	if len(data) < HeaderLen {
		return nil, fmt.Errorf("%d bytes is smaller than the frame header: %w", len(data), ErrTruncated)
	}
	if !bytes.Equal(data[:MarkerLen], Marker()) {
		return nil, ErrNoFrame
	}

	compressedSize := binary.LittleEndian.Uint64(data[MarkerLen:])
	uncompressedSize := binary.LittleEndian.Uint64(data[MarkerLen+8:])
	key := string(data[MarkerLen+16 : MarkerLen+16+CacheKeyLen])

	body := data[HeaderLen:]
	if uint64(len(body)) < compressedSize {
		return nil, fmt.Errorf("frame claims %d compressed bytes but only %d remain: %w",
			compressedSize, len(body), ErrTruncated)
	}

	return &Frame{
		UncompressedSize: uncompressedSize,
		CacheKey:         key,
		Platform:         Platform(data[HeaderLen-3]),
		Arch:             Arch(data[HeaderLen-2]),
		Libc:             Libc(data[HeaderLen-1]),
		Compressed:       body[:compressedSize],
	}, nil
}

// Contains reports whether data holds a frame marker anywhere. Used to
// detect already-compressed targets so a second compress becomes a
// repack instead of double-compression.
func Contains(data []byte) bool {
	return bytes.Contains(data, Marker())
}

// Scan locates the first frame marker in r and decodes the frame that
// follows it. size is the total readable length of r.
func Scan(r io.ReaderAt, size int64) (*Frame, int64, error) {
	const chunk = 1 << 20

	marker := Marker()
	buf := make([]byte, chunk+MarkerLen)
	for off := int64(0); off < size; off += chunk {
		n, err := r.ReadAt(buf, off)
		if err != nil && err != io.EOF {
			return nil, 0, fmt.Errorf("failed to read at offset %d: %w", off, err)
		}
		if idx := bytes.Index(buf[:n], marker); idx >= 0 {
			frameOff := off + int64(idx)
			frameData := make([]byte, size-frameOff)
			if _, err := r.ReadAt(frameData, frameOff); err != nil && err != io.EOF {
				return nil, 0, fmt.Errorf("failed to read frame at offset %d: %w", frameOff, err)
			}
			f, err := Unmarshal(frameData)
			if err != nil {
				return nil, 0, err
			}
			return f, frameOff, nil
		}
		if n < len(buf) {
			break
		}
	}

	return nil, 0, ErrNoFrame
}
