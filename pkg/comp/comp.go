// Package comp compresses and decompresses whole-binary payloads.
package comp

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// Algorithm is the compression algorithm type
type Algorithm uint

const (
	ZSTD Algorithm = iota + 1
	LZ4
	XZ
	ZLIB
)

// Default is the algorithm used when none is requested. zstd gives the
// best ratio/speed tradeoff for large executable images and works on
// every platform the stub targets.
const Default = ZSTD

func (a Algorithm) String() string {
	switch a {
	case ZSTD:
		return "zstd"
	case LZ4:
		return "lz4"
	case XZ:
		return "xz"
	case ZLIB:
		return "zlib"
	default:
		return fmt.Sprintf("unknown(%d)", uint(a))
	}
}

func Lookup(name string) (Algorithm, error) {
	switch name {
	case "zstd":
		return ZSTD, nil
	case "lz4":
		return LZ4, nil
	case "xz":
		return XZ, nil
	case "zlib":
		return ZLIB, nil
	default:
		return 0, fmt.Errorf("unknown compression algorithm: %s", name)
	}
}

func Algorithms() []string {
	return []string{
		ZSTD.String(),
		LZ4.String(),
		XZ.String(),
		ZLIB.String(),
	}
}

// Detect sniffs the algorithm from a compressed stream's leading magic.
func Detect(data []byte) (Algorithm, error) {
	if len(data) < 6 {
		return 0, fmt.Errorf("compressed data too short to carry a magic")
	}
	switch {
	case bytes.HasPrefix(data, []byte{0x28, 0xb5, 0x2f, 0xfd}):
		return ZSTD, nil
	case bytes.HasPrefix(data, []byte{0x04, 0x22, 0x4d, 0x18}):
		return LZ4, nil
	case bytes.HasPrefix(data, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}):
		return XZ, nil
	case (data[0]&0x0f) == 8 && (uint16(data[0])<<8|uint16(data[1]))%31 == 0:
		return ZLIB, nil
	default:
		return 0, fmt.Errorf("unrecognized compressed stream magic % x", data[:4])
	}
}

// Compress compresses the given data using the specified algorithm.
func Compress(data []byte, algorithm Algorithm) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("input data is empty")
	}

	var buf bytes.Buffer

	switch algorithm {
	case ZSTD:
		w, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			w.Close()
			return nil, fmt.Errorf("failed to zstd compress data: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to finish zstd stream: %w", err)
		}
	case LZ4:
		w := lz4.NewWriter(&buf)
		if err := w.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
			return nil, fmt.Errorf("failed to configure lz4 writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			w.Close()
			return nil, fmt.Errorf("failed to lz4 compress data: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to finish lz4 stream: %w", err)
		}
	case XZ:
		w, err := xz.NewWriter(&buf)
		if err != nil {
			return nil, fmt.Errorf("failed to create xz writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			w.Close()
			return nil, fmt.Errorf("failed to xz compress data: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to finish xz stream: %w", err)
		}
	case ZLIB:
		w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
		if err != nil {
			return nil, fmt.Errorf("failed to create zlib writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			w.Close()
			return nil, fmt.Errorf("failed to zlib compress data: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to finish zlib stream: %w", err)
		}
	default:
		return nil, fmt.Errorf("compression algorithm %s not supported", algorithm)
	}

	return buf.Bytes(), nil
}

// Decompress decompresses the given data using the specified algorithm.
func Decompress(data []byte, algorithm Algorithm) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("input data is empty")
	}

	switch algorithm {
	case ZSTD:
		r, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to zstd decompress data: %w", err)
		}
		return out, nil
	case LZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("failed to lz4 decompress data: %w", err)
		}
		return out, nil
	case XZ:
		r, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create xz reader: %w", err)
		}
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to xz decompress data: %w", err)
		}
		return out, nil
	case ZLIB:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create zlib reader: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to zlib decompress data: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("decompression algorithm %s not supported", algorithm)
	}
}
