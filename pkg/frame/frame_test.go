package frame

import (
	"bytes"
	"errors"
	"testing"
)

func testFrame() *Frame {
	return &Frame{
		UncompressedSize: 4096,
		CacheKey:         "0123456789abcdef",
		Platform:         Linux,
		Arch:             X64,
		Libc:             Glibc,
		Compressed:       bytes.Repeat([]byte{0xaa, 0xbb}, 64),
	}
}

func TestMarkerLength(t *testing.T) {
	if len(Marker()) != MarkerLen {
		t.Fatalf("marker is %d bytes, want %d", len(Marker()), MarkerLen)
	}
}

func TestRoundTrip(t *testing.T) {
	f := testFrame()

	wire, err := f.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if len(wire) != HeaderLen+len(f.Compressed) {
		t.Errorf("wire length = %d, want %d", len(wire), HeaderLen+len(f.Compressed))
	}

	got, err := Unmarshal(wire)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.UncompressedSize != f.UncompressedSize ||
		got.CacheKey != f.CacheKey ||
		got.Platform != f.Platform ||
		got.Arch != f.Arch ||
		got.Libc != f.Libc ||
		!bytes.Equal(got.Compressed, f.Compressed) {
		t.Errorf("round trip mismatch: %+v != %+v", got, f)
	}
}

func TestMarshalRejectsBadCacheKey(t *testing.T) {
	f := testFrame()
	f.CacheKey = "short"
	if _, err := f.Marshal(); err == nil {
		t.Error("expected error for short cache key")
	}

	f.CacheKey = "0123456789ABCDEF" // uppercase is not valid
	if _, err := f.Marshal(); err == nil {
		t.Error("expected error for uppercase cache key")
	}
}

func TestUnmarshalTruncated(t *testing.T) {
	wire, err := testFrame().Marshal()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := Unmarshal(wire[:HeaderLen-1]); !errors.Is(err, ErrTruncated) {
		t.Errorf("short header: got %v, want ErrTruncated", err)
	}
	if _, err := Unmarshal(wire[:HeaderLen+3]); !errors.Is(err, ErrTruncated) {
		t.Errorf("short body: got %v, want ErrTruncated", err)
	}
}

func TestUnmarshalNoMarker(t *testing.T) {
	junk := bytes.Repeat([]byte{0x42}, HeaderLen*2)
	if _, err := Unmarshal(junk); !errors.Is(err, ErrNoFrame) {
		t.Errorf("got %v, want ErrNoFrame", err)
	}
}

func TestScanAtOddOffset(t *testing.T) {
	wire, err := testFrame().Marshal()
	if err != nil {
		t.Fatal(err)
	}

	// Put the frame somewhere in the middle of a host image.
	host := append(bytes.Repeat([]byte{0x00}, 12345), wire...)
	host = append(host, bytes.Repeat([]byte{0xff}, 999)...)

	got, off, err := Scan(bytes.NewReader(host), int64(len(host)))
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if off != 12345 {
		t.Errorf("offset = %d, want 12345", off)
	}
	if got.CacheKey != "0123456789abcdef" {
		t.Errorf("cache key = %q", got.CacheKey)
	}
}

func TestScanNoFrame(t *testing.T) {
	host := bytes.Repeat([]byte{0x7f}, 4096)
	if _, _, err := Scan(bytes.NewReader(host), int64(len(host))); !errors.Is(err, ErrNoFrame) {
		t.Errorf("got %v, want ErrNoFrame", err)
	}
}

func TestContains(t *testing.T) {
	wire, _ := testFrame().Marshal()
	if !Contains(wire) {
		t.Error("Contains() = false for a marshaled frame")
	}
	if Contains([]byte("plain old binary")) {
		t.Error("Contains() = true for plain data")
	}
}
