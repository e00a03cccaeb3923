package magic

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestDetect(t *testing.T) {
	pe := make([]byte, 0x44)
	pe[0], pe[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(pe[0x3c:], 0x40)
	copy(pe[0x40:], []byte{'P', 'E', 0, 0})

	macho := make([]byte, 8)
	binary.LittleEndian.PutUint32(macho, uint32(magic64))

	tests := []struct {
		name string
		data []byte
		want Format
		err  bool
	}{
		{"elf", []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0}, ELF, false},
		{"macho64", macho, MachO, false},
		{"macho fat", []byte{0xca, 0xfe, 0xba, 0xbe}, MachO, false},
		{"pe", pe, PE, false},
		{"short mz", []byte{'M', 'Z', 0x90, 0x00}, PE, false},
		{"garbage", []byte{0xde, 0xad, 0xbe, 0xef}, Unknown, true},
		{"tiny", []byte{0x7f}, Unknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Detect(tt.data)
			if tt.err {
				if !errors.Is(err, ErrUnrecognizedFormat) {
					t.Fatalf("expected ErrUnrecognizedFormat, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Detect() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Detect() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDetectMZWithoutPE(t *testing.T) {
	data := make([]byte, 0x44)
	data[0], data[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(data[0x3c:], 0x40)
	copy(data[0x40:], []byte{'X', 'X', 0, 0})

	if _, err := Detect(data); !errors.Is(err, ErrUnrecognizedFormat) {
		t.Fatalf("expected ErrUnrecognizedFormat for MZ without PE signature, got %v", err)
	}
}
