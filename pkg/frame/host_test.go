package frame

import (
	"encoding/binary"
	"testing"
)

func elfImage(machine uint16) []byte {
	img := make([]byte, 0x40)
	copy(img, "\x7fELF")
	img[4] = 2 // 64-bit
	img[5] = 1 // little-endian
	binary.LittleEndian.PutUint16(img[0x12:], machine)
	return img
}

func machoImage(cputype uint32) []byte {
	img := make([]byte, 0x20)
	binary.LittleEndian.PutUint32(img, 0xfeedfacf)
	binary.LittleEndian.PutUint32(img[4:], cputype)
	return img
}

func peImage(machine uint16) []byte {
	img := make([]byte, 0x60)
	copy(img, "MZ")
	binary.LittleEndian.PutUint32(img[0x3c:], 0x40)
	copy(img[0x40:], "PE\x00\x00")
	binary.LittleEndian.PutUint16(img[0x44:], machine)
	return img
}

func TestBinaryArch(t *testing.T) {
	tests := []struct {
		name  string
		image []byte
		want  Arch
	}{
		{"elf x64", elfImage(0x3e), X64},
		{"elf arm64", elfImage(0xb7), ARM64},
		{"elf ia32", elfImage(0x03), IA32},
		{"elf arm", elfImage(0x28), ARM},
		{"macho arm64", machoImage(0x0100000c), ARM64},
		{"macho x64", machoImage(0x01000007), X64},
		{"pe x64", peImage(0x8664), X64},
		{"pe arm64", peImage(0xaa64), ARM64},
		{"pe ia32", peImage(0x014c), IA32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BinaryArch(tt.image)
			if err != nil {
				t.Fatalf("BinaryArch() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("BinaryArch() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestBinaryArchBigEndianELF(t *testing.T) {
	img := make([]byte, 0x40)
	copy(img, "\x7fELF")
	img[4] = 2
	img[5] = 2 // big-endian
	binary.BigEndian.PutUint16(img[0x12:], 0x28)

	got, err := BinaryArch(img)
	if err != nil {
		t.Fatalf("BinaryArch() error = %v", err)
	}
	if got != ARM {
		t.Errorf("BinaryArch() = %s, want %s", got, ARM)
	}
}

func TestBinaryArchRejectsUnknown(t *testing.T) {
	if _, err := BinaryArch([]byte("not an executable at all")); err == nil {
		t.Error("expected an error for unrecognized bytes")
	}
	if _, err := BinaryArch(elfImage(0xffff)); err == nil {
		t.Error("expected an error for an unknown ELF machine")
	}
}
