// Package magic sniffs executable formats by their leading magic bytes.
package magic

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrUnrecognizedFormat is returned when a file matches no known
// executable magic.
var ErrUnrecognizedFormat = errors.New("unrecognized executable format")

// Format identifies a native executable container.
type Format int

const (
	Unknown Format = iota
	ELF
	MachO
	PE
)

func (f Format) String() string {
	switch f {
	case ELF:
		return "elf"
	case MachO:
		return "macho"
	case PE:
		return "pe"
	default:
		return "unknown"
	}
}

type machoMagic uint32

const (
	magic32    machoMagic = 0xfeedface
	magic64    machoMagic = 0xfeedfacf
	magicFatBE machoMagic = 0xcafebabe
	magicFatLE machoMagic = 0xbebafeca
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// Detect sniffs the format from the first bytes of data. It reads only
// the magic; deeper structural validation is left to the per-format
// injectors.
func Detect(data []byte) (Format, error) {
	if len(data) < 4 {
		return Unknown, fmt.Errorf("file too small to hold a magic: %w", ErrUnrecognizedFormat)
	}

	if bytes.Equal(data[:4], elfMagic) {
		return ELF, nil
	}

	switch machoMagic(binary.LittleEndian.Uint32(data[:4])) {
	case magic32, magic64, magicFatBE, magicFatLE:
		return MachO, nil
	}

	// PE files start with the DOS 'MZ' stub; confirm the PE\0\0 signature
	// at e_lfanew when enough of the file is present.
	if data[0] == 'M' && data[1] == 'Z' {
		if len(data) >= 0x40 {
			peOff := binary.LittleEndian.Uint32(data[0x3c:0x40])
			if int64(peOff)+4 <= int64(len(data)) {
				if !bytes.Equal(data[peOff:peOff+4], []byte{'P', 'E', 0, 0}) {
					return Unknown, fmt.Errorf("MZ file without PE signature: %w", ErrUnrecognizedFormat)
				}
			}
		}
		return PE, nil
	}

	return Unknown, ErrUnrecognizedFormat
}

// DetectFile sniffs the format of the file at path.
func DetectFile(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return Unknown, fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, 0x40)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return Unknown, fmt.Errorf("failed to read magic: %w", err)
	}

	return Detect(buf[:n])
}

// IsELF reports whether the file at path is an ELF executable.
func IsELF(path string) bool {
	f, err := DetectFile(path)
	return err == nil && f == ELF
}

// IsMachO reports whether the file at path is a Mach-O executable.
func IsMachO(path string) bool {
	f, err := DetectFile(path)
	return err == nil && f == MachO
}
