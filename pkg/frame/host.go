package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"runtime"
)

// HostPlatform maps runtime.GOOS onto the wire platform tag.
func HostPlatform() Platform {
	switch runtime.GOOS {
	case "darwin":
		return Darwin
	case "windows":
		return Win32
	default:
		return Linux
	}
}

// HostArch maps runtime.GOARCH onto the wire arch tag.
func HostArch() Arch {
	switch runtime.GOARCH {
	case "arm64":
		return ARM64
	case "386":
		return IA32
	case "arm":
		return ARM
	default:
		return X64
	}
}

// BinaryArch reads the machine field out of an executable image so a
// frame can record the architecture the binary was built for rather
// than the machine pressing it.
func BinaryArch(image []byte) (Arch, error) {
	switch {
	case len(image) >= 0x14 && bytes.HasPrefix(image, []byte("\x7fELF")):
		machine := binary.LittleEndian.Uint16(image[0x12:])
		if image[5] == 2 { // big-endian ELF
			machine = binary.BigEndian.Uint16(image[0x12:])
		}
		switch machine {
		case 0x3e:
			return X64, nil
		case 0xb7:
			return ARM64, nil
		case 0x03:
			return IA32, nil
		case 0x28:
			return ARM, nil
		}
		return 0, fmt.Errorf("unsupported ELF machine 0x%x", machine)

	case len(image) >= 8 && (binary.LittleEndian.Uint32(image) == 0xfeedfacf ||
		binary.LittleEndian.Uint32(image) == 0xfeedface):
		cputype := binary.LittleEndian.Uint32(image[4:])
		switch cputype {
		case 0x0100000c:
			return ARM64, nil
		case 0x01000007:
			return X64, nil
		case 0x00000007:
			return IA32, nil
		case 0x0000000c:
			return ARM, nil
		}
		return 0, fmt.Errorf("unsupported Mach-O cputype 0x%x", cputype)

	case len(image) >= 0x40 && bytes.HasPrefix(image, []byte("MZ")):
		peOff := binary.LittleEndian.Uint32(image[0x3c:])
		if uint64(peOff)+6 > uint64(len(image)) ||
			!bytes.Equal(image[peOff:peOff+4], []byte("PE\x00\x00")) {
			return 0, fmt.Errorf("MZ image without PE signature")
		}
		machine := binary.LittleEndian.Uint16(image[peOff+4:])
		switch machine {
		case 0x8664:
			return X64, nil
		case 0xaa64:
			return ARM64, nil
		case 0x014c:
			return IA32, nil
		case 0x01c4:
			return ARM, nil
		}
		return 0, fmt.Errorf("unsupported PE machine 0x%x", machine)
	}
	return 0, fmt.Errorf("unrecognized executable image")
}
