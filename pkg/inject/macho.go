package inject

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/blacktop/go-macho"
)

// Mach-O slots are custom LC_SEGMENT_64 segments with no sections,
// inserted before __LINKEDIT so the link-edit region stays last in the
// file. Any existing code signature is invalidated by the rewrite and
// is stripped; the caller re-signs ad hoc afterwards.
//
// Only thin 64-bit little-endian images are rewritten. Fat binaries
// must be sliced first.

const (
	machoMagic64  = 0xfeedfacf
	machoHdrSize  = 32
	machoSegSize  = 72
	machoSectSize = 80
	machoPageSize = 0x4000

	lcSegment64        = 0x19
	lcSymtab           = 0x2
	lcDysymtab         = 0xb
	lcCodeSignature    = 0x1d
	lcSegSplitInfo     = 0x1e
	lcDyldInfo         = 0x22
	lcDyldInfoOnly     = 0x80000022
	lcFunctionStarts   = 0x26
	lcDataInCode       = 0x29
	lcDylibCodeSignDRs = 0x2b
	lcLinkerOptHint    = 0x2e
	lcDyldExportsTrie  = 0x80000033
	lcDyldChainedFixup = 0x80000034

	machoSegNameLen = 16
	linkeditSegName = "__LINKEDIT"
)

func machoExtract(target []byte, name string) ([]byte, error) {
	m, err := macho.NewFile(bytes.NewReader(target))
	if err != nil {
		return nil, fmt.Errorf("failed to parse Mach-O: %w", err)
	}
	defer m.Close()

	seg := m.Segment(name)
	if seg == nil || seg.Nsect != 0 {
		return nil, fmt.Errorf("no segment named %q: %w", name, ErrSlotNotFound)
	}
	if seg.Offset+seg.Filesz > uint64(len(target)) {
		return nil, fmt.Errorf("segment %q exceeds file size: %w", name, ErrStructuralInvariant)
	}

	out := make([]byte, seg.Filesz)
	copy(out, target[seg.Offset:seg.Offset+seg.Filesz])
	return out, nil
}

func machoList(target []byte) ([]Slot, error) {
	m, err := macho.NewFile(bytes.NewReader(target))
	if err != nil {
		return nil, fmt.Errorf("failed to parse Mach-O: %w", err)
	}
	defer m.Close()

	var slots []Slot
	for _, seg := range m.Segments() {
		// Payload carriers are sectionless data segments; skip the
		// structural ones every image has.
		if seg.Nsect != 0 || seg.Name == "__PAGEZERO" || seg.Name == linkeditSegName {
			continue
		}
		slots = append(slots, Slot{
			Name:   seg.Name,
			Offset: seg.Offset,
			Size:   seg.Filesz,
			VAddr:  seg.Addr,
		})
	}
	return slots, nil
}

// machoCmd is one raw load command in the image.
type machoCmd struct {
	off  int // file offset of the command
	cmd  uint32
	size uint32
}

type machoImage struct {
	raw       []byte
	ncmds     uint32
	sizeofcmd uint32
	cmds      []machoCmd
}

func parseMachO(data []byte) (*machoImage, error) {
	if len(data) < machoHdrSize {
		return nil, fmt.Errorf("file too small for a Mach-O header: %w", ErrStructuralInvariant)
	}
	if binary.LittleEndian.Uint32(data) != machoMagic64 {
		return nil, fmt.Errorf("only thin 64-bit little-endian Mach-O is supported: %w", ErrStructuralInvariant)
	}

	img := &machoImage{
		raw:       data,
		ncmds:     binary.LittleEndian.Uint32(data[16:]),
		sizeofcmd: binary.LittleEndian.Uint32(data[20:]),
	}
	if machoHdrSize+int(img.sizeofcmd) > len(data) {
		return nil, fmt.Errorf("load commands exceed file size: %w", ErrStructuralInvariant)
	}

	off := machoHdrSize
	for i := uint32(0); i < img.ncmds; i++ {
		if off+8 > machoHdrSize+int(img.sizeofcmd) {
			return nil, fmt.Errorf("truncated load command %d: %w", i, ErrStructuralInvariant)
		}
		c := machoCmd{
			off:  off,
			cmd:  binary.LittleEndian.Uint32(data[off:]),
			size: binary.LittleEndian.Uint32(data[off+4:]),
		}
		if c.size < 8 || off+int(c.size) > machoHdrSize+int(img.sizeofcmd) {
			return nil, fmt.Errorf("load command %d has invalid size %d: %w", i, c.size, ErrStructuralInvariant)
		}
		img.cmds = append(img.cmds, c)
		off += int(c.size)
	}
	return img, nil
}

func (img *machoImage) segName(c machoCmd) string {
	raw := img.raw[c.off+8 : c.off+8+machoSegNameLen]
	return string(bytes.TrimRight(raw, "\x00"))
}

// findSegment returns the command for the named LC_SEGMENT_64, or a
// zero command with ok=false.
func (img *machoImage) findSegment(name string) (machoCmd, bool) {
	for _, c := range img.cmds {
		if c.cmd == lcSegment64 && img.segName(c) == name {
			return c, true
		}
	}
	return machoCmd{}, false
}

// headroom returns the file offset of the first byte of mapped section
// content, the ceiling for load command growth.
func (img *machoImage) headroom() uint64 {
	limit := uint64(len(img.raw))
	for _, c := range img.cmds {
		if c.cmd != lcSegment64 {
			continue
		}
		nsects := binary.LittleEndian.Uint32(img.raw[c.off+64:])
		sectOff := c.off + machoSegSize
		for s := uint32(0); s < nsects; s++ {
			fileOff := uint64(binary.LittleEndian.Uint32(img.raw[sectOff+48:]))
			if fileOff != 0 && fileOff < limit {
				limit = fileOff
			}
			sectOff += machoSectSize
		}
	}
	return limit
}

func machoInjectAll(target []byte, payloads []Payload) ([]byte, error) {
	out := append([]byte(nil), target...)

	var err error
	out, err = machoStripCodeSignature(out)
	if err != nil {
		return nil, err
	}

	for _, p := range payloads {
		if len(p.Name) > machoSegNameLen {
			return nil, fmt.Errorf("segment name %q exceeds %d bytes: %w", p.Name, machoSegNameLen, ErrStructuralInvariant)
		}
		out, err = machoInjectOne(out, p)
		if err != nil {
			return nil, fmt.Errorf("failed to inject %q: %w", p.Name, err)
		}
	}
	return out, nil
}

// machoStripCodeSignature removes LC_CODE_SIGNATURE and the signature
// blob it points at. The rewrite invalidates any signature anyway, and
// leaving a dangling command makes the image unloadable.
func machoStripCodeSignature(data []byte) ([]byte, error) {
	img, err := parseMachO(data)
	if err != nil {
		return nil, err
	}

	var sig machoCmd
	found := false
	for _, c := range img.cmds {
		if c.cmd == lcCodeSignature {
			sig = c
			found = true
			break
		}
	}
	if !found {
		return data, nil
	}

	dataOff := uint64(binary.LittleEndian.Uint32(data[sig.off+8:]))
	dataSize := uint64(binary.LittleEndian.Uint32(data[sig.off+12:]))

	out := append([]byte(nil), data...)

	// The blob sits at the tail of __LINKEDIT, which is the tail of
	// the file. Trim it and shrink the segment to match.
	if dataOff+dataSize == uint64(len(out)) {
		out = out[:dataOff]
		if le, ok := img.findSegment(linkeditSegName); ok {
			fileoff := binary.LittleEndian.Uint64(out[le.off+40:])
			if dataOff >= fileoff {
				binary.LittleEndian.PutUint64(out[le.off+48:], dataOff-fileoff) // filesize
			}
		}
	}

	// Splice the command out of the list and zero the freed space.
	cmdEnd := machoHdrSize + int(img.sizeofcmd)
	copy(out[sig.off:], out[sig.off+int(sig.size):cmdEnd])
	for i := cmdEnd - int(sig.size); i < cmdEnd; i++ {
		out[i] = 0
	}
	binary.LittleEndian.PutUint32(out[16:], img.ncmds-1)
	binary.LittleEndian.PutUint32(out[20:], img.sizeofcmd-sig.size)

	return out, nil
}

func machoInjectOne(data []byte, p Payload) ([]byte, error) {
	img, err := parseMachO(data)
	if err != nil {
		return nil, err
	}

	le, ok := img.findSegment(linkeditSegName)
	if !ok {
		return nil, fmt.Errorf("no %s segment: %w", linkeditSegName, ErrStructuralInvariant)
	}
	leFileoff := binary.LittleEndian.Uint64(data[le.off+40:])
	leVmaddr := binary.LittleEndian.Uint64(data[le.off+24:])

	newRegion := alignUp(uint64(len(p.Data)), machoPageSize)

	if seg, exists := img.findSegment(p.Name); exists {
		return machoReplaceSegment(img, seg, le, p, newRegion)
	}

	// Growing the command list needs headroom below the first mapped
	// section byte.
	if uint64(machoHdrSize)+uint64(img.sizeofcmd)+machoSegSize > img.headroom() {
		return nil, fmt.Errorf("no room for another load command: %w", ErrStructuralInvariant)
	}

	// The new segment takes over __LINKEDIT's place in both the file
	// and the address space; __LINKEDIT slides up.
	segFileoff := leFileoff
	segVmaddr := leVmaddr

	out := make([]byte, 0, uint64(len(data))+newRegion+machoSegSize)
	out = append(out, data[:segFileoff]...)
	out = append(out, p.Data...)
	out = append(out, make([]byte, newRegion-uint64(len(p.Data)))...)
	out = append(out, data[segFileoff:]...)

	// Insert the segment command just before __LINKEDIT's command.
	cmd := make([]byte, machoSegSize)
	binary.LittleEndian.PutUint32(cmd, lcSegment64)
	binary.LittleEndian.PutUint32(cmd[4:], machoSegSize)
	copy(cmd[8:8+machoSegNameLen], p.Name)
	binary.LittleEndian.PutUint64(cmd[24:], segVmaddr)             // vmaddr
	binary.LittleEndian.PutUint64(cmd[32:], newRegion)             // vmsize
	binary.LittleEndian.PutUint64(cmd[40:], segFileoff)            // fileoff
	binary.LittleEndian.PutUint64(cmd[48:], uint64(len(p.Data)))   // filesize
	binary.LittleEndian.PutUint32(cmd[56:], 0x1)                   // maxprot VM_PROT_READ
	binary.LittleEndian.PutUint32(cmd[60:], 0x1)                   // initprot

	cmdEnd := machoHdrSize + int(img.sizeofcmd)
	tail := append([]byte(nil), out[le.off:cmdEnd]...)
	copy(out[le.off+machoSegSize:], tail)
	copy(out[le.off:], cmd)
	binary.LittleEndian.PutUint32(out[16:], img.ncmds+1)
	binary.LittleEndian.PutUint32(out[20:], img.sizeofcmd+machoSegSize)

	// __LINKEDIT's command moved by the insertion.
	leOff := le.off + machoSegSize
	binary.LittleEndian.PutUint64(out[leOff+24:], leVmaddr+newRegion)
	binary.LittleEndian.PutUint64(out[leOff+40:], leFileoff+newRegion)

	machoShiftLinkeditOffsets(out, segFileoff, int64(newRegion))
	return out, nil
}

// machoReplaceSegment rewrites an existing slot's bytes in place,
// resizing the file region and sliding __LINKEDIT when the page count
// changes.
func machoReplaceSegment(img *machoImage, seg, le machoCmd, p Payload, newRegion uint64) ([]byte, error) {
	data := img.raw
	fileoff := binary.LittleEndian.Uint64(data[seg.off+40:])
	oldVmsize := binary.LittleEndian.Uint64(data[seg.off+32:])
	oldRegion := oldVmsize

	if fileoff+oldRegion > uint64(len(data)) {
		return nil, fmt.Errorf("segment %q exceeds file size: %w", p.Name, ErrStructuralInvariant)
	}

	out := make([]byte, 0, uint64(len(data))+newRegion-oldRegion)
	out = append(out, data[:fileoff]...)
	out = append(out, p.Data...)
	out = append(out, make([]byte, newRegion-uint64(len(p.Data)))...)
	out = append(out, data[fileoff+oldRegion:]...)

	binary.LittleEndian.PutUint64(out[seg.off+32:], newRegion)           // vmsize
	binary.LittleEndian.PutUint64(out[seg.off+48:], uint64(len(p.Data))) // filesize

	delta := int64(newRegion) - int64(oldRegion)
	if delta != 0 {
		leVmaddr := binary.LittleEndian.Uint64(out[le.off+24:])
		leFileoff := binary.LittleEndian.Uint64(out[le.off+40:])
		binary.LittleEndian.PutUint64(out[le.off+24:], uint64(int64(leVmaddr)+delta))
		binary.LittleEndian.PutUint64(out[le.off+40:], uint64(int64(leFileoff)+delta))
		machoShiftLinkeditOffsets(out, fileoff, delta)
	}
	return out, nil
}

// machoShiftLinkeditOffsets adjusts every load-command file offset that
// points past the insertion point.
func machoShiftLinkeditOffsets(data []byte, insertAt uint64, delta int64) {
	img, err := parseMachO(data)
	if err != nil {
		return
	}

	shift32 := func(off int) {
		v := binary.LittleEndian.Uint32(data[off:])
		if v != 0 && uint64(v) >= insertAt {
			binary.LittleEndian.PutUint32(data[off:], uint32(int64(v)+delta))
		}
	}

	for _, c := range img.cmds {
		switch c.cmd {
		case lcSymtab:
			shift32(c.off + 8)  // symoff
			shift32(c.off + 16) // stroff
		case lcDysymtab:
			for _, fo := range []int{32, 40, 48, 56, 64, 72} {
				shift32(c.off + fo)
			}
		case lcDyldInfo, lcDyldInfoOnly:
			for _, fo := range []int{8, 16, 24, 32, 40} {
				shift32(c.off + fo)
			}
		case lcCodeSignature, lcSegSplitInfo, lcFunctionStarts, lcDataInCode,
			lcDylibCodeSignDRs, lcLinkerOptHint, lcDyldExportsTrie, lcDyldChainedFixup:
			shift32(c.off + 8) // dataoff
		}
	}
}
