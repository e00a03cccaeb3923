package inject

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// ELF slots are PT_NOTE program headers carrying a single note whose
// owner is the slot name, paired with a .note.<name> section (one
// leading dot) so tooling can see the payload.
//
// Two rewrite strategies exist, chosen by discoverability mode:
//
//   - FileOffsetOnly: the program header table must keep its file
//     offset, because statically linked startup code reads structural
//     data relative to the recorded e_phoff. Notes are appended at the
//     end of the file and an existing PT_NOTE entry is rewritten in
//     place to describe them. Nothing else moves.
//   - MemoryMapped: the target is dynamically linked and its loader
//     tolerates a relocated table, so the table is rebuilt at the end
//     of the file inside a fresh PT_LOAD that also covers the note
//     bytes, giving the note a real virtual address for
//     dl_iterate_phdr discovery.

const (
	elfNoteSectionPrefix = ".note."
	elfNoteType          = 0
	elfPageSize          = 0x1000
)

type elfFile struct {
	hdr      elf.Header64
	phdrs    []elf.Prog64
	shdrs    []elf.Section64
	shstrtab []byte
	raw      []byte
}

func parseELF(data []byte) (*elfFile, error) {
	if len(data) < binary.Size(elf.Header64{}) {
		return nil, fmt.Errorf("file too small for an ELF header: %w", ErrStructuralInvariant)
	}

	f := &elfFile{raw: data}
	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.LittleEndian, &f.hdr); err != nil {
		return nil, fmt.Errorf("failed to read ELF header: %w", err)
	}

	if elf.Class(f.hdr.Ident[elf.EI_CLASS]) != elf.ELFCLASS64 {
		return nil, fmt.Errorf("only 64-bit ELF is supported: %w", ErrStructuralInvariant)
	}
	if elf.Data(f.hdr.Ident[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("only little-endian ELF is supported: %w", ErrStructuralInvariant)
	}
	if f.hdr.Phentsize != uint16(binary.Size(elf.Prog64{})) {
		return nil, fmt.Errorf("unexpected program header entry size %d: %w", f.hdr.Phentsize, ErrStructuralInvariant)
	}

	phtEnd := f.hdr.Phoff + uint64(f.hdr.Phnum)*uint64(f.hdr.Phentsize)
	if phtEnd > uint64(len(data)) {
		return nil, fmt.Errorf("program header table exceeds file size: %w", ErrStructuralInvariant)
	}
	f.phdrs = make([]elf.Prog64, f.hdr.Phnum)
	r = bytes.NewReader(data[f.hdr.Phoff:])
	if err := binary.Read(r, binary.LittleEndian, f.phdrs); err != nil {
		return nil, fmt.Errorf("failed to read program headers: %w", err)
	}

	if f.hdr.Shnum > 0 {
		if f.hdr.Shentsize != uint16(binary.Size(elf.Section64{})) {
			return nil, fmt.Errorf("unexpected section header entry size %d: %w", f.hdr.Shentsize, ErrStructuralInvariant)
		}
		shtEnd := f.hdr.Shoff + uint64(f.hdr.Shnum)*uint64(f.hdr.Shentsize)
		if shtEnd > uint64(len(data)) {
			return nil, fmt.Errorf("section header table exceeds file size: %w", ErrStructuralInvariant)
		}
		f.shdrs = make([]elf.Section64, f.hdr.Shnum)
		r = bytes.NewReader(data[f.hdr.Shoff:])
		if err := binary.Read(r, binary.LittleEndian, f.shdrs); err != nil {
			return nil, fmt.Errorf("failed to read section headers: %w", err)
		}

		if int(f.hdr.Shstrndx) >= len(f.shdrs) {
			return nil, fmt.Errorf("invalid section string table index %d: %w", f.hdr.Shstrndx, ErrStructuralInvariant)
		}
		strtab := f.shdrs[f.hdr.Shstrndx]
		if strtab.Off+strtab.Size > uint64(len(data)) {
			return nil, fmt.Errorf("section string table exceeds file size: %w", ErrStructuralInvariant)
		}
		f.shstrtab = data[strtab.Off : strtab.Off+strtab.Size]
	}

	return f, nil
}

func (f *elfFile) sectionName(sh *elf.Section64) string {
	if int(sh.Name) >= len(f.shstrtab) {
		return ""
	}
	rest := f.shstrtab[sh.Name:]
	if i := bytes.IndexByte(rest, 0); i >= 0 {
		return string(rest[:i])
	}
	return ""
}

func (f *elfFile) isDynamic() bool {
	for _, ph := range f.phdrs {
		if elf.ProgType(ph.Type) == elf.PT_INTERP || elf.ProgType(ph.Type) == elf.PT_DYNAMIC {
			return true
		}
	}
	return false
}

// elfNote is one decoded note entry inside a PT_NOTE segment.
type elfNote struct {
	owner      string
	descOffset uint64 // file offset of the descriptor bytes
	descSize   uint64
}

func parseNotes(data []byte, off, size uint64) []elfNote {
	var notes []elfNote
	if off+size > uint64(len(data)) {
		return nil
	}
	region := data[off : off+size]

	pos := uint64(0)
	for pos+12 <= uint64(len(region)) {
		namesz := uint64(binary.LittleEndian.Uint32(region[pos:]))
		descsz := uint64(binary.LittleEndian.Uint32(region[pos+4:]))
		nameOff := pos + 12
		descOff := nameOff + align4(namesz)
		end := descOff + align4(descsz)
		if end > uint64(len(region)) || namesz == 0 {
			break
		}
		owner := string(bytes.TrimRight(region[nameOff:nameOff+namesz], "\x00"))
		notes = append(notes, elfNote{
			owner:      owner,
			descOffset: off + descOff,
			descSize:   descsz,
		})
		pos = end
	}
	return notes
}

func align4(v uint64) uint64 { return (v + 3) &^ 3 }

func alignUp(v, a uint64) uint64 { return (v + a - 1) &^ (a - 1) }

// buildNote encodes a single note with the slot name as owner.
func buildNote(name string, payload []byte) []byte {
	namesz := uint64(len(name) + 1)
	descsz := uint64(len(payload))

	buf := make([]byte, 12+align4(namesz)+align4(descsz))
	binary.LittleEndian.PutUint32(buf, uint32(namesz))
	binary.LittleEndian.PutUint32(buf[4:], uint32(descsz))
	binary.LittleEndian.PutUint32(buf[8:], elfNoteType)
	copy(buf[12:], name)
	copy(buf[12+align4(namesz):], payload)
	return buf
}

// noteDescFileOffset returns where the descriptor bytes land relative
// to the start of a note built by buildNote.
func noteDescFileOffset(name string) uint64 {
	return 12 + align4(uint64(len(name)+1))
}

func elfExtract(target []byte, name string) ([]byte, error) {
	f, err := parseELF(target)
	if err != nil {
		return nil, err
	}

	for _, ph := range f.phdrs {
		if elf.ProgType(ph.Type) != elf.PT_NOTE {
			continue
		}
		for _, note := range parseNotes(target, ph.Off, ph.Filesz) {
			if note.owner == name {
				out := make([]byte, note.descSize)
				copy(out, target[note.descOffset:note.descOffset+note.descSize])
				return out, nil
			}
		}
	}

	return nil, fmt.Errorf("no note with owner %q: %w", name, ErrSlotNotFound)
}

func elfList(target []byte) ([]Slot, error) {
	f, err := parseELF(target)
	if err != nil {
		return nil, err
	}

	var slots []Slot
	for _, ph := range f.phdrs {
		if elf.ProgType(ph.Type) != elf.PT_NOTE {
			continue
		}
		for _, note := range parseNotes(target, ph.Off, ph.Filesz) {
			slots = append(slots, Slot{
				Name:   note.owner,
				Offset: note.descOffset,
				Size:   note.descSize,
				VAddr:  ph.Vaddr,
			})
		}
	}
	return slots, nil
}

// elfSlotPhdr finds the index of the PT_NOTE program header whose note
// owner matches name, or -1.
func elfSlotPhdr(f *elfFile, name string) int {
	for i, ph := range f.phdrs {
		if elf.ProgType(ph.Type) != elf.PT_NOTE {
			continue
		}
		for _, note := range parseNotes(f.raw, ph.Off, ph.Filesz) {
			if note.owner == name {
				return i
			}
		}
	}
	return -1
}

// placement tracks where one payload's note lands while the output is
// being assembled.
type placement struct {
	payload Payload
	phdrIdx int // -1 until assigned
	noteOff uint64
	noteLen uint64
	vaddr   uint64
}

func elfInjectAll(target []byte, payloads []Payload) ([]byte, error) {
	f, err := parseELF(target)
	if err != nil {
		return nil, err
	}

	dynamic := f.isDynamic()
	for _, p := range payloads {
		if p.Mode == MemoryMapped && !dynamic {
			return nil, fmt.Errorf(
				"memory-mapped payload %q on a statically linked target would require relocating the program header table: %w",
				p.Name, ErrStructuralInvariant)
		}
	}

	// Partition: payloads whose slot already exists are in-place phdr
	// rewrites; new slots either repurpose a spare PT_NOTE entry
	// (FileOffsetOnly) or force a table rebuild (MemoryMapped).
	var (
		placements  []placement
		needRebuild bool
	)

	claimed := make(map[int]bool)
	for _, p := range payloads {
		idx := elfSlotPhdr(f, p.Name)
		if idx >= 0 {
			claimed[idx] = true
		}
		placements = append(placements, placement{payload: p, phdrIdx: idx})
	}

	for i := range placements {
		pl := &placements[i]
		if pl.phdrIdx >= 0 {
			if pl.payload.Mode == MemoryMapped {
				// A replacement note still needs to live inside a
				// loadable region.
				needRebuild = true
			}
			continue
		}
		if pl.payload.Mode == MemoryMapped {
			needRebuild = true
			continue
		}
		// FileOffsetOnly addition: repurpose a spare PT_NOTE entry so
		// the table keeps its offset and size. Scan from the end so
		// well-known leading notes (ABI tag) survive the longest.
		spare := -1
		for j := len(f.phdrs) - 1; j >= 0; j-- {
			if elf.ProgType(f.phdrs[j].Type) != elf.PT_NOTE || claimed[j] {
				continue
			}
			spare = j
			break
		}
		if spare < 0 {
			return nil, fmt.Errorf(
				"no PT_NOTE entry available for %q and the program header table cannot move: %w",
				pl.payload.Name, ErrStructuralInvariant)
		}
		claimed[spare] = true
		pl.phdrIdx = spare
	}

	out := append([]byte(nil), target...)

	// The section header table is rebuilt at the end in every path, so
	// drop it now when it sits at the tail.
	if len(f.shdrs) > 0 {
		shtEnd := f.hdr.Shoff + uint64(f.hdr.Shnum)*uint64(f.hdr.Shentsize)
		if shtEnd == uint64(len(out)) {
			out = out[:f.hdr.Shoff]
		}
	}

	// Zero the regions of every slot being replaced or repurposed, and
	// drop trailing note data so repeated repacks do not grow the file.
	for i := range placements {
		pl := &placements[i]
		if pl.phdrIdx < 0 {
			continue
		}
		ph := f.phdrs[pl.phdrIdx]
		if ph.Off+ph.Filesz == uint64(len(out)) {
			out = out[:ph.Off]
		} else if ph.Off+ph.Filesz <= uint64(len(out)) {
			for j := ph.Off; j < ph.Off+ph.Filesz; j++ {
				out[j] = 0
			}
		}
	}

	// Append FileOffsetOnly notes at the end of the file.
	for i := range placements {
		pl := &placements[i]
		if pl.payload.Mode != FileOffsetOnly {
			continue
		}
		note := buildNote(pl.payload.Name, pl.payload.Data)
		for uint64(len(out))%4 != 0 {
			out = append(out, 0)
		}
		pl.noteOff = uint64(len(out))
		pl.noteLen = uint64(len(note))
		out = append(out, note...)

		f.phdrs[pl.phdrIdx] = elf.Prog64{
			Type:   uint32(elf.PT_NOTE),
			Flags:  uint32(elf.PF_R),
			Off:    pl.noteOff,
			Vaddr:  0,
			Paddr:  0,
			Filesz: pl.noteLen,
			Memsz:  0,
			Align:  4,
		}
	}

	if needRebuild {
		out = elfRebuildWithMappedNotes(f, out, placements)
	} else {
		// Write the updated program headers back at their original,
		// unmoved offset.
		var pht bytes.Buffer
		binary.Write(&pht, binary.LittleEndian, f.phdrs)
		copy(out[f.hdr.Phoff:], pht.Bytes())
	}

	return elfRewriteSections(f, out, placements)
}

// elfRebuildWithMappedNotes relocates the program header table into a
// fresh read-only PT_LOAD at the end of the file, together with every
// memory-mapped note, assigning real virtual addresses.
func elfRebuildWithMappedNotes(f *elfFile, out []byte, placements []placement) []byte {
	// Reclaim a region built by a previous injection: our layout is
	// recognizable by the table living at the start of a tail PT_LOAD.
	for _, ph := range f.phdrs {
		if elf.ProgType(ph.Type) == elf.PT_LOAD && ph.Off == f.hdr.Phoff &&
			ph.Off > uint64(binary.Size(elf.Header64{})) &&
			ph.Off+ph.Filesz >= uint64(len(out)) && ph.Off < uint64(len(out)) {
			out = out[:ph.Off]
			break
		}
	}

	// Build contents for the mapped notes.
	type mapped struct {
		idx  int // placement index
		blob []byte
	}
	var notes []mapped
	for i := range placements {
		if placements[i].payload.Mode == MemoryMapped {
			notes = append(notes, mapped{idx: i, blob: buildNote(placements[i].payload.Name, placements[i].payload.Data)})
		}
	}

	regionOff := alignUp(uint64(len(out)), elfPageSize)

	// Highest mapped address so the new segment lands beyond every
	// existing one, keeping offset/vaddr page congruence.
	var maxVaddr uint64
	for _, ph := range f.phdrs {
		if elf.ProgType(ph.Type) == elf.PT_LOAD && ph.Vaddr+ph.Memsz > maxVaddr {
			maxVaddr = ph.Vaddr + ph.Memsz
		}
	}
	vbase := alignUp(maxVaddr, elfPageSize)

	// The rebuilt table: existing entries (already updated for
	// replacements) plus one PT_NOTE per new mapped slot plus the
	// covering PT_LOAD. Entries for replaced mapped slots are reused.
	newPhdrs := append([]elf.Prog64(nil), f.phdrs...)
	addCount := 0
	for _, n := range notes {
		if placements[n.idx].phdrIdx < 0 {
			addCount++
		}
	}
	hasCarrier := false
	carrierIdx := -1
	for i, ph := range newPhdrs {
		if elf.ProgType(ph.Type) == elf.PT_LOAD && ph.Off == f.hdr.Phoff && ph.Off > uint64(binary.Size(elf.Header64{})) {
			hasCarrier = true
			carrierIdx = i
			break
		}
	}
	total := len(newPhdrs) + addCount
	if !hasCarrier {
		total++ // room for the new carrier PT_LOAD
	}

	phtSize := uint64(total) * uint64(binary.Size(elf.Prog64{}))

	// Lay out note blobs after the table.
	off := regionOff + phtSize
	for _, n := range notes {
		off = align4(off)
		pl := &placements[n.idx]
		pl.noteOff = off
		pl.noteLen = uint64(len(n.blob))
		pl.vaddr = vbase + (off - regionOff)
		off += pl.noteLen
	}
	regionLen := off - regionOff

	for _, n := range notes {
		pl := &placements[n.idx]
		entry := elf.Prog64{
			Type:   uint32(elf.PT_NOTE),
			Flags:  uint32(elf.PF_R),
			Off:    pl.noteOff,
			Vaddr:  pl.vaddr,
			Paddr:  pl.vaddr,
			Filesz: pl.noteLen,
			Memsz:  pl.noteLen,
			Align:  4,
		}
		if pl.phdrIdx >= 0 {
			newPhdrs[pl.phdrIdx] = entry
		} else {
			pl.phdrIdx = len(newPhdrs)
			newPhdrs = append(newPhdrs, entry)
		}
	}

	carrier := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R),
		Off:    regionOff,
		Vaddr:  vbase,
		Paddr:  vbase,
		Filesz: regionLen,
		Memsz:  regionLen,
		Align:  elfPageSize,
	}
	if hasCarrier {
		newPhdrs[carrierIdx] = carrier
	} else {
		newPhdrs = append(newPhdrs, carrier)
	}

	// Assemble: pad to the region, table, then note blobs.
	for uint64(len(out)) < regionOff {
		out = append(out, 0)
	}
	var pht bytes.Buffer
	binary.Write(&pht, binary.LittleEndian, newPhdrs)
	out = append(out, pht.Bytes()...)
	for _, n := range notes {
		pl := &placements[n.idx]
		for uint64(len(out)) < pl.noteOff {
			out = append(out, 0)
		}
		out = append(out, n.blob...)
	}

	f.phdrs = newPhdrs
	f.hdr.Phoff = regionOff
	f.hdr.Phnum = uint16(len(newPhdrs))

	// Patch the rewritten header fields in place.
	binary.LittleEndian.PutUint64(out[0x20:], f.hdr.Phoff)
	binary.LittleEndian.PutUint16(out[0x38:], f.hdr.Phnum)

	return out
}

// elfRewriteSections rebuilds the section header table at the end of
// the file so every slot has a matching .note.<name> section. The
// table and string table are free to move in both modes; only the
// program header table is offset-constrained.
func elfRewriteSections(f *elfFile, out []byte, placements []placement) ([]byte, error) {
	if len(f.shdrs) == 0 {
		// Sectionless target (fully stripped): program headers alone
		// carry the slots.
		return out, nil
	}

	shdrs := append([]elf.Section64(nil), f.shdrs...)
	strtab := append([]byte(nil), f.shstrtab...)

	for i := range placements {
		pl := &placements[i]
		sectName := elfNoteSectionPrefix + pl.payload.Name

		found := false
		for j := range shdrs {
			if f.sectionName(&shdrs[j]) == sectName {
				shdrs[j].Off = pl.noteOff
				shdrs[j].Size = pl.noteLen
				shdrs[j].Addr = pl.vaddr
				found = true
				break
			}
		}
		if !found {
			nameOff := uint32(len(strtab))
			strtab = append(strtab, sectName...)
			strtab = append(strtab, 0)
			shdrs = append(shdrs, elf.Section64{
				Name:      nameOff,
				Type:      uint32(elf.SHT_NOTE),
				Flags:     0,
				Addr:      pl.vaddr,
				Off:       pl.noteOff,
				Size:      pl.noteLen,
				Addralign: 4,
			})
		}
	}

	// Drop a trailing table from the previous layout so repacks do not
	// accrete dead bytes.
	oldShtEnd := f.hdr.Shoff + uint64(f.hdr.Shnum)*uint64(f.hdr.Shentsize)
	if oldShtEnd == uint64(len(out)) {
		out = out[:f.hdr.Shoff]
	}

	// Extended string table, then the rebuilt section table.
	for uint64(len(out))%8 != 0 {
		out = append(out, 0)
	}
	strtabOff := uint64(len(out))
	out = append(out, strtab...)

	shdrs[f.hdr.Shstrndx].Off = strtabOff
	shdrs[f.hdr.Shstrndx].Size = uint64(len(strtab))

	for uint64(len(out))%8 != 0 {
		out = append(out, 0)
	}
	shtOff := uint64(len(out))
	var sht bytes.Buffer
	binary.Write(&sht, binary.LittleEndian, shdrs)
	out = append(out, sht.Bytes()...)

	binary.LittleEndian.PutUint64(out[0x28:], shtOff)
	binary.LittleEndian.PutUint16(out[0x3c:], uint16(len(shdrs)))

	return out, nil
}
