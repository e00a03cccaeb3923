package inject

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"testing"
)

// buildTestELF assembles a minimal but structurally valid ELF64
// executable: one PT_LOAD, two spare PT_NOTE entries (one PT_INTERP
// instead when dynamic), a GNU build-id note, and a section table with
// a string table.
func buildTestELF(t *testing.T, dynamic bool) []byte {
	t.Helper()

	const (
		phoff      = 0x40
		interpOff  = 0xe8
		noteOff    = 0xf8
		strtabOff  = 0x10c
		shoff      = 0x130
		fileSize   = 0x1f0
		loadVaddr  = 0x400000
		interpPath = "/lib64/ld.so"
	)

	out := make([]byte, fileSize)

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   1,
		Entry:     loadVaddr + 0x100,
		Phoff:     phoff,
		Shoff:     shoff,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     3,
		Shentsize: 64,
		Shnum:     3,
		Shstrndx:  2,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	if dynamic {
		hdr.Type = uint16(elf.ET_DYN)
	}

	// GNU build-id note: namesz 4, descsz 4, type NT_GNU_BUILD_ID.
	note := out[noteOff:]
	binary.LittleEndian.PutUint32(note, 4)
	binary.LittleEndian.PutUint32(note[4:], 4)
	binary.LittleEndian.PutUint32(note[8:], 3)
	copy(note[12:], "GNU\x00")
	copy(note[16:], []byte{0xde, 0xad, 0xbe, 0xef})
	const noteSize = 20

	gnuNote := elf.Prog64{
		Type: uint32(elf.PT_NOTE), Flags: uint32(elf.PF_R),
		Off: noteOff, Vaddr: loadVaddr + noteOff, Paddr: loadVaddr + noteOff,
		Filesz: noteSize, Memsz: noteSize, Align: 4,
	}
	phdrs := []elf.Prog64{
		{
			Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_X),
			Off: 0, Vaddr: loadVaddr, Paddr: loadVaddr,
			Filesz: fileSize, Memsz: fileSize, Align: 0x1000,
		},
		gnuNote,
		gnuNote, // second spare entry
	}
	if dynamic {
		copy(out[interpOff:], interpPath+"\x00")
		phdrs[2] = elf.Prog64{
			Type: uint32(elf.PT_INTERP), Flags: uint32(elf.PF_R),
			Off: interpOff, Vaddr: loadVaddr + interpOff, Paddr: loadVaddr + interpOff,
			Filesz: uint64(len(interpPath) + 1), Memsz: uint64(len(interpPath) + 1), Align: 1,
		}
	}

	strtab := "\x00.shstrtab\x00.note.gnu.build-id\x00"
	copy(out[strtabOff:], strtab)

	shdrs := []elf.Section64{
		{},
		{
			Name: 11, Type: uint32(elf.SHT_NOTE),
			Addr: loadVaddr + noteOff, Off: noteOff, Size: noteSize, Addralign: 4,
		},
		{
			Name: 1, Type: uint32(elf.SHT_STRTAB),
			Off: strtabOff, Size: uint64(len(strtab)), Addralign: 1,
		},
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &hdr)
	copy(out, buf.Bytes())
	buf.Reset()
	binary.Write(&buf, binary.LittleEndian, phdrs)
	copy(out[phoff:], buf.Bytes())
	buf.Reset()
	binary.Write(&buf, binary.LittleEndian, shdrs)
	copy(out[shoff:], buf.Bytes())

	return out
}

func TestELFInjectExtractFileOffsetOnly(t *testing.T) {
	target := buildTestELF(t, false)
	payload := []byte("press any key to decompress")

	got, err := Inject(target, "pressed", payload, FileOffsetOnly)
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}

	// The program header table must not have moved.
	if phoff := binary.LittleEndian.Uint64(got[0x20:]); phoff != 0x40 {
		t.Errorf("program header table moved to %#x", phoff)
	}

	back, err := Extract(got, "pressed")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !bytes.Equal(back, payload) {
		t.Errorf("extracted %q, want %q", back, payload)
	}
}

func TestELFFileOffsetOnlySlotHasZeroVaddr(t *testing.T) {
	target := buildTestELF(t, false)
	got, err := Inject(target, "pressed", []byte("x"), FileOffsetOnly)
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}

	slots, err := List(got)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, s := range slots {
		if s.Name == "pressed" {
			if s.VAddr != 0 {
				t.Errorf("file-offset-only slot has vaddr %#x", s.VAddr)
			}
			return
		}
	}
	t.Fatal("slot not listed")
}

func TestELFReplaceKeepsSlotCount(t *testing.T) {
	target := buildTestELF(t, false)

	got, err := Inject(target, "pressed", []byte("first"), FileOffsetOnly)
	if err != nil {
		t.Fatalf("first Inject: %v", err)
	}
	got, err = Inject(got, "pressed", bytes.Repeat([]byte("second!"), 100), FileOffsetOnly)
	if err != nil {
		t.Fatalf("second Inject: %v", err)
	}

	slots, err := List(got)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	count := 0
	for _, s := range slots {
		if s.Name == "pressed" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("slot count = %d after repeated injection, want 1", count)
	}

	back, err := Extract(got, "pressed")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !bytes.Equal(back, bytes.Repeat([]byte("second!"), 100)) {
		t.Error("replacement did not take effect")
	}
}

func TestELFMemoryMappedGetsRealVaddr(t *testing.T) {
	target := buildTestELF(t, true)
	payload := []byte("discoverable via dl_iterate_phdr")

	got, err := Inject(target, "pressed", payload, MemoryMapped)
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}

	slots, err := List(got)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, s := range slots {
		if s.Name == "pressed" {
			if s.VAddr == 0 {
				t.Error("memory-mapped slot has zero vaddr")
			}
			back, err := Extract(got, "pressed")
			if err != nil {
				t.Fatalf("Extract: %v", err)
			}
			if !bytes.Equal(back, payload) {
				t.Errorf("extracted %q, want %q", back, payload)
			}
			return
		}
	}
	t.Fatal("slot not listed")
}

func TestELFMemoryMappedCoveredByLoadSegment(t *testing.T) {
	target := buildTestELF(t, true)
	got, err := Inject(target, "pressed", []byte("mapped"), MemoryMapped)
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}

	f, err := parseELF(got)
	if err != nil {
		t.Fatalf("parseELF: %v", err)
	}

	var slot *elf.Prog64
	for i, ph := range f.phdrs {
		if elf.ProgType(ph.Type) == elf.PT_NOTE {
			for _, n := range parseNotes(got, ph.Off, ph.Filesz) {
				if n.owner == "pressed" {
					slot = &f.phdrs[i]
				}
			}
		}
	}
	if slot == nil {
		t.Fatal("slot program header not found")
	}

	for _, ph := range f.phdrs {
		if elf.ProgType(ph.Type) != elf.PT_LOAD {
			continue
		}
		if slot.Vaddr >= ph.Vaddr && slot.Vaddr+slot.Memsz <= ph.Vaddr+ph.Memsz {
			if ph.Off%0x1000 != ph.Vaddr%0x1000 {
				t.Errorf("covering PT_LOAD breaks page congruence: off %#x vaddr %#x", ph.Off, ph.Vaddr)
			}
			return
		}
	}
	t.Error("no PT_LOAD covers the memory-mapped note")
}

func TestELFMemoryMappedRejectedForStaticTarget(t *testing.T) {
	target := buildTestELF(t, false)
	_, err := Inject(target, "pressed", []byte("x"), MemoryMapped)
	if !errors.Is(err, ErrStructuralInvariant) {
		t.Errorf("err = %v, want ErrStructuralInvariant", err)
	}
}

func TestELFNoSpareNoteEntry(t *testing.T) {
	// The dynamic fixture has a single PT_NOTE entry; a second
	// file-offset-only slot has nowhere to live.
	target := buildTestELF(t, true)
	_, err := InjectAll(target, []Payload{
		{Name: "one", Data: []byte("a"), Mode: FileOffsetOnly},
		{Name: "two", Data: []byte("b"), Mode: FileOffsetOnly},
	})
	if !errors.Is(err, ErrStructuralInvariant) {
		t.Errorf("err = %v, want ErrStructuralInvariant", err)
	}
}

func TestELFExtractMissingSlot(t *testing.T) {
	target := buildTestELF(t, false)
	_, err := Extract(target, "nothing")
	if !errors.Is(err, ErrSlotNotFound) {
		t.Errorf("err = %v, want ErrSlotNotFound", err)
	}
}

func TestELFNoteSectionName(t *testing.T) {
	target := buildTestELF(t, false)
	got, err := Inject(target, "pressed", []byte("x"), FileOffsetOnly)
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}

	f, err := parseELF(got)
	if err != nil {
		t.Fatalf("parseELF: %v", err)
	}
	for i := range f.shdrs {
		if f.sectionName(&f.shdrs[i]) == ".note.pressed" {
			return
		}
	}
	t.Error("no .note.pressed section after injection")
}

func TestELFBatchInject(t *testing.T) {
	target := buildTestELF(t, false)
	got, err := InjectAll(target, []Payload{
		{Name: "alpha", Data: []byte("aaa"), Mode: FileOffsetOnly},
		{Name: "beta", Data: []byte("bbb"), Mode: FileOffsetOnly},
	})
	if err != nil {
		t.Fatalf("InjectAll: %v", err)
	}

	for name, want := range map[string]string{"alpha": "aaa", "beta": "bbb"} {
		back, err := Extract(got, name)
		if err != nil {
			t.Fatalf("Extract(%q): %v", name, err)
		}
		if string(back) != want {
			t.Errorf("Extract(%q) = %q, want %q", name, back, want)
		}
	}
}
