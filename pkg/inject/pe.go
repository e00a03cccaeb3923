package inject

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"unicode/utf16"
)

// PE slots are RCDATA resources: the resource directory gains (or
// reuses) an RT_RCDATA subtree, a named node under it (name stored
// uppercased, as the resource compiler would), and a single
// language-neutral data leaf holding the payload. The whole .rsrc
// section is rebuilt and relocated to the end of the image; resource
// data entries hold RVAs, so every leaf is re-pointed during the
// rebuild and nothing else in the image needs to move.

const (
	peOptMagic64   = 0x20b
	peResourceDir  = 2 // DataDirectory index
	peRsrcName     = ".rsrc"
	peSectHdrSize  = 40
	peDataEntrySz  = 16
	peDirHdrSize   = 16
	peDirEntrySize = 8

	rtRcdata = 10

	peSubdirFlag = 0x80000000

	// IMAGE_SCN_CNT_INITIALIZED_DATA | IMAGE_SCN_MEM_READ
	peRsrcCharacteristics = 0x40000040
)

// peHeaders holds the byte offsets of everything the rewrite touches.
type peHeaders struct {
	raw []byte

	ntOff      int // "PE\0\0"
	optOff     int // optional header
	sectOff    int // first section header
	numSects   int
	fileAlign  uint32
	sectAlign  uint32
	sizeImage  uint32
	sizeHdrs   uint32
	rsrcDirRVA uint32
	rsrcDirLen uint32
}

func parsePE(data []byte) (*peHeaders, error) {
	if len(data) < 0x40 || data[0] != 'M' || data[1] != 'Z' {
		return nil, fmt.Errorf("missing MZ header: %w", ErrStructuralInvariant)
	}
	ntOff := int(binary.LittleEndian.Uint32(data[0x3c:]))
	if ntOff+24 > len(data) || binary.LittleEndian.Uint32(data[ntOff:]) != 0x4550 {
		return nil, fmt.Errorf("missing PE signature: %w", ErrStructuralInvariant)
	}

	h := &peHeaders{raw: data, ntOff: ntOff}
	h.numSects = int(binary.LittleEndian.Uint16(data[ntOff+6:]))
	optSize := int(binary.LittleEndian.Uint16(data[ntOff+20:]))
	h.optOff = ntOff + 24
	h.sectOff = h.optOff + optSize

	if h.optOff+112+16*8 > len(data) {
		return nil, fmt.Errorf("optional header exceeds file size: %w", ErrStructuralInvariant)
	}
	if binary.LittleEndian.Uint16(data[h.optOff:]) != peOptMagic64 {
		return nil, fmt.Errorf("only PE32+ images are supported: %w", ErrStructuralInvariant)
	}

	h.sectAlign = binary.LittleEndian.Uint32(data[h.optOff+32:])
	h.fileAlign = binary.LittleEndian.Uint32(data[h.optOff+36:])
	h.sizeImage = binary.LittleEndian.Uint32(data[h.optOff+56:])
	h.sizeHdrs = binary.LittleEndian.Uint32(data[h.optOff+60:])

	ddOff := h.optOff + 112 + peResourceDir*8
	h.rsrcDirRVA = binary.LittleEndian.Uint32(data[ddOff:])
	h.rsrcDirLen = binary.LittleEndian.Uint32(data[ddOff+4:])

	if h.sectOff+h.numSects*peSectHdrSize > len(data) {
		return nil, fmt.Errorf("section table exceeds file size: %w", ErrStructuralInvariant)
	}
	return h, nil
}

type peSection struct {
	hdrOff   int
	name     string
	virtSize uint32
	virtAddr uint32
	rawSize  uint32
	rawOff   uint32
}

func (h *peHeaders) sections() []peSection {
	sects := make([]peSection, 0, h.numSects)
	for i := 0; i < h.numSects; i++ {
		off := h.sectOff + i*peSectHdrSize
		sects = append(sects, peSection{
			hdrOff:   off,
			name:     string(bytes.TrimRight(h.raw[off:off+8], "\x00")),
			virtSize: binary.LittleEndian.Uint32(h.raw[off+8:]),
			virtAddr: binary.LittleEndian.Uint32(h.raw[off+12:]),
			rawSize:  binary.LittleEndian.Uint32(h.raw[off+16:]),
			rawOff:   binary.LittleEndian.Uint32(h.raw[off+20:]),
		})
	}
	return sects
}

// rvaToOffset maps an RVA to a file offset through the section table.
func (h *peHeaders) rvaToOffset(rva uint32) (uint32, bool) {
	for _, s := range h.sections() {
		if rva >= s.virtAddr && rva < s.virtAddr+s.virtSize {
			return s.rawOff + (rva - s.virtAddr), true
		}
	}
	return 0, false
}

// resDir / resEntry model the three-level resource directory:
// type, name, language.
type resDir struct {
	characteristics uint32
	timestamp       uint32
	majorVersion    uint16
	minorVersion    uint16
	entries         []*resEntry
}

type resEntry struct {
	name string // empty when identified by id
	id   uint32
	dir  *resDir  // subdirectory, or
	data *resData // leaf
}

type resData struct {
	bytes    []byte
	codePage uint32
}

func parseResourceDir(data []byte, h *peHeaders, dirOff, sectOff uint32, depth int) (*resDir, error) {
	if depth > 2 {
		return nil, fmt.Errorf("resource directory deeper than three levels: %w", ErrStructuralInvariant)
	}
	base := sectOff + dirOff
	if int(base)+peDirHdrSize > len(data) {
		return nil, fmt.Errorf("resource directory exceeds file size: %w", ErrStructuralInvariant)
	}

	d := &resDir{
		characteristics: binary.LittleEndian.Uint32(data[base:]),
		timestamp:       binary.LittleEndian.Uint32(data[base+4:]),
		majorVersion:    binary.LittleEndian.Uint16(data[base+8:]),
		minorVersion:    binary.LittleEndian.Uint16(data[base+10:]),
	}
	named := int(binary.LittleEndian.Uint16(data[base+12:]))
	ids := int(binary.LittleEndian.Uint16(data[base+14:]))

	entryOff := base + peDirHdrSize
	for i := 0; i < named+ids; i++ {
		if int(entryOff)+peDirEntrySize > len(data) {
			return nil, fmt.Errorf("resource entry exceeds file size: %w", ErrStructuralInvariant)
		}
		nameField := binary.LittleEndian.Uint32(data[entryOff:])
		offField := binary.LittleEndian.Uint32(data[entryOff+4:])
		entryOff += peDirEntrySize

		e := &resEntry{}
		if nameField&peSubdirFlag != 0 {
			strOff := sectOff + (nameField &^ peSubdirFlag)
			if int(strOff)+2 > len(data) {
				return nil, fmt.Errorf("resource name exceeds file size: %w", ErrStructuralInvariant)
			}
			n := int(binary.LittleEndian.Uint16(data[strOff:]))
			if int(strOff)+2+2*n > len(data) {
				return nil, fmt.Errorf("resource name exceeds file size: %w", ErrStructuralInvariant)
			}
			u := make([]uint16, n)
			for j := 0; j < n; j++ {
				u[j] = binary.LittleEndian.Uint16(data[int(strOff)+2+2*j:])
			}
			e.name = string(utf16.Decode(u))
		} else {
			e.id = nameField
		}

		if offField&peSubdirFlag != 0 {
			sub, err := parseResourceDir(data, h, offField&^peSubdirFlag, sectOff, depth+1)
			if err != nil {
				return nil, err
			}
			e.dir = sub
		} else {
			deOff := sectOff + offField
			if int(deOff)+peDataEntrySz > len(data) {
				return nil, fmt.Errorf("resource data entry exceeds file size: %w", ErrStructuralInvariant)
			}
			rva := binary.LittleEndian.Uint32(data[deOff:])
			size := binary.LittleEndian.Uint32(data[deOff+4:])
			fileOff, ok := h.rvaToOffset(rva)
			if !ok || int(fileOff)+int(size) > len(data) {
				return nil, fmt.Errorf("resource data exceeds file size: %w", ErrStructuralInvariant)
			}
			e.data = &resData{
				bytes:    append([]byte(nil), data[fileOff:fileOff+size]...),
				codePage: binary.LittleEndian.Uint32(data[deOff+8:]),
			}
		}
		d.entries = append(d.entries, e)
	}
	return d, nil
}

func (d *resDir) childDir(id uint32) *resDir {
	for _, e := range d.entries {
		if e.name == "" && e.id == id && e.dir != nil {
			return e.dir
		}
	}
	return nil
}

func (d *resDir) namedChild(name string) *resEntry {
	for _, e := range d.entries {
		if e.name == name {
			return e
		}
	}
	return nil
}

// sortEntries restores the order the loader's binary search expects:
// named entries first sorted by name, then id entries ascending.
func (d *resDir) sortEntries() {
	sort.SliceStable(d.entries, func(i, j int) bool {
		a, b := d.entries[i], d.entries[j]
		if (a.name != "") != (b.name != "") {
			return a.name != ""
		}
		if a.name != "" {
			return a.name < b.name
		}
		return a.id < b.id
	})
}

// serializeResourceDir lays out the classic .rsrc layout: directory
// tables, data entry records, name strings, then the data itself.
func serializeResourceDir(root *resDir, sectionRVA uint32) []byte {
	var dirs []*resDir
	var walk func(*resDir)
	walk = func(d *resDir) {
		d.sortEntries()
		dirs = append(dirs, d)
		for _, e := range d.entries {
			if e.dir != nil {
				walk(e.dir)
			}
		}
	}
	walk(root)

	dirOffs := make(map[*resDir]uint32)
	var off uint32
	for _, d := range dirs {
		dirOffs[d] = off
		off += peDirHdrSize + uint32(len(d.entries))*peDirEntrySize
	}

	var leaves []*resEntry
	var names []*resEntry
	for _, d := range dirs {
		for _, e := range d.entries {
			if e.data != nil {
				leaves = append(leaves, e)
			}
			if e.name != "" {
				names = append(names, e)
			}
		}
	}

	dataEntryOffs := make(map[*resEntry]uint32)
	for _, e := range leaves {
		dataEntryOffs[e] = off
		off += peDataEntrySz
	}

	nameOffs := make(map[*resEntry]uint32)
	for _, e := range names {
		nameOffs[e] = off
		off += 2 + 2*uint32(len(utf16.Encode([]rune(e.name))))
	}

	off = uint32(alignUp(uint64(off), 8))
	dataOffs := make(map[*resEntry]uint32)
	for _, e := range leaves {
		dataOffs[e] = off
		off = uint32(alignUp(uint64(off)+uint64(len(e.data.bytes)), 8))
	}
	total := off

	buf := make([]byte, total)
	for _, d := range dirs {
		b := dirOffs[d]
		binary.LittleEndian.PutUint32(buf[b:], d.characteristics)
		binary.LittleEndian.PutUint32(buf[b+4:], d.timestamp)
		binary.LittleEndian.PutUint16(buf[b+8:], d.majorVersion)
		binary.LittleEndian.PutUint16(buf[b+10:], d.minorVersion)
		var named, ids uint16
		for _, e := range d.entries {
			if e.name != "" {
				named++
			} else {
				ids++
			}
		}
		binary.LittleEndian.PutUint16(buf[b+12:], named)
		binary.LittleEndian.PutUint16(buf[b+14:], ids)

		eb := b + peDirHdrSize
		for _, e := range d.entries {
			if e.name != "" {
				binary.LittleEndian.PutUint32(buf[eb:], peSubdirFlag|nameOffs[e])
			} else {
				binary.LittleEndian.PutUint32(buf[eb:], e.id)
			}
			if e.dir != nil {
				binary.LittleEndian.PutUint32(buf[eb+4:], peSubdirFlag|dirOffs[e.dir])
			} else {
				binary.LittleEndian.PutUint32(buf[eb+4:], dataEntryOffs[e])
			}
			eb += peDirEntrySize
		}
	}

	for _, e := range names {
		b := nameOffs[e]
		u := utf16.Encode([]rune(e.name))
		binary.LittleEndian.PutUint16(buf[b:], uint16(len(u)))
		for j, c := range u {
			binary.LittleEndian.PutUint16(buf[b+2+uint32(2*j):], c)
		}
	}

	for _, e := range leaves {
		b := dataEntryOffs[e]
		binary.LittleEndian.PutUint32(buf[b:], sectionRVA+dataOffs[e])
		binary.LittleEndian.PutUint32(buf[b+4:], uint32(len(e.data.bytes)))
		binary.LittleEndian.PutUint32(buf[b+8:], e.data.codePage)
		copy(buf[dataOffs[e]:], e.data.bytes)
	}

	return buf
}

// loadResourceTree parses the existing resource section, or returns an
// empty root when the image has none.
func loadResourceTree(h *peHeaders) (*resDir, error) {
	if h.rsrcDirRVA == 0 {
		return &resDir{}, nil
	}
	sectOff, ok := h.rvaToOffset(h.rsrcDirRVA)
	if !ok {
		return nil, fmt.Errorf("resource directory RVA maps to no section: %w", ErrStructuralInvariant)
	}
	return parseResourceDir(h.raw, h, 0, sectOff, 0)
}

func peInjectAll(target []byte, payloads []Payload) ([]byte, error) {
	h, err := parsePE(target)
	if err != nil {
		return nil, err
	}
	root, err := loadResourceTree(h)
	if err != nil {
		return nil, err
	}

	rcdata := root.childDir(rtRcdata)
	if rcdata == nil {
		rcdata = &resDir{}
		root.entries = append(root.entries, &resEntry{id: rtRcdata, dir: rcdata})
	}

	for _, p := range payloads {
		name := strings.ToUpper(p.Name)
		entry := rcdata.namedChild(name)
		if entry == nil {
			entry = &resEntry{name: name, dir: &resDir{}}
			rcdata.entries = append(rcdata.entries, entry)
		}
		if entry.dir == nil {
			return nil, fmt.Errorf("resource %q is not a directory node: %w", name, ErrStructuralInvariant)
		}
		// Single language-neutral leaf per slot.
		entry.dir.entries = []*resEntry{{
			id:   0,
			data: &resData{bytes: append([]byte(nil), p.Data...)},
		}}
	}

	return peRebuildRsrc(h, root)
}

// peRebuildRsrc serializes the tree into a fresh .rsrc section at the
// end of the image and points the headers at it. The previous section
// body becomes dead space, which keeps every other RVA stable.
func peRebuildRsrc(h *peHeaders, root *resDir) ([]byte, error) {
	newRVA := uint32(alignUp(uint64(h.sizeImage), uint64(h.sectAlign)))
	blob := serializeResourceDir(root, newRVA)
	rawOff := uint32(alignUp(uint64(len(h.raw)), uint64(h.fileAlign)))
	rawSize := uint32(alignUp(uint64(len(blob)), uint64(h.fileAlign)))

	out := append([]byte(nil), h.raw...)
	out = append(out, make([]byte, int(rawOff)-len(out))...)
	out = append(out, blob...)
	out = append(out, make([]byte, int(rawSize)-len(blob))...)

	// Reuse the existing .rsrc header entry or append a new one.
	hdrOff := -1
	for _, s := range h.sections() {
		if s.name == peRsrcName {
			hdrOff = s.hdrOff
			break
		}
	}
	if hdrOff < 0 {
		end := h.sectOff + h.numSects*peSectHdrSize
		if uint32(end+peSectHdrSize) > h.sizeHdrs {
			return nil, fmt.Errorf("no room in the header for another section: %w", ErrStructuralInvariant)
		}
		hdrOff = end
		binary.LittleEndian.PutUint16(out[h.ntOff+6:], uint16(h.numSects+1))
	}

	for i := hdrOff; i < hdrOff+peSectHdrSize; i++ {
		out[i] = 0
	}
	copy(out[hdrOff:], peRsrcName)
	binary.LittleEndian.PutUint32(out[hdrOff+8:], uint32(len(blob))) // VirtualSize
	binary.LittleEndian.PutUint32(out[hdrOff+12:], newRVA)
	binary.LittleEndian.PutUint32(out[hdrOff+16:], rawSize)
	binary.LittleEndian.PutUint32(out[hdrOff+20:], rawOff)
	binary.LittleEndian.PutUint32(out[hdrOff+36:], peRsrcCharacteristics)

	ddOff := h.optOff + 112 + peResourceDir*8
	binary.LittleEndian.PutUint32(out[ddOff:], newRVA)
	binary.LittleEndian.PutUint32(out[ddOff+4:], uint32(len(blob)))

	newImage := uint32(alignUp(uint64(newRVA)+uint64(len(blob)), uint64(h.sectAlign)))
	binary.LittleEndian.PutUint32(out[h.optOff+56:], newImage)

	return out, nil
}

func peExtract(target []byte, name string) ([]byte, error) {
	h, err := parsePE(target)
	if err != nil {
		return nil, err
	}
	root, err := loadResourceTree(h)
	if err != nil {
		return nil, err
	}

	rcdata := root.childDir(rtRcdata)
	if rcdata == nil {
		return nil, fmt.Errorf("no RCDATA resources: %w", ErrSlotNotFound)
	}
	entry := rcdata.namedChild(strings.ToUpper(name))
	if entry == nil || entry.dir == nil {
		return nil, fmt.Errorf("no RCDATA resource named %q: %w", name, ErrSlotNotFound)
	}
	for _, lang := range entry.dir.entries {
		if lang.data != nil {
			return append([]byte(nil), lang.data.bytes...), nil
		}
	}
	return nil, fmt.Errorf("RCDATA resource %q has no data leaf: %w", name, ErrSlotNotFound)
}

func peList(target []byte) ([]Slot, error) {
	h, err := parsePE(target)
	if err != nil {
		return nil, err
	}
	root, err := loadResourceTree(h)
	if err != nil {
		return nil, err
	}

	rcdata := root.childDir(rtRcdata)
	if rcdata == nil {
		return nil, nil
	}

	var slots []Slot
	for _, e := range rcdata.entries {
		if e.name == "" || e.dir == nil {
			continue
		}
		for _, lang := range e.dir.entries {
			if lang.data == nil {
				continue
			}
			slots = append(slots, Slot{
				Name: e.name,
				Size: uint64(len(lang.data.bytes)),
			})
			break
		}
	}
	return slots, nil
}
