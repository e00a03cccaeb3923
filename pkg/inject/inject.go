// Package inject inserts, replaces, and extracts named payload slots
// inside native executables without breaking their structural validity.
//
// Each format stores slots in its own metadata container: ELF uses
// PT_NOTE program headers with a .note.<name> section, Mach-O uses a
// custom top-level segment inserted before __LINKEDIT, and PE uses an
// RT_RCDATA resource-tree leaf. The invariant shared by all three is
// that at most one slot per name exists no matter how many times a
// payload is re-injected.
package inject

import (
	"errors"
	"fmt"

	"github.com/smoltools/binject/internal/magic"
)

var (
	// ErrSlotNotFound is returned by Extract when the target carries no
	// slot with the requested name.
	ErrSlotNotFound = errors.New("payload slot not found")

	// ErrStructuralInvariant is returned when an operation would have to
	// break a format invariant to proceed, e.g. relocating the program
	// header table of a statically linked ELF.
	ErrStructuralInvariant = errors.New("structural invariant violation")
)

// Mode decides whether a slot is visible to the running process.
type Mode int

const (
	// FileOffsetOnly slots are not mapped into memory at run time; they
	// are read back through file I/O and carry a zero virtual address.
	FileOffsetOnly Mode = iota

	// MemoryMapped slots are loaded into the process image so run-time
	// reflection over mapped segments can find them.
	MemoryMapped
)

func (m Mode) String() string {
	if m == MemoryMapped {
		return "memory-mapped"
	}
	return "file-offset-only"
}

// Payload is one named blob for a batch injection.
type Payload struct {
	Name string
	Data []byte
	Mode Mode
}

// Slot describes an existing payload slot in a target.
type Slot struct {
	Name   string
	Offset uint64
	Size   uint64
	VAddr  uint64
}

// Inject returns a copy of target with the named payload stored in a
// format-native slot. An existing slot with the same name is replaced
// in place; the slot count never grows across repeated injections.
func Inject(target []byte, name string, data []byte, mode Mode) ([]byte, error) {
	return InjectAll(target, []Payload{{Name: name, Data: data, Mode: mode}})
}

// InjectAll injects several independent named payloads in a single
// rewrite pass, avoiding one full-binary rewrite per payload.
func InjectAll(target []byte, payloads []Payload) ([]byte, error) {
	if len(payloads) == 0 {
		return nil, fmt.Errorf("no payloads to inject")
	}
	seen := make(map[string]bool, len(payloads))
	for _, p := range payloads {
		if p.Name == "" {
			return nil, fmt.Errorf("payload name must not be empty")
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("duplicate payload name %q in batch", p.Name)
		}
		seen[p.Name] = true
	}

	format, err := magic.Detect(target)
	if err != nil {
		return nil, err
	}

	switch format {
	case magic.ELF:
		return elfInjectAll(target, payloads)
	case magic.MachO:
		return machoInjectAll(target, payloads)
	case magic.PE:
		return peInjectAll(target, payloads)
	default:
		return nil, magic.ErrUnrecognizedFormat
	}
}

// Extract returns the payload stored under name, or ErrSlotNotFound.
func Extract(target []byte, name string) ([]byte, error) {
	format, err := magic.Detect(target)
	if err != nil {
		return nil, err
	}

	switch format {
	case magic.ELF:
		return elfExtract(target, name)
	case magic.MachO:
		return machoExtract(target, name)
	case magic.PE:
		return peExtract(target, name)
	default:
		return nil, magic.ErrUnrecognizedFormat
	}
}

// List enumerates the payload slots present in a target.
func List(target []byte) ([]Slot, error) {
	format, err := magic.Detect(target)
	if err != nil {
		return nil, err
	}

	switch format {
	case magic.ELF:
		return elfList(target)
	case magic.MachO:
		return machoList(target)
	case magic.PE:
		return peList(target)
	default:
		return nil, magic.ErrUnrecognizedFormat
	}
}
