// Package arm implements the Arm extensions to ELF: the processor specific
// e_flags bits, section types and the special sections named in
// "ELF for the Arm Architecture" (IHI 0044).
package arm

import (
	"debug/elf"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Arm-specific e_flags
const (
	// EF_ARM_ABIMASK masks the 8-bit version of the ABI the file conforms to. Zero means unknown.
	EF_ARM_ABIMASK uint32 = 0xFF000000
	// EF_ARM_BE8 marks an executable containing BE-8 code.
	EF_ARM_BE8 uint32 = 0x00800000
	// EF_ARM_GCCMASK covers bits legacy (ABI v4 and earlier) gcc output may use.
	EF_ARM_GCCMASK uint32 = 0x00400FFF
	// EF_ARM_ABI_FLOAT_HARD marks an executable built for the hardware floating-point
	// procedure-call standard. Same bit as the legacy EF_ARM_VFP_FLOAT.
	EF_ARM_ABI_FLOAT_HARD uint32 = 0x00000400
	// EF_ARM_ABI_FLOAT_SOFT marks an executable built explicitly for the software
	// floating-point (base) procedure-call standard. Same bit as the legacy EF_ARM_SOFT_FLOAT.
	EF_ARM_ABI_FLOAT_SOFT uint32 = 0x00000200
)

// Processor specific section types
const (
	SHT_ARM_EXIDX          elf.SectionType = 0x70000001 // exception index table
	SHT_ARM_PREEMPTMAP     elf.SectionType = 0x70000002 // BPABI DLL dynamic linking pre-emption map
	SHT_ARM_ATTRIBUTES     elf.SectionType = 0x70000003 // object file compatibility attributes
	SHT_ARM_DEBUGOVERLAY   elf.SectionType = 0x70000004
	SHT_ARM_OVERLAYSECTION elf.SectionType = 0x70000005
)

// SHF_ARM_PURECODE marks a section holding only instructions and no data.
const SHF_ARM_PURECODE elf.SectionFlag = 0x20000000

// ErrNotArm is returned for ELF files whose machine is not EM_ARM.
var ErrNotArm = errors.New("not an Arm ELF file")

// ErrNoBuildAttributes is returned when no .ARM.attributes section exists.
var ErrNoBuildAttributes = errors.New("no build attributes section")

// EntrypointContents is the kind of machine code e_entry points at.
type EntrypointContents uint8

const (
	EntryArm EntrypointContents = iota
	EntryThumb
	EntryReserved
)

func (e EntrypointContents) String() string {
	switch e {
	case EntryArm:
		return "Arm"
	case EntryThumb:
		return "Thumb"
	case EntryReserved:
		return "Reserved"
	}
	return fmt.Sprintf("EntrypointContents(%d)", uint8(e))
}

// A Header holds the parts of an ELF header the Arm extensions give meaning to.
type Header struct {
	Entry uint64
	Flags uint32
}

// FromFile returns the Arm view of f's header. debug/elf does not keep
// e_flags, so it is read from raw, the bytes f was parsed from.
func FromFile(f *elf.File, raw []byte) (*Header, error) {
	if f.Machine != elf.EM_ARM {
		return nil, errors.Wrapf(ErrNotArm, "machine is %s", f.Machine)
	}
	off := 0x24
	if f.Class == elf.ELFCLASS64 {
		off = 0x30
	}
	if len(raw) < off+4 {
		return nil, errors.Errorf("ELF header truncated: need %d bytes for e_flags, have %d", off+4, len(raw))
	}
	return &Header{Entry: f.Entry, Flags: f.ByteOrder.Uint32(raw[off:])}, nil
}

// ABIVersion returns the ABI version the file conforms to; ok is false
// when the version is unknown (zero).
func (h *Header) ABIVersion() (v uint8, ok bool) {
	v = uint8((h.Flags & EF_ARM_ABIMASK) >> 24)
	return v, v != 0
}

// Entrypoint reports what kind of code Entry points at.
func (h *Header) Entrypoint() EntrypointContents {
	switch h.Entry % 4 {
	case 0:
		return EntryArm
	case 1, 3:
		return EntryThumb
	}
	return EntryReserved
}

// HardFloat reports whether the hardware floating-point calling convention
// is explicitly used. When neither HardFloat nor SoftFloat is set the base
// (software) standard is implied.
func (h *Header) HardFloat() bool { return h.Flags&EF_ARM_ABI_FLOAT_HARD == EF_ARM_ABI_FLOAT_HARD }

// SoftFloat reports whether the software floating-point calling convention
// is explicitly used.
func (h *Header) SoftFloat() bool { return h.Flags&EF_ARM_ABI_FLOAT_SOFT == EF_ARM_ABI_FLOAT_SOFT }

// BE8 reports whether the executable contains BE-8 code.
func (h *Header) BE8() bool { return h.Flags&EF_ARM_BE8 == EF_ARM_BE8 }

func (h *Header) String() string {
	var parts []string
	if v, ok := h.ABIVersion(); ok {
		parts = append(parts, fmt.Sprintf("EABI%d", v))
	} else {
		parts = append(parts, "EABI unknown")
	}
	switch {
	case h.HardFloat():
		parts = append(parts, "hard-float")
	case h.SoftFloat():
		parts = append(parts, "soft-float")
	}
	if h.BE8() {
		parts = append(parts, "BE8")
	}
	parts = append(parts, fmt.Sprintf("entry=%#x (%s)", h.Entry, h.Entrypoint()))
	return strings.Join(parts, ", ")
}

// A SpecialSection is one of the Arm special sections.
type SpecialSection uint8

const (
	IndexForExceptionUnwinding SpecialSection = iota + 1
	ExceptionUnwindingTable
	PreemptionMap
	BuildAttributes
	DebugOverlay
	OverlayTable
)

var specialSectionStrings = map[SpecialSection]string{
	IndexForExceptionUnwinding: "IndexForExceptionUnwinding",
	ExceptionUnwindingTable:    "ExceptionUnwindingTable",
	PreemptionMap:              "PreemptionMap",
	BuildAttributes:            "BuildAttributes",
	DebugOverlay:               "DebugOverlay",
	OverlayTable:               "OverlayTable",
}

func (s SpecialSection) String() string {
	if n, ok := specialSectionStrings[s]; ok {
		return n
	}
	return fmt.Sprintf("SpecialSection(%d)", uint8(s))
}

// Classify maps a section's type and name to the Arm special section it
// is, if any. Both must match.
func Classify(shType elf.SectionType, name string) (SpecialSection, bool) {
	switch {
	case shType == SHT_ARM_EXIDX && strings.HasPrefix(name, ".ARM.exidx"):
		return IndexForExceptionUnwinding, true
	case shType == elf.SHT_PROGBITS && strings.HasPrefix(name, ".ARM.extab"):
		return ExceptionUnwindingTable, true
	case shType == SHT_ARM_PREEMPTMAP && name == ".ARM.preemptmap":
		return PreemptionMap, true
	case shType == SHT_ARM_ATTRIBUTES && name == ".ARM.attributes":
		return BuildAttributes, true
	case shType == SHT_ARM_DEBUGOVERLAY && strings.TrimPrefix(name, ".") == "ARM.debug_overlay":
		return DebugOverlay, true
	case shType == SHT_ARM_OVERLAYSECTION && strings.TrimPrefix(name, ".") == "ARM.overlay_table":
		return OverlayTable, true
	}
	return 0, false
}

// AttributesSection returns the first build attributes section in sections.
func AttributesSection(sections []*elf.Section) (*elf.Section, error) {
	for _, s := range sections {
		if kind, ok := Classify(s.Type, s.Name); ok && kind == BuildAttributes {
			return s, nil
		}
	}
	return nil, ErrNoBuildAttributes
}

// BuildAttributesData returns the raw contents of f's build attributes
// section. The section must lie inside raw.
func BuildAttributesData(f *elf.File, raw []byte) ([]byte, error) {
	if f.Machine != elf.EM_ARM {
		return nil, ErrNotArm
	}
	s, err := AttributesSection(f.Sections)
	if err != nil {
		return nil, err
	}
	end := s.Offset + s.Size
	if end < s.Offset || end > uint64(len(raw)) {
		return nil, errors.Errorf("%s [%#x, %#x) is outside the %d byte file", s.Name, s.Offset, end, len(raw))
	}
	return append([]byte(nil), raw[s.Offset:end]...), nil
}
