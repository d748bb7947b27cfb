package types

// RelocInfoSize is the on-disk size of one relocation entry.
const RelocInfoSize = 8

// A RelocInfo is a raw relocation_info / scattered_relocation_info entry.
// How the two words are split into fields depends on the scattered bit and
// the byte order of the image.
type RelocInfo struct {
	Addr   uint32
	Symnum uint32
}

// RelocScattered is set in Addr for a scattered_relocation_info.
const RelocScattered = 1 << 31

// A RelocTypeGeneric is a generic (i386, ppc) relocation type.
type RelocTypeGeneric uint8

const (
	GENERIC_RELOC_VANILLA        RelocTypeGeneric = 0 // generic relocation as described above
	GENERIC_RELOC_PAIR           RelocTypeGeneric = 1 // Only follows a GENERIC_RELOC_SECTDIFF
	GENERIC_RELOC_SECTDIFF       RelocTypeGeneric = 2
	GENERIC_RELOC_PB_LA_PTR      RelocTypeGeneric = 3 // prebound lazy pointer
	GENERIC_RELOC_LOCAL_SECTDIFF RelocTypeGeneric = 4
	GENERIC_RELOC_TLV            RelocTypeGeneric = 5 // thread local variables
)

var relocTypeGenericStrings = []intName{
	{uint32(GENERIC_RELOC_VANILLA), "GENERIC_RELOC_VANILLA"},
	{uint32(GENERIC_RELOC_PAIR), "GENERIC_RELOC_PAIR"},
	{uint32(GENERIC_RELOC_SECTDIFF), "GENERIC_RELOC_SECTDIFF"},
	{uint32(GENERIC_RELOC_PB_LA_PTR), "GENERIC_RELOC_PB_LA_PTR"},
	{uint32(GENERIC_RELOC_LOCAL_SECTDIFF), "GENERIC_RELOC_LOCAL_SECTDIFF"},
	{uint32(GENERIC_RELOC_TLV), "GENERIC_RELOC_TLV"},
}

func (r RelocTypeGeneric) String() string {
	return stringName(uint32(r), relocTypeGenericStrings, false)
}

// A RelocTypeX86_64 is an x86_64 relocation type.
type RelocTypeX86_64 uint8

const (
	X86_64_RELOC_UNSIGNED   RelocTypeX86_64 = 0 // for absolute addresses
	X86_64_RELOC_SIGNED     RelocTypeX86_64 = 1 // for signed 32-bit displacement
	X86_64_RELOC_BRANCH     RelocTypeX86_64 = 2 // a CALL/JMP instruction with 32-bit displacement
	X86_64_RELOC_GOT_LOAD   RelocTypeX86_64 = 3 // a MOVQ load of a GOT entry
	X86_64_RELOC_GOT        RelocTypeX86_64 = 4 // other GOT references
	X86_64_RELOC_SUBTRACTOR RelocTypeX86_64 = 5 // must be followed by a X86_64_RELOC_UNSIGNED
	X86_64_RELOC_SIGNED_1   RelocTypeX86_64 = 6 // for signed 32-bit displacement with a -1 addend
	X86_64_RELOC_SIGNED_2   RelocTypeX86_64 = 7 // for signed 32-bit displacement with a -2 addend
	X86_64_RELOC_SIGNED_4   RelocTypeX86_64 = 8 // for signed 32-bit displacement with a -4 addend
	X86_64_RELOC_TLV        RelocTypeX86_64 = 9 // for thread local variables
)

var relocTypeX86_64Strings = []intName{
	{uint32(X86_64_RELOC_UNSIGNED), "X86_64_RELOC_UNSIGNED"},
	{uint32(X86_64_RELOC_SIGNED), "X86_64_RELOC_SIGNED"},
	{uint32(X86_64_RELOC_BRANCH), "X86_64_RELOC_BRANCH"},
	{uint32(X86_64_RELOC_GOT_LOAD), "X86_64_RELOC_GOT_LOAD"},
	{uint32(X86_64_RELOC_GOT), "X86_64_RELOC_GOT"},
	{uint32(X86_64_RELOC_SUBTRACTOR), "X86_64_RELOC_SUBTRACTOR"},
	{uint32(X86_64_RELOC_SIGNED_1), "X86_64_RELOC_SIGNED_1"},
	{uint32(X86_64_RELOC_SIGNED_2), "X86_64_RELOC_SIGNED_2"},
	{uint32(X86_64_RELOC_SIGNED_4), "X86_64_RELOC_SIGNED_4"},
	{uint32(X86_64_RELOC_TLV), "X86_64_RELOC_TLV"},
}

func (r RelocTypeX86_64) String() string {
	return stringName(uint32(r), relocTypeX86_64Strings, false)
}

// A RelocTypeARM64 is an arm64 relocation type.
type RelocTypeARM64 uint8

const (
	ARM64_RELOC_UNSIGNED            RelocTypeARM64 = 0  // for pointers
	ARM64_RELOC_SUBTRACTOR          RelocTypeARM64 = 1  // must be followed by a ARM64_RELOC_UNSIGNED
	ARM64_RELOC_BRANCH26            RelocTypeARM64 = 2  // a B/BL instruction with 26-bit displacement
	ARM64_RELOC_PAGE21              RelocTypeARM64 = 3  // pc-rel distance to page of target
	ARM64_RELOC_PAGEOFF12           RelocTypeARM64 = 4  // offset within page, scaled by r_length
	ARM64_RELOC_GOT_LOAD_PAGE21     RelocTypeARM64 = 5  // pc-rel distance to page of GOT slot
	ARM64_RELOC_GOT_LOAD_PAGEOFF12  RelocTypeARM64 = 6  // offset within page of GOT slot, scaled by r_length
	ARM64_RELOC_POINTER_TO_GOT      RelocTypeARM64 = 7  // for pointers to GOT slots
	ARM64_RELOC_TLVP_LOAD_PAGE21    RelocTypeARM64 = 8  // pc-rel distance to page of TLVP slot
	ARM64_RELOC_TLVP_LOAD_PAGEOFF12 RelocTypeARM64 = 9  // offset within page of TLVP slot, scaled by r_length
	ARM64_RELOC_ADDEND              RelocTypeARM64 = 10 // must be followed by PAGE21 or PAGEOFF12
	ARM64_RELOC_AUTHENTICATED_PTR   RelocTypeARM64 = 11 // 64-bit pointer with authentication
)

var relocTypeARM64Strings = []intName{
	{uint32(ARM64_RELOC_UNSIGNED), "ARM64_RELOC_UNSIGNED"},
	{uint32(ARM64_RELOC_SUBTRACTOR), "ARM64_RELOC_SUBTRACTOR"},
	{uint32(ARM64_RELOC_BRANCH26), "ARM64_RELOC_BRANCH26"},
	{uint32(ARM64_RELOC_PAGE21), "ARM64_RELOC_PAGE21"},
	{uint32(ARM64_RELOC_PAGEOFF12), "ARM64_RELOC_PAGEOFF12"},
	{uint32(ARM64_RELOC_GOT_LOAD_PAGE21), "ARM64_RELOC_GOT_LOAD_PAGE21"},
	{uint32(ARM64_RELOC_GOT_LOAD_PAGEOFF12), "ARM64_RELOC_GOT_LOAD_PAGEOFF12"},
	{uint32(ARM64_RELOC_POINTER_TO_GOT), "ARM64_RELOC_POINTER_TO_GOT"},
	{uint32(ARM64_RELOC_TLVP_LOAD_PAGE21), "ARM64_RELOC_TLVP_LOAD_PAGE21"},
	{uint32(ARM64_RELOC_TLVP_LOAD_PAGEOFF12), "ARM64_RELOC_TLVP_LOAD_PAGEOFF12"},
	{uint32(ARM64_RELOC_ADDEND), "ARM64_RELOC_ADDEND"},
	{uint32(ARM64_RELOC_AUTHENTICATED_PTR), "ARM64_RELOC_AUTHENTICATED_PTR"},
}

func (r RelocTypeARM64) String() string {
	return stringName(uint32(r), relocTypeARM64Strings, false)
}
