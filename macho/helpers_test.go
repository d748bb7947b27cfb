package macho

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/willglynn/goblin/macho/types"
)

// encode writes every value back to back with bo.
func encode(t *testing.T, bo binary.ByteOrder, vals ...any) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, v := range vals {
		if err := binary.Write(&buf, bo, v); err != nil {
			t.Fatalf("encode %T: %v", v, err)
		}
	}
	return buf.Bytes()
}

func name16(s string) (b [16]byte) {
	copy(b[:], s)
	return b
}

func hdr(cmd types.LoadCmd, size uint32) types.LoadCmdHeader {
	return types.LoadCmdHeader{LoadCmd: cmd, Len: size}
}

// textSegment64 is an LC_SEGMENT_64 carrying one __TEXT,__text section whose
// contents are the 8 bytes at fileoff 0x100.
func textSegment64() (types.Segment64, types.Section64) {
	seg := types.Segment64{
		LoadCmdHeader: hdr(types.LC_SEGMENT_64, types.Segment64Size+types.Section64Size),
		Name:          name16("__TEXT"),
		Addr:          0x100000000,
		Memsz:         0x1000,
		Offset:        0,
		Filesz:        0x200,
		Maxprot:       5,
		Prot:          5,
		Nsect:         1,
	}
	sect := types.Section64{
		Name:   name16("__text"),
		Seg:    name16("__TEXT"),
		Addr:   0x100000100,
		Size:   8,
		Offset: 0x100,
		Align:  2,
		Flags:  types.S_ATTR_PURE_INSTRUCTIONS | types.S_ATTR_SOME_INSTRUCTIONS,
	}
	return seg, sect
}

func symtab() types.SymtabCmd {
	return types.SymtabCmd{
		LoadCmdHeader: hdr(types.LC_SYMTAB, 24),
		Symoff:        0x180,
		Nsyms:         2,
		Stroff:        0x1a0,
		Strsize:       0x10,
	}
}

// grow pads b with zeroes up to n bytes.
func grow(b []byte, n int) []byte {
	if len(b) >= n {
		return b
	}
	return append(b, make([]byte, n-len(b))...)
}

// textSegmentImage is textSegment64 followed by symtab, padded to 0x200
// bytes with recognisable section contents at 0x100.
func textSegmentImage(t *testing.T, bo binary.ByteOrder) []byte {
	t.Helper()
	seg, sect := textSegment64()
	dat := grow(encode(t, bo, seg, sect, symtab()), 0x200)
	copy(dat[0x100:], []byte{0xde, 0xad, 0xbe, 0xef, 0xca, 0xfe, 0xba, 0xbe})
	return dat
}
