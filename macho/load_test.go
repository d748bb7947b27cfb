package macho

import (
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/willglynn/goblin/macho/types"
)

func TestParseLoadCommands(t *testing.T) {
	for _, bo := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		t.Run(bo.String(), func(t *testing.T) {
			dat := textSegmentImage(t, bo)

			loads, end, err := ParseLoadCommands(dat, 0, 2, bo)
			if err != nil {
				t.Fatalf("ParseLoadCommands() error = %v", err)
			}
			if end != 176 {
				t.Errorf("cursor = %d, want 176", end)
			}
			if len(loads) != 2 {
				t.Fatalf("got %d commands, want 2", len(loads))
			}

			seg, _ := textSegment64()
			if diff := cmp.Diff(&seg, loads[0].Cmd); diff != "" {
				t.Errorf("segment mismatch (-want +got):\n%s", diff)
			}
			st := symtab()
			if diff := cmp.Diff(&st, loads[1].Cmd); diff != "" {
				t.Errorf("symtab mismatch (-want +got):\n%s", diff)
			}
			if loads[0].Offset != 0 || loads[1].Offset != 152 {
				t.Errorf("offsets = %d, %d, want 0, 152", loads[0].Offset, loads[1].Offset)
			}
			for _, l := range loads {
				if got := uint32(bo.Uint32(dat[l.Offset+4:])); got != l.CommandSize() {
					t.Errorf("%s: CommandSize() = %d, bytes say %d", l.Command(), l.CommandSize(), got)
				}
			}
		})
	}
}

func TestParseLoadCommandsTruncated(t *testing.T) {
	bo := binary.LittleEndian
	dat := textSegmentImage(t, bo)[:100]

	loads, end, err := ParseLoadCommands(dat, 0, 2, bo)
	var merr *MalformedError
	if !errors.As(err, &merr) {
		t.Fatalf("error = %v, want *MalformedError", err)
	}
	want := MalformedError{Offset: 0, Cmd: types.LC_SEGMENT_64, Size: 152, Available: 92}
	if merr.Offset != want.Offset || merr.Cmd != want.Cmd || merr.Size != want.Size || merr.Available != want.Available {
		t.Errorf("error = %+v, want %+v", *merr, want)
	}
	if len(loads) != 0 || end != 0 {
		t.Errorf("got %d commands and cursor %d, want none at 0", len(loads), end)
	}
}

func TestParseLoadCommandErrors(t *testing.T) {
	bo := binary.LittleEndian
	tests := []struct {
		name      string
		dat       []byte
		malformed bool
		decode    bool
	}{
		{
			name:      "size smaller than header",
			dat:       encode(t, bo, hdr(types.LC_UUID, 4), uint32(0)),
			malformed: true,
		},
		{
			name:      "size past end of buffer",
			dat:       encode(t, bo, hdr(types.LC_UUID, 64), [16]byte{}),
			malformed: true,
		},
		{
			name:      "layout larger than declared size",
			dat:       encode(t, bo, hdr(types.LC_SYMTAB, 16), uint32(1), uint32(2)),
			malformed: true,
		},
		{
			name:   "short header",
			dat:    []byte{0x19, 0, 0, 0},
			decode: true,
		},
		{
			name:   "empty buffer",
			decode: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lc, n, err := ParseLoadCommand(tt.dat, 0, bo)
			if err == nil {
				t.Fatalf("ParseLoadCommand() = %v, want error", lc)
			}
			if n != 0 || lc != nil {
				t.Errorf("got %v and %d bytes alongside error", lc, n)
			}
			var merr *MalformedError
			if got := errors.As(err, &merr); got != tt.malformed {
				t.Errorf("MalformedError = %t, want %t (%v)", got, tt.malformed, err)
			}
			var derr *DecodeError
			if got := errors.As(err, &derr); got != tt.decode {
				t.Errorf("DecodeError = %t, want %t (%v)", got, tt.decode, err)
			}
			if tt.decode && !errors.Is(err, io.ErrUnexpectedEOF) {
				t.Errorf("error %v does not wrap io.ErrUnexpectedEOF", err)
			}
		})
	}
}

func TestParseLoadCommandUnimplemented(t *testing.T) {
	bo := binary.BigEndian
	dat := encode(t, bo,
		hdr(types.LoadCmd(0x7f), 16), uint64(0xffffffffffffffff),
		hdr(types.LC_UUID, 24), [16]byte{1, 2, 3},
	)

	loads, end, err := ParseLoadCommands(dat, 0, 2, bo)
	if err != nil {
		t.Fatalf("ParseLoadCommands() error = %v", err)
	}
	if end != 40 {
		t.Errorf("cursor = %d, want 40", end)
	}
	want := []LoadCommand{
		{Offset: 0, Cmd: &types.UnimplementedCmd{LoadCmdHeader: hdr(0x7f, 16)}},
		{Offset: 16, Cmd: &types.UUIDCmd{LoadCmdHeader: hdr(types.LC_UUID, 24), UUID: types.UUID{1, 2, 3}}},
	}
	if diff := cmp.Diff(want, loads); diff != "" {
		t.Errorf("loads mismatch (-want +got):\n%s", diff)
	}
	if Implemented(0x7f) || !Implemented(types.LC_UUID) {
		t.Error("Implemented() disagrees with the dispatch table")
	}
}

func TestCommandReader(t *testing.T) {
	bo := binary.LittleEndian
	dat := textSegmentImage(t, bo)

	// Ask for one more command than the table holds; only 4 bytes are
	// left at 176, too few for a header.
	r := NewCommandReader(dat[:180], 0, 3, bo)
	var got []types.LoadCmd
	var err error
	for {
		var lc *LoadCommand
		lc, err = r.Next()
		if err != nil {
			break
		}
		got = append(got, lc.Command())
	}
	if diff := cmp.Diff([]types.LoadCmd{types.LC_SEGMENT_64, types.LC_SYMTAB}, got); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
	var derr *DecodeError
	if !errors.As(err, &derr) || derr.Offset != 176 {
		t.Fatalf("error = %v, want DecodeError at 176", err)
	}
	if r.Offset() != 176 || r.Remaining() != 1 {
		t.Errorf("reader at %d with %d left, want 176 with 1", r.Offset(), r.Remaining())
	}
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("Next() after failure = %v, want io.EOF", err)
	}
}

func TestPutLoadCommand(t *testing.T) {
	bo := binary.BigEndian
	st := symtab()
	want := encode(t, bo, st)

	got := make([]byte, st.Len)
	for i := range got {
		got[i] = 0xff
	}
	n, err := PutLoadCommand(got, &st, bo)
	if err != nil {
		t.Fatalf("PutLoadCommand() error = %v", err)
	}
	if n != len(want) {
		t.Errorf("PutLoadCommand() = %d, want %d", n, len(want))
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("bytes mismatch (-want +got):\n%s", diff)
	}

	// trailing bytes past the layout are zeroed
	rp := types.RpathCmd{LoadCmdHeader: hdr(types.LC_RPATH, 16), Path: 12}
	buf := []byte{9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9}
	if _, err := PutLoadCommand(buf, &rp, bo); err != nil {
		t.Fatalf("PutLoadCommand(rpath) error = %v", err)
	}
	if diff := cmp.Diff(make([]byte, 4), buf[12:]); diff != "" {
		t.Errorf("tail not zeroed (-want +got):\n%s", diff)
	}

	if _, err := PutLoadCommand(make([]byte, 8), &st, bo); err == nil {
		t.Error("PutLoadCommand() into a short buffer succeeded")
	}
}

func TestLoadCommandName(t *testing.T) {
	bo := binary.LittleEndian
	path := "/usr/lib/libSystem.B.dylib\x00\x00\x00\x00\x00\x00"
	dylib := types.DylibCmd{
		LoadCmdHeader:  hdr(types.LC_LOAD_DYLIB, uint32(24+len(path))),
		Name:           24,
		Time:           2,
		CurrentVersion: 0x05276403,
		CompatVersion:  0x00010000,
	}
	bad := types.RpathCmd{LoadCmdHeader: hdr(types.LC_RPATH, 16), Path: 16}
	dat := encode(t, bo, dylib, []byte(path), bad, uint32(0), symtab())

	loads, _, err := ParseLoadCommands(dat, 0, 3, bo)
	if err != nil {
		t.Fatalf("ParseLoadCommands() error = %v", err)
	}

	name, ok, err := loads[0].Name(dat)
	if err != nil || !ok || name != "/usr/lib/libSystem.B.dylib" {
		t.Errorf("Name() = %q, %t, %v", name, ok, err)
	}
	if got := loads[0].Cmd.(*types.DylibCmd).CurrentVersion.String(); got != "1319.100.3" {
		t.Errorf("CurrentVersion = %s", got)
	}

	_, ok, err = loads[1].Name(dat)
	var merr *MalformedError
	if !ok || !errors.As(err, &merr) {
		t.Errorf("Name() on an out of range lc_str = %t, %v; want MalformedError", ok, err)
	}

	if _, ok, err := loads[2].Name(dat); ok || err != nil {
		t.Errorf("Name() on LC_SYMTAB = %t, %v", ok, err)
	}

	raw, err := loads[0].Bytes(dat)
	if err != nil {
		t.Fatal(err)
	}
	raw[0] = 0
	if dat[0] == 0 {
		t.Error("Bytes() aliases the input buffer")
	}
}
