package macho

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/willglynn/goblin/macho/types"
)

func parseOne(t *testing.T, dat []byte, bo binary.ByteOrder) *LoadCommand {
	t.Helper()
	lc, _, err := ParseLoadCommand(dat, 0, bo)
	if err != nil {
		t.Fatalf("ParseLoadCommand() error = %v", err)
	}
	return lc
}

func TestSegment64(t *testing.T) {
	bo := binary.LittleEndian
	dat := textSegmentImage(t, bo)
	lc := parseOne(t, dat, bo)

	seg, err := NewSegment(dat, lc, bo)
	if err != nil {
		t.Fatalf("NewSegment() error = %v", err)
	}
	want := SegmentHeader{
		LoadCmdHeader: hdr(types.LC_SEGMENT_64, 152),
		Name:          "__TEXT",
		Addr:          0x100000000,
		Memsz:         0x1000,
		Filesz:        0x200,
		Maxprot:       5,
		Prot:          5,
		Nsect:         1,
	}
	if diff := cmp.Diff(want, seg.SegmentHeader); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
	if !seg.Ctx().Is64() {
		t.Error("Ctx() is not 64-bit")
	}

	secs, err := seg.AllSections()
	if err != nil {
		t.Fatalf("AllSections() error = %v", err)
	}
	if len(secs) != 1 {
		t.Fatalf("got %d sections, want 1", len(secs))
	}
	wantSect := SectionHeader{
		Name:   "__text",
		Seg:    "__TEXT",
		Addr:   0x100000100,
		Size:   8,
		Offset: 0x100,
		Align:  2,
		Flags:  types.S_ATTR_PURE_INSTRUCTIONS | types.S_ATTR_SOME_INSTRUCTIONS,
		Type:   64,
	}
	if diff := cmp.Diff(wantSect, secs[0].SectionHeader); diff != "" {
		t.Errorf("section mismatch (-want +got):\n%s", diff)
	}
	if secs[0].HdrOffset != types.Segment64Size {
		t.Errorf("HdrOffset = %d, want %d", secs[0].HdrOffset, types.Segment64Size)
	}

	b, err := secs[0].Data()
	if err != nil {
		t.Fatalf("Data() error = %v", err)
	}
	if diff := cmp.Diff([]byte{0xde, 0xad, 0xbe, 0xef, 0xca, 0xfe, 0xba, 0xbe}, b); diff != "" {
		t.Errorf("Data() mismatch (-want +got):\n%s", diff)
	}
	b[0] = 0
	if dat[0x100] != 0xde {
		t.Error("Data() aliases the input buffer")
	}

	r := secs[0].Open()
	if _, err := r.Seek(4, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	rest, _ := io.ReadAll(r)
	if diff := cmp.Diff([]byte{0xca, 0xfe, 0xba, 0xbe}, rest); diff != "" {
		t.Errorf("Open() mismatch (-want +got):\n%s", diff)
	}
}

func TestSegment32RoundTrip(t *testing.T) {
	bo := binary.BigEndian
	seg := types.Segment32{
		LoadCmdHeader: hdr(types.LC_SEGMENT, types.Segment32Size+types.Section32Size),
		Name:          name16("__DATA"),
		Addr:          0x2000,
		Memsz:         0x1000,
		Offset:        0x80,
		Filesz:        0x10,
		Maxprot:       7,
		Prot:          3,
		Nsect:         1,
	}
	sect := types.Section32{
		Name:      name16("__bss"),
		Seg:       name16("__DATA"),
		Addr:      0x2010,
		Size:      0x400,
		Align:     3,
		Flags:     types.SectionFlag(types.S_ZEROFILL),
		Reserved1: 0x11,
		Reserved2: 0x22,
	}
	dat := grow(encode(t, bo, seg, sect), 0x90)
	lc := parseOne(t, dat, bo)

	s, err := NewSegment(dat, lc, bo)
	if err != nil {
		t.Fatalf("NewSegment() error = %v", err)
	}
	if s.Ctx().Is64() || s.Addr != 0x2000 || s.Offset != 0x80 {
		t.Errorf("widened segment = %s", s)
	}

	back, err := s.Segment32()
	if err != nil {
		t.Fatalf("Segment32() error = %v", err)
	}
	if diff := cmp.Diff(&seg, back); diff != "" {
		t.Errorf("Segment32() mismatch (-want +got):\n%s", diff)
	}

	secs, err := s.AllSections()
	if err != nil {
		t.Fatalf("AllSections() error = %v", err)
	}
	sec32, err := secs[0].Section32()
	if err != nil {
		t.Fatalf("Section32() error = %v", err)
	}
	if diff := cmp.Diff(&sect, sec32); diff != "" {
		t.Errorf("Section32() mismatch (-want +got):\n%s", diff)
	}

	// zerofill sections have no file contents, however large they claim to be
	b, err := secs[0].Data()
	if err != nil || len(b) != 0 {
		t.Errorf("zerofill Data() = %d bytes, %v", len(b), err)
	}

	out := make([]byte, s.Len)
	if _, err := s.Put(out); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if diff := cmp.Diff(dat[:s.Len], out); diff != "" {
		t.Errorf("Put() mismatch (-want +got):\n%s", diff)
	}

	s64, err := s.Segment64()
	if err != nil {
		t.Fatalf("Segment64() error = %v", err)
	}
	if s64.LoadCmd != types.LC_SEGMENT_64 || s64.Len != types.Segment64Size+types.Section64Size {
		t.Errorf("Segment64() header = %v/%d", s64.LoadCmd, s64.Len)
	}

	// 2^26 sections of 80 bytes need a cmdsize above 4GiB
	s.Nsect = 1 << 26
	var merr *MalformedError
	if _, err := s.Segment64(); !errors.As(err, &merr) {
		t.Errorf("Segment64() with %d sections error = %v, want *MalformedError", s.Nsect, err)
	}
}

func TestSegmentPut64(t *testing.T) {
	bo := binary.LittleEndian
	dat := textSegmentImage(t, bo)
	s, err := NewSegment(dat, parseOne(t, dat, bo), bo)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]byte, s.Len)
	if _, err := s.Put(out); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if diff := cmp.Diff(dat[:s.Len], out); diff != "" {
		t.Errorf("Put() mismatch (-want +got):\n%s", diff)
	}
	if _, err := s.Put(make([]byte, s.Len-1)); err == nil {
		t.Error("Put() into a short buffer succeeded")
	}

	s.Addr = math.MaxUint32 + 1
	if _, err := s.Segment32(); err == nil {
		t.Error("Segment32() of a segment above 4GiB succeeded")
	}

	s.Addr = 0
	s.Nsect = 1 << 27
	var merr *MalformedError
	if _, err := s.Segment32(); !errors.As(err, &merr) {
		t.Errorf("Segment32() with %d sections error = %v, want *MalformedError", s.Nsect, err)
	}
}

func TestNewSegmentErrors(t *testing.T) {
	bo := binary.LittleEndian
	tests := []struct {
		name string
		cmd  Command
	}{
		{
			name: "32-bit file range overflow",
			cmd: &types.Segment32{
				LoadCmdHeader: hdr(types.LC_SEGMENT, types.Segment32Size),
				Offset:        0xffffff00,
				Filesz:        0x200,
			},
		},
		{
			name: "32-bit vm range overflow",
			cmd: &types.Segment32{
				LoadCmdHeader: hdr(types.LC_SEGMENT, types.Segment32Size),
				Addr:          0xfffff000,
				Memsz:         0x2000,
			},
		},
		{
			name: "64-bit file range overflow",
			cmd: &types.Segment64{
				LoadCmdHeader: hdr(types.LC_SEGMENT_64, types.Segment64Size),
				Offset:        math.MaxUint64,
				Filesz:        1,
			},
		},
		{
			name: "64-bit vm range overflow",
			cmd: &types.Segment64{
				LoadCmdHeader: hdr(types.LC_SEGMENT_64, types.Segment64Size),
				Addr:          math.MaxUint64 - 1,
				Memsz:         2,
			},
		},
		{
			name: "data past end of buffer",
			cmd: &types.Segment64{
				LoadCmdHeader: hdr(types.LC_SEGMENT_64, types.Segment64Size),
				Offset:        0x40,
				Filesz:        0x40,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dat := encode(t, bo, tt.cmd)
			seg, err := NewSegment(dat, parseOne(t, dat, bo), bo)
			var merr *MalformedError
			if !errors.As(err, &merr) {
				t.Fatalf("NewSegment() = %v, %v; want *MalformedError", seg, err)
			}
			if merr.Offset != 0 || merr.Cmd != tt.cmd.Command() {
				t.Errorf("error = %+v", *merr)
			}
		})
	}

	symtabDat := encode(t, bo, symtab())
	if _, err := NewSegment(symtabDat, parseOne(t, symtabDat, bo), bo); err == nil {
		t.Error("NewSegment(LC_SYMTAB) succeeded")
	}
}

func TestSectionSegnameDivergence(t *testing.T) {
	bo := binary.LittleEndian
	seg, sect := textSegment64()
	sect.Seg = name16("__DATA")
	dat := grow(encode(t, bo, seg, sect), 0x200)

	s, err := NewSegment(dat, parseOne(t, dat, bo), bo)
	if err != nil {
		t.Fatal(err)
	}
	secs, err := s.AllSections()
	if err != nil {
		t.Fatal(err)
	}
	if secs[0].Seg != "__DATA" || s.Name != "__TEXT" {
		t.Errorf("section segname = %q in segment %q", secs[0].Seg, s.Name)
	}

	segs := Segments{s}
	if got, err := segs.Section("__TEXT", "__text"); err != nil || got != nil {
		t.Errorf("Section(__TEXT, __text) = %v, %v; want nil", got, err)
	}
	if got, err := segs.Section("__DATA", "__text"); err != nil || got == nil {
		t.Errorf("Section(__DATA, __text) = %v, %v", got, err)
	}
}

func TestSectionIteratorBounds(t *testing.T) {
	bo := binary.LittleEndian
	seg, sect := textSegment64()
	seg.Nsect = 3
	seg.Filesz = 0
	sect.Offset, sect.Size = 0, 0
	// claims three sections but carries one, and nothing follows
	dat := encode(t, bo, seg, sect)

	s, err := NewSegment(dat, parseOne(t, dat, bo), bo)
	if err != nil {
		t.Fatalf("NewSegment() error = %v", err)
	}

	it := s.Sections()
	first, err := it.Next()
	if err != nil {
		t.Fatalf("first Next() error = %v", err)
	}
	if first.Name != "__text" {
		t.Errorf("first section = %q", first.Name)
	}
	_, err = it.Next()
	var derr *DecodeError
	if !errors.As(err, &derr) || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("second Next() error = %v, want short read", err)
	}
	if derr.Offset != uint64(len(dat)) || derr.Layout != "Section64" {
		t.Errorf("error = %+v", *derr)
	}
	if _, err := it.Next(); err != io.EOF {
		t.Errorf("Next() after failure = %v, want io.EOF", err)
	}
}

func TestSectionDataOutOfBounds(t *testing.T) {
	bo := binary.LittleEndian
	seg, sect := textSegment64()
	sect.Offset = 0x1f8
	sect.Size = 0x10
	dat := grow(encode(t, bo, seg, sect), 0x200)

	s, err := NewSegment(dat, parseOne(t, dat, bo), bo)
	if err != nil {
		t.Fatal(err)
	}
	secs, err := s.AllSections()
	var merr *MalformedError
	if !errors.As(err, &merr) {
		t.Fatalf("AllSections() error = %v, want *MalformedError", err)
	}
	if len(secs) != 0 || merr.Size != 0x10 || merr.Available != 8 {
		t.Errorf("got %d sections, error %+v", len(secs), *merr)
	}
}

func TestSegments(t *testing.T) {
	bo := binary.LittleEndian
	dat := textSegmentImage(t, bo)
	loads, _, err := ParseLoadCommands(dat, 0, 2, bo)
	if err != nil {
		t.Fatal(err)
	}
	segs, err := ParseSegments(dat, loads, bo)
	if err != nil {
		t.Fatalf("ParseSegments() error = %v", err)
	}
	if segs.Len() != 1 {
		t.Fatalf("got %d segments, want 1", segs.Len())
	}
	if segs.Segment("__TEXT") == nil || segs.Segment("__LINKEDIT") != nil {
		t.Error("Segment() lookup by name failed")
	}
	if got := segs.FindSegmentForVMAddr(0x100000fff); got == nil || got.Name != "__TEXT" {
		t.Errorf("FindSegmentForVMAddr() = %v", got)
	}
	if got := segs.FindSegmentForVMAddr(0x100001000); got != nil {
		t.Errorf("FindSegmentForVMAddr(end) = %v, want nil", got)
	}
	secs, err := segs.AllSections()
	if err != nil || len(secs) != 1 {
		t.Errorf("AllSections() = %d, %v", len(secs), err)
	}
}
