package macho

import (
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/willglynn/goblin/macho/types"
)

func TestRelocEncoding(t *testing.T) {
	tests := []struct {
		name  string
		bo    binary.ByteOrder
		reloc Reloc
		raw   types.RelocInfo
	}{
		{
			name:  "little endian extern branch",
			bo:    binary.LittleEndian,
			reloc: Reloc{Addr: 0x14, Value: 3, Type: uint8(types.ARM64_RELOC_BRANCH26), Len: 2, Pcrel: true, Extern: true},
			raw:   types.RelocInfo{Addr: 0x14, Symnum: 3 | 1<<24 | 2<<25 | 1<<27 | 2<<28},
		},
		{
			name:  "little endian local",
			bo:    binary.LittleEndian,
			reloc: Reloc{Addr: 0x100, Value: 1, Type: 0, Len: 3},
			raw:   types.RelocInfo{Addr: 0x100, Symnum: 1 | 3<<25},
		},
		{
			name:  "big endian extern",
			bo:    binary.BigEndian,
			reloc: Reloc{Addr: 0x20, Value: 0x1234, Type: 2, Len: 2, Pcrel: true, Extern: true},
			raw:   types.RelocInfo{Addr: 0x20, Symnum: 0x1234<<8 | 1<<7 | 2<<5 | 1<<4 | 2},
		},
		{
			name:  "scattered",
			bo:    binary.BigEndian,
			reloc: Reloc{Addr: 0x123, Value: 0xdeadbeef, Type: 4, Len: 2, Pcrel: true, Scattered: true},
			raw:   types.RelocInfo{Addr: 0x123 | 4<<24 | 2<<28 | 1<<30 | types.RelocScattered, Symnum: 0xdeadbeef},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.reloc, decodeReloc(tt.raw, tt.bo)); diff != "" {
				t.Errorf("decodeReloc() mismatch (-want +got):\n%s", diff)
			}
			b := make([]byte, types.RelocInfoSize)
			if n := tt.reloc.Put(b, tt.bo); n != types.RelocInfoSize {
				t.Errorf("Put() = %d", n)
			}
			got := types.RelocInfo{Addr: tt.bo.Uint32(b), Symnum: tt.bo.Uint32(b[4:])}
			if diff := cmp.Diff(tt.raw, got); diff != "" {
				t.Errorf("Put() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func relocTable(t *testing.T, bo binary.ByteOrder, relocs ...Reloc) []byte {
	t.Helper()
	dat := make([]byte, len(relocs)*types.RelocInfoSize)
	for i, r := range relocs {
		r.Put(dat[i*types.RelocInfoSize:], bo)
	}
	return dat
}

func TestRelocIterator(t *testing.T) {
	bo := binary.LittleEndian
	want := []Reloc{
		{Addr: 0x0, Value: 1, Len: 2, Pcrel: true, Extern: true, Type: 2},
		{Addr: 0x8, Value: 2, Len: 3},
		{Addr: 0x10, Value: 3, Len: 3, Extern: true},
	}
	// four bytes of padding first, so the table is not at zero
	dat := append([]byte{0, 0, 0, 0}, relocTable(t, bo, want...)...)

	it := NewRelocIterator(dat, 4, 3, bo)
	got, err := it.Relocs()
	if err != nil {
		t.Fatalf("Relocs() error = %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Relocs() mismatch (-want +got):\n%s", diff)
	}
	if _, err := it.Next(); err != io.EOF {
		t.Errorf("Next() past count = %v, want io.EOF", err)
	}

	// fewer entries than the buffer holds
	got, err = NewRelocIterator(dat, 4, 2, bo).Relocs()
	if err != nil || len(got) != 2 {
		t.Errorf("Relocs() with count 2 = %d, %v", len(got), err)
	}

	// a fresh iterator over the same inputs yields the same entries
	again, _ := NewRelocIterator(dat, 4, 3, bo).Relocs()
	if diff := cmp.Diff(want, again); diff != "" {
		t.Errorf("second walk mismatch (-want +got):\n%s", diff)
	}

	if got, err := NewRelocIterator(dat, 4, 0, bo).Relocs(); err != nil || len(got) != 0 {
		t.Errorf("Relocs() with count 0 = %v, %v", got, err)
	}
}

func TestRelocIteratorTruncated(t *testing.T) {
	bo := binary.BigEndian
	dat := relocTable(t, bo,
		Reloc{Addr: 0x0, Value: 1, Len: 2},
		Reloc{Addr: 0x4, Value: 2, Len: 2},
	)
	dat = dat[:12] // second entry cut in half

	it := NewRelocIterator(dat, 0, 2, bo)
	first, err := it.Next()
	if err != nil || first.Value != 1 {
		t.Fatalf("first Next() = %v, %v", first, err)
	}
	if it.Remaining() != 1 {
		t.Errorf("Remaining() = %d, want 1", it.Remaining())
	}
	_, err = it.Next()
	var derr *DecodeError
	if !errors.As(err, &derr) || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("second Next() = %v, want short read", err)
	}
	if derr.Offset != 8 {
		t.Errorf("error offset = %#x, want 0x8", derr.Offset)
	}
	if _, err := it.Next(); err != io.EOF {
		t.Errorf("Next() after failure = %v, want io.EOF", err)
	}

	got, err := NewRelocIterator(dat, 0, 2, bo).Relocs()
	if err == nil || len(got) != 1 {
		t.Errorf("Relocs() = %d entries, %v; want 1 and an error", len(got), err)
	}
}

func TestSectionRelocations(t *testing.T) {
	bo := binary.LittleEndian
	seg, sect := textSegment64()
	sect.Reloff = 0x1c0
	sect.Nreloc = 2
	dat := textSegmentImage(t, bo)
	copy(dat, encode(t, bo, seg, sect))
	want := []Reloc{
		{Addr: 0x0, Value: 5, Len: 2, Pcrel: true, Extern: true, Type: 2},
		{Addr: 0x4, Value: 6, Len: 2, Pcrel: true, Extern: true, Type: 2},
	}
	copy(dat[0x1c0:], relocTable(t, bo, want...))

	s, err := NewSegment(dat, parseOne(t, dat, bo), bo)
	if err != nil {
		t.Fatal(err)
	}
	secs, err := s.AllSections()
	if err != nil {
		t.Fatal(err)
	}
	got, err := secs[0].Relocations().Relocs()
	if err != nil {
		t.Fatalf("Relocs() error = %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Relocations() mismatch (-want +got):\n%s", diff)
	}
}
