package macho

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/apex/log"

	"github.com/willglynn/goblin/macho/types"
)

// A Reloc represents a Mach-O relocation.
type Reloc struct {
	Addr  uint32
	Value uint32
	// when Scattered == false && Extern == true, Value is the symbol number.
	// when Scattered == false && Extern == false, Value is the section number.
	// when Scattered == true, Value is the value that this reloc refers to.
	Type      uint8
	Len       uint8 // 0=byte, 1=word, 2=long, 3=quad
	Pcrel     bool
	Extern    bool // valid if Scattered == false
	Scattered bool
}

func (r Reloc) String() string {
	var kind string
	switch {
	case r.Scattered:
		kind = "scattered"
	case r.Extern:
		kind = "extern"
	default:
		kind = "local"
	}
	return fmt.Sprintf("addr=%#08x value=%#x type=%d len=%d pcrel=%t %s", r.Addr, r.Value, r.Type, r.Len, r.Pcrel, kind)
}

func isLittleEndian(o binary.ByteOrder) bool {
	return o.Uint16([]byte{1, 0}) == 1
}

func decodeReloc(ri types.RelocInfo, o binary.ByteOrder) Reloc {
	var rel Reloc
	if ri.Addr&types.RelocScattered != 0 {
		rel.Addr = ri.Addr & (1<<24 - 1)
		rel.Type = uint8((ri.Addr >> 24) & (1<<4 - 1))
		rel.Len = uint8((ri.Addr >> 28) & (1<<2 - 1))
		rel.Pcrel = ri.Addr&(1<<30) != 0
		rel.Value = ri.Symnum
		rel.Scattered = true
		return rel
	}
	rel.Addr = ri.Addr
	if isLittleEndian(o) {
		rel.Value = ri.Symnum & (1<<24 - 1)
		rel.Pcrel = ri.Symnum&(1<<24) != 0
		rel.Len = uint8((ri.Symnum >> 25) & (1<<2 - 1))
		rel.Extern = ri.Symnum&(1<<27) != 0
		rel.Type = uint8((ri.Symnum >> 28) & (1<<4 - 1))
	} else {
		rel.Value = ri.Symnum >> 8
		rel.Pcrel = ri.Symnum&(1<<7) != 0
		rel.Len = uint8((ri.Symnum >> 5) & (1<<2 - 1))
		rel.Extern = ri.Symnum&(1<<4) != 0
		rel.Type = uint8(ri.Symnum & (1<<4 - 1))
	}
	return rel
}

// Put encodes r into the first 8 bytes of b.
func (r Reloc) Put(b []byte, o binary.ByteOrder) int {
	var ri types.RelocInfo
	typ := uint32(r.Type) & (1<<4 - 1)
	ln := uint32(r.Len) & (1<<2 - 1)
	pcrel := uint32(0)
	if r.Pcrel {
		pcrel = 1
	}
	ext := uint32(0)
	if r.Extern {
		ext = 1
	}
	switch {
	case r.Scattered:
		ri.Addr = r.Addr&(1<<24-1) | typ<<24 | ln<<28 | types.RelocScattered | pcrel<<30
		ri.Symnum = r.Value
	case isLittleEndian(o):
		ri.Addr = r.Addr
		ri.Symnum = r.Value&(1<<24-1) | pcrel<<24 | ln<<25 | ext<<27 | typ<<28
	default:
		ri.Addr = r.Addr
		ri.Symnum = r.Value<<8 | pcrel<<7 | ln<<5 | ext<<4 | typ
	}
	o.PutUint32(b, ri.Addr)
	o.PutUint32(b[4:], ri.Symnum)
	return types.RelocInfoSize
}

// A RelocIterator decodes a relocation table one entry per call to Next.
// It keeps no state beyond its cursor, so walking the same table again
// means constructing a new one from the same inputs.
type RelocIterator struct {
	dat  []byte
	bo   binary.ByteOrder
	off  uint64
	left uint32
	done bool
}

// NewRelocIterator returns an iterator over count relocation entries
// starting at offset in dat.
func NewRelocIterator(dat []byte, offset uint64, count uint32, bo binary.ByteOrder) *RelocIterator {
	log.WithFields(log.Fields{
		"offset": fmt.Sprintf("%#x", offset),
		"count":  count,
	}).Debug("iterating relocations")
	return &RelocIterator{dat: dat, bo: bo, off: offset, left: count}
}

// Next returns the next relocation. It returns io.EOF once count entries
// have been produced. An entry that runs past the buffer is returned as a
// *DecodeError, after which the iterator is exhausted.
func (it *RelocIterator) Next() (Reloc, error) {
	if it.done || it.left == 0 {
		return Reloc{}, io.EOF
	}
	if remaining(it.dat, it.off) < types.RelocInfoSize {
		it.done = true
		return Reloc{}, shortRead(it.off, 0, "RelocInfo")
	}
	b := it.dat[it.off : it.off+types.RelocInfoSize]
	ri := types.RelocInfo{Addr: it.bo.Uint32(b[0:4]), Symnum: it.bo.Uint32(b[4:8])}
	it.off += types.RelocInfoSize
	it.left--
	return decodeReloc(ri, it.bo), nil
}

// Remaining returns how many entries are left to read.
func (it *RelocIterator) Remaining() uint32 { return it.left }

// Relocs drains the iterator. On failure it returns the entries read so
// far together with the error.
func (it *RelocIterator) Relocs() ([]Reloc, error) {
	var relocs []Reloc
	for {
		r, err := it.Next()
		if err == io.EOF {
			return relocs, nil
		}
		if err != nil {
			return relocs, err
		}
		relocs = append(relocs, r)
	}
}
