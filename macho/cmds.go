package macho

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/bits"
	"strings"

	"github.com/pkg/errors"

	"github.com/willglynn/goblin/macho/types"
)

func pad(length int) string {
	if length > 0 {
		return strings.Repeat(" ", length)
	}
	return " "
}

/*******************************************************************************
 * SEGMENT
 *******************************************************************************/

// A SegmentHeader is the header for a Mach-O 32-bit or 64-bit load segment
// command with every field widened to 64 bits.
type SegmentHeader struct {
	types.LoadCmdHeader
	Name    string
	Addr    uint64
	Memsz   uint64
	Offset  uint64
	Filesz  uint64
	Maxprot types.VmProtection
	Prot    types.VmProtection
	Nsect   uint32
	Flag    types.SegFlag
}

func (s *SegmentHeader) String() string {
	return fmt.Sprintf(
		"Seg %s, len=%#x, addr=%#x, memsz=%#x, offset=%#x, filesz=%#x, maxprot=%#x, prot=%#x, nsect=%d, flag=%#x",
		s.Name, s.Len, s.Addr, s.Memsz, s.Offset, s.Filesz, s.Maxprot, s.Prot, s.Nsect, s.Flag)
}

// A Segment represents a Mach-O 32-bit or 64-bit load segment command.
//
// A Segment borrows the buffer it was decoded from and only ever hands out
// copies of it or read-only readers over it. The buffer must not be modified
// while the Segment, its Sections or their iterators are in use.
type Segment struct {
	SegmentHeader
	// CmdOffset is where the segment's load command starts in the buffer.
	CmdOffset uint64

	ctx  types.Ctx
	name [16]byte
	dat  []byte

	// Embed ReaderAt for ReadAt method.
	// Do not embed SectionReader directly
	// to avoid having Read and Seek.
	// If a client wants Read and Seek it must use
	// Open() to avoid fighting over the seek offset
	// with other clients.
	io.ReaderAt
	sr *io.SectionReader
}

// NewSegment32 widens an LC_SEGMENT decoded at offset in dat.
func NewSegment32(dat []byte, offset uint64, seg *types.Segment32, bo binary.ByteOrder) (*Segment, error) {
	if uint64(seg.Offset)+uint64(seg.Filesz) > math.MaxUint32 {
		return nil, &MalformedError{
			Offset:    offset,
			Cmd:       seg.Command(),
			Size:      uint64(seg.Filesz),
			Available: math.MaxUint32 - uint64(seg.Offset),
			Msg:       "segment file range overflows 32 bits",
		}
	}
	if uint64(seg.Addr)+uint64(seg.Memsz) > math.MaxUint32 {
		return nil, &MalformedError{
			Offset:    offset,
			Cmd:       seg.Command(),
			Size:      uint64(seg.Memsz),
			Available: math.MaxUint32 - uint64(seg.Addr),
			Msg:       "segment vm range overflows 32 bits",
		}
	}
	return newSegment(dat, offset, types.Ctx{Container: types.Container32, ByteOrder: bo}, seg.Name, SegmentHeader{
		LoadCmdHeader: seg.LoadCmdHeader,
		Name:          cstring(seg.Name[:]),
		Addr:          uint64(seg.Addr),
		Memsz:         uint64(seg.Memsz),
		Offset:        uint64(seg.Offset),
		Filesz:        uint64(seg.Filesz),
		Maxprot:       seg.Maxprot,
		Prot:          seg.Prot,
		Nsect:         seg.Nsect,
		Flag:          seg.Flag,
	})
}

// NewSegment64 wraps an LC_SEGMENT_64 decoded at offset in dat.
func NewSegment64(dat []byte, offset uint64, seg *types.Segment64, bo binary.ByteOrder) (*Segment, error) {
	if _, carry := bits.Add64(seg.Offset, seg.Filesz, 0); carry != 0 {
		return nil, &MalformedError{
			Offset:    offset,
			Cmd:       seg.Command(),
			Size:      seg.Filesz,
			Available: math.MaxUint64 - seg.Offset,
			Msg:       "segment file range overflows 64 bits",
		}
	}
	if _, carry := bits.Add64(seg.Addr, seg.Memsz, 0); carry != 0 {
		return nil, &MalformedError{
			Offset:    offset,
			Cmd:       seg.Command(),
			Size:      seg.Memsz,
			Available: math.MaxUint64 - seg.Addr,
			Msg:       "segment vm range overflows 64 bits",
		}
	}
	return newSegment(dat, offset, types.Ctx{Container: types.Container64, ByteOrder: bo}, seg.Name, SegmentHeader{
		LoadCmdHeader: seg.LoadCmdHeader,
		Name:          cstring(seg.Name[:]),
		Addr:          seg.Addr,
		Memsz:         seg.Memsz,
		Offset:        seg.Offset,
		Filesz:        seg.Filesz,
		Maxprot:       seg.Maxprot,
		Prot:          seg.Prot,
		Nsect:         seg.Nsect,
		Flag:          seg.Flag,
	})
}

// NewSegment widens lc, which must hold a *types.Segment32 or *types.Segment64.
func NewSegment(dat []byte, lc *LoadCommand, bo binary.ByteOrder) (*Segment, error) {
	switch seg := lc.Cmd.(type) {
	case *types.Segment32:
		return NewSegment32(dat, lc.Offset, seg, bo)
	case *types.Segment64:
		return NewSegment64(dat, lc.Offset, seg, bo)
	}
	return nil, errors.Errorf("%s is not a segment command", lc.Command())
}

func newSegment(dat []byte, offset uint64, ctx types.Ctx, name [16]byte, hdr SegmentHeader) (*Segment, error) {
	if hdr.Offset+hdr.Filesz > uint64(len(dat)) {
		return nil, &MalformedError{
			Offset:    offset,
			Cmd:       hdr.Command(),
			Size:      hdr.Filesz,
			Available: remaining(dat, hdr.Offset),
			Msg:       fmt.Sprintf("segment %s data exceeds buffer", hdr.Name),
		}
	}
	s := &Segment{
		SegmentHeader: hdr,
		CmdOffset:     offset,
		ctx:           ctx,
		name:          name,
		dat:           dat,
	}
	s.sr = io.NewSectionReader(bytes.NewReader(dat), int64(hdr.Offset), int64(hdr.Filesz))
	s.ReaderAt = s.sr
	return s, nil
}

func (s *Segment) String() string {
	return fmt.Sprintf("%s: sz=0x%08x off=0x%08x-0x%08x addr=0x%09x-0x%09x %s/%s   %s%s%#x",
		s.Command(), s.Filesz, s.Offset, s.Offset+s.Filesz, s.Addr, s.Addr+s.Memsz, s.Prot, s.Maxprot, s.Name, pad(20-len(s.Name)), s.Flag)
}

// Ctx returns the addressing context the segment was decoded under.
func (s *Segment) Ctx() types.Ctx { return s.ctx }

// Data reads and returns the contents of the segment.
func (s *Segment) Data() ([]byte, error) {
	dat := make([]byte, s.Filesz)
	n, err := s.ReadAt(dat, 0)
	if n == len(dat) {
		err = nil
	}
	return dat[0:n], err
}

// Open returns a new ReadSeeker reading the segment.
func (s *Segment) Open() io.ReadSeeker { return io.NewSectionReader(s.sr, 0, 1<<63-1) }

// Sections returns an iterator over the segment's section headers, which
// follow the segment header inside its load command.
func (s *Segment) Sections() *SectionIterator {
	return &SectionIterator{
		seg:  s,
		off:  s.CmdOffset + s.ctx.SegmentSize(),
		left: s.Nsect,
	}
}

// AllSections decodes every section header of the segment. On failure it
// returns the sections decoded so far together with the error.
func (s *Segment) AllSections() ([]*Section, error) {
	var sections []*Section
	it := s.Sections()
	for {
		sec, err := it.Next()
		if err == io.EOF {
			return sections, nil
		}
		if err != nil {
			return sections, err
		}
		sections = append(sections, sec)
	}
}

// Segment32 narrows the segment back to its LC_SEGMENT layout. It fails if
// any widened value no longer fits in 32 bits.
func (s *Segment) Segment32() (*types.Segment32, error) {
	for _, v := range []uint64{s.Addr, s.Memsz, s.Offset, s.Filesz} {
		if v > math.MaxUint32 {
			return nil, errors.Errorf("segment %s: %#x does not fit in 32 bits", s.Name, v)
		}
	}
	hdr := s.LoadCmdHeader
	if s.ctx.Is64() {
		n, err := s.commandSize(types.Segment32Size, types.Section32Size)
		if err != nil {
			return nil, err
		}
		hdr = types.LoadCmdHeader{LoadCmd: types.LC_SEGMENT, Len: n}
	}
	return &types.Segment32{
		LoadCmdHeader: hdr,
		Name:          s.name,
		Addr:          uint32(s.Addr),
		Memsz:         uint32(s.Memsz),
		Offset:        uint32(s.Offset),
		Filesz:        uint32(s.Filesz),
		Maxprot:       s.Maxprot,
		Prot:          s.Prot,
		Nsect:         s.Nsect,
		Flag:          s.Flag,
	}, nil
}

// Segment64 returns the segment in its LC_SEGMENT_64 layout. A segment
// decoded from LC_SEGMENT gets the command and size a 64-bit image would use,
// which fails if that size does not fit in 32 bits.
func (s *Segment) Segment64() (*types.Segment64, error) {
	hdr := s.LoadCmdHeader
	if !s.ctx.Is64() {
		n, err := s.commandSize(types.Segment64Size, types.Section64Size)
		if err != nil {
			return nil, err
		}
		hdr = types.LoadCmdHeader{LoadCmd: types.LC_SEGMENT_64, Len: n}
	}
	return &types.Segment64{
		LoadCmdHeader: hdr,
		Name:          s.name,
		Addr:          s.Addr,
		Memsz:         s.Memsz,
		Offset:        s.Offset,
		Filesz:        s.Filesz,
		Maxprot:       s.Maxprot,
		Prot:          s.Prot,
		Nsect:         s.Nsect,
		Flag:          s.Flag,
	}, nil
}

// commandSize is the cmdsize of the segment re-encoded with the given
// segment and section layout sizes.
func (s *Segment) commandSize(segSize, sectSize uint64) (uint32, error) {
	n := segSize + uint64(s.Nsect)*sectSize
	if n > math.MaxUint32 {
		return 0, &MalformedError{
			Offset:    s.CmdOffset,
			Cmd:       s.Command(),
			Size:      n,
			Available: math.MaxUint32,
			Msg:       fmt.Sprintf("%d sections do not fit a 32-bit command size", s.Nsect),
		}
	}
	return uint32(n), nil
}

func (s *Segment) Put32(b []byte, o binary.ByteOrder) int {
	o.PutUint32(b[0*4:], uint32(s.LoadCmd))
	o.PutUint32(b[1*4:], s.Len)
	copy(b[2*4:6*4], s.name[:])
	o.PutUint32(b[6*4:], uint32(s.Addr))
	o.PutUint32(b[7*4:], uint32(s.Memsz))
	o.PutUint32(b[8*4:], uint32(s.Offset))
	o.PutUint32(b[9*4:], uint32(s.Filesz))
	o.PutUint32(b[10*4:], uint32(s.Maxprot))
	o.PutUint32(b[11*4:], uint32(s.Prot))
	o.PutUint32(b[12*4:], s.Nsect)
	o.PutUint32(b[13*4:], uint32(s.Flag))
	return 14 * 4
}

func (s *Segment) Put64(b []byte, o binary.ByteOrder) int {
	o.PutUint32(b[0*4:], uint32(s.LoadCmd))
	o.PutUint32(b[1*4:], s.Len)
	copy(b[2*4:6*4], s.name[:])
	o.PutUint64(b[6*4+0*8:], s.Addr)
	o.PutUint64(b[6*4+1*8:], s.Memsz)
	o.PutUint64(b[6*4+2*8:], s.Offset)
	o.PutUint64(b[6*4+3*8:], s.Filesz)
	o.PutUint32(b[6*4+4*8:], uint32(s.Maxprot))
	o.PutUint32(b[7*4+4*8:], uint32(s.Prot))
	o.PutUint32(b[8*4+4*8:], s.Nsect)
	o.PutUint32(b[9*4+4*8:], uint32(s.Flag))
	return 10*4 + 4*8
}

// Put re-serializes the segment command and its section headers into dst,
// which must be exactly the command's declared size. The segment is written
// at the width it was decoded with; any bytes left after the last section
// are zeroed.
func (s *Segment) Put(dst []byte) (int, error) {
	if uint64(len(dst)) != uint64(s.Len) {
		return 0, errors.Errorf("%s %s needs a %d byte destination, got %d", s.Command(), s.Name, s.Len, len(dst))
	}
	need := s.ctx.SegmentSize() + uint64(s.Nsect)*s.ctx.SectionSize()
	if need > uint64(len(dst)) {
		return 0, &MalformedError{
			Offset:    s.CmdOffset,
			Cmd:       s.Command(),
			Size:      need,
			Available: uint64(len(dst)),
			Msg:       "section headers do not fit the command size",
		}
	}
	if s.ctx.Is64() {
		s.Put64(dst, s.ctx.ByteOrder)
	} else {
		if _, err := s.Segment32(); err != nil {
			return 0, err
		}
		s.Put32(dst, s.ctx.ByteOrder)
	}
	n := int(s.ctx.SegmentSize())

	it := s.Sections()
	for {
		sec, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.Wrapf(err, "failed to re-encode sections of %s", s.Name)
		}
		if s.ctx.Is64() {
			n += sec.Put64(dst[n:], s.ctx.ByteOrder)
		} else {
			n += sec.Put32(dst[n:], s.ctx.ByteOrder)
		}
	}
	clear(dst[n:])
	return len(dst), nil
}

// Segments is an ordered list of segments in load command order.
// The order is meaningful ("the Nth LC_SEGMENT") and is never changed.
type Segments []*Segment

func (v Segments) Len() int {
	return len(v)
}

// ParseSegments widens every LC_SEGMENT and LC_SEGMENT_64 in loads. On
// failure it returns the segments built so far together with the error.
func ParseSegments(dat []byte, loads []LoadCommand, bo binary.ByteOrder) (Segments, error) {
	var segs Segments
	for i := range loads {
		switch loads[i].Command() {
		case types.LC_SEGMENT, types.LC_SEGMENT_64:
		default:
			continue
		}
		s, err := NewSegment(dat, &loads[i], bo)
		if err != nil {
			return segs, err
		}
		segs = append(segs, s)
	}
	return segs, nil
}

// Segment returns the first Segment with the given name, or nil if no such segment exists.
func (v Segments) Segment(name string) *Segment {
	for _, s := range v {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// FindSegmentForVMAddr returns the segment containing a given virtual memory address.
func (v Segments) FindSegmentForVMAddr(vmAddr uint64) *Segment {
	for _, s := range v {
		if s.Addr <= vmAddr && vmAddr < s.Addr+s.Memsz {
			return s
		}
	}
	return nil
}

// Section returns the first section with name sect in the segment named seg.
// The section's own segment name is what is matched, not its parent's.
func (v Segments) Section(seg, sect string) (*Section, error) {
	for _, s := range v {
		it := s.Sections()
		for {
			sec, err := it.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
			if sec.Seg == seg && sec.Name == sect {
				return sec, nil
			}
		}
	}
	return nil, nil
}

// AllSections returns the sections of every segment in order.
func (v Segments) AllSections() ([]*Section, error) {
	var sections []*Section
	for _, s := range v {
		secs, err := s.AllSections()
		sections = append(sections, secs...)
		if err != nil {
			return sections, err
		}
	}
	return sections, nil
}

/*******************************************************************************
 * SECTION
 *******************************************************************************/

type SectionHeader struct {
	Name      string
	Seg       string
	Addr      uint64
	Size      uint64
	Offset    uint32
	Align     uint32
	Reloff    uint32
	Nreloc    uint32
	Flags     types.SectionFlag
	Reserved1 uint32
	Reserved2 uint32
	Reserved3 uint32 // only present if original was 64-bit
	Type      uint8  // 32 or 64
}

// A Section is a section header widened to 64 bits. Its Seg is copied from
// the section record itself and may differ from the containing segment's name.
type Section struct {
	SectionHeader
	// HdrOffset is where the section header starts in the buffer.
	HdrOffset uint64

	name, seg [16]byte
	bo        binary.ByteOrder
	dat       []byte

	// Embed ReaderAt for ReadAt method.
	// Do not embed SectionReader directly
	// to avoid having Read and Seek.
	// If a client wants Read and Seek it must use
	// Open() to avoid fighting over the seek offset
	// with other clients.
	io.ReaderAt
	sr *io.SectionReader
}

// A SectionIterator decodes a segment's section headers one per call to Next.
type SectionIterator struct {
	seg  *Segment
	off  uint64
	left uint32
	done bool
}

// Next decodes the next section header. Each header is bounds checked on
// its own; the declared section count is not validated up front. It returns
// io.EOF after Nsect sections, and after the first error.
func (it *SectionIterator) Next() (*Section, error) {
	if it.done || it.left == 0 {
		return nil, io.EOF
	}
	s := it.seg
	size := s.ctx.SectionSize()
	layout := "Section32"
	if s.ctx.Is64() {
		layout = "Section64"
	}
	if remaining(s.dat, it.off) < size {
		it.done = true
		return nil, shortRead(it.off, s.Command(), layout)
	}
	r := bytes.NewReader(s.dat[it.off : it.off+size])
	bo := s.ctx.ByteOrder

	sh := &Section{HdrOffset: it.off, bo: bo, dat: s.dat}
	if s.ctx.Is64() {
		var sh64 types.Section64
		if err := binary.Read(r, bo, &sh64); err != nil {
			it.done = true
			return nil, &DecodeError{Offset: it.off, Cmd: s.Command(), Layout: layout, Err: err}
		}
		sh.name, sh.seg = sh64.Name, sh64.Seg
		sh.Addr = sh64.Addr
		sh.Size = sh64.Size
		sh.Offset = sh64.Offset
		sh.Align = sh64.Align
		sh.Reloff = sh64.Reloff
		sh.Nreloc = sh64.Nreloc
		sh.Flags = sh64.Flags
		sh.Reserved1 = sh64.Reserved1
		sh.Reserved2 = sh64.Reserved2
		sh.Reserved3 = sh64.Reserved3
		sh.Type = 64
	} else {
		var sh32 types.Section32
		if err := binary.Read(r, bo, &sh32); err != nil {
			it.done = true
			return nil, &DecodeError{Offset: it.off, Cmd: s.Command(), Layout: layout, Err: err}
		}
		sh.name, sh.seg = sh32.Name, sh32.Seg
		sh.Addr = uint64(sh32.Addr)
		sh.Size = uint64(sh32.Size)
		sh.Offset = sh32.Offset
		sh.Align = sh32.Align
		sh.Reloff = sh32.Reloff
		sh.Nreloc = sh32.Nreloc
		sh.Flags = sh32.Flags
		sh.Reserved1 = sh32.Reserved1
		sh.Reserved2 = sh32.Reserved2
		sh.Type = 32
	}
	sh.Name = cstring(sh.name[:])
	sh.Seg = cstring(sh.seg[:])

	if err := sh.attach(s.Command()); err != nil {
		it.done = true
		return nil, err
	}
	it.off += size
	it.left--
	return sh, nil
}

// attach points the section's reader at its file contents.
func (s *Section) attach(cmd types.LoadCmd) error {
	if s.Flags.Type().IsZerofill() {
		s.sr = io.NewSectionReader(bytes.NewReader(nil), 0, 0)
		s.ReaderAt = s.sr
		return nil
	}
	if uint64(s.Offset)+s.Size > uint64(len(s.dat)) || uint64(s.Offset)+s.Size < s.Size {
		return &MalformedError{
			Offset:    s.HdrOffset,
			Cmd:       cmd,
			Size:      s.Size,
			Available: remaining(s.dat, uint64(s.Offset)),
			Msg:       fmt.Sprintf("section %s.%s data exceeds buffer", s.Seg, s.Name),
		}
	}
	s.sr = io.NewSectionReader(bytes.NewReader(s.dat), int64(s.Offset), int64(s.Size))
	s.ReaderAt = s.sr
	return nil
}

func (s *Section) String() string {
	return fmt.Sprintf("sz=0x%08x off=0x%08x-0x%08x addr=0x%09x-0x%09x\t\t%s.%s",
		s.Size, s.Offset, uint64(s.Offset)+s.Size, s.Addr, s.Addr+s.Size, s.Seg, s.Name)
}

// Data reads and returns the contents of the Mach-O section.
func (s *Section) Data() ([]byte, error) {
	dat := make([]byte, s.sr.Size())
	n, err := s.ReadAt(dat, 0)
	if n == len(dat) {
		err = nil
	}
	return dat[0:n], err
}

// Open returns a new ReadSeeker reading the Mach-O section.
func (s *Section) Open() io.ReadSeeker { return io.NewSectionReader(s.sr, 0, 1<<63-1) }

// Relocations returns an iterator over the section's relocation entries.
func (s *Section) Relocations() *RelocIterator {
	return NewRelocIterator(s.dat, uint64(s.Reloff), s.Nreloc, s.bo)
}

// Section32 narrows the section back to its 32-bit layout.
func (s *Section) Section32() (*types.Section32, error) {
	if s.Addr > math.MaxUint32 || s.Size > math.MaxUint32 {
		return nil, errors.Errorf("section %s.%s does not fit in 32 bits", s.Seg, s.Name)
	}
	return &types.Section32{
		Name:      s.name,
		Seg:       s.seg,
		Addr:      uint32(s.Addr),
		Size:      uint32(s.Size),
		Offset:    s.Offset,
		Align:     s.Align,
		Reloff:    s.Reloff,
		Nreloc:    s.Nreloc,
		Flags:     s.Flags,
		Reserved1: s.Reserved1,
		Reserved2: s.Reserved2,
	}, nil
}

// Section64 returns the section in its 64-bit layout.
func (s *Section) Section64() *types.Section64 {
	return &types.Section64{
		Name:      s.name,
		Seg:       s.seg,
		Addr:      s.Addr,
		Size:      s.Size,
		Offset:    s.Offset,
		Align:     s.Align,
		Reloff:    s.Reloff,
		Nreloc:    s.Nreloc,
		Flags:     s.Flags,
		Reserved1: s.Reserved1,
		Reserved2: s.Reserved2,
		Reserved3: s.Reserved3,
	}
}

func (s *Section) Put32(b []byte, o binary.ByteOrder) int {
	copy(b[0:16], s.name[:])
	copy(b[16:32], s.seg[:])
	o.PutUint32(b[8*4:], uint32(s.Addr))
	o.PutUint32(b[9*4:], uint32(s.Size))
	o.PutUint32(b[10*4:], s.Offset)
	o.PutUint32(b[11*4:], s.Align)
	o.PutUint32(b[12*4:], s.Reloff)
	o.PutUint32(b[13*4:], s.Nreloc)
	o.PutUint32(b[14*4:], uint32(s.Flags))
	o.PutUint32(b[15*4:], s.Reserved1)
	o.PutUint32(b[16*4:], s.Reserved2)
	return 17 * 4
}

func (s *Section) Put64(b []byte, o binary.ByteOrder) int {
	copy(b[0:16], s.name[:])
	copy(b[16:32], s.seg[:])
	o.PutUint64(b[8*4+0*8:], s.Addr)
	o.PutUint64(b[8*4+1*8:], s.Size)
	o.PutUint32(b[8*4+2*8:], s.Offset)
	o.PutUint32(b[9*4+2*8:], s.Align)
	o.PutUint32(b[10*4+2*8:], s.Reloff)
	o.PutUint32(b[11*4+2*8:], s.Nreloc)
	o.PutUint32(b[12*4+2*8:], uint32(s.Flags))
	o.PutUint32(b[13*4+2*8:], s.Reserved1)
	o.PutUint32(b[14*4+2*8:], s.Reserved2)
	o.PutUint32(b[15*4+2*8:], s.Reserved3)
	return 16*4 + 2*8
}
