package macho

// High level access to low level data structures.

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/go-dwarf"
	"github.com/pkg/errors"

	"github.com/willglynn/goblin/macho/types"
)

// A File is a Mach-O image held in memory together with its decoded load
// commands and widened segments.
type File struct {
	types.FileHeader
	types.Ctx

	Loads    []LoadCommand
	Segments Segments

	all []LoadCommand
	dat []byte
}

// FileConfig is a MachO file config object
type FileConfig struct {
	// LoadFilter, when set, limits which load commands are kept in
	// File.Loads. Every command is still decoded so the walk stays in step,
	// and FindLoadCommand and the helpers built on it see all of them.
	LoadFilter []types.LoadCmd
}

// ParseFileHeader reads the Mach-O header at the start of dat and returns
// it together with the addressing context its magic implies.
func ParseFileHeader(dat []byte) (*types.FileHeader, types.Ctx, error) {
	var ctx types.Ctx
	if len(dat) < 4 {
		return nil, ctx, &FormatError{0, "file too small for magic", len(dat)}
	}

	// Magic32 and Magic64 differ only in the bottom bit.
	be := binary.BigEndian.Uint32(dat[0:])
	le := binary.LittleEndian.Uint32(dat[0:])
	var magic types.Magic
	switch types.Magic32.Int() &^ 1 {
	case be &^ 1:
		ctx.ByteOrder = binary.BigEndian
		magic = types.Magic(be)
	case le &^ 1:
		ctx.ByteOrder = binary.LittleEndian
		magic = types.Magic(le)
	default:
		if be == types.MagicFat.Int() {
			return nil, ctx, &FormatError{0, "fat (universal) files are not supported", types.MagicFat}
		}
		return nil, ctx, &FormatError{0, "invalid magic number", fmt.Sprintf("%#x", be)}
	}

	hsize := types.FileHeaderSize32
	ctx.Container = types.Container32
	if magic == types.Magic64 {
		hsize = types.FileHeaderSize64
		ctx.Container = types.Container64
	}
	if len(dat) < hsize {
		return nil, ctx, &FormatError{0, "file too small for header", len(dat)}
	}

	// FileHeader carries the 64-bit reserved word; a 32-bit header has none.
	var raw [types.FileHeaderSize64]byte
	copy(raw[:], dat[:hsize])

	var hdr types.FileHeader
	if err := binary.Read(bytes.NewReader(raw[:]), ctx.ByteOrder, &hdr); err != nil {
		return nil, ctx, errors.Wrap(err, "failed to read header")
	}
	return &hdr, ctx, nil
}

// Open reads the named file into memory and prepares it for use as a Mach-O binary.
func Open(name string, config ...FileConfig) (*File, error) {
	dat, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	return NewFile(dat, config...)
}

// NewFile decodes the header, load commands and segments of the Mach-O image
// in dat. dat is borrowed and must not be modified while the File is in use.
//
// When the command table is malformed NewFile returns the File decoded up to
// the bad command together with the error, so callers can still report what
// was read.
func NewFile(dat []byte, config ...FileConfig) (*File, error) {
	hdr, ctx, err := ParseFileHeader(dat)
	if err != nil {
		return nil, err
	}
	f := &File{FileHeader: *hdr, Ctx: ctx, dat: dat}

	var loadsFilter []types.LoadCmd
	if len(config) > 0 {
		loadsFilter = config[0].LoadFilter
	}

	off := uint64(types.FileHeaderSize32)
	if ctx.Is64() {
		off = types.FileHeaderSize64
	}
	log.WithFields(log.Fields{
		"ctx":   ctx,
		"ncmds": hdr.NCommands,
		"size":  hdr.SizeCommands,
	}).Debug("parsing load commands")

	loads, end, err := ParseLoadCommands(dat, off, hdr.NCommands, ctx.ByteOrder)
	f.all = loads
	for _, l := range loads {
		if len(loadsFilter) > 0 && !slices.Contains(loadsFilter, l.Command()) {
			continue
		}
		f.Loads = append(f.Loads, l)
	}
	if err != nil {
		return f, errors.Wrapf(err, "failed to parse load commands (stopped at %#x)", end)
	}
	if got := end - off; got != uint64(hdr.SizeCommands) {
		log.WithFields(log.Fields{
			"sizeofcmds": hdr.SizeCommands,
			"walked":     got,
		}).Warn("load command size does not match header")
	}

	f.Segments, err = ParseSegments(dat, loads, ctx.ByteOrder)
	if err != nil {
		return f, errors.Wrap(err, "failed to parse segments")
	}
	return f, nil
}

// Data returns a copy of the image the File was decoded from.
func (f *File) Data() []byte { return bytes.Clone(f.dat) }

// Segment returns the first Segment with the given name, or nil if no such segment exists.
func (f *File) Segment(name string) *Segment { return f.Segments.Segment(name) }

// Section returns the first section with the given segment and section name, or nil.
func (f *File) Section(seg, sect string) (*Section, error) { return f.Segments.Section(seg, sect) }

// FindLoadCommand returns the first decoded load command of kind cmd,
// whether or not FileConfig.LoadFilter retained it in Loads.
func (f *File) FindLoadCommand(cmd types.LoadCmd) *LoadCommand {
	for i := range f.all {
		if f.all[i].Command() == cmd {
			return &f.all[i]
		}
	}
	return nil
}

// UUID returns the image's LC_UUID, if it has one.
func (f *File) UUID() (types.UUID, bool) {
	if lc := f.FindLoadCommand(types.LC_UUID); lc != nil {
		return lc.Cmd.(*types.UUIDCmd).UUID, true
	}
	return types.UUID{}, false
}

// ThreadRegisters decodes the register state of the image's first
// LC_UNIXTHREAD, falling back to LC_THREAD.
func (f *File) ThreadRegisters() (Regs, error) {
	lc := f.FindLoadCommand(types.LC_UNIXTHREAD)
	if lc == nil {
		lc = f.FindLoadCommand(types.LC_THREAD)
	}
	if lc == nil {
		return nil, errors.New("no thread command")
	}
	return ThreadRegisters(f.dat, lc, f.CPU, f.ByteOrder)
}

// EntryPoint returns the image's entry point. With LC_MAIN it is a file
// offset from the start of __TEXT; with a thread command it is the initial
// program counter, a virtual address. isVMAddr says which.
func (f *File) EntryPoint() (addr uint64, isVMAddr bool, err error) {
	if lc := f.FindLoadCommand(types.LC_MAIN); lc != nil {
		return lc.Cmd.(*types.EntryPointCmd).Offset, false, nil
	}
	regs, err := f.ThreadRegisters()
	if err != nil {
		return 0, false, errors.Wrap(err, "failed to find entry point")
	}
	return regs.PC(), true, nil
}

// DWARF returns the DWARF debug information for the Mach-O file.
func (f *File) DWARF() (*dwarf.Data, error) {
	dwarfSuffix := func(s *Section) string {
		switch {
		case strings.HasPrefix(s.Name, "__debug_"):
			return s.Name[8:]
		case strings.HasPrefix(s.Name, "__zdebug_"):
			return s.Name[9:]
		case strings.HasPrefix(s.Name, "__apple_"):
			return s.Name[8:]
		default:
			return ""
		}
	}
	sectionData := func(s *Section) ([]byte, error) {
		b, err := s.Data()
		if err != nil && uint64(len(b)) < s.Size {
			return nil, err
		}
		if len(b) >= 12 && string(b[:4]) == "ZLIB" {
			dlen := binary.BigEndian.Uint64(b[4:12])
			if dlen > 1<<32 {
				return nil, errors.Errorf("section %s: compressed length %#x is implausible", s.Name, dlen)
			}
			r, err := zlib.NewReader(bytes.NewReader(b[12:]))
			if err != nil {
				return nil, errors.Wrapf(err, "section %s", s.Name)
			}
			// the buffer grows with the stream; dlen only caps it
			var dbuf bytes.Buffer
			if _, err := io.Copy(&dbuf, io.LimitReader(r, int64(dlen))); err != nil {
				return nil, errors.Wrapf(err, "section %s", s.Name)
			}
			if uint64(dbuf.Len()) != dlen {
				return nil, errors.Errorf("section %s: decompressed %d bytes, header says %d", s.Name, dbuf.Len(), dlen)
			}
			if err := r.Close(); err != nil {
				return nil, errors.Wrapf(err, "section %s", s.Name)
			}
			b = dbuf.Bytes()
		}
		return b, nil
	}

	sections, err := f.Segments.AllSections()
	if err != nil {
		return nil, err
	}

	// There are many other DWARF sections, but these
	// are the ones the dwarf package uses.
	// Don't bother loading others.
	var dat = map[string][]byte{"abbrev": nil, "info": nil, "str": nil, "line": nil, "ranges": nil}
	found := false
	for _, s := range sections {
		suffix := dwarfSuffix(s)
		if _, ok := dat[suffix]; !ok {
			continue
		}
		b, err := sectionData(s)
		if err != nil {
			return nil, err
		}
		dat[suffix] = b
		found = true
	}
	if !found {
		return nil, errors.New("no DWARF sections")
	}

	d, err := dwarf.New(dat["abbrev"], nil, nil, dat["info"], dat["line"], nil, dat["ranges"], dat["str"])
	if err != nil {
		return nil, errors.Wrap(err, "failed to load DWARF")
	}

	// Look for DWARF4 .debug_types sections.
	for i, s := range sections {
		if dwarfSuffix(s) != "types" {
			continue
		}
		b, err := sectionData(s)
		if err != nil {
			return nil, err
		}
		if err := d.AddTypes(fmt.Sprintf("types-%d", i), b); err != nil {
			return nil, errors.Wrap(err, "failed to add DWARF types")
		}
	}

	return d, nil
}
