package macho

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/willglynn/goblin/macho/types"
)

// A Command is a decoded Mach-O load command. Every layout in the types
// package satisfies it through its embedded types.LoadCmdHeader.
type Command interface {
	Command() types.LoadCmd
	CommandSize() uint32
}

// commandLayouts maps every known discriminant to the layout its record is
// decoded into. Anything missing decodes to *types.UnimplementedCmd.
var commandLayouts = map[types.LoadCmd]func() Command{
	types.LC_SEGMENT:                  func() Command { return new(types.Segment32) },
	types.LC_SYMTAB:                   func() Command { return new(types.SymtabCmd) },
	types.LC_SYMSEG:                   func() Command { return new(types.SymsegCmd) },
	types.LC_THREAD:                   func() Command { return new(types.ThreadCmd) },
	types.LC_UNIXTHREAD:               func() Command { return new(types.UnixThreadCmd) },
	types.LC_LOADFVMLIB:               func() Command { return new(types.LoadFvmLibCmd) },
	types.LC_IDFVMLIB:                 func() Command { return new(types.IDFvmLibCmd) },
	types.LC_IDENT:                    func() Command { return new(types.IdentCmd) },
	types.LC_FVMFILE:                  func() Command { return new(types.FvmFileCmd) },
	types.LC_PREPAGE:                  func() Command { return new(types.PrePageCmd) },
	types.LC_DYSYMTAB:                 func() Command { return new(types.DysymtabCmd) },
	types.LC_LOAD_DYLIB:               func() Command { return new(types.DylibCmd) },
	types.LC_ID_DYLIB:                 func() Command { return new(types.DylibID) },
	types.LC_LOAD_DYLINKER:            func() Command { return new(types.DylinkerCmd) },
	types.LC_ID_DYLINKER:              func() Command { return new(types.DylinkerIDCmd) },
	types.LC_PREBOUND_DYLIB:           func() Command { return new(types.PreboundDylibCmd) },
	types.LC_ROUTINES:                 func() Command { return new(types.RoutinesCmd) },
	types.LC_SUB_FRAMEWORK:            func() Command { return new(types.SubFrameworkCmd) },
	types.LC_SUB_UMBRELLA:             func() Command { return new(types.SubUmbrellaCmd) },
	types.LC_SUB_CLIENT:               func() Command { return new(types.SubClientCmd) },
	types.LC_SUB_LIBRARY:              func() Command { return new(types.SubLibraryCmd) },
	types.LC_TWOLEVEL_HINTS:           func() Command { return new(types.TwolevelHintsCmd) },
	types.LC_PREBIND_CKSUM:            func() Command { return new(types.PrebindCksumCmd) },
	types.LC_LOAD_WEAK_DYLIB:          func() Command { return new(types.WeakDylibCmd) },
	types.LC_SEGMENT_64:               func() Command { return new(types.Segment64) },
	types.LC_ROUTINES_64:              func() Command { return new(types.Routines64Cmd) },
	types.LC_UUID:                     func() Command { return new(types.UUIDCmd) },
	types.LC_RPATH:                    func() Command { return new(types.RpathCmd) },
	types.LC_CODE_SIGNATURE:           func() Command { return new(types.CodeSignatureCmd) },
	types.LC_SEGMENT_SPLIT_INFO:       func() Command { return new(types.SegmentSplitInfoCmd) },
	types.LC_REEXPORT_DYLIB:           func() Command { return new(types.ReExportDylibCmd) },
	types.LC_LAZY_LOAD_DYLIB:          func() Command { return new(types.LazyLoadDylibCmd) },
	types.LC_ENCRYPTION_INFO:          func() Command { return new(types.EncryptionInfoCmd) },
	types.LC_DYLD_INFO:                func() Command { return new(types.DyldInfoCmd) },
	types.LC_DYLD_INFO_ONLY:           func() Command { return new(types.DyldInfoOnlyCmd) },
	types.LC_LOAD_UPWARD_DYLIB:        func() Command { return new(types.UpwardDylibCmd) },
	types.LC_VERSION_MIN_MACOSX:       func() Command { return new(types.VersionMinMacOSCmd) },
	types.LC_VERSION_MIN_IPHONEOS:     func() Command { return new(types.VersionMinIPhoneOSCmd) },
	types.LC_FUNCTION_STARTS:          func() Command { return new(types.FunctionStartsCmd) },
	types.LC_DYLD_ENVIRONMENT:         func() Command { return new(types.DyldEnvironmentCmd) },
	types.LC_MAIN:                     func() Command { return new(types.EntryPointCmd) },
	types.LC_DATA_IN_CODE:             func() Command { return new(types.DataInCodeCmd) },
	types.LC_SOURCE_VERSION:           func() Command { return new(types.SourceVersionCmd) },
	types.LC_DYLIB_CODE_SIGN_DRS:      func() Command { return new(types.DylibCodeSignDrsCmd) },
	types.LC_ENCRYPTION_INFO_64:       func() Command { return new(types.EncryptionInfo64Cmd) },
	types.LC_LINKER_OPTION:            func() Command { return new(types.LinkerOptionCmd) },
	types.LC_LINKER_OPTIMIZATION_HINT: func() Command { return new(types.LinkerOptimizationHintCmd) },
	types.LC_VERSION_MIN_TVOS:         func() Command { return new(types.VersionMinTvOSCmd) },
	types.LC_VERSION_MIN_WATCHOS:      func() Command { return new(types.VersionMinWatchOSCmd) },
	types.LC_NOTE:                     func() Command { return new(types.NoteCmd) },
	types.LC_BUILD_VERSION:            func() Command { return new(types.BuildVersionCmd) },
	types.LC_DYLD_EXPORTS_TRIE:        func() Command { return new(types.DyldExportsTrieCmd) },
	types.LC_DYLD_CHAINED_FIXUPS:      func() Command { return new(types.DyldChainedFixupsCmd) },
	types.LC_FILESET_ENTRY:            func() Command { return new(types.FilesetEntryCmd) },
}

// Implemented reports whether cmd decodes to a concrete layout rather than
// *types.UnimplementedCmd.
func Implemented(cmd types.LoadCmd) bool {
	_, ok := commandLayouts[cmd]
	return ok
}

func layoutName(c Command) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", c), "*types.")
}

// A LoadCommand is a decoded load command and the offset its record starts at.
type LoadCommand struct {
	Offset uint64
	Cmd    Command
}

func (l *LoadCommand) Command() types.LoadCmd { return l.Cmd.Command() }
func (l *LoadCommand) CommandSize() uint32    { return l.Cmd.CommandSize() }

// End returns the offset of the first byte after the record.
func (l *LoadCommand) End() uint64 { return l.Offset + uint64(l.Cmd.CommandSize()) }

func (l *LoadCommand) String() string {
	return fmt.Sprintf("%s off=%#08x sz=%#x", l.Cmd.Command(), l.Offset, l.Cmd.CommandSize())
}

func (l *LoadCommand) record(dat []byte) ([]byte, error) {
	if l.End() > uint64(len(dat)) || l.End() < l.Offset {
		return nil, &MalformedError{
			Offset:    l.Offset,
			Cmd:       l.Command(),
			Size:      uint64(l.CommandSize()),
			Available: remaining(dat, l.Offset),
			Msg:       "command does not fit the buffer it was decoded from",
		}
	}
	return dat[l.Offset:l.End()], nil
}

// Bytes returns a copy of the record's bytes, header included.
func (l *LoadCommand) Bytes(dat []byte) ([]byte, error) {
	rec, err := l.record(dat)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), rec...), nil
}

// LcStr resolves an lc_str field of the command against the buffer it was
// decoded from. The string must start and end inside the record.
func (l *LoadCommand) LcStr(dat []byte, s types.LcStr) (string, error) {
	rec, err := l.record(dat)
	if err != nil {
		return "", err
	}
	if uint64(s) < types.LoadCmdHeaderSize || uint64(s) >= uint64(len(rec)) {
		return "", &MalformedError{
			Offset:    l.Offset,
			Cmd:       l.Command(),
			Size:      uint64(s),
			Available: uint64(len(rec)),
			Msg:       "lc_str offset outside its command",
		}
	}
	return cstring(rec[s:]), nil
}

// Name returns the path or identifier string carried by commands that
// have one (dylibs, dylinkers, rpaths, umbrella clients, fileset entries).
// ok is false for every other kind.
func (l *LoadCommand) Name(dat []byte) (name string, ok bool, err error) {
	var s types.LcStr
	switch c := l.Cmd.(type) {
	case *types.DylibCmd:
		s = c.Name
	case *types.DylibID:
		s = c.Name
	case *types.WeakDylibCmd:
		s = c.Name
	case *types.ReExportDylibCmd:
		s = c.Name
	case *types.LazyLoadDylibCmd:
		s = c.Name
	case *types.UpwardDylibCmd:
		s = c.Name
	case *types.DylinkerCmd:
		s = c.Name
	case *types.DylinkerIDCmd:
		s = c.Name
	case *types.DyldEnvironmentCmd:
		s = c.Name
	case *types.LoadFvmLibCmd:
		s = c.Name
	case *types.IDFvmLibCmd:
		s = c.Name
	case *types.FvmFileCmd:
		s = c.Name
	case *types.PreboundDylibCmd:
		s = c.Name
	case *types.RpathCmd:
		s = c.Path
	case *types.SubFrameworkCmd:
		s = c.Framework
	case *types.SubUmbrellaCmd:
		s = c.Umbrella
	case *types.SubClientCmd:
		s = c.Client
	case *types.SubLibraryCmd:
		s = c.Library
	case *types.FilesetEntryCmd:
		s = c.EntryID
	default:
		return "", false, nil
	}
	name, err = l.LcStr(dat, s)
	return name, true, err
}

func remaining(dat []byte, off uint64) uint64 {
	if off >= uint64(len(dat)) {
		return 0
	}
	return uint64(len(dat)) - off
}

// ParseLoadCommand decodes the load command that starts at offset in dat,
// reading every field with bo. It returns the command and the number of
// bytes it occupies, which is always its declared size.
//
// A declared size that runs past the end of dat is a *MalformedError; an
// unknown discriminant is not an error and yields *types.UnimplementedCmd.
func ParseLoadCommand(dat []byte, offset uint64, bo binary.ByteOrder) (*LoadCommand, uint32, error) {
	left := remaining(dat, offset)
	if left < types.LoadCmdHeaderSize {
		return nil, 0, shortRead(offset, 0, "LoadCmdHeader")
	}
	rest := dat[offset:]
	cmd, siz := types.LoadCmd(bo.Uint32(rest[0:4])), bo.Uint32(rest[4:8])

	if siz < types.LoadCmdHeaderSize {
		return nil, 0, &MalformedError{
			Offset:    offset,
			Cmd:       cmd,
			Size:      uint64(siz),
			Available: left - types.LoadCmdHeaderSize,
			Msg:       "command size smaller than its header",
		}
	}
	if uint64(siz) > left {
		return nil, 0, &MalformedError{
			Offset:    offset,
			Cmd:       cmd,
			Size:      uint64(siz),
			Available: left - types.LoadCmdHeaderSize,
			Msg:       "command size exceeds remaining buffer",
		}
	}
	cmddat := rest[:siz]

	newLayout, ok := commandLayouts[cmd]
	if !ok {
		log.WithFields(log.Fields{
			"cmd":    cmd,
			"offset": fmt.Sprintf("%#x", offset),
			"size":   siz,
		}).Debug("skipping unimplemented load command")
		return &LoadCommand{
			Offset: offset,
			Cmd:    &types.UnimplementedCmd{LoadCmdHeader: types.LoadCmdHeader{LoadCmd: cmd, Len: siz}},
		}, siz, nil
	}

	c := newLayout()
	if sz := binary.Size(c); sz < 0 || uint64(sz) > uint64(siz) {
		return nil, 0, &MalformedError{
			Offset:    offset,
			Cmd:       cmd,
			Size:      uint64(siz),
			Available: uint64(siz),
			Msg:       fmt.Sprintf("command size smaller than %s (%d bytes)", layoutName(c), sz),
		}
	}
	if err := binary.Read(bytes.NewReader(cmddat), bo, c); err != nil {
		return nil, 0, &DecodeError{Offset: offset, Cmd: cmd, Layout: layoutName(c), Err: err}
	}
	return &LoadCommand{Offset: offset, Cmd: c}, siz, nil
}

// PutLoadCommand re-encodes cmd into dst, which must be exactly
// cmd.CommandSize() bytes. Bytes past the fixed layout are zeroed; callers
// that need the original trailing payload copy it in afterwards.
func PutLoadCommand(dst []byte, cmd Command, o binary.ByteOrder) (int, error) {
	if uint64(len(dst)) != uint64(cmd.CommandSize()) {
		return 0, errors.Errorf("%s needs a %d byte destination, got %d", cmd.Command(), cmd.CommandSize(), len(dst))
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, o, cmd); err != nil {
		return 0, errors.Wrapf(err, "failed to encode %s", cmd.Command())
	}
	if buf.Len() > len(dst) {
		return 0, errors.Errorf("%s layout is %d bytes but its declared size is %d", cmd.Command(), buf.Len(), len(dst))
	}
	n := copy(dst, buf.Bytes())
	clear(dst[n:])
	return len(dst), nil
}

// A CommandReader walks a load command table one record at a time.
type CommandReader struct {
	dat  []byte
	bo   binary.ByteOrder
	off  uint64
	left uint32
	done bool
}

// NewCommandReader returns a reader over the ncmds load commands that
// start at offset in dat.
func NewCommandReader(dat []byte, offset uint64, ncmds uint32, bo binary.ByteOrder) *CommandReader {
	return &CommandReader{dat: dat, bo: bo, off: offset, left: ncmds}
}

// Next decodes the command at the cursor and advances past it by the size
// the command reports for itself. It returns io.EOF once ncmds commands have
// been read. After an error the reader stays at the failing offset and every
// later call returns io.EOF.
func (r *CommandReader) Next() (*LoadCommand, error) {
	if r.done || r.left == 0 {
		return nil, io.EOF
	}
	lc, _, err := ParseLoadCommand(r.dat, r.off, r.bo)
	if err != nil {
		r.done = true
		return nil, err
	}
	r.left--
	r.off += uint64(lc.Cmd.CommandSize())
	return lc, nil
}

// Offset returns the cursor: where the next command starts, or where
// the failing one did.
func (r *CommandReader) Offset() uint64 { return r.off }

// Remaining returns how many commands are left to read.
func (r *CommandReader) Remaining() uint32 { return r.left }

// ParseLoadCommands decodes ncmds consecutive load commands starting at
// offset. On failure it returns the commands decoded before the bad one
// alongside the error; the returned offset is the cursor in either case.
func ParseLoadCommands(dat []byte, offset uint64, ncmds uint32, bo binary.ByteOrder) ([]LoadCommand, uint64, error) {
	// every command is at least a header, so a huge ncmds cannot force a huge allocation
	capacity := uint64(ncmds)
	if limit := remaining(dat, offset) / types.LoadCmdHeaderSize; capacity > limit {
		capacity = limit
	}
	loads := make([]LoadCommand, 0, capacity)

	r := NewCommandReader(dat, offset, ncmds, bo)
	for {
		lc, err := r.Next()
		if err == io.EOF {
			return loads, r.Offset(), nil
		}
		if err != nil {
			return loads, r.Offset(), err
		}
		loads = append(loads, *lc)
	}
}

func cstring(b []byte) string {
	i := bytes.IndexByte(b, 0)
	if i == -1 {
		i = len(b)
	}
	return string(b[0:i])
}
