package macho

import (
	"encoding/binary"
	"io"

	"github.com/willglynn/goblin/macho/types"
)

// A BuildToolIterator decodes the build_tool_version entries that trail an
// LC_BUILD_VERSION command, one per call to Next.
type BuildToolIterator struct {
	rec  []byte
	bo   binary.ByteOrder
	off  uint64
	left uint32
}

// BuildTools returns an iterator over the tool entries of an LC_BUILD_VERSION
// command decoded from dat. The NumTools entries must fit inside the command.
func (l *LoadCommand) BuildTools(dat []byte, bo binary.ByteOrder) (*BuildToolIterator, error) {
	bv, ok := l.Cmd.(*types.BuildVersionCmd)
	if !ok {
		return nil, &FormatError{int64(l.Offset), "not a build version command", l.Command()}
	}
	rec, err := l.record(dat)
	if err != nil {
		return nil, err
	}
	need := types.BuildVersionCmdSize + uint64(bv.NumTools)*types.BuildToolVersionSize
	if need > uint64(len(rec)) {
		return nil, &MalformedError{
			Offset:    l.Offset,
			Cmd:       l.Command(),
			Size:      need,
			Available: uint64(len(rec)),
			Msg:       "build tool entries exceed command size",
		}
	}
	return &BuildToolIterator{rec: rec, bo: bo, off: types.BuildVersionCmdSize, left: bv.NumTools}, nil
}

// Next returns the next tool entry, or io.EOF after NumTools entries.
func (it *BuildToolIterator) Next() (types.BuildToolVersion, error) {
	if it.left == 0 {
		return types.BuildToolVersion{}, io.EOF
	}
	b := it.rec[it.off : it.off+types.BuildToolVersionSize]
	it.off += types.BuildToolVersionSize
	it.left--
	return types.BuildToolVersion{
		Tool:    types.Tool(it.bo.Uint32(b[0:4])),
		Version: types.Version(it.bo.Uint32(b[4:8])),
	}, nil
}

// Tools drains the iterator.
func (it *BuildToolIterator) Tools() []types.BuildToolVersion {
	var tools []types.BuildToolVersion
	for {
		t, err := it.Next()
		if err != nil {
			return tools
		}
		tools = append(tools, t)
	}
}
