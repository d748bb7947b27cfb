package macho

import (
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/willglynn/goblin/macho/types"
)

func buildVersion(ntools uint32, size uint32) types.BuildVersionCmd {
	return types.BuildVersionCmd{
		LoadCmdHeader: hdr(types.LC_BUILD_VERSION, size),
		Platform:      types.PlatformMacOS,
		Minos:         0x000e0000, // 14.0.0
		Sdk:           0x000e0200, // 14.2.0
		NumTools:      ntools,
	}
}

func TestBuildTools(t *testing.T) {
	want := []types.BuildToolVersion{
		{Tool: types.ToolClang, Version: 0x05e70100},
		{Tool: types.ToolLD, Version: 0x03fa0000},
	}
	for _, bo := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		t.Run(bo.String(), func(t *testing.T) {
			dat := encode(t, bo, buildVersion(2, types.BuildVersionCmdSize+2*types.BuildToolVersionSize), want)
			lc := parseOne(t, dat, bo)

			it, err := lc.BuildTools(dat, bo)
			if err != nil {
				t.Fatalf("BuildTools() error = %v", err)
			}
			if diff := cmp.Diff(want, it.Tools()); diff != "" {
				t.Errorf("Tools() mismatch (-want +got):\n%s", diff)
			}
			if _, err := it.Next(); err != io.EOF {
				t.Errorf("Next() past NumTools = %v, want io.EOF", err)
			}
			if got := want[0].String(); got != "clang 1511.1.0" {
				t.Errorf("String() = %q", got)
			}
		})
	}
}

func TestBuildToolsErrors(t *testing.T) {
	bo := binary.LittleEndian

	// NumTools claims three entries but the command only has room for one
	dat := encode(t, bo, buildVersion(3, types.BuildVersionCmdSize+types.BuildToolVersionSize),
		types.BuildToolVersion{Tool: types.ToolSwift, Version: 0x05090000})
	lc := parseOne(t, dat, bo)
	_, err := lc.BuildTools(dat, bo)
	var merr *MalformedError
	if !errors.As(err, &merr) {
		t.Fatalf("BuildTools() error = %v, want *MalformedError", err)
	}
	if merr.Size != types.BuildVersionCmdSize+3*types.BuildToolVersionSize || merr.Available != types.BuildVersionCmdSize+types.BuildToolVersionSize {
		t.Errorf("error = %+v", *merr)
	}

	// a huge NumTools must not wrap the size check
	dat = encode(t, bo, buildVersion(1<<31, types.BuildVersionCmdSize))
	if _, err := parseOne(t, dat, bo).BuildTools(dat, bo); !errors.As(err, &merr) {
		t.Errorf("BuildTools() with NumTools 2^31 error = %v, want *MalformedError", err)
	}

	dat = encode(t, bo, symtab())
	if _, err := parseOne(t, dat, bo).BuildTools(dat, bo); err == nil {
		t.Error("BuildTools() on LC_SYMTAB succeeded")
	}
}
