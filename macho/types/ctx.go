package types

import (
	"encoding/binary"
	"fmt"
)

// A Container is the pointer width of a Mach-O image.
type Container uint8

const (
	Container32 Container = 4
	Container64 Container = 8
)

func (c Container) String() string {
	switch c {
	case Container32:
		return "32-bit"
	case Container64:
		return "64-bit"
	}
	return fmt.Sprintf("Container(%d)", uint8(c))
}

// A Ctx is the addressing context every multi-byte field is read under.
type Ctx struct {
	Container Container
	ByteOrder binary.ByteOrder
}

// Is64 reports whether c addresses a 64-bit image. It panics if c has
// neither width, which is a caller bug rather than a property of the input.
func (c Ctx) Is64() bool {
	switch c.Container {
	case Container32:
		return false
	case Container64:
		return true
	}
	panic(fmt.Sprintf("macho: invalid addressing context %s", c.Container))
}

// SegmentSize is the size of the segment header for c's width.
func (c Ctx) SegmentSize() uint64 {
	if c.Is64() {
		return Segment64Size
	}
	return Segment32Size
}

// SectionSize is the size of a section header for c's width.
func (c Ctx) SectionSize() uint64 {
	if c.Is64() {
		return Section64Size
	}
	return Section32Size
}

func (c Ctx) String() string {
	return fmt.Sprintf("%s %s", c.Container, c.ByteOrder)
}
