package macho

import (
	"fmt"
	"io"

	"github.com/willglynn/goblin/macho/types"
)

// FormatError is returned by some operations if the data does
// not have the correct format for an object file.
type FormatError struct {
	off int64
	msg string
	val interface{}
}

func (e *FormatError) Error() string {
	msg := e.msg
	if e.val != nil {
		msg += fmt.Sprintf(" '%v'", e.val)
	}
	msg += fmt.Sprintf(" in record at byte %#x", e.off)
	return msg
}

// A MalformedError reports a record whose declared size, or a byte range
// computed from its fields, does not fit the buffer it was read from.
type MalformedError struct {
	Offset    uint64        // where the offending record begins
	Cmd       types.LoadCmd // discriminant of the offending record
	Size      uint64        // declared size, or the length of the computed range
	Available uint64        // bytes actually available for it
	Msg       string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed %s at %#x: %s (size %#x, available %#x)",
		e.Cmd, e.Offset, e.Msg, e.Size, e.Available)
}

// A DecodeError reports a fixed-size layout that ran past the end of its input.
type DecodeError struct {
	Offset uint64
	Cmd    types.LoadCmd
	Layout string // name of the layout being read, e.g. "Section64"
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s for %s at %#x: %v", e.Layout, e.Cmd, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func shortRead(off uint64, cmd types.LoadCmd, layout string) *DecodeError {
	return &DecodeError{Offset: off, Cmd: cmd, Layout: layout, Err: io.ErrUnexpectedEOF}
}
