// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package macho decodes Mach-O load commands, segments, sections and
// relocations from an in-memory image without copying it.
//
// Everything returned by this package that refers back into the image
// (LoadCommand, Segment, Section and the iterators) borrows the caller's
// buffer. None of them write to it and none of them hand out slices that
// alias it; the caller must not modify the buffer while they are in use.
package macho

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/willglynn/goblin/macho/types"
)

// Regs is a general purpose register set read from a thread command.
type Regs interface {
	PC() uint64
	String(padding int) string
}

// Regs386 is the Mach-O 386 register structure.
type Regs386 struct {
	AX    uint32
	BX    uint32
	CX    uint32
	DX    uint32
	DI    uint32
	SI    uint32
	BP    uint32
	SP    uint32
	SS    uint32
	FLAGS uint32
	IP    uint32
	CS    uint32
	DS    uint32
	ES    uint32
	FS    uint32
	GS    uint32
}

func (r *Regs386) PC() uint64 { return uint64(r.IP) }

func (r *Regs386) String(padding int) string {
	p := strings.Repeat(" ", padding)
	return fmt.Sprintf(
		"%seax 0x%08x ebx    0x%08x ecx 0x%08x edx 0x%08x\n"+
			"%sedi 0x%08x esi    0x%08x ebp 0x%08x esp 0x%08x\n"+
			"%sss  0x%08x eflags 0x%08x eip 0x%08x cs  0x%08x\n"+
			"%sds  0x%08x es     0x%08x fs  0x%08x gs  0x%08x\n",
		p, r.AX, r.BX, r.CX, r.DX,
		p, r.DI, r.SI, r.BP, r.SP,
		p, r.SS, r.FLAGS, r.IP, r.CS,
		p, r.DS, r.ES, r.FS, r.GS)
}

// RegsAMD64 is the Mach-O AMD64 register structure.
type RegsAMD64 struct {
	AX    uint64
	BX    uint64
	CX    uint64
	DX    uint64
	DI    uint64
	SI    uint64
	BP    uint64
	SP    uint64
	R8    uint64
	R9    uint64
	R10   uint64
	R11   uint64
	R12   uint64
	R13   uint64
	R14   uint64
	R15   uint64
	IP    uint64
	FLAGS uint64
	CS    uint64
	FS    uint64
	GS    uint64
}

func (r *RegsAMD64) PC() uint64 { return r.IP }

func (r *RegsAMD64) String(padding int) string {
	p := strings.Repeat(" ", padding)
	return fmt.Sprintf(
		"%s   rax  %#016x rbx %#016x rcx  %#016x\n"+
			"%s   rdx  %#016x rdi %#016x rsi  %#016x\n"+
			"%s   rbp  %#016x rsp %#016x r8   %#016x\n"+
			"%s    r9  %#016x r10 %#016x r11  %#016x\n"+
			"%s   r12  %#016x r13 %#016x r14  %#016x\n"+
			"%s   r15  %#016x rip %#016x\n"+
			"%srflags  %#016x cs  %#016x fs   %#016x\n"+
			"%s    gs  %#016x\n",
		p, r.AX, r.BX, r.CX,
		p, r.DX, r.DI, r.SI,
		p, r.BP, r.SP, r.R8,
		p, r.R9, r.R10, r.R11,
		p, r.R12, r.R13, r.R14,
		p, r.R15, r.IP,
		p, r.FLAGS, r.CS, r.FS,
		p, r.GS)
}

// RegsARM is the Mach-O ARM register structure.
type RegsARM struct {
	R    [13]uint32
	SP   uint32
	LR   uint32
	Pc   uint32
	CPSR uint32
}

func (r *RegsARM) PC() uint64 { return uint64(r.Pc) }

func (r *RegsARM) String(padding int) string {
	p := strings.Repeat(" ", padding)
	return fmt.Sprintf(
		"%s r0  %#08x r1     %#08x r2  %#08x r3  %#08x\n"+
			"%s r4  %#08x r5     %#08x r6  %#08x r7  %#08x\n"+
			"%s r8  %#08x r9     %#08x r10 %#08x r11 %#08x\n"+
			"%s r12 %#08x sp     %#08x lr  %#08x pc  %#08x\n"+
			"%scpsr %#08x",
		p, r.R[0], r.R[1], r.R[2], r.R[3],
		p, r.R[4], r.R[5], r.R[6], r.R[7],
		p, r.R[8], r.R[9], r.R[10], r.R[11],
		p, r.R[12], r.SP, r.LR, r.Pc,
		p, r.CPSR)
}

// RegsARM64 is the Mach-O ARM 64 register structure.
type RegsARM64 struct {
	X    [29]uint64 /* General purpose registers x0-x28 */
	FP   uint64     /* Frame pointer x29 */
	LR   uint64     /* Link register x30 */
	SP   uint64     /* Stack pointer x31 */
	Pc   uint64     /* Program counter */
	CPSR uint32     /* Current program status register */
	PAD  uint32     /* Same size for 32-bit or 64-bit clients */
}

func (r *RegsARM64) PC() uint64 { return r.Pc }

func (r *RegsARM64) String(padding int) string {
	var b strings.Builder
	p := strings.Repeat(" ", padding)
	for i, x := range r.X {
		if i%4 == 0 {
			b.WriteString(p)
		}
		fmt.Fprintf(&b, "%3s: %#016x  ", fmt.Sprintf("x%d", i), x)
		if i%4 == 3 {
			b.WriteString("\n")
		}
	}
	fmt.Fprintf(&b, "\n%s fp: %#016x   lr: %#016x   sp: %#016x\n", p, r.FP, r.LR, r.SP)
	fmt.Fprintf(&b, "%s pc: %#016x cpsr: %#08x", p, r.Pc, r.CPSR)
	return b.String()
}

// thread state flavors from <mach/*/thread_status.h>
const (
	x86ThreadState32 = 1
	x86ThreadState64 = 4
	armThreadState   = 1
	armThreadState64 = 6
)

func newRegs(cpu types.CPU, flavor uint32) Regs {
	switch {
	case cpu == types.CPU386 && flavor == x86ThreadState32:
		return new(Regs386)
	case cpu == types.CPUAmd64 && flavor == x86ThreadState64:
		return new(RegsAMD64)
	case cpu == types.CPUArm && flavor == armThreadState:
		return new(RegsARM)
	case cpu == types.CPUArm64 && flavor == armThreadState64:
		return new(RegsARM64)
	}
	return nil
}

// ThreadRegisters decodes the general purpose register state of an
// LC_THREAD or LC_UNIXTHREAD. A thread command may carry several flavors
// back to back; the first one this package knows for cpu is returned.
func ThreadRegisters(dat []byte, lc *LoadCommand, cpu types.CPU, bo binary.ByteOrder) (Regs, error) {
	switch lc.Cmd.(type) {
	case *types.ThreadCmd, *types.UnixThreadCmd:
	default:
		return nil, errors.Errorf("%s is not a thread command", lc.Command())
	}
	rec, err := lc.record(dat)
	if err != nil {
		return nil, err
	}
	off := uint64(types.LoadCmdHeaderSize)
	for off+8 <= uint64(len(rec)) {
		flavor, count := bo.Uint32(rec[off:]), bo.Uint32(rec[off+4:])
		off += 8
		size := uint64(count) * 4
		if size > uint64(len(rec))-off {
			return nil, &MalformedError{
				Offset:    lc.Offset,
				Cmd:       lc.Command(),
				Size:      size,
				Available: uint64(len(rec)) - off,
				Msg:       fmt.Sprintf("thread state flavor %d overruns its command", flavor),
			}
		}
		if regs := newRegs(cpu, flavor); regs != nil {
			if uint64(binary.Size(regs)) > size {
				return nil, shortRead(lc.Offset+off, lc.Command(), fmt.Sprintf("%T", regs))
			}
			if err := binary.Read(bytes.NewReader(rec[off:off+size]), bo, regs); err != nil {
				return nil, &DecodeError{Offset: lc.Offset + off, Cmd: lc.Command(), Layout: fmt.Sprintf("%T", regs), Err: err}
			}
			return regs, nil
		}
		off += size
	}
	return nil, errors.Errorf("%s at %#x has no %s thread state", lc.Command(), lc.Offset, cpu)
}
