// Copyright (C) 2022 K2 Cyber Security Inc.

package arch

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

const (
	opJmpRel32  = 0xe9
	opJmpRel8   = 0xeb
	opCallRel32 = 0xe8
	opInt3      = 0xcc
	opNop       = 0x90

	// distance kept from the 2GB limit so a whole region stays reachable
	x64Reach = 0x7ff80000
)

type x86 struct {
	mode int
}

var (
	// X86 is the 32-bit x86 adapter.
	X86 Arch = &x86{mode: 32}
	// X64 is the x86-64 adapter.
	X64 Arch = &x86{mode: 64}
)

var jccCodes = map[x86asm.Op]byte{
	x86asm.JO: 0x0, x86asm.JNO: 0x1, x86asm.JB: 0x2, x86asm.JAE: 0x3,
	x86asm.JE: 0x4, x86asm.JNE: 0x5, x86asm.JBE: 0x6, x86asm.JA: 0x7,
	x86asm.JS: 0x8, x86asm.JNS: 0x9, x86asm.JP: 0xa, x86asm.JNP: 0xb,
	x86asm.JL: 0xc, x86asm.JGE: 0xd, x86asm.JLE: 0xe, x86asm.JG: 0xf,
}

func (a *x86) Name() string {
	if a.mode == 32 {
		return "386"
	}
	return "amd64"
}

func (a *x86) PtrSize() int    { return a.mode / 8 }
func (a *x86) PatchSize() int  { return 5 }
func (a *x86) MaxInstLen() int { return 15 }

func (a *x86) Bounds(target uintptr) (uintptr, uintptr) {
	if a.mode == 32 {
		// rel32 wraps around the whole 32-bit space
		return 0, uintptr(^uint32(0))
	}
	return reach(target, x64Reach, 0x80000)
}

// rel32 returns the displacement of a 5-byte branch at from reaching to.
func (a *x86) rel32(from, to uintptr, size int) (int32, bool) {
	if a.mode == 32 {
		return int32(uint32(to) - uint32(from) - uint32(size)), true
	}
	off := int64(to) - int64(from) - int64(size)
	return int32(off), fits(off, 32)
}

func (a *x86) Patch(from, to uintptr) ([]byte, error) {
	rel, ok := a.rel32(from, to, 5)
	if !ok {
		return nil, fmt.Errorf("jmp %#x -> %#x: %w", from, to, ErrOutOfRange)
	}
	return appendle32([]byte{opJmpRel32}, uint32(rel)), nil
}

func (a *x86) Jump(from, to uintptr) []byte {
	if rel, ok := a.rel32(from, to, 5); ok {
		return appendle32([]byte{opJmpRel32}, uint32(rel))
	}
	// jmp [rip+0]; dq to
	return appendle64([]byte{0xff, 0x25, 0, 0, 0, 0}, uint64(to))
}

func (a *x86) Break(p []byte) {
	for i := range p {
		p[i] = opInt3
	}
}

func (a *x86) decode(code []byte) (x86asm.Inst, error) {
	inst, err := x86asm.Decode(code, a.mode)
	if errors.Is(err, x86asm.ErrTruncated) {
		return inst, ErrTruncated
	}
	return inst, err
}

func (a *x86) Length(code []byte) (int, error) {
	inst, err := a.decode(code)
	if err != nil {
		return 0, err
	}
	return inst.Len, nil
}

func (a *x86) EndsFunction(code []byte) bool {
	if len(code) > 0 && code[0] == opInt3 {
		return true
	}
	inst, err := x86asm.Decode(code, a.mode)
	if err != nil {
		return false
	}
	switch inst.Op {
	case x86asm.RET, x86asm.LRET, x86asm.JMP, x86asm.UD2:
		return true
	}
	return false
}

func (a *x86) Filler(code []byte) int {
	if len(code) == 0 {
		return 0
	}
	if code[0] == opNop || code[0] == opInt3 {
		return 1
	}
	inst, err := x86asm.Decode(code, a.mode)
	if err != nil || inst.Op != x86asm.NOP {
		return 0
	}
	return inst.Len
}

// pcrel locates the RIP-relative displacement of a data reference.
func (a *x86) pcrel(inst x86asm.Inst, code []byte) (int, int64, bool) {
	if a.mode != 64 {
		return 0, 0, false
	}
	var disp int64
	found := false
	for _, arg := range inst.Args {
		if mem, ok := arg.(x86asm.Mem); ok && mem.Base == x86asm.RIP {
			disp, found = mem.Disp, true
		}
	}
	if !found {
		return 0, 0, false
	}
	if inst.PCRel == 4 {
		return inst.PCRelOff, disp, true
	}
	// disp32 follows a ModRM byte with mod=00 rm=101
	for i := inst.Len - 4; i > 0; i-- {
		if code[i-1]&0xc7 == 0x05 && int32(le32(code[i:])) == int32(disp) {
			return i, disp, true
		}
	}
	return 0, 0, false
}

func (a *x86) Relocate(code []byte, from, to uintptr) (Reloc, error) {
	inst, err := a.decode(code)
	if err != nil {
		return Reloc{}, err
	}
	n := inst.Len
	r := Reloc{Code: append([]byte(nil), code[:n]...), Len: n}

	if dest, ok := a.dest(inst, from); ok {
		r.Dest = dest
		r.Branch = true
		switch inst.Op {
		case x86asm.JMP:
			r.Code = a.Jump(to, r.Dest)
		case x86asm.CALL:
			r.Code = a.call(to, r.Dest)
		default:
			cc, ok := jccCodes[inst.Op]
			if !ok {
				// LOOP, JCXZ and friends only have a rel8 form
				return Reloc{}, fmt.Errorf("%s at %#x: %w", inst.Op, from, ErrNotRelocatable)
			}
			r.Code = a.jcc(cc, to, r.Dest)
		}
		return r, nil
	}

	if off, disp, ok := a.pcrel(inst, code); ok {
		r.Dest = uintptr(int64(from) + int64(n) + disp)
		nd := int64(r.Dest) - int64(to) - int64(n)
		if !fits(nd, 32) {
			return Reloc{}, fmt.Errorf("rip-relative %#x from %#x: %w", r.Dest, to, ErrOutOfRange)
		}
		putle32(r.Code[off:], uint32(int32(nd)))
	}
	return r, nil
}

func (a *x86) call(from, to uintptr) []byte {
	if rel, ok := a.rel32(from, to, 5); ok {
		return appendle32([]byte{opCallRel32}, uint32(rel))
	}
	// call [rip+2]; jmp +8; dq to
	return appendle64([]byte{0xff, 0x15, 0x02, 0, 0, 0, opJmpRel8, 0x08}, uint64(to))
}

func (a *x86) jcc(cc byte, from, to uintptr) []byte {
	if rel, ok := a.rel32(from, to, 6); ok {
		return appendle32([]byte{0x0f, 0x80 | cc}, uint32(rel))
	}
	// j!cc +14; jmp [rip+0]; dq to
	return appendle64([]byte{0x70 | cc ^ 1, 0x0e, 0xff, 0x25, 0, 0, 0, 0}, uint64(to))
}

// importSlot decodes `jmp [slot]` at pc.
func (a *x86) importSlot(code []byte, pc uintptr) (uintptr, bool) {
	inst, err := x86asm.Decode(code, a.mode)
	if err != nil || inst.Op != x86asm.JMP {
		return 0, false
	}
	m, ok := inst.Args[0].(x86asm.Mem)
	if !ok || m.Index != 0 {
		return 0, false
	}
	switch {
	case a.mode == 64 && m.Base == x86asm.RIP:
		return uintptr(int64(pc) + int64(inst.Len) + m.Disp), true
	case a.mode == 32 && m.Base == 0:
		return uintptr(uint32(m.Disp)), true
	}
	return 0, false
}

func (a *x86) follow(r Reader, pc uintptr, imported Imported) (uintptr, bool) {
	code := make([]byte, 8)
	if err := r.Read(pc, code); err != nil {
		return 0, false
	}
	slot, ok := a.importSlot(code, pc)
	if !ok || !imported(pc, slot) {
		return 0, false
	}
	return readPtr(r, slot, a.PtrSize())
}

func (a *x86) SkipJump(r Reader, pc uintptr, imported Imported) uintptr {
	if dest, ok := a.follow(r, pc, imported); ok {
		return dest
	}
	code := make([]byte, 5)
	if err := r.Read(pc, code[:2]); err != nil {
		return pc
	}
	var thunk uintptr
	switch code[0] {
	case opJmpRel8:
		thunk = uintptr(int64(pc) + 2 + int64(int8(code[1])))
	case opJmpRel32:
		if err := r.Read(pc, code); err != nil {
			return pc
		}
		thunk = uintptr(int64(pc) + 5 + int64(int32(le32(code[1:]))))
	default:
		return pc
	}
	// a jump is only skipped when it leads into an import thunk
	if dest, ok := a.follow(r, thunk, imported); ok {
		return dest
	}
	return pc
}

// dest returns the destination of the relative branch inst at pc.
func (a *x86) dest(inst x86asm.Inst, pc uintptr) (uintptr, bool) {
	for _, arg := range inst.Args {
		if rel, ok := arg.(x86asm.Rel); ok {
			d := uintptr(int64(pc) + int64(inst.Len) + int64(rel))
			if a.mode == 32 {
				d = uintptr(uint32(d))
			}
			return d, true
		}
	}
	return 0, false
}

// StackCheck matches
//
//	[mov r12, rsp; sub r12, $n; jb morestack]
//	[lea r12, -n(rsp)]
//	cmp rsp|r12, stackguard0(g)
//	jbe morestack
//
// where g is R14 on amd64 and loaded from TLS on 386.
func (a *x86) StackCheck(code []byte, pc uintptr) (int, uintptr, bool) {
	guard := int64(2 * a.PtrSize())
	var morestack uintptr
	cmp := false
	for n := 0; n < len(code); {
		inst, err := a.decode(code[n:])
		if err != nil {
			return 0, 0, false
		}
		switch inst.Op {
		case x86asm.MOV, x86asm.LEA, x86asm.SUB:
		case x86asm.CMP:
			m, ok := inst.Args[1].(x86asm.Mem)
			if !ok || m.Disp != guard {
				return 0, 0, false
			}
			cmp = true
		case x86asm.JB, x86asm.JBE:
			d, _ := a.dest(inst, pc+uintptr(n))
			if morestack != 0 && d != morestack {
				return 0, 0, false
			}
			morestack = d
			if inst.Op == x86asm.JBE {
				return n + inst.Len, morestack, cmp
			}
		default:
			return 0, 0, false
		}
		n += inst.Len
	}
	return 0, 0, false
}

func (a *x86) Retarget(code []byte, pc, to uintptr) ([]byte, error) {
	inst, err := a.decode(code)
	if err != nil {
		return nil, err
	}
	if _, ok := a.dest(inst, pc); !ok || inst.Op != x86asm.JMP {
		return nil, fmt.Errorf("%s at %#x: %w", inst.Op, pc, ErrNotRelocatable)
	}
	switch code[0] {
	case opJmpRel8:
		off := int64(to) - int64(pc) - 2
		if a.mode == 32 {
			off = int64(int32(uint32(to) - uint32(pc) - 2))
		}
		if !fits(off, 8) {
			return nil, fmt.Errorf("jmp %#x -> %#x: %w", pc, to, ErrOutOfRange)
		}
		return []byte{opJmpRel8, byte(off)}, nil
	case opJmpRel32:
		return a.Patch(pc, to)
	}
	return nil, fmt.Errorf("jmp at %#x has %d bytes: %w", pc, inst.Len, ErrNotRelocatable)
}

func (a *x86) Disasm(code []byte, pc uintptr) string {
	inst, err := x86asm.Decode(code, a.mode)
	if err != nil {
		return fmt.Sprintf("?? % x", code[:min(len(code), 4)])
	}
	return x86asm.IntelSyntax(inst, uint64(pc), nil)
}
