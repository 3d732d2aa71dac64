// Copyright (C) 2022 K2 Cyber Security Inc.

package arch

import (
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

const (
	a64Nop    = 0xd503201f
	a64Brk    = 0xd4200000
	a64B      = 0x14000000
	a64BL     = 0x94000000
	a64LdrX17 = 0x58000051 // ldr x17, #8
	a64BrX17  = 0xd61f0220 // br x17
	a64BlrX17 = 0xd63f0220 // blr x17

	// B reaches +-128MB, keep a region's worth of slack
	a64Reach = 1<<27 - 0x80000
)

type arm64 struct{}

// ARM64 is the AArch64 adapter.
var ARM64 Arch = arm64{}

func (arm64) Name() string    { return "arm64" }
func (arm64) PtrSize() int    { return 8 }
func (arm64) PatchSize() int  { return 4 }
func (arm64) MaxInstLen() int { return 4 }

func (arm64) Bounds(target uintptr) (uintptr, uintptr) {
	return reach(target, a64Reach, 0x10000)
}

func a64Branch(op uint32, from, to uintptr) (uint32, bool) {
	off := int64(to) - int64(from)
	if off&3 != 0 || !fits(off>>2, 26) {
		return 0, false
	}
	return op | uint32(off>>2)&0x03ffffff, true
}

func (arm64) Patch(from, to uintptr) ([]byte, error) {
	w, ok := a64Branch(a64B, from, to)
	if !ok {
		return nil, fmt.Errorf("b %#x -> %#x: %w", from, to, ErrOutOfRange)
	}
	return appendle32(nil, w), nil
}

func (arm64) Jump(from, to uintptr) []byte {
	if w, ok := a64Branch(a64B, from, to); ok {
		return appendle32(nil, w)
	}
	return a64Abs(nil, to)
}

// a64Abs emits ldr x17, #8; br x17; .quad to
func a64Abs(b []byte, to uintptr) []byte {
	b = appendle32(b, a64LdrX17)
	b = appendle32(b, a64BrX17)
	return appendle64(b, uint64(to))
}

// a64Literal emits ldr xd, #8; b #12; .quad v
func a64Literal(b []byte, rd uint32, v uint64) []byte {
	b = appendle32(b, 0x58000040|rd)
	b = appendle32(b, a64B|3)
	return appendle64(b, v)
}

func (arm64) Break(p []byte) {
	for i := 0; i+4 <= len(p); i += 4 {
		putle32(p[i:], a64Brk)
	}
}

func (arm64) Length(code []byte) (int, error) {
	if len(code) < 4 {
		return 0, ErrTruncated
	}
	return 4, nil
}

// a64Decode decodes the instruction at code. ok is false for encodings
// the decoder does not know.
func a64Decode(code []byte) (arm64asm.Inst, bool) {
	inst, err := arm64asm.Decode(code)
	return inst, err == nil
}

// a64PCRel returns the pc-relative operand of inst.
func a64PCRel(inst arm64asm.Inst) (int64, bool) {
	for _, arg := range inst.Args {
		if rel, ok := arg.(arm64asm.PCRel); ok {
			return int64(rel), true
		}
	}
	return 0, false
}

func a64Cond(inst arm64asm.Inst) (arm64asm.Cond, bool) {
	c, ok := inst.Args[0].(arm64asm.Cond)
	return c, ok
}

func (arm64) EndsFunction(code []byte) bool {
	if len(code) < 4 {
		return false
	}
	inst, ok := a64Decode(code)
	if !ok {
		// udf
		return le32(code) == 0
	}
	switch inst.Op {
	case arm64asm.B:
		_, cond := a64Cond(inst)
		return !cond
	case arm64asm.BR, arm64asm.RET, arm64asm.BRK, arm64asm.HLT:
		return true
	}
	return false
}

func (arm64) Filler(code []byte) int {
	if len(code) < 4 {
		return 0
	}
	if inst, ok := a64Decode(code); ok && inst.Op == arm64asm.NOP || le32(code) == 0 {
		return 4
	}
	return 0
}

func (a arm64) Relocate(code []byte, from, to uintptr) (Reloc, error) {
	if len(code) < 4 {
		return Reloc{}, ErrTruncated
	}
	w := le32(code)
	r := Reloc{Code: appendle32(nil, w), Len: 4}
	inst, ok := a64Decode(code)
	if !ok {
		return r, nil
	}
	rel, ok := a64PCRel(inst)
	if !ok {
		return r, nil
	}
	r.Dest = uintptr(int64(from) + rel)
	switch inst.Op {
	case arm64asm.B, arm64asm.BL:
		r.Branch = true
		if _, cond := a64Cond(inst); cond {
			r.Code = a64CondBranch(w, 19, 0x7ffff, to, r.Dest)
			break
		}
		if nw, ok := a64Branch(w&0xfc000000, to, r.Dest); ok {
			r.Code = appendle32(nil, nw)
		} else if inst.Op == arm64asm.B {
			r.Code = a64Abs(nil, r.Dest)
		} else {
			// ldr x17, #12; blr x17; b #12; .quad dest
			b := appendle32(nil, 0x58000071)
			b = appendle32(b, a64BlrX17)
			b = appendle32(b, a64B|3)
			r.Code = appendle64(b, uint64(r.Dest))
		}
	case arm64asm.CBZ, arm64asm.CBNZ:
		r.Branch = true
		r.Code = a64CondBranch(w, 19, 0x7ffff, to, r.Dest)
	case arm64asm.TBZ, arm64asm.TBNZ:
		r.Branch = true
		r.Code = a64CondBranch(w, 14, 0x3fff, to, r.Dest)
	case arm64asm.ADR:
		r.Code = a64Literal(nil, w&31, uint64(r.Dest))
	case arm64asm.ADRP:
		r.Dest = uintptr(int64(from)&^0xfff + rel)
		r.Code = a64Literal(nil, w&31, uint64(r.Dest))
	case arm64asm.PRFM:
		// no architectural effect
		r.Code = appendle32(nil, a64Nop)
	case arm64asm.LDR, arm64asm.LDRSW:
		rt := w & 31
		var load uint32
		reg, _ := inst.Args[0].(arm64asm.Reg)
		switch {
		case inst.Op == arm64asm.LDRSW:
			load = 0xb9800000 // ldrsw xt, [xt]
		case reg >= arm64asm.W0 && reg <= arm64asm.WZR:
			load = 0xb9400000 // ldr wt, [xt]
		case reg >= arm64asm.X0 && reg <= arm64asm.XZR:
			load = 0xf9400000 // ldr xt, [xt]
		default:
			return Reloc{}, fmt.Errorf("simd literal load at %#x: %w", from, ErrNotRelocatable)
		}
		b := a64Literal(nil, rt, uint64(r.Dest))
		r.Code = appendle32(b, load|rt<<5|rt)
	default:
		return Reloc{}, fmt.Errorf("%s at %#x: %w", inst.Op, from, ErrNotRelocatable)
	}
	return r, nil
}

// a64CondBranch re-encodes a conditional branch with an imm field of the
// given width at bit 5, falling back to a branch over an absolute jump.
func a64CondBranch(w uint32, bits uint, mask uint32, from, to uintptr) []byte {
	off := int64(to) - int64(from)
	if off&3 == 0 && fits(off>>2, bits) {
		return appendle32(nil, w&^(mask<<5)|uint32(off>>2)&mask<<5)
	}
	// bcc #8; b #20; ldr x17, #8; br x17; .quad to
	b := appendle32(nil, w&^(mask<<5)|2<<5)
	b = appendle32(b, a64B|5)
	return a64Abs(b, to)
}

// importSlot decodes adrp xa, page; ldr xb, [xa, #off]; [add;] br xb.
func (arm64) importSlot(code []byte, pc uintptr) (uintptr, bool) {
	if len(code) < 16 {
		return 0, false
	}
	adrp, ok1 := a64Decode(code)
	ldr, ok2 := a64Decode(code[4:])
	if !ok1 || !ok2 || adrp.Op != arm64asm.ADRP || ldr.Op != arm64asm.LDR {
		return 0, false
	}
	page, _ := a64PCRel(adrp)
	ra, _ := adrp.Args[0].(arm64asm.Reg)
	rb, _ := ldr.Args[0].(arm64asm.Reg)
	mem, ok := ldr.Args[1].(arm64asm.MemImmediate)
	if !ok || mem.Mode != arm64asm.AddrOffset || arm64asm.Reg(mem.Base) != ra || rb < arm64asm.X0 || rb > arm64asm.XZR {
		return 0, false
	}
	found := false
	for _, next := range [][]byte{code[8:], code[12:]} {
		if br, ok := a64Decode(next); ok && br.Op == arm64asm.BR && br.Args[0] == rb {
			found = true
		}
	}
	if !found {
		return 0, false
	}
	// MemImmediate keeps the offset private; it is the scaled imm12
	off := int64(ldr.Enc>>10&0xfff) * 8
	return uintptr(int64(pc)&^0xfff + page + off), true
}

func (a arm64) SkipJump(r Reader, pc uintptr, imported Imported) uintptr {
	code := make([]byte, 16)
	if err := r.Read(pc, code); err != nil {
		return pc
	}
	slot, ok := a.importSlot(code, pc)
	if !ok || !imported(pc, slot) {
		return pc
	}
	if dest, ok := readPtr(r, slot, 8); ok {
		return dest
	}
	return pc
}

// StackCheck matches
//
//	ldr x16, stackguard0(g)
//	[sub x17, sp, $n] or [subs x17, sp, $n; b.lo morestack]
//	cmp sp|x17, x16
//	b.ls morestack
func (arm64) StackCheck(code []byte, pc uintptr) (int, uintptr, bool) {
	var morestack uintptr
	guard := false
	for n := 0; n+4 <= len(code); n += 4 {
		inst, ok := a64Decode(code[n:])
		if !ok {
			return 0, 0, false
		}
		switch inst.Op {
		case arm64asm.LDR:
			mem, ok := inst.Args[1].(arm64asm.MemImmediate)
			if !ok || arm64asm.Reg(mem.Base) != arm64asm.X28 {
				return 0, 0, false
			}
			guard = true
		case arm64asm.MOV, arm64asm.MOVK, arm64asm.SUB, arm64asm.SUBS, arm64asm.CMP:
		case arm64asm.B:
			c, cond := a64Cond(inst)
			rel, _ := a64PCRel(inst)
			if !cond {
				return 0, 0, false
			}
			d := uintptr(int64(pc) + int64(n) + rel)
			if morestack != 0 && d != morestack {
				return 0, 0, false
			}
			morestack = d
			if c.String() == "LS" {
				return n + 4, morestack, guard
			}
		default:
			return 0, 0, false
		}
	}
	return 0, 0, false
}

func (arm64) Retarget(code []byte, pc, to uintptr) ([]byte, error) {
	inst, ok := a64Decode(code)
	if _, cond := a64Cond(inst); !ok || inst.Op != arm64asm.B || cond {
		return nil, fmt.Errorf("%#08x at %#x is not b: %w", le32(code), pc, ErrNotRelocatable)
	}
	w, ok := a64Branch(a64B, pc, to)
	if !ok {
		return nil, fmt.Errorf("b %#x -> %#x: %w", pc, to, ErrOutOfRange)
	}
	return appendle32(nil, w), nil
}

func (arm64) Disasm(code []byte, pc uintptr) string {
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return fmt.Sprintf("?? % x", code[:min(len(code), 4)])
	}
	return arm64asm.GNUSyntax(inst)
}
