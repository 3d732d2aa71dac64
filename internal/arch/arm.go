// Copyright (C) 2022 K2 Cyber Security Inc.

package arch

import (
	"fmt"

	"golang.org/x/arch/arm/armasm"
)

const (
	armNop     = 0xe320f000
	armMovR0R0 = 0xe1a00000
	armBkpt    = 0xe1200070
	armB       = 0xea000000
	armLdrPC   = 0xe51ff004 // ldr pc, [pc, #-4]
	armAddLR   = 0xe28fe004 // add lr, pc, #4

	condLS = 0x9
	condAL = 0xe

	// B reaches +-32MB
	armReach = 1<<25 - 0x80000
)

type arm struct{}

// ARM is the 32-bit ARM (A32) adapter.
var ARM Arch = arm{}

func (arm) Name() string    { return "arm" }
func (arm) PtrSize() int    { return 4 }
func (arm) PatchSize() int  { return 4 }
func (arm) MaxInstLen() int { return 4 }

func (arm) Bounds(target uintptr) (uintptr, uintptr) {
	return reach(target, armReach, 0x10000)
}

// armBranch encodes b/bl with cond and link bits taken from op.
func armBranch(op uint32, from, to uintptr) (uint32, bool) {
	off := int64(to) - int64(from) - 8
	if off&3 != 0 || !fits(off>>2, 24) {
		return 0, false
	}
	return op&0xff000000 | uint32(off>>2)&0x00ffffff, true
}

func (arm) Patch(from, to uintptr) ([]byte, error) {
	w, ok := armBranch(armB, from, to)
	if !ok {
		return nil, fmt.Errorf("b %#x -> %#x: %w", from, to, ErrOutOfRange)
	}
	return appendle32(nil, w), nil
}

func (arm) Jump(from, to uintptr) []byte {
	if w, ok := armBranch(armB, from, to); ok {
		return appendle32(nil, w)
	}
	return appendle32(appendle32(nil, armLdrPC), uint32(to))
}

func (arm) Break(p []byte) {
	for i := 0; i+4 <= len(p); i += 4 {
		putle32(p[i:], armBkpt)
	}
}

func (arm) Length(code []byte) (int, error) {
	if len(code) < 4 {
		return 0, ErrTruncated
	}
	return 4, nil
}

// armOp splits a decoded op into its EQ form and condition code.
func armOp(inst armasm.Inst) (armasm.Op, uint32) {
	return inst.Op &^ 15, uint32(inst.Op & 15)
}

func armDecode(code []byte) (armasm.Inst, bool) {
	inst, err := armasm.Decode(code, armasm.ModeARM)
	return inst, err == nil
}

// armImmArg returns the value of a data-processing immediate.
func armImmArg(arg armasm.Arg) (uint32, bool) {
	switch v := arg.(type) {
	case armasm.Imm:
		return uint32(v), true
	case armasm.ImmAlt:
		return uint32(v.Imm()), true
	}
	return 0, false
}

func armIsPC(arg armasm.Arg) bool {
	switch v := arg.(type) {
	case armasm.Reg:
		return v == armasm.PC
	case armasm.Mem:
		return v.Base == armasm.PC || v.Sign != 0 && v.Index == armasm.PC
	case armasm.RegShift:
		return v.Reg == armasm.PC
	case armasm.RegShiftReg:
		return v.Reg == armasm.PC || v.RegCount == armasm.PC
	}
	return false
}

// armReadsPC reports whether inst uses pc as a source operand.
func armReadsPC(inst armasm.Inst) bool {
	args := inst.Args[1:]
	switch op, _ := armOp(inst); op {
	case armasm.CMP_EQ, armasm.CMN_EQ, armasm.TST_EQ, armasm.TEQ_EQ:
		args = inst.Args[:]
	}
	for _, arg := range args {
		if armIsPC(arg) {
			return true
		}
	}
	return false
}

func (arm) EndsFunction(code []byte) bool {
	if len(code) < 4 {
		return false
	}
	w := le32(code)
	inst, ok := armDecode(code)
	if !ok {
		return w&0xfff000f0 == 0xe7f000f0 // udf
	}
	op, cond := armOp(inst)
	if op == armasm.BKPT_EQ {
		return true
	}
	if cond != condAL {
		return false
	}
	switch op {
	case armasm.B_EQ, armasm.BX_EQ:
		return true
	case armasm.LDR_EQ, armasm.MOV_EQ:
		return inst.Args[0] == armasm.PC
	case armasm.POP_EQ, armasm.LDM_EQ, armasm.LDMDA_EQ, armasm.LDMDB_EQ, armasm.LDMIB_EQ:
		for _, arg := range inst.Args {
			if l, ok := arg.(armasm.RegList); ok && l&(1<<armasm.PC) != 0 {
				return true
			}
		}
	}
	return false
}

func (arm) Filler(code []byte) int {
	if len(code) < 4 {
		return 0
	}
	if le32(code) == 0 {
		return 4
	}
	inst, ok := armDecode(code)
	switch {
	case !ok:
	case inst.Op == armasm.NOP:
		return 4
	case inst.Op == armasm.MOV && inst.Args[0] == armasm.R0 && inst.Args[1] == armasm.R0:
		return 4
	}
	return 0
}

// armLiteral emits ldr rd, [pc, #0]; b +0; .word v
func armLiteral(b []byte, rd uint32, v uint32) []byte {
	b = appendle32(b, 0xe59f0000|rd<<12)
	b = appendle32(b, armB)
	return appendle32(b, v)
}

func (a arm) Relocate(code []byte, from, to uintptr) (Reloc, error) {
	if len(code) < 4 {
		return Reloc{}, ErrTruncated
	}
	w := le32(code)
	r := Reloc{Code: appendle32(nil, w), Len: 4}
	inst, ok := armDecode(code)
	if !ok {
		return r, nil
	}
	pcRead := fmt.Errorf("pc-relative instruction %#08x at %#x: %w", w, from, ErrNotRelocatable)
	op, cond := armOp(inst)
	rel, isRel := inst.Args[0].(armasm.PCRel)
	rd, _ := inst.Args[0].(armasm.Reg)
	mem, isMem := inst.Args[1].(armasm.Mem)

	switch {
	case isRel && w>>28 != 0xf && (op == armasm.B_EQ || op == armasm.BL_EQ):
		r.Dest = uintptr(uint32(int64(from) + 8 + int64(rel)))
		r.Branch = true
		link := op == armasm.BL_EQ
		if nw, ok := armBranch(w, to, r.Dest); ok {
			r.Code = appendle32(nil, nw)
			return r, nil
		}
		switch {
		case cond == condAL && !link:
			r.Code = a.Jump(to, r.Dest)
		case cond == condAL:
			b := appendle32(nil, armAddLR)
			b = appendle32(b, armLdrPC)
			r.Code = appendle32(b, uint32(r.Dest))
		case !link:
			// b<cond> +8; b +16; ldr pc, [pc, #-4]; .word dest
			b := appendle32(nil, w&0xff000000)
			b = appendle32(b, armB|1)
			b = appendle32(b, armLdrPC)
			r.Code = appendle32(b, uint32(r.Dest))
		default:
			return Reloc{}, pcRead
		}
	case isRel:
		// blx imm switches to thumb
		return Reloc{}, pcRead
	case (op == armasm.LDR_EQ || op == armasm.LDRB_EQ) && isMem && mem.Base == armasm.PC:
		if cond != condAL || rd == armasm.PC || mem.Mode != armasm.AddrOffset || mem.Sign != 0 {
			return Reloc{}, pcRead
		}
		r.Dest = uintptr(uint32(int64(from) + 8 + int64(mem.Offset)))
		load := uint32(0xe5900000)
		if op == armasm.LDRB_EQ {
			load |= 0x00400000
		}
		n := uint32(rd)
		b := armLiteral(nil, n, uint32(r.Dest))
		r.Code = appendle32(b, load|n<<16|n<<12)
	case (op == armasm.ADD_EQ || op == armasm.SUB_EQ) && inst.Args[1] == armasm.PC:
		imm, ok := armImmArg(inst.Args[2])
		if !ok || cond != condAL || rd == armasm.PC {
			return Reloc{}, pcRead
		}
		v := uint32(from) + 8
		if op == armasm.SUB_EQ {
			v -= imm
		} else {
			v += imm
		}
		r.Dest = uintptr(v)
		r.Code = armLiteral(nil, uint32(rd), v)
	case armReadsPC(inst):
		return Reloc{}, pcRead
	}
	return r, nil
}

// importSlot decodes the PLT sequence
// add ip, pc, #a; add ip, ip, #b; ldr pc, [ip, #c]!
func (arm) importSlot(code []byte, pc uintptr) (uintptr, bool) {
	if len(code) < 12 {
		return 0, false
	}
	var inst [3]armasm.Inst
	for i := range inst {
		var ok bool
		if inst[i], ok = armDecode(code[4*i:]); !ok {
			return 0, false
		}
	}
	a, ok1 := armImmArg(inst[0].Args[2])
	b, ok2 := armImmArg(inst[1].Args[2])
	mem, ok3 := inst[2].Args[1].(armasm.Mem)
	if !ok1 || !ok2 || !ok3 ||
		inst[0].Op != armasm.ADD || inst[0].Args[0] != armasm.R12 || inst[0].Args[1] != armasm.PC ||
		inst[1].Op != armasm.ADD || inst[1].Args[0] != armasm.R12 || inst[1].Args[1] != armasm.R12 ||
		inst[2].Op != armasm.LDR || inst[2].Args[0] != armasm.PC ||
		mem.Base != armasm.R12 || mem.Mode != armasm.AddrPreIndex || mem.Sign != 0 {
		return 0, false
	}
	return uintptr(uint32(pc) + 8 + a + b + uint32(int32(mem.Offset))), true
}

func (a arm) SkipJump(r Reader, pc uintptr, imported Imported) uintptr {
	code := make([]byte, 12)
	if err := r.Read(pc, code); err != nil {
		return pc
	}
	slot, ok := a.importSlot(code, pc)
	if !ok || !imported(pc, slot) {
		return pc
	}
	if dest, ok := readPtr(r, slot, 4); ok {
		return dest
	}
	return pc
}

// StackCheck matches
//
//	ldr r1, stackguard0(g)
//	[sub r2, sp, $n]
//	cmp sp|r2, r1
//	bls morestack
//
// where g is R10.
func (arm) StackCheck(code []byte, pc uintptr) (int, uintptr, bool) {
	guard := false
	for n := 0; n+4 <= len(code); n += 4 {
		inst, ok := armDecode(code[n:])
		if !ok {
			return 0, 0, false
		}
		op, cond := armOp(inst)
		switch op {
		case armasm.LDR_EQ:
			mem, ok := inst.Args[1].(armasm.Mem)
			if !ok || mem.Base != armasm.R10 || mem.Offset != 8 {
				return 0, 0, false
			}
			guard = true
		case armasm.MOV_EQ, armasm.MOVW_EQ, armasm.SUB_EQ, armasm.CMP_EQ:
		case armasm.B_EQ:
			rel, _ := inst.Args[0].(armasm.PCRel)
			if cond != condLS {
				return 0, 0, false
			}
			return n + 4, uintptr(uint32(int64(pc) + int64(n) + 8 + int64(rel))), guard
		default:
			return 0, 0, false
		}
	}
	return 0, 0, false
}

func (arm) Retarget(code []byte, pc, to uintptr) ([]byte, error) {
	inst, ok := armDecode(code)
	if !ok || inst.Op != armasm.B {
		return nil, fmt.Errorf("%#08x at %#x is not b: %w", le32(code), pc, ErrNotRelocatable)
	}
	w, ok := armBranch(armB, pc, to)
	if !ok {
		return nil, fmt.Errorf("b %#x -> %#x: %w", pc, to, ErrOutOfRange)
	}
	return appendle32(nil, w), nil
}

func (arm) Disasm(code []byte, pc uintptr) string {
	inst, err := armasm.Decode(code, armasm.ModeARM)
	if err != nil {
		return fmt.Sprintf("?? % x", code[:min(len(code), 4)])
	}
	return armasm.GNUSyntax(inst)
}
