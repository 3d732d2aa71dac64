// Copyright (C) 2022 K2 Cyber Security Inc.

package detours

import (
	"errors"
	"fmt"

	"github.com/k2io/detours/internal/arch"
	"github.com/k2io/detours/vm"
)

// longest morestack block searched for its jump back to the entry
const morestackScan = 512

// prologue is the relocated entry of a target.
type prologue struct {
	code []byte
	// bytes of the target covered, padding included
	restore int
	align   []alignPair
}

// readCode reads up to n bytes at addr, stopping at the end of the last
// readable page.
func (e *Engine) readCode(addr uintptr, n int) ([]byte, error) {
	buf := make([]byte, n)
	err := e.mem.Read(addr, buf)
	if err == nil {
		return buf, nil
	}
	start, size := vm.PageRange(addr, 1, e.mem.PageSize())
	if lim := int(start + size - addr); lim < n {
		buf = buf[:lim]
		if e.mem.Read(addr, buf) == nil {
			return buf, nil
		}
	}
	return nil, fmt.Errorf("read %#x: %w: %w", addr, ErrInvalidAddress, err)
}

// relocate copies whole instructions from src, the code at target, until
// the patch branch fits, then swallows trailing padding. The copy is
// encoded to run at tramp.
func (e *Engine) relocate(target, tramp uintptr, src []byte) (prologue, error) {
	return e.relocateMin(target, tramp, src, e.arch.PatchSize())
}

// relocateMin is relocate covering at least need bytes of target.
func (e *Engine) relocateMin(target, tramp uintptr, src []byte, need int) (prologue, error) {
	a := e.arch
	var p prologue
	var dests []uintptr
	n := 0
	for n < need {
		if len(p.align) == maxAlign {
			return p, fmt.Errorf("%#x: %w", target, ErrAlignTableFull)
		}
		pc := target + uintptr(n)
		r, err := a.Relocate(src[n:], pc, tramp+uintptr(len(p.code)))
		if errors.Is(err, arch.ErrTruncated) {
			return p, fmt.Errorf("%#x: %w", target, ErrFunctionTooSmall)
		}
		if err != nil {
			return p, fmt.Errorf("%#x: %w: %w", pc, ErrNotRelocatable, err)
		}
		e.debugf("%#x: %s", pc, a.Disasm(src[n:], pc))
		ends := a.EndsFunction(src[n:])
		n += r.Len
		p.code = append(p.code, r.Code...)
		p.align = append(p.align, alignPair{target: n, tramp: len(p.code)})
		if r.Branch {
			dests = append(dests, r.Dest)
		}
		if ends {
			break
		}
	}
	for n < need && n < len(src) {
		f := a.Filler(src[n:])
		if f == 0 {
			break
		}
		n += f
	}
	if n < need {
		return p, fmt.Errorf("%#x has %d bytes before its end: %w", target, n, ErrFunctionTooSmall)
	}
	if n > maxRestore {
		return p, fmt.Errorf("%#x restores %d bytes: %w", target, n, ErrTrampolineOverflow)
	}
	for _, d := range dests {
		if d > target && d < target+uintptr(n) {
			return p, fmt.Errorf("branch into patched range at %#x: %w", d, ErrNotRelocatable)
		}
	}
	p.restore = n
	return p, nil
}

// restartJump finds the jump ending the morestack block at ms that goes
// back to the entry of code, and retargets it at again.
func (e *Engine) restartJump(code, ms, again uintptr) (*edit, error) {
	a := e.arch
	buf, err := e.readCode(ms, morestackScan)
	if err != nil {
		return nil, err
	}
	for i := 0; i < len(buf); {
		at := ms + uintptr(i)
		if a.EndsFunction(buf[i:]) {
			r, err := a.Relocate(buf[i:], at, at)
			if err != nil || !r.Branch || r.Dest != code {
				break
			}
			jmp, err := a.Retarget(buf[i:], at, again)
			if err != nil {
				return nil, fmt.Errorf("%#x: %w: %w", at, ErrNotRelocatable, err)
			}
			e.debugf("%#x: morestack restarts at %#x", at, again)
			return &edit{addr: at, old: append([]byte(nil), buf[i:i+len(jmp)]...), new: jmp}, nil
		}
		n, err := a.Length(buf[i:])
		if err != nil {
			break
		}
		i += n
	}
	return nil, fmt.Errorf("no jump back to %#x after morestack at %#x: %w", code, ms, ErrNotRelocatable)
}

// CopyInstruction relocates the instruction at src to run at dst. It
// returns the new encoding, the address of the next source instruction and
// the branch or literal address the instruction refers to, or 0.
func (e *Engine) CopyInstruction(dst, src uintptr) ([]byte, uintptr, uintptr, error) {
	code, err := e.readCode(src, e.arch.MaxInstLen())
	if err != nil {
		return nil, 0, 0, err
	}
	r, err := e.arch.Relocate(code, src, dst)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%#x: %w: %w", src, ErrNotRelocatable, err)
	}
	return r.Code, src + uintptr(r.Len), r.Dest, nil
}
