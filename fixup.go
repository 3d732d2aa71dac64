// Copyright (C) 2022 K2 Cyber Security Inc.

package detours

import (
	"github.com/k2io/detours/vm"
)

// fixup is the code movement one committed operation causes.
type fixup struct {
	target  uintptr
	tramp   uintptr
	restore int
	align   []alignPair
	remove  bool
	// offset of the branch restarting the trampoline, 0 if none
	restart int
}

// alignFromTarget maps an offset in the target to the trampoline. Offsets
// that are not instruction boundaries map to the start.
func alignFromTarget(align []alignPair, off int) int {
	for _, p := range align {
		if p.target == off {
			return p.tramp
		}
	}
	return 0
}

// alignFromTrampoline is the inverse of alignFromTarget.
func alignFromTrampoline(align []alignPair, off int) int {
	for _, p := range align {
		if p.tramp == off {
			return p.target
		}
	}
	return 0
}

// remapPC returns where a thread stopped at pc resumes once fixes are
// applied: an attach moves it from the overwritten target bytes into the
// trampoline, a detach moves it out of the freed trampoline.
func remapPC(fixes []fixup, pc uintptr) uintptr {
	for _, f := range fixes {
		if f.remove {
			if f.restart != 0 && pc == f.target+uintptr(f.restart) {
				return f.target
			}
			if pc >= f.tramp && pc < f.tramp+slotSize {
				return f.target + uintptr(alignFromTrampoline(f.align, int(pc-f.tramp)))
			}
			continue
		}
		if pc >= f.target && pc < f.target+uintptr(f.restore) {
			return f.tramp + uintptr(alignFromTarget(f.align, int(pc-f.target)))
		}
	}
	return pc
}

// fixThreads moves every suspended thread caught in rewritten code.
func (e *Engine) fixThreads(threads []vm.Thread, fixes []fixup) error {
	var firstErr error
	for _, th := range threads {
		pc, err := th.PC()
		if err == nil {
			npc := remapPC(fixes, pc)
			if npc == pc {
				continue
			}
			e.debugf("thread pc %#x -> %#x", pc, npc)
			err = th.SetPC(npc)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
