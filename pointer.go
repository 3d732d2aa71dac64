// Copyright (C) 2022 K2 Cyber Security Inc.

package detours

// thunk chains longer than this are treated as loops
const maxSkip = 8

// CodeFromPointer follows import thunks from p to the code they reach. It
// never enters a trampoline region, so the result is the same before and
// after the target is detoured. globals is always 0.
func (e *Engine) CodeFromPointer(p uintptr) (code, globals uintptr) {
	code = p
	for i := 0; i < maxSkip && code != 0; i++ {
		if e.inRegion(code) {
			break
		}
		next := e.arch.SkipJump(e.mem, code, e.IsFunctionImported)
		if next == code || e.inRegion(next) {
			break
		}
		e.debugf("skip %#x -> %#x", code, next)
		code = next
	}
	return code, 0
}
