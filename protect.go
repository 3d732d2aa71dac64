// Copyright (C) 2022 K2 Cyber Security Inc.

package detours

import (
	"github.com/k2io/detours/vm"
)

// ProtectSameExecute changes the protection of [addr, addr+size) to prot,
// keeping execute permission when the range was executable, and returns the
// previous protection.
func (e *Engine) ProtectSameExecute(addr, size uintptr, prot vm.Prot) (vm.Prot, error) {
	span, err := e.mem.Query(addr)
	if err != nil {
		return vm.ProtNone, err
	}
	if !span.Free && span.Prot.Executable() {
		prot |= vm.ProtExec
	}
	return e.mem.Protect(addr, size, prot)
}

// span is a range of target code an operation made writable.
type span struct {
	addr uintptr
	size uintptr
	prot vm.Prot
}

// writable makes the target bytes tr rewrites writable and returns their
// previous protections.
func (e *Engine) writable(tr *Trampoline) ([]span, error) {
	spans := []span{{addr: tr.target, size: uintptr(len(tr.restore))}}
	if tr.restart != nil {
		spans = append(spans, span{addr: tr.restart.addr, size: uintptr(len(tr.restart.old))})
	}
	for i := range spans {
		old, err := e.ProtectSameExecute(spans[i].addr, spans[i].size, vm.ProtRW)
		if err != nil {
			if rerr := e.restoreSpans(spans[:i]); rerr != nil {
				e.debugf("protect %#x: %v", spans[0].addr, rerr)
			}
			return nil, err
		}
		spans[i].prot = old
	}
	return spans, nil
}

// restoreSpans puts back the protections saved by writable, last first.
func (e *Engine) restoreSpans(spans []span) error {
	var firstErr error
	for i := len(spans) - 1; i >= 0; i-- {
		s := spans[i]
		if _, err := e.mem.Protect(s.addr, s.size, s.prot); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
