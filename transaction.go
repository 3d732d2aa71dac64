// Copyright (C) 2022 K2 Cyber Security Inc.

package detours

import (
	"errors"
	"fmt"

	"github.com/k2io/detours/vm"
)

// operation is one staged attach or detach.
type operation struct {
	cell   *uintptr
	target uintptr
	tramp  *Trampoline
	spans  []span
	remove bool
}

// Transaction batches attaches and detaches. Nothing reaches a target until
// Commit; the first failure makes Commit abort instead. Once committed or
// aborted every method returns ErrNotOwner.
type Transaction struct {
	e       *Engine
	err     error
	errCell *uintptr
	ops     []*operation
	threads []vm.Thread
}

// Begin opens a transaction, failing with ErrOperationInProgress while
// another one is open.
func (e *Engine) Begin() (*Transaction, error) {
	t := &Transaction{e: e}
	if !e.owner.CompareAndSwap(nil, t) {
		return nil, ErrOperationInProgress
	}
	if err := e.protectRegions(vm.ProtRWX); err != nil {
		e.owner.Store(nil)
		return nil, err
	}
	e.debugf("transaction begin")
	return t, nil
}

func (t *Transaction) owned() bool { return t.e.owner.Load() == t }

// fail records the first error of the transaction.
func (t *Transaction) fail(cell *uintptr, err error) error {
	if t.err == nil {
		t.err, t.errCell = err, cell
	}
	t.e.debugf("transaction failed: %v", err)
	return err
}

// Attach stages redirecting the function *target to detour. At commit
// *target is replaced by the trampoline running the original code.
func (t *Transaction) Attach(target *uintptr, detour uintptr) error {
	_, _, _, err := t.AttachEx(target, detour)
	return err
}

// AttachEx is Attach returning the trampoline and the target and detour
// code addresses after import thunks are followed.
func (t *Transaction) AttachEx(target *uintptr, detour uintptr) (*Trampoline, uintptr, uintptr, error) {
	return t.attach(target, detour, false)
}

// attach is AttachEx; goFunc marks a target compiled by gc, whose stack
// check gets moved into the trampoline.
func (t *Transaction) attach(target *uintptr, detour uintptr, goFunc bool) (*Trampoline, uintptr, uintptr, error) {
	e := t.e
	if !t.owned() {
		return nil, 0, 0, ErrNotOwner
	}
	if t.err != nil {
		return nil, 0, 0, t.err
	}
	if target == nil {
		return nil, 0, 0, fmt.Errorf("nil target: %w", ErrInvalidArgument)
	}
	if *target == 0 || detour == 0 {
		return nil, 0, 0, t.fail(target, fmt.Errorf("nil function: %w", ErrInvalidArgument))
	}
	code, _ := e.CodeFromPointer(*target)
	det, _ := e.CodeFromPointer(detour)
	if err := t.checkDuplicate(code, det); err != nil {
		e.debugf("attach %#x -> %#x: %v", code, det, err)
		return nil, code, det, err
	}

	tramp, err := e.allocTrampoline(code)
	if err != nil {
		return nil, code, det, t.fail(target, err)
	}
	p, err := t.build(tramp, code, det, goFunc)
	if err != nil {
		if ferr := e.freeTrampoline(tramp); ferr != nil {
			e.debugf("free %#x: %v", tramp.addr, ferr)
		}
		if errors.Is(err, ErrFunctionTooSmall) && e.ignoreTooSmall.Load() {
			return nil, code, det, err
		}
		return nil, code, det, t.fail(target, err)
	}

	spans, err := e.writable(tramp)
	if err != nil {
		_ = e.freeTrampoline(tramp)
		return nil, code, det, t.fail(target, err)
	}
	t.ops = append(t.ops, &operation{cell: target, target: code, tramp: tramp, spans: spans})
	e.debugf("attach %#x -> %#x via %#x, %d bytes", code, det, tramp.addr, p.restore)
	return tramp, code, det, nil
}

// checkDuplicate rejects attaching det where it is already in place.
func (t *Transaction) checkDuplicate(code, det uintptr) error {
	if code == det {
		return fmt.Errorf("detour is the target %#x: %w", code, ErrAlreadyAttached)
	}
	if t.e.allowRehook.Load() {
		return nil
	}
	for _, op := range t.ops {
		if !op.remove && op.target == code {
			return fmt.Errorf("%#x staged twice: %w", code, ErrAlreadyAttached)
		}
	}
	t.e.mu.RLock()
	defer t.e.mu.RUnlock()
	for _, tr := range t.e.tramps {
		if tr.live && tr.target == code && tr.detour == det {
			return fmt.Errorf("%#x already detoured to %#x: %w", code, det, ErrAlreadyAttached)
		}
	}
	return nil
}

// build relocates the prologue of code into tramp and writes the
// trampoline: relocated code, the jump to the rest of the target and the
// stub jumping to det.
//
// For a Go function the whole stack check is relocated and a second branch
// to the trampoline follows the patch; the jump ending the morestack block
// is sent there, so a call that grows the stack restarts the original code
// instead of the detour.
func (t *Transaction) build(tramp *Trampoline, code, det uintptr, goFunc bool) (prologue, error) {
	e := t.e
	a := e.arch
	src, err := e.readCode(code, maxRestore+a.MaxInstLen())
	if err != nil {
		return prologue{}, err
	}
	need := a.PatchSize()
	var morestack uintptr
	if goFunc {
		if n, ms, ok := a.StackCheck(src, code); ok {
			need = max(n, 2*a.PatchSize())
			morestack = ms
			e.debugf("%#x: stack check of %d bytes, morestack at %#x", code, n, ms)
		}
	}
	p, err := e.relocateMin(code, tramp.addr, src, need)
	if err != nil {
		return p, err
	}
	patch, err := a.Patch(code, tramp.Stub())
	if err != nil {
		return p, fmt.Errorf("%w: %w", ErrNotEnoughMemory, err)
	}
	redirect := make([]byte, p.restore)
	a.Break(redirect)
	copy(redirect, patch)
	var restart *edit
	if morestack != 0 {
		again := code + uintptr(len(patch))
		jmp, err := a.Patch(again, tramp.addr)
		if err != nil {
			return p, fmt.Errorf("%w: %w", ErrNotEnoughMemory, err)
		}
		copy(redirect[len(patch):], jmp)
		if restart, err = e.restartJump(code, morestack, again); err != nil {
			return p, err
		}
	}
	remain := code + uintptr(p.restore)
	body := append(p.code, a.Jump(tramp.addr+uintptr(len(p.code)), remain)...)
	if len(body) > codeSize {
		return p, fmt.Errorf("%#x needs %d bytes: %w", code, len(body), ErrTrampolineOverflow)
	}
	slot := make([]byte, slotSize)
	a.Break(slot[:codeSize])
	copy(slot, body)
	copy(slot[stubOffset:], a.Jump(tramp.Stub(), det))
	if err := e.mem.Write(tramp.addr, slot); err != nil {
		return p, err
	}

	tramp.detour = det
	tramp.remain = remain
	tramp.restore = src[:p.restore:p.restore]
	tramp.redirect = redirect
	tramp.restart = restart
	tramp.align = p.align
	tramp.size = len(body)
	return p, nil
}

// Detach stages removing detour from the function whose trampoline is
// *target. At commit the target is restored and *target points at it again.
func (t *Transaction) Detach(target *uintptr, detour uintptr) error {
	e := t.e
	if !t.owned() {
		return ErrNotOwner
	}
	if t.err != nil {
		return t.err
	}
	if target == nil {
		return fmt.Errorf("nil target: %w", ErrInvalidArgument)
	}
	if *target == 0 || detour == 0 {
		return t.fail(target, fmt.Errorf("nil function: %w", ErrInvalidArgument))
	}
	// a mismatch usually means the attach was skipped as too small
	soft := func(err error) error {
		if e.ignoreTooSmall.Load() {
			return err
		}
		return t.fail(target, err)
	}

	det, _ := e.CodeFromPointer(detour)
	e.mu.RLock()
	tramp := e.tramps[*target]
	e.mu.RUnlock()
	if tramp == nil || !tramp.live || !e.isRegion(tramp.region) {
		return soft(fmt.Errorf("%#x: %w", *target, ErrNotDetoured))
	}
	if tramp.detour != det {
		return soft(fmt.Errorf("%#x detours to %#x, not %#x: %w", tramp.target, tramp.detour, det, ErrDetourMismatch))
	}
	for _, op := range t.ops {
		if op.remove && op.tramp == tramp {
			return soft(fmt.Errorf("%#x staged twice: %w", tramp.target, ErrNotDetoured))
		}
	}

	spans, err := e.writable(tramp)
	if err != nil {
		return t.fail(target, err)
	}
	t.ops = append(t.ops, &operation{cell: target, target: tramp.target, tramp: tramp, spans: spans, remove: true})
	e.debugf("detach %#x from %#x", det, tramp.target)
	return nil
}

// UpdateThread suspends th until the transaction ends so its program
// counter can be moved out of rewritten code. The calling thread is
// skipped.
func (t *Transaction) UpdateThread(th vm.Thread) error {
	if !t.owned() {
		return ErrNotOwner
	}
	if t.err != nil {
		return t.err
	}
	if th == nil {
		return fmt.Errorf("nil thread: %w", ErrInvalidArgument)
	}
	if th.IsCurrent() {
		return nil
	}
	if err := th.Suspend(); err != nil {
		return t.fail(nil, err)
	}
	t.threads = append(t.threads, th)
	return nil
}

// Commit applies every staged operation, or aborts when one failed and
// returns that failure.
func (t *Transaction) Commit() error {
	_, err := t.CommitEx()
	return err
}

// CommitEx is Commit also returning the pointer cell whose operation
// failed.
func (t *Transaction) CommitEx() (*uintptr, error) {
	e := t.e
	if !t.owned() {
		return nil, ErrNotOwner
	}
	if t.err != nil {
		err, cell := t.err, t.errCell
		if aerr := t.Abort(); aerr != nil {
			e.debugf("abort: %v", aerr)
		}
		return cell, err
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// write every target before any thread runs again
	fixes := make([]fixup, 0, len(t.ops))
	for _, op := range t.ops {
		tr := op.tramp
		f := fixup{
			target:  op.target,
			tramp:   tr.addr,
			restore: len(tr.restore),
			align:   tr.align,
			remove:  op.remove,
		}
		if op.remove {
			keep(e.mem.Write(op.target, tr.restore))
			if tr.restart != nil {
				keep(e.mem.Write(tr.restart.addr, tr.restart.old))
			}
			*op.cell = op.target
		} else {
			keep(e.mem.Write(op.target, tr.redirect))
			if tr.restart != nil {
				keep(e.mem.Write(tr.restart.addr, tr.restart.new))
			}
			*op.cell = tr.addr
		}
		if tr.restart != nil {
			f.restart = e.arch.PatchSize()
		}
		fixes = append(fixes, f)
	}
	keep(e.fixThreads(t.threads, fixes))

	// in reverse, so a page shared by several targets ends up with the
	// protection it had before the first of them
	for i := len(t.ops) - 1; i >= 0; i-- {
		op := t.ops[i]
		keep(e.restoreSpans(op.spans))
		for _, s := range op.spans {
			keep(e.mem.FlushInstructionCache(s.addr, s.size))
		}
		if !op.remove {
			keep(e.mem.FlushInstructionCache(op.tramp.addr, slotSize))
		}
	}

	e.mu.Lock()
	for _, op := range t.ops {
		op.tramp.live = !op.remove
	}
	e.mu.Unlock()
	for _, op := range t.ops {
		if op.remove {
			keep(e.freeTrampoline(op.tramp))
		}
	}
	keep(e.reclaim())
	keep(e.protectRegions(vm.ProtRX))
	e.debugf("transaction committed, %d operations", len(t.ops))
	t.resume(keep)
	t.release()
	return nil, firstErr
}

// Abort drops every staged operation. Targets are left untouched.
func (t *Transaction) Abort() error {
	e := t.e
	if !t.owned() {
		return ErrNotOwner
	}
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for i := len(t.ops) - 1; i >= 0; i-- {
		op := t.ops[i]
		keep(e.restoreSpans(op.spans))
		if !op.remove {
			keep(e.freeTrampoline(op.tramp))
		}
	}
	keep(e.reclaim())
	keep(e.protectRegions(vm.ProtRX))
	e.debugf("transaction aborted, %d operations", len(t.ops))
	t.resume(keep)
	t.release()
	return firstErr
}

func (t *Transaction) resume(keep func(error)) {
	for _, th := range t.threads {
		keep(th.Resume())
	}
	t.threads = nil
}

func (t *Transaction) release() {
	t.ops = nil
	t.e.owner.CompareAndSwap(t, nil)
}
