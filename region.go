// Copyright (C) 2022 K2 Cyber Security Inc.

package detours

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/k2io/detours/vm"
)

const (
	regionSize = 0x10000
	// slot 0 of every region is the header
	slotsPerRegion = regionSize/slotSize - 1
	// "Dtrg" little endian
	regionSignature = 0x67727444
)

// region is a reserved block of slots. The free-list is a stack; the slot
// handed out next is the one nearest the target the region was made for.
type region struct {
	base uintptr
	free []uintptr
}

func (r *region) contains(addr uintptr) bool {
	return addr >= r.base && addr-r.base < regionSize
}

func (r *region) empty() bool { return len(r.free) == slotsPerRegion }

// take pops the topmost free slot lying in [lo, hi].
func (r *region) take(lo, hi uintptr) (uintptr, bool) {
	for i := len(r.free) - 1; i >= 0; i-- {
		a := r.free[i]
		if a >= lo && a+slotSize <= hi {
			r.free = append(r.free[:i], r.free[i+1:]...)
			return a, true
		}
	}
	return 0, false
}

// bounds returns the range a trampoline for target must lie in.
func (e *Engine) bounds(target uintptr) (uintptr, uintptr) {
	lo, hi := e.arch.Bounds(target)
	mlo, mhi := e.mem.Bounds()
	return max(lo, mlo), min(hi, mhi)
}

// allocTrampoline reserves a slot reachable from target. The caller owns
// the open transaction.
func (e *Engine) allocTrampoline(target uintptr) (*Trampoline, error) {
	lo, hi := e.bounds(target)
	e.mu.Lock()
	defer e.mu.Unlock()

	try := func(r *region) *Trampoline {
		addr, ok := r.take(lo, hi)
		if !ok {
			return nil
		}
		e.defaultRegion = r
		t := &Trampoline{addr: addr, region: r, target: target}
		e.tramps[addr] = t
		return t
	}
	if r := e.defaultRegion; r != nil {
		if t := try(r); t != nil {
			return t, nil
		}
	}
	for _, r := range e.regions {
		if t := try(r); t != nil {
			return t, nil
		}
	}

	base, err := e.findRegion(target, lo, hi)
	if err != nil {
		return nil, err
	}
	r, err := e.newRegion(base, target)
	if err != nil {
		return nil, err
	}
	e.regions = append(e.regions, r)
	e.debugf("region %#x reserved for target %#x", base, target)
	if t := try(r); t != nil {
		return t, nil
	}
	return nil, fmt.Errorf("region %#x out of reach of %#x: %w", base, target, ErrNotEnoughMemory)
}

func (e *Engine) newRegion(base, target uintptr) (*region, error) {
	hdr := make([]byte, 8)
	binary.LittleEndian.PutUint32(hdr, regionSignature)
	binary.LittleEndian.PutUint32(hdr[4:], slotsPerRegion)
	if err := e.mem.Write(base, hdr); err != nil {
		_ = e.mem.Release(base, regionSize)
		return nil, err
	}
	r := &region{base: base, free: make([]uintptr, 0, slotsPerRegion)}
	// push the farthest slot first so the nearest one is on top
	if base > target {
		for i := slotsPerRegion; i >= 1; i-- {
			r.free = append(r.free, base+uintptr(i)*slotSize)
		}
	} else {
		for i := 1; i <= slotsPerRegion; i++ {
			r.free = append(r.free, base+uintptr(i)*slotSize)
		}
	}
	return r, nil
}

// isRegion checks the signature in the header of r.
func (e *Engine) isRegion(r *region) bool {
	var hdr [4]byte
	if err := e.mem.Read(r.base, hdr[:]); err != nil {
		return false
	}
	return binary.LittleEndian.Uint32(hdr[:]) == regionSignature
}

// inRegion reports whether addr lies in a trampoline region.
func (e *Engine) inRegion(addr uintptr) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.regions {
		if r.contains(addr) {
			return true
		}
	}
	return false
}

// freeTrampoline zeroes the slot and returns it to its region.
func (e *Engine) freeTrampoline(t *Trampoline) error {
	err := e.mem.Write(t.addr, make([]byte, slotSize))
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.tramps, t.addr)
	t.region.free = append(t.region.free, t.addr)
	return err
}

// reclaim releases every region whose slots are all free.
func (e *Engine) reclaim() error {
	if e.retainRegions.Load() {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	kept := e.regions[:0]
	for _, r := range e.regions {
		if !r.empty() {
			kept = append(kept, r)
			continue
		}
		if err := e.mem.Release(r.base, regionSize); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			kept = append(kept, r)
			continue
		}
		e.debugf("region %#x released", r.base)
		if e.defaultRegion == r {
			e.defaultRegion = nil
		}
	}
	clear(e.regions[len(kept):])
	e.regions = kept
	return firstErr
}

// protectRegions sets the protection of every region.
func (e *Engine) protectRegions(prot vm.Prot) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.regions {
		if _, err := e.mem.Protect(r.base, regionSize, prot); err != nil {
			return err
		}
	}
	return nil
}

// AllocateRegionWithinJumpBounds reserves an RWX block reachable by the
// patch branch from target. The block is the caller's and is not used for
// trampolines.
func (e *Engine) AllocateRegionWithinJumpBounds(target uintptr) (uintptr, uintptr, error) {
	lo, hi := e.bounds(target)
	e.mu.RLock()
	defer e.mu.RUnlock()
	base, err := e.findRegion(target, lo, hi)
	if err != nil {
		return 0, 0, err
	}
	return base, regionSize, nil
}

type searchStep struct {
	down   bool
	lo, hi uintptr
}

// findRegion reserves a free region in [lo, hi]. On 64-bit targets the
// search starts a quarter of the window away from target, below first,
// so successive runs do not pack regions against the target.
func (e *Engine) findRegion(target, lo, hi uintptr) (uintptr, error) {
	var off uintptr
	if e.arch.PtrSize() == 8 {
		off = (hi - lo) / 4
	}
	below := off != 0 && target > lo && target-lo > off
	above := off != 0 && hi > target && hi-target > off

	var steps []searchStep
	if below {
		steps = append(steps, searchStep{true, lo, target - off})
	}
	if above {
		steps = append(steps, searchStep{false, target + off, hi})
	}
	if below {
		steps = append(steps, searchStep{false, target - off, target})
	}
	if above {
		steps = append(steps, searchStep{true, target, target + off})
	}
	steps = append(steps, searchStep{true, lo, target}, searchStep{false, target, hi})

	for _, s := range steps {
		var addr uintptr
		var err error
		if s.down {
			addr, err = e.searchDown(s.lo, s.hi)
		} else {
			addr, err = e.searchUp(s.lo, s.hi)
		}
		if err != nil {
			return 0, err
		}
		if addr != 0 {
			return addr, nil
		}
	}
	return 0, fmt.Errorf("no free region near %#x: %w", target, ErrNotEnoughMemory)
}

func (e *Engine) inSystemBand(addr uintptr) bool {
	return e.sysHi > e.sysLo && addr < e.sysHi && addr+regionSize > e.sysLo
}

// reserve returns 0 when addr is taken and an error only when no
// executable memory can be reserved anywhere.
func (e *Engine) reserve(addr uintptr) (uintptr, error) {
	base, err := e.mem.Reserve(addr, regionSize, vm.ProtRWX)
	if err == nil {
		return base, nil
	}
	if errors.Is(err, vm.ErrDynamicCodeBlocked) {
		return 0, fmt.Errorf("%w: %w", ErrNotEnoughMemory, err)
	}
	e.debugf("reserve %#x: %v", addr, err)
	return 0, nil
}

// searchDown searches [lo, hi] from the top.
func (e *Engine) searchDown(lo, hi uintptr) (uintptr, error) {
	gran := e.mem.Granularity()
	if hi < lo || hi-lo < regionSize {
		return 0, nil
	}
	for try := vm.AlignDown(hi-regionSize, gran); try >= lo; {
		if e.inSystemBand(try) {
			if e.sysLo < lo+regionSize {
				break
			}
			try = vm.AlignDown(e.sysLo-regionSize, gran)
			continue
		}
		span, err := e.mem.Query(try)
		if err != nil {
			break
		}
		if span.Free {
			if span.End()-try >= regionSize {
				addr, err := e.reserve(try)
				if err != nil || addr != 0 {
					return addr, err
				}
				if try < lo+gran {
					break
				}
				try -= gran
				continue
			}
			if span.End() >= regionSize {
				if c := vm.AlignDown(span.End()-regionSize, gran); c >= span.Base && c < try {
					try = c
					continue
				}
			}
		}
		if span.Base < lo+regionSize {
			break
		}
		try = vm.AlignDown(span.Base-regionSize, gran)
	}
	return 0, nil
}

// searchUp searches [lo, hi] from the bottom.
func (e *Engine) searchUp(lo, hi uintptr) (uintptr, error) {
	gran := e.mem.Granularity()
	for try := vm.AlignUp(lo, gran); try >= lo && try < hi && hi-try >= regionSize; {
		if e.inSystemBand(try) {
			try = vm.AlignUp(e.sysHi, gran)
			continue
		}
		span, err := e.mem.Query(try)
		if err != nil {
			break
		}
		if span.Free && span.End()-try >= regionSize {
			addr, err := e.reserve(try)
			if err != nil || addr != 0 {
				return addr, err
			}
			try += gran
			continue
		}
		try = vm.AlignUp(span.End(), gran)
	}
	return 0, nil
}
