// Copyright (C) 2022 K2 Cyber Security Inc.

// Package detours redirects calls to a function at runtime. Each target's
// entry is overwritten with a branch to a detour, while a trampoline keeps
// the relocated original prologue so the original behavior stays callable.
//
// Changes are staged in a Transaction and applied all at once by Commit:
//
//	tx, err := e.Begin()
//	if err != nil {
//		return err
//	}
//	if err := tx.Attach(&real, detour); err != nil {
//		tx.Abort()
//		return err
//	}
//	return tx.Commit()
//
// After Commit, real holds the trampoline address. Detach takes the same
// pointer cell back and restores the target byte for byte.
package detours

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/k2io/detours/internal/arch"
	"github.com/k2io/detours/vm"
)

// Engine patches code in one address space. At most one Transaction per
// Engine is open at a time.
type Engine struct {
	mem  vm.Memory
	arch arch.Arch

	ignoreTooSmall atomic.Bool
	retainRegions  atomic.Bool
	allowRehook    atomic.Bool
	debug          atomic.Bool

	owner atomic.Pointer[Transaction]

	// mu guards the fields below; they change only under an open
	// transaction but are read by CodeFromPointer at any time
	mu            sync.RWMutex
	regions       []*region
	defaultRegion *region
	tramps        map[uintptr]*Trampoline
	sysLo, sysHi  uintptr
	modules       []*Module
}

// New returns an Engine patching mem. cfg.Arch selects the instruction
// set, the running one when empty.
func New(mem vm.Memory, cfg Config) (*Engine, error) {
	if mem == nil {
		return nil, fmt.Errorf("nil memory: %w", ErrInvalidArgument)
	}
	a, err := arch.Native()
	if cfg.Arch != "" {
		a, err = arch.ByName(cfg.Arch)
	}
	if err != nil {
		return nil, err
	}
	e := &Engine{
		mem:    mem,
		arch:   a,
		tramps: make(map[uintptr]*Trampoline),
	}
	e.sysLo, e.sysHi = mem.SystemBand()
	e.ignoreTooSmall.Store(cfg.IgnoreTooSmall)
	e.retainRegions.Store(cfg.RetainRegions)
	e.allowRehook.Store(cfg.AllowRehook)
	e.debug.Store(cfg.Debug)
	return e, nil
}

// Native returns an Engine for the running process, configured from the
// environment. The executable's symbols and import ranges are loaded when
// readable. DETOURS_ARCH must name the running instruction set if set.
func Native() (*Engine, error) {
	cfg := ConfigFromEnv()
	if cfg.Arch != "" && cfg.Arch != runtime.GOARCH {
		return nil, fmt.Errorf("arch %s in a %s process: %w", cfg.Arch, runtime.GOARCH, ErrInvalidArgument)
	}
	mem, err := vm.Native()
	if err != nil {
		return nil, err
	}
	e, err := New(mem, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := e.loadExecutable(); err != nil {
		e.debugf("executable symbols unavailable: %v", err)
	}
	return e, nil
}

// Arch returns the GOARCH name of the instruction set being patched.
func (e *Engine) Arch() string { return e.arch.Name() }

// SetIgnoreTooSmall sets whether too-small targets fail without dooming the
// transaction, returning the previous setting.
func (e *Engine) SetIgnoreTooSmall(ignore bool) bool {
	return e.ignoreTooSmall.Swap(ignore)
}

// SetRetainRegions sets whether empty regions stay reserved, returning the
// previous setting.
func (e *Engine) SetRetainRegions(retain bool) bool {
	return e.retainRegions.Swap(retain)
}

// SetAllowRehook sets whether a detour may be attached twice to the same
// target, returning the previous setting.
func (e *Engine) SetAllowRehook(allow bool) bool {
	return e.allowRehook.Swap(allow)
}

// SetSystemRegionBounds replaces the address band new regions must avoid,
// returning the previous one.
func (e *Engine) SetSystemRegionBounds(lo, hi uintptr) (uintptr, uintptr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	oldLo, oldHi := e.sysLo, e.sysHi
	e.sysLo, e.sysHi = lo, hi
	return oldLo, oldHi
}
