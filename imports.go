// Copyright (C) 2022 K2 Cyber Security Inc.

package detours

import (
	"fmt"
	"os"
	"runtime"

	"github.com/k2io/detours/internal/objsym"
)

// Range is a half-open address range.
type Range = objsym.Range

// Module is a loaded image: its code and the ranges holding its resolved
// import pointers. Import thunks are followed only through those ranges.
type Module struct {
	Name    string
	Code    Range
	Imports []Range
	symbols map[string]uintptr
}

// AddModule registers m for import resolution.
func (e *Engine) AddModule(m Module) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.modules = append(e.modules, &m)
}

// LoadModule reads the object file at path, relocates its addresses by
// bias and registers it.
func (e *Engine) LoadModule(path string, bias uintptr) (Module, error) {
	f, err := objsym.Open(path)
	if err != nil {
		return Module{}, err
	}
	m := Module{
		Name:    path,
		Code:    f.Text.Shift(bias),
		symbols: make(map[string]uintptr, len(f.Symbols)),
	}
	for _, r := range f.Imports {
		m.Imports = append(m.Imports, r.Shift(bias))
	}
	for name, addr := range f.Symbols {
		m.symbols[name] = addr + bias
	}
	e.AddModule(m)
	e.debugf("module %s (%s): text %#x-%#x, %d import ranges", path, f.Format, m.Code.Lo, m.Code.Hi, len(m.Imports))
	return m, nil
}

func anchor() {}

// loadExecutable registers the running executable, deriving its load bias
// from the address of a known function.
func (e *Engine) loadExecutable() (Module, error) {
	exe, err := os.Executable()
	if err != nil {
		return Module{}, err
	}
	f, err := objsym.Open(exe)
	if err != nil {
		return Module{}, err
	}
	pc, _ := FuncPC(anchor)
	name := runtime.FuncForPC(pc).Name()
	addr, ok := f.Symbols[name]
	if !ok {
		// Mach-O prefixes C-visible names
		addr, ok = f.Symbols["_"+name]
	}
	if !ok {
		return Module{}, fmt.Errorf("%s in %s: %w", name, exe, ErrSymbolNotFound)
	}
	return e.LoadModule(exe, pc-addr)
}

func (e *Engine) moduleOf(code uintptr) *Module {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, m := range e.modules {
		if m.Code.Contains(code) {
			return m
		}
	}
	return nil
}

// IsFunctionImported reports whether candidate is an import slot of the
// module containing code.
func (e *Engine) IsFunctionImported(code, candidate uintptr) bool {
	m := e.moduleOf(code)
	if m == nil {
		return false
	}
	for _, r := range m.Imports {
		if r.Contains(candidate) {
			return true
		}
	}
	return false
}

// FindFunction returns the address of the named function in a loaded module.
func (e *Engine) FindFunction(name string) (uintptr, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, m := range e.modules {
		if addr, ok := m.symbols[name]; ok {
			return addr, nil
		}
	}
	return 0, fmt.Errorf("%s: %w", name, ErrSymbolNotFound)
}
