// Copyright (C) 2022 K2 Cyber Security Inc.

// Package vm abstracts the address space the detour engine patches: page
// protections, free-gap queries, region reservation, instruction cache
// maintenance and thread control. Native implementations talk to the OS,
// Sim keeps everything in Go memory.
package vm

import "errors"

// Prot is a page protection made of ProtRead, ProtWrite and ProtExec.
type Prot uint32

const (
	ProtNone  Prot = 0
	ProtRead  Prot = 1 << 0
	ProtWrite Prot = 1 << 1
	ProtExec  Prot = 1 << 2

	ProtRX  = ProtRead | ProtExec
	ProtRW  = ProtRead | ProtWrite
	ProtRWX = ProtRead | ProtWrite | ProtExec
)

// Executable reports whether p allows instruction fetch.
func (p Prot) Executable() bool { return p&ProtExec != 0 }

func (p Prot) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Span describes the mapping (or the free gap) around an address.
type Span struct {
	Base uintptr
	Size uintptr
	Free bool
	Prot Prot
}

// End returns the first address past the span.
func (s Span) End() uintptr { return s.Base + s.Size }

// Contains reports whether addr lies inside the span.
func (s Span) Contains(addr uintptr) bool { return addr >= s.Base && addr-s.Base < s.Size }

var (
	// ErrUnavailable means the requested address range is already in use
	ErrUnavailable = errors.New("address range unavailable")
	// ErrDynamicCodeBlocked means the process policy forbids new executable memory
	ErrDynamicCodeBlocked = errors.New("dynamic code blocked by process policy")
	// ErrAccess means the range is not mapped with the required permission
	ErrAccess = errors.New("memory access violation")
	// ErrUnsupported means no native implementation exists for this platform
	ErrUnsupported = errors.New("unsupported platform")
)

// Memory is the address space of a process.
type Memory interface {
	// PageSize is the protection granularity.
	PageSize() uintptr
	// Granularity is the alignment of reservations.
	Granularity() uintptr
	// Bounds returns the usable user address range.
	Bounds() (lo, hi uintptr)
	// SystemBand returns a range reserved by the OS that reservations must avoid.
	SystemBand() (lo, hi uintptr)
	// Query describes the mapping or free gap containing addr.
	Query(addr uintptr) (Span, error)
	// Reserve maps size bytes exactly at addr, or fails with ErrUnavailable.
	Reserve(addr, size uintptr, prot Prot) (uintptr, error)
	// Release unmaps a range obtained from Reserve.
	Release(addr, size uintptr) error
	// Protect changes protection and returns the previous one.
	Protect(addr, size uintptr, prot Prot) (Prot, error)
	Read(addr uintptr, p []byte) error
	Write(addr uintptr, p []byte) error
	FlushInstructionCache(addr, size uintptr) error
}

// Thread is a thread of the patched process that may be executing code
// about to be rewritten.
type Thread interface {
	// IsCurrent reports whether the thread is the caller.
	IsCurrent() bool
	Suspend() error
	Resume() error
	PC() (uintptr, error)
	SetPC(pc uintptr) error
}

// PageRange returns the page-aligned range covering [addr, addr+size).
func PageRange(addr, size, pageSize uintptr) (uintptr, uintptr) {
	start := addr &^ (pageSize - 1)
	end := (addr + size + pageSize - 1) &^ (pageSize - 1)
	if size == 0 {
		end = start + pageSize
	}
	return start, end - start
}

// AlignDown rounds addr down to a multiple of align (a power of two).
func AlignDown(addr, align uintptr) uintptr { return addr &^ (align - 1) }

// AlignUp rounds addr up to a multiple of align (a power of two).
func AlignUp(addr, align uintptr) uintptr { return (addr + align - 1) &^ (align - 1) }
