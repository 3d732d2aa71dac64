// Copyright (C) 2022 K2 Cyber Security Inc.

// Package arch holds the instruction-set specific half of the detour engine:
// branch encodings, prologue relocation, function-end and padding predicates,
// Go stack checks and import thunk resolution. Instructions are classified
// with the golang.org/x/arch decoders; bit math is kept for re-encoding.
package arch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
)

var (
	// ErrNotRelocatable means the instruction reads the program counter in a
	// form that cannot be rewritten at another address
	ErrNotRelocatable = errors.New("instruction not relocatable")
	// ErrOutOfRange means a branch or displacement cannot reach its destination
	ErrOutOfRange = errors.New("destination out of range")
	// ErrTruncated means fewer bytes than one instruction were supplied
	ErrTruncated = errors.New("truncated instruction")
)

// Reader reads memory of the patched process.
type Reader interface {
	Read(addr uintptr, p []byte) error
}

// Imported reports whether slot is an import table entry of the module
// containing code.
type Imported func(code, slot uintptr) bool

// Reloc is one source instruction re-encoded for a new address.
type Reloc struct {
	// Code is the new encoding, possibly longer than the source.
	Code []byte
	// Len is the length of the source instruction.
	Len int
	// Dest is the absolute branch or literal address, 0 when the
	// instruction is position independent.
	Dest uintptr
	// Branch is set when Dest is a control transfer destination.
	Branch bool
}

// Arch is an instruction set adapter.
type Arch interface {
	// Name is the GOARCH spelling of the instruction set.
	Name() string
	PtrSize() int
	// PatchSize is the length of the branch written into a target.
	PatchSize() int
	// MaxInstLen is the longest instruction encoding.
	MaxInstLen() int
	// Bounds returns the range a trampoline must lie in to be reached from
	// target by the patch branch.
	Bounds(target uintptr) (lo, hi uintptr)
	// Patch encodes the short branch from -> to written into a target.
	Patch(from, to uintptr) ([]byte, error)
	// Jump encodes an unconditional jump from -> to, immediate when
	// reachable and indirect through an inline literal otherwise.
	Jump(from, to uintptr) []byte
	// Break fills p with trap instructions.
	Break(p []byte)
	// Length decodes the instruction at code and returns its length.
	Length(code []byte) (int, error)
	// Relocate re-encodes the instruction at code, taken from address from,
	// to execute at address to.
	Relocate(code []byte, from, to uintptr) (Reloc, error)
	// EndsFunction reports whether the instruction at code never falls
	// through (return, unconditional jump, trap).
	EndsFunction(code []byte) bool
	// Filler returns the length of the padding instruction at code, or 0.
	Filler(code []byte) int
	// StackCheck recognizes the Go split-stack check at the start of code,
	// taken from pc. It returns the length of the check and the address of
	// the block that calls morestack and restarts the function.
	StackCheck(code []byte, pc uintptr) (n int, morestack uintptr, ok bool)
	// Retarget re-encodes the jump at code, taken from pc, to reach to
	// without changing its length.
	Retarget(code []byte, pc, to uintptr) ([]byte, error)
	// SkipJump follows an import thunk at pc to the code it reaches, or
	// returns pc unchanged.
	SkipJump(r Reader, pc uintptr, imported Imported) uintptr
	// Disasm renders the instruction at code for debug output.
	Disasm(code []byte, pc uintptr) string
}

// Native returns the adapter for the running binary.
func Native() (Arch, error) {
	return ByName(runtime.GOARCH)
}

// ByName returns the adapter for a GOARCH name.
func ByName(name string) (Arch, error) {
	switch name {
	case "386":
		return X86, nil
	case "amd64":
		return X64, nil
	case "arm":
		return ARM, nil
	case "arm64":
		return ARM64, nil
	}
	return nil, fmt.Errorf("arch %q: %w", name, errors.ErrUnsupported)
}

func le32(b []byte) uint32       { return binary.LittleEndian.Uint32(b) }
func putle32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func appendle32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

func appendle64(b []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(b, v)
}

// fits reports whether off is representable as a signed bits-wide value.
func fits(off int64, bits uint) bool {
	lim := int64(1) << (bits - 1)
	return off >= -lim && off < lim
}

func readPtr(r Reader, addr uintptr, size int) (uintptr, bool) {
	buf := make([]byte, size)
	if err := r.Read(addr, buf); err != nil {
		return 0, false
	}
	if size == 4 {
		return uintptr(le32(buf)), true
	}
	return uintptr(binary.LittleEndian.Uint64(buf)), true
}

// reach returns [target-dist, target+dist] clamped to the address space.
func reach(target, dist, floor uintptr) (uintptr, uintptr) {
	lo, hi := floor, ^uintptr(0)-dist
	if target > dist+floor {
		lo = target - dist
	}
	if target < ^uintptr(0)-dist {
		hi = target + dist
	}
	return lo, hi
}
