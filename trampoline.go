// Copyright (C) 2022 K2 Cyber Security Inc.

package detours

const (
	slotSize = 128
	// relocated prologue plus the jump to Remain
	codeSize = 96
	// jump to the detour, the branch written into the target lands here
	stubOffset = codeSize
	// longest prologue overwritten in a target
	maxRestore = 32
	// entries of the alignment table
	maxAlign = 8
)

// alignPair maps an instruction boundary in the target to the matching
// offset in the trampoline.
type alignPair struct {
	target int
	tramp  int
}

// edit is a rewrite of target code outside the patched prologue.
type edit struct {
	addr uintptr
	old  []byte
	new  []byte
}

// Trampoline is the slot holding a relocated prologue. It is owned by its
// region; callers keep it only for lookups until Detach commits.
type Trampoline struct {
	addr    uintptr
	region  *region
	target  uintptr
	detour  uintptr
	remain  uintptr
	restore []byte
	// written over restore at commit
	redirect []byte
	// morestack tail of a Go function sent back into the trampoline
	restart *edit
	align []alignPair
	size  int
	// committed into the target
	live bool
}

// Addr is the entry that runs the original behavior.
func (t *Trampoline) Addr() uintptr { return t.addr }

// Target is the patched function.
func (t *Trampoline) Target() uintptr { return t.target }

// Detour is the replacement the target branches to.
func (t *Trampoline) Detour() uintptr { return t.detour }

// Remain is the address in the target the trampoline jumps back to.
func (t *Trampoline) Remain() uintptr { return t.remain }

// Stub is the address of the jump to the detour.
func (t *Trampoline) Stub() uintptr { return t.addr + stubOffset }

// Restore returns a copy of the bytes overwritten in the target.
func (t *Trampoline) Restore() []byte { return append([]byte(nil), t.restore...) }
