package detours

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// call runs the code at pc as a func() int.
func call(pc uintptr) int {
	fv := &pc
	f := *(*func() int)(unsafe.Pointer(&fv))
	return f()
}

func TestNativeAttachDetach(t *testing.T) {
	e := nativeEngine(t)
	pc, err := FuncPC(anchor)
	require.NoError(t, err)
	base, size, err := e.AllocateRegionWithinJumpBounds(pc)
	if err != nil {
		t.Skipf("no executable memory: %v", err)
	}
	defer e.mem.Release(base, size)

	target, detour := base, base+0x100
	require.NoError(t, e.mem.Write(target, []byte{0xb8, 0x2a, 0x00, 0x00, 0x00, 0xc3}))
	require.NoError(t, e.mem.Write(detour, []byte{0xb8, 0x07, 0x00, 0x00, 0x00, 0xc3}))
	require.NoError(t, e.mem.FlushInstructionCache(base, 0x200))
	require.Equal(t, 42, call(target))

	p := target
	tr := attach(t, e, &p, detour)
	assert.Equal(t, 7, call(target))
	assert.Equal(t, 42, call(p))
	assert.Equal(t, tr.Addr(), p)

	detach(t, e, &p, detour)
	assert.Equal(t, target, p)
	assert.Equal(t, 42, call(target))
}

//go:noinline
func add(a, b int) int { return a + b }

//go:noinline
func mul(a, b int) int { return a * b }

func TestNativeAttachFunc(t *testing.T) {
	e := nativeEngine(t)
	var orig func(int, int) int

	tx, err := e.Begin()
	require.NoError(t, err)
	if _, err := tx.AttachFunc(add, mul, &orig); err != nil {
		tx.Abort()
		t.Skipf("text not patchable: %v", err)
	}
	require.NoError(t, tx.Commit())
	assert.Equal(t, 12, add(3, 4))
	assert.Equal(t, 7, orig(3, 4))

	tx, err = e.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.DetachFunc(&orig, mul))
	require.NoError(t, tx.Commit())
	assert.Equal(t, 7, add(3, 4))
	assert.Equal(t, 7, orig(3, 4))
}

//go:noinline
func fill(b []byte, n int) int {
	b[n%len(b)] = byte(n)
	return int(b[n%len(b)])
}

// grow has a frame larger than a new goroutine's stack.
//
//go:noinline
func grow(n int) int {
	var buf [16 << 10]byte
	return fill(buf[:], n)
}

var (
	growOrig  func(int) int
	growCalls int
)

func growDetour(n int) int {
	growCalls++
	return growOrig(n) + 1
}

func TestNativeAttachFuncMorestack(t *testing.T) {
	e := nativeEngine(t)
	tx, err := e.Begin()
	require.NoError(t, err)
	if _, err := tx.AttachFunc(grow, growDetour, &growOrig); err != nil {
		tx.Abort()
		t.Skipf("text not patchable: %v", err)
	}
	require.NoError(t, tx.Commit())
	defer func() {
		tx, err := e.Begin()
		require.NoError(t, err)
		require.NoError(t, tx.DetachFunc(&growOrig, growDetour))
		require.NoError(t, tx.Commit())
	}()

	growCalls = 0
	done := make(chan int)
	go func() { done <- grow(5) }()
	assert.Equal(t, 6, <-done)
	assert.Equal(t, 1, growCalls, "growing the stack does not reenter the detour")
}
