//go:build amd64 || arm64

package arch

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k2io/detours/vm"
)

func TestX64Patch(t *testing.T) {
	b, err := X64.Patch(0x1000, 0x2000)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xe9, 0xfb, 0x0f, 0x00, 0x00}, b)

	_, err = X64.Patch(0x1000, 0x7fff00000000)
	assert.True(t, errors.Is(err, ErrOutOfRange))
}

func TestX86PatchWraps(t *testing.T) {
	b, err := X86.Patch(0x1000, 0x500)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xe9, 0xfb, 0xf4, 0xff, 0xff}, b)
}

func TestX64JumpFar(t *testing.T) {
	b := X64.Jump(0x1000, 0x7fff00000000)
	want := binary.LittleEndian.AppendUint64([]byte{0xff, 0x25, 0, 0, 0, 0}, 0x7fff00000000)
	assert.Equal(t, want, b)
}

func TestX64Relocate(t *testing.T) {
	cases := []struct {
		name   string
		code   []byte
		from   uintptr
		to     uintptr
		want   []byte
		dest   uintptr
		branch bool
	}{
		{"push", []byte{0x55}, 0x1000, 0x2000, []byte{0x55}, 0, false},
		{"mov", []byte{0x48, 0x89, 0xe5}, 0x1000, 0x2000, []byte{0x48, 0x89, 0xe5}, 0, false},
		{"je short widened", []byte{0x74, 0x05}, 0x1000, 0x2000,
			[]byte{0x0f, 0x84, 0x01, 0xf0, 0xff, 0xff}, 0x1007, true},
		{"call rel32", []byte{0xe8, 0x00, 0x01, 0x00, 0x00}, 0x1000, 0x3000,
			[]byte{0xe8, 0x00, 0xe1, 0xff, 0xff}, 0x1105, true},
		{"rip relative", []byte{0x48, 0x8b, 0x05, 0x10, 0x00, 0x00, 0x00}, 0x1000, 0x2000,
			[]byte{0x48, 0x8b, 0x05, 0x10, 0xf0, 0xff, 0xff}, 0x1017, false},
		{"jne far", []byte{0x75, 0x10}, 0x1000, 0x7fff00000000,
			binary.LittleEndian.AppendUint64([]byte{0x74, 0x0e, 0xff, 0x25, 0, 0, 0, 0}, 0x1012), 0x1012, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			code := append(append([]byte(nil), c.code...), make([]byte, 15)...)
			r, err := X64.Relocate(code, c.from, c.to)
			require.NoError(t, err)
			assert.Equal(t, len(c.code), r.Len)
			assert.Equal(t, c.want, r.Code)
			assert.Equal(t, c.dest, r.Dest)
			assert.Equal(t, c.branch, r.Branch)
		})
	}
}

func TestX64RelocateLoop(t *testing.T) {
	_, err := X64.Relocate([]byte{0xe2, 0xfe, 0, 0}, 0x1000, 0x2000)
	assert.True(t, errors.Is(err, ErrNotRelocatable))
}

func TestX64Predicates(t *testing.T) {
	assert.True(t, X64.EndsFunction([]byte{0xc3, 0, 0, 0}))
	assert.True(t, X64.EndsFunction([]byte{0xe9, 0, 0, 0, 0}))
	assert.True(t, X64.EndsFunction([]byte{0xcc}))
	assert.False(t, X64.EndsFunction([]byte{0x55, 0, 0, 0}))

	assert.Equal(t, 1, X64.Filler([]byte{0x90, 0x90}))
	assert.Equal(t, 1, X64.Filler([]byte{0xcc}))
	assert.Equal(t, 3, X64.Filler([]byte{0x0f, 0x1f, 0x00, 0x55}))
	assert.Equal(t, 0, X64.Filler([]byte{0x55, 0, 0, 0}))

	n, err := X64.Length([]byte{0x48, 0x83, 0xec, 0x10, 0})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestX64Bounds(t *testing.T) {
	lo, hi := X64.Bounds(0x100000000)
	assert.Equal(t, uintptr(0x100000000-x64Reach), lo)
	assert.Equal(t, uintptr(0x100000000+x64Reach), hi)

	lo, _ = X64.Bounds(0x400000)
	assert.Equal(t, uintptr(0x80000), lo)

	lo, hi = X86.Bounds(0x400000)
	assert.Equal(t, uintptr(0), lo)
	assert.Equal(t, uintptr(0xffffffff), hi)
}

func TestX64SkipJump(t *testing.T) {
	s := vm.NewSim(0x10000, 0x10000000)
	// jmp [rip+0x0a], slot 0x400010 is not an import
	require.NoError(t, s.Map(0x400000, []byte{0xff, 0x25, 0x0a, 0, 0, 0}, vm.ProtRX))
	require.NoError(t, s.Map(0x401000, binary.LittleEndian.AppendUint64(nil, 0x500000), vm.ProtRead))
	// jmp [rip-0x1006], slot 0x401000
	require.NoError(t, s.Map(0x402000, []byte{0xff, 0x25, 0xfa, 0xef, 0xff, 0xff}, vm.ProtRX))
	require.NoError(t, s.Map(0x500000, []byte{0xc3}, vm.ProtRX))
	// jmp 0x402000
	require.NoError(t, s.Map(0x600000, []byte{0xe9, 0xfb, 0x1f, 0xe0, 0xff}, vm.ProtRX))
	// jmp 0x400000
	require.NoError(t, s.Map(0x610000, []byte{0xe9, 0xfb, 0xff, 0xde, 0xff}, vm.ProtRX))

	imported := func(code, slot uintptr) bool { return slot == 0x401000 }
	none := func(code, slot uintptr) bool { return false }

	cases := []struct {
		pc       uintptr
		imported Imported
		want     uintptr
	}{
		{0x402000, imported, 0x500000},
		{0x402000, none, 0x402000},
		{0x400000, imported, 0x400000},
		{0x600000, imported, 0x500000},
		{0x600000, none, 0x600000},
		{0x610000, imported, 0x610000},
		{0x500000, imported, 0x500000},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, X64.SkipJump(s, c.pc, c.imported), "pc %#x", c.pc)
	}
}

func TestX64StackCheck(t *testing.T) {
	// cmp rsp, [r14+0x10]; jbe +0x0b; push rbp
	code := []byte{0x49, 0x3b, 0x66, 0x10, 0x76, 0x0b, 0x55, 0, 0, 0}
	n, morestack, ok := X64.StackCheck(code, 0x1000)
	require.True(t, ok)
	assert.Equal(t, 6, n)
	assert.Equal(t, uintptr(0x1011), morestack)

	// lea r12, [rsp-0x100]; cmp r12, [r14+0x10]; jbe +0x20
	code = []byte{0x4c, 0x8d, 0xa4, 0x24, 0x00, 0xff, 0xff, 0xff, 0x4d, 0x3b, 0x66, 0x10, 0x76, 0x20, 0x55}
	n, morestack, ok = X64.StackCheck(code, 0x1000)
	require.True(t, ok)
	assert.Equal(t, 14, n)
	assert.Equal(t, uintptr(0x102e), morestack)

	// cmp rax, [rbx+8] is not a stack guard
	_, _, ok = X64.StackCheck([]byte{0x48, 0x3b, 0x43, 0x08, 0x76, 0x0b, 0x55}, 0x1000)
	assert.False(t, ok)
	_, _, ok = X64.StackCheck([]byte{0x55, 0x48, 0x89, 0xe5}, 0x1000)
	assert.False(t, ok)
}

func TestX64Retarget(t *testing.T) {
	// jmp 0x1000 at 0x1020
	b, err := X64.Retarget([]byte{0xeb, 0xde}, 0x1020, 0x1005)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xeb, 0xe3}, b)

	b, err = X64.Retarget([]byte{0xe9, 0xdb, 0xff, 0xff, 0xff}, 0x1020, 0x1005)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xe9, 0xe0, 0xff, 0xff, 0xff}, b)

	_, err = X64.Retarget([]byte{0xeb, 0xde}, 0x1020, 0x2000)
	assert.True(t, errors.Is(err, ErrOutOfRange))
	_, err = X64.Retarget([]byte{0x76, 0xde}, 0x1020, 0x1005)
	assert.True(t, errors.Is(err, ErrNotRelocatable))
}

func TestByName(t *testing.T) {
	for _, name := range []string{"386", "amd64", "arm", "arm64"} {
		a, err := ByName(name)
		require.NoError(t, err)
		assert.Equal(t, name, a.Name())
	}
	_, err := ByName("ia64")
	assert.True(t, errors.Is(err, errors.ErrUnsupported))
}
