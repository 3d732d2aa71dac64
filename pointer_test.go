//go:build amd64 || arm64

package detours

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeFromPointer(t *testing.T) {
	e, _ := newSim(t, Config{})
	cases := []struct {
		name string
		p    uintptr
		want uintptr
	}{
		{"plain", fnB, fnB},
		{"import thunk", fnThunk, fnA},
		{"jump to import thunk", fnJmp, fnA},
		{"indirect jump outside imports", fnLocal, fnLocal},
		{"unmapped", 0x9000, 0x9000},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			code, globals := e.CodeFromPointer(c.p)
			assert.Equal(t, c.want, code)
			assert.Zero(t, globals)
			again, _ := e.CodeFromPointer(code)
			assert.Equal(t, code, again)
		})
	}
}

func TestCodeFromPointerDetoured(t *testing.T) {
	e, _ := newSim(t, Config{})
	a := uintptr(fnA)
	tr := attach(t, e, &a, det1)

	// the patch branch leads into a region and is not followed
	code, _ := e.CodeFromPointer(fnA)
	assert.Equal(t, uintptr(fnA), code)
	code, _ = e.CodeFromPointer(fnThunk)
	assert.Equal(t, uintptr(fnA), code)
	code, _ = e.CodeFromPointer(tr.Addr())
	assert.Equal(t, tr.Addr(), code)
}

func TestIsFunctionImported(t *testing.T) {
	e, _ := newSim(t, Config{})
	assert.True(t, e.IsFunctionImported(fnThunk, iatBase))
	assert.True(t, e.IsFunctionImported(det1, iatBase+0xf8))
	assert.False(t, e.IsFunctionImported(fnThunk, iatBase+0x100))
	assert.False(t, e.IsFunctionImported(fnThunk, fnB))
	assert.False(t, e.IsFunctionImported(0x9000, iatBase), "no module owns the code")
}

func TestFindFunction(t *testing.T) {
	e, _ := newSim(t, Config{})
	e.AddModule(Module{
		Name:    "symbols",
		Code:    Range{Lo: 0x50000000, Hi: 0x50001000},
		symbols: map[string]uintptr{"main.run": 0x50000040},
	})
	addr, err := e.FindFunction("main.run")
	assert.NoError(t, err)
	assert.Equal(t, uintptr(0x50000040), addr)

	_, err = e.FindFunction("main.missing")
	assert.ErrorIs(t, err, ErrSymbolNotFound)
}
