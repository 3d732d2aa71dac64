//go:build amd64 || arm64

package detours

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/k2io/detours/vm"
)

// x64 fixture: a text page of small functions, a page of detours and an
// import table, laid out like a loaded module.
const (
	textBase = 0x140001000
	fnA      = textBase + 0x000 // push rbp; mov rbp, rsp; sub rsp, 0x10; mov eax, 42; leave; ret
	fnB      = textBase + 0x100 // mov eax, 7; ret
	fnSmall  = textBase + 0x200 // ret; mov rbp, rsp
	fnPadded = textBase + 0x280 // ret; int3 x4
	fnJcc    = textBase + 0x300 // test ecx, ecx; je +2; xor eax, eax; ret
	fnInto   = textBase + 0x400 // je +1; nop; nop; nop; ret
	fnLoop   = textBase + 0x500 // loop -2
	fnJmp    = textBase + 0xe00 // jmp fnThunk
	fnLocal  = textBase + 0xe80 // jmp [fnB], not an import slot
	fnThunk  = textBase + 0xf00 // jmp [rip+0x20fa] -> iat

	detBase = 0x140002000
	det1    = detBase + 0x000
	det2    = detBase + 0x100

	iatBase = 0x140004000
)

var fixture = map[uintptr][]byte{
	fnA:      {0x55, 0x48, 0x89, 0xe5, 0x48, 0x83, 0xec, 0x10, 0xb8, 0x2a, 0x00, 0x00, 0x00, 0xc9, 0xc3},
	fnB:      {0xb8, 0x07, 0x00, 0x00, 0x00, 0xc3},
	fnSmall:  {0xc3, 0x48, 0x89, 0xe5},
	fnPadded: {0xc3, 0xcc, 0xcc, 0xcc, 0xcc},
	fnJcc:    {0x85, 0xc9, 0x74, 0x02, 0x31, 0xc0, 0xc3},
	fnInto:   {0x74, 0x01, 0x90, 0x90, 0x90, 0xc3},
	fnLoop:   {0xe2, 0xfe, 0x90, 0x90, 0x90, 0xc3},
	fnJmp:    {0xe9, 0xfb, 0x00, 0x00, 0x00},
	fnLocal:  {0xff, 0x25, 0x7a, 0xf2, 0xff, 0xff},
	fnThunk:  {0xff, 0x25, 0xfa, 0x20, 0x00, 0x00},
}

func newSim(t *testing.T, cfg Config) (*Engine, *vm.Sim) {
	t.Helper()
	s := vm.NewSim(0x10000, 0x7ffffffe0000)

	text := make([]byte, 0x1000)
	for addr, code := range fixture {
		copy(text[addr-textBase:], code)
	}
	require.NoError(t, s.Map(textBase, text, vm.ProtRX))

	dets := make([]byte, 0x200)
	copy(dets, []byte{0xb8, 0x01, 0x00, 0x00, 0x00, 0xc3})
	copy(dets[0x100:], []byte{0xb8, 0x02, 0x00, 0x00, 0x00, 0xc3})
	require.NoError(t, s.Map(detBase, dets, vm.ProtRX))

	iat := make([]byte, 8)
	for i := 0; i < 8; i++ {
		iat[i] = byte(uint64(fnA) >> (8 * i))
	}
	require.NoError(t, s.Map(iatBase, iat, vm.ProtRead))

	if cfg.Arch == "" {
		cfg.Arch = "amd64"
	}
	e, err := New(s, cfg)
	require.NoError(t, err)
	e.AddModule(Module{
		Name:    "fixture",
		Code:    Range{Lo: textBase, Hi: detBase + 0x1000},
		Imports: []Range{{Lo: iatBase, Hi: iatBase + 0x100}},
	})
	return e, s
}

// snapshot copies the first bytes of every fixture function.
func snapshot(s *vm.Sim) map[uintptr][]byte {
	out := make(map[uintptr][]byte, len(fixture))
	for addr, code := range fixture {
		out[addr] = s.Bytes(addr, len(code))
	}
	return out
}

func attach(t *testing.T, e *Engine, cell *uintptr, detour uintptr) *Trampoline {
	t.Helper()
	tx, err := e.Begin()
	require.NoError(t, err)
	tr, _, _, err := tx.AttachEx(cell, detour)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return tr
}

func detach(t *testing.T, e *Engine, cell *uintptr, detour uintptr) {
	t.Helper()
	tx, err := e.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Detach(cell, detour))
	require.NoError(t, tx.Commit())
}
