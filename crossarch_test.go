//go:build amd64 || arm64

package detours

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k2io/detours/internal/arch"
	"github.com/k2io/detours/vm"
)

func le32s(ws ...uint32) []byte {
	var b []byte
	for _, w := range ws {
		b = binary.LittleEndian.AppendUint32(b, w)
	}
	return b
}

func TestAttachForeignArch(t *testing.T) {
	cases := []struct {
		arch   string
		a      arch.Arch
		target []byte
		region uintptr
	}{
		{
			// stp x29, x30, [sp, #-16]!; mov x29, sp; ldp x29, x30, [sp], #16; ret
			arch:   "arm64",
			a:      arch.ARM64,
			target: le32s(0xa9bf7bfd, 0x910003fd, 0xa8c17bfd, 0xd65f03c0),
			region: 0x3c030000,
		},
		{
			// push {r4, lr}; mov r4, r0; pop {r4, pc}
			arch:   "arm",
			a:      arch.ARM,
			target: le32s(0xe92d4010, 0xe1a04000, 0xe8bd8010),
			region: 0x3fff0000,
		},
	}
	const target, detour = 0x40001000, 0x40002000
	for _, c := range cases {
		t.Run(c.arch, func(t *testing.T) {
			s := vm.NewSim(0x10000, 0xffff0000)
			require.NoError(t, s.Map(target, c.target, vm.ProtRX))
			require.NoError(t, s.Map(detour, le32s(0xd65f03c0), vm.ProtRX))
			e, err := New(s, Config{Arch: c.arch})
			require.NoError(t, err)
			assert.Equal(t, c.arch, e.Arch())

			p := uintptr(target)
			tr := attach(t, e, &p, detour)
			assert.Equal(t, c.region+slotsPerRegion*slotSize, tr.Addr())
			assert.Equal(t, tr.Addr(), p)
			assert.Equal(t, uintptr(target+4), tr.Remain())

			patch, err := c.a.Patch(target, tr.Stub())
			require.NoError(t, err)
			assert.Equal(t, patch, s.Bytes(target, 4))
			body := append(append([]byte(nil), c.target[:4]...), c.a.Jump(tr.Addr()+4, target+4)...)
			assert.Equal(t, body, s.Bytes(tr.Addr(), len(body)))
			assert.Equal(t, c.a.Jump(tr.Stub(), detour), s.Bytes(tr.Stub(), 4))

			detach(t, e, &p, detour)
			assert.Equal(t, uintptr(target), p)
			assert.Equal(t, c.target, s.Bytes(target, len(c.target)))
		})
	}
}
