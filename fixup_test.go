//go:build amd64 || arm64

package detours

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/k2io/detours/vm"
)

// test ecx, ecx; je (widened to 6 bytes); xor eax, eax
var jccAlign = []alignPair{{2, 2}, {4, 8}, {6, 10}}

func TestAlign(t *testing.T) {
	for off, want := range map[int]int{0: 0, 2: 2, 3: 0, 4: 8, 6: 10, 7: 0} {
		assert.Equal(t, want, alignFromTarget(jccAlign, off), "target offset %d", off)
	}
	for off, want := range map[int]int{0: 0, 2: 2, 5: 0, 8: 4, 10: 6} {
		assert.Equal(t, want, alignFromTrampoline(jccAlign, off), "trampoline offset %d", off)
	}
}

func TestRemapPC(t *testing.T) {
	const target, tramp = 0x1000, 0x8000
	insert := []fixup{{target: target, tramp: tramp, restore: 6, align: jccAlign}}
	remove := []fixup{{target: target, tramp: tramp, restore: 6, align: jccAlign, remove: true}}
	restart := []fixup{{target: target, tramp: tramp, restore: 10, align: jccAlign, remove: true, restart: 5}}

	cases := []struct {
		name  string
		fixes []fixup
		pc    uintptr
		want  uintptr
	}{
		{"insert entry", insert, target, tramp},
		{"insert boundary", insert, target + 4, tramp + 8},
		{"insert mid instruction", insert, target + 3, tramp},
		{"insert past restore", insert, target + 6, target + 6},
		{"insert trampoline untouched", insert, tramp + 8, tramp + 8},
		{"remove boundary", remove, tramp + 8, target + 4},
		{"remove jump back", remove, tramp + 10, target + 6},
		{"remove stub", remove, tramp + stubOffset, target},
		{"remove target untouched", remove, target + 2, target + 2},
		{"remove restart branch", restart, target + 5, target},
		{"remove restart past branch", restart, target + 6, target + 6},
		{"outside", insert, 0x5000, 0x5000},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, remapPC(c.fixes, c.pc))
		})
	}
}

func TestFixThreadsRunning(t *testing.T) {
	e, _ := newSim(t, Config{})
	fixes := []fixup{{target: 0x1000, tramp: 0x8000, restore: 6, align: jccAlign}}

	stopped := vm.NewSimThread(0x1004, false)
	assert.NoError(t, stopped.Suspend())
	running := vm.NewSimThread(0x1002, false)

	err := e.fixThreads([]vm.Thread{running, stopped}, fixes)
	assert.True(t, errors.Is(err, vm.ErrAccess))
	pc, _ := stopped.PC()
	assert.Equal(t, uintptr(0x8008), pc)
	pc, _ = running.PC()
	assert.Equal(t, uintptr(0x1002), pc)
}
