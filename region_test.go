//go:build amd64 || arm64

package detours

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k2io/detours/vm"
)

func TestRegionPlacement(t *testing.T) {
	e, s := newSim(t, Config{})
	a := uintptr(fnA)
	tr := attach(t, e, &a, det1)

	base := tr.Addr() &^ (regionSize - 1)
	lo, hi := e.bounds(fnA)
	assert.Equal(t, uintptr(0x100030000), base, "a quarter of the window below the target")
	assert.True(t, base >= lo, "region %#x below %#x", base, lo)
	assert.True(t, base+regionSize <= hi, "region %#x above %#x", base, hi)
	// the region lies below the target, so its last slot is nearest
	assert.Equal(t, base+slotsPerRegion*slotSize, tr.Addr())
	assert.Equal(t, []byte{'D', 't', 'r', 'g', 0xff, 0x01, 0x00, 0x00}, s.Bytes(base, 8))
	assert.True(t, e.inRegion(tr.Stub()))
	assert.False(t, e.inRegion(fnA))
}

func TestRegionReuse(t *testing.T) {
	e, s := newSim(t, Config{})
	mappings := s.Mappings()

	a, b := uintptr(fnA), uintptr(fnB)
	ta := attach(t, e, &a, det1)
	tb := attach(t, e, &b, det2)
	assert.Equal(t, ta.Addr()-slotSize, tb.Addr())
	assert.Equal(t, mappings+1, s.Mappings())

	// a freed slot goes back on top of the stack
	detach(t, e, &a, det1)
	assert.Equal(t, make([]byte, slotSize), s.Bytes(ta.Addr(), slotSize))
	a = fnA
	again := attach(t, e, &a, det1)
	assert.Equal(t, ta.Addr(), again.Addr())

	detach(t, e, &a, det1)
	detach(t, e, &b, det2)
	assert.Equal(t, mappings, s.Mappings())
}

func TestRetainRegions(t *testing.T) {
	e, s := newSim(t, Config{RetainRegions: true})
	mappings := s.Mappings()

	a := uintptr(fnA)
	tr := attach(t, e, &a, det1)
	detach(t, e, &a, det1)
	assert.Equal(t, mappings+1, s.Mappings())
	require.Len(t, e.regions, 1)
	assert.True(t, e.isRegion(e.regions[0]))

	assert.True(t, e.SetRetainRegions(false))
	tx, err := e.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.Equal(t, mappings, s.Mappings())
	assert.False(t, e.inRegion(tr.Addr()))
}

func TestSystemRegionBounds(t *testing.T) {
	e, s := newSim(t, Config{})
	oldLo, oldHi := e.SetSystemRegionBounds(0xf0000000, 0x100040000)
	assert.Zero(t, oldLo)
	assert.Zero(t, oldHi)

	a := uintptr(fnA)
	tr := attach(t, e, &a, det1)
	base := tr.Addr() &^ (regionSize - 1)
	assert.Equal(t, uintptr(0xefff0000), base)

	span, err := s.Query(0x100030000)
	require.NoError(t, err)
	assert.True(t, span.Free)
}

func TestSimSystemBand(t *testing.T) {
	s := vm.NewSim(0x10000, 0x7ffffffe0000)
	s.SetSystemBand(0x70000000, 0x78000000)
	e, err := New(s, Config{Arch: "amd64"})
	require.NoError(t, err)
	lo, hi := e.SetSystemRegionBounds(0, 0)
	assert.Equal(t, uintptr(0x70000000), lo)
	assert.Equal(t, uintptr(0x78000000), hi)
}

func TestAllocateRegionWithinJumpBounds(t *testing.T) {
	e, s := newSim(t, Config{})
	base, size, err := e.AllocateRegionWithinJumpBounds(fnA)
	require.NoError(t, err)
	assert.Equal(t, uintptr(regionSize), size)
	assert.Equal(t, uintptr(0x100030000), base)

	span, err := s.Query(base)
	require.NoError(t, err)
	assert.Equal(t, vm.ProtRWX, span.Prot)
	assert.False(t, e.inRegion(base), "caller blocks carry no trampolines")

	_, err = e.arch.Patch(fnA, base+size-slotSize)
	assert.NoError(t, err)

	a := uintptr(fnA)
	tr := attach(t, e, &a, det1)
	assert.NotEqual(t, base, tr.Addr()&^(regionSize-1))
}

func TestAllocateRegionBlocked(t *testing.T) {
	e, s := newSim(t, Config{})
	s.BlockDynamicCode(true)
	_, _, err := e.AllocateRegionWithinJumpBounds(fnA)
	assert.True(t, errors.Is(err, ErrNotEnoughMemory))
}

func TestRegionTake(t *testing.T) {
	e, s := newSim(t, Config{})
	const base = 0x200000000
	_, err := s.Reserve(base, regionSize, vm.ProtRWX)
	require.NoError(t, err)

	// above the target, the lowest slot is nearest
	r, err := e.newRegion(base, fnA)
	require.NoError(t, err)
	assert.True(t, r.empty())
	addr, ok := r.take(0, base+regionSize)
	require.True(t, ok)
	assert.Equal(t, uintptr(base+slotSize), addr)
	assert.False(t, r.empty())

	// slots outside [lo, hi] are skipped
	addr, ok = r.take(base+0x8000, base+regionSize)
	require.True(t, ok)
	assert.Equal(t, uintptr(base+0x8000), addr)

	_, ok = r.take(0, base+slotSize)
	assert.False(t, ok)
	assert.True(t, r.contains(base+regionSize-1))
	assert.False(t, r.contains(base+regionSize))
}
