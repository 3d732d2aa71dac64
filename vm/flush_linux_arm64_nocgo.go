// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build linux && arm64 && !cgo

package vm

// ctrEL0 reads the cache type register.
func ctrEL0() uint64

// flushRange cleans the data cache and invalidates the instruction cache
// over [addr, end) in lines of the given sizes.
func flushRange(addr, end, dline, iline uintptr)

func flushCache(addr, size uintptr) error {
	ctr := ctrEL0()
	dline := uintptr(4) << (ctr >> 16 & 0xf)
	iline := uintptr(4) << (ctr & 0xf)
	flushRange(addr, addr+size, dline, iline)
	return nil
}
