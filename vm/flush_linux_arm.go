// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build linux && arm

package vm

import "golang.org/x/sys/unix"

// __ARM_NR_cacheflush
const sysCacheFlush = 0xf0002

func flushCache(addr, size uintptr) error {
	_, _, errno := unix.Syscall(sysCacheFlush, addr, addr+size, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
