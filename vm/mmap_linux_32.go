// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build linux && (386 || arm)

package vm

import "golang.org/x/sys/unix"

// userTop is the end of the user address space.
const userTop = 0xbf000000

func mmap(addr, size uintptr, prot, flags int) (uintptr, error) {
	r, _, errno := unix.Syscall6(unix.SYS_MMAP2, addr, size, uintptr(prot), uintptr(flags), ^uintptr(0), 0)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

func munmap(addr, size uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, size, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
