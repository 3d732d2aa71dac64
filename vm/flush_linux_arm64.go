// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build linux && arm64 && cgo

package vm

/*
// ARM doesn't automatically invalidate instruction cache so manual flushing needed
// after changing memory page with executable code

#include <stdint.h>
#include <stddef.h>
void flush_cache(uint64_t addr, size_t len) {
	char *target = (char *)addr;
	__builtin___clear_cache(target, target + len);
}
*/
import "C"

func flushCache(addr, size uintptr) error {
	C.flush_cache(C.uint64_t(addr), C.size_t(size))
	return nil
}
