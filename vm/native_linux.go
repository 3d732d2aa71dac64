// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build linux && (amd64 || arm64 || 386 || arm)

package vm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

type native struct {
	pageSize uintptr
}

// Native returns the address space of the running process.
func Native() (Memory, error) {
	return &native{pageSize: uintptr(unix.Getpagesize())}, nil
}

func (n *native) PageSize() uintptr    { return n.pageSize }
func (n *native) Granularity() uintptr { return 0x10000 }

func (n *native) Bounds() (uintptr, uintptr) { return 0x10000, userTop }

func (n *native) SystemBand() (uintptr, uintptr) { return 0, 0 }

func protFromPerms(perms string) Prot {
	p := ProtNone
	if strings.HasPrefix(perms, "r") {
		p |= ProtRead
	}
	if len(perms) > 1 && perms[1] == 'w' {
		p |= ProtWrite
	}
	if len(perms) > 2 && perms[2] == 'x' {
		p |= ProtExec
	}
	return p
}

// readMaps parses /proc/self/maps into sorted spans.
func readMaps() ([]Span, error) {
	data, err := os.ReadFile("/proc/self/maps")
	if err != nil {
		return nil, err
	}
	var spans []Span
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if len(f) < 2 {
			continue
		}
		lo, hi, ok := strings.Cut(f[0], "-")
		if !ok {
			continue
		}
		start, err1 := strconv.ParseUint(lo, 16, 64)
		end, err2 := strconv.ParseUint(hi, 16, 64)
		if err1 != nil || err2 != nil || end <= start {
			continue
		}
		spans = append(spans, Span{Base: uintptr(start), Size: uintptr(end - start), Prot: protFromPerms(f[1])})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Base < spans[j].Base })
	return spans, sc.Err()
}

func (n *native) Query(addr uintptr) (Span, error) {
	spans, err := readMaps()
	if err != nil {
		return Span{}, err
	}
	lo, hi := n.Bounds()
	if addr < lo || addr >= hi {
		return Span{}, fmt.Errorf("query %#x: %w", addr, ErrAccess)
	}
	i := sort.Search(len(spans), func(i int) bool { return spans[i].End() > addr })
	if i < len(spans) && spans[i].Base <= addr {
		return spans[i], nil
	}
	if i > 0 && spans[i-1].End() > lo {
		lo = spans[i-1].End()
	}
	if i < len(spans) && spans[i].Base < hi {
		hi = spans[i].Base
	}
	return Span{Base: lo, Size: hi - lo, Free: true}, nil
}

func unixProt(p Prot) int {
	prot := unix.PROT_NONE
	if p&ProtRead != 0 {
		prot |= unix.PROT_READ
	}
	if p&ProtWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	if p&ProtExec != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

func (n *native) Reserve(addr, size uintptr, prot Prot) (uintptr, error) {
	got, err := mmap(addr, size, unixProt(prot), unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED_NOREPLACE)
	if err != nil {
		switch {
		case errors.Is(err, unix.EEXIST):
			return 0, fmt.Errorf("mmap %#x: %w", addr, ErrUnavailable)
		case errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES):
			return 0, fmt.Errorf("mmap %#x: %w: %w", addr, ErrDynamicCodeBlocked, err)
		}
		return 0, fmt.Errorf("mmap %#x: %w", addr, err)
	}
	if got != addr {
		// kernels before 4.17 treat MAP_FIXED_NOREPLACE as a hint
		_ = munmap(got, size)
		return 0, fmt.Errorf("mmap %#x: %w", addr, ErrUnavailable)
	}
	return got, nil
}

func (n *native) Release(addr, size uintptr) error {
	return munmap(addr, size)
}

func (n *native) Protect(addr, size uintptr, prot Prot) (Prot, error) {
	old := ProtNone
	if s, err := n.Query(addr); err == nil && !s.Free {
		old = s.Prot
	}
	start, length := PageRange(addr, size, n.pageSize)
	page := unsafe.Slice((*byte)(unsafe.Pointer(start)), length)
	if err := unix.Mprotect(page, unixProt(prot)); err != nil {
		return old, fmt.Errorf("mprotect %#x: %w", start, err)
	}
	return old, nil
}

func (n *native) Read(addr uintptr, p []byte) error {
	copy(p, unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(p)))
	return nil
}

func (n *native) Write(addr uintptr, p []byte) error {
	copy(unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(p)), p)
	return nil
}

func (n *native) FlushInstructionCache(addr, size uintptr) error {
	return flushCache(addr, size)
}
