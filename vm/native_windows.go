// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build windows && (amd64 || arm64 || 386)

package vm

import (
	"errors"
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	memFree                 = 0x10000
	errorDynamicCodeBlocked = syscall.Errno(1655)
)

var (
	kernel32                  = windows.NewLazySystemDLL("kernel32.dll")
	procFlushInstructionCache = kernel32.NewProc("FlushInstructionCache")
	procGetSystemInfo         = kernel32.NewProc("GetSystemInfo")
)

type systemInfo struct {
	ProcessorArchitecture     uint16
	Reserved                  uint16
	PageSize                  uint32
	MinimumApplicationAddress uintptr
	MaximumApplicationAddress uintptr
	ActiveProcessorMask       uintptr
	NumberOfProcessors        uint32
	ProcessorType             uint32
	AllocationGranularity     uint32
	ProcessorLevel            uint16
	ProcessorRevision         uint16
}

type native struct {
	pageSize    uintptr
	granularity uintptr
	lo, hi      uintptr
}

// Native returns the address space of the running process.
func Native() (Memory, error) {
	var si systemInfo
	procGetSystemInfo.Call(uintptr(unsafe.Pointer(&si)))
	return &native{
		pageSize:    uintptr(si.PageSize),
		granularity: uintptr(si.AllocationGranularity),
		lo:          si.MinimumApplicationAddress,
		hi:          si.MaximumApplicationAddress,
	}, nil
}

func (n *native) PageSize() uintptr          { return n.pageSize }
func (n *native) Granularity() uintptr       { return n.granularity }
func (n *native) Bounds() (uintptr, uintptr) { return n.lo, n.hi }

// SystemBand is where the loader places system DLLs.
func (n *native) SystemBand() (uintptr, uintptr) { return systemLo, systemHi }

func winProt(p Prot) uint32 {
	switch p {
	case ProtRead:
		return windows.PAGE_READONLY
	case ProtRW:
		return windows.PAGE_READWRITE
	case ProtExec:
		return windows.PAGE_EXECUTE
	case ProtRX:
		return windows.PAGE_EXECUTE_READ
	case ProtRWX, ProtWrite | ProtExec:
		return windows.PAGE_EXECUTE_READWRITE
	case ProtWrite:
		return windows.PAGE_READWRITE
	}
	return windows.PAGE_NOACCESS
}

func fromWinProt(w uint32) Prot {
	switch w & 0xff {
	case windows.PAGE_READONLY:
		return ProtRead
	case windows.PAGE_READWRITE, windows.PAGE_WRITECOPY:
		return ProtRW
	case windows.PAGE_EXECUTE:
		return ProtExec
	case windows.PAGE_EXECUTE_READ:
		return ProtRX
	case windows.PAGE_EXECUTE_READWRITE, windows.PAGE_EXECUTE_WRITECOPY:
		return ProtRWX
	}
	return ProtNone
}

func (n *native) Query(addr uintptr) (Span, error) {
	var mbi windows.MemoryBasicInformation
	if err := windows.VirtualQuery(addr, &mbi, unsafe.Sizeof(mbi)); err != nil {
		return Span{}, fmt.Errorf("VirtualQuery %#x: %w", addr, err)
	}
	return Span{
		Base: mbi.BaseAddress,
		Size: mbi.RegionSize,
		Free: mbi.State == memFree,
		Prot: fromWinProt(mbi.Protect),
	}, nil
}

func (n *native) Reserve(addr, size uintptr, prot Prot) (uintptr, error) {
	got, err := windows.VirtualAlloc(addr, size, windows.MEM_RESERVE|windows.MEM_COMMIT, winProt(prot))
	if err != nil {
		if errors.Is(err, errorDynamicCodeBlocked) {
			return 0, fmt.Errorf("VirtualAlloc %#x: %w: %w", addr, ErrDynamicCodeBlocked, err)
		}
		return 0, fmt.Errorf("VirtualAlloc %#x: %w: %w", addr, ErrUnavailable, err)
	}
	return got, nil
}

func (n *native) Release(addr, size uintptr) error {
	return windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
}

func (n *native) Protect(addr, size uintptr, prot Prot) (Prot, error) {
	var old uint32
	if err := windows.VirtualProtect(addr, size, winProt(prot), &old); err != nil {
		return ProtNone, fmt.Errorf("VirtualProtect %#x: %w", addr, err)
	}
	return fromWinProt(old), nil
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
	r, _, err := procFlushInstructionCache.Call(uintptr(windows.CurrentProcess()), addr, size)
	if r == 0 {
		return fmt.Errorf("FlushInstructionCache %#x: %w", addr, err)
	}
	return nil
}
