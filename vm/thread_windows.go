// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build windows && (amd64 || arm64 || 386)

package vm

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	procSuspendThread    = kernel32.NewProc("SuspendThread")
	procGetThreadContext = kernel32.NewProc("GetThreadContext")
	procSetThreadContext = kernel32.NewProc("SetThreadContext")
	procGetThreadId      = kernel32.NewProc("GetThreadId")
)

// OSThread controls a thread of the current process through its handle.
type OSThread struct {
	handle windows.Handle
	// CONTEXT must be 16-byte aligned, slack is kept to align inside buf
	buf [contextSize + 16]byte
}

// NewThread wraps a thread handle opened with THREAD_SUSPEND_RESUME,
// THREAD_GET_CONTEXT and THREAD_SET_CONTEXT access.
func NewThread(h windows.Handle) *OSThread {
	return &OSThread{handle: h}
}

func (t *OSThread) context() []byte {
	p := uintptr(unsafe.Pointer(&t.buf[0]))
	off := AlignUp(p, 16) - p
	return t.buf[off : off+contextSize]
}

func (t *OSThread) IsCurrent() bool {
	id, _, _ := procGetThreadId.Call(uintptr(t.handle))
	return uint32(id) == windows.GetCurrentThreadId()
}

func (t *OSThread) Suspend() error {
	r, _, err := procSuspendThread.Call(uintptr(t.handle))
	if uint32(r) == 0xffffffff {
		return fmt.Errorf("SuspendThread: %w", err)
	}
	return nil
}

func (t *OSThread) Resume() error {
	if _, err := windows.ResumeThread(t.handle); err != nil {
		return fmt.Errorf("ResumeThread: %w", err)
	}
	return nil
}

func (t *OSThread) load() ([]byte, error) {
	ctx := t.context()
	binary.LittleEndian.PutUint32(ctx[contextFlagsOffset:], contextControl)
	r, _, err := procGetThreadContext.Call(uintptr(t.handle), uintptr(unsafe.Pointer(&ctx[0])))
	if r == 0 {
		return nil, fmt.Errorf("GetThreadContext: %w", err)
	}
	return ctx, nil
}

func (t *OSThread) PC() (uintptr, error) {
	ctx, err := t.load()
	if err != nil {
		return 0, err
	}
	return readPC(ctx), nil
}

func (t *OSThread) SetPC(pc uintptr) error {
	ctx, err := t.load()
	if err != nil {
		return err
	}
	writePC(ctx, pc)
	r, _, err := procSetThreadContext.Call(uintptr(t.handle), uintptr(unsafe.Pointer(&ctx[0])))
	if r == 0 {
		return fmt.Errorf("SetThreadContext: %w", err)
	}
	return nil
}
