// Copyright (C) 2022 K2 Cyber Security Inc.

package detours

import (
	"errors"
	"fmt"
)

var (
	// ErrOperationInProgress means another transaction is open
	ErrOperationInProgress = errors.New("operation in progress")
	// ErrNotOwner means the transaction was already committed or aborted
	ErrNotOwner = errors.New("transaction not owned")
	// ErrInvalidArgument means a nil pointer cell or mismatched detour
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidAddress means the target cannot be patched
	ErrInvalidAddress = errors.New("invalid address")
	// ErrNotEnoughMemory means no trampoline slot is reachable from the target
	ErrNotEnoughMemory = errors.New("not enough memory")
	// ErrAlreadyAttached means the detour is already installed on the target
	ErrAlreadyAttached = errors.New("already attached")
	// ErrSymbolNotFound means no loaded module exports the name
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrInputType means inputs are not func type
	ErrInputType = errors.New("inputs are not func type")
	// ErrDifferentType means target, detour and original are of different types
	ErrDifferentType = errors.New("inputs are of different type")
)

var (
	ErrFunctionTooSmall   = fmt.Errorf("function too small: %w", ErrInvalidAddress)
	ErrTrampolineOverflow = fmt.Errorf("trampoline overflow: %w", ErrInvalidAddress)
	ErrAlignTableFull     = fmt.Errorf("alignment table full: %w", ErrInvalidAddress)
	ErrNotRelocatable     = fmt.Errorf("prologue not relocatable: %w", ErrInvalidAddress)

	ErrNotDetoured    = fmt.Errorf("pointer is not a trampoline: %w", ErrInvalidArgument)
	ErrDetourMismatch = fmt.Errorf("detour does not match trampoline: %w", ErrInvalidArgument)
)
