// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build !(linux && (amd64 || arm64 || 386 || arm)) && !(windows && (amd64 || arm64 || 386))

package vm

import (
	"fmt"
	"runtime"
)

// Native is not available on this platform; use Sim.
func Native() (Memory, error) {
	return nil, fmt.Errorf("%s/%s: %w", runtime.GOOS, runtime.GOARCH, ErrUnsupported)
}
