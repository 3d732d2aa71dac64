// Copyright (C) 2022 K2 Cyber Security Inc.

package detours

import (
	"log"
	"os"
	"sync/atomic"
)

var (
	isDebug atomic.Bool
	logger  = log.New(os.Stderr, "detours: ", log.Lmicroseconds)
)

// SetDebug turns debug output on for every Engine.
func SetDebug(x bool) {
	isDebug.Store(x)
}

// SetDebug turns debug output on for e only.
func (e *Engine) SetDebug(x bool) {
	e.debug.Store(x)
}

func (e *Engine) debugf(format string, args ...any) {
	if isDebug.Load() || e.debug.Load() {
		logger.Printf(format, args...)
	}
}
