// Copyright (C) 2022 K2 Cyber Security Inc.

package detours

import (
	"github.com/xyproto/env/v2"
)

// Config holds the engine switches.
type Config struct {
	// IgnoreTooSmall returns too-small and not-detoured failures without
	// recording them, so the rest of the transaction can still commit.
	IgnoreTooSmall bool
	// RetainRegions keeps empty trampoline regions reserved.
	RetainRegions bool
	// AllowRehook installs a detour again on a target that already carries it.
	AllowRehook bool
	Debug       bool
	// Arch names the instruction set (GOARCH spelling); empty selects the
	// running one.
	Arch string
}

// ConfigFromEnv reads DETOURS_IGNORE_TOO_SMALL, DETOURS_RETAIN_REGIONS,
// DETOURS_ALLOW_REHOOK, DETOURS_DEBUG and DETOURS_ARCH as they are now.
func ConfigFromEnv() Config {
	// env caches the environment on first use
	env.Load()
	return Config{
		IgnoreTooSmall: env.Bool("DETOURS_IGNORE_TOO_SMALL"),
		RetainRegions:  env.Bool("DETOURS_RETAIN_REGIONS"),
		AllowRehook:    env.Bool("DETOURS_ALLOW_REHOOK"),
		Debug:          env.Bool("DETOURS_DEBUG"),
		Arch:           env.Str("DETOURS_ARCH"),
	}
}
