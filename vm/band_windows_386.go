// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build windows && 386

package vm

const (
	systemLo = 0x70000000
	systemHi = 0x80000000
)
