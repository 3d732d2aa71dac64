// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build windows && (amd64 || arm64)

package vm

const (
	systemLo = 0x7ff800000000
	systemHi = 0x7fffffff0000
)
