// Copyright (C) 2022 K2 Cyber Security Inc.

package vm

import "encoding/binary"

const (
	contextSize        = 0x4d0
	contextFlagsOffset = 0x30
	contextControl     = 0x00100001
	pcOffset           = 0xf8 // Rip
)

func readPC(ctx []byte) uintptr      { return uintptr(binary.LittleEndian.Uint64(ctx[pcOffset:])) }
func writePC(ctx []byte, pc uintptr) { binary.LittleEndian.PutUint64(ctx[pcOffset:], uint64(pc)) }
