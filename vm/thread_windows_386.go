// Copyright (C) 2022 K2 Cyber Security Inc.

package vm

import "encoding/binary"

const (
	contextSize        = 0x2cc
	contextFlagsOffset = 0
	contextControl     = 0x00010001
	pcOffset           = 0xb8 // Eip
)

func readPC(ctx []byte) uintptr      { return uintptr(binary.LittleEndian.Uint32(ctx[pcOffset:])) }
func writePC(ctx []byte, pc uintptr) { binary.LittleEndian.PutUint32(ctx[pcOffset:], uint32(pc)) }
