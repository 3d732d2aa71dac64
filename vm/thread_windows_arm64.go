// Copyright (C) 2022 K2 Cyber Security Inc.

package vm

import "encoding/binary"

const (
	contextSize        = 0x390
	contextFlagsOffset = 0
	contextControl     = 0x00400001
	pcOffset           = 0x108
)

func readPC(ctx []byte) uintptr      { return uintptr(binary.LittleEndian.Uint64(ctx[pcOffset:])) }
func writePC(ctx []byte, pc uintptr) { binary.LittleEndian.PutUint64(ctx[pcOffset:], uint64(pc)) }
