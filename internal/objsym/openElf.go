// Copyright (C) 2022 K2 Cyber Security Inc.

package objsym

import (
	"debug/elf"
	"errors"
	"io"
)

type elfFile struct {
	elf *elf.File
}

func openElf(r io.ReaderAt) (rawFile, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &elfFile{f}, nil
}

func (e *elfFile) format() string { return "elf" }

func (e *elfFile) symbols() (map[string]uintptr, error) {
	elfSyms, err := e.elf.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, err
	}
	dynSyms, err := e.elf.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, err
	}
	elfOff := make(map[string]uintptr, len(elfSyms)+len(dynSyms))
	for _, stab := range [][]elf.Symbol{dynSyms, elfSyms} {
		for _, k := range stab {
			if k.Value == 0 || elf.ST_TYPE(k.Info) != elf.STT_FUNC {
				continue
			}
			elfOff[k.Name] = uintptr(k.Value)
		}
	}
	return elfOff, nil
}

func (e *elfFile) section(name string) (Range, bool) {
	s := e.elf.Section(name)
	if s == nil || s.Addr == 0 {
		return Range{}, false
	}
	return Range{uintptr(s.Addr), uintptr(s.Addr + s.Size)}, true
}

func (e *elfFile) text() Range {
	r, _ := e.section(".text")
	return r
}

func (e *elfFile) imports() []Range {
	var out []Range
	for _, name := range []string{".got", ".got.plt"} {
		if r, ok := e.section(name); ok {
			out = append(out, r)
		}
	}
	return out
}
