// Copyright (C) 2022 K2 Cyber Security Inc.

package objsym

import (
	"debug/macho"
	"io"
)

type machoFile struct {
	macho *macho.File
}

func openMacho(r io.ReaderAt) (rawFile, error) {
	f, err := macho.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &machoFile{f}, nil
}

func (f *machoFile) format() string { return "macho" }

func (f *machoFile) symbols() (map[string]uintptr, error) {
	machoOff := make(map[string]uintptr)
	if f.macho.Symtab == nil {
		return machoOff, nil
	}
	for _, s := range f.macho.Symtab.Syms {
		if s.Value == 0 {
			continue
		}
		machoOff[s.Name] = uintptr(s.Value)
	}
	return machoOff, nil
}

func (f *machoFile) text() Range {
	s := f.macho.Section("__text")
	if s == nil {
		return Range{}
	}
	return Range{uintptr(s.Addr), uintptr(s.Addr + s.Size)}
}

func (f *machoFile) imports() []Range {
	var out []Range
	for _, name := range []string{"__got", "__la_symbol_ptr", "__nl_symbol_ptr"} {
		if s := f.macho.Section(name); s != nil {
			out = append(out, Range{uintptr(s.Addr), uintptr(s.Addr + s.Size)})
		}
	}
	return out
}
