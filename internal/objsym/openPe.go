// Copyright (C) 2022 K2 Cyber Security Inc.

package objsym

import (
	"debug/pe"
	"io"
)

// index of the import address table in the optional header data directories
const dirIAT = 12

type peFile struct {
	pe *pe.File
}

func openPE(r io.ReaderAt) (rawFile, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &peFile{f}, nil
}

func (f *peFile) format() string { return "pe" }

func (f *peFile) imageBase() (uintptr, []pe.DataDirectory) {
	switch h := f.pe.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		return uintptr(h.ImageBase), h.DataDirectory[:min(int(h.NumberOfRvaAndSizes), len(h.DataDirectory))]
	case *pe.OptionalHeader64:
		return uintptr(h.ImageBase), h.DataDirectory[:min(int(h.NumberOfRvaAndSizes), len(h.DataDirectory))]
	}
	return 0, nil
}

func (f *peFile) symbols() (map[string]uintptr, error) {
	peOff := make(map[string]uintptr)
	base, _ := f.imageBase()
	for _, s := range f.pe.Symbols {
		// COFF symbol values are relative to their 1-based section
		if s.SectionNumber <= 0 || int(s.SectionNumber) > len(f.pe.Sections) {
			continue
		}
		sec := f.pe.Sections[s.SectionNumber-1]
		peOff[s.Name] = base + uintptr(sec.VirtualAddress) + uintptr(s.Value)
	}
	return peOff, nil
}

func (f *peFile) text() Range {
	s := f.pe.Section(".text")
	if s == nil {
		return Range{}
	}
	base, _ := f.imageBase()
	lo := base + uintptr(s.VirtualAddress)
	return Range{lo, lo + uintptr(s.VirtualSize)}
}

func (f *peFile) imports() []Range {
	base, dirs := f.imageBase()
	if len(dirs) <= dirIAT || dirs[dirIAT].Size == 0 {
		return nil
	}
	lo := base + uintptr(dirs[dirIAT].VirtualAddress)
	return []Range{{lo, lo + uintptr(dirs[dirIAT].Size)}}
}
