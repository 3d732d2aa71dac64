// Copyright (C) 2022 K2 Cyber Security Inc.

// Package objsym reads the parts of an object file the detour engine needs:
// symbol addresses, the text range and the import slot ranges.
package objsym

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrUnrecognized means the file is not ELF, Mach-O or PE.
var ErrUnrecognized = errors.New("unrecognized object file")

// Range is a half-open address range [Lo, Hi).
type Range struct {
	Lo, Hi uintptr
}

// Contains reports whether addr lies in r.
func (r Range) Contains(addr uintptr) bool { return addr >= r.Lo && addr < r.Hi }

// Shift returns r moved by bias.
func (r Range) Shift(bias uintptr) Range { return Range{r.Lo + bias, r.Hi + bias} }

// File holds link-time addresses read from an object file.
type File struct {
	Format  string
	Symbols map[string]uintptr
	Text    Range
	// Imports are the ranges holding resolved import pointers (GOT, IAT).
	Imports []Range
}

type rawFile interface {
	format() string
	symbols() (map[string]uintptr, error)
	text() Range
	imports() []Range
}

var objType = []func(io.ReaderAt) (rawFile, error){
	openElf,
	openMacho,
	openPE,
}

// Open reads the object file at name.
func Open(name string) (*File, error) {
	r, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	f, err := NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return f, nil
}

// NewFile reads an object file from r.
func NewFile(r io.ReaderAt) (*File, error) {
	for _, try := range objType {
		raw, err := try(r)
		if err != nil {
			continue
		}
		syms, err := raw.symbols()
		if err != nil {
			return nil, err
		}
		return &File{
			Format:  raw.format(),
			Symbols: syms,
			Text:    raw.text(),
			Imports: raw.imports(),
		}, nil
	}
	return nil, ErrUnrecognized
}
