// Copyright (C) 2022 K2 Cyber Security Inc.

package detours

import (
	"fmt"
	"reflect"
)

// FuncPC returns the entry address of the Go function fn.
func FuncPC(fn any) (uintptr, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return 0, ErrInputType
	}
	return v.Pointer(), nil
}

// origCell returns the pointer cell behind the func variable orig points to.
// A func value is a pointer to a word holding the code address, so the cell
// itself serves as the closure.
func origCell(orig any, typ reflect.Type) (**uintptr, error) {
	v := reflect.ValueOf(orig)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return nil, fmt.Errorf("original must be a pointer to a func: %w", ErrInputType)
	}
	if v.Elem().Type() != typ {
		return nil, ErrDifferentType
	}
	return (**uintptr)(v.UnsafePointer()), nil
}

// AttachFunc stages redirecting the Go function target to detour. orig must
// point to a func variable of the same type; it is set to call the original
// behavior whether or not the detour is in place.
//
// A stack check in target's prologue is moved into the trampoline whole,
// and the morestack path restarts the trampoline instead of the patched
// entry, so growing the stack never calls detour a second time.
func (t *Transaction) AttachFunc(target, detour, orig any) (*Trampoline, error) {
	from, err := FuncPC(target)
	if err != nil {
		return nil, err
	}
	to, err := FuncPC(detour)
	if err != nil {
		return nil, err
	}
	typ := reflect.TypeOf(target)
	if reflect.TypeOf(detour) != typ {
		return nil, ErrDifferentType
	}
	fv, err := origCell(orig, typ)
	if err != nil {
		return nil, err
	}

	cell := new(uintptr)
	*cell = from
	tr, _, _, err := t.attach(cell, to, true)
	if err != nil {
		return nil, err
	}
	*fv = cell
	return tr, nil
}

// DetachFunc stages removing detour from the function orig was set up for
// by AttachFunc.
func (t *Transaction) DetachFunc(orig, detour any) error {
	to, err := FuncPC(detour)
	if err != nil {
		return err
	}
	fv, err := origCell(orig, reflect.TypeOf(detour))
	if err != nil {
		return err
	}
	if *fv == nil {
		return fmt.Errorf("original never attached: %w", ErrInvalidArgument)
	}
	return t.Detach(*fv, to)
}
