// Copyright (C) 2022 K2 Cyber Security Inc.

package vm

import (
	"fmt"
	"sort"
	"sync"
)

const simPage = 0x1000

type simMapping struct {
	base uintptr
	data []byte
	prot []Prot // per page
}

func (m *simMapping) end() uintptr { return m.base + uintptr(len(m.data)) }

// Sim is an in-memory address space. It enforces page protections on Read
// and Write so callers that forget to pair protection changes fail loudly.
type Sim struct {
	mu      sync.Mutex
	lo, hi  uintptr
	bandLo  uintptr
	bandHi  uintptr
	maps    []*simMapping
	flushed []Span
	noExec  bool
}

// NewSim returns an empty address space covering [lo, hi).
func NewSim(lo, hi uintptr) *Sim {
	return &Sim{lo: lo, hi: hi}
}

// SetSystemBand marks [lo, hi) as reserved by the simulated OS.
func (s *Sim) SetSystemBand(lo, hi uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bandLo, s.bandHi = lo, hi
}

// BlockDynamicCode makes every executable reservation fail.
func (s *Sim) BlockDynamicCode(block bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noExec = block
}

// Map places code at addr with protection prot, regardless of prot.
func (s *Sim) Map(addr uintptr, code []byte, prot Prot) error {
	start, size := PageRange(addr, uintptr(len(code)), simPage)
	if _, err := s.Reserve(start, size, ProtRW); err != nil {
		return err
	}
	s.mu.Lock()
	m := s.find(addr)
	copy(m.data[addr-m.base:], code)
	for i := range m.prot {
		m.prot[i] = prot
	}
	s.mu.Unlock()
	return nil
}

// Bytes returns a copy of size bytes at addr ignoring protections.
func (s *Sim) Bytes(addr uintptr, size int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, size)
	for i := range out {
		m := s.find(addr + uintptr(i))
		if m == nil {
			continue
		}
		out[i] = m.data[addr+uintptr(i)-m.base]
	}
	return out
}

// Flushed returns the ranges passed to FlushInstructionCache.
func (s *Sim) Flushed() []Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Span(nil), s.flushed...)
}

// Mappings returns the number of live reservations.
func (s *Sim) Mappings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.maps)
}

func (s *Sim) find(addr uintptr) *simMapping {
	i := sort.Search(len(s.maps), func(i int) bool { return s.maps[i].end() > addr })
	if i < len(s.maps) && s.maps[i].base <= addr {
		return s.maps[i]
	}
	return nil
}

func (s *Sim) PageSize() uintptr    { return simPage }
func (s *Sim) Granularity() uintptr { return 0x10000 }

func (s *Sim) Bounds() (uintptr, uintptr) { return s.lo, s.hi }

func (s *Sim) SystemBand() (uintptr, uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bandLo, s.bandHi
}

func (s *Sim) Query(addr uintptr) (Span, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if addr < s.lo || addr >= s.hi {
		return Span{}, fmt.Errorf("query %#x: %w", addr, ErrAccess)
	}
	i := sort.Search(len(s.maps), func(i int) bool { return s.maps[i].end() > addr })
	if i < len(s.maps) && s.maps[i].base <= addr {
		m := s.maps[i]
		return Span{Base: m.base, Size: uintptr(len(m.data)), Prot: m.prot[(addr-m.base)/simPage]}, nil
	}
	lo, hi := s.lo, s.hi
	if i > 0 {
		lo = s.maps[i-1].end()
	}
	if i < len(s.maps) {
		hi = s.maps[i].base
	}
	return Span{Base: lo, Size: hi - lo, Free: true}, nil
}

func (s *Sim) Reserve(addr, size uintptr, prot Prot) (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prot.Executable() && s.noExec {
		return 0, ErrDynamicCodeBlocked
	}
	if addr%simPage != 0 || size == 0 || addr < s.lo || addr+size > s.hi || addr+size < addr {
		return 0, fmt.Errorf("reserve %#x+%#x: %w", addr, size, ErrUnavailable)
	}
	if s.bandHi > s.bandLo && addr < s.bandHi && addr+size > s.bandLo {
		return 0, fmt.Errorf("reserve %#x+%#x: %w", addr, size, ErrUnavailable)
	}
	i := sort.Search(len(s.maps), func(i int) bool { return s.maps[i].end() > addr })
	if i < len(s.maps) && s.maps[i].base < addr+size {
		return 0, fmt.Errorf("reserve %#x+%#x: %w", addr, size, ErrUnavailable)
	}
	size = AlignUp(size, simPage)
	m := &simMapping{base: addr, data: make([]byte, size), prot: make([]Prot, size/simPage)}
	for j := range m.prot {
		m.prot[j] = prot
	}
	s.maps = append(s.maps, nil)
	copy(s.maps[i+1:], s.maps[i:])
	s.maps[i] = m
	return addr, nil
}

func (s *Sim) Release(addr, size uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.maps {
		if m.base == addr {
			s.maps = append(s.maps[:i], s.maps[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("release %#x: %w", addr, ErrAccess)
}

func (s *Sim) Protect(addr, size uintptr, prot Prot) (Prot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start, length := PageRange(addr, size, simPage)
	old := ProtNone
	for p := start; p < start+length; p += simPage {
		m := s.find(p)
		if m == nil {
			return ProtNone, fmt.Errorf("protect %#x: %w", p, ErrAccess)
		}
		idx := (p - m.base) / simPage
		if p == start {
			old = m.prot[idx]
		}
		m.prot[idx] = prot
	}
	return old, nil
}

func (s *Sim) access(addr uintptr, n int, need Prot, fn func(m *simMapping, off uintptr)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		a := addr + uintptr(i)
		m := s.find(a)
		if m == nil || m.prot[(a-m.base)/simPage]&need != need {
			return fmt.Errorf("%s %#x: %w", need, a, ErrAccess)
		}
		fn(m, a-m.base)
	}
	return nil
}

func (s *Sim) Read(addr uintptr, p []byte) error {
	i := 0
	return s.access(addr, len(p), ProtRead, func(m *simMapping, off uintptr) {
		p[i] = m.data[off]
		i++
	})
}

func (s *Sim) Write(addr uintptr, p []byte) error {
	i := 0
	return s.access(addr, len(p), ProtWrite, func(m *simMapping, off uintptr) {
		m.data[off] = p[i]
		i++
	})
}

func (s *Sim) FlushInstructionCache(addr, size uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushed = append(s.flushed, Span{Base: addr, Size: size})
	return nil
}

// SimThread is a thread whose only state is its program counter.
type SimThread struct {
	mu         sync.Mutex
	pc         uintptr
	current    bool
	suspended  int
	SuspendErr error
}

// NewSimThread returns a running thread stopped at pc.
func NewSimThread(pc uintptr, current bool) *SimThread {
	return &SimThread{pc: pc, current: current}
}

func (t *SimThread) IsCurrent() bool { return t.current }

func (t *SimThread) Suspend() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.SuspendErr != nil {
		return t.SuspendErr
	}
	t.suspended++
	return nil
}

func (t *SimThread) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.suspended == 0 {
		return fmt.Errorf("resume running thread: %w", ErrAccess)
	}
	t.suspended--
	return nil
}

// Suspended reports the suspend count.
func (t *SimThread) Suspended() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suspended
}

func (t *SimThread) PC() (uintptr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pc, nil
}

func (t *SimThread) SetPC(pc uintptr) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.suspended == 0 {
		return fmt.Errorf("set pc of running thread: %w", ErrAccess)
	}
	t.pc = pc
	return nil
}
