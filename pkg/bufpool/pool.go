// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package bufpool provides a fixed-size slab allocator for arbitrary entry
// types. Entries are addressed by generation-checked Handles, so a stale
// Handle to a recycled slot is detected instead of silently aliasing the new
// occupant.
package bufpool

import (
	"errors"
	"fmt"
)

// ErrExhausted is returned by Alloc if every slot is in use. Callers are
// expected to defer their work and retry later.
var ErrExhausted = errors.New("bufpool: pool exhausted")

// ErrStaleHandle is returned for a Handle whose slot was released or reused.
var ErrStaleHandle = errors.New("bufpool: stale handle")

// Handle identifies one slot of a Pool together with the slot's generation.
// The zero Handle is never returned by Alloc.
type Handle struct {
	Index uint32
	Gen   uint32
}

// Uint64 packs the Handle into one integer, e.g., to be sent on the wire.
func (h Handle) Uint64() uint64 {
	return uint64(h.Gen)<<32 | uint64(h.Index)
}

// HandleFromUint64 reverses Handle.Uint64.
func HandleFromUint64(v uint64) Handle {
	return Handle{Index: uint32(v), Gen: uint32(v >> 32)}
}

// IsZero checks if this Handle is the zero value.
func (h Handle) IsZero() bool {
	return h.Gen == 0
}

func (h Handle) String() string {
	return fmt.Sprintf("%d/%d", h.Index, h.Gen)
}

type slot[T any] struct {
	item  T
	gen   uint32
	inUse bool
}

// Pool is a fixed-size slab of T. It performs no locking of its own.
type Pool[T any] struct {
	name  string
	slots []slot[T]
	free  []uint32
	peak  int
}

// New creates a Pool with capacity slots.
func New[T any](name string, capacity int) *Pool[T] {
	p := &Pool[T]{
		name:  name,
		slots: make([]slot[T], capacity),
		free:  make([]uint32, capacity),
	}

	// Hand out low indices first.
	for i := range p.free {
		p.free[i] = uint32(capacity - 1 - i)
	}
	return p
}

// Name of this Pool, used for logging.
func (p *Pool[T]) Name() string {
	return p.name
}

// Alloc reserves a slot and returns its Handle and a pointer to the zeroed
// item. The pointer stays valid until Release.
func (p *Pool[T]) Alloc() (h Handle, item *T, err error) {
	if len(p.free) == 0 {
		err = ErrExhausted
		return
	}

	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]

	s := &p.slots[idx]
	var zero T
	s.item = zero
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.inUse = true

	if used := p.InUse(); used > p.peak {
		p.peak = used
	}

	h = Handle{Index: idx, Gen: s.gen}
	item = &s.item
	return
}

// Get resolves a Handle. The boolean is false for unknown or stale Handles.
func (p *Pool[T]) Get(h Handle) (*T, bool) {
	if int(h.Index) >= len(p.slots) {
		return nil, false
	}

	s := &p.slots[h.Index]
	if !s.inUse || s.gen != h.Gen {
		return nil, false
	}
	return &s.item, true
}

// Release returns the slot back to the Pool. Its item is reset.
func (p *Pool[T]) Release(h Handle) error {
	if _, ok := p.Get(h); !ok {
		return fmt.Errorf("%s: release of %v: %w", p.name, h, ErrStaleHandle)
	}

	s := &p.slots[h.Index]
	var zero T
	s.item = zero
	s.inUse = false
	p.free = append(p.free, h.Index)
	return nil
}

// Cap returns the total amount of slots.
func (p *Pool[T]) Cap() int {
	return len(p.slots)
}

// InUse returns the amount of allocated slots.
func (p *Pool[T]) InUse() int {
	return len(p.slots) - len(p.free)
}

// Peak returns the highest InUse value ever observed.
func (p *Pool[T]) Peak() int {
	return p.peak
}

// Range calls f for every allocated slot until f returns false.
func (p *Pool[T]) Range(f func(h Handle, item *T) bool) {
	for i := range p.slots {
		s := &p.slots[i]
		if !s.inUse {
			continue
		}
		if !f(Handle{Index: uint32(i), Gen: s.gen}, &s.item) {
			return
		}
	}
}
