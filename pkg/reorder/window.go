// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package reorder provides a bounded, circular reorder window keyed by
// uint32 sequence ids. Sequence ids may wrap around.
package reorder

import (
	"errors"
	"fmt"
)

// Class of a sequence id relative to a Window.
type Class uint8

const (
	// InOrder is the next expected sequence id.
	InOrder Class = iota

	// Ahead lies within the window, but is not yet expected.
	Ahead

	// Behind was already delivered, a duplicate.
	Behind

	// OutOfWindow lies too far ahead to be staged.
	OutOfWindow
)

func (c Class) String() string {
	switch c {
	case InOrder:
		return "in-order"
	case Ahead:
		return "ahead"
	case Behind:
		return "behind"
	case OutOfWindow:
		return "out-of-window"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

var (
	// ErrOccupied is returned if a sequence id is already staged.
	ErrOccupied = errors.New("reorder: sequence id already staged")

	// ErrNotAhead is returned if a sequence id cannot be staged.
	ErrNotAhead = errors.New("reorder: sequence id is not ahead of the window")
)

// Window stages items arriving ahead of the expected sequence id. Its size
// is fixed at creation. A Window performs no locking.
type Window[T any] struct {
	expected uint32
	head     int
	items    []T
	present  []bool
	staged   int
}

// New creates a Window of size slots, expecting the sequence id start next.
func New[T any](size int, start uint32) *Window[T] {
	if size <= 0 || size > 1<<30 {
		panic(fmt.Sprintf("reorder: invalid window size %d", size))
	}

	return &Window[T]{
		expected: start,
		items:    make([]T, size),
		present:  make([]bool, size),
	}
}

// Size of this Window.
func (w *Window[T]) Size() int {
	return len(w.items)
}

// Expected returns the next in-order sequence id.
func (w *Window[T]) Expected() uint32 {
	return w.expected
}

// Staged returns the amount of staged items.
func (w *Window[T]) Staged() int {
	return w.staged
}

// slot of a sequence id within the window, relative to the expected one.
func (w *Window[T]) slot(seq uint32) int {
	return (w.head + int(seq-w.expected)) % len(w.items)
}

// Classify a sequence id.
func (w *Window[T]) Classify(seq uint32) Class {
	diff := seq - w.expected
	switch {
	case diff == 0:
		return InOrder
	case diff < uint32(len(w.items)):
		return Ahead
	case diff >= 1<<31:
		return Behind
	default:
		return OutOfWindow
	}
}

// Stage an item arriving ahead of the window.
func (w *Window[T]) Stage(seq uint32, item T) error {
	if c := w.Classify(seq); c != Ahead {
		return fmt.Errorf("%w: %d is %v, expecting %d", ErrNotAhead, seq, c, w.expected)
	}

	s := w.slot(seq)
	if w.present[s] {
		return fmt.Errorf("%w: %d", ErrOccupied, seq)
	}

	w.items[s] = item
	w.present[s] = true
	w.staged++
	return nil
}

// Get returns the staged item of a sequence id ahead of the window.
func (w *Window[T]) Get(seq uint32) (item T, ok bool) {
	if w.Classify(seq) != Ahead {
		return
	}

	s := w.slot(seq)
	if !w.present[s] {
		return
	}
	return w.items[s], true
}

// Advance the window by one after the expected item was delivered. If the
// new expected sequence id was staged, its item is removed and returned.
func (w *Window[T]) Advance() (next T, ok bool) {
	w.expected++
	w.head = (w.head + 1) % len(w.items)

	s := w.head
	if !w.present[s] {
		return
	}

	next, ok = w.items[s], true

	var zero T
	w.items[s] = zero
	w.present[s] = false
	w.staged--
	return
}

// Drain removes every staged item, passing each to f.
func (w *Window[T]) Drain(f func(seq uint32, item T)) {
	var zero T
	for i := uint32(1); i < uint32(len(w.items)) && w.staged > 0; i++ {
		seq := w.expected + i
		s := w.slot(seq)
		if !w.present[s] {
			continue
		}

		item := w.items[s]
		w.items[s] = zero
		w.present[s] = false
		w.staged--

		f(seq, item)
	}
}

// Deliverer feeds items into a Window and delivers them in sequence order.
// It is a convenience for receivers without own staging logic.
type Deliverer[T any] struct {
	Window  *Window[T]
	Deliver func(seq uint32, item T)
}

// Insert an item. Duplicates are dropped, reported by their Class.
func (d *Deliverer[T]) Insert(seq uint32, item T) (Class, error) {
	c := d.Window.Classify(seq)
	switch c {
	case InOrder:
		d.Deliver(seq, item)
		for {
			next, ok := d.Window.Advance()
			if !ok {
				break
			}
			d.Deliver(d.Window.Expected(), next)
		}
		return c, nil

	case Ahead:
		if err := d.Window.Stage(seq, item); errors.Is(err, ErrOccupied) {
			return Behind, nil
		} else {
			return c, err
		}

	case Behind:
		return c, nil

	default:
		return c, fmt.Errorf("reorder: sequence id %d outside window [%d, %d)",
			seq, d.Window.Expected(), d.Window.Expected()+uint32(d.Window.Size()))
	}
}
