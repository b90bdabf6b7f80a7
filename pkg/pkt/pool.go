// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package pkt

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/rxr-go/pkg/bufpool"
	"github.com/dtn7/rxr-go/pkg/hmem"
)

// ErrExhausted is returned if a Pool has no free Entry left.
var ErrExhausted = bufpool.ErrExhausted

// Pool of Entries of the same Type and size, backed by one contiguous and
// registered slab.
type Pool struct {
	typ       Type
	entrySize int
	slab      []byte
	region    *hmem.Region
	entries   *bufpool.Pool[Entry]
}

// NewPool allocates a slab for count entries of entrySize bytes. If reg is
// not nil, the slab is registered for local and remote reads.
func NewPool(name string, typ Type, count, entrySize int, reg *hmem.Registry) (p *Pool, err error) {
	if count <= 0 || entrySize <= 0 {
		err = fmt.Errorf("pkt: invalid pool dimensions %d x %d", count, entrySize)
		return
	}

	p = &Pool{
		typ:       typ,
		entrySize: entrySize,
		slab:      make([]byte, count*entrySize),
		entries:   bufpool.New[Entry](name, count),
	}

	if reg != nil {
		if p.region, err = reg.Register(p.slab, hmem.AccessLocal|hmem.AccessRemoteRead, hmem.System); err != nil {
			err = fmt.Errorf("pkt: registering %s pool failed: %w", name, err)
			return nil, err
		}
	}

	log.WithFields(log.Fields{
		"pool":  name,
		"type":  typ,
		"count": count,
		"size":  entrySize,
	}).Debug("Created packet pool")
	return
}

// Type of this Pool's Entries.
func (p *Pool) Type() Type {
	return p.typ
}

// EntrySize is the buffer size of each Entry.
func (p *Pool) EntrySize() int {
	return p.entrySize
}

// Region of the registered slab, nil if unregistered.
func (p *Pool) Region() *hmem.Region {
	return p.region
}

// InUse returns the amount of allocated Entries.
func (p *Pool) InUse() int {
	return p.entries.InUse()
}

// Cap returns the Pool's capacity.
func (p *Pool) Cap() int {
	return p.entries.Cap()
}

// Peak returns the highest InUse value ever observed.
func (p *Pool) Peak() int {
	return p.entries.Peak()
}

// Alloc an Entry in state InUse. On exhaustion, ErrExhausted is returned.
func (p *Pool) Alloc() (*Entry, error) {
	h, e, err := p.entries.Alloc()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.entries.Name(), err)
	}

	off := int(h.Index) * p.entrySize
	e.pool = p
	e.handle = h
	e.Type = p.typ
	e.State = StateInUse
	e.Buf = p.slab[off : off+p.entrySize : off+p.entrySize]
	if p.typ.isRx() {
		e.link = &rxLink{}
	} else {
		e.link = &txLink{}
	}
	return e, nil
}

func (p *Pool) release(e *Entry) {
	if e.State == StateFree {
		panic(fmt.Sprintf("pkt: double release of %v", e))
	}

	h := e.handle
	e.State = StateFree
	if err := p.entries.Release(h); err != nil {
		panic(err)
	}
}

// Clone copies a receive chain into Entries of this Pool. Either the whole
// chain is cloned or, on failure, nothing is kept.
func (p *Pool) Clone(src *Entry) (head *Entry, err error) {
	if !p.typ.isRx() {
		return nil, fmt.Errorf("pkt: cannot clone into %v pool", p.typ)
	}

	for cur := src; cur != nil; cur = cur.Next() {
		if cur.Size > p.entrySize {
			err = fmt.Errorf("pkt: %d bytes exceed %v entry size %d", cur.Size, p.typ, p.entrySize)
			break
		}

		dst, allocErr := p.Alloc()
		if allocErr != nil {
			err = allocErr
			break
		}

		dst.Owner = cur.Owner
		dst.Addr = cur.Addr
		dst.Local = cur.Local
		dst.Size = copy(dst.Buf, cur.Data())

		if head == nil {
			head = dst
		} else {
			head.Append(dst)
		}
	}

	if err != nil && head != nil {
		head.Release()
		head = nil
	}
	return
}

// Close deregisters the slab. Entries must not be used afterwards.
func (p *Pool) Close(reg *hmem.Registry) error {
	if p.InUse() > 0 {
		log.WithFields(log.Fields{
			"pool":   p.entries.Name(),
			"in-use": p.InUse(),
		}).Warn("Closing packet pool with entries in use")
	}

	if p.region == nil || reg == nil {
		return nil
	}
	err := reg.Deregister(p.region)
	p.region = nil
	return err
}

// IsExhausted checks if err reports an exhausted Pool.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrExhausted)
}
