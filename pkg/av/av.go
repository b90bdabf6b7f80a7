// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package av implements the address vector, translating opaque application
// addresses into transport addresses and back.
//
// An Address Vector knows which hosts are local, so peers on the same host
// can be reached by the loopback transport. When an address is inserted for
// an endpoint whose Host and QPN are already known with another QKey, the
// old incarnation is released first and its QKey is kept as PrevQKey.
package av

import (
	"errors"
	"fmt"
	"math"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/rxr-go/pkg/transport"
)

// Addr is an application address.
type Addr uint64

// AddrUnspec matches any address, e.g., for receives from any peer.
const AddrUnspec Addr = math.MaxUint64

func (a Addr) String() string {
	if a == AddrUnspec {
		return "unspec"
	}
	return fmt.Sprintf("%d", uint64(a))
}

var (
	// ErrUnknownAddr is returned for addresses not within the vector.
	ErrUnknownAddr = errors.New("av: unknown address")

	// ErrBusy is returned by Remove if the address is still in use.
	ErrBusy = errors.New("av: address is busy")
)

// Entry of an AddressVector.
type Entry struct {
	Addr    Addr
	Raw     transport.Address
	IsLocal bool

	// PrevQKey is the QKey of the incarnation this Entry replaced.
	PrevQKey uint32
}

// ReleaseFunc is called before an address leaves the AddressVector. By
// returning an error, the removal is refused. For replaced incarnations the
// error is only logged.
type ReleaseFunc func(addr Addr) error

// AddressVector maps application addresses to transport addresses. It is
// safe for concurrent use; ReleaseFuncs are called without holding its lock.
type AddressVector struct {
	mutex      sync.RWMutex
	entries    map[Addr]*Entry
	reverse    map[transport.Address]Addr
	localHosts map[string]bool
	nextAddr   Addr

	releaseFunc ReleaseFunc
	store       *Store
}

// New creates an empty AddressVector. Addresses on one of the localHosts are
// marked as local.
func New(localHosts ...string) *AddressVector {
	av := &AddressVector{
		entries:    make(map[Addr]*Entry),
		reverse:    make(map[transport.Address]Addr),
		localHosts: make(map[string]bool),
	}
	for _, host := range localHosts {
		av.localHosts[host] = true
	}
	return av
}

// SetReleaseFunc installs the callback consulted before addresses leave.
func (av *AddressVector) SetReleaseFunc(f ReleaseFunc) {
	av.mutex.Lock()
	defer av.mutex.Unlock()

	av.releaseFunc = f
}

func (av *AddressVector) release(addr Addr) error {
	av.mutex.RLock()
	f := av.releaseFunc
	av.mutex.RUnlock()

	if f == nil {
		return nil
	}
	return f(addr)
}

// Insert a transport address. Inserting a known address returns its Addr.
func (av *AddressVector) Insert(raw transport.Address) (Addr, error) {
	av.mutex.RLock()
	oldAddr, known := av.reverse[raw.Endpoint()]
	var oldEntry Entry
	if known {
		oldEntry = *av.entries[oldAddr]
	}
	av.mutex.RUnlock()

	if known && oldEntry.Raw.QKey == raw.QKey {
		return oldAddr, nil
	}

	var prevQKey uint32
	if known {
		log.WithFields(log.Fields{
			"addr":     oldAddr,
			"raw":      raw,
			"old qkey": oldEntry.Raw.QKey,
		}).Info("Address vector detected a reused QP, releasing the old incarnation")

		if err := av.release(oldAddr); err != nil {
			log.WithFields(log.Fields{
				"addr":  oldAddr,
				"error": err,
			}).Warn("Releasing the old incarnation failed")
		}
		av.drop(oldAddr)
		prevQKey = oldEntry.Raw.QKey
	}

	av.mutex.Lock()
	defer av.mutex.Unlock()

	if addr, ok := av.reverse[raw.Endpoint()]; ok && av.entries[addr].Raw.QKey == raw.QKey {
		return addr, nil
	}

	e := &Entry{
		Addr:     av.nextAddr,
		Raw:      raw,
		IsLocal:  av.localHosts[raw.Host],
		PrevQKey: prevQKey,
	}
	av.nextAddr++
	av.entries[e.Addr] = e
	av.reverse[raw.Endpoint()] = e.Addr

	if av.store != nil {
		if err := av.store.Put(*e); err != nil {
			return e.Addr, fmt.Errorf("av: persisting %v failed: %w", e.Addr, err)
		}
	}

	log.WithFields(log.Fields{
		"addr":  e.Addr,
		"raw":   raw,
		"local": e.IsLocal,
	}).Debug("Address vector inserted address")
	return e.Addr, nil
}

// drop an address without asking the ReleaseFunc.
func (av *AddressVector) drop(addr Addr) {
	av.mutex.Lock()
	defer av.mutex.Unlock()

	e, ok := av.entries[addr]
	if !ok {
		return
	}
	delete(av.entries, addr)
	if av.reverse[e.Raw.Endpoint()] == addr {
		delete(av.reverse, e.Raw.Endpoint())
	}

	if av.store != nil {
		if err := av.store.Delete(addr); err != nil {
			log.WithFields(log.Fields{
				"addr":  addr,
				"error": err,
			}).Warn("Address vector failed to delete persisted address")
		}
	}
}

// Remove an address. If the ReleaseFunc refuses, the error wraps ErrBusy.
func (av *AddressVector) Remove(addr Addr) error {
	if _, err := av.Resolve(addr); err != nil {
		return err
	}

	if err := av.release(addr); err != nil {
		return fmt.Errorf("%w: %v", ErrBusy, err)
	}

	av.drop(addr)
	log.WithField("addr", addr).Debug("Address vector removed address")
	return nil
}

// Resolve an application address.
func (av *AddressVector) Resolve(addr Addr) (Entry, error) {
	av.mutex.RLock()
	defer av.mutex.RUnlock()

	e, ok := av.entries[addr]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %v", ErrUnknownAddr, addr)
	}
	return *e, nil
}

// ReverseLookup finds the Entry of a transport address by its Host and QPN.
// The caller is responsible for comparing QKeys.
func (av *AddressVector) ReverseLookup(raw transport.Address) (Entry, bool) {
	av.mutex.RLock()
	defer av.mutex.RUnlock()

	addr, ok := av.reverse[raw.Endpoint()]
	if !ok {
		return Entry{}, false
	}
	return *av.entries[addr], true
}

// IsLocalHost checks if a host was configured as local.
func (av *AddressVector) IsLocalHost(host string) bool {
	av.mutex.RLock()
	defer av.mutex.RUnlock()

	return av.localHosts[host]
}

// Len returns the amount of Entries.
func (av *AddressVector) Len() int {
	av.mutex.RLock()
	defer av.mutex.RUnlock()

	return len(av.entries)
}

// Entries returns a copy of all Entries.
func (av *AddressVector) Entries() []Entry {
	av.mutex.RLock()
	defer av.mutex.RUnlock()

	entries := make([]Entry, 0, len(av.entries))
	for _, e := range av.entries {
		entries = append(entries, *e)
	}
	return entries
}
