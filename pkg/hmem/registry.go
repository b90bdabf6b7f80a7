// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package hmem

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrRegistration is returned if a buffer cannot be registered.
	ErrRegistration = errors.New("hmem: registration failed")

	// ErrUnknownKey is returned for a key without a Region.
	ErrUnknownKey = errors.New("hmem: unknown key")

	// ErrAccess is returned if a Region does not permit the requested access.
	ErrAccess = errors.New("hmem: access denied")

	// ErrOutOfBounds is returned if an access exceeds its Region.
	ErrOutOfBounds = errors.New("hmem: access out of bounds")
)

// Access is a bit set of permitted operations on a Region.
type Access uint8

const (
	AccessSend Access = 1 << iota
	AccessRecv
	AccessRead
	AccessWrite
	AccessRemoteRead
	AccessRemoteWrite

	// AccessLocal permits every local operation.
	AccessLocal = AccessSend | AccessRecv | AccessRead | AccessWrite

	// AccessAll permits everything.
	AccessAll = AccessLocal | AccessRemoteRead | AccessRemoteWrite
)

// Has checks if all bits of other are set.
func (a Access) Has(other Access) bool {
	return a&other == other
}

// Region is a registered buffer, the memory descriptor of an IOV.
type Region struct {
	key    uint64
	buf    []byte
	iface  Iface
	access Access
}

// Key identifies this Region within its Registry.
func (r *Region) Key() uint64 {
	return r.key
}

// Bytes of this Region.
func (r *Region) Bytes() []byte {
	return r.buf
}

// Iface of this Region's memory.
func (r *Region) Iface() Iface {
	return r.iface
}

// Access bits of this Region.
func (r *Region) Access() Access {
	return r.access
}

// OffsetOf returns the offset of buf within this Region. The second return
// value is false if buf is not part of this Region.
func (r *Region) OffsetOf(buf []byte) (uint64, bool) {
	if len(buf) == 0 {
		return 0, false
	}

	off := cap(r.buf) - cap(buf)
	if off < 0 || off+len(buf) > len(r.buf) || &r.buf[off] != &buf[0] {
		return 0, false
	}
	return uint64(off), true
}

func (r *Region) String() string {
	return fmt.Sprintf("Region(key=%d, len=%d, %v)", r.key, len(r.buf), r.iface)
}

// Registry hands out Regions. Unlike the protocol engine, a Registry is safe
// for concurrent use because remote peers resolve keys through it.
type Registry struct {
	sync.RWMutex

	regions map[uint64]*Region
	nextKey uint64
	limit   int
}

// NewRegistry creates a Registry which accepts up to limit Regions. A limit
// of zero means no limit.
func NewRegistry(limit int) *Registry {
	return &Registry{
		regions: make(map[uint64]*Region),
		nextKey: 1,
		limit:   limit,
	}
}

// Register a buffer and return its Region.
func (reg *Registry) Register(buf []byte, access Access, iface Iface) (*Region, error) {
	reg.Lock()
	defer reg.Unlock()

	if reg.limit > 0 && len(reg.regions) >= reg.limit {
		return nil, fmt.Errorf("%w: limit of %d regions reached", ErrRegistration, reg.limit)
	}
	if iface != System && iface != Device {
		return nil, fmt.Errorf("%w: %v", ErrRegistration, iface)
	}

	region := &Region{
		key:    reg.nextKey,
		buf:    buf,
		iface:  iface,
		access: access,
	}
	reg.regions[region.key] = region
	reg.nextKey++

	log.WithFields(log.Fields{
		"key":   region.key,
		"len":   len(buf),
		"iface": iface,
	}).Debug("Registered memory region")

	return region, nil
}

// Deregister a Region. Its key becomes invalid.
func (reg *Registry) Deregister(region *Region) error {
	reg.Lock()
	defer reg.Unlock()

	if r, ok := reg.regions[region.key]; !ok || r != region {
		return fmt.Errorf("deregister key %d: %w", region.key, ErrUnknownKey)
	}
	delete(reg.regions, region.key)
	return nil
}

// Lookup a Region by its key.
func (reg *Registry) Lookup(key uint64) (*Region, bool) {
	reg.RLock()
	defer reg.RUnlock()

	r, ok := reg.regions[key]
	return r, ok
}

// Len returns the amount of registered Regions.
func (reg *Registry) Len() int {
	reg.RLock()
	defer reg.RUnlock()

	return len(reg.regions)
}

// Resolve the bytes addressed by a remote RMAIOV, checking the Region's
// access bits against the requested access.
func (reg *Registry) Resolve(rma RMAIOV, access Access) (buf []byte, region *Region, err error) {
	r, ok := reg.Lookup(rma.Key)
	if !ok {
		err = fmt.Errorf("resolve key %d: %w", rma.Key, ErrUnknownKey)
		return
	}
	if !r.access.Has(access) {
		err = fmt.Errorf("resolve key %d: %w", rma.Key, ErrAccess)
		return
	}

	end := rma.Addr + rma.Len
	if end < rma.Addr || end > uint64(len(r.buf)) {
		err = fmt.Errorf("resolve key %d [%d, %d): %w", rma.Key, rma.Addr, end, ErrOutOfBounds)
		return
	}

	buf = r.buf[rma.Addr:end]
	region = r
	return
}
