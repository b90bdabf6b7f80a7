// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package fabric simulates a datagram NIC within one process.
//
// A Fabric connects Devices. A send is delivered immediately into the oldest
// posted receive buffer of the destination or, if there is none, completes
// with transport.StatusRNR. Reads access the destination's hmem.Registry.
// Filters and taps allow tests to inject RNR events and to observe traffic.
package fabric

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/rxr-go/pkg/transport"
)

// Verdict of a Filter for one datagram.
type Verdict uint8

const (
	// Deliver the datagram as usual.
	Deliver Verdict = iota

	// RNR rejects the datagram as if the receiver had no buffer.
	RNR
)

// Filter decides about the fate of a datagram before it is delivered.
type Filter func(src, dst transport.Address, data []byte) Verdict

// Tap observes every datagram handed to the Fabric.
type Tap func(src, dst transport.Address, data []byte)

// Fabric is the medium between Devices.
type Fabric struct {
	mutex   sync.Mutex
	devices map[transport.Address]*Device
	filter  Filter
	tap     Tap
}

// New creates an empty Fabric.
func New() *Fabric {
	return &Fabric{devices: make(map[transport.Address]*Device)}
}

// SetFilter installs a Filter, nil removes it.
func (f *Fabric) SetFilter(filter Filter) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.filter = filter
}

// SetTap installs a Tap, nil removes it.
func (f *Fabric) SetTap(tap Tap) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.tap = tap
}

// Open a Device at addr. The Host and QPN must not be in use.
func (f *Fabric) Open(addr transport.Address, conf Config) (*Device, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if _, exists := f.devices[addr.Endpoint()]; exists {
		return nil, fmt.Errorf("fabric: address %v is already in use", addr.Endpoint())
	}

	d := &Device{
		fabric: f,
		addr:   addr,
		conf:   conf,
	}
	f.devices[addr.Endpoint()] = d

	log.WithField("address", addr).Debug("Opened fabric device")
	return d, nil
}

// lookup a Device for dst, respecting its QKey if set. The mutex must be held.
func (f *Fabric) lookup(dst transport.Address) (*Device, bool) {
	d, ok := f.devices[dst.Endpoint()]
	if !ok || d.closed {
		return nil, false
	}
	if dst.QKey != 0 && dst.QKey != d.addr.QKey {
		return nil, false
	}
	return d, true
}

// deliver a datagram from src to dst. The mutex must be held.
func (f *Fabric) deliver(src *Device, dst transport.Address, data []byte) transport.Status {
	if f.tap != nil {
		f.tap(src.addr, dst, data)
	}

	d, ok := f.lookup(dst)
	if !ok {
		return transport.StatusUnreachable
	}

	if f.filter != nil && f.filter(src.addr, dst, data) == RNR {
		return transport.StatusRNR
	}
	if len(d.posted) == 0 {
		return transport.StatusRNR
	}

	recv := d.posted[0]
	d.posted = d.posted[1:]

	n := copy(recv.buf, data)
	d.cq = append(d.cq, transport.Completion{
		Op:      transport.OpRecv,
		Context: recv.ctx,
		Len:     n,
		Status:  transport.StatusOK,
		Src:     src.addr,
	})
	return transport.StatusOK
}
