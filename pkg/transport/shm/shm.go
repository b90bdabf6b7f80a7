// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package shm provides the host-local loopback transport.
//
// All Endpoints of a Domain share one host name and are addressed by their
// QPN. Datagrams are queued in the receiver's inbox until it posts a buffer,
// thus a sender never observes an RNR but an ErrAgain once the inbox is full.
// Delivery between two Endpoints is in order.
package shm

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/rxr-go/pkg/hmem"
	"github.com/dtn7/rxr-go/pkg/transport"
)

// Config of an Endpoint.
type Config struct {
	MTU         int
	InboxDepth  int
	MaxReadSize int

	// Registry exposes this Endpoint's memory to reads by its neighbours.
	Registry *hmem.Registry
}

// DefaultConfig for an Endpoint reading through reg.
func DefaultConfig(reg *hmem.Registry) Config {
	return Config{
		MTU:         4096,
		InboxDepth:  1024,
		MaxReadSize: 1 << 22,
		Registry:    reg,
	}
}

// Domain groups the Endpoints of one host.
type Domain struct {
	mutex     sync.Mutex
	host      string
	endpoints map[uint16]*Endpoint
}

// NewDomain creates a Domain for a host name.
func NewDomain(host string) *Domain {
	return &Domain{
		host:      host,
		endpoints: make(map[uint16]*Endpoint),
	}
}

// Host of this Domain.
func (d *Domain) Host() string {
	return d.host
}

// Open an Endpoint for a QPN, identified by qkey.
func (d *Domain) Open(qpn uint16, qkey uint32, conf Config) (*Endpoint, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if _, exists := d.endpoints[qpn]; exists {
		return nil, fmt.Errorf("shm: qpn %d on %s is already in use", qpn, d.host)
	}

	ep := &Endpoint{
		domain: d,
		addr:   transport.Address{Host: d.host, QPN: qpn, QKey: qkey},
		conf:   conf,
	}
	d.endpoints[qpn] = ep
	return ep, nil
}

// lookup must be called with the mutex held.
func (d *Domain) lookup(addr transport.Address) (*Endpoint, bool) {
	if addr.Host != d.host {
		return nil, false
	}
	ep, ok := d.endpoints[addr.QPN]
	if !ok || (addr.QKey != 0 && addr.QKey != ep.addr.QKey) {
		return nil, false
	}
	return ep, true
}

type message struct {
	src  transport.Address
	data []byte
}

type postedRecv struct {
	buf []byte
	ctx any
}

// Endpoint is a transport.Transport within a Domain. Its state is guarded by
// the Domain's mutex.
type Endpoint struct {
	domain *Domain
	addr   transport.Address
	conf   Config

	inbox  []message
	posted []postedRecv
	cq     []transport.Completion
	closed bool
}

func (ep *Endpoint) Name() string {
	return "shm"
}

func (ep *Endpoint) Address() transport.Address {
	return ep.addr
}

func (ep *Endpoint) MTU() int {
	return ep.conf.MTU
}

func (ep *Endpoint) Caps() transport.Caps {
	if ep.conf.Registry != nil {
		return transport.CapRead
	}
	return 0
}

func (ep *Endpoint) MaxReadSize() int {
	if ep.conf.Registry == nil {
		return 0
	}
	return ep.conf.MaxReadSize
}

// match pairs queued messages with posted buffers. The mutex must be held.
func (ep *Endpoint) match() {
	for len(ep.inbox) > 0 && len(ep.posted) > 0 {
		msg, recv := ep.inbox[0], ep.posted[0]
		ep.inbox, ep.posted = ep.inbox[1:], ep.posted[1:]

		ep.cq = append(ep.cq, transport.Completion{
			Op:      transport.OpRecv,
			Context: recv.ctx,
			Len:     copy(recv.buf, msg.data),
			Status:  transport.StatusOK,
			Src:     msg.src,
		})
	}
}

func (ep *Endpoint) PostSend(dst transport.Address, iov []hmem.IOV, ctx any) error {
	data, err := transport.Gather(iov, ep.conf.MTU)
	if err != nil {
		return err
	}

	ep.domain.mutex.Lock()
	defer ep.domain.mutex.Unlock()

	if ep.closed {
		return transport.ErrClosed
	}

	comp := transport.Completion{Op: transport.OpSend, Context: ctx, Len: len(data)}

	if peer, ok := ep.domain.lookup(dst); !ok || peer.closed {
		comp.Status = transport.StatusUnreachable
	} else if len(peer.inbox) >= peer.conf.InboxDepth {
		return transport.ErrAgain
	} else {
		peer.inbox = append(peer.inbox, message{src: ep.addr, data: data})
		peer.match()
	}

	ep.cq = append(ep.cq, comp)
	return nil
}

func (ep *Endpoint) PostRecv(buf []byte, ctx any) error {
	ep.domain.mutex.Lock()
	defer ep.domain.mutex.Unlock()

	if ep.closed {
		return transport.ErrClosed
	}

	ep.posted = append(ep.posted, postedRecv{buf: buf, ctx: ctx})
	ep.match()
	return nil
}

func (ep *Endpoint) PostRead(src transport.Address, local []byte, remote hmem.RMAIOV, ctx any) error {
	if ep.conf.Registry == nil {
		return transport.ErrNotSupported
	}
	if len(local) > ep.conf.MaxReadSize {
		return fmt.Errorf("%w: read of %d bytes", transport.ErrTooLarge, len(local))
	}

	ep.domain.mutex.Lock()
	defer ep.domain.mutex.Unlock()

	if ep.closed {
		return transport.ErrClosed
	}

	comp := transport.Completion{Op: transport.OpRead, Context: ctx}
	if peer, ok := ep.domain.lookup(src); !ok || peer.closed {
		comp.Status = transport.StatusUnreachable
	} else if peer.conf.Registry == nil {
		comp.Status = transport.StatusRemoteAccess
	} else if buf, region, err := peer.conf.Registry.Resolve(remote, hmem.AccessRemoteRead); err != nil {
		comp.Status = transport.StatusRemoteAccess
	} else if n, err := hmem.Copy(local, buf, region.Iface()); err != nil {
		comp.Status = transport.StatusRemoteAccess
	} else {
		comp.Len = n
	}

	ep.cq = append(ep.cq, comp)
	return nil
}

func (ep *Endpoint) Poll(max int) []transport.Completion {
	ep.domain.mutex.Lock()
	defer ep.domain.mutex.Unlock()

	n := len(ep.cq)
	if max > 0 && n > max {
		n = max
	}
	if n == 0 {
		return nil
	}

	comps := make([]transport.Completion, n)
	copy(comps, ep.cq[:n])
	ep.cq = ep.cq[n:]
	return comps
}

func (ep *Endpoint) Close() error {
	ep.domain.mutex.Lock()
	defer ep.domain.mutex.Unlock()

	if ep.closed {
		return transport.ErrClosed
	}
	ep.closed = true

	for _, recv := range ep.posted {
		ep.cq = append(ep.cq, transport.Completion{
			Op:      transport.OpRecv,
			Context: recv.ctx,
			Status:  transport.StatusFlushed,
		})
	}
	ep.posted = nil

	if len(ep.inbox) > 0 {
		log.WithFields(log.Fields{
			"address": ep.addr,
			"dropped": len(ep.inbox),
		}).Debug("Closing shm endpoint with queued messages")
	}
	ep.inbox = nil

	delete(ep.domain.endpoints, ep.addr.QPN)
	return nil
}
