// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package fabric

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/rxr-go/pkg/hmem"
	"github.com/dtn7/rxr-go/pkg/transport"
)

// Config of a Device.
type Config struct {
	MTU            int
	MaxReadSize    int
	SendQueueDepth int

	// Registry enables reads of this Device's memory. A Device without a
	// Registry does not support reads at all.
	Registry *hmem.Registry
}

// DefaultConfig for a Device with reads on the given Registry.
func DefaultConfig(reg *hmem.Registry) Config {
	return Config{
		MTU:            8192,
		MaxReadSize:    1 << 20,
		SendQueueDepth: 256,
		Registry:       reg,
	}
}

type postedRecv struct {
	buf []byte
	ctx any
}

// Device is one endpoint of a Fabric and implements transport.Transport.
// All its state is guarded by the Fabric's mutex.
type Device struct {
	fabric *Fabric
	addr   transport.Address
	conf   Config

	posted      []postedRecv
	cq          []transport.Completion
	outstanding int
	closed      bool
}

func (d *Device) Name() string {
	return "fabric"
}

func (d *Device) Address() transport.Address {
	return d.addr
}

func (d *Device) MTU() int {
	return d.conf.MTU
}

func (d *Device) Caps() transport.Caps {
	if d.conf.Registry != nil {
		return transport.CapRead
	}
	return 0
}

func (d *Device) MaxReadSize() int {
	if d.conf.Registry == nil {
		return 0
	}
	return d.conf.MaxReadSize
}

// checkPost must be called with the Fabric's mutex held.
func (d *Device) checkPost() error {
	if d.closed {
		return transport.ErrClosed
	}
	if d.outstanding >= d.conf.SendQueueDepth {
		return transport.ErrAgain
	}
	return nil
}

func (d *Device) PostSend(dst transport.Address, iov []hmem.IOV, ctx any) error {
	data, err := transport.Gather(iov, d.conf.MTU)
	if err != nil {
		return err
	}

	d.fabric.mutex.Lock()
	defer d.fabric.mutex.Unlock()

	if err := d.checkPost(); err != nil {
		return err
	}

	d.outstanding++
	status := d.fabric.deliver(d, dst, data)
	d.cq = append(d.cq, transport.Completion{
		Op:      transport.OpSend,
		Context: ctx,
		Len:     len(data),
		Status:  status,
	})
	return nil
}

func (d *Device) PostRecv(buf []byte, ctx any) error {
	d.fabric.mutex.Lock()
	defer d.fabric.mutex.Unlock()

	if d.closed {
		return transport.ErrClosed
	}

	d.posted = append(d.posted, postedRecv{buf: buf, ctx: ctx})
	return nil
}

func (d *Device) PostRead(src transport.Address, local []byte, remote hmem.RMAIOV, ctx any) error {
	if d.conf.Registry == nil {
		return transport.ErrNotSupported
	}
	if len(local) > d.conf.MaxReadSize {
		return fmt.Errorf("%w: read of %d bytes", transport.ErrTooLarge, len(local))
	}

	d.fabric.mutex.Lock()
	defer d.fabric.mutex.Unlock()

	if err := d.checkPost(); err != nil {
		return err
	}
	d.outstanding++

	comp := transport.Completion{Op: transport.OpRead, Context: ctx}

	if peer, ok := d.fabric.lookup(src); !ok {
		comp.Status = transport.StatusUnreachable
	} else if peer.conf.Registry == nil {
		comp.Status = transport.StatusRemoteAccess
	} else if buf, region, err := peer.conf.Registry.Resolve(remote, hmem.AccessRemoteRead); err != nil {
		log.WithFields(log.Fields{
			"device": d.addr,
			"remote": remote,
			"error":  err,
		}).Debug("Fabric read was rejected")
		comp.Status = transport.StatusRemoteAccess
	} else if n, err := hmem.Copy(local, buf, region.Iface()); err != nil {
		comp.Status = transport.StatusRemoteAccess
	} else {
		comp.Len = n
	}

	d.cq = append(d.cq, comp)
	return nil
}

func (d *Device) Poll(max int) []transport.Completion {
	d.fabric.mutex.Lock()
	defer d.fabric.mutex.Unlock()

	n := len(d.cq)
	if max > 0 && n > max {
		n = max
	}
	if n == 0 {
		return nil
	}

	comps := make([]transport.Completion, n)
	copy(comps, d.cq[:n])
	d.cq = d.cq[n:]

	for _, c := range comps {
		if c.Op != transport.OpRecv {
			d.outstanding--
		}
	}
	return comps
}

// PostedRecvs returns the amount of posted receive buffers.
func (d *Device) PostedRecvs() int {
	d.fabric.mutex.Lock()
	defer d.fabric.mutex.Unlock()

	return len(d.posted)
}

func (d *Device) Close() error {
	d.fabric.mutex.Lock()
	defer d.fabric.mutex.Unlock()

	if d.closed {
		return transport.ErrClosed
	}
	d.closed = true

	for _, recv := range d.posted {
		d.cq = append(d.cq, transport.Completion{
			Op:      transport.OpRecv,
			Context: recv.ctx,
			Status:  transport.StatusFlushed,
		})
	}
	d.posted = nil

	delete(d.fabric.devices, d.addr.Endpoint())

	log.WithField("address", d.addr).Debug("Closed fabric device")
	return nil
}
