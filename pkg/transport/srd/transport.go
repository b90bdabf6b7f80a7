// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package srd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/rxr-go/pkg/hmem"
	"github.com/dtn7/rxr-go/pkg/transport"
)

// Config of a Transport.
type Config struct {
	// QKey identifies this incarnation of the Transport.
	QKey uint32

	RetransmitTimeout time.Duration
	MaxRetries        int
	SendQueueDepth    int
	DedupWindow       int
}

// DefaultConfig for a Transport identified by qkey.
func DefaultConfig(qkey uint32) Config {
	return Config{
		QKey:              qkey,
		RetransmitTimeout: 100 * time.Millisecond,
		MaxRetries:        10,
		SendQueueDepth:    256,
		DedupWindow:       4096,
	}
}

type pendingSend struct {
	dst      transport.Address
	raw      []byte
	ctx      any
	len      int
	deadline time.Time
	attempts int
}

type postedRecv struct {
	buf []byte
	ctx any
}

// Transport implements transport.Transport on top of a Link.
type Transport struct {
	link Link
	conf Config
	addr transport.Address

	mutex   sync.Mutex
	nextID  uint64
	pending map[uint64]*pendingSend
	posted  []postedRecv
	cq      []transport.Completion
	seen    map[string]*dedup
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts a Transport on link. The Transport owns the Link afterwards.
func New(link Link, conf Config) (*Transport, error) {
	if link.MaxFrameSize() <= frameHeaderLen {
		return nil, fmt.Errorf("srd: link frame size %d is too small", link.MaxFrameSize())
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		link:    link,
		conf:    conf,
		addr:    transport.Address{Host: link.LocalAddr(), QKey: conf.QKey},
		nextID:  1,
		pending: make(map[uint64]*pendingSend),
		seen:    make(map[string]*dedup),
		ctx:     ctx,
		cancel:  cancel,
	}

	t.wg.Add(2)
	go t.receiveLoop()
	go t.retransmitLoop()

	log.WithFields(log.Fields{
		"address": t.addr,
		"mtu":     t.MTU(),
	}).Info("Started SRD transport")
	return t, nil
}

func (t *Transport) Name() string {
	return "srd"
}

func (t *Transport) Address() transport.Address {
	return t.addr
}

func (t *Transport) MTU() int {
	return t.link.MaxFrameSize() - frameHeaderLen
}

func (t *Transport) Caps() transport.Caps {
	return 0
}

func (t *Transport) MaxReadSize() int {
	return 0
}

func (t *Transport) PostSend(dst transport.Address, iov []hmem.IOV, ctx any) error {
	data, err := transport.Gather(iov, t.MTU())
	if err != nil {
		return err
	}

	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return transport.ErrClosed
	}
	if len(t.pending) >= t.conf.SendQueueDepth {
		t.mutex.Unlock()
		return transport.ErrAgain
	}

	id := t.nextID
	t.nextID++

	ps := &pendingSend{
		dst: dst,
		raw: frame{
			kind:    frameData,
			id:      id,
			dstQKey: dst.QKey,
			srcQKey: t.conf.QKey,
			payload: data,
		}.marshal(),
		ctx:      ctx,
		len:      len(data),
		deadline: time.Now().Add(t.conf.RetransmitTimeout),
	}
	t.pending[id] = ps
	t.mutex.Unlock()

	t.write(ps.raw, dst.Host)
	return nil
}

func (t *Transport) write(raw []byte, to string) {
	if err := t.link.WriteTo(raw, to); err != nil && !errors.Is(err, ErrNotConnected) {
		log.WithFields(log.Fields{
			"address": t.addr,
			"to":      to,
			"error":   err,
		}).Debug("SRD link write failed, relying on retransmission")
	}
}

func (t *Transport) PostRecv(buf []byte, ctx any) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.closed {
		return transport.ErrClosed
	}

	t.posted = append(t.posted, postedRecv{buf: buf, ctx: ctx})
	return nil
}

func (t *Transport) PostRead(transport.Address, []byte, hmem.RMAIOV, any) error {
	return transport.ErrNotSupported
}

func (t *Transport) Poll(max int) []transport.Completion {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	n := len(t.cq)
	if max > 0 && n > max {
		n = max
	}
	if n == 0 {
		return nil
	}

	comps := make([]transport.Completion, n)
	copy(comps, t.cq[:n])
	t.cq = t.cq[n:]
	return comps
}

// completeSend must be called with the mutex held.
func (t *Transport) completeSend(id uint64, status transport.Status) {
	ps, ok := t.pending[id]
	if !ok {
		return
	}
	delete(t.pending, id)

	t.cq = append(t.cq, transport.Completion{
		Op:      transport.OpSend,
		Context: ps.ctx,
		Len:     ps.len,
		Status:  status,
	})
}

func (t *Transport) handleFrame(raw []byte, from string) {
	f, err := unmarshalFrame(raw)
	if err != nil {
		log.WithFields(log.Fields{
			"address": t.addr,
			"from":    from,
			"error":   err,
		}).Debug("Dropping malformed SRD frame")
		return
	}

	t.mutex.Lock()

	switch f.kind {
	case frameAck:
		t.completeSend(f.id, transport.StatusOK)
		t.mutex.Unlock()

	case frameNack:
		t.completeSend(f.id, transport.StatusRNR)
		t.mutex.Unlock()

	case frameReject:
		t.completeSend(f.id, transport.StatusUnreachable)
		t.mutex.Unlock()

	case frameData:
		reply := frame{id: f.id, dstQKey: f.srcQKey, srcQKey: t.conf.QKey}
		reply.kind = t.receive(f, from)
		t.mutex.Unlock()

		t.write(reply.marshal(), from)
	}
}

// receive a data frame and return the kind of the reply. The mutex must be
// held.
func (t *Transport) receive(f frame, from string) frameKind {
	if f.dstQKey != 0 && f.dstQKey != t.conf.QKey {
		return frameReject
	}

	d, ok := t.seen[from]
	if !ok {
		d = newDedup(t.conf.DedupWindow)
		t.seen[from] = d
	}
	if d.seen(f.id) {
		return frameAck
	}

	if len(t.posted) == 0 {
		return frameNack
	}

	recv := t.posted[0]
	t.posted = t.posted[1:]
	d.add(f.id)

	t.cq = append(t.cq, transport.Completion{
		Op:      transport.OpRecv,
		Context: recv.ctx,
		Len:     copy(recv.buf, f.payload),
		Status:  transport.StatusOK,
		Src:     transport.Address{Host: from, QKey: f.srcQKey},
	})
	return frameAck
}

func (t *Transport) receiveLoop() {
	defer t.wg.Done()

	for {
		raw, from, err := t.link.ReadFrom(t.ctx)
		if err != nil {
			if t.ctx.Err() == nil {
				log.WithFields(log.Fields{
					"address": t.addr,
					"error":   err,
				}).Warn("SRD link read failed, stopping receiver")
			}
			return
		}

		t.handleFrame(raw, from)
	}
}

func (t *Transport) retransmitLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.conf.RetransmitTimeout / 2)
	defer ticker.Stop()

	type resend struct {
		raw []byte
		to  string
	}

	for {
		select {
		case <-t.ctx.Done():
			return

		case now := <-ticker.C:
			var resends []resend

			t.mutex.Lock()
			for id, ps := range t.pending {
				if now.Before(ps.deadline) {
					continue
				}

				ps.attempts++
				if ps.attempts > t.conf.MaxRetries {
					log.WithFields(log.Fields{
						"address": t.addr,
						"dst":     ps.dst,
						"id":      id,
					}).Debug("SRD frame exceeded its retries")
					t.completeSend(id, transport.StatusUnreachable)
					continue
				}

				ps.deadline = now.Add(t.conf.RetransmitTimeout)
				resends = append(resends, resend{ps.raw, ps.dst.Host})
			}
			t.mutex.Unlock()

			for _, r := range resends {
				t.write(r.raw, r.to)
			}
		}
	}
}

// Close stops the Transport and its Link. Pending operations complete as
// transport.StatusFlushed.
func (t *Transport) Close() error {
	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return transport.ErrClosed
	}
	t.closed = true

	for id := range t.pending {
		t.completeSend(id, transport.StatusFlushed)
	}
	for _, recv := range t.posted {
		t.cq = append(t.cq, transport.Completion{
			Op:      transport.OpRecv,
			Context: recv.ctx,
			Status:  transport.StatusFlushed,
		})
	}
	t.posted = nil
	t.mutex.Unlock()

	var errs error
	t.cancel()
	if err := t.link.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	t.wg.Wait()

	log.WithField("address", t.addr).Info("Closed SRD transport")
	return errs
}
