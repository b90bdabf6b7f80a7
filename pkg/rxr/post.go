// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rxr

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/rxr-go/pkg/av"
	"github.com/dtn7/rxr-go/pkg/bufpool"
	"github.com/dtn7/rxr-go/pkg/hmem"
	"github.com/dtn7/rxr-go/pkg/peer"
	"github.com/dtn7/rxr-go/pkg/pkt"
	"github.com/dtn7/rxr-go/pkg/transport"
	"github.com/dtn7/rxr-go/pkg/wire"
)

// post a queued packet. For temporary failures, reported by isRetry, q is
// left untouched and may be posted later.
func (ep *Endpoint) post(q *queuedPkt) (err error) {
	p, ok := ep.peers.Get(q.addr)
	if !ok {
		return fmt.Errorf("post to %v: %w", q.addr, av.ErrUnknownAddr)
	}
	if p.Err != nil {
		return p.Err
	}
	if p.InBackoff {
		return fmt.Errorf("%w: %v is in RNR backoff", ErrAgain, p.Addr)
	}

	tps := ep.transportFor(p)

	e := q.entry
	if e == nil {
		if e, err = ep.txPkts.Alloc(); err != nil {
			return
		}

		h := q.hdr
		switch {
		case h.Type == wire.TypeHandshake, h.Type.IsReq() && !p.Has(peer.HandshakeReceived):
			h = h.WithQKeys(tps.tp.Address().QKey, p.Raw.QKey)
		case !h.Type.IsReq() && ep.conf.ConnIDHeader && p.Supports(wire.FeatureConnIDHeader):
			h = h.WithConnID(tps.tp.Address().QKey)
		}

		n, encErr := wire.Encode(e.Buf, h)
		if encErr != nil {
			e.Release()
			return encErr
		}
		e.Size = n

		e.Owner = q.owner
		e.Addr = uint64(p.Addr)
		e.Local = tps.local
		if len(q.payload) > 0 {
			e.SetSendVec(&pkt.SendVec{IOV: q.payload})
		}
	}

	iov := []hmem.IOV{{Buf: e.Data(), Desc: ep.txPkts.Region()}}
	if v := e.SendVec(); v != nil {
		iov = append(iov, v.IOV...)
	}

	if err = tps.tp.PostSend(p.Raw, iov, e); err != nil {
		if q.entry == nil {
			e.Release()
		}
		return
	}

	if e.State == pkt.StateRNRRetransmit {
		ep.stats.Retransmits++
	}
	tps.outstanding++
	p.TxPending++
	ep.stats.PktsSent++

	if log.IsLevelEnabled(log.TraceLevel) {
		log.WithFields(log.Fields{
			"endpoint": ep.Address(),
			"peer":     p.Addr,
			"packet":   q.hdr.Type,
			"size":     e.SendLen(),
		}).Trace("Posted packet")
	}
	return nil
}

// sendCtrl posts a control packet or, on a temporary failure, queues it.
func (ep *Endpoint) sendCtrl(addr av.Addr, hdr wire.Header, owner pkt.Owner, payload []hmem.IOV) error {
	q := &queuedPkt{addr: addr, hdr: hdr, owner: owner, payload: payload}
	if err := ep.post(q); isRetry(err) {
		ep.rxQueue = append(ep.rxQueue, q)
	} else if err != nil {
		return err
	}
	return nil
}

// triggerHandshake sends a HANDSHAKE unless one was sent or is on its way.
func (ep *Endpoint) triggerHandshake(p *peer.Peer) {
	if p.Flags&(peer.HandshakeSent|peer.HandshakeInFlight|peer.HandshakeQueued) != 0 {
		return
	}
	ep.postHandshake(p)
}

func (ep *Endpoint) postHandshake(p *peer.Peer) {
	hdr := wire.NewHeader(wire.TypeHandshake, &wire.HandshakeHdr{
		MaxVersion: wire.ProtocolVersion,
		Features:   ep.features(),
	})

	err := ep.post(&queuedPkt{addr: p.Addr, hdr: hdr})
	switch {
	case err == nil:
		p.Flags &^= peer.HandshakeQueued
		p.Flags |= peer.HandshakeInFlight
		ep.stats.HandshakesSent++

	case isRetry(err):
		if !p.Has(peer.HandshakeQueued) {
			p.Flags |= peer.HandshakeQueued
			ep.handshakeQueue = append(ep.handshakeQueue, p.Addr)
		}

	default:
		ep.failPeer(p, fmt.Errorf("sending handshake: %w", err))
	}
}

// failPeer marks a peer as failed after a fatal transport error.
func (ep *Endpoint) failPeer(p *peer.Peer, err error) {
	if p.Err != nil {
		return
	}

	p.Err = fmt.Errorf("%w: %v", ErrPeerFailed, err)
	ep.writeEQ(p.Addr, p.Err)
}

// failOwner fails the transfer an entry belongs to.
func (ep *Endpoint) failOwner(owner pkt.Owner, err error) {
	switch owner.Kind {
	case pkt.OwnerTx:
		if tx := ep.tx(owner.Handle); tx != nil {
			ep.failTx(tx, err)
		}
	case pkt.OwnerRx:
		if rx := ep.rx(owner.Handle); rx != nil {
			ep.failRx(rx, err)
		}
	case pkt.OwnerRead:
		if r, ok := ep.reads.Get(owner.Handle); ok {
			ep.abortRead(r, err)
		}
	}
}

// handleSendCompletion processes the Completion of a posted packet.
func (ep *Endpoint) handleSendCompletion(tps *tpState, c transport.Completion) {
	e, ok := c.Context.(*pkt.Entry)
	if !ok {
		log.WithField("completion", c).Warn("Send completion without packet")
		return
	}

	tps.outstanding--
	p, _ := ep.peers.Get(av.Addr(e.Addr))
	if p != nil {
		p.TxPending--
	}

	switch {
	case c.Status == transport.StatusOK:
		if e.State == pkt.StateRNRRetransmit && p != nil {
			ep.peers.ResetBackoff(p)
		}
		e.State = pkt.StateInUse
		ep.onSent(p, e)
		e.Release()

	case c.Status == transport.StatusRNR && p != nil:
		ep.onRNR(p, e)

	case c.Status == transport.StatusFlushed || p == nil:
		e.Release()

	default:
		err := statusError(c.Status)
		ep.failPeer(p, err)
		ep.failOwner(e.Owner, p.Err)
		e.Release()
	}
}

// onSent handles a packet acknowledged by the transport.
func (ep *Endpoint) onSent(p *peer.Peer, e *pkt.Entry) {
	typ, err := wire.PeekType(e.Data())
	if err != nil {
		return
	}

	if typ == wire.TypeHandshake {
		if p != nil {
			p.Flags &^= peer.HandshakeInFlight
			p.Flags |= peer.HandshakeSent
			log.WithFields(log.Fields{
				"endpoint": ep.Address(),
				"peer":     p.Addr,
			}).Debug("Handshake was sent")
		}
		return
	}

	if e.Owner.Kind != pkt.OwnerTx {
		return
	}
	tx := ep.tx(e.Owner.Handle)
	if tx == nil {
		return
	}

	switch {
	case typ == wire.TypeWriteRTA:
		tx.bytesAcked = tx.totalLen
	case typ.IsRTA():
	default:
		tx.bytesAcked += e.SendLen() - e.Size
	}

	if len(tx.queue) == 0 && (tx.state == TxQueuedReqRNR || tx.state == TxQueuedDataRNR) {
		tx.state = ep.resumeState(tx)
	}
	ep.tryCompleteTx(tx)
}

// onRNR handles a packet the receiver had no buffer for.
func (ep *Endpoint) onRNR(p *peer.Peer, e *pkt.Entry) {
	ep.stats.RNREvents++

	if !p.InBackoff {
		ep.peers.EnterBackoff(p, ep.now())
	}

	if limit := ep.conf.RNRRetryLimit; limit >= 0 && p.RNRAttempts > limit {
		log.WithFields(log.Fields{
			"endpoint": ep.Address(),
			"peer":     p.Addr,
			"attempts": p.RNRAttempts,
		}).Warn("RNR retry limit exceeded")

		typ, _ := wire.PeekType(e.Data())
		if typ == wire.TypeHandshake {
			p.Flags &^= peer.HandshakeInFlight
			ep.writeEQ(p.Addr, fmt.Errorf("handshake: %w", ErrRNRRetryExceeded))
		} else if e.Owner.Kind == pkt.OwnerNone {
			ep.writeEQ(p.Addr, fmt.Errorf("%v: %w", typ, ErrRNRRetryExceeded))
		} else {
			ep.failOwner(e.Owner, ErrRNRRetryExceeded)
		}
		e.Release()

		// The budget is per transfer, later transfers start over.
		ep.peers.ResetBackoff(p)
		return
	}

	e.State = pkt.StateRNRRetransmit
	typ, _ := wire.PeekType(e.Data())

	switch {
	case typ == wire.TypeHandshake:
		e.Release()
		p.Flags &^= peer.HandshakeInFlight
		if !p.Has(peer.HandshakeQueued) {
			p.Flags |= peer.HandshakeQueued
			ep.handshakeQueue = append(ep.handshakeQueue, p.Addr)
		}

	case e.Owner.Kind == pkt.OwnerTx:
		tx := ep.tx(e.Owner.Handle)
		if tx == nil {
			e.Release()
			return
		}

		tx.queue = append(tx.queue, &queuedPkt{addr: p.Addr, owner: e.Owner, entry: e})
		if typ.IsReq() {
			tx.state = TxQueuedReqRNR
		} else {
			tx.state = TxQueuedDataRNR
		}
		ep.queueTx(tx)

	default:
		ep.rxQueue = append(ep.rxQueue, &queuedPkt{addr: p.Addr, owner: e.Owner, entry: e})
	}

	log.WithFields(log.Fields{
		"endpoint": ep.Address(),
		"peer":     p.Addr,
		"packet":   typ,
		"backoff":  p.RNRBackoff,
	}).Debug("Packet hit RNR, queued for retransmission")
}

// queueTx registers a send entry for retransmissions.
func (ep *Endpoint) queueTx(tx *txEntry) {
	if !tx.queued {
		tx.queued = true
		ep.txQueued = append(ep.txQueued, tx.handle)
	}
}

// activate registers a send entry for pushing packets.
func (ep *Endpoint) activate(tx *txEntry) {
	if !tx.active {
		tx.active = true
		ep.txActive = append(ep.txActive, tx.handle)
	}
}

// resumeState is a send entry's state after its retransmissions.
func (ep *Endpoint) resumeState(tx *txEntry) TxState {
	switch {
	case !tx.reqPosted && tx.active:
		return TxReq
	case tx.active:
		return TxSend
	default:
		return TxWait
	}
}

// releaseQueue drops the queued packets of an entry.
func releaseQueue(queue []*queuedPkt) {
	for _, q := range queue {
		if q.entry != nil {
			q.entry.Release()
		}
	}
}

// removeHandle removes h from a list of handles.
func removeHandle(list []bufpool.Handle, h bufpool.Handle) []bufpool.Handle {
	for i, x := range list {
		if x == h {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
