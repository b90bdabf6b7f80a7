// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rxr

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/rxr-go/pkg/av"
	"github.com/dtn7/rxr-go/pkg/hmem"
	"github.com/dtn7/rxr-go/pkg/peer"
	"github.com/dtn7/rxr-go/pkg/pkt"
	"github.com/dtn7/rxr-go/pkg/wire"
)

// Send buf to dst. The buffer must not be modified until its Completion.
func (ep *Endpoint) Send(buf []byte, dst av.Addr, ctx any) error {
	return ep.SendMsg([]hmem.IOV{{Buf: buf}}, dst, ctx, 0)
}

// SendMsg sends a scatter list to dst. Supported flags are
// FlagDeliveryComplete.
func (ep *Endpoint) SendMsg(iov []hmem.IOV, dst av.Addr, ctx any, flags Flags) error {
	return ep.send(opMsg, iov, dst, 0, ctx, flags)
}

// TSend sends buf as a tagged message to dst.
func (ep *Endpoint) TSend(buf []byte, dst av.Addr, tag uint64, ctx any) error {
	return ep.TSendMsg([]hmem.IOV{{Buf: buf}}, dst, tag, ctx, 0)
}

// TSendMsg sends a scatter list as a tagged message to dst.
func (ep *Endpoint) TSendMsg(iov []hmem.IOV, dst av.Addr, tag uint64, ctx any, flags Flags) error {
	return ep.send(opTagged, iov, dst, tag, ctx, flags)
}

func (ep *Endpoint) send(op opKind, iov []hmem.IOV, dst av.Addr, tag uint64, ctx any, flags Flags) error {
	ep.mutex.Lock()
	defer ep.mutex.Unlock()

	if err := ep.checkUsable(); err != nil {
		return err
	}

	p, tps, err := ep.peerFor(dst)
	if err != nil {
		return err
	}

	dc := flags.Has(FlagDeliveryComplete)
	if dc {
		if !p.Has(peer.HandshakeReceived) {
			ep.triggerHandshake(p)
			return fmt.Errorf("%w: waiting for handshake of %v", ErrAgain, dst)
		}
		if !p.Supports(wire.FeatureDeliveryComplete) {
			return fmt.Errorf("%w: delivery complete", ErrNotSupported)
		}
	}

	h, tx, err := ep.txEntries.Alloc()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAgain, err)
	}

	tx.handle = h
	tx.op = op
	tx.addr = p.Addr
	tx.ctx = ctx
	tx.tag = tag
	tx.iov = iov
	tx.totalLen = hmem.TotalLen(iov)
	tx.waitReceipt = dc

	tx.flags = FlagSend | FlagMsg
	if op == opTagged {
		tx.flags = FlagSend | FlagTagged
	}
	if dc {
		tx.flags |= FlagDeliveryComplete
	}

	tx.proto = ep.selectProto(p, tps, tx)
	if tx.proto == wire.TypeLongReadMsgRTM || tx.proto == wire.TypeLongReadTagRTM {
		if err := ep.exposeIOV(tx); err != nil {
			ep.releaseTx(tx)
			return err
		}
		tx.waitReceipt = true
	}
	if tx.proto.IsOrdered() {
		tx.msgID = p.NextMsgID()
	}

	p.TrackTx(h)
	ep.startTx(tx)

	log.WithFields(log.Fields{
		"endpoint": ep.Address(),
		"peer":     p.Addr,
		"protocol": tx.proto,
		"length":   tx.totalLen,
	}).Debug("Started send")
	return nil
}

// selectProto picks a message protocol by size and capabilities.
func (ep *Endpoint) selectProto(p *peer.Peer, tps *tpState, tx *txEntry) wire.Type {
	pick := func(msg, tagged wire.Type) wire.Type {
		if tx.op == opTagged {
			return tagged
		}
		return msg
	}

	eager := pick(wire.TypeEagerMsgRTM, wire.TypeEagerTagRTM)
	if tx.totalLen <= maxPayload(tps, eager, 0) {
		return eager
	}
	if tx.totalLen <= ep.conf.MediumThreshold {
		return pick(wire.TypeMediumMsgRTM, wire.TypeMediumTagRTM)
	}

	read := pick(wire.TypeLongReadMsgRTM, wire.TypeLongReadTagRTM)
	if ep.canRead(p, tps) &&
		(hmem.IsDevice(tx.iov) || tx.totalLen >= ep.conf.ReadThreshold) &&
		len(tx.iov) <= wire.MaxRMAIOVs && maxPayload(tps, read, len(tx.iov)) >= 0 {
		return read
	}
	return pick(wire.TypeLongCTSMsgRTM, wire.TypeLongCTSTagRTM)
}

// exposeIOV makes a send entry's buffers readable for its peer. Buffers
// without a suitable Region are registered for the transfer's lifetime.
func (ep *Endpoint) exposeIOV(tx *txEntry) error {
	for _, v := range tx.iov {
		if len(v.Buf) == 0 {
			continue
		}

		if v.Desc != nil && v.Desc.Access().Has(hmem.AccessRemoteRead) {
			if off, ok := v.Desc.OffsetOf(v.Buf); ok {
				tx.rma = append(tx.rma, hmem.RMAIOV{Addr: off, Len: uint64(len(v.Buf)), Key: v.Desc.Key()})
				continue
			}
		}

		region, err := ep.reg.Register(v.Buf, hmem.AccessRemoteRead, v.Iface())
		if err != nil {
			ep.concealIOV(tx)
			return fmt.Errorf("exposing send buffer: %w", err)
		}
		tx.regions = append(tx.regions, region)
		tx.rma = append(tx.rma, hmem.RMAIOV{Len: uint64(len(v.Buf)), Key: region.Key()})
	}
	return nil
}

// concealIOV releases the Regions registered by exposeIOV.
func (ep *Endpoint) concealIOV(tx *txEntry) {
	for _, region := range tx.regions {
		if err := ep.reg.Deregister(region); err != nil {
			log.WithError(err).Warn("Deregistering send buffer failed")
		}
	}
	tx.regions = nil
}

// startTx queues a new send entry and tries to push it right away.
func (ep *Endpoint) startTx(tx *txEntry) {
	tx.state = TxReq
	ep.activate(tx)

	if err := ep.pushTx(tx); err != nil && !isRetry(err) {
		ep.failTx(tx, err)
	}
}

// deactivate marks a send entry as having nothing left to push for now.
func (ep *Endpoint) deactivate(tx *txEntry, state TxState) {
	tx.active = false
	tx.state = state
}

// reqHeader creates a request header for a send entry.
func reqHeader(tx *txEntry, body wire.Body) wire.Header {
	h := wire.NewHeader(tx.proto, body)
	if tx.flags.Has(FlagDeliveryComplete) {
		h.Flags |= wire.FlagDeliveryComplete
	}
	return h
}

// pushTx posts as many packets of a send entry as currently possible.
func (ep *Endpoint) pushTx(tx *txEntry) (err error) {
	p, ok := ep.peers.Get(tx.addr)
	if !ok {
		return fmt.Errorf("push to %v: %w", tx.addr, av.ErrUnknownAddr)
	}
	if p.Err != nil {
		return p.Err
	}
	if len(tx.queue) > 0 {
		return fmt.Errorf("%w: retransmissions pending", ErrAgain)
	}

	tps := ep.transportFor(p)
	owner := pkt.Owner{Kind: pkt.OwnerTx, Handle: tx.handle}

	switch tx.proto {
	case wire.TypeEagerMsgRTM, wire.TypeEagerTagRTM:
		hdr := reqHeader(tx, &wire.EagerRTMHdr{Tag: tx.tag, TxID: tx.id()})
		if err = ep.post(&queuedPkt{addr: tx.addr, hdr: hdr, owner: owner, payload: tx.iov}); err != nil {
			return
		}
		tx.reqPosted = true
		tx.bytesSubmitted = tx.totalLen
		ep.deactivate(tx, TxSend)

	case wire.TypeMediumMsgRTM, wire.TypeMediumTagRTM:
		segLen := maxPayload(tps, tx.proto, 0)
		for tx.bytesSubmitted < tx.totalLen {
			n := min(segLen, tx.totalLen-tx.bytesSubmitted)
			hdr := reqHeader(tx, &wire.MediumRTMHdr{
				MsgID:     tx.msgID,
				Tag:       tx.tag,
				TxID:      tx.id(),
				TotalLen:  uint64(tx.totalLen),
				SegOffset: uint64(tx.bytesSubmitted),
			})
			payload := hmem.Slice(tx.iov, tx.bytesSubmitted, n)
			if err = ep.post(&queuedPkt{addr: tx.addr, hdr: hdr, owner: owner, payload: payload}); err != nil {
				return
			}

			tx.reqPosted = true
			tx.state = TxSend
			tx.bytesSubmitted += n
		}
		ep.deactivate(tx, TxSend)

	case wire.TypeLongCTSMsgRTM, wire.TypeLongCTSTagRTM, wire.TypeLongCTSRTW:
		if !tx.reqPosted {
			return ep.postLongReq(p, tps, tx, owner)
		}
		return ep.pushData(tps, tx, owner)

	case wire.TypeReadRsp:
		if !tx.reqPosted {
			hdr := wire.NewHeader(wire.TypeReadRsp, &wire.ReadRspHdr{
				RxID:   tx.rxID,
				TxID:   tx.id(),
				SegLen: uint64(tx.totalLen),
			})
			if err = ep.post(&queuedPkt{addr: tx.addr, hdr: hdr, owner: owner}); err != nil {
				return
			}
			tx.reqPosted = true
			tx.state = TxSend
		}
		return ep.pushData(tps, tx, owner)

	case wire.TypeLongReadMsgRTM, wire.TypeLongReadTagRTM:
		hdr := reqHeader(tx, &wire.LongReadRTMHdr{
			MsgID:    tx.msgID,
			Tag:      tx.tag,
			TxID:     tx.id(),
			TotalLen: uint64(tx.totalLen),
			ReadIOV:  tx.rma,
		})
		if err = ep.post(&queuedPkt{addr: tx.addr, hdr: hdr, owner: owner}); err != nil {
			return
		}
		tx.reqPosted = true
		tx.bytesSubmitted = tx.totalLen
		ep.deactivate(tx, TxWait)

	case wire.TypeEagerRTW:
		hdr := wire.NewHeader(wire.TypeEagerRTW, &wire.RTWHdr{
			TxID:     tx.id(),
			TotalLen: uint64(tx.totalLen),
			RMA:      tx.rma,
		})
		if err = ep.post(&queuedPkt{addr: tx.addr, hdr: hdr, owner: owner, payload: tx.iov}); err != nil {
			return
		}
		tx.reqPosted = true
		tx.bytesSubmitted = tx.totalLen
		ep.deactivate(tx, TxSend)

	case wire.TypeWriteRTA, wire.TypeFetchRTA, wire.TypeCompareRTA:
		hdr := wire.NewHeader(tx.proto, &wire.RTAHdr{
			TxID:  tx.id(),
			Op:    uint8(tx.atomicOp),
			Count: hmem.RMATotalLen(tx.rma) / 8,
			RMA:   tx.rma,
		})
		if err = ep.post(&queuedPkt{addr: tx.addr, hdr: hdr, owner: owner, payload: tx.iov}); err != nil {
			return
		}
		tx.reqPosted = true
		tx.bytesSubmitted = tx.totalLen
		ep.deactivate(tx, TxSend)

	default:
		return fmt.Errorf("cannot push %v", tx)
	}

	return nil
}

// postLongReq posts the request of a long CTS message or write after
// debiting the peer's credits.
func (ep *Endpoint) postLongReq(p *peer.Peer, tps *tpState, tx *txEntry, owner pkt.Owner) error {
	if tx.credits == 0 {
		granted, err := ep.peers.RequestCredit(p, tx.totalLen-tx.bytesSubmitted, maxPayload(tps, wire.TypeData, 0))
		if err != nil {
			tx.state = TxQueuedCtrl
			return err
		}
		tx.credits = granted
	}

	var hdr wire.Header
	if tx.proto == wire.TypeLongCTSRTW {
		hdr = wire.NewHeader(wire.TypeLongCTSRTW, &wire.RTWHdr{
			TxID:          tx.id(),
			TotalLen:      uint64(tx.totalLen),
			CreditRequest: uint64(tx.credits),
			RMA:           tx.rma,
		})
	} else {
		hdr = reqHeader(tx, &wire.LongCTSRTMHdr{
			MsgID:         tx.msgID,
			Tag:           tx.tag,
			TxID:          tx.id(),
			TotalLen:      uint64(tx.totalLen),
			CreditRequest: uint64(tx.credits),
		})
	}

	if err := ep.post(&queuedPkt{addr: tx.addr, hdr: hdr, owner: owner}); err != nil {
		tx.state = TxQueuedCtrl
		return err
	}

	tx.reqPosted = true
	ep.deactivate(tx, TxWait)
	return nil
}

// pushData posts DATA packets within a send entry's window.
func (ep *Endpoint) pushData(tps *tpState, tx *txEntry, owner pkt.Owner) error {
	segLen := maxPayload(tps, wire.TypeData, 0)

	for tx.window > 0 && tx.bytesSubmitted < tx.totalLen {
		n := min(segLen, tx.window, tx.totalLen-tx.bytesSubmitted)
		hdr := wire.NewHeader(wire.TypeData, &wire.DataHdr{
			RxID:      tx.rxID,
			SegOffset: uint64(tx.bytesSubmitted),
			SegLen:    uint64(n),
		})
		payload := hmem.Slice(tx.iov, tx.bytesSubmitted, n)
		if err := ep.post(&queuedPkt{addr: tx.addr, hdr: hdr, owner: owner, payload: payload}); err != nil {
			return err
		}

		tx.state = TxSend
		tx.bytesSubmitted += n
		tx.window -= n
	}

	switch {
	case tx.bytesSubmitted == tx.totalLen:
		ep.deactivate(tx, TxSend)
	case tx.window <= 0:
		ep.deactivate(tx, TxWait)
	}
	return nil
}

// tryCompleteTx completes a send entry once all its data was acknowledged.
func (ep *Endpoint) tryCompleteTx(tx *txEntry) {
	if tx.bytesSubmitted < tx.totalLen || tx.bytesAcked < tx.totalLen || len(tx.queue) > 0 {
		return
	}
	if tx.waitReceipt && !tx.receipt {
		if !tx.active {
			tx.state = TxWait
		}
		return
	}
	ep.completeTx(tx)
}

func (ep *Endpoint) completeTx(tx *txEntry) {
	tx.bytesSent = tx.totalLen
	tx.state = TxComplete
	ep.finishTx(tx)

	if !tx.internal {
		c := Completion{
			Context: tx.ctx,
			Flags:   tx.flags,
			Len:     tx.totalLen,
			Tag:     tx.tag,
		}
		ep.writeCQ(c)
	}

	if log.IsLevelEnabled(log.DebugLevel) {
		log.WithFields(log.Fields{
			"endpoint": ep.Address(),
			"peer":     tx.addr,
			"entry":    tx,
		}).Debug("Send entry completed")
	}
	ep.releaseTx(tx)
}

func (ep *Endpoint) failTx(tx *txEntry, err error) {
	log.WithFields(log.Fields{
		"endpoint": ep.Address(),
		"peer":     tx.addr,
		"entry":    tx,
		"error":    err,
	}).Error("Send entry failed")

	ep.finishTx(tx)
	if tx.internal {
		ep.writeEQ(tx.addr, err)
	} else {
		ep.writeCQ(Completion{Context: tx.ctx, Flags: tx.flags, Tag: tx.tag, Err: err})
	}
	ep.releaseTx(tx)
}

// finishTx releases everything a send entry holds besides itself.
func (ep *Endpoint) finishTx(tx *txEntry) {
	p, ok := ep.peers.Get(tx.addr)
	if ok {
		if tx.credits > 0 {
			ep.peers.ReleaseCredit(p, tx.credits)
			tx.credits = 0
		}
		p.UntrackTx(tx.handle)
	}

	releaseQueue(tx.queue)
	tx.queue = nil
	ep.concealIOV(tx)
}

func (ep *Endpoint) releaseTx(tx *txEntry) {
	if err := ep.txEntries.Release(tx.handle); err != nil {
		log.WithError(err).Warn("Releasing send entry failed")
	}
}
