// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rxr

import (
	"fmt"
	"reflect"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/rxr-go/pkg/av"
	"github.com/dtn7/rxr-go/pkg/bufpool"
	"github.com/dtn7/rxr-go/pkg/hmem"
	"github.com/dtn7/rxr-go/pkg/pkt"
	"github.com/dtn7/rxr-go/pkg/wire"
)

// Recv posts buf for a message from src, or from anyone for av.AddrUnspec.
func (ep *Endpoint) Recv(buf []byte, src av.Addr, ctx any) error {
	return ep.RecvMsg([]hmem.IOV{{Buf: buf}}, src, ctx, 0)
}

// RecvMsg posts a scatter list for a message from src. With FlagMultiRecv,
// the only buffer of iov receives messages until less than MinMultiRecvSize
// bytes are left. Each message yields its own Completion pointing into the
// buffer; the last one carries FlagMultiRecv.
func (ep *Endpoint) RecvMsg(iov []hmem.IOV, src av.Addr, ctx any, flags Flags) error {
	return ep.recv(opMsg, iov, src, 0, 0, ctx, flags)
}

// TRecv posts buf for a tagged message from src. Bits set in ignore are not
// compared.
func (ep *Endpoint) TRecv(buf []byte, src av.Addr, tag, ignore uint64, ctx any) error {
	return ep.TRecvMsg([]hmem.IOV{{Buf: buf}}, src, tag, ignore, ctx, 0)
}

// TRecvMsg posts a scatter list for a tagged message from src.
func (ep *Endpoint) TRecvMsg(iov []hmem.IOV, src av.Addr, tag, ignore uint64, ctx any, flags Flags) error {
	return ep.recv(opTagged, iov, src, tag, ignore, ctx, flags)
}

func (ep *Endpoint) recv(op opKind, iov []hmem.IOV, src av.Addr, tag, ignore uint64, ctx any, flags Flags) error {
	ep.mutex.Lock()
	defer ep.mutex.Unlock()

	if err := ep.checkUsable(); err != nil {
		return err
	}

	multi := flags.Has(FlagMultiRecv)
	if multi && (op != opMsg || len(iov) != 1) {
		return fmt.Errorf("%w: multi-recv requires exactly one untagged buffer", ErrNotSupported)
	}

	if src != av.AddrUnspec {
		if ep.addrs == nil {
			return av.ErrUnknownAddr
		}
		if _, err := ep.addrs.Resolve(src); err != nil {
			return err
		}
	}

	recvFlags := FlagRecv | FlagMsg
	if op == opTagged {
		recvFlags = FlagRecv | FlagTagged
	}

	if !multi {
		if u := ep.takeUnexp(op, src, tag, ignore); u != nil {
			u.iov = iov
			u.ctx = ctx
			u.flags = recvFlags
			ep.startUnexp(u)
			return nil
		}
	}

	h, rx, err := ep.rxEntries.Alloc()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAgain, err)
	}

	rx.handle = h
	rx.op = op
	rx.state = RxInit
	rx.addr = src
	rx.ctx = ctx
	rx.flags = recvFlags
	rx.tag = tag
	rx.ignore = ignore
	rx.iov = iov
	rx.multiRecv = multi

	if op == opTagged {
		ep.rxTagList = append(ep.rxTagList, h)
	} else {
		ep.rxMsgList = append(ep.rxMsgList, h)
	}

	if multi {
		ep.drainUnexp(rx)
	}
	return nil
}

// matches checks a posted receive against a message's source and tag.
func (rx *rxEntry) matches(addr av.Addr, tag uint64) bool {
	if rx.addr != av.AddrUnspec && rx.addr != addr {
		return false
	}
	if rx.op != opTagged {
		return true
	}
	return tag&^rx.ignore == rx.tag&^rx.ignore
}

// findPosted returns the index of the first posted receive matching a
// message, or -1.
func (ep *Endpoint) findPosted(list []bufpool.Handle, addr av.Addr, tag uint64) int {
	for i, h := range list {
		if rx := ep.rx(h); rx != nil && rx.matches(addr, tag) {
			return i
		}
	}
	return -1
}

// takeUnexp removes and returns the oldest unexpected message matching a
// receive about to be posted.
func (ep *Endpoint) takeUnexp(op opKind, src av.Addr, tag, ignore uint64) *rxEntry {
	list := &ep.unexpMsgList
	if op == opTagged {
		list = &ep.unexpTagList
	}

	probe := rxEntry{op: op, addr: src, tag: tag, ignore: ignore}
	for i, h := range *list {
		u := ep.rx(h)
		if u == nil || !probe.matches(u.addr, u.tag) {
			continue
		}

		*list = append((*list)[:i], (*list)[i+1:]...)
		return u
	}
	return nil
}

// startUnexp starts an unexpected message which was just bound to a buffer.
func (ep *Endpoint) startUnexp(u *rxEntry) {
	chain := u.unexp
	u.unexp = nil

	log.WithFields(log.Fields{
		"endpoint": ep.Address(),
		"peer":     u.addr,
		"entry":    u,
	}).Debug("Matched unexpected message")

	ep.startRx(u, chain)
	if chain != nil {
		chain.Release()
	}
}

// consume creates a child receive entry for a message of length n within a
// multi-recv buffer.
func (ep *Endpoint) consume(m *rxEntry, child *rxEntry, n int) {
	n = min(n, m.postedLen()-m.consumed)

	child.iov = hmem.Slice(m.iov, m.consumed, n)
	child.ctx = m.ctx
	child.flags = m.flags
	child.master = m.handle

	m.consumed += n
	m.children++

	if m.postedLen()-m.consumed < ep.conf.MinMultiRecvSize {
		m.detached = true
		ep.rxMsgList = removeHandle(ep.rxMsgList, m.handle)
	}
}

// drainUnexp feeds unexpected messages into a new multi-recv buffer.
func (ep *Endpoint) drainUnexp(m *rxEntry) {
	for !m.detached {
		u := ep.takeUnexp(opMsg, m.addr, 0, 0)
		if u == nil {
			return
		}

		ep.consume(m, u, u.totalLen)
		ep.startUnexp(u)
	}
}

// startRx moves a receive entry, bound to its buffer, into its data phase.
// The chain holds the packets received so far and stays with the caller.
func (ep *Endpoint) startRx(rx *rxEntry, chain *pkt.Entry) {
	rx.state = RxMatched

	switch rx.proto {
	case wire.TypeLongCTSMsgRTM, wire.TypeLongCTSTagRTM:
		rx.state = RxRecv
		ep.postCTS(rx)

	case wire.TypeLongReadMsgRTM, wire.TypeLongReadTagRTM:
		rx.state = RxRecv
		ep.startLongRead(rx)

	default:
		for cur := chain; cur != nil; cur = cur.Next() {
			hdr, payload, err := wire.Decode(cur.Data())
			if err != nil {
				continue
			}
			if !ep.rxSegment(rx, rtmOffset(hdr), payload) {
				return
			}
		}

		if rx.bytesArrived < rx.totalLen {
			rx.state = RxRecv
		}
		ep.checkRxDone(rx)
	}
}

// rxSegment copies a received segment into a receive entry's buffer. Bytes
// behind a too small buffer are counted, but dropped. On a failed copy, the
// entry is failed and false returned.
func (ep *Endpoint) rxSegment(rx *rxEntry, offset int, payload []byte) bool {
	rx.bytesArrived += len(payload)

	if offset < rx.postedLen() {
		if _, err := hmem.CopyTo(rx.iov, offset, payload); err != nil {
			ep.failRx(rx, fmt.Errorf("copying segment: %w", err))
			return false
		}
	}

	rx.bytesReceived += len(payload)
	return true
}

// checkRxDone completes a receive entry once all its data was copied.
func (ep *Endpoint) checkRxDone(rx *rxEntry) {
	if rx.state == RxUnexp || rx.state == RxComplete {
		return
	}
	if rx.bytesReceived >= rx.totalLen && rx.pendingCopies == 0 {
		ep.completeRx(rx)
	}
}

func (ep *Endpoint) completeRx(rx *rxEntry) {
	ep.finishRx(rx)

	owner := pkt.Owner{Kind: pkt.OwnerRx, Handle: rx.handle}
	switch {
	case rx.proto == wire.TypeLongReadMsgRTM || rx.proto == wire.TypeLongReadTagRTM:
		hdr := wire.NewHeader(wire.TypeEOR, &wire.EORHdr{TxID: rx.txID, RxID: rx.id()})
		if err := ep.sendCtrl(rx.addr, hdr, owner, nil); err != nil {
			ep.writeEQ(rx.addr, fmt.Errorf("sending EOR: %w", err))
		}

	case rx.deliveryComplete:
		hdr := wire.NewHeader(wire.TypeReceipt, &wire.ReceiptHdr{TxID: rx.txID, MsgID: rx.msgID})
		if err := ep.sendCtrl(rx.addr, hdr, owner, nil); err != nil {
			ep.writeEQ(rx.addr, fmt.Errorf("sending RECEIPT: %w", err))
		}
	}

	switch {
	case rx.internal:
		log.WithFields(log.Fields{
			"endpoint": ep.Address(),
			"peer":     rx.addr,
			"length":   rx.totalLen,
		}).Debug("Remote write completed")

	case rx.op == opRead:
		ep.writeCQ(Completion{
			Context: rx.ctx,
			Flags:   rx.flags,
			Len:     rx.totalLen,
		})

	default:
		c := Completion{
			Context: rx.ctx,
			Flags:   rx.flags,
			Len:     rx.deliverLen(),
			Tag:     rx.tag,
			Src:     rx.addr,
		}
		if rx.totalLen > rx.postedLen() {
			c.Err = fmt.Errorf("%w: %d bytes for a buffer of %d", ErrTruncated, rx.totalLen, rx.postedLen())
		}
		ep.completeChild(rx, &c)
		ep.writeCQ(c)
	}

	if log.IsLevelEnabled(log.DebugLevel) {
		log.WithFields(log.Fields{
			"endpoint": ep.Address(),
			"peer":     rx.addr,
			"entry":    rx,
		}).Debug("Receive entry completed")
	}
	ep.releaseRx(rx)
}

// completeChild fills in the multi-recv details of a child's Completion and
// releases its master after the last child.
func (ep *Endpoint) completeChild(rx *rxEntry, c *Completion) {
	if rx.master.IsZero() {
		return
	}

	if len(rx.iov) > 0 {
		c.Buf = rx.iov[0].Buf[:c.Len]
	}

	m, ok := ep.rxEntries.Get(rx.master)
	if !ok {
		return
	}
	m.children--
	if m.detached && m.children == 0 {
		c.Flags |= FlagMultiRecv
		ep.releaseRx(m)
	}
}

func (ep *Endpoint) failRx(rx *rxEntry, err error) {
	log.WithFields(log.Fields{
		"endpoint": ep.Address(),
		"peer":     rx.addr,
		"entry":    rx,
		"error":    err,
	}).Error("Receive entry failed")

	ep.finishRx(rx)
	ep.rxMsgList = removeHandle(ep.rxMsgList, rx.handle)
	ep.rxTagList = removeHandle(ep.rxTagList, rx.handle)
	ep.unexpMsgList = removeHandle(ep.unexpMsgList, rx.handle)
	ep.unexpTagList = removeHandle(ep.unexpTagList, rx.handle)

	if rx.internal || rx.state == RxUnexp {
		ep.writeEQ(rx.addr, err)
	} else {
		c := Completion{Context: rx.ctx, Flags: rx.flags, Tag: rx.tag, Src: rx.addr, Err: err}
		ep.completeChild(rx, &c)
		ep.writeCQ(c)
	}
	ep.releaseRx(rx)
}

// finishRx releases everything a receive entry holds besides itself.
func (ep *Endpoint) finishRx(rx *rxEntry) {
	if rx.proto == wire.TypeMediumMsgRTM || rx.proto == wire.TypeMediumTagRTM {
		key := rxKey{addr: rx.addr, msgID: rx.msgID}
		if target, ok := ep.pktRxMap[key]; ok && target.rx == rx.handle {
			delete(ep.pktRxMap, key)
		}
	}

	if p, ok := ep.peers.Get(rx.addr); ok {
		p.UntrackRx(rx.handle)
	}

	if rx.unexp != nil {
		rx.unexp.Release()
		rx.unexp = nil
	}
	rx.state = RxComplete
}

func (ep *Endpoint) releaseRx(rx *rxEntry) {
	if err := ep.rxEntries.Release(rx.handle); err != nil {
		log.WithError(err).Warn("Releasing receive entry failed")
	}
}

// Cancel a posted receive by its context. A receive which was already
// matched cannot be canceled; ErrNotFound is returned. Contexts of types
// which are not comparable are rejected by ErrNotSupported.
func (ep *Endpoint) Cancel(ctx any) error {
	ep.mutex.Lock()
	defer ep.mutex.Unlock()

	if ep.closed {
		return ErrClosed
	}
	if ctx != nil && !reflect.TypeOf(ctx).Comparable() {
		return fmt.Errorf("cancel: context of type %T: %w", ctx, ErrNotSupported)
	}

	for _, list := range []*[]bufpool.Handle{&ep.rxMsgList, &ep.rxTagList} {
		for _, h := range *list {
			rx := ep.rx(h)
			if rx == nil || rx.ctx != ctx {
				continue
			}

			*list = removeHandle(*list, h)
			ep.stats.Canceled++

			if rx.multiRecv && rx.children > 0 {
				rx.detached = true
				return nil
			}

			flags := rx.flags
			if rx.multiRecv {
				flags |= FlagMultiRecv
			}
			ep.writeCQ(Completion{Context: rx.ctx, Flags: flags, Tag: rx.tag, Err: ErrCanceled})
			ep.releaseRx(rx)
			return nil
		}
	}

	return fmt.Errorf("cancel %v: %w", ctx, ErrNotFound)
}
