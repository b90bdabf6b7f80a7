// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rxr

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/rxr-go/pkg/hmem"
	"github.com/dtn7/rxr-go/pkg/peer"
	"github.com/dtn7/rxr-go/pkg/pkt"
	"github.com/dtn7/rxr-go/pkg/reorder"
	"github.com/dtn7/rxr-go/pkg/transport"
	"github.com/dtn7/rxr-go/pkg/wire"
)

// rtmInfo is the decoded request of a message.
type rtmInfo struct {
	proto         wire.Type
	tag           uint64
	msgID         uint32
	txID          uint64
	totalLen      int
	creditRequest int
	readIOV       []hmem.RMAIOV
	dc            bool
}

func parseRTM(hdr wire.Header, payload []byte) (info rtmInfo) {
	info.proto = hdr.Type
	info.dc = hdr.Flags.Has(wire.FlagDeliveryComplete)

	switch b := hdr.Body.(type) {
	case *wire.EagerRTMHdr:
		info.tag, info.txID = b.Tag, b.TxID
		info.totalLen = len(payload)
	case *wire.MediumRTMHdr:
		info.tag, info.txID, info.msgID = b.Tag, b.TxID, b.MsgID
		info.totalLen = int(b.TotalLen)
	case *wire.LongCTSRTMHdr:
		info.tag, info.txID, info.msgID = b.Tag, b.TxID, b.MsgID
		info.totalLen = int(b.TotalLen)
		info.creditRequest = int(b.CreditRequest)
	case *wire.LongReadRTMHdr:
		info.tag, info.txID, info.msgID = b.Tag, b.TxID, b.MsgID
		info.totalLen = int(b.TotalLen)
		info.readIOV = b.ReadIOV
	}
	return
}

// rtmOffset is the payload's offset within its message.
func rtmOffset(hdr wire.Header) int {
	if b, ok := hdr.Body.(*wire.MediumRTMHdr); ok {
		return int(b.SegOffset)
	}
	return 0
}

func isMedium(t wire.Type) bool {
	return t == wire.TypeMediumMsgRTM || t == wire.TypeMediumTagRTM
}

// handleRecvCompletion processes a datagram received into a posted buffer.
func (ep *Endpoint) handleRecvCompletion(tps *tpState, c transport.Completion) {
	e, ok := c.Context.(*pkt.Entry)
	if !ok {
		log.WithField("completion", c).Warn("Receive completion without packet")
		return
	}

	tps.postedCount--
	if c.Status != transport.StatusOK {
		e.Release()
		return
	}

	e.Size = c.Len
	ep.stats.PktsReceived++

	hdr, payload, err := wire.Decode(e.Data())
	if err != nil {
		log.WithFields(log.Fields{
			"endpoint": ep.Address(),
			"src":      c.Src,
			"error":    err,
		}).Debug("Dropping undecodable packet")

		ep.stats.PktsDropped++
		e.Release()
		return
	}

	p := ep.lookupSender(tps, c.Src, hdr)
	if p == nil {
		ep.stats.PktsDropped++
		e.Release()
		return
	}

	e.Addr = uint64(p.Addr)
	e.Local = tps.local

	if log.IsLevelEnabled(log.TraceLevel) {
		log.WithFields(log.Fields{
			"endpoint": ep.Address(),
			"peer":     p.Addr,
			"header":   hdr,
		}).Trace("Received packet")
	}

	ep.triggerHandshake(p)
	if !ep.dispatch(p, e, hdr, payload) {
		e.Release()
	}
}

// lookupSender finds the Peer of a received packet. Packets of unknown or
// stale senders yield nil.
func (ep *Endpoint) lookupSender(tps *tpState, src transport.Address, hdr wire.Header) *peer.Peer {
	if ep.addrs == nil {
		return nil
	}

	senderQKey := src.QKey
	if hdr.Flags.Has(wire.FlagQKey) {
		if hdr.ReceiverQKey != tps.tp.Address().QKey {
			log.WithFields(log.Fields{
				"endpoint": ep.Address(),
				"src":      src,
				"qkey":     hdr.ReceiverQKey,
			}).Debug("Dropping packet addressed to a former incarnation")
			return nil
		}
		senderQKey = hdr.SenderQKey
	} else if hdr.Flags.Has(wire.FlagConnID) {
		senderQKey = hdr.ConnID
	}

	entry, known := ep.addrs.ReverseLookup(src)
	if !known {
		if !ep.conf.ImplicitAV || !(hdr.Type.IsReq() || hdr.Type == wire.TypeHandshake) {
			log.WithFields(log.Fields{
				"endpoint": ep.Address(),
				"src":      src,
				"packet":   hdr.Type,
			}).Debug("Dropping packet of an unknown sender")
			return nil
		}

		raw := src
		raw.QKey = senderQKey
		addr, err := ep.addrs.Insert(raw)
		if err != nil {
			log.WithFields(log.Fields{
				"endpoint": ep.Address(),
				"src":      raw,
				"error":    err,
			}).Warn("Implicit address insertion reported an error")
		}
		if entry, err = ep.addrs.Resolve(addr); err != nil {
			return nil
		}
	}

	if senderQKey != 0 && entry.Raw.QKey != 0 && senderQKey != entry.Raw.QKey {
		log.WithFields(log.Fields{
			"endpoint": ep.Address(),
			"peer":     entry.Addr,
			"qkey":     senderQKey,
			"known":    entry.Raw.QKey,
			"stale":    senderQKey == entry.PrevQKey,
		}).Debug("Dropping packet with a mismatching qkey")
		return nil
	}

	return ep.peers.GetOrCreate(entry)
}

// dispatch a received packet by its type. If true is returned, the packet
// was retained and must not be released.
func (ep *Endpoint) dispatch(p *peer.Peer, e *pkt.Entry, hdr wire.Header, payload []byte) bool {
	switch t := hdr.Type; {
	case t == wire.TypeHandshake:
		ep.handleHandshake(p, hdr)
	case t.IsRTM():
		return ep.handleRTM(p, e, hdr, payload)
	case t == wire.TypeCTS:
		ep.handleCTS(p, hdr)
	case t == wire.TypeData:
		return ep.handleData(p, e, hdr, payload)
	case t == wire.TypeReadRsp:
		ep.handleReadRsp(p, hdr)
	case t == wire.TypeEOR:
		ep.handleEOR(p, hdr)
	case t == wire.TypeReceipt:
		ep.handleReceipt(p, hdr)
	case t == wire.TypeAtomRsp:
		ep.handleAtomRsp(p, hdr, payload)
	case t == wire.TypeEagerRTW:
		ep.handleEagerRTW(p, hdr, payload)
	case t == wire.TypeLongCTSRTW, t == wire.TypeRTR:
		return ep.processReq(p, e)
	case t.IsRTA():
		ep.handleRTA(p, hdr, payload)
	default:
		ep.stats.PktsDropped++
	}
	return false
}

func (ep *Endpoint) handleHandshake(p *peer.Peer, hdr wire.Header) {
	b := hdr.Body.(*wire.HandshakeHdr)

	first := !p.Has(peer.HandshakeReceived)
	p.Flags |= peer.HandshakeReceived
	p.Features = b.Features
	p.MaxVersion = b.MaxVersion
	ep.stats.HandshakesReceived++

	if first {
		log.WithFields(log.Fields{
			"endpoint": ep.Address(),
			"peer":     p.Addr,
			"version":  b.MaxVersion,
			"features": b.Features,
		}).Info("Received handshake")
	}
}

// persist moves a packet chain out of the posted receive buffers into pool.
// If the pool is exhausted, the chain is kept as it is.
func (ep *Endpoint) persist(chain *pkt.Entry, pool *pkt.Pool) *pkt.Entry {
	if chain.Type != pkt.TypePosted {
		return chain
	}

	clone, err := pool.Clone(chain)
	if err != nil {
		log.WithFields(log.Fields{
			"endpoint": ep.Address(),
			"pool":     pool.Type(),
			"error":    err,
		}).Debug("Keeping posted packet, staging pool is exhausted")
		return chain
	}
	return clone
}

// handleRTM passes a message request through its peer's reorder window.
func (ep *Endpoint) handleRTM(p *peer.Peer, e *pkt.Entry, hdr wire.Header, payload []byte) (keep bool) {
	if !hdr.Type.IsOrdered() {
		return ep.processReq(p, e)
	}

	info := parseRTM(hdr, payload)
	if isMedium(hdr.Type) {
		if rtmOffset(hdr)+len(payload) > info.totalLen {
			log.WithFields(log.Fields{
				"endpoint": ep.Address(),
				"peer":     p.Addr,
				"header":   hdr,
			}).Debug("Dropping medium segment beyond its message")
			ep.stats.PktsDropped++
			return false
		}

		if target, ok := ep.pktRxMap[rxKey{addr: p.Addr, msgID: info.msgID}]; ok {
			return ep.appendSegment(target, e, hdr, payload)
		}
	}

	w := p.Reorder()
	switch c := w.Classify(info.msgID); c {
	case reorder.InOrder:
		keep = ep.processReq(p, e)
		for {
			next, ok := w.Advance()
			if !ok {
				break
			}
			if !ep.processReq(p, next) {
				next.Release()
			}
		}
		return

	case reorder.Ahead:
		ep.stats.OutOfOrder++

		head, staging := w.Get(info.msgID)
		if staging && !isMedium(hdr.Type) {
			ep.stats.PktsDropped++
			return false
		}

		staged := ep.persist(e, ep.oooPkts)
		if staging {
			head.Append(staged)
		} else if err := w.Stage(info.msgID, staged); err != nil {
			log.WithError(err).Warn("Staging request failed")
			if staged != e {
				staged.Release()
			}
			return false
		}
		return staged == e

	case reorder.Behind:
		log.WithFields(log.Fields{
			"endpoint": ep.Address(),
			"peer":     p.Addr,
			"msg id":   info.msgID,
		}).Debug("Dropping duplicate request")
		ep.stats.PktsDropped++
		return false

	default:
		err := fmt.Errorf("%w: message %d, expecting %d", ErrOutOfWindow, info.msgID, w.Expected())
		ep.writeEQ(p.Addr, err)
		ep.stats.PktsDropped++
		return false
	}
}

// appendSegment hands a further segment of a medium message to its target.
func (ep *Endpoint) appendSegment(target rxTarget, e *pkt.Entry, hdr wire.Header, payload []byte) bool {
	if target.staged != nil {
		staged := ep.persist(e, ep.oooPkts)
		target.staged.Append(staged)
		return staged == e
	}

	rx := ep.rx(target.rx)
	if rx == nil {
		return false
	}

	if rx.state == RxUnexp {
		staged := ep.persist(e, ep.unexpPkts)
		rx.unexp.Append(staged)
		return staged == e
	}

	if ep.rxSegment(rx, rtmOffset(hdr), payload) {
		ep.checkRxDone(rx)
	}
	return false
}

// processReq processes a request in its order of arrival, keeping requests
// behind deferred ones.
func (ep *Endpoint) processReq(p *peer.Peer, chain *pkt.Entry) bool {
	if len(ep.backlog) > 0 {
		return ep.deferReq(p, chain)
	}

	keep, err := ep.startReq(p, chain)
	switch {
	case isRetry(err):
		return ep.deferReq(p, chain)
	case err != nil:
		ep.writeEQ(p.Addr, err)
		return false
	default:
		return keep
	}
}

// deferReq appends a request to the backlog.
func (ep *Endpoint) deferReq(p *peer.Peer, chain *pkt.Entry) bool {
	staged := ep.persist(chain, ep.oooPkts)
	ep.backlog = append(ep.backlog, deferredReq{addr: p.Addr, chain: staged})
	ep.stats.Deferred++

	if hdr, _, err := wire.Decode(staged.Data()); err == nil && isMedium(hdr.Type) {
		info := parseRTM(hdr, nil)
		ep.pktRxMap[rxKey{addr: p.Addr, msgID: info.msgID}] = rxTarget{staged: staged}
	}
	return staged == chain
}

// progressBacklog retries deferred requests in their order of arrival.
func (ep *Endpoint) progressBacklog() {
	for len(ep.backlog) > 0 {
		d := ep.backlog[0]

		p, ok := ep.peers.Get(d.addr)
		if !ok {
			ep.backlog = ep.backlog[1:]
			d.chain.Release()
			continue
		}

		keep, err := ep.startReq(p, d.chain)
		if isRetry(err) {
			return
		}
		ep.backlog = ep.backlog[1:]

		if err != nil {
			ep.writeEQ(p.Addr, err)
			for key, target := range ep.pktRxMap {
				if target.staged == d.chain {
					delete(ep.pktRxMap, key)
				}
			}
		}
		if !keep {
			d.chain.Release()
		}
	}
}

// startReq starts the operation a request asks for. Temporary failures are
// reported without any side effect.
func (ep *Endpoint) startReq(p *peer.Peer, chain *pkt.Entry) (keep bool, err error) {
	hdr, payload, decErr := wire.Decode(chain.Data())
	if decErr != nil {
		err = fmt.Errorf("decoding request: %w", decErr)
		return
	}

	switch hdr.Type {
	case wire.TypeLongCTSRTW:
		err = ep.startLongRTW(p, hdr)
	case wire.TypeRTR:
		err = ep.startRTR(p, hdr)
	default:
		keep, err = ep.matchRTM(p, chain, hdr, payload)
	}
	return
}

// matchRTM binds a message to a posted receive or stages it as unexpected.
func (ep *Endpoint) matchRTM(p *peer.Peer, chain *pkt.Entry, hdr wire.Header, payload []byte) (keep bool, err error) {
	info := parseRTM(hdr, payload)

	list, unexpList, op := &ep.rxMsgList, &ep.unexpMsgList, opMsg
	if hdr.Type.IsTagged() {
		list, unexpList, op = &ep.rxTagList, &ep.unexpTagList, opTagged
	}

	if i := ep.findPosted(*list, p.Addr, info.tag); i >= 0 {
		posted := ep.rx((*list)[i])

		rx := posted
		if posted.multiRecv {
			h, child, allocErr := ep.rxEntries.Alloc()
			if allocErr != nil {
				err = allocErr
				return
			}
			child.handle = h
			child.op = opMsg
			ep.consume(posted, child, info.totalLen)
			rx = child
		} else {
			*list = append((*list)[:i], (*list)[i+1:]...)
		}

		ep.bindRTM(p, rx, info)
		ep.startRx(rx, chain)
		return false, nil
	}

	h, u, allocErr := ep.rxEntries.Alloc()
	if allocErr != nil {
		err = allocErr
		return
	}

	staged := ep.persist(chain, ep.unexpPkts)

	u.handle = h
	u.op = op
	u.state = RxUnexp
	u.unexp = staged
	ep.bindRTM(p, u, info)
	*unexpList = append(*unexpList, h)
	ep.stats.Unexpected++

	log.WithFields(log.Fields{
		"endpoint": ep.Address(),
		"peer":     p.Addr,
		"entry":    u,
	}).Debug("Staged unexpected message")
	return staged == chain, nil
}

// bindRTM copies a request's description into its receive entry.
func (ep *Endpoint) bindRTM(p *peer.Peer, rx *rxEntry, info rtmInfo) {
	rx.addr = p.Addr
	rx.proto = info.proto
	rx.tag = info.tag
	rx.msgID = info.msgID
	rx.txID = info.txID
	rx.totalLen = info.totalLen
	rx.creditRequest = info.creditRequest
	rx.readIOV = info.readIOV
	rx.deliveryComplete = info.dc

	p.TrackRx(rx.handle)
	if isMedium(info.proto) {
		ep.pktRxMap[rxKey{addr: p.Addr, msgID: info.msgID}] = rxTarget{rx: rx.handle}
	}
}

// postCTS grants the sender of a receive entry its next window.
func (ep *Endpoint) postCTS(rx *rxEntry) {
	p, ok := ep.peers.Get(rx.addr)
	if !ok {
		ep.failRx(rx, fmt.Errorf("CTS for %v: peer vanished", rx.addr))
		return
	}

	credits := rx.creditRequest
	if credits <= 0 {
		credits = ep.conf.TxMinCredits
	}
	seg := maxPayload(ep.transportFor(p), wire.TypeData, 0)
	rx.window = min(rx.totalLen-rx.bytesArrived, credits*seg)

	hdr := wire.NewHeader(wire.TypeCTS, &wire.CTSHdr{
		TxID:   rx.txID,
		RxID:   rx.id(),
		Window: uint64(rx.window),
	})
	if err := ep.sendCtrl(rx.addr, hdr, pkt.Owner{Kind: pkt.OwnerRx, Handle: rx.handle}, nil); err != nil {
		ep.failRx(rx, fmt.Errorf("sending CTS: %w", err))
	}
}

func (ep *Endpoint) handleCTS(p *peer.Peer, hdr wire.Header) {
	b := hdr.Body.(*wire.CTSHdr)

	tx := ep.txByID(b.TxID)
	if tx == nil || tx.addr != p.Addr {
		ep.stats.PktsDropped++
		return
	}
	if b.RxID == 0 {
		ep.failTx(tx, fmt.Errorf("%w: write was rejected", ErrRemoteAccess))
		return
	}

	tx.rxID = b.RxID
	tx.window += int(b.Window)
	tx.state = TxSend
	ep.activate(tx)

	if err := ep.pushTx(tx); err != nil && !isRetry(err) {
		ep.failTx(tx, err)
	}
}

func (ep *Endpoint) handleData(p *peer.Peer, e *pkt.Entry, hdr wire.Header, payload []byte) (keep bool) {
	b := hdr.Body.(*wire.DataHdr)

	rx := ep.rxByID(b.RxID)
	if rx == nil || rx.addr != p.Addr || rx.state != RxRecv ||
		int(b.SegLen) != len(payload) || int(b.SegOffset)+len(payload) > rx.totalLen {
		log.WithFields(log.Fields{
			"endpoint": ep.Address(),
			"peer":     p.Addr,
			"header":   hdr,
		}).Debug("Dropping DATA packet without a matching receive")
		ep.stats.PktsDropped++
		return false
	}

	h := rx.handle
	rx.window -= len(payload)

	offset := int(b.SegOffset)
	if ep.copyByRead(e, rx, offset, len(payload)) {
		rx.bytesArrived += len(payload)
		if err := ep.startCopyRead(e, rx, offset, payload); err == nil {
			keep = true
		} else {
			rx.bytesArrived -= len(payload)
		}
	}
	if !keep && !ep.rxSegment(rx, offset, payload) {
		return
	}

	if ep.rx(h) != rx {
		return
	}
	if rx.window <= 0 && rx.bytesArrived < rx.totalLen && (rx.op != opRead || rx.txID != 0) {
		ep.postCTS(rx)
	}
	if ep.rx(h) == rx {
		ep.checkRxDone(rx)
	}
	return
}

func (ep *Endpoint) handleReadRsp(p *peer.Peer, hdr wire.Header) {
	b := hdr.Body.(*wire.ReadRspHdr)

	rx := ep.rxByID(b.RxID)
	if rx == nil || rx.addr != p.Addr || rx.op != opRead {
		ep.stats.PktsDropped++
		return
	}
	if b.TxID == 0 {
		ep.failRx(rx, fmt.Errorf("%w: read was rejected", ErrRemoteAccess))
		return
	}

	rx.txID = b.TxID
	if rx.window <= 0 && rx.bytesArrived < rx.totalLen {
		ep.postCTS(rx)
	}
}

func (ep *Endpoint) handleEOR(p *peer.Peer, hdr wire.Header) {
	b := hdr.Body.(*wire.EORHdr)

	tx := ep.txByID(b.TxID)
	if tx == nil || tx.addr != p.Addr {
		ep.stats.PktsDropped++
		return
	}

	tx.bytesAcked = tx.totalLen
	tx.receipt = true
	ep.concealIOV(tx)
	ep.tryCompleteTx(tx)
}

func (ep *Endpoint) handleReceipt(p *peer.Peer, hdr wire.Header) {
	b := hdr.Body.(*wire.ReceiptHdr)

	tx := ep.txByID(b.TxID)
	if tx == nil || tx.addr != p.Addr || !tx.waitReceipt {
		ep.stats.PktsDropped++
		return
	}

	tx.receipt = true
	ep.tryCompleteTx(tx)
}
