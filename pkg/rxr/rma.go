// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rxr

import (
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/rxr-go/pkg/av"
	"github.com/dtn7/rxr-go/pkg/hmem"
	"github.com/dtn7/rxr-go/pkg/peer"
	"github.com/dtn7/rxr-go/pkg/pkt"
	"github.com/dtn7/rxr-go/pkg/wire"
)

// AtomicOp is an operation on remote uint64 values. Operands travel in
// network byte order, the target memory holds little endian values.
type AtomicOp uint8

const (
	AtomicSum AtomicOp = iota
	AtomicMin
	AtomicMax
	AtomicBOr
	AtomicBAnd
	AtomicBXor
	AtomicWrite
	AtomicRead

	// AtomicCSwap replaces each value equal to its compare value.
	AtomicCSwap

	atomicEnd
)

func (op AtomicOp) String() string {
	switch op {
	case AtomicSum:
		return "sum"
	case AtomicMin:
		return "min"
	case AtomicMax:
		return "max"
	case AtomicBOr:
		return "bor"
	case AtomicBAnd:
		return "band"
	case AtomicBXor:
		return "bxor"
	case AtomicWrite:
		return "write"
	case AtomicRead:
		return "read"
	case AtomicCSwap:
		return "cswap"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(op))
	}
}

// apply returns the new value of cur and if it must be written at all.
func (op AtomicOp) apply(cur, operand, compare uint64) (uint64, bool) {
	switch op {
	case AtomicSum:
		return cur + operand, true
	case AtomicMin:
		return min(cur, operand), true
	case AtomicMax:
		return max(cur, operand), true
	case AtomicBOr:
		return cur | operand, true
	case AtomicBAnd:
		return cur & operand, true
	case AtomicBXor:
		return cur ^ operand, true
	case AtomicWrite:
		return operand, true
	case AtomicCSwap:
		return operand, cur == compare
	default:
		return cur, false
	}
}

// applyAtomic applies op to count values of target and returns the former
// values in network byte order.
func applyAtomic(op AtomicOp, target []byte, operands, compares []byte, count int) []byte {
	old := make([]byte, 8*count)
	for i := 0; i < count; i++ {
		cur := binary.LittleEndian.Uint64(target[8*i:])
		binary.BigEndian.PutUint64(old[8*i:], cur)

		var operand, compare uint64
		if len(operands) >= 8*(i+1) {
			operand = binary.BigEndian.Uint64(operands[8*i:])
		}
		if len(compares) >= 8*(i+1) {
			compare = binary.BigEndian.Uint64(compares[8*i:])
		}

		if next, write := op.apply(cur, operand, compare); write {
			binary.LittleEndian.PutUint64(target[8*i:], next)
		}
	}
	return old
}

// resolveRMA resolves remote addressed memory of this Endpoint.
func (ep *Endpoint) resolveRMA(rma []hmem.RMAIOV, access hmem.Access) (iov []hmem.IOV, err error) {
	for _, r := range rma {
		buf, region, resErr := ep.reg.Resolve(r, access)
		if resErr != nil {
			err = resErr
			return
		}
		iov = append(iov, hmem.IOV{Buf: buf, Desc: region})
	}
	return
}

// checkRMA validates an RMA operation's lists against each other.
func checkRMA(iov []hmem.IOV, rma []hmem.RMAIOV) error {
	if len(rma) == 0 || len(rma) > wire.MaxRMAIOVs {
		return fmt.Errorf("%w: %d remote IOVs", ErrNotSupported, len(rma))
	}
	if l, r := hmem.TotalLen(iov), hmem.RMATotalLen(rma); uint64(l) != r {
		return fmt.Errorf("local length %d differs from remote length %d", l, r)
	}
	return nil
}

// Read the remote memory rma of src into iov. The read is performed by the
// transport if both sides support it, otherwise src sends the data.
func (ep *Endpoint) Read(iov []hmem.IOV, src av.Addr, rma []hmem.RMAIOV, ctx any) error {
	ep.mutex.Lock()
	defer ep.mutex.Unlock()

	if err := ep.checkUsable(); err != nil {
		return err
	}
	if err := checkRMA(iov, rma); err != nil {
		return err
	}

	p, tps, err := ep.peerFor(src)
	if err != nil {
		return err
	}

	total := hmem.TotalLen(iov)
	if total == 0 {
		ep.writeCQ(Completion{Context: ctx, Flags: FlagRead | FlagRMA})
		return nil
	}

	if ep.canRead(p, tps) {
		r, err := ep.newRead(readRMA, pkt.Owner{}, tps, p.Addr, p.Raw, iov, rma)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrAgain, err)
		}
		r.ctx = ctx
		ep.postOrQueueRead(r)
		return nil
	}

	if wire.MaxHeaderLen(wire.TypeRTR, len(rma)) > tps.tp.MTU() {
		return fmt.Errorf("%w: %d remote IOVs exceed the MTU", ErrNotSupported, len(rma))
	}

	h, rx, err := ep.rxEntries.Alloc()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAgain, err)
	}

	rx.handle = h
	rx.op = opRead
	rx.state = RxRecv
	rx.proto = wire.TypeRTR
	rx.addr = p.Addr
	rx.ctx = ctx
	rx.flags = FlagRead | FlagRMA
	rx.iov = iov
	rx.totalLen = total
	rx.creditRequest = ep.conf.TxMinCredits
	rx.window = ep.readWindow(tps, total)

	hdr := wire.NewHeader(wire.TypeRTR, &wire.RTRHdr{
		RxID:   rx.id(),
		Window: uint64(rx.window),
		RMA:    rma,
	})
	if err := ep.sendCtrl(p.Addr, hdr, pkt.Owner{Kind: pkt.OwnerRx, Handle: h}, nil); err != nil {
		ep.releaseRx(rx)
		return err
	}

	p.TrackRx(h)
	return nil
}

// Write iov into the remote memory rma of dst.
func (ep *Endpoint) Write(iov []hmem.IOV, dst av.Addr, rma []hmem.RMAIOV, ctx any) error {
	ep.mutex.Lock()
	defer ep.mutex.Unlock()

	if err := ep.checkUsable(); err != nil {
		return err
	}
	if err := checkRMA(iov, rma); err != nil {
		return err
	}

	p, tps, err := ep.peerFor(dst)
	if err != nil {
		return err
	}

	proto := wire.TypeLongCTSRTW
	total := hmem.TotalLen(iov)
	if total <= maxPayload(tps, wire.TypeEagerRTW, len(rma)) {
		proto = wire.TypeEagerRTW
	} else if maxPayload(tps, wire.TypeLongCTSRTW, len(rma)) < 0 {
		return fmt.Errorf("%w: %d remote IOVs exceed the MTU", ErrNotSupported, len(rma))
	}

	h, tx, err := ep.txEntries.Alloc()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAgain, err)
	}

	tx.handle = h
	tx.op = opWrite
	tx.proto = proto
	tx.addr = p.Addr
	tx.ctx = ctx
	tx.flags = FlagWrite | FlagRMA
	tx.iov = iov
	tx.rma = rma
	tx.totalLen = total

	p.TrackTx(h)
	ep.startTx(tx)
	return nil
}

// Atomic applies op to the uint64 values at rma of dst. For AtomicCSwap,
// compare holds a compare value per operand. If result is not nil, it
// receives the former values; AtomicRead and AtomicCSwap require it.
func (ep *Endpoint) Atomic(op AtomicOp, operands, compare, result []uint64, dst av.Addr, rma hmem.RMAIOV, ctx any) error {
	ep.mutex.Lock()
	defer ep.mutex.Unlock()

	if err := ep.checkUsable(); err != nil {
		return err
	}

	count := int(rma.Len / 8)
	switch {
	case op >= atomicEnd:
		return fmt.Errorf("%w: atomic %v", ErrNotSupported, op)
	case count == 0 || rma.Len%8 != 0:
		return fmt.Errorf("atomic on %d bytes, not a multiple of uint64", rma.Len)
	case op != AtomicRead && len(operands) != count:
		return fmt.Errorf("atomic on %d values with %d operands", count, len(operands))
	case op == AtomicCSwap && len(compare) != count:
		return fmt.Errorf("atomic compare on %d values with %d compare values", count, len(compare))
	case (op == AtomicRead || op == AtomicCSwap) && len(result) < count:
		return fmt.Errorf("atomic %v needs a result for %d values", op, count)
	}

	p, tps, err := ep.peerFor(dst)
	if err != nil {
		return err
	}

	proto := wire.TypeWriteRTA
	switch {
	case op == AtomicCSwap:
		proto = wire.TypeCompareRTA
	case op == AtomicRead || result != nil:
		proto = wire.TypeFetchRTA
	}

	var payload []byte
	for _, values := range [][]uint64{operands, compare} {
		for _, v := range values {
			payload = binary.BigEndian.AppendUint64(payload, v)
		}
	}
	if len(payload) > maxPayload(tps, proto, 1) {
		return fmt.Errorf("%w: %d atomic values exceed the MTU", ErrNotSupported, count)
	}

	h, tx, err := ep.txEntries.Alloc()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAgain, err)
	}

	tx.handle = h
	tx.op = opAtomic
	tx.proto = proto
	tx.atomicOp = op
	tx.addr = p.Addr
	tx.ctx = ctx
	tx.flags = FlagAtomic | FlagWrite
	if proto != wire.TypeWriteRTA {
		tx.flags = FlagAtomic | FlagRead
		tx.waitReceipt = true
	}
	tx.iov = []hmem.IOV{{Buf: payload}}
	tx.rma = []hmem.RMAIOV{rma}
	tx.totalLen = len(payload)
	tx.result = result

	p.TrackTx(h)
	ep.startTx(tx)
	return nil
}

func (ep *Endpoint) handleEagerRTW(p *peer.Peer, hdr wire.Header, payload []byte) {
	b := hdr.Body.(*wire.RTWHdr)

	iov, err := ep.resolveRMA(b.RMA, hmem.AccessRemoteWrite)
	if err == nil && hmem.TotalLen(iov) != len(payload) {
		err = fmt.Errorf("write of %d bytes into %d", len(payload), hmem.TotalLen(iov))
	}
	if err == nil {
		_, err = hmem.CopyTo(iov, 0, payload)
	}

	if err != nil {
		ep.writeEQ(p.Addr, fmt.Errorf("%w: remote write: %v", ErrRemoteAccess, err))
		return
	}
	ep.stats.RemoteWrites++
}

// startLongRTW creates the receive entry of a long write into this
// Endpoint's memory. Invalid writes are rejected by a CTS without RxID.
func (ep *Endpoint) startLongRTW(p *peer.Peer, hdr wire.Header) error {
	b := hdr.Body.(*wire.RTWHdr)

	iov, err := ep.resolveRMA(b.RMA, hmem.AccessRemoteWrite)
	if err == nil && uint64(hmem.TotalLen(iov)) != b.TotalLen {
		err = fmt.Errorf("write of %d bytes into %d", b.TotalLen, hmem.TotalLen(iov))
	}
	if err != nil {
		log.WithFields(log.Fields{
			"endpoint": ep.Address(),
			"peer":     p.Addr,
			"error":    err,
		}).Warn("Rejecting remote write")

		rej := wire.NewHeader(wire.TypeCTS, &wire.CTSHdr{TxID: b.TxID})
		return ep.sendCtrl(p.Addr, rej, pkt.Owner{}, nil)
	}

	h, rx, err := ep.rxEntries.Alloc()
	if err != nil {
		return err
	}

	rx.handle = h
	rx.op = opWrite
	rx.state = RxRecv
	rx.proto = wire.TypeLongCTSRTW
	rx.addr = p.Addr
	rx.iov = iov
	rx.totalLen = int(b.TotalLen)
	rx.txID = b.TxID
	rx.creditRequest = int(b.CreditRequest)
	rx.internal = true

	p.TrackRx(h)
	ep.stats.RemoteWrites++
	ep.postCTS(rx)
	return nil
}

// startRTR serves an emulated read by sending the memory back. Invalid
// reads are rejected by a READRSP without TxID.
func (ep *Endpoint) startRTR(p *peer.Peer, hdr wire.Header) error {
	b := hdr.Body.(*wire.RTRHdr)

	iov, err := ep.resolveRMA(b.RMA, hmem.AccessRemoteRead)
	if err != nil {
		log.WithFields(log.Fields{
			"endpoint": ep.Address(),
			"peer":     p.Addr,
			"error":    err,
		}).Warn("Rejecting remote read")

		rej := wire.NewHeader(wire.TypeReadRsp, &wire.ReadRspHdr{RxID: b.RxID})
		return ep.sendCtrl(p.Addr, rej, pkt.Owner{}, nil)
	}

	h, tx, err := ep.txEntries.Alloc()
	if err != nil {
		return err
	}

	tx.handle = h
	tx.op = opReadRsp
	tx.proto = wire.TypeReadRsp
	tx.addr = p.Addr
	tx.iov = iov
	tx.totalLen = hmem.TotalLen(iov)
	tx.rxID = b.RxID
	tx.window = int(b.Window)
	tx.internal = true

	p.TrackTx(h)
	ep.stats.RemoteReads++
	ep.startTx(tx)
	return nil
}

// handleRTA applies an atomic request. Fetching requests are answered by an
// ATOMRSP, which carries no payload if the request was rejected.
func (ep *Endpoint) handleRTA(p *peer.Peer, hdr wire.Header, payload []byte) {
	b := hdr.Body.(*wire.RTAHdr)
	op := AtomicOp(b.Op)
	count := int(b.Count)
	fetch := hdr.Type != wire.TypeWriteRTA

	reject := func(err error) {
		err = fmt.Errorf("%w: atomic %v: %v", ErrRemoteAccess, op, err)
		if !fetch {
			ep.writeEQ(p.Addr, err)
			return
		}

		log.WithFields(log.Fields{
			"endpoint": ep.Address(),
			"peer":     p.Addr,
			"error":    err,
		}).Warn("Rejecting atomic request")

		rej := wire.NewHeader(wire.TypeAtomRsp, &wire.AtomRspHdr{TxID: b.TxID})
		if sendErr := ep.sendCtrl(p.Addr, rej, pkt.Owner{}, nil); sendErr != nil {
			ep.writeEQ(p.Addr, sendErr)
		}
	}

	need := 8 * count
	if op == AtomicRead {
		need = 0
	} else if op == AtomicCSwap {
		need = 16 * count
	}

	switch {
	case op >= atomicEnd:
		reject(ErrNotSupported)
		return
	case count == 0 || len(b.RMA) != 1 || b.RMA[0].Len != uint64(8*count):
		reject(fmt.Errorf("invalid target of %d values", count))
		return
	case len(payload) != need:
		reject(fmt.Errorf("%d bytes of operands, expected %d", len(payload), need))
		return
	}

	access := hmem.AccessRemoteWrite
	if op == AtomicRead {
		access = hmem.AccessRemoteRead
	} else if fetch {
		access |= hmem.AccessRemoteRead
	}

	target, region, err := ep.reg.Resolve(b.RMA[0], access)
	if err != nil {
		reject(err)
		return
	}
	if region.Iface() != hmem.System {
		reject(fmt.Errorf("%w: atomics on %v memory", ErrNotSupported, region.Iface()))
		return
	}

	var operands, compares []byte
	if op != AtomicRead {
		operands = payload[:8*count]
	}
	if op == AtomicCSwap {
		compares = payload[8*count:]
	}
	old := applyAtomic(op, target, operands, compares, count)
	ep.stats.Atomics++

	if !fetch {
		return
	}

	rsp := wire.NewHeader(wire.TypeAtomRsp, &wire.AtomRspHdr{TxID: b.TxID})
	if err := ep.sendCtrl(p.Addr, rsp, pkt.Owner{}, []hmem.IOV{{Buf: old}}); err != nil {
		ep.writeEQ(p.Addr, fmt.Errorf("sending ATOMRSP: %w", err))
	}
}

func (ep *Endpoint) handleAtomRsp(p *peer.Peer, hdr wire.Header, payload []byte) {
	b := hdr.Body.(*wire.AtomRspHdr)

	tx := ep.txByID(b.TxID)
	if tx == nil || tx.addr != p.Addr || tx.op != opAtomic {
		ep.stats.PktsDropped++
		return
	}
	if len(payload) == 0 {
		ep.failTx(tx, fmt.Errorf("%w: atomic %v was rejected", ErrRemoteAccess, tx.atomicOp))
		return
	}

	for i := range tx.result {
		if len(payload) < 8*(i+1) {
			break
		}
		tx.result[i] = binary.BigEndian.Uint64(payload[8*i:])
	}

	tx.bytesAcked = tx.totalLen
	tx.receipt = true
	ep.tryCompleteTx(tx)
}
