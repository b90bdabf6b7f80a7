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
	"github.com/dtn7/rxr-go/pkg/pkt"
	"github.com/dtn7/rxr-go/pkg/transport"
	"github.com/dtn7/rxr-go/pkg/wire"
)

// newRead allocates a read of remote into local. Its length is the shorter
// of both lists.
func (ep *Endpoint) newRead(kind readKind, owner pkt.Owner, tps *tpState, addr av.Addr, raw transport.Address,
	local []hmem.IOV, remote []hmem.RMAIOV) (*readEntry, error) {
	h, r, err := ep.reads.Alloc()
	if err != nil {
		return nil, err
	}

	r.handle = h
	r.kind = kind
	r.owner = owner
	r.tps = tps
	r.addr = addr
	r.raw = raw
	r.local = local
	r.remote = remote
	r.total = min(hmem.TotalLen(local), int(hmem.RMATotalLen(remote)))
	return r, nil
}

// locateRMA is hmem.Locate for RMAIOVs.
func locateRMA(rma []hmem.RMAIOV, offset int) (idx, off int) {
	for idx = 0; idx < len(rma); idx++ {
		if uint64(offset) < rma[idx].Len {
			return idx, offset
		}
		offset -= int(rma[idx].Len)
	}
	return len(rma), 0
}

// postOrQueueRead submits a read's segments. If the transport or the pool
// of read contexts is exhausted, the rest is queued for the progress engine.
func (ep *Endpoint) postOrQueueRead(r *readEntry) {
	err := ep.submitRead(r)
	switch {
	case isRetry(err):
		if !r.queued {
			r.queued = true
			ep.readPending = append(ep.readPending, r.handle)
		}
	case err != nil:
		r.err = err
	}

	if r.inflight == 0 && (r.err != nil || r.submitted >= r.total) {
		ep.finishRead(r)
	}
}

// submitRead posts read segments until the read is fully submitted.
func (ep *Endpoint) submitRead(r *readEntry) error {
	maxRead := r.tps.tp.MaxReadSize()
	if maxRead <= 0 {
		return fmt.Errorf("%w: %s transport cannot read", ErrNotSupported, r.tps.name())
	}

	for r.submitted < r.total && r.err == nil {
		li, loff := hmem.Locate(r.local, r.submitted)
		ri, roff := locateRMA(r.remote, r.submitted)
		if li >= len(r.local) || ri >= len(r.remote) {
			return fmt.Errorf("read of %d bytes exceeds its buffers at %d", r.total, r.submitted)
		}

		n := min(
			r.total-r.submitted,
			len(r.local[li].Buf)-loff,
			int(r.remote[ri].Len)-roff,
			maxRead,
			ep.conf.ReadSegmentSize)

		ctxPkt, err := ep.readPkts.Alloc()
		if err != nil {
			return err
		}
		ctxPkt.Owner = pkt.Owner{Kind: pkt.OwnerRead, Handle: r.handle}
		ctxPkt.Addr = uint64(r.addr)
		ctxPkt.Local = r.tps.local

		remote := hmem.RMAIOV{
			Addr: r.remote[ri].Addr + uint64(roff),
			Len:  uint64(n),
			Key:  r.remote[ri].Key,
		}
		if err := r.tps.tp.PostRead(r.raw, r.local[li].Buf[loff:loff+n], remote, ctxPkt); err != nil {
			ctxPkt.Release()
			return err
		}

		r.tps.outstanding++
		r.submitted += n
		r.inflight++
		ep.stats.ReadsPosted++
	}
	return nil
}

// progressReads retries queued reads and long reads waiting for an entry.
func (ep *Endpoint) progressReads() {
	for len(ep.readWait) > 0 {
		rx := ep.rx(ep.readWait[0])
		if rx != nil && !ep.startLongRead(rx) {
			return
		}
		ep.readWait = ep.readWait[1:]
	}

	pending := ep.readPending
	ep.readPending = nil
	for i, h := range pending {
		r, ok := ep.reads.Get(h)
		if !ok {
			continue
		}

		r.queued = false
		ep.postOrQueueRead(r)
		if r.queued {
			ep.readPending = append(ep.readPending, pending[i+1:]...)
			return
		}
	}
}

// handleReadCompletion processes the Completion of one read segment.
func (ep *Endpoint) handleReadCompletion(tps *tpState, c transport.Completion) {
	e, ok := c.Context.(*pkt.Entry)
	if !ok {
		log.WithField("completion", c).Warn("Read completion without context")
		return
	}

	tps.outstanding--
	owner := e.Owner
	e.Release()

	r, ok := ep.reads.Get(owner.Handle)
	if !ok {
		return
	}
	r.inflight--

	if c.Status != transport.StatusOK {
		if r.err == nil {
			r.err = fmt.Errorf("read segment: %w", statusError(c.Status))
		}
	} else {
		r.completed += c.Len
		ep.stats.ReadBytes += uint64(c.Len)
	}

	if r.inflight == 0 && (r.err != nil || r.completed >= r.total) {
		ep.finishRead(r)
	}
}

// finishRead hands a read's result to its owner.
func (ep *Endpoint) finishRead(r *readEntry) {
	if r.queued {
		ep.readPending = removeHandle(ep.readPending, r.handle)
	}

	switch r.kind {
	case readLongRTM:
		if rx := ep.rx(r.owner.Handle); rx != nil {
			if r.err != nil {
				ep.failRx(rx, r.err)
			} else {
				rx.bytesArrived = rx.totalLen
				rx.bytesReceived = rx.totalLen
				ep.checkRxDone(rx)
			}
		}

	case readRMA:
		c := Completion{Context: r.ctx, Flags: FlagRead | FlagRMA, Len: r.completed, Err: r.err}
		if r.err != nil {
			c.Len = 0
			log.WithFields(log.Fields{
				"endpoint": ep.Address(),
				"peer":     r.addr,
				"error":    r.err,
			}).Error("Read failed")
		}
		ep.writeCQ(c)

	case readCopy:
		if r.copyPkt != nil {
			r.copyPkt.Release()
			r.copyPkt = nil
		}
		if rx := ep.rx(r.owner.Handle); rx != nil {
			rx.pendingCopies--
			if r.err != nil {
				ep.failRx(rx, r.err)
			} else {
				rx.bytesReceived += r.copyLen
				ep.checkRxDone(rx)
			}
		}
	}

	if err := ep.reads.Release(r.handle); err != nil {
		log.WithError(err).Warn("Releasing read entry failed")
	}
}

// abortRead fails a read. Segments in flight are awaited.
func (ep *Endpoint) abortRead(r *readEntry, err error) {
	if r.err == nil {
		r.err = err
	}
	if r.inflight == 0 {
		ep.finishRead(r)
	}
}

// startLongRead pulls the payload of a long read message. If no read entry
// is available, false is returned and the receive entry waits.
func (ep *Endpoint) startLongRead(rx *rxEntry) bool {
	p, ok := ep.peers.Get(rx.addr)
	if !ok {
		ep.failRx(rx, fmt.Errorf("long read from %v: %w", rx.addr, av.ErrUnknownAddr))
		return true
	}

	local := hmem.Slice(rx.iov, 0, rx.deliverLen())
	owner := pkt.Owner{Kind: pkt.OwnerRx, Handle: rx.handle}
	r, err := ep.newRead(readLongRTM, owner, ep.transportFor(p), p.Addr, p.Raw, local, rx.readIOV)
	if err != nil {
		if !containsHandle(ep.readWait, rx.handle) {
			ep.readWait = append(ep.readWait, rx.handle)
		}
		return false
	}

	ep.postOrQueueRead(r)
	return true
}

// copyByRead checks if a DATA payload should be moved by a local read.
func (ep *Endpoint) copyByRead(e *pkt.Entry, rx *rxEntry, offset, n int) bool {
	if !ep.conf.UseCopyByRead || e.Type != pkt.TypePosted || e.Pool().Region() == nil {
		return false
	}
	if offset+n > rx.postedLen() {
		return false
	}

	tps := ep.primary
	if e.Local && ep.local != nil {
		tps = ep.local
	}
	if !tps.tp.Caps().Has(transport.CapRead) {
		return false
	}
	return hmem.IsDevice(hmem.Slice(rx.iov, offset, n))
}

// startCopyRead moves a DATA payload from its packet buffer into device
// memory by reading it from this Endpoint itself.
func (ep *Endpoint) startCopyRead(e *pkt.Entry, rx *rxEntry, offset int, payload []byte) error {
	tps := ep.primary
	if e.Local && ep.local != nil {
		tps = ep.local
	}

	remote := []hmem.RMAIOV{{
		Addr: e.Offset() + uint64(e.Size-len(payload)),
		Len:  uint64(len(payload)),
		Key:  e.Pool().Region().Key(),
	}}
	local := hmem.Slice(rx.iov, offset, len(payload))

	owner := pkt.Owner{Kind: pkt.OwnerRx, Handle: rx.handle}
	r, err := ep.newRead(readCopy, owner, tps, rx.addr, tps.tp.Address(), local, remote)
	if err != nil {
		return err
	}

	e.State = pkt.StateCopyByRead
	r.copyPkt = e
	r.copyLen = len(payload)
	rx.pendingCopies++
	ep.stats.CopyByRead++

	ep.postOrQueueRead(r)
	return nil
}

func containsHandle(list []bufpool.Handle, h bufpool.Handle) bool {
	for _, x := range list {
		if x == h {
			return true
		}
	}
	return false
}

// readWindow is the initial window of an emulated read.
func (ep *Endpoint) readWindow(tps *tpState, total int) int {
	return min(total, ep.conf.TxMinCredits*maxPayload(tps, wire.TypeData, 0))
}
