// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rxr

import (
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/rxr-go/pkg/av"
	"github.com/dtn7/rxr-go/pkg/peer"
	"github.com/dtn7/rxr-go/pkg/pkt"
	"github.com/dtn7/rxr-go/pkg/transport"
)

// Progress drives this Endpoint: transport completions are handled, receive
// buffers reposted and queued work retried. It never blocks.
func (ep *Endpoint) Progress() error {
	ep.mutex.Lock()
	defer ep.mutex.Unlock()

	if err := ep.checkUsable(); err != nil {
		return err
	}

	for _, tps := range ep.transports() {
		for _, c := range tps.tp.Poll(ep.conf.PollBatch) {
			ep.handleCompletion(tps, c)
		}
	}
	for _, tps := range ep.transports() {
		ep.replenish(tps)
	}

	for _, p := range ep.peers.ExpireBackoffs(ep.now()) {
		log.WithFields(log.Fields{
			"endpoint": ep.Address(),
			"peer":     p.Addr,
		}).Debug("RNR backoff expired")
	}

	ep.progressHandshakes()
	ep.progressRxQueue()
	ep.progressBacklog()
	ep.progressTxQueued()
	ep.progressActive()
	ep.progressReads()
	return nil
}

func (ep *Endpoint) handleCompletion(tps *tpState, c transport.Completion) {
	switch c.Op {
	case transport.OpSend:
		ep.handleSendCompletion(tps, c)
	case transport.OpRecv:
		ep.handleRecvCompletion(tps, c)
	case transport.OpRead:
		ep.handleReadCompletion(tps, c)
	default:
		log.WithField("completion", c).Warn("Completion of an unknown operation")
	}
}

// replenish posts receive buffers until RxWindow buffers are posted.
func (ep *Endpoint) replenish(tps *tpState) {
	for tps.postedCount < ep.conf.RxWindow {
		e, err := tps.posted.Alloc()
		if err != nil {
			// All buffers are staged, the next Progress tries again.
			return
		}
		e.Local = tps.local

		if err := tps.tp.PostRecv(e.Buf, e); err != nil {
			e.Release()
			if !isRetry(err) {
				log.WithFields(log.Fields{
					"endpoint":  ep.Address(),
					"transport": tps.name(),
					"error":     err,
				}).Warn("Posting receive buffer failed")
			}
			return
		}
		tps.postedCount++
	}
}

func (ep *Endpoint) progressHandshakes() {
	queue := ep.handshakeQueue
	ep.handshakeQueue = nil

	for _, addr := range queue {
		p, ok := ep.peers.Get(addr)
		if !ok || !p.Has(peer.HandshakeQueued) || p.Err != nil {
			continue
		}
		if p.InBackoff {
			ep.handshakeQueue = append(ep.handshakeQueue, addr)
			continue
		}

		p.Flags &^= peer.HandshakeQueued
		ep.postHandshake(p)
	}
}

// progressRxQueue posts queued control packets. A peer's packets keep their
// order: after one failed, its later packets wait as well.
func (ep *Endpoint) progressRxQueue() {
	queue := ep.rxQueue
	ep.rxQueue = nil

	blocked := make(map[av.Addr]bool)
	for _, q := range queue {
		if blocked[q.addr] {
			ep.rxQueue = append(ep.rxQueue, q)
			continue
		}

		err := ep.post(q)
		switch {
		case err == nil:
		case isRetry(err):
			blocked[q.addr] = true
			ep.rxQueue = append(ep.rxQueue, q)
		default:
			if q.entry != nil {
				q.entry.Release()
			}
			if q.owner.Kind == pkt.OwnerNone {
				ep.writeEQ(q.addr, err)
			} else {
				ep.failOwner(q.owner, err)
			}
		}
	}
}

// progressTxQueued retransmits packets of send entries which hit RNR or
// could not post their request.
func (ep *Endpoint) progressTxQueued() {
	queued := ep.txQueued
	ep.txQueued = nil

	for _, h := range queued {
		tx := ep.tx(h)
		if tx == nil {
			continue
		}
		tx.queued = false

		var err error
		for len(tx.queue) > 0 {
			if err = ep.post(tx.queue[0]); err != nil {
				break
			}
			tx.queue = tx.queue[1:]
		}

		switch {
		case err == nil:
			tx.state = ep.resumeState(tx)
		case isRetry(err):
			ep.queueTx(tx)
		default:
			ep.failTx(tx, err)
		}
	}
}

// progressActive pushes send entries which have packets left to post.
func (ep *Endpoint) progressActive() {
	active := ep.txActive
	ep.txActive = nil

	for _, h := range active {
		tx := ep.tx(h)
		if tx == nil || !tx.active || containsHandle(ep.txActive, h) {
			continue
		}

		if err := ep.pushTx(tx); err != nil && !isRetry(err) {
			ep.failTx(tx, err)
			continue
		}
		if tx.active && !containsHandle(ep.txActive, h) {
			ep.txActive = append(ep.txActive, h)
		}
	}
}
