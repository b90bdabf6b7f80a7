// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package peer keeps the per remote endpoint state of an RxR endpoint:
// credits, receiver-not-ready backoff, handshake progress, message sequence
// ids and the reorder window. Nothing in here locks; the owning endpoint
// serializes all access.
package peer

import (
	"fmt"
	"time"

	"github.com/dtn7/rxr-go/pkg/av"
	"github.com/dtn7/rxr-go/pkg/bufpool"
	"github.com/dtn7/rxr-go/pkg/pkt"
	"github.com/dtn7/rxr-go/pkg/reorder"
	"github.com/dtn7/rxr-go/pkg/transport"
	"github.com/dtn7/rxr-go/pkg/wire"
)

// Flags of a Peer's handshake state.
type Flags uint8

const (
	// HandshakeSent is set once our HANDSHAKE completed its send.
	HandshakeSent Flags = 1 << iota

	// HandshakeReceived is set once the Peer's HANDSHAKE arrived.
	HandshakeReceived

	// HandshakeQueued marks a HANDSHAKE waiting for retransmission.
	HandshakeQueued

	// HandshakeInFlight marks a posted, not yet completed HANDSHAKE.
	HandshakeInFlight
)

// Peer is the state of one remote endpoint.
type Peer struct {
	Addr    av.Addr
	Raw     transport.Address
	IsLocal bool
	IsSelf  bool

	// PrevQKey belongs to a former incarnation at the same Raw endpoint.
	PrevQKey uint32

	// Credits is the amount of DATA packets which may still be granted.
	Credits int

	// Pending counts transfers currently holding credits.
	Pending int

	// TxPending counts posted, not yet completed operations.
	TxPending int

	// RNRAttempts counts RNR events since the last successful retransmit.
	RNRAttempts  int
	RNRBackoff   time.Duration
	BackoffUntil time.Time
	InBackoff    bool

	Flags      Flags
	Features   wire.Features
	MaxVersion uint8

	// Err marks a Peer unusable after a fatal transport error.
	Err error

	nextMsgID uint32
	reorder   *reorder.Window[*pkt.Entry]

	txEntries map[bufpool.Handle]struct{}
	rxEntries map[bufpool.Handle]struct{}
}

func newPeer(e av.Entry, windowSize int) *Peer {
	return &Peer{
		Addr:      e.Addr,
		Raw:       e.Raw,
		IsLocal:   e.IsLocal,
		PrevQKey:  e.PrevQKey,
		reorder:   reorder.New[*pkt.Entry](windowSize, 0),
		txEntries: make(map[bufpool.Handle]struct{}),
		rxEntries: make(map[bufpool.Handle]struct{}),
	}
}

func (p *Peer) String() string {
	return fmt.Sprintf("Peer(%v, %v)", p.Addr, p.Raw)
}

// Has checks if all bits of f are set.
func (p *Peer) Has(f Flags) bool {
	return p.Flags&f == f
}

// HandshakeDone checks if HANDSHAKEs went both ways.
func (p *Peer) HandshakeDone() bool {
	return p.Has(HandshakeSent | HandshakeReceived)
}

// Supports checks if the Peer's HANDSHAKE announced a feature.
func (p *Peer) Supports(f wire.Features) bool {
	return p.Has(HandshakeReceived) && p.Features.Has(f)
}

// NextMsgID returns the next sequence id for an ordered message.
func (p *Peer) NextMsgID() uint32 {
	id := p.nextMsgID
	p.nextMsgID++
	return id
}

// Reorder returns the Peer's reorder window for incoming ordered messages.
func (p *Peer) Reorder() *reorder.Window[*pkt.Entry] {
	return p.reorder
}

// TrackTx registers a send entry targeting this Peer.
func (p *Peer) TrackTx(h bufpool.Handle) {
	p.txEntries[h] = struct{}{}
}

// UntrackTx removes a send entry.
func (p *Peer) UntrackTx(h bufpool.Handle) {
	delete(p.txEntries, h)
}

// TrackRx registers a receive entry bound to this Peer.
func (p *Peer) TrackRx(h bufpool.Handle) {
	p.rxEntries[h] = struct{}{}
}

// UntrackRx removes a receive entry.
func (p *Peer) UntrackRx(h bufpool.Handle) {
	delete(p.rxEntries, h)
}

// TxEntries returns the handles of all tracked send entries.
func (p *Peer) TxEntries() []bufpool.Handle {
	hs := make([]bufpool.Handle, 0, len(p.txEntries))
	for h := range p.txEntries {
		hs = append(hs, h)
	}
	return hs
}

// RxEntries returns the handles of all tracked receive entries.
func (p *Peer) RxEntries() []bufpool.Handle {
	hs := make([]bufpool.Handle, 0, len(p.rxEntries))
	for h := range p.rxEntries {
		hs = append(hs, h)
	}
	return hs
}

// Busy checks if transfers or operations still reference this Peer.
func (p *Peer) Busy() bool {
	return len(p.txEntries) > 0 || len(p.rxEntries) > 0 || p.TxPending > 0
}

// clear releases the staged packets of the reorder window.
func (p *Peer) clear() {
	p.reorder.Drain(func(_ uint32, e *pkt.Entry) {
		e.Release()
	})
}
