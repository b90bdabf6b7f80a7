// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package peer

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/rxr-go/pkg/av"
)

var (
	// ErrInsufficientCredits is returned if a Peer cannot grant a request.
	ErrInsufficientCredits = errors.New("peer: insufficient credits")

	// ErrBusy is returned when removing a Peer which is still in use.
	ErrBusy = errors.New("peer: busy")
)

// Config of a Table.
type Config struct {
	// MaxCredits is each Peer's initial credit balance.
	MaxCredits int

	// MinCredits is the least amount granted per transfer.
	MinCredits int

	// RecvWindow is the size of each Peer's reorder window.
	RecvWindow int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Table of Peers, keyed by their application address.
type Table struct {
	conf    Config
	peers   map[av.Addr]*Peer
	backoff map[av.Addr]*Peer
}

// NewTable creates an empty Table.
func NewTable(conf Config) *Table {
	return &Table{
		conf:    conf,
		peers:   make(map[av.Addr]*Peer),
		backoff: make(map[av.Addr]*Peer),
	}
}

// GetOrCreate returns the Peer for a resolved address, creating it first if
// necessary.
func (t *Table) GetOrCreate(e av.Entry) *Peer {
	if p, ok := t.peers[e.Addr]; ok {
		return p
	}

	p := newPeer(e, t.conf.RecvWindow)
	p.Credits = t.conf.MaxCredits
	t.peers[e.Addr] = p

	log.WithFields(log.Fields{
		"peer":  e.Addr,
		"raw":   e.Raw,
		"local": e.IsLocal,
	}).Debug("Created peer")
	return p
}

// Get a known Peer.
func (t *Table) Get(addr av.Addr) (*Peer, bool) {
	p, ok := t.peers[addr]
	return p, ok
}

// Len returns the amount of Peers.
func (t *Table) Len() int {
	return len(t.peers)
}

// Range calls f for every Peer until f returns false.
func (t *Table) Range(f func(p *Peer) bool) {
	for _, p := range t.peers {
		if !f(p) {
			return
		}
	}
}

// MarkLocal selects the loopback transport for a Peer.
func (t *Table) MarkLocal(p *Peer, local bool) {
	p.IsLocal = local
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// GrantFor computes the credits a transfer with remaining bytes would be
// granted, without debiting them:
//
//	max(MinCredits, min(ceil(credits / (pending+1)), ceil(remaining / maxPayload)))
func (t *Table) GrantFor(p *Peer, remaining, maxPayload int) int {
	fair := ceilDiv(p.Credits, p.Pending+1)
	need := ceilDiv(remaining, maxPayload)
	return max(t.conf.MinCredits, min(fair, need))
}

// RequestCredit debits the credits for a transfer with remaining bytes. If
// the Peer's balance does not cover the grant, nothing is debited and
// ErrInsufficientCredits is returned.
func (t *Table) RequestCredit(p *Peer, remaining, maxPayload int) (granted int, err error) {
	granted = t.GrantFor(p, remaining, maxPayload)
	if p.Credits < granted {
		err = fmt.Errorf("%w: %v has %d, %d required", ErrInsufficientCredits, p.Addr, p.Credits, granted)
		granted = 0
		return
	}

	p.Credits -= granted
	p.Pending++
	return
}

// ReleaseCredit returns a transfer's credits.
func (t *Table) ReleaseCredit(p *Peer, amount int) {
	p.Credits += amount
	if p.Credits > t.conf.MaxCredits {
		log.WithFields(log.Fields{
			"peer":    p.Addr,
			"credits": p.Credits,
		}).Warn("Peer credits exceed their maximum, capping")
		p.Credits = t.conf.MaxCredits
	}
	if p.Pending > 0 {
		p.Pending--
	}
}

// BackoffFor returns the backoff delay of the n-th consecutive RNR event.
func (t *Table) BackoffFor(attempt int) time.Duration {
	d := t.conf.InitialBackoff
	for i := 1; i < attempt && d < t.conf.MaxBackoff; i++ {
		d *= 2
	}
	if d > t.conf.MaxBackoff {
		d = t.conf.MaxBackoff
	}
	return d
}

// EnterBackoff registers an RNR event for a Peer. The Peer is excluded from
// sends until its backoff expired.
func (t *Table) EnterBackoff(p *Peer, now time.Time) time.Duration {
	p.RNRAttempts++
	p.RNRBackoff = t.BackoffFor(p.RNRAttempts)
	p.BackoffUntil = now.Add(p.RNRBackoff)
	p.InBackoff = true
	t.backoff[p.Addr] = p

	log.WithFields(log.Fields{
		"peer":    p.Addr,
		"attempt": p.RNRAttempts,
		"backoff": p.RNRBackoff,
	}).Debug("Peer entered RNR backoff")
	return p.RNRBackoff
}

// BackoffExpired checks if a Peer's backoff is over at now.
func (t *Table) BackoffExpired(p *Peer, now time.Time) bool {
	return !p.InBackoff || !now.Before(p.BackoffUntil)
}

// ExpireBackoffs clears the backoff flag of every Peer whose deadline passed
// and returns them.
func (t *Table) ExpireBackoffs(now time.Time) (expired []*Peer) {
	for addr, p := range t.backoff {
		if t.BackoffExpired(p, now) {
			p.InBackoff = false
			delete(t.backoff, addr)
			expired = append(expired, p)
		}
	}
	return
}

// InBackoff returns the amount of Peers in backoff.
func (t *Table) InBackoff() int {
	return len(t.backoff)
}

// ResetBackoff forgets a Peer's RNR history after a successful retransmit or
// after a transfer exhausted its retries.
func (t *Table) ResetBackoff(p *Peer) {
	if p.RNRAttempts > 0 || p.InBackoff {
		log.WithField("peer", p.Addr).Debug("Peer's RNR backoff was reset")
	}

	p.RNRAttempts = 0
	p.RNRBackoff = 0
	p.InBackoff = false
	delete(t.backoff, p.Addr)
}

// Remove a Peer. A busy Peer is kept and ErrBusy is returned.
func (t *Table) Remove(addr av.Addr) error {
	p, ok := t.peers[addr]
	if !ok {
		return nil
	}
	if p.Busy() {
		return fmt.Errorf("%w: %v has %d send and %d receive entries, %d operations pending",
			ErrBusy, addr, len(p.txEntries), len(p.rxEntries), p.TxPending)
	}

	p.clear()
	delete(t.peers, addr)
	delete(t.backoff, addr)

	log.WithField("peer", addr).Debug("Removed peer")
	return nil
}
