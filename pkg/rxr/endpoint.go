// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rxr

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/rxr-go/pkg/av"
	"github.com/dtn7/rxr-go/pkg/bufpool"
	"github.com/dtn7/rxr-go/pkg/hmem"
	"github.com/dtn7/rxr-go/pkg/peer"
	"github.com/dtn7/rxr-go/pkg/pkt"
	"github.com/dtn7/rxr-go/pkg/transport"
	"github.com/dtn7/rxr-go/pkg/wire"
)

// tpState is an Endpoint's view on one of its transports.
type tpState struct {
	tp    transport.Transport
	local bool

	posted      *pkt.Pool
	postedCount int
	outstanding int
}

func (tps *tpState) name() string {
	return tps.tp.Name()
}

// rxKey identifies a message by its sender and sequence id.
type rxKey struct {
	addr  av.Addr
	msgID uint32
}

// rxTarget receives further segments of a medium message: either the
// receive entry or, while its request is deferred, the staged chain.
type rxTarget struct {
	rx     bufpool.Handle
	staged *pkt.Entry
}

// deferredReq is a request which could not be processed for lack of
// entries. Deferred requests are processed in arrival order.
type deferredReq struct {
	addr  av.Addr
	chain *pkt.Entry
}

// Endpoint is a reliable messaging endpoint on a datagram transport and,
// optionally, a loopback transport for peers on the same host.
type Endpoint struct {
	mutex sync.Mutex

	conf  Config
	addrs *av.AddressVector
	reg   *hmem.Registry

	primary *tpState
	local   *tpState

	peers *peer.Table

	txEntries *bufpool.Pool[txEntry]
	rxEntries *bufpool.Pool[rxEntry]
	reads     *bufpool.Pool[readEntry]

	txPkts    *pkt.Pool
	unexpPkts *pkt.Pool
	oooPkts   *pkt.Pool
	readPkts  *pkt.Pool

	rxMsgList    []bufpool.Handle
	rxTagList    []bufpool.Handle
	unexpMsgList []bufpool.Handle
	unexpTagList []bufpool.Handle

	pktRxMap map[rxKey]rxTarget
	backlog  []deferredReq

	handshakeQueue []av.Addr
	rxQueue        []*queuedPkt
	txQueued       []bufpool.Handle
	txActive       []bufpool.Handle
	readPending    []bufpool.Handle

	// readWait holds long read receive entries waiting for a read entry.
	readWait []bufpool.Handle

	cq    []Completion
	eq    []ErrorEvent
	stats Stats

	enabled bool
	closed  bool
}

// NewEndpoint creates an Endpoint on the primary transport. The local
// transport serves peers the address vector marks as local and may be nil.
// Both transports must share the same Address.
// Packet buffers are registered at reg, which must be the Registry remote
// peers read this Endpoint's memory from.
func NewEndpoint(conf Config, addrs *av.AddressVector, reg *hmem.Registry, primary, local transport.Transport) (ep *Endpoint, err error) {
	if validErr := conf.CheckValid(); validErr != nil {
		err = fmt.Errorf("invalid endpoint configuration: %w", validErr)
		return
	}
	if primary == nil {
		err = fmt.Errorf("endpoint without primary transport")
		return
	}
	if local != nil && local.Address() != primary.Address() {
		err = fmt.Errorf("local transport address %v differs from primary %v", local.Address(), primary.Address())
		return
	}

	ep = &Endpoint{
		conf:  conf,
		addrs: addrs,
		reg:   reg,

		peers: peer.NewTable(peer.Config{
			MaxCredits:     conf.MaxCredits,
			MinCredits:     conf.TxMinCredits,
			RecvWindow:     conf.RecvWindow,
			InitialBackoff: conf.InitialBackoff,
			MaxBackoff:     conf.MaxBackoff,
		}),

		txEntries: bufpool.New[txEntry]("tx-entries", conf.TxSize),
		rxEntries: bufpool.New[rxEntry]("rx-entries", conf.RxSize),
		reads:     bufpool.New[readEntry]("read-entries", conf.ReadSize),

		pktRxMap: make(map[rxKey]rxTarget),
	}

	mtu := primary.MTU()
	if local != nil && local.MTU() > mtu {
		mtu = local.MTU()
	}

	pools := []struct {
		pool  **pkt.Pool
		name  string
		typ   pkt.Type
		count int
		size  int
		reg   *hmem.Registry
	}{
		{&ep.txPkts, "tx", pkt.TypeTx, conf.TxPktCount, mtu, reg},
		{&ep.unexpPkts, "unexp", pkt.TypeUnexp, conf.UnexpPktCount, mtu, reg},
		{&ep.oooPkts, "ooo", pkt.TypeOOO, conf.OOOPktCount, mtu, reg},
		{&ep.readPkts, "read", pkt.TypeReadCopy, conf.ReadPktCount, 1, nil},
	}
	for _, p := range pools {
		if *p.pool, err = pkt.NewPool(p.name, p.typ, p.count, p.size, p.reg); err != nil {
			ep.closePools()
			return nil, err
		}
	}

	if ep.primary, err = ep.newTpState(primary, false); err != nil {
		ep.closePools()
		return nil, err
	}
	if local != nil {
		if ep.local, err = ep.newTpState(local, true); err != nil {
			ep.closePools()
			return nil, err
		}
	}

	log.WithFields(log.Fields{
		"address":   primary.Address(),
		"transport": primary.Name(),
		"local":     local != nil,
	}).Debug("Created endpoint")
	return ep, nil
}

func (ep *Endpoint) newTpState(tp transport.Transport, local bool) (*tpState, error) {
	posted, err := pkt.NewPool("posted-"+tp.Name(), pkt.TypePosted, 2*ep.conf.RxWindow, tp.MTU(), ep.reg)
	if err != nil {
		return nil, err
	}
	return &tpState{tp: tp, local: local, posted: posted}, nil
}

func (ep *Endpoint) transports() []*tpState {
	if ep.local == nil {
		return []*tpState{ep.primary}
	}
	return []*tpState{ep.primary, ep.local}
}

func (ep *Endpoint) closePools() (errs error) {
	pools := []*pkt.Pool{ep.txPkts, ep.unexpPkts, ep.oooPkts, ep.readPkts}
	for _, tps := range []*tpState{ep.primary, ep.local} {
		if tps != nil {
			pools = append(pools, tps.posted)
		}
	}

	for _, pool := range pools {
		if pool == nil {
			continue
		}
		if err := pool.Close(ep.reg); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return
}

// Address of this Endpoint on its primary transport.
func (ep *Endpoint) Address() transport.Address {
	return ep.primary.tp.Address()
}

// Enable posts the receive buffers and starts accepting operations.
func (ep *Endpoint) Enable() error {
	ep.mutex.Lock()
	defer ep.mutex.Unlock()

	if ep.closed {
		return ErrClosed
	}
	if ep.enabled {
		return nil
	}

	for _, tps := range ep.transports() {
		ep.replenish(tps)
	}
	ep.enabled = true

	if ep.addrs != nil {
		ep.addrs.SetReleaseFunc(ep.releasePeer)
	}

	log.WithFields(log.Fields{
		"address":  ep.Address(),
		"features": ep.features(),
	}).Info("Enabled endpoint")
	return nil
}

// Close this Endpoint and its transports. Outstanding operations are
// discarded without Completions.
func (ep *Endpoint) Close() error {
	if ep.addrs != nil {
		ep.addrs.SetReleaseFunc(nil)
	}

	ep.mutex.Lock()
	defer ep.mutex.Unlock()

	if ep.closed {
		return ErrClosed
	}
	ep.closed = true

	var errs error
	for _, tps := range ep.transports() {
		if err := tps.tp.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing %s transport: %w", tps.name(), err))
		}

		for _, c := range tps.tp.Poll(0) {
			if e, ok := c.Context.(*pkt.Entry); ok && e.State != pkt.StateFree {
				e.Release()
			}
		}
	}

	for _, d := range ep.backlog {
		d.chain.Release()
	}
	ep.backlog = nil

	for _, list := range [][]bufpool.Handle{ep.unexpMsgList, ep.unexpTagList} {
		for _, h := range list {
			if rx := ep.rx(h); rx != nil && rx.unexp != nil {
				rx.unexp.Release()
				rx.unexp = nil
			}
		}
	}

	ep.peers.Range(func(p *peer.Peer) bool {
		p.Reorder().Drain(func(_ uint32, e *pkt.Entry) {
			e.Release()
		})
		return true
	})

	if err := ep.closePools(); err != nil {
		errs = multierror.Append(errs, err)
	}

	log.WithField("address", ep.Address()).Info("Closed endpoint")
	return errs
}

// checkUsable must be called with the mutex held.
func (ep *Endpoint) checkUsable() error {
	if ep.closed {
		return ErrClosed
	}
	if !ep.enabled {
		return ErrDisabled
	}
	return nil
}

func (ep *Endpoint) now() time.Time {
	return ep.conf.Now()
}

// features announced in this Endpoint's HANDSHAKE.
func (ep *Endpoint) features() (f wire.Features) {
	f = wire.FeatureDeliveryComplete
	if ep.conf.UseRead && ep.primary.tp.Caps().Has(transport.CapRead) {
		f |= wire.FeatureRDMARead
	}
	if ep.conf.ConnIDHeader {
		f |= wire.FeatureConnIDHeader
	}
	return
}

// transportFor returns the transport serving a peer.
func (ep *Endpoint) transportFor(p *peer.Peer) *tpState {
	if p.IsLocal && ep.local != nil {
		return ep.local
	}
	return ep.primary
}

// peerFor resolves an address to its Peer.
func (ep *Endpoint) peerFor(addr av.Addr) (*peer.Peer, *tpState, error) {
	if ep.addrs == nil {
		return nil, nil, av.ErrUnknownAddr
	}

	entry, err := ep.addrs.Resolve(addr)
	if err != nil {
		return nil, nil, err
	}

	p := ep.peers.GetOrCreate(entry)
	if p.Err != nil {
		return nil, nil, p.Err
	}
	return p, ep.transportFor(p), nil
}

// canRead checks if payloads from or to a peer may be moved by RDMA read.
func (ep *Endpoint) canRead(p *peer.Peer, tps *tpState) bool {
	return ep.conf.UseRead && tps.tp.Caps().Has(transport.CapRead) && p.Supports(wire.FeatureRDMARead)
}

// maxPayload returns the payload of a packet of type t with rmaCount
// RMAIOVs on a transport.
func maxPayload(tps *tpState, t wire.Type, rmaCount int) int {
	return tps.tp.MTU() - wire.MaxHeaderLen(t, rmaCount)
}

func (ep *Endpoint) tx(h bufpool.Handle) *txEntry {
	tx, ok := ep.txEntries.Get(h)
	if !ok || tx.state == TxComplete {
		return nil
	}
	return tx
}

func (ep *Endpoint) txByID(id uint64) *txEntry {
	if id == 0 {
		return nil
	}
	return ep.tx(bufpool.HandleFromUint64(id))
}

func (ep *Endpoint) rx(h bufpool.Handle) *rxEntry {
	rx, ok := ep.rxEntries.Get(h)
	if !ok || rx.state == RxComplete {
		return nil
	}
	return rx
}

func (ep *Endpoint) rxByID(id uint64) *rxEntry {
	if id == 0 {
		return nil
	}
	return ep.rx(bufpool.HandleFromUint64(id))
}

func (ep *Endpoint) writeCQ(c Completion) {
	ep.cq = append(ep.cq, c)

	ep.stats.Completions++
	if c.Err != nil {
		ep.stats.Errors++
	}
}

func (ep *Endpoint) writeEQ(addr av.Addr, err error) {
	log.WithFields(log.Fields{
		"endpoint": ep.Address(),
		"peer":     addr,
		"error":    err,
	}).Warn("Endpoint error event")

	ep.eq = append(ep.eq, ErrorEvent{Addr: addr, Err: err})
}

// ReadCQ returns up to max Completions; zero or less returns all.
func (ep *Endpoint) ReadCQ(max int) []Completion {
	ep.mutex.Lock()
	defer ep.mutex.Unlock()

	n := len(ep.cq)
	if max > 0 && n > max {
		n = max
	}
	if n == 0 {
		return nil
	}

	comps := make([]Completion, n)
	copy(comps, ep.cq[:n])
	ep.cq = ep.cq[n:]
	return comps
}

// ReadEQ returns all pending ErrorEvents.
func (ep *Endpoint) ReadEQ() []ErrorEvent {
	ep.mutex.Lock()
	defer ep.mutex.Unlock()

	events := ep.eq
	ep.eq = nil
	return events
}

// RemovePeer removes an address from the address vector. An address still
// used by an operation is kept and an error wrapping peer.ErrBusy returned.
func (ep *Endpoint) RemovePeer(addr av.Addr) error {
	if ep.addrs == nil {
		return av.ErrUnknownAddr
	}
	return ep.addrs.Remove(addr)
}

// releasePeer is the address vector's ReleaseFunc.
func (ep *Endpoint) releasePeer(addr av.Addr) error {
	ep.mutex.Lock()
	defer ep.mutex.Unlock()

	if err := ep.peers.Remove(addr); err != nil {
		return err
	}

	// Staged targets belong to the backlog.
	for key := range ep.pktRxMap {
		if key.addr == addr {
			delete(ep.pktRxMap, key)
		}
	}

	backlog := ep.backlog[:0]
	for _, d := range ep.backlog {
		if d.addr == addr {
			d.chain.Release()
		} else {
			backlog = append(backlog, d)
		}
	}
	ep.backlog = backlog

	rxQueue := ep.rxQueue[:0]
	for _, q := range ep.rxQueue {
		if q.addr == addr {
			if q.entry != nil {
				q.entry.Release()
			}
		} else {
			rxQueue = append(rxQueue, q)
		}
	}
	ep.rxQueue = rxQueue

	return nil
}
