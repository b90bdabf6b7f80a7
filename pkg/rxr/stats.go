// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rxr

// Stats of an Endpoint. Counters only grow; the gauges in the second block
// are sampled by Stats.
type Stats struct {
	PktsSent     uint64
	PktsReceived uint64
	PktsDropped  uint64
	Retransmits  uint64
	RNREvents    uint64

	HandshakesSent     uint64
	HandshakesReceived uint64

	Completions uint64
	Errors      uint64
	Canceled    uint64

	// Unexpected messages arrived before a matching receive was posted.
	Unexpected uint64

	// OutOfOrder requests were staged in a reorder window.
	OutOfOrder uint64

	// Deferred requests waited for a transfer entry.
	Deferred uint64

	ReadsPosted  uint64
	ReadBytes    uint64
	CopyByRead   uint64
	RemoteReads  uint64
	RemoteWrites uint64
	Atomics      uint64

	Peers          int
	PeersInBackoff int
	TxEntries      int
	RxEntries      int
	Reads          int
	Backlog        int
	PostedRecvs    int
	PoolsInUse     map[string]int
	PoolsPeak      map[string]int
}

// Stats returns a snapshot of this Endpoint's statistics.
func (ep *Endpoint) Stats() Stats {
	ep.mutex.Lock()
	defer ep.mutex.Unlock()

	s := ep.stats
	s.Peers = ep.peers.Len()
	s.PeersInBackoff = ep.peers.InBackoff()
	s.TxEntries = ep.txEntries.InUse()
	s.RxEntries = ep.rxEntries.InUse()
	s.Reads = ep.reads.InUse()
	s.Backlog = len(ep.backlog)

	s.PoolsInUse = make(map[string]int)
	s.PoolsPeak = make(map[string]int)
	for name, pool := range map[string]interface {
		InUse() int
		Peak() int
	}{
		"tx":    ep.txPkts,
		"unexp": ep.unexpPkts,
		"ooo":   ep.oooPkts,
		"read":  ep.readPkts,
	} {
		s.PoolsInUse[name] = pool.InUse()
		s.PoolsPeak[name] = pool.Peak()
	}

	for _, tps := range ep.transports() {
		s.PostedRecvs += tps.postedCount
		s.PoolsInUse["posted-"+tps.name()] = tps.posted.InUse()
		s.PoolsPeak["posted-"+tps.name()] = tps.posted.Peak()
	}
	return s
}
