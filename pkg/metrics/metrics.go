// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package metrics exports the statistics of rxr Endpoints to Prometheus.
package metrics

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dtn7/rxr-go/pkg/rxr"
)

const namespace = "rxr"

// StatsSource is implemented by rxr.Endpoint.
type StatsSource interface {
	Stats() rxr.Stats
}

type counter struct {
	desc  *prometheus.Desc
	value func(s rxr.Stats) uint64
}

type gauge struct {
	desc  *prometheus.Desc
	value func(s rxr.Stats) int
}

func newDesc(name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help,
		append([]string{"endpoint"}, labels...), nil)
}

var (
	counters = []counter{
		{newDesc("packets_sent_total", "Packets posted to a transport"), func(s rxr.Stats) uint64 { return s.PktsSent }},
		{newDesc("packets_received_total", "Packets received from a transport"), func(s rxr.Stats) uint64 { return s.PktsReceived }},
		{newDesc("packets_dropped_total", "Received packets which were discarded"), func(s rxr.Stats) uint64 { return s.PktsDropped }},
		{newDesc("retransmits_total", "Packets posted again after an RNR"), func(s rxr.Stats) uint64 { return s.Retransmits }},
		{newDesc("rnr_events_total", "Sends rejected by a receiver without buffers"), func(s rxr.Stats) uint64 { return s.RNREvents }},
		{newDesc("handshakes_sent_total", "HANDSHAKE packets sent"), func(s rxr.Stats) uint64 { return s.HandshakesSent }},
		{newDesc("handshakes_received_total", "HANDSHAKE packets received"), func(s rxr.Stats) uint64 { return s.HandshakesReceived }},
		{newDesc("completions_total", "Successful completions"), func(s rxr.Stats) uint64 { return s.Completions }},
		{newDesc("errors_total", "Failed completions and error events"), func(s rxr.Stats) uint64 { return s.Errors }},
		{newDesc("canceled_total", "Canceled receives"), func(s rxr.Stats) uint64 { return s.Canceled }},
		{newDesc("unexpected_total", "Messages arrived before a matching receive"), func(s rxr.Stats) uint64 { return s.Unexpected }},
		{newDesc("out_of_order_total", "Requests staged in a reorder window"), func(s rxr.Stats) uint64 { return s.OutOfOrder }},
		{newDesc("deferred_total", "Requests waiting for a transfer entry"), func(s rxr.Stats) uint64 { return s.Deferred }},
		{newDesc("reads_posted_total", "RDMA read segments posted"), func(s rxr.Stats) uint64 { return s.ReadsPosted }},
		{newDesc("read_bytes_total", "Bytes transferred by RDMA reads"), func(s rxr.Stats) uint64 { return s.ReadBytes }},
		{newDesc("copy_by_read_total", "Payloads copied into device memory by a local read"), func(s rxr.Stats) uint64 { return s.CopyByRead }},
		{newDesc("remote_reads_total", "Emulated reads served"), func(s rxr.Stats) uint64 { return s.RemoteReads }},
		{newDesc("remote_writes_total", "Remote writes applied"), func(s rxr.Stats) uint64 { return s.RemoteWrites }},
		{newDesc("atomics_total", "Atomic requests applied"), func(s rxr.Stats) uint64 { return s.Atomics }},
	}

	gauges = []gauge{
		{newDesc("peers", "Known peers"), func(s rxr.Stats) int { return s.Peers }},
		{newDesc("peers_in_backoff", "Peers in RNR backoff"), func(s rxr.Stats) int { return s.PeersInBackoff }},
		{newDesc("tx_entries", "Send entries in use"), func(s rxr.Stats) int { return s.TxEntries }},
		{newDesc("rx_entries", "Receive entries in use"), func(s rxr.Stats) int { return s.RxEntries }},
		{newDesc("read_entries", "Read entries in use"), func(s rxr.Stats) int { return s.Reads }},
		{newDesc("backlog", "Requests waiting for a receive entry"), func(s rxr.Stats) int { return s.Backlog }},
		{newDesc("posted_receives", "Receive buffers posted to transports"), func(s rxr.Stats) int { return s.PostedRecvs }},
	}

	poolInUse = newDesc("pool_in_use", "Packet entries in use per pool", "pool")
	poolPeak  = newDesc("pool_peak", "Peak packet entries in use per pool", "pool")
)

// Collector is a prometheus.Collector for a set of named Endpoints.
type Collector struct {
	sources map[string]StatsSource
}

// NewCollector for sources, keyed by the name used as endpoint label.
func NewCollector(sources map[string]StatsSource) *Collector {
	return &Collector{sources: sources}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range counters {
		ch <- m.desc
	}
	for _, m := range gauges {
		ch <- m.desc
	}
	ch <- poolInUse
	ch <- poolPeak
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for name, source := range c.sources {
		s := source.Stats()

		for _, m := range counters {
			ch <- prometheus.MustNewConstMetric(m.desc, prometheus.CounterValue, float64(m.value(s)), name)
		}
		for _, m := range gauges {
			ch <- prometheus.MustNewConstMetric(m.desc, prometheus.GaugeValue, float64(m.value(s)), name)
		}

		pools := make([]string, 0, len(s.PoolsInUse))
		for pool := range s.PoolsInUse {
			pools = append(pools, pool)
		}
		sort.Strings(pools)

		for _, pool := range pools {
			ch <- prometheus.MustNewConstMetric(poolInUse, prometheus.GaugeValue, float64(s.PoolsInUse[pool]), name, pool)
			ch <- prometheus.MustNewConstMetric(poolPeak, prometheus.GaugeValue, float64(s.PoolsPeak[pool]), name, pool)
		}
	}
}
