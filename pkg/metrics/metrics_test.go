// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dtn7/rxr-go/pkg/rxr"
)

type mockSource rxr.Stats

func (m mockSource) Stats() rxr.Stats {
	return rxr.Stats(m)
}

func TestCollector(t *testing.T) {
	c := NewCollector(map[string]StatsSource{
		"a": mockSource{
			PktsSent:   23,
			RNREvents:  2,
			Peers:      3,
			PoolsInUse: map[string]int{"tx": 1, "posted-fabric": 48},
			PoolsPeak:  map[string]int{"tx": 7, "posted-fabric": 48},
		},
		"b": mockSource{},
	})

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatal(err)
	}

	if n := testutil.CollectAndCount(c); n != 2*(len(counters)+len(gauges))+4 {
		t.Fatalf("collected %d metrics", n)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	values := make(map[string]float64)
	for _, family := range families {
		for _, m := range family.GetMetric() {
			key := family.GetName()
			for _, label := range m.GetLabel() {
				key += "/" + label.GetValue()
			}

			switch {
			case m.GetCounter() != nil:
				values[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[key] = m.GetGauge().GetValue()
			}
		}
	}

	for key, expected := range map[string]float64{
		"rxr_packets_sent_total/a":        23,
		"rxr_rnr_events_total/a":          2,
		"rxr_packets_sent_total/b":        0,
		"rxr_peers/a":                     3,
		"rxr_pool_in_use/a/tx":            1,
		"rxr_pool_peak/a/tx":              7,
		"rxr_pool_peak/a/posted-fabric":   48,
		"rxr_pool_in_use/a/posted-fabric": 48,
	} {
		if v, ok := values[key]; !ok || v != expected {
			t.Fatalf("%s is %v, expected %v", key, v, expected)
		}
	}
}
