// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package srd

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dtn7/rxr-go/pkg/hmem"
	"github.com/dtn7/rxr-go/pkg/transport"
)

// memHub connects memLinks and drops a share of all frames.
type memHub struct {
	mutex sync.Mutex
	links map[string]*memLink
	loss  float64
	rnd   *rand.Rand
}

func newMemHub(loss float64) *memHub {
	return &memHub{
		links: make(map[string]*memLink),
		loss:  loss,
		rnd:   rand.New(rand.NewSource(42)),
	}
}

type memLink struct {
	hub    *memHub
	addr   string
	in     chan quicFrame
	closed chan struct{}
	once   sync.Once
}

func (h *memHub) link(addr string) *memLink {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	l := &memLink{hub: h, addr: addr, in: make(chan quicFrame, 1024), closed: make(chan struct{})}
	h.links[addr] = l
	return l
}

func (l *memLink) WriteTo(frame []byte, to string) error {
	l.hub.mutex.Lock()
	dst, ok := l.hub.links[to]
	drop := l.hub.rnd.Float64() < l.hub.loss
	l.hub.mutex.Unlock()

	if !ok || drop {
		return nil
	}

	data := append([]byte(nil), frame...)
	select {
	case dst.in <- quicFrame{data: data, from: l.addr}:
	default:
	}
	return nil
}

func (l *memLink) ReadFrom(ctx context.Context) ([]byte, string, error) {
	select {
	case f := <-l.in:
		return f.data, f.from, nil
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case <-l.closed:
		return nil, "", errors.New("closed")
	}
}

func (l *memLink) LocalAddr() string { return l.addr }
func (l *memLink) MaxFrameSize() int { return 1024 }

func (l *memLink) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func testConfig(qkey uint32) Config {
	conf := DefaultConfig(qkey)
	conf.RetransmitTimeout = 10 * time.Millisecond
	conf.MaxRetries = 50
	return conf
}

// pollUntil polls tp until n completions of op were collected.
func pollUntil(t *testing.T, tp transport.Transport, op transport.Op, n int) []transport.Completion {
	var comps []transport.Completion
	deadline := time.Now().Add(5 * time.Second)

	for len(comps) < n {
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d %v completions", len(comps), n, op)
		}
		for _, c := range tp.Poll(0) {
			if c.Op == op {
				comps = append(comps, c)
			}
		}
		time.Sleep(time.Millisecond)
	}
	return comps
}

func TestTransportLossyLink(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	hub := newMemHub(0.3)
	a, _ := New(hub.link("a"), testConfig(1))
	b, _ := New(hub.link("b"), testConfig(2))

	const count = 50
	bufs := make([][]byte, count)
	for i := range bufs {
		bufs[i] = make([]byte, 64)
		if err := b.PostRecv(bufs[i], i); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < count; i++ {
		msg := []byte(fmt.Sprintf("frame-%d", i))
		if err := a.PostSend(b.Address(), []hmem.IOV{{Buf: msg}}, i); err != nil {
			t.Fatal(err)
		}
	}

	for _, c := range pollUntil(t, a, transport.OpSend, count) {
		if c.Status != transport.StatusOK {
			t.Fatalf("send %v completed with %v", c.Context, c.Status)
		}
	}

	received := map[string]bool{}
	for _, c := range pollUntil(t, b, transport.OpRecv, count) {
		msg := string(bufs[c.Context.(int)][:c.Len])
		if received[msg] {
			t.Fatalf("%s was received twice", msg)
		}
		received[msg] = true

		if c.Src.Host != "a" || c.Src.QKey != 1 {
			t.Fatalf("unexpected source %v", c.Src)
		}
	}

	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestTransportRNRAndReject(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	hub := newMemHub(0)
	a, _ := New(hub.link("a"), testConfig(1))
	b, _ := New(hub.link("b"), testConfig(2))
	defer a.Close()
	defer b.Close()

	if err := a.PostSend(b.Address(), nil, "rnr"); err != nil {
		t.Fatal(err)
	}
	if c := pollUntil(t, a, transport.OpSend, 1)[0]; c.Status != transport.StatusRNR {
		t.Fatalf("send without buffer completed with %v", c.Status)
	}

	stale := b.Address()
	stale.QKey = 99
	if err := a.PostSend(stale, nil, "stale"); err != nil {
		t.Fatal(err)
	}
	if c := pollUntil(t, a, transport.OpSend, 1)[0]; c.Status != transport.StatusUnreachable {
		t.Fatalf("send to stale qkey completed with %v", c.Status)
	}
}

func TestTransportUnreachable(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	hub := newMemHub(0)
	conf := testConfig(1)
	conf.MaxRetries = 2
	a, _ := New(hub.link("a"), conf)
	defer a.Close()

	if err := a.PostSend(transport.Address{Host: "nowhere"}, nil, nil); err != nil {
		t.Fatal(err)
	}
	if c := pollUntil(t, a, transport.OpSend, 1)[0]; c.Status != transport.StatusUnreachable {
		t.Fatalf("send to nowhere completed with %v", c.Status)
	}
}

func TestTransportQueueDepthAndClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	hub := newMemHub(1)
	conf := testConfig(1)
	conf.SendQueueDepth = 1
	a, _ := New(hub.link("a"), conf)

	if err := a.PostSend(transport.Address{Host: "b"}, nil, "first"); err != nil {
		t.Fatal(err)
	}
	if err := a.PostSend(transport.Address{Host: "b"}, nil, "second"); !errors.Is(err, transport.ErrAgain) {
		t.Fatalf("PostSend on full queue returned %v", err)
	}
	_ = a.PostRecv(make([]byte, 8), "recv")

	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	comps := a.Poll(0)
	if len(comps) != 2 {
		t.Fatalf("Close produced %v", comps)
	}
	for _, c := range comps {
		if c.Status != transport.StatusFlushed {
			t.Fatalf("%v was not flushed", c)
		}
	}
	if err := a.PostSend(transport.Address{Host: "b"}, nil, nil); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("PostSend after Close returned %v", err)
	}
}

func TestTransportUDP(t *testing.T) {
	linkA, err := ListenUDP("127.0.0.1:0", 1500, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	linkB, err := ListenUDP("127.0.0.1:0", 1500, 0)
	if err != nil {
		t.Fatal(err)
	}

	a, _ := New(linkA, testConfig(1))
	b, _ := New(linkB, testConfig(2))
	defer a.Close()
	defer b.Close()

	buf := make([]byte, 1500)
	_ = b.PostRecv(buf, nil)
	if err := a.PostSend(b.Address(), []hmem.IOV{{Buf: []byte("over udp")}}, nil); err != nil {
		t.Fatal(err)
	}

	if c := pollUntil(t, a, transport.OpSend, 1)[0]; c.Status != transport.StatusOK {
		t.Fatalf("UDP send completed with %v", c.Status)
	}
	c := pollUntil(t, b, transport.OpRecv, 1)[0]
	if string(buf[:c.Len]) != "over udp" || c.Src.Host != a.Address().Host {
		t.Fatalf("received %q from %v", buf[:c.Len], c.Src)
	}
}

func TestTransportQUIC(t *testing.T) {
	if testing.Short() {
		t.Skip("QUIC handshakes are skipped in short mode")
	}

	linkA, err := ListenQUIC("127.0.0.1:0", 1100)
	if err != nil {
		t.Fatal(err)
	}
	linkB, err := ListenQUIC("127.0.0.1:0", 1100)
	if err != nil {
		t.Fatal(err)
	}

	a, _ := New(linkA, testConfig(1))
	b, _ := New(linkB, testConfig(2))
	defer a.Close()
	defer b.Close()

	buf := make([]byte, 1100)
	_ = b.PostRecv(buf, nil)
	if err := a.PostSend(b.Address(), []hmem.IOV{{Buf: []byte("over quic")}}, nil); err != nil {
		t.Fatal(err)
	}

	if c := pollUntil(t, a, transport.OpSend, 1)[0]; c.Status != transport.StatusOK {
		t.Fatalf("QUIC send completed with %v", c.Status)
	}
	c := pollUntil(t, b, transport.OpRecv, 1)[0]
	if string(buf[:c.Len]) != "over quic" {
		t.Fatalf("received %q", buf[:c.Len])
	}
}
