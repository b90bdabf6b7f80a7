// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/dtn7/rxr-go/pkg/av"
	"github.com/dtn7/rxr-go/pkg/hmem"
	"github.com/dtn7/rxr-go/pkg/rxr"
	"github.com/dtn7/rxr-go/pkg/transport"
	"github.com/dtn7/rxr-go/pkg/transport/fabric"
)

func newTestEndpoint(t *testing.T, f *fabric.Fabric, host string) (*rxr.Endpoint, *av.AddressVector) {
	t.Helper()

	reg := hmem.NewRegistry(0)
	dev, err := f.Open(transport.Address{Host: host, QPN: 1, QKey: 1}, fabric.DefaultConfig(reg))
	if err != nil {
		t.Fatal(err)
	}

	addrs := av.New()
	ep, err := rxr.NewEndpoint(rxr.DefaultConfig(), addrs, reg, dev, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ep.Enable(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ep.Close() })

	return ep, addrs
}

func TestBridgePing(t *testing.T) {
	f := fabric.New()
	epA, addrsA := newTestEndpoint(t, f, "a")
	epB, addrsB := newTestEndpoint(t, f, "b")

	aToB, err := addrsA.Insert(epB.Address())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := addrsB.Insert(epA.Address()); err != nil {
		t.Fatal(err)
	}

	mock := newMockAgent([]string{"client"})
	bridgeA := NewBridge(epA, mock, time.Millisecond)
	bridgeB := NewBridge(epB, NewPing("ping", 4, 1024), time.Millisecond)

	payloads := [][]byte{[]byte("hello world"), bytes.Repeat([]byte("x"), 1000)}
	for i, payload := range payloads {
		mock.send(RecvMessage{Sender: "client", ID: uint64(2 * i), Addr: aToB, Size: 1024})
		mock.send(SendMessage{Sender: "client", ID: uint64(2*i + 1), Addr: aToB, Payload: payload})

		for _, msg := range mock.waitInbox(t, 2) {
			cm, ok := msg.(CompletionMessage)
			if !ok {
				t.Fatalf("received %v", msg)
			} else if cm.Err != nil {
				t.Fatalf("request %d failed: %v", cm.ID, cm.Err)
			} else if cm.Recv && (cm.ID != uint64(2*i) || cm.Addr != aToB || !bytes.Equal(cm.Data, payload)) {
				t.Fatalf("received echo %v", cm)
			}
		}
	}

	// An oversized receive is refused by the Bridge itself.
	mock.send(RecvMessage{Sender: "client", ID: 42, Size: MaxRecvSize + 1})
	if cm := mock.waitInbox(t, 1)[0].(CompletionMessage); cm.ID != 42 || cm.Err == nil {
		t.Fatalf("oversized receive completed with %v", cm)
	}

	// A pending receive is canceled on Close.
	mock.send(RecvMessage{Sender: "client", ID: 43, Addr: aToB, Size: 16})
	time.Sleep(10 * time.Millisecond)

	bridgeA.Close()
	bridgeB.Close()

	if msgs := mock.waitInbox(t, 1); msgs[0] != (ShutdownMessage{}) {
		t.Fatalf("mock agent received %v on close", msgs)
	}
	if cq := epA.ReadCQ(0); len(cq) != 1 || !errors.Is(cq[0].Err, rxr.ErrCanceled) {
		t.Fatalf("pending receive completed with %v", cq)
	}
}
