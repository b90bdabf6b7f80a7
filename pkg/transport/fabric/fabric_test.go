// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package fabric

import (
	"bytes"
	"errors"
	"testing"

	"github.com/dtn7/rxr-go/pkg/hmem"
	"github.com/dtn7/rxr-go/pkg/transport"
)

func openPair(t *testing.T, f *Fabric) (a, b *Device) {
	var err error
	if a, err = f.Open(transport.Address{Host: "a", QPN: 1, QKey: 11}, DefaultConfig(hmem.NewRegistry(0))); err != nil {
		t.Fatal(err)
	}
	if b, err = f.Open(transport.Address{Host: "b", QPN: 1, QKey: 22}, DefaultConfig(hmem.NewRegistry(0))); err != nil {
		t.Fatal(err)
	}
	return
}

func send(t *testing.T, src, dst *Device, data string) transport.Completion {
	if err := src.PostSend(dst.Address(), []hmem.IOV{{Buf: []byte(data)}}, data); err != nil {
		t.Fatal(err)
	}
	comps := src.Poll(1)
	if len(comps) != 1 || comps[0].Op != transport.OpSend || comps[0].Context != data {
		t.Fatalf("unexpected send completions %v", comps)
	}
	return comps[0]
}

func TestDeviceSendRecv(t *testing.T) {
	f := New()
	a, b := openPair(t, f)

	buf := make([]byte, 64)
	if err := b.PostRecv(buf, "recv"); err != nil {
		t.Fatal(err)
	}

	if c := send(t, a, b, "hello"); c.Status != transport.StatusOK || c.Len != 5 {
		t.Fatalf("send completed with %v", c)
	}

	comps := b.Poll(0)
	if len(comps) != 1 {
		t.Fatalf("received %d completions", len(comps))
	}
	if c := comps[0]; c.Op != transport.OpRecv || c.Src != a.Address() || c.Context != "recv" || c.Len != 5 {
		t.Fatalf("unexpected receive completion %v", c)
	}
	if !bytes.Equal(buf[:5], []byte("hello")) {
		t.Fatalf("received %q", buf[:5])
	}

	// No buffer left, the next send is rejected.
	if c := send(t, a, b, "again"); c.Status != transport.StatusRNR {
		t.Fatalf("send without buffer completed with %v", c.Status)
	}
}

func TestDeviceFilterAndTap(t *testing.T) {
	f := New()
	a, b := openPair(t, f)

	for i := 0; i < 3; i++ {
		_ = b.PostRecv(make([]byte, 16), i)
	}

	count := 0
	f.SetTap(func(_, _ transport.Address, _ []byte) { count++ })
	f.SetFilter(func(_, _ transport.Address, data []byte) Verdict {
		if string(data) == "reject" {
			return RNR
		}
		return Deliver
	})

	if c := send(t, a, b, "reject"); c.Status != transport.StatusRNR {
		t.Fatalf("filtered send completed with %v", c.Status)
	}
	if c := send(t, a, b, "accept"); c.Status != transport.StatusOK {
		t.Fatalf("send completed with %v", c.Status)
	}
	if count != 2 || b.PostedRecvs() != 2 {
		t.Fatalf("tap counted %d, %d buffers left", count, b.PostedRecvs())
	}
}

func TestDeviceQueueDepth(t *testing.T) {
	f := New()
	conf := DefaultConfig(nil)
	conf.SendQueueDepth = 2

	a, _ := f.Open(transport.Address{Host: "a"}, conf)
	dst := transport.Address{Host: "nowhere"}

	for i := 0; i < 2; i++ {
		if err := a.PostSend(dst, nil, i); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.PostSend(dst, nil, 2); !errors.Is(err, transport.ErrAgain) {
		t.Fatalf("PostSend on full queue returned %v", err)
	}

	for _, c := range a.Poll(0) {
		if c.Status != transport.StatusUnreachable {
			t.Fatalf("send to unknown address completed with %v", c.Status)
		}
	}
	if err := a.PostSend(dst, nil, 3); err != nil {
		t.Fatalf("PostSend after Poll failed: %v", err)
	}
}

func TestDeviceRead(t *testing.T) {
	f := New()
	a, b := openPair(t, f)

	region, _ := b.conf.Registry.Register([]byte("remote memory"), hmem.AccessRemoteRead, hmem.System)

	local := make([]byte, 6)
	if err := a.PostRead(b.Address(), local, hmem.RMAIOV{Addr: 7, Len: 6, Key: region.Key()}, "read"); err != nil {
		t.Fatal(err)
	}
	if err := a.PostRead(b.Address(), local, hmem.RMAIOV{Addr: 0, Len: 6, Key: region.Key() + 1}, "bad"); err != nil {
		t.Fatal(err)
	}

	comps := a.Poll(0)
	if len(comps) != 2 {
		t.Fatalf("%d read completions", len(comps))
	}
	if comps[0].Status != transport.StatusOK || comps[0].Len != 6 || string(local) != "memory" {
		t.Fatalf("read completed with %v, %q", comps[0], local)
	}
	if comps[1].Status != transport.StatusRemoteAccess {
		t.Fatalf("read of unknown key completed with %v", comps[1].Status)
	}

	noRead, _ := f.Open(transport.Address{Host: "c"}, DefaultConfig(nil))
	if err := noRead.PostRead(b.Address(), local, hmem.RMAIOV{}, nil); !errors.Is(err, transport.ErrNotSupported) {
		t.Fatalf("PostRead without registry returned %v", err)
	}
}

func TestDeviceCloseAndReuse(t *testing.T) {
	f := New()
	a, b := openPair(t, f)
	_ = b.PostRecv(make([]byte, 8), "flushed")

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if comps := b.Poll(0); len(comps) != 1 || comps[0].Status != transport.StatusFlushed {
		t.Fatalf("close produced %v", comps)
	}
	if c := send(t, a, b, "gone"); c.Status != transport.StatusUnreachable {
		t.Fatalf("send to closed device completed with %v", c.Status)
	}

	// The same host and QPN comes back with a new QKey. The old QKey is
	// unreachable, the new one works.
	old := b.Address()
	b2, err := f.Open(transport.Address{Host: "b", QPN: 1, QKey: 33}, DefaultConfig(nil))
	if err != nil {
		t.Fatal(err)
	}
	_ = b2.PostRecv(make([]byte, 8), nil)

	if err := a.PostSend(old, nil, "old"); err != nil {
		t.Fatal(err)
	}
	if c := a.Poll(1)[0]; c.Status != transport.StatusUnreachable {
		t.Fatalf("send to stale qkey completed with %v", c.Status)
	}
	if c := send(t, a, b2, "new"); c.Status != transport.StatusOK {
		t.Fatalf("send to new qkey completed with %v", c.Status)
	}
}
