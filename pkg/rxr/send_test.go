// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rxr

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/dtn7/rxr-go/pkg/av"
	"github.com/dtn7/rxr-go/pkg/hmem"
	"github.com/dtn7/rxr-go/pkg/transport"
	"github.com/dtn7/rxr-go/pkg/transport/fabric"
	"github.com/dtn7/rxr-go/pkg/wire"
)

// countTypes counts the packet types crossing a Fabric.
func countTypes(f *fabric.Fabric) map[wire.Type]int {
	counts := make(map[wire.Type]int)
	f.SetTap(func(_, _ transport.Address, data []byte) {
		if typ, err := wire.PeekType(data); err == nil {
			counts[typ]++
		}
	})
	return counts
}

func TestSendProtocols(t *testing.T) {
	tests := []struct {
		name  string
		size  int
		proto wire.Type
	}{
		{"empty", 0, wire.TypeEagerMsgRTM},
		{"eager", 1000, wire.TypeEagerMsgRTM},
		{"medium", 20000, wire.TypeMediumMsgRTM},
		{"long cts", 200 * 1024, wire.TypeLongCTSMsgRTM},
		{"long read", 300 * 1024, wire.TypeLongReadMsgRTM},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f, a, b, aToB, bToA := testPair(t, testConfig(), testConfig())
			handshake(t, a, b, aToB, bToA)
			counts := countTypes(f)

			data := testPayload(test.size)
			buf := make([]byte, test.size)
			if err := b.ep.Recv(buf, av.AddrUnspec, "recv"); err != nil {
				t.Fatal(err)
			}
			if err := a.ep.Send(data, aToB, "send"); err != nil {
				t.Fatal(err)
			}

			sc := waitCQ(t, a, 1, a, b)[0]
			rc := waitCQ(t, b, 1, a, b)[0]

			if sc.Err != nil || sc.Context != "send" || sc.Len != test.size || !sc.Flags.Has(FlagSend|FlagMsg) {
				t.Fatalf("send completed with %v", sc)
			}
			if rc.Err != nil || rc.Context != "recv" || rc.Len != test.size || rc.Src != bToA {
				t.Fatalf("receive completed with %v", rc)
			}
			if !bytes.Equal(buf, data) {
				t.Fatal("received data differs")
			}
			if counts[test.proto] == 0 {
				t.Fatalf("no %v packet was sent: %v", test.proto, counts)
			}
			if test.proto == wire.TypeEagerMsgRTM && (counts[test.proto] != 1 || counts[wire.TypeData] != 0) {
				t.Fatalf("eager message took more than one packet: %v", counts)
			}

			if test.proto == wire.TypeLongReadMsgRTM {
				if s := b.ep.Stats(); s.ReadsPosted == 0 || s.ReadBytes != uint64(test.size) {
					t.Fatalf("receiver posted %d reads of %d bytes", s.ReadsPosted, s.ReadBytes)
				}
				if counts[wire.TypeEOR] != 1 {
					t.Fatalf("%d EOR packets were sent", counts[wire.TypeEOR])
				}
				if a.reg.Len() != 4 {
					t.Fatalf("sender still exposes %d regions", a.reg.Len()-4)
				}
			}

			if s := a.ep.Stats(); s.TxEntries != 0 {
				t.Fatalf("%d send entries are left", s.TxEntries)
			}
			if s := b.ep.Stats(); s.RxEntries != 0 {
				t.Fatalf("%d receive entries are left", s.RxEntries)
			}
		})
	}
}

func TestSendScatterGather(t *testing.T) {
	_, a, b, aToB, bToA := testPair(t, testConfig(), testConfig())

	data := testPayload(30000)
	send := []hmem.IOV{{Buf: data[:10]}, {Buf: data[10:12345]}, {Buf: data[12345:]}}
	recv := []hmem.IOV{{Buf: make([]byte, 7000)}, {Buf: make([]byte, 23000)}}

	if err := b.ep.RecvMsg(recv, bToA, nil, 0); err != nil {
		t.Fatal(err)
	}
	if err := a.ep.SendMsg(send, aToB, nil, 0); err != nil {
		t.Fatal(err)
	}

	waitCQ(t, a, 1, a, b)
	if c := waitCQ(t, b, 1, a, b)[0]; c.Err != nil || c.Len != len(data) {
		t.Fatalf("receive completed with %v", c)
	}

	got := append(append([]byte{}, recv[0].Buf...), recv[1].Buf...)
	if !bytes.Equal(got, data) {
		t.Fatal("received data differs")
	}
}

func TestTaggedMatching(t *testing.T) {
	_, a, b, aToB, bToA := testPair(t, testConfig(), testConfig())

	bufs := [][]byte{make([]byte, 16), make([]byte, 16)}
	if err := b.ep.TRecv(bufs[0], av.AddrUnspec, 0x10, 0x0f, "wildcard"); err != nil {
		t.Fatal(err)
	}

	// The first message is unexpected, the second matches the wildcard.
	if err := a.ep.TSend([]byte("second"), aToB, 0x20, nil); err != nil {
		t.Fatal(err)
	}
	if err := a.ep.TSend([]byte("first"), aToB, 0x13, nil); err != nil {
		t.Fatal(err)
	}
	waitCQ(t, a, 2, a, b)

	c := waitCQ(t, b, 1, a, b)[0]
	if c.Context != "wildcard" || c.Tag != 0x13 || string(bufs[0][:c.Len]) != "first" || !c.Flags.Has(FlagTagged) {
		t.Fatalf("wildcard receive completed with %v", c)
	}
	if s := b.ep.Stats(); s.Unexpected != 1 {
		t.Fatalf("%d unexpected messages", s.Unexpected)
	}

	// Untagged receives never match tagged messages.
	if err := b.ep.Recv(make([]byte, 16), bToA, "untagged"); err != nil {
		t.Fatal(err)
	}
	if err := b.ep.TRecv(bufs[1], bToA, 0x20, 0, "exact"); err != nil {
		t.Fatal(err)
	}
	c = waitCQ(t, b, 1, a, b)[0]
	if c.Context != "exact" || string(bufs[1][:c.Len]) != "second" {
		t.Fatalf("exact receive completed with %v", c)
	}

	if err := b.ep.Cancel("untagged"); err != nil {
		t.Fatal(err)
	}
}

func TestUnexpectedMessages(t *testing.T) {
	for _, size := range []int{100, 20000, 200 * 1024} {
		t.Run(fmt.Sprintf("%d", size), func(t *testing.T) {
			_, a, b, aToB, bToA := testPair(t, testConfig(), testConfig())

			data := testPayload(size)
			if err := a.ep.Send(data, aToB, nil); err != nil {
				t.Fatal(err)
			}
			wait(t, func() bool { return b.ep.Stats().Unexpected == 1 }, a, b)

			buf := make([]byte, size)
			if err := b.ep.Recv(buf, bToA, nil); err != nil {
				t.Fatal(err)
			}
			if c := waitCQ(t, b, 1, a, b)[0]; c.Err != nil || c.Len != size {
				t.Fatalf("receive completed with %v", c)
			}
			waitCQ(t, a, 1, a, b)

			if !bytes.Equal(buf, data) {
				t.Fatal("received data differs")
			}
			if s := b.ep.Stats(); s.PoolsInUse["unexp"] != 0 {
				t.Fatalf("%d unexpected packets are still held", s.PoolsInUse["unexp"])
			}
		})
	}
}

func TestTruncation(t *testing.T) {
	for _, size := range []int{100, 20000, 200 * 1024} {
		t.Run(fmt.Sprintf("%d", size), func(t *testing.T) {
			_, a, b, aToB, bToA := testPair(t, testConfig(), testConfig())

			data := testPayload(size)
			buf := make([]byte, 10)
			if err := b.ep.Recv(buf, bToA, nil); err != nil {
				t.Fatal(err)
			}
			if err := a.ep.Send(data, aToB, nil); err != nil {
				t.Fatal(err)
			}

			c := waitCQ(t, b, 1, a, b)[0]
			if !errors.Is(c.Err, ErrTruncated) || c.Len != len(buf) {
				t.Fatalf("receive completed with %v", c)
			}
			if !bytes.Equal(buf, data[:len(buf)]) {
				t.Fatal("received data differs")
			}

			// The sender does not notice.
			if c := waitCQ(t, a, 1, a, b)[0]; c.Err != nil || c.Len != size {
				t.Fatalf("send completed with %v", c)
			}
		})
	}
}

func TestMessageOrder(t *testing.T) {
	_, a, b, aToB, bToA := testPair(t, testConfig(), testConfig())

	sizes := []int{20000, 10, 200 * 1024, 30000, 10, 100000}
	bufs := make([][]byte, len(sizes))
	for i, size := range sizes {
		bufs[i] = make([]byte, size)
		if err := b.ep.Recv(bufs[i], bToA, i); err != nil {
			t.Fatal(err)
		}
	}
	for i, size := range sizes {
		if err := a.ep.Send(testPayload(size), aToB, i); err != nil {
			t.Fatal(err)
		}
	}

	waitCQ(t, a, len(sizes), a, b)
	for i, c := range waitCQ(t, b, len(sizes), a, b) {
		if c.Err != nil || c.Len != sizes[c.Context.(int)] {
			t.Fatalf("receive %d completed with %v", i, c)
		}
	}

	// Messages are matched in order, thus every buffer got its size.
	for i, buf := range bufs {
		if !bytes.Equal(buf, testPayload(sizes[i])) {
			t.Fatalf("buffer %d holds another message", i)
		}
	}
}

func TestMediumReorder(t *testing.T) {
	f, a, b, aToB, bToA := testPair(t, testConfig(), testConfig())

	// Every segment of the first message is rejected once, so the second
	// message arrives ahead of it.
	rejected := make(map[uint64]bool)
	f.SetFilter(func(_, _ transport.Address, data []byte) fabric.Verdict {
		hdr, _, err := wire.Decode(data)
		if err != nil {
			return fabric.Deliver
		}
		if mh, ok := hdr.Body.(*wire.MediumRTMHdr); ok && mh.MsgID == 0 && !rejected[mh.SegOffset] {
			rejected[mh.SegOffset] = true
			return fabric.RNR
		}
		return fabric.Deliver
	})

	msgs := [][]byte{testPayload(20000), bytes.Repeat([]byte{0x42}, 25000)}
	bufs := [][]byte{make([]byte, 25000), make([]byte, 25000)}
	for i := range msgs {
		if err := b.ep.Recv(bufs[i], bToA, i); err != nil {
			t.Fatal(err)
		}
	}
	for i := range msgs {
		if err := a.ep.Send(msgs[i], aToB, i); err != nil {
			t.Fatal(err)
		}
	}

	waitCQ(t, a, 2, a, b)
	// The second message may complete first, but must match the second
	// receive.
	for _, c := range waitCQ(t, b, 2, a, b) {
		i := c.Context.(int)
		if c.Err != nil || c.Len != len(msgs[i]) {
			t.Fatalf("receive %d completed with %v", i, c)
		}
		if !bytes.Equal(bufs[i][:c.Len], msgs[i]) {
			t.Fatalf("message %d differs", i)
		}
	}

	if len(rejected) != 3 {
		t.Fatalf("%d segments were rejected", len(rejected))
	}
	if s := b.ep.Stats(); s.OutOfOrder == 0 {
		t.Fatal("no request arrived out of order")
	}
	if s := a.ep.Stats(); s.RNREvents != 3 || s.Retransmits != 3 {
		t.Fatalf("sender saw %d RNR events and %d retransmits", s.RNREvents, s.Retransmits)
	}
}

func TestRNRRetry(t *testing.T) {
	f, a, b, aToB, bToA := testPair(t, testConfig(), testConfig())

	rejects, bAddr := 4, b.ep.Address()
	f.SetFilter(func(_, dst transport.Address, _ []byte) fabric.Verdict {
		if dst == bAddr && rejects > 0 {
			rejects--
			return fabric.RNR
		}
		return fabric.Deliver
	})

	buf := make([]byte, 32)
	if err := b.ep.Recv(buf, bToA, nil); err != nil {
		t.Fatal(err)
	}
	if err := a.ep.Send([]byte("persistence"), aToB, nil); err != nil {
		t.Fatal(err)
	}

	if c := waitCQ(t, a, 1, a, b)[0]; c.Err != nil {
		t.Fatalf("send completed with %v", c)
	}
	if c := waitCQ(t, b, 1, a, b)[0]; c.Err != nil || string(buf[:c.Len]) != "persistence" {
		t.Fatalf("receive completed with %v", c)
	}

	s := a.ep.Stats()
	if s.RNREvents != 4 || s.Retransmits != 4 {
		t.Fatalf("sender saw %d RNR events and %d retransmits", s.RNREvents, s.Retransmits)
	}

	p, _ := a.ep.peers.Get(aToB)
	if p.InBackoff || p.RNRAttempts != 0 {
		t.Fatalf("peer is still in backoff after %d attempts", p.RNRAttempts)
	}
}

func TestRNRRetryExceeded(t *testing.T) {
	conf := testConfig()
	conf.RNRRetryLimit = 2
	f, a, b, aToB, _ := testPair(t, conf, testConfig())

	bAddr := b.ep.Address()
	f.SetFilter(func(_, dst transport.Address, _ []byte) fabric.Verdict {
		if dst == bAddr {
			return fabric.RNR
		}
		return fabric.Deliver
	})

	if err := a.ep.Send([]byte("never"), aToB, "doomed"); err != nil {
		t.Fatal(err)
	}

	c := waitCQ(t, a, 1, a, b)[0]
	if c.Context != "doomed" || !errors.Is(c.Err, ErrRNRRetryExceeded) {
		t.Fatalf("send completed with %v", c)
	}
	if s := a.ep.Stats(); s.RNREvents != 3 || s.Errors != 1 {
		t.Fatalf("sender saw %d RNR events and %d errors", s.RNREvents, s.Errors)
	}
}

func TestRNRRetryRecovers(t *testing.T) {
	conf := testConfig()
	conf.RNRRetryLimit = 2
	f, a, b, aToB, bToA := testPair(t, conf, testConfig())

	rejects, bAddr := -1, b.ep.Address()
	f.SetFilter(func(_, dst transport.Address, _ []byte) fabric.Verdict {
		if dst != bAddr || rejects == 0 {
			return fabric.Deliver
		}
		if rejects > 0 {
			rejects--
		}
		return fabric.RNR
	})

	if err := a.ep.Send([]byte("never"), aToB, "doomed"); err != nil {
		t.Fatal(err)
	}
	if c := waitCQ(t, a, 1, a, b)[0]; !errors.Is(c.Err, ErrRNRRetryExceeded) {
		t.Fatalf("send completed with %v", c)
	}

	rejects = 0
	handshake(t, a, b, aToB, bToA)

	// A single RNR of a later transfer is retried again.
	rejects = 1
	buf := make([]byte, 32)
	if err := b.ep.Recv(buf, bToA, "recv"); err != nil {
		t.Fatal(err)
	}
	if err := a.ep.Send([]byte("second chance"), aToB, "send"); err != nil {
		t.Fatal(err)
	}

	if c := waitCQ(t, a, 1, a, b)[0]; c.Err != nil || c.Context != "send" {
		t.Fatalf("send completed with %v", c)
	}
	if c := waitCQ(t, b, 1, a, b)[0]; c.Err != nil || string(buf[:c.Len]) != "second chance" {
		t.Fatalf("receive completed with %v", c)
	}
	if rejects != 0 {
		t.Fatal("the second transfer met no RNR")
	}

	p, _ := a.ep.peers.Get(aToB)
	if p.InBackoff || p.RNRAttempts != 0 {
		t.Fatalf("peer is still in backoff after %d attempts", p.RNRAttempts)
	}
}

// longCTSConfig sends a 40000 bytes message by the long CTS protocol in
// several DATA packets.
func longCTSConfig() Config {
	conf := testConfig()
	conf.MediumThreshold = 16 * 1024
	return conf
}

// dataSegments is the amount of DATA packets carrying n bytes over a Fabric.
func dataSegments(n int) int {
	seg := fabric.DefaultConfig(nil).MTU - wire.MaxHeaderLen(wire.TypeData, 0)
	return (n + seg - 1) / seg
}

func TestLongCTSExchange(t *testing.T) {
	f, a, b, aToB, bToA := testPair(t, longCTSConfig(), longCTSConfig())
	handshake(t, a, b, aToB, bToA)

	var order []wire.Type
	segments := make(map[uint64]uint64)
	f.SetTap(func(_, _ transport.Address, data []byte) {
		hdr, _, err := wire.Decode(data)
		if err != nil {
			t.Errorf("undecodable packet: %v", err)
			return
		}
		order = append(order, hdr.Type)

		if dh, ok := hdr.Body.(*wire.DataHdr); ok {
			if _, dup := segments[dh.SegOffset]; dup {
				t.Errorf("segment at %d was sent twice", dh.SegOffset)
			}
			segments[dh.SegOffset] = dh.SegLen
		}
	})

	data := testPayload(40000)
	buf := make([]byte, len(data))
	if err := b.ep.Recv(buf, bToA, "recv"); err != nil {
		t.Fatal(err)
	}
	if err := a.ep.Send(data, aToB, "send"); err != nil {
		t.Fatal(err)
	}

	if c := waitCQ(t, a, 1, a, b)[0]; c.Err != nil || c.Len != len(data) {
		t.Fatalf("send completed with %v", c)
	}
	if c := waitCQ(t, b, 1, a, b)[0]; c.Err != nil || c.Len != len(data) {
		t.Fatalf("receive completed with %v", c)
	}
	if !bytes.Equal(buf, data) {
		t.Fatal("received data differs")
	}

	if len(order) == 0 || order[0] != wire.TypeLongCTSMsgRTM {
		t.Fatalf("exchange did not start with the request: %v", order)
	}
	firstCTS, firstData := -1, -1
	for i, typ := range order {
		if typ == wire.TypeCTS && firstCTS < 0 {
			firstCTS = i
		}
		if typ == wire.TypeData && firstData < 0 {
			firstData = i
		}
	}
	if firstCTS < 0 || firstData < 0 || firstCTS > firstData {
		t.Fatalf("DATA was not preceded by a CTS: %v", order)
	}

	var total uint64
	for _, segLen := range segments {
		total += segLen
	}
	if total != uint64(len(data)) || len(segments) != dataSegments(len(data)) {
		t.Fatalf("%d segments carried %d bytes", len(segments), total)
	}
}

func TestRNRDuringData(t *testing.T) {
	f, a, b, aToB, bToA := testPair(t, longCTSConfig(), longCTSConfig())
	handshake(t, a, b, aToB, bToA)

	var dataPkts int
	var delivered uint64
	bAddr := b.ep.Address()
	f.SetFilter(func(_, dst transport.Address, data []byte) fabric.Verdict {
		hdr, _, err := wire.Decode(data)
		if err != nil || dst != bAddr || hdr.Type != wire.TypeData {
			return fabric.Deliver
		}

		dataPkts++
		if dataPkts == 3 {
			return fabric.RNR
		}
		delivered += hdr.Body.(*wire.DataHdr).SegLen
		return fabric.Deliver
	})

	data := testPayload(40000)
	buf := make([]byte, len(data))
	if err := b.ep.Recv(buf, bToA, "recv"); err != nil {
		t.Fatal(err)
	}
	if err := a.ep.Send(data, aToB, "send"); err != nil {
		t.Fatal(err)
	}

	if c := waitCQ(t, a, 1, a, b)[0]; c.Err != nil {
		t.Fatalf("send completed with %v", c)
	}
	if c := waitCQ(t, b, 1, a, b)[0]; c.Err != nil || c.Len != len(data) {
		t.Fatalf("receive completed with %v", c)
	}
	if !bytes.Equal(buf, data) {
		t.Fatal("received data differs")
	}

	if dataPkts != dataSegments(len(data))+1 || delivered != uint64(len(data)) {
		t.Fatalf("%d DATA packets delivered %d bytes", dataPkts, delivered)
	}
	if s := a.ep.Stats(); s.RNREvents != 1 || s.Retransmits != 1 {
		t.Fatalf("sender saw %d RNR events and %d retransmits", s.RNREvents, s.Retransmits)
	}
}

func TestDeliveryComplete(t *testing.T) {
	f, a, b, aToB, bToA := testPair(t, testConfig(), testConfig())
	counts := countTypes(f)

	data := testPayload(20000)
	iov := []hmem.IOV{{Buf: data}}

	// The first attempt has to wait for the handshake.
	err := a.ep.SendMsg(iov, aToB, "dc", FlagDeliveryComplete)
	if !errors.Is(err, ErrAgain) {
		t.Fatalf("delivery complete send before the handshake returned %v", err)
	}
	wait(t, func() bool {
		err = a.ep.SendMsg(iov, aToB, "dc", FlagDeliveryComplete)
		return !errors.Is(err, ErrAgain)
	}, a, b)
	if err != nil {
		t.Fatal(err)
	}

	// Without a receive, the message stays unexpected and the send pending.
	wait(t, func() bool { return b.ep.Stats().Unexpected == 1 }, a, b)
	for i := 0; i < 10; i++ {
		_ = a.ep.Progress()
		_ = b.ep.Progress()
	}
	if comps := a.ep.ReadCQ(0); len(comps) != 0 {
		t.Fatalf("send completed before its delivery: %v", comps)
	}

	buf := make([]byte, len(data))
	if err := b.ep.Recv(buf, bToA, nil); err != nil {
		t.Fatal(err)
	}
	waitCQ(t, b, 1, a, b)

	c := waitCQ(t, a, 1, a, b)[0]
	if c.Err != nil || c.Context != "dc" || !c.Flags.Has(FlagDeliveryComplete) {
		t.Fatalf("send completed with %v", c)
	}
	if counts[wire.TypeReceipt] != 1 {
		t.Fatalf("%d RECEIPT packets were sent", counts[wire.TypeReceipt])
	}
}

func TestMultiRecv(t *testing.T) {
	_, a, b, aToB, bToA := testPair(t, testConfig(), testConfig())

	// One message arrives before the buffer is posted.
	if err := a.ep.Send(bytes.Repeat([]byte{'0'}, 300), aToB, nil); err != nil {
		t.Fatal(err)
	}
	wait(t, func() bool { return b.ep.Stats().Unexpected == 1 }, a, b)

	multi := make([]byte, 1024)
	if err := b.ep.RecvMsg([]hmem.IOV{{Buf: multi}}, bToA, "multi", FlagMultiRecv); err != nil {
		t.Fatal(err)
	}
	for i := 1; i < 3; i++ {
		if err := a.ep.Send(bytes.Repeat([]byte{byte('0' + i)}, 300), aToB, nil); err != nil {
			t.Fatal(err)
		}
	}
	waitCQ(t, a, 3, a, b)

	comps := waitCQ(t, b, 3, a, b)
	for i, c := range comps {
		if c.Err != nil || c.Context != "multi" || c.Len != 300 {
			t.Fatalf("receive %d completed with %v", i, c)
		}
		if !bytes.Equal(c.Buf, bytes.Repeat([]byte{byte('0' + i)}, 300)) {
			t.Fatalf("receive %d points to %q", i, c.Buf[:8])
		}
		if &c.Buf[0] != &multi[300*i] {
			t.Fatalf("receive %d points outside of its slot", i)
		}

		// Less than MinMultiRecvSize is left after the third message.
		if last := i == 2; c.Flags.Has(FlagMultiRecv) != last {
			t.Fatalf("receive %d has flags %v", i, c.Flags)
		}
	}

	if s := b.ep.Stats(); s.RxEntries != 0 {
		t.Fatalf("%d receive entries are left", s.RxEntries)
	}
}

func TestCancel(t *testing.T) {
	_, a, b, aToB, bToA := testPair(t, testConfig(), testConfig())

	if err := b.ep.Recv(make([]byte, 8), bToA, "plain"); err != nil {
		t.Fatal(err)
	}
	if err := b.ep.RecvMsg([]hmem.IOV{{Buf: make([]byte, 4096)}}, bToA, "multi", FlagMultiRecv); err != nil {
		t.Fatal(err)
	}

	if err := b.ep.Cancel("plain"); err != nil {
		t.Fatal(err)
	}
	if err := b.ep.Cancel("plain"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Cancel returned %v", err)
	}
	if comps := b.ep.ReadCQ(0); len(comps) != 1 || !errors.Is(comps[0].Err, ErrCanceled) {
		t.Fatalf("Cancel produced %v", comps)
	}

	// A multi-recv buffer in use is released with its last message.
	if err := a.ep.Send([]byte("payload"), aToB, nil); err != nil {
		t.Fatal(err)
	}
	c := waitCQ(t, b, 1, a, b)[0]
	if c.Err != nil || c.Flags.Has(FlagMultiRecv) {
		t.Fatalf("multi-recv message completed with %v", c)
	}

	if err := b.ep.Cancel("multi"); err != nil {
		t.Fatal(err)
	}
	if comps := b.ep.ReadCQ(0); len(comps) != 1 || !comps[0].Flags.Has(FlagMultiRecv) {
		t.Fatalf("canceling the multi-recv buffer produced %v", comps)
	}
	if s := b.ep.Stats(); s.Canceled != 2 || s.RxEntries != 0 {
		t.Fatalf("%d receives canceled, %d entries left", s.Canceled, s.RxEntries)
	}
}

func TestDeferredRequests(t *testing.T) {
	conf := testConfig()
	conf.RxSize = 2
	_, a, b, aToB, bToA := testPair(t, testConfig(), conf)

	const count = 6
	for i := 0; i < count; i++ {
		if err := a.ep.Send([]byte{byte(i)}, aToB, nil); err != nil {
			t.Fatal(err)
		}
	}
	waitCQ(t, a, count, a, b)
	wait(t, func() bool { return b.ep.Stats().Deferred > 0 }, a, b)

	for i := 0; i < count; i++ {
		buf := make([]byte, 1)
		wait(t, func() bool { return b.ep.Recv(buf, bToA, i) == nil }, a, b)

		c := waitCQ(t, b, 1, a, b)[0]
		if c.Err != nil || buf[0] != byte(i) {
			t.Fatalf("receive %d completed with %v and %d", i, c, buf[0])
		}
	}

	if s := b.ep.Stats(); s.Backlog != 0 {
		t.Fatalf("%d requests are still deferred", s.Backlog)
	}
}

func TestCopyByRead(t *testing.T) {
	_, a, b, aToB, bToA := testPair(t, testConfig(), testConfig())

	dev := make([]byte, 200*1024)
	region, err := b.reg.Register(dev, hmem.AccessLocal, hmem.Device)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = b.reg.Deregister(region) }()

	data := testPayload(len(dev))
	if err := b.ep.RecvMsg([]hmem.IOV{{Buf: dev, Desc: region}}, bToA, nil, 0); err != nil {
		t.Fatal(err)
	}
	if err := a.ep.Send(data, aToB, nil); err != nil {
		t.Fatal(err)
	}

	waitCQ(t, a, 1, a, b)
	if c := waitCQ(t, b, 1, a, b)[0]; c.Err != nil || c.Len != len(data) {
		t.Fatalf("receive completed with %v", c)
	}
	if !bytes.Equal(dev, data) {
		t.Fatal("device buffer differs")
	}
	if s := b.ep.Stats(); s.CopyByRead == 0 {
		t.Fatal("no DATA packet was copied by read")
	}
}

func TestCancelIncomparable(t *testing.T) {
	_, _, b, _, bToA := testPair(t, testConfig(), testConfig())

	if err := b.ep.Recv(make([]byte, 8), bToA, []byte("ctx")); err != nil {
		t.Fatal(err)
	}
	if err := b.ep.Cancel([]byte("ctx")); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("Cancel by a slice returned %v", err)
	}
	if comps := b.ep.ReadCQ(0); len(comps) != 0 {
		t.Fatalf("failed Cancel produced %v", comps)
	}
}
