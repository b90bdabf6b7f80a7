// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rxr

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/dtn7/rxr-go/pkg/hmem"
	"github.com/dtn7/rxr-go/pkg/wire"
)

func TestApplyAtomic(t *testing.T) {
	tests := []struct {
		op       AtomicOp
		cur      uint64
		operand  uint64
		compare  uint64
		expected uint64
	}{
		{AtomicSum, 40, 2, 0, 42},
		{AtomicMin, 40, 2, 0, 2},
		{AtomicMax, 40, 2, 0, 40},
		{AtomicBOr, 0b1010, 0b0101, 0, 0b1111},
		{AtomicBAnd, 0b1110, 0b0111, 0, 0b0110},
		{AtomicBXor, 0b1110, 0b0111, 0, 0b1001},
		{AtomicWrite, 40, 2, 0, 2},
		{AtomicRead, 40, 2, 0, 40},
		{AtomicCSwap, 40, 2, 40, 2},
		{AtomicCSwap, 40, 2, 41, 40},
	}

	for _, test := range tests {
		target := binary.LittleEndian.AppendUint64(nil, test.cur)
		operands := binary.BigEndian.AppendUint64(nil, test.operand)
		compares := binary.BigEndian.AppendUint64(nil, test.compare)

		old := applyAtomic(test.op, target, operands, compares, 1)
		if v := binary.BigEndian.Uint64(old); v != test.cur {
			t.Fatalf("%v returned %d as former value, not %d", test.op, v, test.cur)
		}
		if v := binary.LittleEndian.Uint64(target); v != test.expected {
			t.Fatalf("%v on %d with %d resulted in %d, not %d", test.op, test.cur, test.operand, v, test.expected)
		}
	}
}

// exposeTarget registers memory of b for remote access.
func exposeTarget(t *testing.T, n *testNode, buf []byte, access hmem.Access) hmem.RMAIOV {
	t.Helper()

	region, err := n.reg.Register(buf, access, hmem.System)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = n.reg.Deregister(region) })

	return hmem.RMAIOV{Len: uint64(len(buf)), Key: region.Key()}
}

func TestRMAWriteRead(t *testing.T) {
	for _, useRead := range []bool{true, false} {
		name := "emulated"
		if useRead {
			name = "direct"
		}

		t.Run(name, func(t *testing.T) {
			conf := testConfig()
			conf.UseRead = useRead
			f, a, b, aToB, bToA := testPair(t, conf, conf)
			handshake(t, a, b, aToB, bToA)
			counts := countTypes(f)

			for _, size := range []int{100, 200 * 1024} {
				target := make([]byte, size)
				rma := exposeTarget(t, b, target, hmem.AccessRemoteRead|hmem.AccessRemoteWrite)

				data := testPayload(size)
				if err := a.ep.Write([]hmem.IOV{{Buf: data}}, aToB, []hmem.RMAIOV{rma}, "write"); err != nil {
					t.Fatal(err)
				}
				if c := waitCQ(t, a, 1, a, b)[0]; c.Err != nil || c.Context != "write" || !c.Flags.Has(FlagWrite|FlagRMA) {
					t.Fatalf("write of %d bytes completed with %v", size, c)
				}

				// An eager write is acknowledged by the transport only.
				wait(t, func() bool { return bytes.Equal(target, data) }, a, b)

				back := make([]byte, size)
				if err := a.ep.Read([]hmem.IOV{{Buf: back}}, aToB, []hmem.RMAIOV{rma}, "read"); err != nil {
					t.Fatal(err)
				}
				c := waitCQ(t, a, 1, a, b)[0]
				if c.Err != nil || c.Context != "read" || c.Len != size || !c.Flags.Has(FlagRead|FlagRMA) {
					t.Fatalf("read of %d bytes completed with %v", size, c)
				}
				if !bytes.Equal(back, data) {
					t.Fatalf("read of %d bytes differs", size)
				}
			}

			if useRead && counts[wire.TypeRTR] != 0 {
				t.Fatal("direct read was emulated")
			}
			if !useRead && counts[wire.TypeRTR] != 2 {
				t.Fatalf("%d RTR packets for two emulated reads", counts[wire.TypeRTR])
			}
			if counts[wire.TypeEagerRTW] != 1 || counts[wire.TypeLongCTSRTW] != 1 {
				t.Fatalf("unexpected write protocols: %v", counts)
			}
			if s := b.ep.Stats(); s.RemoteWrites != 2 {
				t.Fatalf("target counted %d remote writes", s.RemoteWrites)
			}
			if s := a.ep.Stats(); s.TxEntries != 0 || s.RxEntries != 0 || s.Reads != 0 {
				t.Fatalf("initiator keeps %d send, %d receive and %d read entries", s.TxEntries, s.RxEntries, s.Reads)
			}
		})
	}
}

func TestRMAZeroLength(t *testing.T) {
	_, a, b, aToB, _ := testPair(t, testConfig(), testConfig())
	rma := exposeTarget(t, b, make([]byte, 8), hmem.AccessRemoteRead)
	rma.Len = 0

	if err := a.ep.Read(nil, aToB, []hmem.RMAIOV{rma}, "nothing"); err != nil {
		t.Fatal(err)
	}
	if c := waitCQ(t, a, 1, a)[0]; c.Err != nil || c.Len != 0 {
		t.Fatalf("empty read completed with %v", c)
	}

	if err := a.ep.Read(make([]hmem.IOV, 1), aToB, nil, nil); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("read without remote IOVs returned %v", err)
	}
	if err := a.ep.Write([]hmem.IOV{{Buf: make([]byte, 4)}}, aToB, []hmem.RMAIOV{{Len: 8}}, nil); err == nil {
		t.Fatal("write with mismatching lengths was accepted")
	}
}

func TestRMARejected(t *testing.T) {
	for _, useRead := range []bool{true, false} {
		conf := testConfig()
		conf.UseRead = useRead
		_, a, b, aToB, bToA := testPair(t, conf, conf)
		handshake(t, a, b, aToB, bToA)

		readOnly := exposeTarget(t, b, make([]byte, 200*1024), hmem.AccessRemoteRead)
		writeOnly := exposeTarget(t, b, make([]byte, 64), hmem.AccessRemoteWrite)

		// A long write is rejected by its target's CTS.
		if err := a.ep.Write([]hmem.IOV{{Buf: make([]byte, 200*1024)}}, aToB, []hmem.RMAIOV{readOnly}, "long"); err != nil {
			t.Fatal(err)
		}
		if c := waitCQ(t, a, 1, a, b)[0]; !errors.Is(c.Err, ErrRemoteAccess) {
			t.Fatalf("rejected long write completed with %v", c)
		}

		// An eager write only reports to its target.
		if err := a.ep.Write([]hmem.IOV{{Buf: make([]byte, 64)}}, aToB, []hmem.RMAIOV{readOnly}, "eager"); err != nil {
			t.Fatal(err)
		}
		if c := waitCQ(t, a, 1, a, b)[0]; c.Err != nil {
			t.Fatalf("eager write completed with %v", c)
		}
		wait(t, func() bool { return len(b.eq) > 0 }, a, b)
		if ev := b.eq[0]; ev.Addr != bToA || !errors.Is(ev.Err, ErrRemoteAccess) {
			t.Fatalf("target reported %v", ev)
		}

		if err := a.ep.Read([]hmem.IOV{{Buf: make([]byte, 64)}}, aToB, []hmem.RMAIOV{writeOnly}, "read"); err != nil {
			t.Fatal(err)
		}
		if c := waitCQ(t, a, 1, a, b)[0]; !errors.Is(c.Err, ErrRemoteAccess) {
			t.Fatalf("rejected read completed with %v (direct: %t)", c, useRead)
		}

		if s := a.ep.Stats(); s.TxEntries != 0 || s.RxEntries != 0 || s.Reads != 0 {
			t.Fatalf("initiator keeps %d send, %d receive and %d read entries", s.TxEntries, s.RxEntries, s.Reads)
		}
	}
}

func TestAtomics(t *testing.T) {
	_, a, b, aToB, _ := testPair(t, testConfig(), testConfig())

	values := make([]byte, 4*8)
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint64(values[8*i:], uint64(i+1))
	}
	rma := exposeTarget(t, b, values, hmem.AccessRemoteRead|hmem.AccessRemoteWrite)
	target := func(i int) uint64 {
		return binary.LittleEndian.Uint64(values[8*i:])
	}

	// Fetching sum.
	result := make([]uint64, 4)
	if err := a.ep.Atomic(AtomicSum, []uint64{10, 10, 10, 10}, nil, result, aToB, rma, "sum"); err != nil {
		t.Fatal(err)
	}
	if c := waitCQ(t, a, 1, a, b)[0]; c.Err != nil || c.Context != "sum" || !c.Flags.Has(FlagAtomic|FlagRead) {
		t.Fatalf("fetching sum completed with %v", c)
	}
	for i, v := range result {
		if v != uint64(i+1) || target(i) != uint64(i+11) {
			t.Fatalf("value %d was %d and is %d", i, v, target(i))
		}
	}

	// Compare and swap on the second value only.
	second := hmem.RMAIOV{Addr: 8, Len: 8, Key: rma.Key}
	swapped := make([]uint64, 1)
	if err := a.ep.Atomic(AtomicCSwap, []uint64{99}, []uint64{12}, swapped, aToB, second, nil); err != nil {
		t.Fatal(err)
	}
	waitCQ(t, a, 1, a, b)
	if swapped[0] != 12 || target(1) != 99 || target(0) != 11 {
		t.Fatalf("compare and swap returned %d, values are %d and %d", swapped[0], target(0), target(1))
	}

	// A failed comparison leaves the value untouched.
	if err := a.ep.Atomic(AtomicCSwap, []uint64{7}, []uint64{12}, swapped, aToB, second, nil); err != nil {
		t.Fatal(err)
	}
	waitCQ(t, a, 1, a, b)
	if swapped[0] != 99 || target(1) != 99 {
		t.Fatalf("failed compare and swap returned %d, value is %d", swapped[0], target(1))
	}

	// A write without result completes on its transport acknowledgement.
	if err := a.ep.Atomic(AtomicWrite, []uint64{0, 0, 0, 0}, nil, nil, aToB, rma, "write"); err != nil {
		t.Fatal(err)
	}
	if c := waitCQ(t, a, 1, a, b)[0]; c.Err != nil || !c.Flags.Has(FlagAtomic|FlagWrite) {
		t.Fatalf("atomic write completed with %v", c)
	}
	wait(t, func() bool { return b.ep.Stats().Atomics == 4 }, a, b)

	read := make([]uint64, 4)
	if err := a.ep.Atomic(AtomicRead, nil, nil, read, aToB, rma, nil); err != nil {
		t.Fatal(err)
	}
	waitCQ(t, a, 1, a, b)
	for i, v := range read {
		if v != 0 {
			t.Fatalf("value %d reads %d after the write", i, v)
		}
	}

	// Invalid requests are refused locally.
	for _, err := range []error{
		a.ep.Atomic(AtomicSum, []uint64{1}, nil, nil, aToB, hmem.RMAIOV{Len: 12, Key: rma.Key}, nil),
		a.ep.Atomic(AtomicSum, []uint64{1, 2}, nil, nil, aToB, second, nil),
		a.ep.Atomic(AtomicCSwap, []uint64{1}, nil, swapped, aToB, second, nil),
		a.ep.Atomic(AtomicRead, nil, nil, nil, aToB, second, nil),
		a.ep.Atomic(AtomicOp(200), []uint64{1}, nil, nil, aToB, second, nil),
	} {
		if err == nil {
			t.Fatal("invalid atomic was accepted")
		}
	}
}

func TestAtomicRejected(t *testing.T) {
	_, a, b, aToB, bToA := testPair(t, testConfig(), testConfig())

	dev := make([]byte, 8)
	region, err := b.reg.Register(dev, hmem.AccessRemoteRead|hmem.AccessRemoteWrite, hmem.Device)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = b.reg.Deregister(region) }()
	readOnly := exposeTarget(t, b, make([]byte, 8), hmem.AccessRemoteRead)

	for _, rma := range []hmem.RMAIOV{
		{Len: 8, Key: region.Key()},
		readOnly,
	} {
		result := make([]uint64, 1)
		if err := a.ep.Atomic(AtomicSum, []uint64{1}, nil, result, aToB, rma, "rejected"); err != nil {
			t.Fatal(err)
		}
		if c := waitCQ(t, a, 1, a, b)[0]; !errors.Is(c.Err, ErrRemoteAccess) {
			t.Fatalf("rejected atomic completed with %v", c)
		}
	}

	// Rejected atomics without a result are reported to the target.
	if err := a.ep.Atomic(AtomicSum, []uint64{1}, nil, nil, aToB, readOnly, nil); err != nil {
		t.Fatal(err)
	}
	waitCQ(t, a, 1, a, b)
	wait(t, func() bool { return len(b.eq) > 0 }, a, b)
	if ev := b.eq[0]; ev.Addr != bToA || !errors.Is(ev.Err, ErrRemoteAccess) {
		t.Fatalf("target reported %v", ev)
	}
}
