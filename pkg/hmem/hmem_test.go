// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package hmem

import (
	"bytes"
	"errors"
	"testing"
)

func TestRegistry(t *testing.T) {
	reg := NewRegistry(2)

	a, err := reg.Register(make([]byte, 16), AccessAll, System)
	if err != nil {
		t.Fatal(err)
	}
	b, err := reg.Register(make([]byte, 8), AccessLocal|AccessRemoteRead, Device)
	if err != nil {
		t.Fatal(err)
	}
	if a.Key() == b.Key() {
		t.Fatalf("duplicate keys %d", a.Key())
	}

	if _, err := reg.Register(nil, AccessAll, System); !errors.Is(err, ErrRegistration) {
		t.Fatalf("registration beyond limit returned %v", err)
	}

	if r, ok := reg.Lookup(b.Key()); !ok || r != b {
		t.Fatalf("Lookup(%d) = %v, %t", b.Key(), r, ok)
	}

	if err := reg.Deregister(a); err != nil {
		t.Fatal(err)
	}
	if err := reg.Deregister(a); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("double deregister returned %v", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("Len is %d", reg.Len())
	}
}

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry(0)
	buf := []byte("hello world")
	region, _ := reg.Register(buf, AccessLocal|AccessRemoteRead, System)

	tests := []struct {
		rma    RMAIOV
		access Access
		err    error
		data   []byte
	}{
		{RMAIOV{Addr: 6, Len: 5, Key: region.Key()}, AccessRemoteRead, nil, []byte("world")},
		{RMAIOV{Addr: 0, Len: 11, Key: region.Key()}, AccessRemoteRead, nil, buf},
		{RMAIOV{Addr: 6, Len: 6, Key: region.Key()}, AccessRemoteRead, ErrOutOfBounds, nil},
		{RMAIOV{Addr: 0, Len: 1, Key: region.Key()}, AccessRemoteWrite, ErrAccess, nil},
		{RMAIOV{Addr: 0, Len: 1, Key: region.Key() + 1}, AccessRemoteRead, ErrUnknownKey, nil},
	}

	for _, test := range tests {
		data, _, err := reg.Resolve(test.rma, test.access)
		if test.err != nil {
			if !errors.Is(err, test.err) {
				t.Fatalf("Resolve(%v) returned %v, expected %v", test.rma, err, test.err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Resolve(%v) failed: %v", test.rma, err)
		}
		if !bytes.Equal(data, test.data) {
			t.Fatalf("Resolve(%v) = %q, expected %q", test.rma, data, test.data)
		}
	}
}

func TestIOVCopy(t *testing.T) {
	reg := NewRegistry(0)
	devBuf := make([]byte, 4)
	dev, _ := reg.Register(devBuf, AccessLocal, Device)

	iov := []IOV{
		{Buf: make([]byte, 3)},
		{Buf: devBuf, Desc: dev},
		{Buf: make([]byte, 5)},
	}
	if TotalLen(iov) != 12 || !IsDevice(iov) {
		t.Fatalf("TotalLen %d, IsDevice %t", TotalLen(iov), IsDevice(iov))
	}

	before := DeviceCopies()
	if n, err := CopyTo(iov, 2, []byte("abcdefgh")); err != nil || n != 8 {
		t.Fatalf("CopyTo returned %d, %v", n, err)
	}
	if DeviceCopies() != before+1 {
		t.Fatalf("device copy was not used")
	}
	if string(devBuf) != "bcde" {
		t.Fatalf("device buffer is %q", devBuf)
	}

	out := make([]byte, 8)
	if n, err := CopyFrom(out, iov, 2); err != nil || n != 8 {
		t.Fatalf("CopyFrom returned %d, %v", n, err)
	}
	if string(out) != "abcdefgh" {
		t.Fatalf("CopyFrom read %q", out)
	}

	// Copies end at the last IOV.
	if n, _ := CopyTo(iov, 10, []byte("xyz")); n != 2 {
		t.Fatalf("CopyTo over the end copied %d bytes", n)
	}
}

func TestLocateAndSlice(t *testing.T) {
	iov := []IOV{{Buf: make([]byte, 3)}, {Buf: make([]byte, 4)}}

	tests := []struct {
		offset, idx, off int
	}{
		{0, 0, 0},
		{2, 0, 2},
		{3, 1, 0},
		{6, 1, 3},
		{7, 2, 0},
		{100, 2, 0},
	}
	for _, test := range tests {
		if idx, off := Locate(iov, test.offset); idx != test.idx || off != test.off {
			t.Fatalf("Locate(%d) = %d, %d; expected %d, %d", test.offset, idx, off, test.idx, test.off)
		}
	}

	s := Slice(iov, 2, 3)
	if len(s) != 2 || len(s[0].Buf) != 1 || len(s[1].Buf) != 2 {
		t.Fatalf("Slice returned %v", s)
	}
}

func TestRegionOffsetOf(t *testing.T) {
	reg := NewRegistry(0)
	buf := make([]byte, 64)
	region, err := reg.Register(buf, AccessAll, System)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		buf []byte
		off uint64
		ok  bool
	}{
		{buf, 0, true},
		{buf[10:20], 10, true},
		{buf[63:], 63, true},
		{buf[64:], 0, false},
		{make([]byte, 8), 0, false},
		{nil, 0, false},
	}

	for i, test := range tests {
		off, ok := region.OffsetOf(test.buf)
		if ok != test.ok || off != test.off {
			t.Fatalf("test %d: OffsetOf = %d, %t; expected %d, %t", i, off, ok, test.off, test.ok)
		}
	}
}
