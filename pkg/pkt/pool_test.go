// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package pkt

import (
	"bytes"
	"testing"

	"github.com/dtn7/rxr-go/pkg/hmem"
)

func TestPoolAlloc(t *testing.T) {
	reg := hmem.NewRegistry(0)
	p, err := NewPool("tx", TypeTx, 3, 64, reg)
	if err != nil {
		t.Fatal(err)
	}
	if p.Region() == nil || reg.Len() != 1 {
		t.Fatal("pool slab was not registered")
	}

	var entries []*Entry
	for i := 0; i < 3; i++ {
		e, err := p.Alloc()
		if err != nil {
			t.Fatal(err)
		}
		if e.State != StateInUse || e.Type != TypeTx || len(e.Buf) != 64 {
			t.Fatalf("unexpected entry %v", e)
		}
		if e.IsRx() {
			t.Fatalf("tx entry %v has a receive link", e)
		}
		entries = append(entries, e)
	}

	if _, err := p.Alloc(); !IsExhausted(err) {
		t.Fatalf("Alloc on exhausted pool returned %v", err)
	}

	// Buffers must not overlap.
	entries[0].Buf[63] = 0xff
	if entries[1].Buf[0] == 0xff {
		t.Fatal("entry buffers overlap")
	}
	if entries[2].Offset() != 128 {
		t.Fatalf("third entry at offset %d", entries[2].Offset())
	}

	entries[1].Release()
	if p.InUse() != 2 {
		t.Fatalf("InUse is %d", p.InUse())
	}
	if _, err := p.Alloc(); err != nil {
		t.Fatal(err)
	}

	if err := p.Close(reg); err != nil {
		t.Fatal(err)
	}
	if reg.Len() != 0 {
		t.Fatal("slab is still registered")
	}
}

func TestEntryVariants(t *testing.T) {
	rx, _ := NewPool("rx", TypePosted, 2, 32, nil)
	tx, _ := NewPool("tx", TypeTx, 2, 32, nil)

	r1, _ := rx.Alloc()
	r2, _ := rx.Alloc()
	r1.Append(r2)
	if r1.Next() != r2 || r1.ChainLen() != 2 {
		t.Fatal("receive chain is broken")
	}

	s, _ := tx.Alloc()
	if s.Next() != nil {
		t.Fatal("send entry has a successor")
	}
	vec := &SendVec{IOV: []hmem.IOV{{Buf: make([]byte, 100)}}}
	s.SetSendVec(vec)
	s.Size = 20
	if s.SendVec() != vec || s.SendLen() != 120 {
		t.Fatalf("send vector is broken: %v", s.SendVec())
	}
	if r1.SendVec() != nil {
		t.Fatal("receive entry has a send vector")
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("append to send entry did not panic")
			}
		}()
		s.Append(r1)
	}()

	r1.Release()
	if rx.InUse() != 0 {
		t.Fatalf("chain release left %d entries", rx.InUse())
	}
}

func TestPoolClone(t *testing.T) {
	posted, _ := NewPool("posted", TypePosted, 4, 32, nil)
	unexp, _ := NewPool("unexp", TypeUnexp, 2, 32, nil)

	var head *Entry
	for i := 0; i < 2; i++ {
		e, _ := posted.Alloc()
		e.Addr = 7
		e.Size = copy(e.Buf, []byte{byte('a' + i), byte('A' + i)})
		if head == nil {
			head = e
		} else {
			head.Append(e)
		}
	}

	clone, err := unexp.Clone(head)
	if err != nil {
		t.Fatal(err)
	}
	if clone.Type != TypeUnexp || clone.ChainLen() != 2 || clone.Addr != 7 {
		t.Fatalf("clone %v is wrong", clone)
	}
	if !bytes.Equal(clone.Data(), []byte("aA")) || !bytes.Equal(clone.Next().Data(), []byte("bB")) {
		t.Fatal("clone data differs")
	}

	// A third chain element does not fit, nothing must be kept.
	third, _ := posted.Alloc()
	third.Size = 1
	head.Append(third)

	clone.Release()
	one, _ := unexp.Alloc()
	if c, err := unexp.Clone(head); !IsExhausted(err) || c != nil {
		t.Fatalf("partial clone returned %v, %v", c, err)
	}
	if unexp.InUse() != 1 {
		t.Fatalf("failed clone leaked %d entries", unexp.InUse()-1)
	}

	one.Release()
	head.Release()
}
