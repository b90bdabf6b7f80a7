// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bufpool

import (
	"errors"
	"testing"
)

type testItem struct {
	Value int
}

func TestPoolAllocRelease(t *testing.T) {
	p := New[testItem]("test", 4)

	var handles []Handle
	for i := 0; i < 4; i++ {
		h, item, err := p.Alloc()
		if err != nil {
			t.Fatalf("Alloc %d failed: %v", i, err)
		}
		if item.Value != 0 {
			t.Fatalf("Alloc %d returned non-zeroed item: %v", i, item)
		}
		item.Value = i + 1
		handles = append(handles, h)
	}

	if _, _, err := p.Alloc(); !errors.Is(err, ErrExhausted) {
		t.Fatalf("Alloc on full pool returned %v", err)
	}
	if p.InUse() != 4 || p.Peak() != 4 {
		t.Fatalf("InUse %d, Peak %d", p.InUse(), p.Peak())
	}

	for i, h := range handles {
		if item, ok := p.Get(h); !ok || item.Value != i+1 {
			t.Fatalf("Get(%v) = %v, %t", h, item, ok)
		}
	}

	if err := p.Release(handles[1]); err != nil {
		t.Fatal(err)
	}
	if err := p.Release(handles[1]); !errors.Is(err, ErrStaleHandle) {
		t.Fatalf("double release returned %v", err)
	}

	h, item, err := p.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	if h.Index != handles[1].Index || h.Gen == handles[1].Gen {
		t.Fatalf("reused slot %v, old handle %v", h, handles[1])
	}
	if item.Value != 0 {
		t.Fatalf("recycled item not zeroed: %v", item)
	}
	if _, ok := p.Get(handles[1]); ok {
		t.Fatalf("stale handle %v resolved", handles[1])
	}
}

func TestHandleUint64(t *testing.T) {
	tests := []Handle{{0, 1}, {42, 7}, {1<<32 - 1, 1<<32 - 1}}

	for _, h := range tests {
		if h2 := HandleFromUint64(h.Uint64()); h2 != h {
			t.Fatalf("Handle %v became %v", h, h2)
		}
	}

	if !(Handle{}).IsZero() {
		t.Fatal("zero Handle is not zero")
	}
}

func TestPoolRange(t *testing.T) {
	p := New[testItem]("range", 8)
	for i := 0; i < 5; i++ {
		_, item, _ := p.Alloc()
		item.Value = i
	}

	sum := 0
	p.Range(func(_ Handle, item *testItem) bool {
		sum += item.Value
		return true
	})
	if sum != 0+1+2+3+4 {
		t.Fatalf("Range sum is %d", sum)
	}

	calls := 0
	p.Range(func(Handle, *testItem) bool {
		calls++
		return false
	})
	if calls != 1 {
		t.Fatalf("Range did not stop, %d calls", calls)
	}
}
