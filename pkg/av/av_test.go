// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package av

import (
	"errors"
	"os"
	"testing"

	"github.com/dtn7/rxr-go/pkg/transport"
)

func TestInsertResolve(t *testing.T) {
	av := New("node-a")

	local := transport.Address{Host: "node-a", QPN: 2, QKey: 1}
	remote := transport.Address{Host: "node-b", QPN: 1, QKey: 2}

	la, err := av.Insert(local)
	if err != nil {
		t.Fatal(err)
	}
	ra, err := av.Insert(remote)
	if err != nil {
		t.Fatal(err)
	}
	if la == ra {
		t.Fatalf("duplicate address %v", la)
	}

	if again, _ := av.Insert(remote); again != ra {
		t.Fatalf("reinsert returned %v instead of %v", again, ra)
	}

	if e, err := av.Resolve(la); err != nil || !e.IsLocal || e.Raw != local {
		t.Fatalf("Resolve(%v) = %v, %v", la, e, err)
	}
	if e, err := av.Resolve(ra); err != nil || e.IsLocal {
		t.Fatalf("Resolve(%v) = %v, %v", ra, e, err)
	}
	if _, err := av.Resolve(ra + 100); !errors.Is(err, ErrUnknownAddr) {
		t.Fatalf("Resolve of unknown address returned %v", err)
	}

	// The reverse lookup ignores the QKey.
	if e, ok := av.ReverseLookup(transport.Address{Host: "node-b", QPN: 1}); !ok || e.Addr != ra {
		t.Fatalf("ReverseLookup = %v, %t", e, ok)
	}
}

func TestQPReuse(t *testing.T) {
	av := New()

	var released []Addr
	av.SetReleaseFunc(func(addr Addr) error {
		released = append(released, addr)
		return nil
	})

	old, _ := av.Insert(transport.Address{Host: "b", QPN: 1, QKey: 10})
	reused, _ := av.Insert(transport.Address{Host: "b", QPN: 1, QKey: 20})

	if old == reused {
		t.Fatal("reused QP kept its address")
	}
	if len(released) != 1 || released[0] != old {
		t.Fatalf("released %v", released)
	}
	if _, err := av.Resolve(old); err == nil {
		t.Fatal("old incarnation is still resolvable")
	}

	e, _ := av.Resolve(reused)
	if e.PrevQKey != 10 || e.Raw.QKey != 20 {
		t.Fatalf("reused entry %v", e)
	}
	if av.Len() != 1 {
		t.Fatalf("Len is %d", av.Len())
	}
}

func TestRemoveBusy(t *testing.T) {
	av := New()
	addr, _ := av.Insert(transport.Address{Host: "b", QPN: 1, QKey: 1})

	busy := true
	av.SetReleaseFunc(func(Addr) error {
		if busy {
			return errors.New("transfers pending")
		}
		return nil
	})

	if err := av.Remove(addr); !errors.Is(err, ErrBusy) {
		t.Fatalf("Remove of busy address returned %v", err)
	}

	busy = false
	if err := av.Remove(addr); err != nil {
		t.Fatal(err)
	}
	if err := av.Remove(addr); !errors.Is(err, ErrUnknownAddr) {
		t.Fatalf("second Remove returned %v", err)
	}
}

func TestStorePersistence(t *testing.T) {
	dir, err := os.MkdirTemp("", "av")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	store, err := OpenStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	av := New("here")
	if err := av.Attach(store); err != nil {
		t.Fatal(err)
	}

	a, _ := av.Insert(transport.Address{Host: "here", QPN: 1, QKey: 1})
	b, _ := av.Insert(transport.Address{Host: "there", QPN: 1, QKey: 2})
	c, _ := av.Insert(transport.Address{Host: "there", QPN: 2, QKey: 3})
	if err := av.Remove(b); err != nil {
		t.Fatal(err)
	}

	if entries, err := store.QueryHost("there"); err != nil || len(entries) != 1 || entries[0].Addr != c {
		t.Fatalf("QueryHost returned %v, %v", entries, err)
	}

	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	store, err = OpenStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	restored := New("here")
	if err := restored.Attach(store); err != nil {
		t.Fatal(err)
	}
	if restored.Len() != 2 {
		t.Fatalf("restored %d entries", restored.Len())
	}
	if e, err := restored.Resolve(a); err != nil || !e.IsLocal {
		t.Fatalf("restored entry %v, %v", e, err)
	}

	// New addresses continue behind the restored ones.
	d, _ := restored.Insert(transport.Address{Host: "else", QPN: 1, QKey: 4})
	if d <= c {
		t.Fatalf("new address %v collides with restored ones", d)
	}
}
