// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package av

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold"

	"github.com/dtn7/rxr-go/pkg/transport"
)

// addrItem is the persisted form of an Entry.
type addrItem struct {
	Addr     uint64 `badgerhold:"key"`
	Host     string `badgerholdIndex:"Host"`
	QPN      uint16
	QKey     uint32
	PrevQKey uint32
}

// Store persists the Entries of an AddressVector across restarts.
type Store struct {
	bh *badgerhold.Store
}

// OpenStore creates or opens a Store within dir.
func OpenStore(dir string) (s *Store, err error) {
	opts := badgerhold.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	opts.Logger = log.StandardLogger()

	if dirErr := os.MkdirAll(dir, 0700); dirErr != nil {
		err = dirErr
		return
	}

	if bh, bhErr := badgerhold.Open(opts); bhErr != nil {
		err = bhErr
	} else {
		s = &Store{bh: bh}
	}
	return
}

// Close the Store. It must not be used afterwards.
func (s *Store) Close() error {
	return s.bh.Close()
}

// Put an Entry, replacing an existing one.
func (s *Store) Put(e Entry) error {
	return s.bh.Upsert(uint64(e.Addr), addrItem{
		Addr:     uint64(e.Addr),
		Host:     e.Raw.Host,
		QPN:      e.Raw.QPN,
		QKey:     e.Raw.QKey,
		PrevQKey: e.PrevQKey,
	})
}

// Delete the Entry of an address.
func (s *Store) Delete(addr Addr) error {
	err := s.bh.Delete(uint64(addr), addrItem{})
	if err == badgerhold.ErrNotFound {
		return nil
	}
	return err
}

// QueryHost returns all persisted Entries of a host.
func (s *Store) QueryHost(host string) (entries []Entry, err error) {
	var items []addrItem
	if err = s.bh.Find(&items, badgerhold.Where("Host").Eq(host)); err != nil {
		return
	}

	for _, item := range items {
		entries = append(entries, item.entry())
	}
	return
}

func (item addrItem) entry() Entry {
	return Entry{
		Addr:     Addr(item.Addr),
		Raw:      transport.Address{Host: item.Host, QPN: item.QPN, QKey: item.QKey},
		PrevQKey: item.PrevQKey,
	}
}

// load every persisted Entry.
func (s *Store) load() (entries []Entry, err error) {
	var items []addrItem
	if err = s.bh.Find(&items, nil); err != nil {
		return
	}

	for _, item := range items {
		entries = append(entries, item.entry())
	}
	return
}

// Attach a Store to this AddressVector. Persisted Entries are restored,
// keeping their addresses, and future changes are written through.
func (av *AddressVector) Attach(s *Store) error {
	entries, err := s.load()
	if err != nil {
		return err
	}

	av.mutex.Lock()
	defer av.mutex.Unlock()

	for _, e := range entries {
		e := e
		e.IsLocal = av.localHosts[e.Raw.Host]
		av.entries[e.Addr] = &e
		av.reverse[e.Raw.Endpoint()] = e.Addr
		if e.Addr >= av.nextAddr {
			av.nextAddr = e.Addr + 1
		}
	}

	for _, e := range av.entries {
		if err := s.Put(*e); err != nil {
			return err
		}
	}
	av.store = s

	log.WithField("entries", len(entries)).Info("Address vector restored persisted addresses")
	return nil
}
