// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/dtn7/cboring"
	"github.com/schollz/peerdiscovery"

	"github.com/dtn7/rxr-go/pkg/transport"
)

func TestAnnouncementsCbor(t *testing.T) {
	announcements := []Announcement{
		{Node: "alpha", Type: UDP, Port: 35040, QPN: 1, QKey: 0xdeadbeef},
		{Node: "beta", Type: QUIC, Port: 443, QPN: 65535, QKey: 0},
	}

	data, err := MarshalAnnouncements(announcements)
	if err != nil {
		t.Fatalf("Encoding failed: %v", err)
	}

	out, err := UnmarshalAnnouncements(data)
	if err != nil {
		t.Fatalf("Decoding failed: %v", err)
	}
	if !reflect.DeepEqual(announcements, out) {
		t.Fatalf("Decoded Announcements differ: %v became %v", announcements, out)
	}
}

func TestAnnouncementInvalid(t *testing.T) {
	buff := new(bytes.Buffer)
	_ = cboring.WriteArrayLength(5, buff)
	_ = cboring.WriteTextString("node", buff)
	_ = cboring.WriteUInt(23, buff)
	_ = cboring.WriteUInt(1, buff)
	_ = cboring.WriteUInt(1, buff)
	_ = cboring.WriteUInt(1, buff)

	var announcement Announcement
	if err := cboring.Unmarshal(&announcement, buff); err == nil {
		t.Fatal("Announcement with an unknown link type was decoded")
	}

	if _, err := UnmarshalAnnouncements([]byte{0x81, 0x82, 0x00}); err == nil {
		t.Fatal("Truncated Announcements were decoded")
	}
}

func TestManagerNotify(t *testing.T) {
	type found struct {
		linkType LinkType
		addr     transport.Address
	}
	var founds []found

	manager := &Manager{
		Node: "self",
		InsertFunc: func(linkType LinkType, addr transport.Address) {
			founds = append(founds, found{linkType, addr})
		},
		known: make(map[string]Announcement),
	}

	payload, err := MarshalAnnouncements([]Announcement{
		{Node: "self", Type: UDP, Port: 1000, QPN: 1, QKey: 1},
		{Node: "other", Type: UDP, Port: 1000, QPN: 2, QKey: 2},
		{Node: "other", Type: QUIC, Port: 1001, QPN: 3, QKey: 3},
	})
	if err != nil {
		t.Fatal(err)
	}

	manager.notify(peerdiscovery.Discovered{Address: "10.0.0.2", Payload: payload})
	manager.notify(peerdiscovery.Discovered{Address: "fe80::1%eth0", Payload: payload})
	manager.notify(peerdiscovery.Discovered{Address: "10.0.0.3", Payload: []byte("garbage")})

	expected := []found{
		{UDP, transport.Address{Host: "10.0.0.2:1000", QPN: 2, QKey: 2}},
		{QUIC, transport.Address{Host: "10.0.0.2:1001", QPN: 3, QKey: 3}},
		{UDP, transport.Address{Host: "[fe80::1]:1000", QPN: 2, QKey: 2}},
		{QUIC, transport.Address{Host: "[fe80::1]:1001", QPN: 3, QKey: 3}},
	}
	if !reflect.DeepEqual(founds, expected) {
		t.Fatalf("Discovered %v, expected %v", founds, expected)
	}

	// Repeated announcements are only passed on after a change.
	founds = nil
	manager.notify(peerdiscovery.Discovered{Address: "10.0.0.2", Payload: payload})
	if len(founds) != 0 {
		t.Fatalf("Repeated announcements were passed on: %v", founds)
	}

	restarted, err := MarshalAnnouncements([]Announcement{{Node: "other", Type: UDP, Port: 1000, QPN: 2, QKey: 42}})
	if err != nil {
		t.Fatal(err)
	}
	manager.notify(peerdiscovery.Discovered{Address: "10.0.0.2", Payload: restarted})

	expected = []found{{UDP, transport.Address{Host: "10.0.0.2:1000", QPN: 2, QKey: 42}}}
	if !reflect.DeepEqual(founds, expected) {
		t.Fatalf("Discovered %v after a restart, expected %v", founds, expected)
	}
}
