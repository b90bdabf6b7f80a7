// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/dtn7/cboring"

	"github.com/dtn7/rxr-go/pkg/transport"
)

// LinkType of an announced endpoint.
type LinkType uint64

const (
	// UDP is a plain datagram link.
	UDP LinkType = 0

	// QUIC carries datagrams within QUIC connections.
	QUIC LinkType = 1

	linkTypeEnd LinkType = 2
)

// CheckValid checks if this LinkType is known.
func (lt LinkType) CheckValid() error {
	if lt >= linkTypeEnd {
		return fmt.Errorf("unknown link type %d", uint64(lt))
	}
	return nil
}

func (lt LinkType) String() string {
	switch lt {
	case UDP:
		return "udp"
	case QUIC:
		return "quic"
	default:
		return "unknown"
	}
}

// Announcement of some node's endpoint.
type Announcement struct {
	Node string
	Type LinkType
	Port uint
	QPN  uint16
	QKey uint32
}

// Address of the announced endpoint, reachable on host.
func (announcement Announcement) Address(host string) transport.Address {
	return transport.Address{
		Host: net.JoinHostPort(host, strconv.FormatUint(uint64(announcement.Port), 10)),
		QPN:  announcement.QPN,
		QKey: announcement.QKey,
	}
}

// UnmarshalAnnouncements creates a new array of Announcement based on a CBOR byte string.
func UnmarshalAnnouncements(data []byte) (announcements []Announcement, err error) {
	buff := bytes.NewBuffer(data)

	if l, cErr := cboring.ReadArrayLength(buff); cErr != nil {
		err = cErr
		return
	} else {
		announcements = make([]Announcement, l)
	}

	for i := 0; i < len(announcements); i++ {
		if cErr := cboring.Unmarshal(&announcements[i], buff); cErr != nil {
			err = fmt.Errorf("unmarshalling Announcement %d failed: %v", i, cErr)
			return
		}
	}

	return
}

// MarshalAnnouncements into a CBOR byte string.
func MarshalAnnouncements(announcements []Announcement) (data []byte, err error) {
	buff := new(bytes.Buffer)

	if cErr := cboring.WriteArrayLength(uint64(len(announcements)), buff); cErr != nil {
		err = cErr
		return
	}

	for i := range announcements {
		announcement := announcements[i]
		if cErr := cboring.Marshal(&announcement, buff); cErr != nil {
			err = fmt.Errorf("marshalling Announcement %d (%v) failed: %v", i, announcement, cErr)
			return
		}
	}

	data = buff.Bytes()
	return
}

// MarshalCbor creates a CBOR representation for an Announcement.
func (announcement *Announcement) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(5, w); err != nil {
		return err
	}

	if err := cboring.WriteTextString(announcement.Node, w); err != nil {
		return err
	}
	for _, n := range []uint64{
		uint64(announcement.Type),
		uint64(announcement.Port),
		uint64(announcement.QPN),
		uint64(announcement.QKey),
	} {
		if err := cboring.WriteUInt(n, w); err != nil {
			return err
		}
	}

	return nil
}

// UnmarshalCbor creates an Announcement from its CBOR representation.
func (announcement *Announcement) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 5 {
		return fmt.Errorf("wrong array length: %d instead of 5", l)
	}

	if node, err := cboring.ReadTextString(r); err != nil {
		return err
	} else {
		announcement.Node = node
	}

	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else if linkType := LinkType(n); linkType.CheckValid() != nil {
		return linkType.CheckValid()
	} else {
		announcement.Type = linkType
	}

	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else if n > 0xffff {
		return fmt.Errorf("port %d is out of range", n)
	} else {
		announcement.Port = uint(n)
	}

	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else if n > 0xffff {
		return fmt.Errorf("QPN %d is out of range", n)
	} else {
		announcement.QPN = uint16(n)
	}

	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else if n > 0xffffffff {
		return fmt.Errorf("QKey %d is out of range", n)
	} else {
		announcement.QKey = uint32(n)
	}

	return nil
}

func (announcement Announcement) String() string {
	return fmt.Sprintf("Announcement(%s,%v,%d,%d,%08x)",
		announcement.Node, announcement.Type, announcement.Port, announcement.QPN, announcement.QKey)
}
