// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package srd

import (
	"encoding/binary"
	"fmt"
)

type frameKind uint8

const (
	frameData frameKind = iota + 1
	frameAck
	frameNack
	frameReject
)

func (k frameKind) String() string {
	switch k {
	case frameData:
		return "data"
	case frameAck:
		return "ack"
	case frameNack:
		return "nack"
	case frameReject:
		return "reject"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

const frameHeaderLen = 17

type frame struct {
	kind    frameKind
	id      uint64
	dstQKey uint32
	srcQKey uint32
	payload []byte
}

func (f frame) marshal() []byte {
	b := make([]byte, frameHeaderLen+len(f.payload))
	b[0] = uint8(f.kind)
	binary.BigEndian.PutUint64(b[1:9], f.id)
	binary.BigEndian.PutUint32(b[9:13], f.dstQKey)
	binary.BigEndian.PutUint32(b[13:17], f.srcQKey)
	copy(b[frameHeaderLen:], f.payload)
	return b
}

func unmarshalFrame(b []byte) (f frame, err error) {
	if len(b) < frameHeaderLen {
		err = fmt.Errorf("srd: frame of %d bytes is too short", len(b))
		return
	}

	f.kind = frameKind(b[0])
	f.id = binary.BigEndian.Uint64(b[1:9])
	f.dstQKey = binary.BigEndian.Uint32(b[9:13])
	f.srcQKey = binary.BigEndian.Uint32(b[13:17])
	f.payload = b[frameHeaderLen:]

	if f.kind < frameData || f.kind > frameReject {
		err = fmt.Errorf("srd: unknown frame kind %v", f.kind)
	}
	return
}

// dedup remembers the latest delivered frame ids of one source.
type dedup struct {
	ids   map[uint64]struct{}
	order []uint64
	limit int
}

func newDedup(limit int) *dedup {
	return &dedup{
		ids:   make(map[uint64]struct{}),
		limit: limit,
	}
}

func (d *dedup) seen(id uint64) bool {
	_, ok := d.ids[id]
	return ok
}

func (d *dedup) add(id uint64) {
	d.ids[id] = struct{}{}
	d.order = append(d.order, id)

	if len(d.order) > d.limit {
		delete(d.ids, d.order[0])
		d.order = d.order[1:]
	}
}
