// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package pkt implements packet entries, the wire buffers backing exactly
// one in-flight datagram, and the fixed-size pools they are allocated from.
package pkt

import (
	"fmt"

	"github.com/dtn7/rxr-go/pkg/bufpool"
	"github.com/dtn7/rxr-go/pkg/hmem"
)

// Type names the pool, and therefore the purpose, of an Entry.
type Type uint8

const (
	// TypeTx entries carry outgoing packets or serve as read contexts.
	TypeTx Type = iota + 1

	// TypePosted entries are bound to a posted receive slot of a transport.
	TypePosted

	// TypeUnexp entries stage packets of unexpected messages.
	TypeUnexp

	// TypeOOO entries stage packets arriving ahead of their sequence.
	TypeOOO

	// TypeReadCopy entries are the contexts of local reads copying payloads
	// into device memory.
	TypeReadCopy
)

func (t Type) String() string {
	switch t {
	case TypeTx:
		return "tx"
	case TypePosted:
		return "posted"
	case TypeUnexp:
		return "unexp"
	case TypeOOO:
		return "ooo"
	case TypeReadCopy:
		return "read-copy"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// isRx checks if entries of this Type are receive buffers.
func (t Type) isRx() bool {
	return t != TypeTx
}

// State of an Entry: Free -> InUse -> {RNRRetransmit | CopyByRead} -> Free.
type State uint8

const (
	StateFree State = iota
	StateInUse
	StateRNRRetransmit
	StateCopyByRead
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateInUse:
		return "in-use"
	case StateRNRRetransmit:
		return "rnr-retransmit"
	case StateCopyByRead:
		return "copy-by-read"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// OwnerKind tells which pool an Owner handle refers to.
type OwnerKind uint8

const (
	OwnerNone OwnerKind = iota
	OwnerTx
	OwnerRx
	OwnerRead
)

// Owner is a weak reference to the transfer entry an Entry belongs to.
type Owner struct {
	Kind   OwnerKind
	Handle bufpool.Handle
}

// SendVec is a scatter list sent behind an Entry's header without copying.
type SendVec struct {
	IOV []hmem.IOV
}

// link is the lifecycle dependent part of an Entry. Receive entries are
// chained for reassembly, send entries may carry a SendVec.
type link interface {
	isLink()
}

type rxLink struct {
	next *Entry
}

type txLink struct {
	send *SendVec
}

func (rxLink) isLink() {}
func (txLink) isLink() {}

// Entry is one packet buffer.
type Entry struct {
	pool   *Pool
	handle bufpool.Handle
	link   link

	Type  Type
	State State
	Owner Owner

	// Addr is the peer's address, the destination or the source.
	Addr uint64

	// Local is set for entries of the loopback transport.
	Local bool

	// Size of the valid bytes in Buf.
	Size int

	// Buf spans the whole buffer of this Entry.
	Buf []byte
}

// Data returns the valid bytes of this Entry.
func (e *Entry) Data() []byte {
	return e.Buf[:e.Size]
}

// Pool returns the Pool this Entry belongs to.
func (e *Entry) Pool() *Pool {
	return e.pool
}

// Offset of this Entry's buffer within its Pool's registered region.
func (e *Entry) Offset() uint64 {
	return uint64(e.handle.Index) * uint64(e.pool.entrySize)
}

// IsRx checks if this Entry is a receive buffer.
func (e *Entry) IsRx() bool {
	_, ok := e.link.(*rxLink)
	return ok
}

// Next returns the following Entry of a receive chain.
func (e *Entry) Next() *Entry {
	if l, ok := e.link.(*rxLink); ok {
		return l.next
	}
	return nil
}

// Append tail to the end of this receive chain.
func (e *Entry) Append(tail *Entry) {
	cur := e
	for {
		l, ok := cur.link.(*rxLink)
		if !ok {
			panic(fmt.Sprintf("pkt: append to %v entry", cur.Type))
		}
		if l.next == nil {
			l.next = tail
			return
		}
		cur = l.next
	}
}

// ChainLen returns the amount of Entries in this receive chain.
func (e *Entry) ChainLen() (n int) {
	for cur := e; cur != nil; cur = cur.Next() {
		n++
	}
	return
}

// SendVec returns the scatter list of a send Entry, if any.
func (e *Entry) SendVec() *SendVec {
	if l, ok := e.link.(*txLink); ok {
		return l.send
	}
	return nil
}

// SetSendVec attaches a scatter list to a send Entry.
func (e *Entry) SetSendVec(v *SendVec) {
	l, ok := e.link.(*txLink)
	if !ok {
		panic(fmt.Sprintf("pkt: send vector for %v entry", e.Type))
	}
	l.send = v
}

// SendLen returns the bytes to be sent: the header in Buf and the SendVec.
func (e *Entry) SendLen() int {
	n := e.Size
	if v := e.SendVec(); v != nil {
		n += hmem.TotalLen(v.IOV)
	}
	return n
}

// Release this Entry and every Entry chained behind it.
func (e *Entry) Release() {
	for cur := e; cur != nil; {
		if cur.pool == nil {
			panic("pkt: release of a free entry")
		}
		next := cur.Next()
		cur.pool.release(cur)
		cur = next
	}
}

func (e *Entry) String() string {
	return fmt.Sprintf("pkt.Entry(%s %v, %v, size=%d)", e.Type, e.handle, e.State, e.Size)
}
