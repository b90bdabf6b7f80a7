// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package transport defines the datagram transport an RxR endpoint runs on.
//
// A Transport sends and receives datagrams of at most MTU bytes without any
// ordering guarantee. Sends are either delivered into a posted receive
// buffer of the destination or complete with a StatusRNR, if the receiver
// had no buffer left. A datagram is delivered at most once. Every posted
// operation yields exactly one Completion, collected by Poll. Implementations live in the sub packages.
package transport

import (
	"errors"
	"fmt"

	"github.com/dtn7/rxr-go/pkg/hmem"
)

var (
	// ErrAgain is returned if a Transport's queue is full. The operation
	// should be retried after polling some completions.
	ErrAgain = errors.New("transport: resource temporarily unavailable")

	// ErrNotSupported is returned for operations outside a Transport's Caps.
	ErrNotSupported = errors.New("transport: operation not supported")

	// ErrClosed is returned after a Transport was closed.
	ErrClosed = errors.New("transport: closed")

	// ErrTooLarge is returned for datagrams exceeding the MTU.
	ErrTooLarge = errors.New("transport: datagram exceeds MTU")
)

// Address of a transport endpoint. Host and QPN address the endpoint, QKey
// identifies its incarnation: a restarted endpoint at the same Host and QPN
// gets a new QKey.
type Address struct {
	Host string
	QPN  uint16
	QKey uint32
}

// Endpoint returns this Address without its QKey.
func (a Address) Endpoint() Address {
	return Address{Host: a.Host, QPN: a.QPN}
}

// IsZero checks if this Address is unset.
func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) String() string {
	return fmt.Sprintf("%s/%d#%08x", a.Host, a.QPN, a.QKey)
}

// Op of a Completion.
type Op uint8

const (
	OpSend Op = iota
	OpRecv
	OpRead
)

func (op Op) String() string {
	switch op {
	case OpSend:
		return "send"
	case OpRecv:
		return "recv"
	case OpRead:
		return "read"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(op))
	}
}

// Status of a Completion.
type Status uint8

const (
	// StatusOK reports success.
	StatusOK Status = iota

	// StatusRNR reports that the receiver had no posted buffer.
	StatusRNR

	// StatusUnreachable reports an unknown or vanished destination.
	StatusUnreachable

	// StatusRemoteAccess reports a rejected remote memory access.
	StatusRemoteAccess

	// StatusFlushed reports an operation discarded by Close.
	StatusFlushed

	// StatusFatal reports a broken transport.
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRNR:
		return "receiver not ready"
	case StatusUnreachable:
		return "unreachable"
	case StatusRemoteAccess:
		return "remote access error"
	case StatusFlushed:
		return "flushed"
	case StatusFatal:
		return "fatal"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Completion of a posted operation.
type Completion struct {
	Op      Op
	Context any
	Len     int
	Status  Status

	// Src is set for received datagrams.
	Src Address
}

func (c Completion) String() string {
	return fmt.Sprintf("Completion(%v, len=%d, %v, src=%v)", c.Op, c.Len, c.Status, c.Src)
}

// Caps is a bit set of optional capabilities.
type Caps uint8

const (
	// CapRead marks support for PostRead.
	CapRead Caps = 1 << iota
)

// Has checks if all bits of other are set.
func (c Caps) Has(other Caps) bool {
	return c&other == other
}

// Transport is the capability consumed by an RxR endpoint. Implementations
// must be safe for concurrent use; Post methods never block.
type Transport interface {
	// Name of this Transport's kind, e.g., "fabric" or "shm".
	Name() string

	// Address of this endpoint.
	Address() Address

	// MTU is the maximum datagram size.
	MTU() int

	// Caps reports optional capabilities.
	Caps() Caps

	// MaxReadSize is the longest single read, zero without CapRead.
	MaxReadSize() int

	// PostSend gathers iov into one datagram to dst.
	PostSend(dst Address, iov []hmem.IOV, ctx any) error

	// PostRecv offers a buffer for one incoming datagram.
	PostRecv(buf []byte, ctx any) error

	// PostRead copies remote memory of src into local.
	PostRead(src Address, local []byte, remote hmem.RMAIOV, ctx any) error

	// Poll returns up to max Completions.
	Poll(max int) []Completion

	// Close this Transport. Outstanding operations complete as StatusFlushed.
	Close() error
}

// Gather copies iov into one datagram of at most mtu bytes.
func Gather(iov []hmem.IOV, mtu int) ([]byte, error) {
	n := hmem.TotalLen(iov)
	if n > mtu {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, n, mtu)
	}

	data := make([]byte, n)
	if _, err := hmem.CopyFrom(data, iov, 0); err != nil {
		return nil, err
	}
	return data, nil
}
