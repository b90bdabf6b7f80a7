// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rxr

import (
	"fmt"

	"github.com/dtn7/rxr-go/pkg/av"
	"github.com/dtn7/rxr-go/pkg/bufpool"
	"github.com/dtn7/rxr-go/pkg/hmem"
	"github.com/dtn7/rxr-go/pkg/pkt"
	"github.com/dtn7/rxr-go/pkg/transport"
	"github.com/dtn7/rxr-go/pkg/wire"
)

// opKind of a transfer entry.
type opKind uint8

const (
	opMsg opKind = iota
	opTagged

	// opRead is a read issued by this Endpoint.
	opRead

	// opReadRsp serves a peer's emulated read.
	opReadRsp

	// opWrite is a write, issued by or targeting this Endpoint.
	opWrite

	opAtomic
)

// TxState of a send entry.
type TxState uint8

const (
	// TxReq entries have not yet posted their request.
	TxReq TxState = iota

	// TxQueuedCtrl entries wait for credits or packet buffers.
	TxQueuedCtrl

	// TxQueuedReqRNR entries retransmit a request after RNR.
	TxQueuedReqRNR

	// TxSend entries are within their data phase.
	TxSend

	// TxQueuedDataRNR entries retransmit data packets after RNR.
	TxQueuedDataRNR

	// TxWait entries wait for their peer, e.g., for a CTS, EOR or RECEIPT.
	TxWait

	TxComplete
)

func (s TxState) String() string {
	switch s {
	case TxReq:
		return "REQ"
	case TxQueuedCtrl:
		return "QUEUED_CTRL"
	case TxQueuedReqRNR:
		return "QUEUED_REQ_RNR"
	case TxSend:
		return "SEND"
	case TxQueuedDataRNR:
		return "QUEUED_DATA_RNR"
	case TxWait:
		return "WAIT"
	case TxComplete:
		return "COMPLETE"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// RxState of a receive entry.
type RxState uint8

const (
	RxInit RxState = iota

	// RxUnexp entries hold a message no receive was posted for.
	RxUnexp

	// RxMatched entries are bound to an application buffer.
	RxMatched

	// RxRecv entries receive data segments.
	RxRecv

	RxComplete
)

func (s RxState) String() string {
	switch s {
	case RxInit:
		return "INIT"
	case RxUnexp:
		return "UNEXP"
	case RxMatched:
		return "MATCHED"
	case RxRecv:
		return "RECV"
	case RxComplete:
		return "COMPLETE"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// queuedPkt is a packet waiting to be posted. Packets already posted once,
// i.e., RNR retransmissions, carry their entry; others are built on posting.
type queuedPkt struct {
	addr    av.Addr
	hdr     wire.Header
	owner   pkt.Owner
	payload []hmem.IOV
	entry   *pkt.Entry
}

// txEntry is an outgoing transfer.
type txEntry struct {
	handle bufpool.Handle
	op     opKind
	state  TxState
	proto  wire.Type

	addr  av.Addr
	ctx   any
	flags Flags
	tag   uint64

	iov      []hmem.IOV
	rma      []hmem.RMAIOV
	totalLen int

	// bytesSubmitted were posted, bytesAcked were acknowledged by the
	// transport. bytesSent is only set on completion, as it counts bytes
	// confirmed to the application.
	bytesSubmitted int
	bytesAcked     int
	bytesSent      int

	msgID  uint32
	rxID   uint64
	window int

	credits int

	// waitReceipt entries complete on an answer of their peer, which sets
	// receipt.
	waitReceipt bool
	receipt     bool

	reqPosted bool
	active    bool
	queued    bool
	queue     []*queuedPkt

	// regions were registered for this transfer and are released with it.
	regions []*hmem.Region

	atomicOp AtomicOp
	result   []uint64

	// internal entries serve a peer and produce no Completion.
	internal bool
}

func (tx *txEntry) id() uint64 {
	return tx.handle.Uint64()
}

func (tx *txEntry) String() string {
	return fmt.Sprintf("tx(%v, %v, %v, %d/%d)", tx.handle, tx.proto, tx.state, tx.bytesAcked, tx.totalLen)
}

// rxEntry is an incoming transfer or a posted receive.
type rxEntry struct {
	handle bufpool.Handle
	op     opKind
	state  RxState
	proto  wire.Type

	// addr is the source; av.AddrUnspec matches any source.
	addr  av.Addr
	ctx   any
	flags Flags

	tag    uint64
	ignore uint64

	iov      []hmem.IOV
	totalLen int

	// bytesArrived were received from the wire, bytesReceived are copied
	// into the buffer.
	bytesArrived  int
	bytesReceived int
	pendingCopies int

	msgID         uint32
	txID          uint64
	window        int
	creditRequest int

	deliveryComplete bool

	// unexp is the staged packet chain of an unexpected message.
	unexp *pkt.Entry

	readIOV []hmem.RMAIOV

	// Multi-recv buffers are masters of the entries consuming them.
	multiRecv bool
	master    bufpool.Handle
	consumed  int
	children  int
	detached  bool

	internal bool
	err      error
}

func (rx *rxEntry) id() uint64 {
	return rx.handle.Uint64()
}

// postedLen is the length of the bound application buffer.
func (rx *rxEntry) postedLen() int {
	return hmem.TotalLen(rx.iov)
}

// deliverLen is the amount of bytes handed to the application.
func (rx *rxEntry) deliverLen() int {
	return min(rx.totalLen, rx.postedLen())
}

func (rx *rxEntry) String() string {
	return fmt.Sprintf("rx(%v, %v, %v, %d/%d)", rx.handle, rx.proto, rx.state, rx.bytesReceived, rx.totalLen)
}

// readKind tells whose data a read moves.
type readKind uint8

const (
	// readLongRTM pulls a long read message.
	readLongRTM readKind = iota

	// readRMA serves an application's read.
	readRMA

	// readCopy moves a DATA payload from a packet buffer into device memory.
	readCopy
)

// readEntry is a read, split into segments by the read engine.
type readEntry struct {
	handle bufpool.Handle
	kind   readKind
	owner  pkt.Owner

	tps  *tpState
	addr av.Addr
	raw  transport.Address

	// ctx belongs to an application's read.
	ctx any

	local  []hmem.IOV
	remote []hmem.RMAIOV
	total  int

	submitted int
	completed int
	inflight  int
	queued    bool
	err       error

	// copyPkt and copyLen belong to readCopy.
	copyPkt *pkt.Entry
	copyLen int
}
