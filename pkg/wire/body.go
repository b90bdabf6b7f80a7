// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"fmt"
	"io"

	"github.com/dtn7/cboring"

	"github.com/dtn7/rxr-go/pkg/hmem"
)

// Body is the type specific part of a packet header.
type Body interface {
	cboring.CborMarshaler
}

func writeUInts(w io.Writer, fields ...uint64) error {
	if err := cboring.WriteArrayLength(uint64(len(fields)), w); err != nil {
		return err
	}
	for _, f := range fields {
		if err := cboring.WriteUInt(f, w); err != nil {
			return err
		}
	}
	return nil
}

func readUInts(r io.Reader, fields ...*uint64) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != uint64(len(fields)) {
		return fmt.Errorf("wrong array length: %d instead of %d", l, len(fields))
	}
	for _, f := range fields {
		if x, err := cboring.ReadUInt(r); err != nil {
			return err
		} else {
			*f = x
		}
	}
	return nil
}

func writeRMAIOVs(w io.Writer, rma []hmem.RMAIOV) error {
	if err := cboring.WriteArrayLength(uint64(len(rma)), w); err != nil {
		return err
	}
	for _, v := range rma {
		if err := writeUInts(w, v.Addr, v.Len, v.Key); err != nil {
			return err
		}
	}
	return nil
}

// MaxRMAIOVs limits RMAIOV lists, a packet never holds more.
const MaxRMAIOVs = 64

func readRMAIOVs(r io.Reader) (rma []hmem.RMAIOV, err error) {
	l, lErr := cboring.ReadArrayLength(r)
	if lErr != nil {
		err = lErr
		return
	} else if l > MaxRMAIOVs {
		err = fmt.Errorf("too many RMA IOVs: %d", l)
		return
	}

	rma = make([]hmem.RMAIOV, l)
	for i := range rma {
		if err = readUInts(r, &rma[i].Addr, &rma[i].Len, &rma[i].Key); err != nil {
			return
		}
	}
	return
}

// HandshakeHdr advertises a peer's capabilities.
type HandshakeHdr struct {
	MaxVersion uint8
	Features   Features
}

func (h *HandshakeHdr) MarshalCbor(w io.Writer) error {
	return writeUInts(w, uint64(h.MaxVersion), uint64(h.Features))
}

func (h *HandshakeHdr) UnmarshalCbor(r io.Reader) error {
	var version, features uint64
	if err := readUInts(r, &version, &features); err != nil {
		return err
	} else if version > 255 {
		return fmt.Errorf("protocol version %d exceeds a byte", version)
	}

	h.MaxVersion = uint8(version)
	h.Features = Features(features)
	return nil
}

// EagerRTMHdr starts a message whose payload fits into this packet. TxID is
// only used to address a RECEIPT.
type EagerRTMHdr struct {
	Tag  uint64
	TxID uint64
}

func (h *EagerRTMHdr) MarshalCbor(w io.Writer) error {
	return writeUInts(w, h.Tag, h.TxID)
}

func (h *EagerRTMHdr) UnmarshalCbor(r io.Reader) error {
	return readUInts(r, &h.Tag, &h.TxID)
}

// MediumRTMHdr carries one segment of a medium message.
type MediumRTMHdr struct {
	MsgID     uint32
	Tag       uint64
	TxID      uint64
	TotalLen  uint64
	SegOffset uint64
}

func (h *MediumRTMHdr) MarshalCbor(w io.Writer) error {
	return writeUInts(w, uint64(h.MsgID), h.Tag, h.TxID, h.TotalLen, h.SegOffset)
}

func (h *MediumRTMHdr) UnmarshalCbor(r io.Reader) error {
	var msgID uint64
	if err := readUInts(r, &msgID, &h.Tag, &h.TxID, &h.TotalLen, &h.SegOffset); err != nil {
		return err
	}
	h.MsgID = uint32(msgID)
	return nil
}

// LongCTSRTMHdr announces a long message, whose payload follows in DATA
// packets after the receiver granted a window by a CTS.
type LongCTSRTMHdr struct {
	MsgID         uint32
	Tag           uint64
	TxID          uint64
	TotalLen      uint64
	CreditRequest uint64
}

func (h *LongCTSRTMHdr) MarshalCbor(w io.Writer) error {
	return writeUInts(w, uint64(h.MsgID), h.Tag, h.TxID, h.TotalLen, h.CreditRequest)
}

func (h *LongCTSRTMHdr) UnmarshalCbor(r io.Reader) error {
	var msgID uint64
	if err := readUInts(r, &msgID, &h.Tag, &h.TxID, &h.TotalLen, &h.CreditRequest); err != nil {
		return err
	}
	h.MsgID = uint32(msgID)
	return nil
}

// LongReadRTMHdr announces a long message to be pulled by an RDMA read.
type LongReadRTMHdr struct {
	MsgID    uint32
	Tag      uint64
	TxID     uint64
	TotalLen uint64
	ReadIOV  []hmem.RMAIOV
}

func (h *LongReadRTMHdr) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := writeUInts(w, uint64(h.MsgID), h.Tag, h.TxID, h.TotalLen); err != nil {
		return err
	}
	return writeRMAIOVs(w, h.ReadIOV)
}

func (h *LongReadRTMHdr) UnmarshalCbor(r io.Reader) (err error) {
	if l, lErr := cboring.ReadArrayLength(r); lErr != nil {
		return lErr
	} else if l != 2 {
		return fmt.Errorf("wrong array length: %d instead of 2", l)
	}

	var msgID uint64
	if err = readUInts(r, &msgID, &h.Tag, &h.TxID, &h.TotalLen); err != nil {
		return
	}
	h.MsgID = uint32(msgID)

	h.ReadIOV, err = readRMAIOVs(r)
	return
}

// CTSHdr grants the sender TxID a window of Window bytes towards RxID.
type CTSHdr struct {
	TxID   uint64
	RxID   uint64
	Window uint64
}

func (h *CTSHdr) MarshalCbor(w io.Writer) error {
	return writeUInts(w, h.TxID, h.RxID, h.Window)
}

func (h *CTSHdr) UnmarshalCbor(r io.Reader) error {
	return readUInts(r, &h.TxID, &h.RxID, &h.Window)
}

// DataHdr carries SegLen bytes at SegOffset of the receive entry RxID.
type DataHdr struct {
	RxID      uint64
	SegOffset uint64
	SegLen    uint64
}

func (h *DataHdr) MarshalCbor(w io.Writer) error {
	return writeUInts(w, h.RxID, h.SegOffset, h.SegLen)
}

func (h *DataHdr) UnmarshalCbor(r io.Reader) error {
	return readUInts(r, &h.RxID, &h.SegOffset, &h.SegLen)
}

// ReadRspHdr is the first response to an RTR and carries its first segment.
type ReadRspHdr struct {
	RxID   uint64
	TxID   uint64
	SegLen uint64
}

func (h *ReadRspHdr) MarshalCbor(w io.Writer) error {
	return writeUInts(w, h.RxID, h.TxID, h.SegLen)
}

func (h *ReadRspHdr) UnmarshalCbor(r io.Reader) error {
	return readUInts(r, &h.RxID, &h.TxID, &h.SegLen)
}

// EORHdr tells a LONGREAD sender that its payload was read.
type EORHdr struct {
	TxID uint64
	RxID uint64
}

func (h *EORHdr) MarshalCbor(w io.Writer) error {
	return writeUInts(w, h.TxID, h.RxID)
}

func (h *EORHdr) UnmarshalCbor(r io.Reader) error {
	return readUInts(r, &h.TxID, &h.RxID)
}

// ReceiptHdr acknowledges the delivery of TxID's message.
type ReceiptHdr struct {
	TxID  uint64
	MsgID uint32
}

func (h *ReceiptHdr) MarshalCbor(w io.Writer) error {
	return writeUInts(w, h.TxID, uint64(h.MsgID))
}

func (h *ReceiptHdr) UnmarshalCbor(r io.Reader) error {
	var msgID uint64
	if err := readUInts(r, &h.TxID, &msgID); err != nil {
		return err
	}
	h.MsgID = uint32(msgID)
	return nil
}

// AtomRspHdr answers a FETCH_RTA or COMPARE_RTA, the payload holds the
// original values.
type AtomRspHdr struct {
	TxID uint64
}

func (h *AtomRspHdr) MarshalCbor(w io.Writer) error {
	return writeUInts(w, h.TxID)
}

func (h *AtomRspHdr) UnmarshalCbor(r io.Reader) error {
	return readUInts(r, &h.TxID)
}

// RTWHdr starts an RMA write. For LONGCTS_RTW, TxID, TotalLen and
// CreditRequest are set and the payload follows in DATA packets.
type RTWHdr struct {
	TxID          uint64
	TotalLen      uint64
	CreditRequest uint64
	RMA           []hmem.RMAIOV
}

func (h *RTWHdr) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := writeUInts(w, h.TxID, h.TotalLen, h.CreditRequest); err != nil {
		return err
	}
	return writeRMAIOVs(w, h.RMA)
}

func (h *RTWHdr) UnmarshalCbor(r io.Reader) (err error) {
	if l, lErr := cboring.ReadArrayLength(r); lErr != nil {
		return lErr
	} else if l != 2 {
		return fmt.Errorf("wrong array length: %d instead of 2", l)
	}

	if err = readUInts(r, &h.TxID, &h.TotalLen, &h.CreditRequest); err != nil {
		return
	}
	h.RMA, err = readRMAIOVs(r)
	return
}

// RTRHdr requests the responder to send the memory addressed by RMA into
// the requester's receive entry RxID, limited to Window bytes until the next
// CTS.
type RTRHdr struct {
	RxID   uint64
	Window uint64
	RMA    []hmem.RMAIOV
}

func (h *RTRHdr) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := writeUInts(w, h.RxID, h.Window); err != nil {
		return err
	}
	return writeRMAIOVs(w, h.RMA)
}

func (h *RTRHdr) UnmarshalCbor(r io.Reader) (err error) {
	if l, lErr := cboring.ReadArrayLength(r); lErr != nil {
		return lErr
	} else if l != 2 {
		return fmt.Errorf("wrong array length: %d instead of 2", l)
	}

	if err = readUInts(r, &h.RxID, &h.Window); err != nil {
		return
	}
	h.RMA, err = readRMAIOVs(r)
	return
}

// RTAHdr requests an atomic operation on Count uint64 values at RMA. The
// payload holds the operands, followed by the compare values for a
// COMPARE_RTA.
type RTAHdr struct {
	TxID  uint64
	Op    uint8
	Count uint64
	RMA   []hmem.RMAIOV
}

func (h *RTAHdr) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := writeUInts(w, h.TxID, uint64(h.Op), h.Count); err != nil {
		return err
	}
	return writeRMAIOVs(w, h.RMA)
}

func (h *RTAHdr) UnmarshalCbor(r io.Reader) (err error) {
	if l, lErr := cboring.ReadArrayLength(r); lErr != nil {
		return lErr
	} else if l != 2 {
		return fmt.Errorf("wrong array length: %d instead of 2", l)
	}

	var op uint64
	if err = readUInts(r, &h.TxID, &op, &h.Count); err != nil {
		return
	} else if op > 255 {
		return fmt.Errorf("atomic op %d exceeds a byte", op)
	}
	h.Op = uint8(op)

	h.RMA, err = readRMAIOVs(r)
	return
}

// newBody returns an empty Body for a Type.
func newBody(t Type) (Body, error) {
	switch t {
	case TypeHandshake:
		return &HandshakeHdr{}, nil
	case TypeCTS:
		return &CTSHdr{}, nil
	case TypeData:
		return &DataHdr{}, nil
	case TypeReadRsp:
		return &ReadRspHdr{}, nil
	case TypeEOR:
		return &EORHdr{}, nil
	case TypeReceipt:
		return &ReceiptHdr{}, nil
	case TypeAtomRsp:
		return &AtomRspHdr{}, nil
	case TypeEagerMsgRTM, TypeEagerTagRTM:
		return &EagerRTMHdr{}, nil
	case TypeMediumMsgRTM, TypeMediumTagRTM:
		return &MediumRTMHdr{}, nil
	case TypeLongCTSMsgRTM, TypeLongCTSTagRTM:
		return &LongCTSRTMHdr{}, nil
	case TypeLongReadMsgRTM, TypeLongReadTagRTM:
		return &LongReadRTMHdr{}, nil
	case TypeEagerRTW, TypeLongCTSRTW:
		return &RTWHdr{}, nil
	case TypeRTR:
		return &RTRHdr{}, nil
	case TypeWriteRTA, TypeFetchRTA, TypeCompareRTA:
		return &RTAHdr{}, nil
	default:
		return nil, fmt.Errorf("unknown packet type %v", t)
	}
}
