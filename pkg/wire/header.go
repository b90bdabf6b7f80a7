// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/howeyc/crc16"
)

const (
	baseHeaderLen   = 4
	connIDHeaderLen = 4
	qkeyHeaderLen   = 8
	crcLen          = 2

	// cborUIntMax is the longest CBOR encoding of an unsigned integer.
	cborUIntMax = 9

	// rmaIOVMax is the longest CBOR encoding of one RMAIOV.
	rmaIOVMax = 1 + 3*cborUIntMax
)

var crc16table = crc16.MakeTable(crc16.CCITT)

var (
	// ErrShortPacket is returned for packets ending within their header.
	ErrShortPacket = errors.New("wire: packet too short")

	// ErrChecksum is returned if a header's CRC does not match.
	ErrChecksum = errors.New("wire: header checksum mismatch")

	// ErrBufferTooSmall is returned if a header does not fit into the buffer.
	ErrBufferTooSmall = errors.New("wire: buffer too small for header")
)

// Header of a packet.
type Header struct {
	Type    Type
	Version uint8
	Flags   Flags

	// ConnID is present for FlagConnID.
	ConnID uint32

	// SenderQKey and ReceiverQKey are present for FlagQKey.
	SenderQKey   uint32
	ReceiverQKey uint32

	Body Body
}

// NewHeader creates a Header of the current protocol version.
func NewHeader(t Type, body Body) Header {
	return Header{
		Type:    t,
		Version: ProtocolVersion,
		Body:    body,
	}
}

// WithConnID sets the connection id and its flag.
func (h Header) WithConnID(connID uint32) Header {
	h.Flags |= FlagConnID
	h.ConnID = connID
	return h
}

// WithQKeys sets both qkeys and their flag.
func (h Header) WithQKeys(sender, receiver uint32) Header {
	h.Flags |= FlagQKey
	h.SenderQKey = sender
	h.ReceiverQKey = receiver
	return h
}

func (h Header) String() string {
	return fmt.Sprintf("%v(v%d, flags=%#x, %+v)", h.Type, h.Version, uint16(h.Flags), h.Body)
}

// MaxHeaderLen returns an upper bound of an encoded Header of Type t with
// all optional sub-headers and rmaCount RMAIOVs.
func MaxHeaderLen(t Type, rmaCount int) int {
	fields := 0
	switch t {
	case TypeAtomRsp:
		fields = 1
	case TypeHandshake, TypeEagerMsgRTM, TypeEagerTagRTM, TypeEOR, TypeReceipt, TypeRTR:
		fields = 2
	case TypeCTS, TypeData, TypeReadRsp, TypeEagerRTW, TypeLongCTSRTW, TypeWriteRTA, TypeFetchRTA, TypeCompareRTA:
		fields = 3
	case TypeLongReadMsgRTM, TypeLongReadTagRTM:
		fields = 4
	default:
		fields = 5
	}

	// Two array headers for bodies with a nested RMAIOV list, which itself
	// needs another one.
	return baseHeaderLen + connIDHeaderLen + qkeyHeaderLen + crcLen +
		3*cborUIntMax + fields*cborUIntMax + rmaCount*rmaIOVMax
}

// Encode a Header into dst. The returned length is the offset of the payload.
func Encode(dst []byte, h Header) (n int, err error) {
	buff := new(bytes.Buffer)

	base := make([]byte, baseHeaderLen)
	base[0] = uint8(h.Type)
	base[1] = h.Version
	binary.BigEndian.PutUint16(base[2:], uint16(h.Flags))
	buff.Write(base)

	if h.Flags.Has(FlagConnID) {
		connID := make([]byte, connIDHeaderLen)
		binary.BigEndian.PutUint32(connID, h.ConnID)
		buff.Write(connID)
	}
	if h.Flags.Has(FlagQKey) {
		qkeys := make([]byte, qkeyHeaderLen)
		binary.BigEndian.PutUint32(qkeys[:4], h.SenderQKey)
		binary.BigEndian.PutUint32(qkeys[4:], h.ReceiverQKey)
		buff.Write(qkeys)
	}

	if h.Body == nil {
		err = fmt.Errorf("%v header without body", h.Type)
		return
	}
	if bodyErr := h.Body.MarshalCbor(buff); bodyErr != nil {
		err = fmt.Errorf("marshalling %v header failed: %w", h.Type, bodyErr)
		return
	}

	crc := make([]byte, crcLen)
	binary.BigEndian.PutUint16(crc, crc16.Checksum(buff.Bytes(), crc16table))
	buff.Write(crc)

	if buff.Len() > len(dst) {
		err = fmt.Errorf("%w: %d > %d", ErrBufferTooSmall, buff.Len(), len(dst))
		return
	}

	n = copy(dst, buff.Bytes())
	return
}

// Decode a packet into its Header and payload. The payload aliases src.
func Decode(src []byte) (h Header, payload []byte, err error) {
	if len(src) < baseHeaderLen {
		err = ErrShortPacket
		return
	}

	h.Type = Type(src[0])
	h.Version = src[1]
	h.Flags = Flags(binary.BigEndian.Uint16(src[2:4]))
	off := baseHeaderLen

	if !h.Type.Valid() {
		err = fmt.Errorf("wire: unknown packet type %d", uint8(h.Type))
		return
	}
	if h.Version > ProtocolVersion {
		err = fmt.Errorf("wire: unsupported protocol version %d", h.Version)
		return
	}

	if h.Flags.Has(FlagConnID) {
		if len(src) < off+connIDHeaderLen {
			err = ErrShortPacket
			return
		}
		h.ConnID = binary.BigEndian.Uint32(src[off:])
		off += connIDHeaderLen
	}
	if h.Flags.Has(FlagQKey) {
		if len(src) < off+qkeyHeaderLen {
			err = ErrShortPacket
			return
		}
		h.SenderQKey = binary.BigEndian.Uint32(src[off:])
		h.ReceiverQKey = binary.BigEndian.Uint32(src[off+4:])
		off += qkeyHeaderLen
	}

	body, bodyErr := newBody(h.Type)
	if bodyErr != nil {
		err = bodyErr
		return
	}

	r := bytes.NewReader(src[off:])
	if bodyErr := body.UnmarshalCbor(r); bodyErr != nil {
		err = fmt.Errorf("unmarshalling %v header failed: %w", h.Type, bodyErr)
		return
	}
	h.Body = body
	off = len(src) - r.Len()

	if len(src) < off+crcLen {
		err = ErrShortPacket
		return
	}
	if crc := binary.BigEndian.Uint16(src[off:]); crc != crc16.Checksum(src[:off], crc16table) {
		err = ErrChecksum
		return
	}

	payload = src[off+crcLen:]
	return
}

// PeekType returns the Type of an encoded packet without decoding its body.
func PeekType(src []byte) (Type, error) {
	if len(src) < baseHeaderLen {
		return 0, ErrShortPacket
	}

	t := Type(src[0])
	if !t.Valid() {
		return 0, fmt.Errorf("wire: unknown packet type %d", uint8(t))
	}
	return t, nil
}
