// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import "fmt"

// ProtocolVersion is the highest protocol version spoken by this package.
const ProtocolVersion uint8 = 4

// Type of a packet.
type Type uint8

const (
	TypeHandshake Type = iota + 1
	TypeCTS
	TypeData
	TypeReadRsp
	TypeEOR
	TypeReceipt
	TypeAtomRsp

	// Request types, the first packet of an operation.
	TypeEagerMsgRTM
	TypeEagerTagRTM
	TypeMediumMsgRTM
	TypeMediumTagRTM
	TypeLongCTSMsgRTM
	TypeLongCTSTagRTM
	TypeLongReadMsgRTM
	TypeLongReadTagRTM
	TypeEagerRTW
	TypeLongCTSRTW
	TypeRTR
	TypeWriteRTA
	TypeFetchRTA
	TypeCompareRTA

	typeEnd
)

var typeNames = map[Type]string{
	TypeHandshake:      "HANDSHAKE",
	TypeCTS:            "CTS",
	TypeData:           "DATA",
	TypeReadRsp:        "READRSP",
	TypeEOR:            "EOR",
	TypeReceipt:        "RECEIPT",
	TypeAtomRsp:        "ATOMRSP",
	TypeEagerMsgRTM:    "EAGER_MSGRTM",
	TypeEagerTagRTM:    "EAGER_TAGRTM",
	TypeMediumMsgRTM:   "MEDIUM_MSGRTM",
	TypeMediumTagRTM:   "MEDIUM_TAGRTM",
	TypeLongCTSMsgRTM:  "LONGCTS_MSGRTM",
	TypeLongCTSTagRTM:  "LONGCTS_TAGRTM",
	TypeLongReadMsgRTM: "LONGREAD_MSGRTM",
	TypeLongReadTagRTM: "LONGREAD_TAGRTM",
	TypeEagerRTW:       "EAGER_RTW",
	TypeLongCTSRTW:     "LONGCTS_RTW",
	TypeRTR:            "RTR",
	TypeWriteRTA:       "WRITE_RTA",
	TypeFetchRTA:       "FETCH_RTA",
	TypeCompareRTA:     "COMPARE_RTA",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
}

// Valid checks if this Type is known.
func (t Type) Valid() bool {
	return t >= TypeHandshake && t < typeEnd
}

// IsReq checks if this Type starts an operation.
func (t Type) IsReq() bool {
	return t >= TypeEagerMsgRTM && t < typeEnd
}

// IsRTM checks if this Type starts a (tagged) message.
func (t Type) IsRTM() bool {
	return t >= TypeEagerMsgRTM && t <= TypeLongReadTagRTM
}

// IsTagged checks if this Type belongs to a tagged message.
func (t Type) IsTagged() bool {
	switch t {
	case TypeEagerTagRTM, TypeMediumTagRTM, TypeLongCTSTagRTM, TypeLongReadTagRTM:
		return true
	default:
		return false
	}
}

// IsOrdered checks if packets of this Type pass the receiver's reorder window.
func (t Type) IsOrdered() bool {
	return t.IsRTM() && t != TypeEagerMsgRTM && t != TypeEagerTagRTM
}

// IsRTA checks if this Type is an atomic request.
func (t Type) IsRTA() bool {
	return t == TypeWriteRTA || t == TypeFetchRTA || t == TypeCompareRTA
}

// Flags of the base header.
type Flags uint16

const (
	// FlagConnID marks the presence of the sender's connection id.
	FlagConnID Flags = 1 << iota

	// FlagQKey marks the presence of the sender and receiver qkeys.
	FlagQKey

	// FlagDeliveryComplete requests a RECEIPT once the data was delivered.
	FlagDeliveryComplete
)

// Has checks if all bits of other are set.
func (f Flags) Has(other Flags) bool {
	return f&other == other
}

// Features is the bitmap advertised in a HANDSHAKE.
type Features uint64

const (
	// FeatureRDMARead announces support for the LONGREAD protocol.
	FeatureRDMARead Features = 1 << iota

	// FeatureDeliveryComplete announces support for RECEIPT packets.
	FeatureDeliveryComplete

	// FeatureConnIDHeader announces that the connid header is understood.
	FeatureConnIDHeader
)

// Has checks if all bits of other are set.
func (f Features) Has(other Features) bool {
	return f&other == other
}

func (f Features) String() string {
	names := []string{}
	for _, x := range []struct {
		f    Features
		name string
	}{
		{FeatureRDMARead, "rdma-read"},
		{FeatureDeliveryComplete, "delivery-complete"},
		{FeatureConnIDHeader, "connid-header"},
	} {
		if f.Has(x.f) {
			names = append(names, x.name)
		}
	}
	return fmt.Sprintf("%v", names)
}
