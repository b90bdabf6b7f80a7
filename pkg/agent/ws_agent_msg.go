// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// webAgentMessage is a frame exchanged with a WebSocket client. On the wire, it is a CBOR array of its type code and
// its own CBOR representation.
type webAgentMessage interface {
	typeCode() uint64

	cboring.CborMarshaler
}

const (
	wamStatusCode uint64 = iota
	wamRegisterCode
	wamSendCode
	wamRecvCode
	wamCompletionCode
)

// newWebAgentMessage returns an empty webAgentMessage for a type code.
func newWebAgentMessage(code uint64) (webAgentMessage, error) {
	switch code {
	case wamStatusCode:
		return &wamStatus{}, nil
	case wamRegisterCode:
		return &wamRegister{}, nil
	case wamSendCode:
		return &wamSend{}, nil
	case wamRecvCode:
		return &wamRecv{}, nil
	case wamCompletionCode:
		return &wamCompletion{}, nil
	default:
		return nil, fmt.Errorf("unknown web agent message type %d", code)
	}
}

func marshalCbor(wam webAgentMessage, w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(wam.typeCode(), w); err != nil {
		return err
	}
	return cboring.Marshal(wam, w)
}

func unmarshalCbor(r io.Reader) (webAgentMessage, error) {
	if err := readArrayLength(r, 2); err != nil {
		return nil, err
	}

	code, err := cboring.ReadUInt(r)
	if err != nil {
		return nil, err
	}

	wam, err := newWebAgentMessage(code)
	if err != nil {
		return nil, err
	}

	if err := cboring.Unmarshal(wam, r); err != nil {
		return nil, fmt.Errorf("web agent message type %d: %w", code, err)
	}
	return wam, nil
}
