// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// wamStatus is a webAgentMessage to acknowledge a previous message or report an error with a non-empty string.
type wamStatus struct {
	errorMsg string
}

// newStatusMessage creates a new wamStatus webAgentMessage.
func newStatusMessage(err error) *wamStatus {
	if err == nil {
		return &wamStatus{""}
	}
	return &wamStatus{err.Error()}
}

func (*wamStatus) typeCode() uint64 {
	return wamStatusCode
}

func (ws *wamStatus) MarshalCbor(w io.Writer) error {
	return cboring.WriteTextString(ws.errorMsg, w)
}

func (ws *wamStatus) UnmarshalCbor(r io.Reader) (err error) {
	ws.errorMsg, err = cboring.ReadTextString(r)
	return
}

// wamRegister is a webAgentMessage sent from a client to the server to register itself under a name.
type wamRegister struct {
	name string
}

// newRegisterMessage creates a new wamRegister webAgentMessage.
func newRegisterMessage(name string) *wamRegister {
	return &wamRegister{name}
}

func (*wamRegister) typeCode() uint64 {
	return wamRegisterCode
}

func (wr *wamRegister) MarshalCbor(w io.Writer) error {
	return cboring.WriteTextString(wr.name, w)
}

func (wr *wamRegister) UnmarshalCbor(r io.Reader) (err error) {
	wr.name, err = cboring.ReadTextString(r)
	return
}

// writeUInts writes each number as a CBOR unsigned integer.
func writeUInts(w io.Writer, ns ...uint64) error {
	for _, n := range ns {
		if err := cboring.WriteUInt(n, w); err != nil {
			return err
		}
	}
	return nil
}

// readUInts reads CBOR unsigned integers into the fields.
func readUInts(r io.Reader, fields ...*uint64) error {
	for _, field := range fields {
		n, err := cboring.ReadUInt(r)
		if err != nil {
			return err
		}
		*field = n
	}
	return nil
}

func readArrayLength(r io.Reader, expected uint64) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != expected {
		return fmt.Errorf("expected array of %d elements, got %d", expected, n)
	}
	return nil
}

// wamSend is a webAgentMessage sent from a client to request a send.
type wamSend struct {
	id      uint64
	addr    uint64
	tagged  bool
	tag     uint64
	payload []byte
}

func newSendMessage(msg SendMessage) *wamSend {
	return &wamSend{
		id:      msg.ID,
		addr:    uint64(msg.Addr),
		tagged:  msg.Tagged,
		tag:     msg.Tag,
		payload: msg.Payload,
	}
}

func (*wamSend) typeCode() uint64 {
	return wamSendCode
}

func (ws *wamSend) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(5, w); err != nil {
		return err
	}
	if err := writeUInts(w, ws.id, ws.addr); err != nil {
		return err
	}
	if err := cboring.WriteBoolean(ws.tagged, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(ws.tag, w); err != nil {
		return err
	}
	return cboring.WriteByteString(ws.payload, w)
}

func (ws *wamSend) UnmarshalCbor(r io.Reader) (err error) {
	if err = readArrayLength(r, 5); err != nil {
		return
	}
	if err = readUInts(r, &ws.id, &ws.addr); err != nil {
		return
	}
	if ws.tagged, err = cboring.ReadBoolean(r); err != nil {
		return
	}
	if ws.tag, err = cboring.ReadUInt(r); err != nil {
		return
	}
	ws.payload, err = cboring.ReadByteString(r)
	return
}

// wamRecv is a webAgentMessage sent from a client to request a receive.
type wamRecv struct {
	id     uint64
	addr   uint64
	tagged bool
	tag    uint64
	ignore uint64
	size   uint64
}

func newRecvMessage(msg RecvMessage) *wamRecv {
	return &wamRecv{
		id:     msg.ID,
		addr:   uint64(msg.Addr),
		tagged: msg.Tagged,
		tag:    msg.Tag,
		ignore: msg.Ignore,
		size:   uint64(msg.Size),
	}
}

func (*wamRecv) typeCode() uint64 {
	return wamRecvCode
}

func (wr *wamRecv) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(6, w); err != nil {
		return err
	}
	if err := writeUInts(w, wr.id, wr.addr); err != nil {
		return err
	}
	if err := cboring.WriteBoolean(wr.tagged, w); err != nil {
		return err
	}
	return writeUInts(w, wr.tag, wr.ignore, wr.size)
}

func (wr *wamRecv) UnmarshalCbor(r io.Reader) (err error) {
	if err = readArrayLength(r, 6); err != nil {
		return
	}
	if err = readUInts(r, &wr.id, &wr.addr); err != nil {
		return
	}
	if wr.tagged, err = cboring.ReadBoolean(r); err != nil {
		return
	}
	return readUInts(r, &wr.tag, &wr.ignore, &wr.size)
}

// wamCompletion is a webAgentMessage sent from the server to report a completed request.
type wamCompletion struct {
	id       uint64
	recv     bool
	addr     uint64
	tag      uint64
	data     []byte
	errorMsg string
}

func newCompletionMessage(cm CompletionMessage) *wamCompletion {
	wc := &wamCompletion{
		id:   cm.ID,
		recv: cm.Recv,
		addr: uint64(cm.Addr),
		tag:  cm.Tag,
		data: cm.Data,
	}
	if cm.Err != nil {
		wc.errorMsg = cm.Err.Error()
	}
	return wc
}

func (*wamCompletion) typeCode() uint64 {
	return wamCompletionCode
}

func (wc *wamCompletion) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(6, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(wc.id, w); err != nil {
		return err
	}
	if err := cboring.WriteBoolean(wc.recv, w); err != nil {
		return err
	}
	if err := writeUInts(w, wc.addr, wc.tag); err != nil {
		return err
	}
	if err := cboring.WriteByteString(wc.data, w); err != nil {
		return err
	}
	return cboring.WriteTextString(wc.errorMsg, w)
}

func (wc *wamCompletion) UnmarshalCbor(r io.Reader) (err error) {
	if err = readArrayLength(r, 6); err != nil {
		return
	}
	if wc.id, err = cboring.ReadUInt(r); err != nil {
		return
	}
	if wc.recv, err = cboring.ReadBoolean(r); err != nil {
		return
	}
	if err = readUInts(r, &wc.addr, &wc.tag); err != nil {
		return
	}
	if wc.data, err = cboring.ReadByteString(r); err != nil {
		return
	}
	wc.errorMsg, err = cboring.ReadTextString(r)
	return
}
