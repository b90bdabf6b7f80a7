// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"fmt"

	"github.com/dtn7/rxr-go/pkg/av"
)

// Message is a generic interface to specify an information exchange between an ApplicationAgent and a Bridge.
// The following types named *Message are implementations of this interface.
type Message interface {
	// Recipients returns a list of names to which this message is addressed.
	// However, if this message is not addressed to some specific name, nil must be returned.
	Recipients() []string
}

// SendMessage requests to send Payload to Addr. Its outcome is reported to Sender by a CompletionMessage of the
// same ID.
type SendMessage struct {
	Sender  string
	ID      uint64
	Addr    av.Addr
	Tagged  bool
	Tag     uint64
	Payload []byte
}

// Recipients of a SendMessage is its Sender, as the receiver of its completion.
func (sm SendMessage) Recipients() []string {
	return []string{sm.Sender}
}

func (sm SendMessage) String() string {
	return fmt.Sprintf("SendMessage(%s#%d, %v, %d bytes)", sm.Sender, sm.ID, sm.Addr, len(sm.Payload))
}

// RecvMessage requests to receive up to Size bytes from Addr, which might be av.AddrUnspec. For tagged receives,
// the bits of Ignore are not compared.
type RecvMessage struct {
	Sender string
	ID     uint64
	Addr   av.Addr
	Tagged bool
	Tag    uint64
	Ignore uint64
	Size   int
}

// Recipients of a RecvMessage is its Sender, as the receiver of its completion.
func (rm RecvMessage) Recipients() []string {
	return []string{rm.Sender}
}

func (rm RecvMessage) String() string {
	return fmt.Sprintf("RecvMessage(%s#%d, %v, %d bytes)", rm.Sender, rm.ID, rm.Addr, rm.Size)
}

// CompletionMessage reports the outcome of a SendMessage or RecvMessage. For receives, Addr is the sender of Data.
type CompletionMessage struct {
	Recipient string
	ID        uint64
	Recv      bool
	Addr      av.Addr
	Tag       uint64
	Data      []byte
	Err       error
}

// Recipients is the requesting ApplicationAgent.
func (cm CompletionMessage) Recipients() []string {
	return []string{cm.Recipient}
}

func (cm CompletionMessage) String() string {
	if cm.Err != nil {
		return fmt.Sprintf("CompletionMessage(%s#%d, err=%v)", cm.Recipient, cm.ID, cm.Err)
	}
	return fmt.Sprintf("CompletionMessage(%s#%d, %v, %d bytes)", cm.Recipient, cm.ID, cm.Addr, len(cm.Data))
}

// ShutdownMessage indicates the closing down of an ApplicationAgent.
// If the Message is received from an ApplicationAgent, it must close itself down.
// If the Message is sent from an ApplicationAgent, it is closing down itself.
type ShutdownMessage struct{}

// Recipients are not available for a ShutdownMessage.
func (sm ShutdownMessage) Recipients() []string {
	return nil
}
