// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/rxr-go/pkg/av"
)

// PingAgent is a simple ApplicationAgent to echo incoming messages back to their sender. It keeps a number of
// receives posted.
type PingAgent struct {
	name     string
	depth    int
	size     int
	receiver chan Message
	sender   chan Message

	nextID uint64
}

// NewPing creates a new PingAgent ApplicationAgent, keeping depth receives of size bytes posted.
func NewPing(name string, depth, size int) *PingAgent {
	p := &PingAgent{
		name:     name,
		depth:    depth,
		size:     size,
		receiver: make(chan Message),
		sender:   make(chan Message),
	}

	go p.handler()

	return p
}

func (p *PingAgent) log() *log.Entry {
	return log.WithField("PingAgent", p.name)
}

func (p *PingAgent) id() uint64 {
	p.nextID++
	return p.nextID
}

func (p *PingAgent) recvMessage() RecvMessage {
	return RecvMessage{Sender: p.name, ID: p.id(), Addr: av.AddrUnspec, Size: p.size}
}

func (p *PingAgent) handler() {
	defer close(p.sender)

	// Outgoing messages are queued, so the receiver is always served.
	var queue []Message
	for i := 0; i < p.depth; i++ {
		queue = append(queue, p.recvMessage())
	}

	for {
		var out chan Message
		var next Message
		if len(queue) > 0 {
			out = p.sender
			next = queue[0]
		}

		select {
		case out <- next:
			queue = queue[1:]

		case m, ok := <-p.receiver:
			if !ok {
				return
			}

			switch m := m.(type) {
			case CompletionMessage:
				queue = append(queue, p.handleCompletion(m)...)

			case ShutdownMessage:
				return

			default:
				p.log().WithField("message", m).Info("Received unsupported Message")
			}
		}
	}
}

func (p *PingAgent) handleCompletion(cm CompletionMessage) (out []Message) {
	if !cm.Recv {
		if cm.Err != nil {
			p.log().WithError(cm.Err).WithField("peer", cm.Addr).Warn("Sending echo failed")
		}
		return
	}

	out = append(out, p.recvMessage())
	if cm.Err != nil {
		p.log().WithError(cm.Err).Warn("Receive failed")
		return
	}

	p.log().WithFields(log.Fields{
		"peer": cm.Addr,
		"size": len(cm.Data),
	}).Debug("Echoing message")

	return append(out, SendMessage{
		Sender:  p.name,
		ID:      p.id(),
		Addr:    cm.Addr,
		Payload: cm.Data,
	})
}

func (p *PingAgent) Names() []string {
	return []string{p.name}
}

func (p *PingAgent) MessageReceiver() chan Message {
	return p.receiver
}

func (p *PingAgent) MessageSender() chan Message {
	return p.sender
}
