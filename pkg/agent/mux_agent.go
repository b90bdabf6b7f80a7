// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// MuxAgent puts several ApplicationAgents behind one Bridge. A CompletionMessage is delivered to the first child
// answering to its Recipient, a ShutdownMessage to every child. Requests are only forwarded if their child answers
// to the request's Sender.
type MuxAgent struct {
	mutex    sync.Mutex
	children []ApplicationAgent

	inbox  chan Message
	outbox chan Message
}

// NewMuxAgent creates and starts an empty MuxAgent.
func NewMuxAgent() *MuxAgent {
	mux := &MuxAgent{
		inbox:  make(chan Message),
		outbox: make(chan Message),
	}

	go mux.route()

	return mux
}

// route Messages from the Bridge. The outbox stays open, children might still be forwarding requests.
func (mux *MuxAgent) route() {
	for msg := range mux.inbox {
		if _, isShutdown := msg.(ShutdownMessage); isShutdown {
			mux.broadcast(msg)
			return
		}

		if !mux.deliver(msg) {
			log.WithField("message", msg).Warn("MuxAgent has no child for a message, dropping it")
		}
	}
}

// deliver msg to its recipient. The lock is held while sending, so a child cannot be unregistered meanwhile.
func (mux *MuxAgent) deliver(msg Message) bool {
	mux.mutex.Lock()
	defer mux.mutex.Unlock()

	recipients := msg.Recipients()
	for _, child := range mux.children {
		if AppAgentHasName(child, recipients) {
			child.MessageReceiver() <- msg
			return true
		}
	}
	return false
}

func (mux *MuxAgent) broadcast(msg Message) {
	mux.mutex.Lock()
	defer mux.mutex.Unlock()

	for _, child := range mux.children {
		child.MessageReceiver() <- msg
	}
}

// Register a child. It is unregistered after closing its MessageSender or sending a ShutdownMessage.
func (mux *MuxAgent) Register(child ApplicationAgent) {
	mux.mutex.Lock()
	defer mux.mutex.Unlock()

	mux.children = append(mux.children, child)
	go mux.supervise(child)
}

// supervise forwards the requests of a child until it shuts down.
func (mux *MuxAgent) supervise(child ApplicationAgent) {
	for msg := range child.MessageSender() {
		if _, isShutdown := msg.(ShutdownMessage); isShutdown {
			break
		}

		if recipients := msg.Recipients(); recipients != nil && !AppAgentHasName(child, recipients) {
			log.WithFields(log.Fields{
				"message": msg,
				"names":   child.Names(),
			}).Warn("MuxAgent dropped a request on behalf of a foreign name")
			continue
		}

		mux.outbox <- msg
	}

	mux.unregister(child)
}

// unregister a child and close its MessageReceiver.
func (mux *MuxAgent) unregister(child ApplicationAgent) {
	mux.mutex.Lock()
	defer mux.mutex.Unlock()

	for i, c := range mux.children {
		if c != child {
			continue
		}

		close(child.MessageReceiver())
		mux.children = append(mux.children[:i], mux.children[i+1:]...)
		return
	}
}

// Names of all children.
func (mux *MuxAgent) Names() (names []string) {
	mux.mutex.Lock()
	defer mux.mutex.Unlock()

	for _, child := range mux.children {
		names = append(names, child.Names()...)
	}
	return
}

func (mux *MuxAgent) MessageReceiver() chan Message {
	return mux.inbox
}

func (mux *MuxAgent) MessageSender() chan Message {
	return mux.outbox
}
