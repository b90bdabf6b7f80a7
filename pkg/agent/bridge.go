// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/rxr-go/pkg/av"
	"github.com/dtn7/rxr-go/pkg/rxr"
)

// MaxRecvSize limits the buffer a RecvMessage may request.
const MaxRecvSize = 64 * 1024 * 1024

// Endpoint is the part of an rxr.Endpoint used by a Bridge.
type Endpoint interface {
	Send(buf []byte, dst av.Addr, ctx any) error
	TSend(buf []byte, dst av.Addr, tag uint64, ctx any) error
	Recv(buf []byte, src av.Addr, ctx any) error
	TRecv(buf []byte, src av.Addr, tag, ignore uint64, ctx any) error
	Cancel(ctx any) error
	Progress() error
	ReadCQ(max int) []rxr.Completion
	ReadEQ() []rxr.ErrorEvent
}

// request is the context of an operation posted by a Bridge.
type request struct {
	msg Message
	buf []byte
}

// Bridge executes the requests of an ApplicationAgent on an Endpoint and reports their completions. It also drives
// the Endpoint's progress, at least once per interval.
type Bridge struct {
	ep       Endpoint
	agent    ApplicationAgent
	interval time.Duration

	retry  []*request
	posted map[*request]struct{}
	outbox []Message

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewBridge starts a Bridge between ep and agent. The Bridge is the only user of ep's progress afterwards.
func NewBridge(ep Endpoint, agent ApplicationAgent, interval time.Duration) *Bridge {
	b := &Bridge{
		ep:       ep,
		agent:    agent,
		interval: interval,
		posted:   make(map[*request]struct{}),
		stopSyn:  make(chan struct{}),
		stopAck:  make(chan struct{}),
	}

	go b.run()

	return b
}

func (b *Bridge) run() {
	defer close(b.stopAck)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	in := b.agent.MessageSender()
	for {
		var out chan Message
		var next Message
		if len(b.outbox) > 0 {
			out = b.agent.MessageReceiver()
			next = b.outbox[0]
		}

		select {
		case <-b.stopSyn:
			b.shutdown()
			return

		case msg, ok := <-in:
			if !ok {
				log.Debug("Bridge's ApplicationAgent closed its sender")
				in = nil
			} else if _, isShutdown := msg.(ShutdownMessage); isShutdown {
				in = nil
			} else {
				b.handle(msg)
			}

		case out <- next:
			b.outbox = b.outbox[1:]

		case <-ticker.C:
		}

		if err := b.progress(); err != nil {
			log.WithError(err).Warn("Bridge's Endpoint failed, stopping")
			b.shutdown()
			return
		}
	}
}

func (b *Bridge) handle(msg Message) {
	r := &request{msg: msg}

	if rm, ok := msg.(RecvMessage); ok {
		if rm.Size < 0 || rm.Size > MaxRecvSize {
			b.complete(r, rxr.Completion{Err: fmt.Errorf("receive of %d bytes exceeds the limit", rm.Size)})
			return
		}
		r.buf = make([]byte, rm.Size)
	}

	if err := b.post(r); errors.Is(err, rxr.ErrAgain) {
		b.retry = append(b.retry, r)
	} else if err != nil {
		b.complete(r, rxr.Completion{Err: err})
	}
}

func (b *Bridge) post(r *request) (err error) {
	switch msg := r.msg.(type) {
	case SendMessage:
		if msg.Tagged {
			err = b.ep.TSend(msg.Payload, msg.Addr, msg.Tag, r)
		} else {
			err = b.ep.Send(msg.Payload, msg.Addr, r)
		}

	case RecvMessage:
		if msg.Tagged {
			err = b.ep.TRecv(r.buf, msg.Addr, msg.Tag, msg.Ignore, r)
		} else {
			err = b.ep.Recv(r.buf, msg.Addr, r)
		}

	default:
		return fmt.Errorf("unsupported message %T", msg)
	}

	if err == nil {
		b.posted[r] = struct{}{}
	}
	return
}

// progress drives the Endpoint, retries deferred requests and collects completions.
func (b *Bridge) progress() error {
	if err := b.ep.Progress(); err != nil {
		return err
	}

	retry := b.retry
	b.retry = nil
	for i, r := range retry {
		if err := b.post(r); errors.Is(err, rxr.ErrAgain) {
			b.retry = append(b.retry, retry[i:]...)
			break
		} else if err != nil {
			b.complete(r, rxr.Completion{Err: err})
		}
	}

	for _, c := range b.ep.ReadCQ(0) {
		r, ok := c.Context.(*request)
		if !ok {
			log.WithField("completion", c).Warn("Bridge received a foreign completion")
			continue
		}
		delete(b.posted, r)
		b.complete(r, c)
	}

	for _, ev := range b.ep.ReadEQ() {
		log.WithFields(log.Fields{
			"peer":  ev.Addr,
			"error": ev.Err,
		}).Warn("Endpoint reported an error")
	}
	return nil
}

func (b *Bridge) complete(r *request, c rxr.Completion) {
	var cm CompletionMessage

	switch msg := r.msg.(type) {
	case SendMessage:
		cm = CompletionMessage{Recipient: msg.Sender, ID: msg.ID, Addr: msg.Addr, Tag: msg.Tag}

	case RecvMessage:
		cm = CompletionMessage{Recipient: msg.Sender, ID: msg.ID, Recv: true, Addr: c.Src, Tag: c.Tag}
		if c.Err == nil {
			cm.Data = r.buf[:c.Len]
		}

	default:
		return
	}
	cm.Err = c.Err

	log.WithField("message", cm).Debug("Bridge completed a request")
	b.outbox = append(b.outbox, cm)
}

// shutdown cancels posted receives and informs the ApplicationAgent.
func (b *Bridge) shutdown() {
	for r := range b.posted {
		if _, ok := r.msg.(RecvMessage); ok {
			_ = b.ep.Cancel(r)
		}
	}

	select {
	case b.agent.MessageReceiver() <- ShutdownMessage{}:
	case <-time.After(time.Second):
		log.Warn("Bridge's ApplicationAgent did not accept the shutdown")
	}
}

// Close this Bridge and shutdown its ApplicationAgent. The Endpoint is left open.
func (b *Bridge) Close() {
	select {
	case <-b.stopAck:
	case b.stopSyn <- struct{}{}:
		<-b.stopAck
	}
}
