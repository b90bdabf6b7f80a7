// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/rxr-go/pkg/av"
)

var (
	errNotRegistered = errors.New("client is not registered")
	errRegistered    = errors.New("client is already registered")
	errEmptyName     = errors.New("name must not be empty")
)

// webAgentClient is one WebSocket connection of a WebSocketAgent, acting as an ApplicationAgent itself.
type webAgentClient struct {
	conn   *websocket.Conn
	logger *log.Entry

	// writeMutex serializes frames, nameMutex guards name.
	writeMutex sync.Mutex
	nameMutex  sync.Mutex
	name       string

	inbox  chan Message
	outbox chan Message
}

func newWebAgentClient(conn *websocket.Conn) *webAgentClient {
	return &webAgentClient{
		conn:   conn,
		logger: log.WithField("web agent client", conn.RemoteAddr().String()),
		inbox:  make(chan Message),
		outbox: make(chan Message),
	}
}

// start serving the client, blocking until its connection is gone.
func (client *webAgentClient) start() {
	go client.writeLoop()
	client.readLoop()
}

// writeLoop sends completions to the client until the MuxAgent closes the inbox. After a shutdown or a failed
// write, the connection is closed and further Messages are discarded.
func (client *webAgentClient) writeLoop() {
	closed := false

	for msg := range client.inbox {
		if closed {
			continue
		}

		switch msg := msg.(type) {
		case ShutdownMessage:
			closed = true

		case CompletionMessage:
			if err := client.write(newCompletionMessage(msg)); err != nil {
				client.logger.WithError(err).Warn("Sending completion errored")
				closed = true
			}

		default:
			client.logger.WithField("message", msg).Info("Ignoring unsupported message")
		}

		if closed {
			_ = client.conn.Close()
		}
	}
}

// readLoop handles the client's frames until the connection fails or a frame is malformed. It is the only sender
// on the outbox and closes it afterwards.
func (client *webAgentClient) readLoop() {
	defer func() {
		client.logger.Debug("Closing web agent client")

		close(client.outbox)
		_ = client.conn.Close()
	}()

	for {
		messageType, reader, err := client.conn.NextReader()
		if err != nil {
			client.logger.WithError(err).Debug("Web agent client's connection ended")
			return
		} else if messageType != websocket.BinaryMessage {
			client.logger.WithField("message type", messageType).Warn("Web agent client sent a non-binary frame")
			return
		}

		wam, err := unmarshalCbor(reader)
		if err != nil {
			client.logger.WithError(err).Warn("Unmarshalling web agent message errored")
			return
		}

		if err := client.handle(wam); err != nil {
			client.logger.WithField("message", wam).WithError(err).Warn("Handling web agent message errored")
			return
		}
	}
}

// handle a single frame. Rejected requests are answered by a status, only connection errors are returned.
func (client *webAgentClient) handle(wam webAgentMessage) error {
	if reg, ok := wam.(*wamRegister); ok {
		return client.write(newStatusMessage(client.register(reg.name)))
	}

	name := client.registeredName()
	if name == "" {
		return client.write(newStatusMessage(errNotRegistered))
	}

	switch wam := wam.(type) {
	case *wamSend:
		client.outbox <- SendMessage{
			Sender:  name,
			ID:      wam.id,
			Addr:    av.Addr(wam.addr),
			Tagged:  wam.tagged,
			Tag:     wam.tag,
			Payload: wam.payload,
		}

	case *wamRecv:
		if wam.size > MaxRecvSize {
			return client.write(newStatusMessage(fmt.Errorf("size %d exceeds %d", wam.size, MaxRecvSize)))
		}
		client.outbox <- RecvMessage{
			Sender: name,
			ID:     wam.id,
			Addr:   av.Addr(wam.addr),
			Tagged: wam.tagged,
			Tag:    wam.tag,
			Ignore: wam.ignore,
			Size:   int(wam.size),
		}

	default:
		return client.write(newStatusMessage(fmt.Errorf("unexpected message type %d", wam.typeCode())))
	}
	return nil
}

func (client *webAgentClient) register(name string) error {
	client.nameMutex.Lock()
	defer client.nameMutex.Unlock()

	switch {
	case client.name != "":
		return errRegistered
	case name == "":
		return errEmptyName
	}

	client.name = name
	client.logger.WithField("name", name).Debug("Web agent client registered")
	return nil
}

func (client *webAgentClient) registeredName() string {
	client.nameMutex.Lock()
	defer client.nameMutex.Unlock()

	return client.name
}

func (client *webAgentClient) write(wam webAgentMessage) error {
	client.writeMutex.Lock()
	defer client.writeMutex.Unlock()

	w, err := client.conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return err
	}
	if err := marshalCbor(wam, w); err != nil {
		return err
	}
	return w.Close()
}

func (client *webAgentClient) Names() []string {
	if name := client.registeredName(); name != "" {
		return []string{name}
	}
	return nil
}

func (client *webAgentClient) MessageReceiver() chan Message {
	return client.inbox
}

func (client *webAgentClient) MessageSender() chan Message {
	return client.outbox
}
