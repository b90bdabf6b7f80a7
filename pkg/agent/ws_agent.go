// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"net/http"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// wsReadLimit bounds a single client frame, a SendMessage of MaxRecvSize bytes and its header.
const wsReadLimit = MaxRecvSize + 4096

// WebSocketAgent is an ApplicationAgent for WebSocket clients. Each connection registers under a name and exchanges
// CBOR encoded requests and completions, see ws_agent_msg_impl.go. Connections are children of an internal MuxAgent.
type WebSocketAgent struct {
	inbox   chan Message
	clients *MuxAgent

	upgrader websocket.Upgrader
}

// NewWebSocketAgent creates and starts a WebSocketAgent. It must be bound to an HTTP route, e.g., /ws.
func NewWebSocketAgent() *WebSocketAgent {
	w := &WebSocketAgent{
		inbox:   make(chan Message),
		clients: NewMuxAgent(),

		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
	}

	go w.relay()

	return w
}

// relay Messages from the Bridge to the clients until a shutdown.
func (w *WebSocketAgent) relay() {
	for msg := range w.inbox {
		w.clients.MessageReceiver() <- msg

		if _, isShutdown := msg.(ShutdownMessage); isShutdown {
			log.WithField("clients", w.clients.Names()).Info("WebSocketAgent shuts down")
			return
		}
	}
}

// ServeHTTP upgrades the request and serves the client until its connection closes.
func (w *WebSocketAgent) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		log.WithFields(log.Fields{
			"remote": r.RemoteAddr,
			"error":  err,
		}).Warn("Upgrading HTTP request to WebSocket errored")
		return
	}
	conn.SetReadLimit(wsReadLimit)

	log.WithField("remote", r.RemoteAddr).Debug("WebSocketAgent accepted a client")

	client := newWebAgentClient(conn)
	w.clients.Register(client)
	client.start()
}

// Names of the registered clients.
func (w *WebSocketAgent) Names() []string {
	return w.clients.Names()
}

func (w *WebSocketAgent) MessageReceiver() chan Message {
	return w.inbox
}

func (w *WebSocketAgent) MessageSender() chan Message {
	return w.clients.MessageSender()
}
