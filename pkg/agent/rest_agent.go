// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/mux"

	"github.com/dtn7/rxr-go/pkg/av"
)

// RestAgent is a RESTful ApplicationAgent. Clients register for an UUID, request sends and receives and fetch the
// completions of their requests.
type RestAgent struct {
	router *mux.Router

	receiver chan Message
	sender   chan Message

	// map UUIDs to their completed requests
	mailbox sync.Map // uuid[string] -> []RestCompletion
	mutex   sync.Mutex
	nextID  atomic.Uint64
}

// NewRestAgent creates a new RESTful ApplicationAgent.
func NewRestAgent(router *mux.Router) (ra *RestAgent) {
	ra = &RestAgent{
		router:   router,
		receiver: make(chan Message),
		sender:   make(chan Message),
	}

	ra.router.HandleFunc("/register", ra.handleRegister).Methods(http.MethodPost)
	ra.router.HandleFunc("/unregister", ra.handleUnregister).Methods(http.MethodPost)
	ra.router.HandleFunc("/send", ra.handleSend).Methods(http.MethodPost)
	ra.router.HandleFunc("/recv", ra.handleRecv).Methods(http.MethodPost)
	ra.router.HandleFunc("/fetch", ra.handleFetch).Methods(http.MethodPost)

	go ra.handler()

	return ra
}

// ServeHTTP is a http.Handler to be bound to a HTTP endpoint, e.g., /rest.
func (ra *RestAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ra.router.ServeHTTP(w, r)
}

func (ra *RestAgent) handler() {
	defer close(ra.sender)

	for msg := range ra.receiver {
		switch msg := msg.(type) {
		case CompletionMessage:
			ra.deliver(msg)

		case ShutdownMessage:
			log.Info("RestAgent received a shutdown")
			return

		default:
			log.WithField("message", msg).Debug("RestAgent received an unsupported Message")
		}
	}
}

// deliver a CompletionMessage into its recipient's mailbox.
func (ra *RestAgent) deliver(cm CompletionMessage) {
	ra.mutex.Lock()
	defer ra.mutex.Unlock()

	box, ok := ra.mailbox.Load(cm.Recipient)
	if !ok {
		log.WithField("message", cm).Debug("RestAgent dropped completion of an unregistered client")
		return
	}

	c := RestCompletion{
		ID:   cm.ID,
		Recv: cm.Recv,
		Addr: uint64(cm.Addr),
		Tag:  cm.Tag,
		Data: cm.Data,
	}
	if cm.Err != nil {
		c.Error = cm.Err.Error()
	}
	ra.mailbox.Store(cm.Recipient, append(box.([]RestCompletion), c))
}

// randomUuid to be used for authentication. UUID does not comply with RFC 4122.
func (*RestAgent) randomUuid() (uuid string, err error) {
	uuidBytes := make([]byte, 16)
	if _, err = rand.Read(uuidBytes); err == nil {
		uuid = fmt.Sprintf("%x-%x-%x-%x-%x",
			uuidBytes[0:4], uuidBytes[4:6], uuidBytes[6:8], uuidBytes[8:10], uuidBytes[10:16])
	}
	return
}

func (*RestAgent) writeResponse(w http.ResponseWriter, response interface{}, what string) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.WithError(err).Warnf("Failed to write REST %s response", what)
	}
}

func (ra *RestAgent) isRegistered(uuid string) bool {
	_, ok := ra.mailbox.Load(uuid)
	return ok
}

// handleRegister processes /register POST requests.
func (ra *RestAgent) handleRegister(w http.ResponseWriter, _ *http.Request) {
	var registerResponse RestRegisterResponse

	if uuid, uuidErr := ra.randomUuid(); uuidErr != nil {
		registerResponse.Error = uuidErr.Error()
	} else {
		ra.mailbox.Store(uuid, []RestCompletion{})
		registerResponse.UUID = uuid
	}

	log.WithField("response", registerResponse).Info("Processing REST registration")
	ra.writeResponse(w, registerResponse, "registration")
}

// handleUnregister processes /unregister POST requests.
func (ra *RestAgent) handleUnregister(w http.ResponseWriter, r *http.Request) {
	var (
		unregisterRequest  RestUnregisterRequest
		unregisterResponse RestUnregisterResponse
	)

	if jsonErr := json.NewDecoder(r.Body).Decode(&unregisterRequest); jsonErr != nil {
		log.WithError(jsonErr).Warn("Failed to parse REST unregistration request")
		unregisterResponse.Error = jsonErr.Error()
	} else {
		log.WithField("uuid", unregisterRequest.UUID).Info("Unregister REST client")
		ra.mailbox.Delete(unregisterRequest.UUID)
	}

	ra.writeResponse(w, unregisterResponse, "unregistration")
}

// handleSend processes /send POST requests.
func (ra *RestAgent) handleSend(w http.ResponseWriter, r *http.Request) {
	var (
		sendRequest  RestSendRequest
		sendResponse RestRequestResponse
	)

	if jsonErr := json.NewDecoder(r.Body).Decode(&sendRequest); jsonErr != nil {
		sendResponse.Error = jsonErr.Error()
	} else if !ra.isRegistered(sendRequest.UUID) {
		sendResponse.Error = "unknown UUID"
	} else {
		sendResponse.ID = ra.nextID.Add(1)
		ra.sender <- SendMessage{
			Sender:  sendRequest.UUID,
			ID:      sendResponse.ID,
			Addr:    av.Addr(sendRequest.Addr),
			Tagged:  sendRequest.Tagged,
			Tag:     sendRequest.Tag,
			Payload: sendRequest.Payload,
		}
	}

	ra.writeResponse(w, sendResponse, "send")
}

// handleRecv processes /recv POST requests.
func (ra *RestAgent) handleRecv(w http.ResponseWriter, r *http.Request) {
	var (
		recvRequest  RestRecvRequest
		recvResponse RestRequestResponse
	)

	if jsonErr := json.NewDecoder(r.Body).Decode(&recvRequest); jsonErr != nil {
		recvResponse.Error = jsonErr.Error()
	} else if !ra.isRegistered(recvRequest.UUID) {
		recvResponse.Error = "unknown UUID"
	} else if recvRequest.Size < 0 || recvRequest.Size > MaxRecvSize {
		recvResponse.Error = fmt.Sprintf("size %d is out of range", recvRequest.Size)
	} else {
		addr := av.AddrUnspec
		if recvRequest.Addr != nil {
			addr = av.Addr(*recvRequest.Addr)
		}

		recvResponse.ID = ra.nextID.Add(1)
		ra.sender <- RecvMessage{
			Sender: recvRequest.UUID,
			ID:     recvResponse.ID,
			Addr:   addr,
			Tagged: recvRequest.Tagged,
			Tag:    recvRequest.Tag,
			Ignore: recvRequest.Ignore,
			Size:   recvRequest.Size,
		}
	}

	ra.writeResponse(w, recvResponse, "receive")
}

// handleFetch processes /fetch POST requests and empties the client's mailbox.
func (ra *RestAgent) handleFetch(w http.ResponseWriter, r *http.Request) {
	var (
		fetchRequest  RestFetchRequest
		fetchResponse RestFetchResponse
	)

	if jsonErr := json.NewDecoder(r.Body).Decode(&fetchRequest); jsonErr != nil {
		fetchResponse.Error = jsonErr.Error()
	} else {
		ra.mutex.Lock()
		if box, ok := ra.mailbox.Load(fetchRequest.UUID); !ok {
			fetchResponse.Error = "unknown UUID"
		} else {
			fetchResponse.Completions = box.([]RestCompletion)
			ra.mailbox.Store(fetchRequest.UUID, []RestCompletion{})
		}
		ra.mutex.Unlock()
	}

	ra.writeResponse(w, fetchResponse, "fetch")
}

// Names are the UUIDs of all registered clients.
func (ra *RestAgent) Names() (names []string) {
	ra.mailbox.Range(func(k, _ interface{}) bool {
		names = append(names, k.(string))
		return true
	})
	return
}

func (ra *RestAgent) MessageReceiver() chan Message {
	return ra.receiver
}

func (ra *RestAgent) MessageSender() chan Message {
	return ra.sender
}
