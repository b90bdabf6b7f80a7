// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

// RestRegisterResponse describes a JSON response for /register.
type RestRegisterResponse struct {
	Error string `json:"error"`
	UUID  string `json:"uuid"`
}

// RestUnregisterRequest describes a JSON to be POSTed to /unregister.
type RestUnregisterRequest struct {
	UUID string `json:"uuid"`
}

// RestUnregisterResponse describes a JSON response for /unregister.
type RestUnregisterResponse struct {
	Error string `json:"error"`
}

// RestSendRequest describes a JSON to be POSTed to /send. The payload is base64 encoded.
type RestSendRequest struct {
	UUID    string `json:"uuid"`
	Addr    uint64 `json:"addr"`
	Tagged  bool   `json:"tagged"`
	Tag     uint64 `json:"tag"`
	Payload []byte `json:"payload"`
}

// RestRecvRequest describes a JSON to be POSTed to /recv. An absent addr receives from any peer.
type RestRecvRequest struct {
	UUID   string  `json:"uuid"`
	Addr   *uint64 `json:"addr,omitempty"`
	Tagged bool    `json:"tagged"`
	Tag    uint64  `json:"tag"`
	Ignore uint64  `json:"ignore"`
	Size   int     `json:"size"`
}

// RestRequestResponse describes a JSON response for /send and /recv. The ID identifies the later completion.
type RestRequestResponse struct {
	Error string `json:"error"`
	ID    uint64 `json:"id"`
}

// RestFetchRequest describes a JSON to be POSTed to /fetch.
type RestFetchRequest struct {
	UUID string `json:"uuid"`
}

// RestCompletion describes a completed request within a RestFetchResponse.
type RestCompletion struct {
	ID    uint64 `json:"id"`
	Recv  bool   `json:"recv"`
	Addr  uint64 `json:"addr"`
	Tag   uint64 `json:"tag"`
	Data  []byte `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// RestFetchResponse describes a JSON response for /fetch.
type RestFetchResponse struct {
	Error       string           `json:"error"`
	Completions []RestCompletion `json:"completions"`
}
