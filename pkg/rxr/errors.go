// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rxr

import (
	"errors"
	"fmt"

	"github.com/dtn7/rxr-go/pkg/bufpool"
	"github.com/dtn7/rxr-go/pkg/peer"
	"github.com/dtn7/rxr-go/pkg/transport"
)

var (
	// ErrAgain is returned if an operation cannot be started right now. The
	// caller should call Progress and try again.
	ErrAgain = errors.New("rxr: resource temporarily unavailable")

	// ErrCanceled is the error of a canceled receive's Completion.
	ErrCanceled = errors.New("rxr: operation canceled")

	// ErrRNRRetryExceeded fails a transfer after too many RNR events.
	ErrRNRRetryExceeded = errors.New("rxr: RNR retry limit exceeded")

	// ErrOutOfWindow reports a request too far ahead of its peer's sequence.
	ErrOutOfWindow = errors.New("rxr: sequence id outside of the receive window")

	// ErrTruncated is the error of a receive whose buffer was too small.
	ErrTruncated = errors.New("rxr: message truncated")

	// ErrNotFound is returned by Cancel if no matching receive was posted.
	ErrNotFound = errors.New("rxr: no such operation")

	// ErrNotSupported is returned for operations the peer cannot serve and
	// for cancels by a context which cannot be compared.
	ErrNotSupported = errors.New("rxr: operation not supported by peer")

	// ErrRemoteAccess fails an RMA operation rejected by its target.
	ErrRemoteAccess = errors.New("rxr: remote access error")

	// ErrPeerFailed fails operations to a peer after a fatal transport error.
	ErrPeerFailed = errors.New("rxr: peer failed")

	// ErrClosed is returned after the Endpoint was closed.
	ErrClosed = errors.New("rxr: endpoint closed")

	// ErrDisabled is returned before the Endpoint was enabled.
	ErrDisabled = errors.New("rxr: endpoint not enabled")
)

// isRetry checks if err is a temporary condition which leaves work queued.
func isRetry(err error) bool {
	return errors.Is(err, ErrAgain) ||
		errors.Is(err, transport.ErrAgain) ||
		errors.Is(err, bufpool.ErrExhausted) ||
		errors.Is(err, peer.ErrInsufficientCredits)
}

// statusError translates a failed transport Status.
func statusError(s transport.Status) error {
	switch s {
	case transport.StatusOK:
		return nil
	case transport.StatusRemoteAccess:
		return ErrRemoteAccess
	case transport.StatusFlushed:
		return ErrClosed
	default:
		return fmt.Errorf("%w: transport reported %v", ErrPeerFailed, s)
	}
}
