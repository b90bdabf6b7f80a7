// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package srd

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by a Link which cannot send to an address yet.
// The frame is lost and will be retransmitted.
var ErrNotConnected = errors.New("srd: link not connected")

// Link is an unreliable datagram medium. Frames may get lost, duplicated or
// reordered.
type Link interface {
	// WriteTo sends one frame to a link address without blocking.
	WriteTo(frame []byte, to string) error

	// ReadFrom blocks until the next frame arrives, ctx is canceled or the
	// Link is closed.
	ReadFrom(ctx context.Context) (frame []byte, from string, err error)

	// LocalAddr is the address peers reach this Link at.
	LocalAddr() string

	// MaxFrameSize is the largest frame WriteTo accepts.
	MaxFrameSize() int

	Close() error
}
