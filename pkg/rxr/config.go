// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rxr

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Config of an Endpoint.
type Config struct {
	// MediumThreshold is the largest message sent by the medium protocol.
	MediumThreshold int

	// ReadThreshold is the smallest message sent by the long read protocol.
	// Messages from device memory use it regardless of their size.
	ReadThreshold int

	// UseRead enables RDMA reads, if the transport supports them.
	UseRead bool

	// UseCopyByRead copies DATA payloads into device memory by a local read.
	UseCopyByRead bool

	// ConnIDHeader announces support for the connection id header.
	ConnIDHeader bool

	// ImplicitAV inserts unknown senders into the address vector.
	ImplicitAV bool

	// MaxCredits is each peer's credit balance, TxMinCredits the least
	// amount granted to one transfer.
	MaxCredits   int
	TxMinCredits int

	// RecvWindow is the size of each peer's reorder window.
	RecvWindow int

	// RNRRetryLimit is the amount of RNR events for a peer before its
	// transfers fail. A negative value retries forever.
	RNRRetryLimit  int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// TxSize and RxSize are the amounts of send and receive entries,
	// ReadSize the amount of concurrent reads.
	TxSize   int
	RxSize   int
	ReadSize int

	// TxPktCount is the amount of outgoing packet buffers, RxWindow the
	// amount of receive buffers posted per transport.
	TxPktCount    int
	RxWindow      int
	UnexpPktCount int
	OOOPktCount   int
	ReadPktCount  int

	// ReadSegmentSize caps the length of one read.
	ReadSegmentSize int

	// MinMultiRecvSize is the least space left in a multi-recv buffer
	// before it is released.
	MinMultiRecvSize int

	// PollBatch is the amount of transport completions handled per poll.
	PollBatch int

	// Now is the clock for RNR backoff deadlines.
	Now func() time.Time
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MediumThreshold: 64 * 1024,
		ReadThreshold:   1024 * 1024,
		UseRead:         true,
		UseCopyByRead:   true,
		ConnIDHeader:    true,
		ImplicitAV:      false,

		MaxCredits:   64,
		TxMinCredits: 32,
		RecvWindow:   16384,

		RNRRetryLimit:  10,
		InitialBackoff: 100 * time.Microsecond,
		MaxBackoff:     100 * time.Millisecond,

		TxSize:   1024,
		RxSize:   1024,
		ReadSize: 1024,

		TxPktCount:    1024,
		RxWindow:      256,
		UnexpPktCount: 1024,
		OOOPktCount:   512,
		ReadPktCount:  256,

		ReadSegmentSize: 256 * 1024,

		MinMultiRecvSize: 16 * 1024,

		PollBatch: 64,

		Now: time.Now,
	}
}

// CheckValid returns an error for every inconsistent field.
func (c Config) CheckValid() (errs error) {
	positive := []struct {
		name  string
		value int
	}{
		{"MaxCredits", c.MaxCredits},
		{"TxMinCredits", c.TxMinCredits},
		{"RecvWindow", c.RecvWindow},
		{"TxSize", c.TxSize},
		{"RxSize", c.RxSize},
		{"ReadSize", c.ReadSize},
		{"TxPktCount", c.TxPktCount},
		{"RxWindow", c.RxWindow},
		{"UnexpPktCount", c.UnexpPktCount},
		{"OOOPktCount", c.OOOPktCount},
		{"ReadPktCount", c.ReadPktCount},
		{"ReadSegmentSize", c.ReadSegmentSize},
		{"PollBatch", c.PollBatch},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = multierror.Append(errs, fmt.Errorf("%s must be positive, not %d", p.name, p.value))
		}
	}

	if c.TxMinCredits > c.MaxCredits {
		errs = multierror.Append(errs,
			fmt.Errorf("TxMinCredits %d exceed MaxCredits %d", c.TxMinCredits, c.MaxCredits))
	}
	if c.MediumThreshold < 0 {
		errs = multierror.Append(errs, fmt.Errorf("MediumThreshold must not be negative"))
	}
	if c.ReadThreshold < c.MediumThreshold {
		errs = multierror.Append(errs,
			fmt.Errorf("ReadThreshold %d is below MediumThreshold %d", c.ReadThreshold, c.MediumThreshold))
	}
	if c.MinMultiRecvSize < 0 {
		errs = multierror.Append(errs, fmt.Errorf("MinMultiRecvSize must not be negative"))
	}
	if c.InitialBackoff <= 0 || c.MaxBackoff < c.InitialBackoff {
		errs = multierror.Append(errs,
			fmt.Errorf("invalid RNR backoff range [%v, %v]", c.InitialBackoff, c.MaxBackoff))
	}
	if c.Now == nil {
		errs = multierror.Append(errs, fmt.Errorf("Now must not be nil"))
	}

	return
}
