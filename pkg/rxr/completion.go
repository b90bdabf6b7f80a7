// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package rxr

import (
	"fmt"
	"strings"

	"github.com/dtn7/rxr-go/pkg/av"
)

// Flags describe an operation, both when posting it and in its Completion.
type Flags uint32

const (
	FlagSend Flags = 1 << iota
	FlagRecv
	FlagMsg
	FlagTagged
	FlagRead
	FlagWrite
	FlagAtomic
	FlagRMA

	// FlagMultiRecv posts a receive buffer for several messages. In a
	// Completion it marks the buffer's release.
	FlagMultiRecv

	// FlagDeliveryComplete completes a send once the receiver delivered it.
	FlagDeliveryComplete
)

// Has checks if all bits of other are set.
func (f Flags) Has(other Flags) bool {
	return f&other == other
}

func (f Flags) String() string {
	names := []string{}
	for _, x := range []struct {
		f    Flags
		name string
	}{
		{FlagSend, "send"},
		{FlagRecv, "recv"},
		{FlagMsg, "msg"},
		{FlagTagged, "tagged"},
		{FlagRead, "read"},
		{FlagWrite, "write"},
		{FlagAtomic, "atomic"},
		{FlagRMA, "rma"},
		{FlagMultiRecv, "multi-recv"},
		{FlagDeliveryComplete, "delivery-complete"},
	} {
		if f.Has(x.f) {
			names = append(names, x.name)
		}
	}
	return strings.Join(names, "|")
}

// Completion of an operation. Err is set for failed operations.
type Completion struct {
	Context any
	Flags   Flags
	Len     int
	Tag     uint64

	// Src is the sender of a received message.
	Src av.Addr

	// Buf points to the received data within a multi-recv buffer.
	Buf []byte

	Err error
}

func (c Completion) String() string {
	if c.Err != nil {
		return fmt.Sprintf("Completion(%v, %v, err=%v)", c.Context, c.Flags, c.Err)
	}
	return fmt.Sprintf("Completion(%v, %v, len=%d)", c.Context, c.Flags, c.Len)
}

// ErrorEvent reports an error not bound to an operation, e.g., a failed peer.
type ErrorEvent struct {
	Addr av.Addr
	Err  error
}

func (e ErrorEvent) String() string {
	return fmt.Sprintf("ErrorEvent(%v, %v)", e.Addr, e.Err)
}
