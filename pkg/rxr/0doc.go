// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package rxr implements a reliable, ordered messaging endpoint on top of an
// unreliable and unordered datagram transport.
//
// An Endpoint multiplexes messages, tagged messages, RMA reads and writes and
// atomics over a fixed amount of packet buffers. Payloads are delivered by
// one of four protocols, chosen by size:
//
//	eager     one request packet carries all data, unordered
//	medium    several request packets, each carrying a segment
//	long CTS  the receiver grants a window by CTS, data follows as DATA packets
//	long read the receiver pulls the payload by RDMA read and answers with EOR
//
// Requests of the medium and long protocols carry a per peer sequence id and
// pass the receiver's reorder window. Peers handshake their features on the
// first contact. A receiver without posted buffers makes the transport report
// RNR; the sender backs off exponentially and retransmits.
//
// An Endpoint never blocks. Operations which cannot be started immediately
// return ErrAgain, everything else is queued and driven by Progress. Results
// are collected by ReadCQ and, for errors not bound to an operation, ReadEQ.
// All methods are safe for concurrent use; they serialize on one lock.
package rxr
