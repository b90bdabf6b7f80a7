// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package srd turns an unreliable datagram Link into a transport.Transport
// with the guarantees of a datagram NIC: datagrams are delivered at most once
// and in no particular order, a send completes after the receiver
// acknowledged it, and a receiver without a posted buffer answers with a
// not-ready NACK, reported as transport.StatusRNR.
//
// Two Links are provided, a plain UDP socket and QUIC datagrams.
//
// Each frame starts with a header of 17 bytes:
//
//	+------+----------+-----------+-----------+---------+
//	| kind | id (u64) | dst qkey  | src qkey  | payload |
//	+------+----------+-----------+-----------+---------+
package srd
