// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package wire defines the packets exchanged between two RxR endpoints.
//
// Every packet starts with a fixed base header of four bytes: the packet Type,
// the protocol version and a big endian Flags field. Depending on the flags,
// a connection id (FlagConnID) and a pair of qkeys (FlagQKey) follow. The
// type specific header comes next as a CBOR array, closed by a CRC-16 (CCITT)
// over all header bytes. Everything behind the CRC is payload.
//
//	+------+---------+-------+---------+------+-------------+-------+---------+
//	| type | version | flags | connid? | qkey?| CBOR header | CRC16 | payload |
//	+------+---------+-------+---------+------+-------------+-------+---------+
package wire
