// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package hmem models memory registration and heterogeneous memory copies.
//
// A Registry hands out Regions for byte slices. Each Region carries a key,
// which peers use to address it remotely through an RMAIOV, and the memory
// interface (Iface) the bytes live on. Copies into or out of an IOV respect
// the interface of each element, so device memory is always moved through
// the interface's copy function instead of a plain memmove.
package hmem
