// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux

package srd

import (
	"net"

	"golang.org/x/sys/unix"
)

// setSocketBuffers tries the privileged SO_*BUFFORCE options first, which
// ignore the system wide maximum, and falls back to SO_RCVBUF and SO_SNDBUF.
func setSocketBuffers(conn *net.UDPConn, size int) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var optErr error
	ctrlErr := rawConn.Control(func(fd uintptr) {
		opts := []struct{ force, plain int }{
			{unix.SO_RCVBUFFORCE, unix.SO_RCVBUF},
			{unix.SO_SNDBUFFORCE, unix.SO_SNDBUF},
		}
		for _, opt := range opts {
			if unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, opt.force, size) == nil {
				continue
			}
			if optErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, opt.plain, size); optErr != nil {
				return
			}
		}
	})

	if ctrlErr != nil {
		return ctrlErr
	}
	return optErr
}
