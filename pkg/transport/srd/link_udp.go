// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package srd

import (
	"context"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
)

// UDPLink is a Link on a UDP socket.
type UDPLink struct {
	conn     *net.UDPConn
	maxFrame int

	addrMutex sync.Mutex
	addrs     map[string]*net.UDPAddr
}

// ListenUDP binds a UDPLink to addr. If bufferSize is positive, the socket's
// send and receive buffers are resized.
func ListenUDP(addr string, maxFrame, bufferSize int) (*UDPLink, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}

	if bufferSize > 0 {
		if err := setSocketBuffers(conn, bufferSize); err != nil {
			log.WithFields(log.Fields{
				"address": conn.LocalAddr(),
				"size":    bufferSize,
				"error":   err,
			}).Warn("Failed to resize UDP socket buffers")
		}
	}

	return &UDPLink{
		conn:     conn,
		maxFrame: maxFrame,
		addrs:    make(map[string]*net.UDPAddr),
	}, nil
}

func (l *UDPLink) resolve(to string) (*net.UDPAddr, error) {
	l.addrMutex.Lock()
	defer l.addrMutex.Unlock()

	if addr, ok := l.addrs[to]; ok {
		return addr, nil
	}

	addr, err := net.ResolveUDPAddr("udp", to)
	if err != nil {
		return nil, err
	}
	l.addrs[to] = addr
	return addr, nil
}

func (l *UDPLink) WriteTo(frame []byte, to string) error {
	addr, err := l.resolve(to)
	if err != nil {
		return err
	}

	_, err = l.conn.WriteToUDP(frame, addr)
	return err
}

func (l *UDPLink) ReadFrom(ctx context.Context) (frame []byte, from string, err error) {
	buf := make([]byte, l.maxFrame)

	n, addr, readErr := l.conn.ReadFromUDP(buf)
	if readErr != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		} else {
			err = readErr
		}
		return
	}

	frame = buf[:n]
	from = addr.String()
	return
}

func (l *UDPLink) LocalAddr() string {
	return l.conn.LocalAddr().String()
}

func (l *UDPLink) MaxFrameSize() int {
	return l.maxFrame
}

func (l *UDPLink) Close() error {
	return l.conn.Close()
}
