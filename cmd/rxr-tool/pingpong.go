// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/rxr-go/pkg/av"
	"github.com/dtn7/rxr-go/pkg/hmem"
	"github.com/dtn7/rxr-go/pkg/rxr"
	"github.com/dtn7/rxr-go/pkg/transport"
	"github.com/dtn7/rxr-go/pkg/transport/fabric"
	"github.com/dtn7/rxr-go/pkg/transport/shm"
	"github.com/dtn7/rxr-go/pkg/transport/srd"
)

// pingpongTimeout bounds the wait for a single message.
const pingpongTimeout = 10 * time.Second

// pair of connected Endpoints within this process.
type pair struct {
	eps   [2]*rxr.Endpoint
	peers [2]av.Addr
}

// openTransport for the i-th Endpoint of a pair.
func openTransport(mode string, i int, f *fabric.Fabric, domain *shm.Domain, reg *hmem.Registry) (primary, local transport.Transport, err error) {
	raw := transport.Address{Host: "pingpong", QPN: uint16(i + 1), QKey: uint32(i + 1)}

	switch mode {
	case "fabric":
		primary, err = f.Open(raw, fabric.DefaultConfig(reg))

	case "shm":
		if primary, err = f.Open(raw, fabric.DefaultConfig(reg)); err != nil {
			return
		}
		local, err = domain.Open(raw.QPN, raw.QKey, shm.DefaultConfig(reg))

	case "udp":
		var link *srd.UDPLink
		if link, err = srd.ListenUDP("127.0.0.1:0", 8192, 0); err != nil {
			return
		}
		primary, err = srd.New(link, srd.DefaultConfig(raw.QKey))

	case "quic":
		var link *srd.QUICLink
		if link, err = srd.ListenQUIC("127.0.0.1:0", 1200); err != nil {
			return
		}
		primary, err = srd.New(link, srd.DefaultConfig(raw.QKey))

	default:
		err = fmt.Errorf("unknown mode \"%s\"", mode)
	}
	return
}

// openPair creates two Endpoints which know each other.
func openPair(mode string) (p *pair, err error) {
	var (
		f      = fabric.New()
		domain = shm.NewDomain("pingpong")
		addrs  [2]*av.AddressVector
	)

	p = &pair{}
	defer func() {
		if err != nil {
			_ = p.Close()
			p = nil
		}
	}()

	for i := range p.eps {
		reg := hmem.NewRegistry(0)
		primary, local, tpErr := openTransport(mode, i, f, domain, reg)
		if tpErr != nil {
			err = tpErr
			return
		}

		addrs[i] = av.New("pingpong")
		if p.eps[i], err = rxr.NewEndpoint(rxr.DefaultConfig(), addrs[i], reg, primary, local); err != nil {
			return
		}
		if err = p.eps[i].Enable(); err != nil {
			return
		}
	}

	for i := range p.eps {
		if p.peers[i], err = addrs[i].Insert(p.eps[1-i].Address()); err != nil {
			return
		}
	}
	return
}

// Close both Endpoints.
func (p *pair) Close() (errs error) {
	for _, ep := range p.eps {
		if ep == nil {
			continue
		}
		if err := ep.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return
}

// waitRecv drives both Endpoints until the i-th one completed a receive.
func (p *pair) waitRecv(i int) (c rxr.Completion, err error) {
	deadline := time.Now().Add(pingpongTimeout)

	for time.Now().Before(deadline) {
		for j, ep := range p.eps {
			if err = ep.Progress(); err != nil {
				return
			}

			for _, ev := range ep.ReadEQ() {
				return c, fmt.Errorf("endpoint %d reported %v: %w", j, ev.Addr, ev.Err)
			}

			for _, cq := range ep.ReadCQ(0) {
				if cq.Err != nil {
					return cq, fmt.Errorf("endpoint %d: %v", j, cq)
				}
				if j == i && cq.Flags.Has(rxr.FlagRecv) {
					return cq, nil
				}
			}
		}
		time.Sleep(10 * time.Microsecond)
	}

	err = fmt.Errorf("endpoint %d received nothing within %v", i, pingpongTimeout)
	return
}

// post an operation, retrying while resources are exhausted.
func (p *pair) post(f func() error) error {
	deadline := time.Now().Add(pingpongTimeout)

	for {
		err := f()
		if !errors.Is(err, rxr.ErrAgain) || time.Now().After(deadline) {
			return err
		}

		for _, ep := range p.eps {
			_ = ep.Progress()
		}
	}
}

// pingpong sends count messages of size bytes forth and back and returns the
// mean round-trip time.
func (p *pair) pingpong(count, size int) (time.Duration, error) {
	var (
		ping = bytes.Repeat([]byte("ping"), size/4+1)[:size]
		bufs = [2][]byte{make([]byte, size), make([]byte, size)}
	)

	start := time.Now()
	for round := 0; round < count; round++ {
		for _, i := range []int{0, 1} {
			i := i
			if err := p.post(func() error { return p.eps[i].Recv(bufs[i], p.peers[i], round) }); err != nil {
				return 0, err
			}
		}

		if err := p.post(func() error { return p.eps[0].Send(ping, p.peers[0], round) }); err != nil {
			return 0, err
		}
		if c, err := p.waitRecv(1); err != nil {
			return 0, err
		} else if c.Len != size {
			return 0, fmt.Errorf("round %d: received %d instead of %d bytes", round, c.Len, size)
		}

		if err := p.post(func() error { return p.eps[1].Send(bufs[1], p.peers[1], round) }); err != nil {
			return 0, err
		}
		if _, err := p.waitRecv(0); err != nil {
			return 0, err
		}

		if !bytes.Equal(bufs[0], ping) {
			return 0, fmt.Errorf("round %d: pong differs from ping", round)
		}
	}

	if count == 0 {
		return 0, nil
	}
	return time.Since(start) / time.Duration(count), nil
}

// runPingpong for the "pingpong" CLI option.
func runPingpong(args []string) {
	if len(args) < 1 || len(args) > 3 {
		printUsage()
	}

	var (
		mode  = args[0]
		count = 100
		size  = 4096
		err   error
	)

	if len(args) > 1 {
		if count, err = strconv.Atoi(args[1]); err != nil || count < 0 {
			printFatal(fmt.Errorf("invalid count %q", args[1]), "Parsing arguments errored")
		}
	}
	if len(args) > 2 {
		if size, err = strconv.Atoi(args[2]); err != nil || size < 0 {
			printFatal(fmt.Errorf("invalid size %q", args[2]), "Parsing arguments errored")
		}
	}

	p, err := openPair(mode)
	if err != nil {
		printFatal(err, "Opening endpoints errored")
	}
	defer p.Close()

	rtt, err := p.pingpong(count, size)
	if err != nil {
		printFatal(err, "Ping pong errored")
	}

	stats := p.eps[0].Stats()
	log.WithFields(log.Fields{
		"mode":         mode,
		"count":        count,
		"size":         size,
		"rtt":          rtt,
		"packets sent": stats.PktsSent,
		"rnr events":   stats.RNREvents,
	}).Info("Ping pong finished")
}
