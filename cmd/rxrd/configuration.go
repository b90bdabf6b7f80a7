// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/rxr-go/pkg/discovery"
	"github.com/dtn7/rxr-go/pkg/rxr"
	"github.com/dtn7/rxr-go/pkg/transport"
	"github.com/dtn7/rxr-go/pkg/transport/srd"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Node      string
	Store     string
	PeersFile string `toml:"peers-file"`

	Endpoint  endpointConf
	Logging   logConf
	Link      linkConf
	Discovery discoveryConf
	Agent     agentConf
	Metrics   metricsConf
	Peer      []peerConf
}

// endpointConf overrides parts of the rxr.DefaultConfig. Zero values keep the
// default.
type endpointConf struct {
	MediumThreshold int    `toml:"medium-threshold"`
	ReadThreshold   int    `toml:"read-threshold"`
	ImplicitAV      bool   `toml:"implicit-av"`
	MaxCredits      int    `toml:"max-credits"`
	RecvWindow      int    `toml:"recv-window"`
	RNRRetryLimit   int    `toml:"rnr-retry-limit"`
	MaxBackoff      string `toml:"max-backoff"`
	TxSize          int    `toml:"tx-size"`
	RxSize          int    `toml:"rx-size"`
	RxWindow        int    `toml:"rx-window"`

	// ProgressInterval between two progress calls of the agent bridge.
	ProgressInterval string `toml:"progress-interval"`
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// linkConf describes the datagram link below the SRD transport.
type linkConf struct {
	Protocol   string
	Listen     string
	QKey       uint32
	MaxFrame   int `toml:"max-frame"`
	BufferSize int `toml:"buffer-size"`
}

// discoveryConf describes the Discovery-configuration block.
type discoveryConf struct {
	IPv4     bool
	IPv6     bool
	Interval uint
}

// agentConf describes the application agents and their HTTP server.
type agentConf struct {
	Listen    string
	Rest      bool
	WebSocket bool `toml:"websocket"`
	Ping      string
}

// metricsConf describes the Prometheus endpoint.
type metricsConf struct {
	Listen string
}

// peerConf is a statically known peer, used for "peer" blocks and peers files.
type peerConf struct {
	Host string
	QPN  uint16
	QKey uint32
}

func (pc peerConf) address() transport.Address {
	return transport.Address{Host: pc.Host, QPN: pc.QPN, QKey: pc.QKey}
}

func parseListenPort(endpoint string) (port int, err error) {
	var portStr string
	_, portStr, err = net.SplitHostPort(endpoint)
	if err != nil {
		return
	}
	port, err = strconv.Atoi(portStr)
	return
}

// parseConfig reads and checks a TOML configuration file.
func parseConfig(filename string) (conf tomlConfig, err error) {
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}

	parseLogging(conf.Logging)

	if conf.Node == "" {
		err = fmt.Errorf("node is empty")
		return
	}
	if conf.Link.Listen == "" {
		err = fmt.Errorf("link.listen is empty")
		return
	}
	if conf.Link.MaxFrame == 0 {
		conf.Link.MaxFrame = 8192
	}
	if conf.Link.QKey == 0 {
		conf.Link.QKey = rand.Uint32() | 1
		log.WithField("qkey", conf.Link.QKey).Debug("Picked a random link.qkey")
	}
	if conf.Discovery.Interval == 0 {
		conf.Discovery.Interval = 10
	}

	return
}

// parseLogging configures logrus.
func parseLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

// parseDuration accepts an empty string as the fallback value.
func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	return time.ParseDuration(s)
}

// endpointConfig applies the endpoint block to the rxr defaults.
func (ec endpointConf) endpointConfig() (conf rxr.Config, err error) {
	conf = rxr.DefaultConfig()

	overrides := []struct {
		value int
		field *int
	}{
		{ec.MediumThreshold, &conf.MediumThreshold},
		{ec.ReadThreshold, &conf.ReadThreshold},
		{ec.MaxCredits, &conf.MaxCredits},
		{ec.RecvWindow, &conf.RecvWindow},
		{ec.RNRRetryLimit, &conf.RNRRetryLimit},
		{ec.TxSize, &conf.TxSize},
		{ec.RxSize, &conf.RxSize},
		{ec.RxWindow, &conf.RxWindow},
	}
	for _, o := range overrides {
		if o.value != 0 {
			*o.field = o.value
		}
	}
	conf.ImplicitAV = ec.ImplicitAV

	if conf.MaxBackoff, err = parseDuration(ec.MaxBackoff, conf.MaxBackoff); err != nil {
		err = fmt.Errorf("endpoint.max-backoff: %w", err)
		return
	}

	err = conf.CheckValid()
	return
}

// progressInterval of the agent bridge.
func (ec endpointConf) progressInterval() (time.Duration, error) {
	return parseDuration(ec.ProgressInterval, time.Millisecond)
}

// parseLink opens the configured datagram link and the SRD transport on top
// of it. The returned Announcement describes the link for discovery.
func parseLink(conf linkConf, node string) (*srd.Transport, discovery.Announcement, error) {
	var (
		link     srd.Link
		linkType discovery.LinkType
		err      error
	)

	switch conf.Protocol {
	case "", "udp":
		link, err = srd.ListenUDP(conf.Listen, conf.MaxFrame, conf.BufferSize)
		linkType = discovery.UDP

	case "quic":
		link, err = srd.ListenQUIC(conf.Listen, conf.MaxFrame)
		linkType = discovery.QUIC

	default:
		err = fmt.Errorf("unknown link.protocol \"%s\"", conf.Protocol)
	}
	if err != nil {
		return nil, discovery.Announcement{}, err
	}

	port, err := parseListenPort(link.LocalAddr())
	if err != nil {
		_ = link.Close()
		return nil, discovery.Announcement{}, err
	}

	tp, err := srd.New(link, srd.DefaultConfig(conf.QKey))
	if err != nil {
		_ = link.Close()
		return nil, discovery.Announcement{}, err
	}

	announcement := discovery.Announcement{
		Node: node,
		Type: linkType,
		Port: uint(port),
		QPN:  tp.Address().QPN,
		QKey: conf.QKey,
	}
	return tp, announcement, nil
}
