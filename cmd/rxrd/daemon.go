// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dtn7/rxr-go/pkg/agent"
	"github.com/dtn7/rxr-go/pkg/av"
	"github.com/dtn7/rxr-go/pkg/discovery"
	"github.com/dtn7/rxr-go/pkg/hmem"
	"github.com/dtn7/rxr-go/pkg/metrics"
	"github.com/dtn7/rxr-go/pkg/rxr"
	"github.com/dtn7/rxr-go/pkg/transport"
)

const (
	pingDepth = 16
	pingSize  = 64 * 1024
)

// daemon is everything started for one configuration.
type daemon struct {
	conf     tomlConfig
	linkType discovery.LinkType

	store     *av.Store
	addrs     *av.AddressVector
	ep        *rxr.Endpoint
	agents    *agent.MuxAgent
	bridge    *agent.Bridge
	discovery *discovery.Manager
	servers   []*http.Server
}

// startDaemon brings up the Endpoint with its agents, discovery and HTTP
// servers. The servers are started by run.
func startDaemon(conf tomlConfig) (d *daemon, err error) {
	d = &daemon{conf: conf}
	defer func() {
		if err != nil {
			if closeErr := d.Close(); closeErr != nil {
				log.WithError(closeErr).Warn("Closing a partially started daemon errored")
			}
			d = nil
		}
	}()

	epConf, err := conf.Endpoint.endpointConfig()
	if err != nil {
		return
	}
	interval, err := conf.Endpoint.progressInterval()
	if err != nil {
		return
	}

	// Address Vector
	d.addrs = av.New()
	if conf.Store != "" {
		if d.store, err = av.OpenStore(conf.Store); err != nil {
			return
		}
		if err = d.addrs.Attach(d.store); err != nil {
			return
		}
	}

	// Endpoint
	tp, announcement, err := parseLink(conf.Link, conf.Node)
	if err != nil {
		return
	}
	d.linkType = announcement.Type

	if d.ep, err = rxr.NewEndpoint(epConf, d.addrs, hmem.NewRegistry(0), tp, nil); err != nil {
		_ = tp.Close()
		return
	}
	if err = d.ep.Enable(); err != nil {
		return
	}

	log.WithFields(log.Fields{
		"node":    conf.Node,
		"address": d.ep.Address(),
	}).Info("Endpoint is up")

	insertPeers(d.addrs, conf.Peer)

	// Application Agents
	d.agents = agent.NewMuxAgent()
	router := mux.NewRouter()

	if conf.Agent.Rest {
		d.agents.Register(agent.NewRestAgent(router.PathPrefix("/rest").Subrouter()))
	}
	if conf.Agent.WebSocket {
		ws := agent.NewWebSocketAgent()
		router.Handle("/ws", ws)
		d.agents.Register(ws)
	}
	if conf.Agent.Ping != "" {
		d.agents.Register(agent.NewPing(conf.Agent.Ping, pingDepth, pingSize))
	}
	d.bridge = agent.NewBridge(d.ep, d.agents, interval)

	if conf.Agent.Listen != "" {
		d.servers = append(d.servers, &http.Server{Addr: conf.Agent.Listen, Handler: router})
	}

	// Metrics
	if conf.Metrics.Listen != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			metrics.NewCollector(map[string]metrics.StatsSource{conf.Node: d.ep}),
			collectors.NewGoCollector())

		metricsRouter := mux.NewRouter()
		metricsRouter.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		d.servers = append(d.servers, &http.Server{Addr: conf.Metrics.Listen, Handler: metricsRouter})
	}

	// Discovery
	if conf.Discovery.IPv4 || conf.Discovery.IPv6 {
		d.discovery, err = discovery.NewManager(
			conf.Node, d.discovered,
			[]discovery.Announcement{announcement}, time.Duration(conf.Discovery.Interval)*time.Second,
			conf.Discovery.IPv4, conf.Discovery.IPv6)
		if err != nil {
			return
		}
	}

	return
}

// discovered inserts a peer announced on a compatible link.
func (d *daemon) discovered(linkType discovery.LinkType, addr transport.Address) {
	if linkType != d.linkType {
		log.WithFields(log.Fields{
			"peer": addr,
			"link": linkType,
		}).Debug("Ignoring peer on another link type")
		return
	}

	if a, err := d.addrs.Insert(addr); err != nil {
		log.WithFields(log.Fields{
			"peer":  addr,
			"error": err,
		}).Warn("Failed to insert discovered peer")
	} else {
		log.WithFields(log.Fields{
			"peer": addr,
			"addr": a,
		}).Debug("Inserted discovered peer")
	}
}

// run the HTTP servers and the peers file watcher until ctx is done or one of
// them fails.
func (d *daemon) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, server := range d.servers {
		server := server
		g.Go(func() error {
			log.WithField("listen", server.Addr).Info("Starting HTTP server")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server on %s: %w", server.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var errs error
		for _, server := range d.servers {
			if err := server.Shutdown(shutdownCtx); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		return errs
	})

	if d.conf.PeersFile != "" {
		g.Go(func() error {
			return watchPeers(gctx, d.conf.PeersFile, d.addrs)
		})
	}

	return g.Wait()
}

// Close everything in reverse order of startDaemon.
func (d *daemon) Close() (errs error) {
	if d.discovery != nil {
		d.discovery.Close()
	}

	if d.bridge != nil {
		d.bridge.Close()
	}

	if d.ep != nil {
		if err := d.ep.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing endpoint: %w", err))
		}
	}

	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing address store: %w", err))
		}
	}

	return
}
