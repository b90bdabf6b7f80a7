// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/schollz/peerdiscovery"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/rxr-go/pkg/transport"
)

// InsertFunc receives the address of a discovered endpoint.
type InsertFunc func(linkType LinkType, addr transport.Address)

// Manager publishes this node's Announcements and passes those of other nodes to its InsertFunc. An address is
// only passed again after its Announcement changed, e.g., after a peer restarted with a new QKey.
type Manager struct {
	Node       string
	InsertFunc InsertFunc

	stops []chan struct{}

	mutex sync.Mutex
	known map[string]Announcement
}

// NewManager creates and starts a Manager, announcing every interval on the enabled IP versions.
func NewManager(
	node string, insertFunc InsertFunc,
	announcements []Announcement, interval time.Duration,
	ipv4, ipv6 bool) (*Manager, error) {

	manager := &Manager{
		Node:       node,
		InsertFunc: insertFunc,
		known:      make(map[string]Announcement),
	}

	log.WithFields(log.Fields{
		"interval":      interval,
		"IPv4":          ipv4,
		"IPv6":          ipv6,
		"announcements": announcements,
	}).Info("Starting discovery Manager")

	payload, err := MarshalAnnouncements(announcements)
	if err != nil {
		return nil, err
	}

	for _, version := range []struct {
		enabled   bool
		multicast string
		ipVersion peerdiscovery.IPVersion
	}{
		{ipv4, address4, peerdiscovery.IPv4},
		{ipv6, address6, peerdiscovery.IPv6},
	} {
		if !version.enabled {
			continue
		}

		if err := manager.start(version.multicast, version.ipVersion, payload, interval); err != nil {
			manager.Close()
			return nil, err
		}
	}

	return manager, nil
}

// start a peerdiscovery instance. Its setup errors are reported within the first second.
func (manager *Manager) start(multicast string, ipVersion peerdiscovery.IPVersion, payload []byte, interval time.Duration) error {
	stop := make(chan struct{})

	settings := peerdiscovery.Settings{
		Limit:            -1,
		Port:             fmt.Sprintf("%d", port),
		MulticastAddress: multicast,
		Payload:          payload,
		Delay:            interval,
		TimeLimit:        -1,
		StopChan:         stop,
		AllowSelf:        true,
		IPVersion:        ipVersion,
		Notify:           manager.notify,
	}

	errChan := make(chan error, 1)
	go func() {
		_, err := peerdiscovery.Discover(settings)
		errChan <- err
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("discovery on %s: %w", multicast, err)
		}
		return nil

	case <-time.After(time.Second):
		manager.stops = append(manager.stops, stop)
		return nil
	}
}

// stripZone removes the zone of an IPv6 address, as reported by peerdiscovery.
func stripZone(host string) string {
	if i := strings.IndexByte(host, '%'); i >= 0 && strings.Contains(host, ":") {
		return host[:i]
	}
	return host
}

func (manager *Manager) notify(discovered peerdiscovery.Discovered) {
	announcements, err := UnmarshalAnnouncements(discovered.Payload)
	if err != nil {
		log.WithFields(log.Fields{
			"node":  manager.Node,
			"peer":  discovered.Address,
			"error": err,
		}).Warn("Peer discovery failed to parse an incoming packet")
		return
	}

	host := stripZone(discovered.Address)
	for _, announcement := range announcements {
		manager.handleDiscovery(announcement, host)
	}
}

func (manager *Manager) handleDiscovery(announcement Announcement, host string) {
	logger := log.WithFields(log.Fields{
		"node":         manager.Node,
		"peer":         host,
		"announcement": announcement,
	})

	if announcement.Node == manager.Node {
		return
	}
	if err := announcement.Type.CheckValid(); err != nil {
		logger.WithError(err).Warn("Announcement's link type is unknown")
		return
	}

	addr := announcement.Address(host)

	manager.mutex.Lock()
	prev, seen := manager.known[addr.Host]
	manager.known[addr.Host] = announcement
	manager.mutex.Unlock()

	if seen && prev == announcement {
		return
	}

	logger.Debug("Peer discovery found a new announcement")
	manager.InsertFunc(announcement.Type, addr)
}

// Close this Manager.
func (manager *Manager) Close() {
	for _, stop := range manager.stops {
		select {
		case stop <- struct{}{}:
		case <-time.After(time.Second):
		}
	}
	manager.stops = nil
}
