// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/rxr-go/pkg/av"
)

// peersFile is the content of a peers file, a TOML file of "peer" blocks.
type peersFile struct {
	Peer []peerConf
}

// loadPeers reads a peers file.
func loadPeers(filename string) ([]peerConf, error) {
	var pf peersFile
	if _, err := toml.DecodeFile(filename, &pf); err != nil {
		return nil, err
	}
	return pf.Peer, nil
}

// insertPeers into the AddressVector. Failures are logged and skipped.
func insertPeers(addrs *av.AddressVector, peers []peerConf) (inserted int) {
	for _, pc := range peers {
		addr, err := addrs.Insert(pc.address())
		if err != nil {
			log.WithFields(log.Fields{
				"peer":  pc.address(),
				"error": err,
			}).Warn("Failed to insert peer")
			continue
		}

		log.WithFields(log.Fields{
			"peer": pc.address(),
			"addr": addr,
		}).Debug("Inserted peer")
		inserted++
	}
	return
}

// watchPeers inserts the peers of filename now and every time the file is
// written, until ctx is done. The parent directory is watched, as editors
// tend to replace files instead of writing them.
func watchPeers(ctx context.Context, filename string, addrs *av.AddressVector) error {
	filename = filepath.Clean(filename)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting file watcher errored: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(filename)); err != nil {
		return fmt.Errorf("adding directory to file watcher errored: %w", err)
	}

	reload := func() {
		peers, err := loadPeers(filename)
		if err != nil {
			log.WithFields(log.Fields{
				"file":  filename,
				"error": err,
			}).Warn("Failed to load peers file")
			return
		}

		log.WithFields(log.Fields{
			"file":     filename,
			"peers":    len(peers),
			"inserted": insertPeers(addrs, peers),
		}).Info("Loaded peers file")
	}
	reload()

	for {
		select {
		case <-ctx.Done():
			return nil

		case e, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify's Event channel was closed")
			}

			if filepath.Clean(e.Name) != filename || e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				log.WithFields(log.Fields{
					"file":      e.Name,
					"operation": e.Op.String(),
				}).Debug("Ignoring fsnotify event")
				continue
			}

			reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify's Errors channel was closed")
			}

			return fmt.Errorf("fsnotify errored: %w", err)
		}
	}
}
