// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/dtn7/cboring"
	log "github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"

	"github.com/dtn7/rxr-go/pkg/av"
	"github.com/dtn7/rxr-go/pkg/transport"
)

// writeEntries as an xz compressed CBOR array of five-element arrays.
func writeEntries(entries []av.Entry, w io.Writer) error {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Addr < entries[j].Addr })

	xzW, err := xz.NewWriter(w)
	if err != nil {
		return err
	}

	if err := cboring.WriteArrayLength(uint64(len(entries)), xzW); err != nil {
		return err
	}

	for _, e := range entries {
		if err := cboring.WriteArrayLength(5, xzW); err != nil {
			return err
		}
		if err := cboring.WriteUInt(uint64(e.Addr), xzW); err != nil {
			return err
		}
		if err := cboring.WriteTextString(e.Raw.Host, xzW); err != nil {
			return err
		}
		for _, n := range []uint64{uint64(e.Raw.QPN), uint64(e.Raw.QKey), uint64(e.PrevQKey)} {
			if err := cboring.WriteUInt(n, xzW); err != nil {
				return err
			}
		}
	}

	return xzW.Close()
}

// readEntries written by writeEntries.
func readEntries(r io.Reader) (entries []av.Entry, err error) {
	xzR, err := xz.NewReader(r)
	if err != nil {
		return
	}

	n, err := cboring.ReadArrayLength(xzR)
	if err != nil {
		return
	}

	for i := uint64(0); i < n; i++ {
		if l, lErr := cboring.ReadArrayLength(xzR); lErr != nil {
			err = lErr
			return
		} else if l != 5 {
			err = fmt.Errorf("entry %d has %d instead of 5 fields", i, l)
			return
		}

		var (
			e      av.Entry
			fields [4]uint64
		)

		if fields[0], err = cboring.ReadUInt(xzR); err != nil {
			return
		}
		if e.Raw.Host, err = cboring.ReadTextString(xzR); err != nil {
			return
		}
		for j := 1; j < len(fields); j++ {
			if fields[j], err = cboring.ReadUInt(xzR); err != nil {
				return
			}
		}

		if fields[1] > 0xffff || fields[2] > 0xffffffff || fields[3] > 0xffffffff {
			err = fmt.Errorf("entry %d is out of range", i)
			return
		}

		e.Addr = av.Addr(fields[0])
		e.Raw = transport.Address{Host: e.Raw.Host, QPN: uint16(fields[1]), QKey: uint32(fields[2])}
		e.PrevQKey = uint32(fields[3])
		entries = append(entries, e)
	}
	return
}

// exportStore writes the Entries of the Store within dir.
func exportStore(dir string, w io.Writer) (int, error) {
	store, err := av.OpenStore(dir)
	if err != nil {
		return 0, err
	}
	defer store.Close()

	addrs := av.New()
	if err := addrs.Attach(store); err != nil {
		return 0, err
	}

	entries := addrs.Entries()
	return len(entries), writeEntries(entries, w)
}

// importStore puts the Entries read from r into the Store within dir.
func importStore(r io.Reader, dir string) (int, error) {
	entries, err := readEntries(r)
	if err != nil {
		return 0, err
	}

	store, err := av.OpenStore(dir)
	if err != nil {
		return 0, err
	}
	defer store.Close()

	for _, e := range entries {
		if err := store.Put(e); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}

// exportAV for the "av-export" CLI option.
func exportAV(args []string) {
	if len(args) != 2 {
		printUsage()
	}

	var (
		dir    = args[0]
		output = args[1]

		err error
		f   io.WriteCloser
	)

	if output == "-" {
		f = os.Stdout
	} else if f, err = os.Create(output); err != nil {
		printFatal(err, "Creating file errored")
	}

	n, err := exportStore(dir, f)
	if err != nil {
		printFatal(err, "Exporting address vector errored")
	}
	if err = f.Close(); err != nil {
		printFatal(err, "Closing file errored")
	}

	log.WithFields(log.Fields{
		"store":   dir,
		"entries": n,
	}).Info("Exported address vector")
}

// importAV for the "av-import" CLI option.
func importAV(args []string) {
	if len(args) != 2 {
		printUsage()
	}

	var (
		input = args[0]
		dir   = args[1]

		err error
		f   io.ReadCloser
	)

	if input == "-" {
		f = os.Stdin
	} else if f, err = os.Open(input); err != nil {
		printFatal(err, "Opening file for reading errored")
	}

	n, err := importStore(f, dir)
	if err != nil {
		printFatal(err, "Importing address vector errored")
	}
	if err = f.Close(); err != nil {
		printFatal(err, "Closing file errored")
	}

	log.WithFields(log.Fields{
		"store":   dir,
		"entries": n,
	}).Info("Imported address vector")
}
