// SPDX-FileCopyrightText: 2023 The rxr-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// rxr-tool runs local rxr self-tests and maintains persisted address vectors.
package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
)

// printUsage of rxr-tool and exit with an error code afterwards.
func printUsage() {
	_, _ = fmt.Fprintf(os.Stderr, "Usage of %s pingpong|av-export|av-import:\n\n", os.Args[0])

	_, _ = fmt.Fprintf(os.Stderr, "%s pingpong fabric|shm|udp|quic [count [size]]\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Connects two endpoints within this process by the given transport and sends\n")
	_, _ = fmt.Fprintf(os.Stderr, "  count messages of size bytes forth and back. Defaults to 100 and 4096.\n\n")

	_, _ = fmt.Fprintf(os.Stderr, "%s av-export store-directory -|filename\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Writes the address vector persisted in the store directory to stdout (-)\n")
	_, _ = fmt.Fprintf(os.Stderr, "  or the given file as xz compressed CBOR.\n\n")

	_, _ = fmt.Fprintf(os.Stderr, "%s av-import -|filename store-directory\n", os.Args[0])
	_, _ = fmt.Fprintf(os.Stderr, "  Reads an exported address vector from stdin (-) or the given file into the\n")
	_, _ = fmt.Fprintf(os.Stderr, "  store directory. Existing addresses are replaced.\n\n")

	os.Exit(1)
}

// printFatal logs an error with a message and exits.
func printFatal(err error, msg string) {
	log.WithError(err).Fatal(msg)
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
	}

	switch os.Args[1] {
	case "pingpong":
		runPingpong(os.Args[2:])

	case "av-export":
		exportAV(os.Args[2:])

	case "av-import":
		importAV(os.Args[2:])

	default:
		printUsage()
	}
}
