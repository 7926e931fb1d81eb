package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/servermint/relay/internal/mdns"
)

// discoverRelays is replaced in tests.
var discoverRelays = mdns.Discover

func runDiscover(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	fs.SetOutput(stderr)

	timeout := fs.Duration("timeout", 3*time.Second, "How long to listen for advertisements")
	asJSON := fs.Bool("json", false, "Print JSON instead of text")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: relay discover [options]\n\nList relays advertising on the local network (started with --mdns).\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if *timeout <= 0 {
		fmt.Fprintf(stderr, "Error: --timeout must be positive\n")
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	relays, err := discoverRelays(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *asJSON {
		if relays == nil {
			relays = []mdns.DiscoveredRelay{}
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.Encode(relays)
		return 0
	}

	if len(relays) == 0 {
		fmt.Fprintln(stdout, "No relays found.")
		return 0
	}
	for _, r := range relays {
		fmt.Fprintf(stdout, "%s  %s\n", r.Name, r.URL())
		if r.Fingerprint != "" {
			fmt.Fprintf(stdout, "  fingerprint: %s\n", r.Fingerprint)
		}
	}
	return 0
}
