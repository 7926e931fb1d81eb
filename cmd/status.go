package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"

	"github.com/servermint/relay/internal/server"
)

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)

	addr := fs.String("addr", "", "Relay address to query (default: 127.0.0.1, then LAN IP)")
	port := fs.Int("port", defaultPort, "Port to query when auto-selecting address")
	asJSON := fs.Bool("json", false, "Print JSON instead of text")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: relay status [options]\n\nShow the status of a running relay. The relay only answers local requests.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	explicitFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicitFlags[f.Name] = true
	})

	if err := validatePort(*port); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	var (
		status server.StatusResponse
		err    error
	)
	for _, target := range resolveAddrCandidates(*addr, *port, explicitFlags["port"], stderr) {
		if _, err = callRelay(http.MethodGet, target, "/status", nil, &status); err == nil {
			break
		}
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.Encode(status)
		return 0
	}
	writeStatusOutput(stdout, &status)
	return 0
}

// writeStatusOutput renders human-readable relay status.
func writeStatusOutput(stdout io.Writer, status *server.StatusResponse) {
	fmt.Fprintf(stdout, "Relay Status\n")
	fmt.Fprintf(stdout, "============\n")
	fmt.Fprintf(stdout, "Listening:    %s\n", status.ListeningAddress)
	fmt.Fprintf(stdout, "TLS:          %v\n", status.TLSEnabled)
	fmt.Fprintf(stdout, "Uptime:       %s\n", formatUptime(status.UptimeSeconds))
	fmt.Fprintf(stdout, "Connections:  %d (%d agents, %d desktops, %d unauthenticated)\n",
		status.Connections, status.Agents, status.Desktops, status.Unauthenticated)
	fmt.Fprintf(stdout, "Tokens:       %d outstanding\n", status.Tokens)
	fmt.Fprintf(stdout, "Nodes:        %d known\n", status.Nodes)
	fmt.Fprintf(stdout, "Audit log:    %s\n", enabledString(status.AuditEnabled))
	fmt.Fprintf(stdout, "NATS:         %s\n", enabledString(status.NATSEnabled))
	fmt.Fprintf(stdout, "mDNS:         %s\n", enabledString(status.MDNSEnabled))
}

func enabledString(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}
