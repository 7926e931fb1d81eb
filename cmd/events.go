package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"

	"github.com/servermint/relay/internal/storage"
)

func runEvents(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.SetOutput(stderr)

	addr := fs.String("addr", "", "Relay address to query (default: 127.0.0.1)")
	port := fs.Int("port", defaultPort, "Port to query when --addr is not set")
	limit := fs.Int("limit", 50, "Number of events to show (max 1000)")
	asJSON := fs.Bool("json", false, "Print JSON instead of a table")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: relay events [options]\n\nShow recent audit events, newest first. Requires a relay started with an audit log.\n\nOptions:\n")
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
	if *limit <= 0 {
		fmt.Fprintf(stderr, "Error: --limit must be positive\n")
		return 1
	}

	target := resolveAddrCandidates(*addr, *port, explicitFlags["port"], stderr)[0]

	var records []storage.EventRecord
	_, err := callRelay(http.MethodGet, target, fmt.Sprintf("/api/events?limit=%d", *limit), nil, &records)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			fmt.Fprintf(stderr, "Error: the relay at %s has no audit log (start it with --audit-db)\n", target)
			return 1
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.Encode(records)
		return 0
	}
	writeEventsTable(stdout, records)
	return 0
}

func writeEventsTable(w io.Writer, records []storage.EventRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No events recorded.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tKIND\tCONNECTION\tUSER\tNODE\tDETAIL")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Time.Local().Format("2006-01-02 15:04:05"),
			r.Kind,
			dash(shortID(r.ConnectionID)),
			dash(r.UserID),
			dash(r.NodeID),
			dash(eventDetail(r)))
	}
	tw.Flush()
}

func eventDetail(r storage.EventRecord) string {
	var parts []string
	if r.MessageType != "" {
		parts = append(parts, r.MessageType)
	}
	if r.Code != "" {
		parts = append(parts, r.Code)
	}
	if r.Recipients > 0 {
		parts = append(parts, fmt.Sprintf("%d recipients", r.Recipients))
	}
	return strings.Join(parts, " ")
}

// shortID trims UUIDs to their first group for table output.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
