package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/servermint/relay/internal/relay"
)

// TokenFlags holds configuration for the token command.
type TokenFlags struct {
	User     string
	Addr     string
	Port     int
	RelayURL string
	QR       bool
	JSON     bool
}

// TokenOutput is printed by relay token --json.
type TokenOutput struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	RelayURL  string    `json:"relayUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func runToken(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)

	f := &TokenFlags{}
	fs.StringVar(&f.User, "user", "", "User that will own the agent's node (default: anonymous)")
	fs.StringVar(&f.Addr, "addr", "", "Relay address (default: 127.0.0.1, then LAN IP)")
	fs.IntVar(&f.Port, "port", defaultPort, "Relay port when auto-selecting address")
	fs.StringVar(&f.RelayURL, "relay-url", "", "Socket URL agents should dial, shown with the token (default: derived from address)")
	fs.BoolVar(&f.QR, "qr", false, "Display the token and relay URL as a QR code")
	fs.BoolVar(&f.JSON, "json", false, "Print JSON instead of text")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: relay token [options]\n\nIssue a pairing token from a running relay.\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nThe token is valid for %s. An agent authenticates with it once;\n", relay.TokenTTL)
		fmt.Fprintf(stderr, "desktops of the same user then see the agent's node.\n")
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	explicitFlags := make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) {
		explicitFlags[fl.Name] = true
	})

	if err := validatePort(f.Port); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	body, _ := json.Marshal(map[string]string{"userId": f.User})

	var (
		resp struct {
			Token     string    `json:"token"`
			ExpiresAt time.Time `json:"expiresAt"`
		}
		err    error
		target string
		scheme string
	)
	for _, target = range resolveAddrCandidates(f.Addr, f.Port, explicitFlags["port"], stderr) {
		scheme, err = callRelay(http.MethodPost, target, "/api/token", body, &resp)
		if err == nil {
			break
		}
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		fmt.Fprintf(stderr, "\nThe relay must be running to issue a token.\n")
		fmt.Fprintf(stderr, "Start it with: relay serve\n")
		return 1
	}

	out := TokenOutput{
		Token:     resp.Token,
		UserID:    f.User,
		RelayURL:  f.RelayURL,
		ExpiresAt: resp.ExpiresAt,
	}
	if out.ExpiresAt.IsZero() {
		// Relays without expiresAt in the response.
		out.ExpiresAt = time.Now().Add(relay.TokenTTL)
	}
	if out.UserID == "" {
		out.UserID = "anonymous"
	}
	if out.RelayURL == "" {
		wsScheme := "ws"
		if scheme == "https" {
			wsScheme = "wss"
		}
		out.RelayURL = fmt.Sprintf("%s://%s/ws", wsScheme, displayHost(target))
	}

	switch {
	case f.JSON:
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	case f.QR:
		DisplayTokenQR(stdout, out)
	default:
		DisplayToken(stdout, out)
	}
	return 0
}

// pairingURL is the QR payload agents scan:
// servermint://pair?relay=<socket url>&token=<token>
func pairingURL(out TokenOutput) string {
	return fmt.Sprintf("servermint://pair?relay=%s&token=%s",
		url.QueryEscape(out.RelayURL), url.QueryEscape(out.Token))
}

// DisplayToken shows the token as text.
func DisplayToken(w io.Writer, out TokenOutput) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "         AGENT PAIRING TOKEN")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "  Token:   %s\n", out.Token)
	fmt.Fprintf(w, "  User:    %s\n", out.UserID)
	fmt.Fprintf(w, "  Relay:   %s\n", out.RelayURL)
	fmt.Fprintf(w, "  Expires: %s\n", out.ExpiresAt.Format("15:04:05"))
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  Configure the agent with this token and relay URL.")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
}

// DisplayTokenQR shows the pairing URL as a QR code with a plain-text fallback.
func DisplayTokenQR(w io.Writer, out TokenOutput) {
	qr, err := qrcode.New(pairingURL(out), qrcode.Medium)
	if err != nil {
		fmt.Fprintf(w, "Error generating QR code: %v\n", err)
		fmt.Fprintf(w, "Falling back to text display.\n\n")
		DisplayToken(w, out)
		return
	}

	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "         SCAN TO PAIR AGENT")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
	fmt.Fprint(w, qr.ToSmallString(false))
	fmt.Fprintln(w, "-------------------------------------------")
	fmt.Fprintln(w, "  Plain-text fallback:")
	fmt.Fprintf(w, "  Token:   %s\n", out.Token)
	fmt.Fprintf(w, "  Relay:   %s\n", out.RelayURL)
	fmt.Fprintf(w, "  Expires: %s\n", out.ExpiresAt.Format("15:04:05"))
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
}
