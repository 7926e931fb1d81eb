package main

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// relayRequestTimeout bounds CLI calls to a running relay.
const relayRequestTimeout = 3 * time.Second

// apiError is the relay's JSON error body.
type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// relayHTTPClient skips certificate verification: the relay usually runs
// with a self-signed certificate and these calls only go to addresses the
// operator named.
func relayHTTPClient() *http.Client {
	return &http.Client{
		Timeout: relayRequestTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
}

// callRelay tries HTTPS first, then HTTP, and decodes a 200 JSON response
// into out. It reports which scheme answered.
func callRelay(method, addr, path string, body []byte, out interface{}) (string, error) {
	var se *statusError
	err := callRelayWithScheme("https", method, addr, path, body, out)
	if err == nil || errors.As(err, &se) {
		return "https", err
	}
	if err := callRelayWithScheme("http", method, addr, path, body, out); err != nil {
		if errors.As(err, &se) {
			return "http", err
		}
		return "", fmt.Errorf("relay is not running at %s (or not reachable)", addr)
	}
	return "http", nil
}

// statusError is a non-200 answer from a reachable relay.
type statusError struct {
	Status int
	Body   apiError
}

func (e *statusError) Error() string {
	if e.Body.Error != "" {
		if e.Body.Code != "" {
			return fmt.Sprintf("relay returned %d: %s (%s)", e.Status, e.Body.Error, e.Body.Code)
		}
		return fmt.Sprintf("relay returned %d: %s", e.Status, e.Body.Error)
	}
	return fmt.Sprintf("relay returned status %d", e.Status)
}

func callRelayWithScheme(scheme, method, addr, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, fmt.Sprintf("%s://%s%s", scheme, addr, path), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := relayHTTPClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		se := &statusError{Status: resp.StatusCode}
		json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&se.Body)
		return se
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// formatUptime formats an uptime in seconds as a human-readable string.
// Examples: "45s", "5m 23s", "2h 15m", "3d 4h"
func formatUptime(seconds int64) string {
	d := time.Duration(seconds) * time.Second
	if d < time.Minute {
		return fmt.Sprintf("%ds", seconds)
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dd %dh", int(d.Hours())/24, int(d.Hours())%24)
}
