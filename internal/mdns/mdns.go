// Package mdns advertises the relay on the local network over DNS-SD so
// desktops and agents on the same LAN can find it without typing an address.
//
// The advertisement uses service type _servermint-relay._tcp with TXT records:
//
//	version=<protocol version>
//	name=<instance name>
//	scheme=ws|wss
//	path=/ws
//	fp=<certificate fingerprint>   (TLS only)
//
// Discovery only reveals presence; agents still need a token.
package mdns

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the DNS-SD service type for relays.
const ServiceType = "_servermint-relay._tcp"

// ProtocolVersion is bumped when the TXT layout changes.
const ProtocolVersion = "1"

const domain = "local."

// Config describes what to advertise.
type Config struct {
	// Port is the relay's listening port.
	Port int
	// TLS selects wss in the advertisement.
	TLS bool
	// Fingerprint is the certificate fingerprint when TLS is on.
	Fingerprint string
	// Name defaults to the system hostname.
	Name string
}

// Advertiser registers the relay with DNS-SD until stopped.
type Advertiser struct {
	config Config
	server *zeroconf.Server
	mu     sync.Mutex
}

// NewAdvertiser creates an advertiser. Nothing is sent until Start.
func NewAdvertiser(cfg Config) *Advertiser {
	return &Advertiser{config: cfg}
}

func (c Config) instanceName() string {
	if c.Name != "" {
		return c.Name
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "servermint-relay"
}

// TXT returns the TXT records for cfg.
func (c Config) TXT() []string {
	scheme := "ws"
	if c.TLS {
		scheme = "wss"
	}
	txt := []string{
		"version=" + ProtocolVersion,
		"name=" + c.instanceName(),
		"scheme=" + scheme,
		"path=/ws",
	}
	if c.TLS && c.Fingerprint != "" {
		txt = append(txt, "fp="+c.Fingerprint)
	}
	return txt
}

// Start registers the service. Calling Start while running is a no-op.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}

	server, err := zeroconf.Register(a.config.instanceName(), ServiceType, domain,
		a.config.Port, a.config.TXT(), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	a.server = server
	return nil
}

// Stop unregisters the service. Safe to call repeatedly or before Start.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// IsRunning reports whether the service is registered.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// DiscoveredRelay is one relay found on the network.
type DiscoveredRelay struct {
	Name        string `json:"name"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Scheme      string `json:"scheme"`
	Path        string `json:"path"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Version     string `json:"version"`
}

// URL returns the socket URL clients should dial.
func (d DiscoveredRelay) URL() string {
	host := d.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s://%s:%d%s", d.Scheme, host, d.Port, d.Path)
}

func fromEntry(entry *zeroconf.ServiceEntry) DiscoveredRelay {
	relay := DiscoveredRelay{
		Name:   entry.Instance,
		Port:   entry.Port,
		Scheme: "ws",
		Path:   "/",
	}
	if len(entry.AddrIPv4) > 0 {
		relay.Host = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		relay.Host = entry.AddrIPv6[0].String()
	}

	for _, txt := range entry.Text {
		key, value, ok := strings.Cut(txt, "=")
		if !ok || value == "" {
			continue
		}
		switch key {
		case "version":
			relay.Version = value
		case "name":
			relay.Name = value
		case "scheme":
			relay.Scheme = value
		case "path":
			relay.Path = value
		case "fp":
			relay.Fingerprint = value
		}
	}
	return relay
}

// Discover browses for relays until ctx is done.
func Discover(ctx context.Context) ([]DiscoveredRelay, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		relays []DiscoveredRelay
		wg     sync.WaitGroup
	)
	entries := make(chan *zeroconf.ServiceEntry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			relays = append(relays, fromEntry(entry))
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, domain, entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	// zeroconf closes entries once ctx is done.
	<-ctx.Done()
	wg.Wait()

	return relays, nil
}
