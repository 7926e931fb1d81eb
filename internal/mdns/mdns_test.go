package mdns

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestNewAdvertiser(t *testing.T) {
	advertiser := NewAdvertiser(Config{Port: 8080, Name: "relay-1"})
	if advertiser.config.Port != 8080 || advertiser.config.Name != "relay-1" {
		t.Errorf("unexpected config: %+v", advertiser.config)
	}
	if advertiser.IsRunning() {
		t.Error("advertiser should not be running before Start()")
	}
}

func TestAdvertiserStopBeforeStart(t *testing.T) {
	advertiser := NewAdvertiser(Config{Port: 8080})

	advertiser.Stop()
	advertiser.Stop()

	if advertiser.IsRunning() {
		t.Error("advertiser should not be running after Stop()")
	}
}

func TestTXT(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want []string
	}{
		{
			name: "plain",
			cfg:  Config{Port: 8080, Name: "relay-1", Fingerprint: "AA:BB"},
			want: []string{"version=1", "name=relay-1", "scheme=ws", "path=/ws"},
		},
		{
			name: "tls with fingerprint",
			cfg:  Config{Port: 8443, Name: "relay-1", TLS: true, Fingerprint: "AA:BB"},
			want: []string{"version=1", "name=relay-1", "scheme=wss", "path=/ws", "fp=AA:BB"},
		},
		{
			name: "tls without fingerprint",
			cfg:  Config{Port: 8443, Name: "relay-1", TLS: true},
			want: []string{"version=1", "name=relay-1", "scheme=wss", "path=/ws"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.cfg.TXT()
			if strings.Join(got, " ") != strings.Join(tt.want, " ") {
				t.Errorf("TXT() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTXTDefaultName(t *testing.T) {
	txt := Config{Port: 8080}.TXT()
	if txt[1] == "name=" {
		t.Errorf("empty instance name in %v", txt)
	}
}

func TestFromEntry(t *testing.T) {
	entry := zeroconf.NewServiceEntry("host-a", ServiceType, domain)
	entry.Port = 8443
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	entry.Text = []string{"version=1", "name=office relay", "scheme=wss", "path=/ws", "fp=AA:BB", "junk", "empty="}

	got := fromEntry(entry)
	want := DiscoveredRelay{
		Name:        "office relay",
		Host:        "192.168.1.20",
		Port:        8443,
		Scheme:      "wss",
		Path:        "/ws",
		Fingerprint: "AA:BB",
		Version:     "1",
	}
	if got != want {
		t.Errorf("fromEntry() = %+v, want %+v", got, want)
	}
	if got.URL() != "wss://192.168.1.20:8443/ws" {
		t.Errorf("URL() = %s", got.URL())
	}
}

func TestFromEntryDefaults(t *testing.T) {
	entry := zeroconf.NewServiceEntry("host-b", ServiceType, domain)
	entry.Port = 8080
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}

	got := fromEntry(entry)
	if got.Name != "host-b" || got.Scheme != "ws" || got.Path != "/" {
		t.Errorf("unexpected defaults: %+v", got)
	}
	if got.URL() != "ws://[fe80::1]:8080/" {
		t.Errorf("URL() = %s", got.URL())
	}
}

// TestDiscoverTimeout verifies Discover returns when its context ends, even
// with nothing on the network.
func TestDiscoverTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping multicast test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := Discover(ctx); err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Discover did not return after context timeout")
	}
}
