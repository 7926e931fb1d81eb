package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/servermint/relay/internal/config"
	"github.com/servermint/relay/internal/events"
	"github.com/servermint/relay/internal/logging"
	"github.com/servermint/relay/internal/mdns"
	"github.com/servermint/relay/internal/metrics"
	"github.com/servermint/relay/internal/relay"
	"github.com/servermint/relay/internal/server"
	"github.com/servermint/relay/internal/storage"
	relaytls "github.com/servermint/relay/internal/tls"
)

// eventQueueSize bounds lifecycle events waiting for sinks.
const eventQueueSize = 4096

// serveReady, when set, receives the bound address once the relay is
// accepting connections. Tests use it to find the port.
var serveReady func(addr string)

// ServeFlags holds the command-line overrides for relay serve.
type ServeFlags struct {
	Config    string
	Addr      string
	UseTLS    bool
	TLSCert   string
	TLSKey    string
	LogLevel  string
	LogFormat string
	AuditDB   string
	NATSURL   string
	MDNS      bool
	Metrics   bool
}

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)

	f := &ServeFlags{}
	fs.StringVar(&f.Config, "config", "", "Path to config file, .toml or .yaml (default: ~/.servermint-relay/config.toml)")
	fs.StringVar(&f.Addr, "addr", "", "Listen address (default: 0.0.0.0:8080, env PORT)")
	fs.BoolVar(&f.UseTLS, "tls", false, "Serve HTTPS/WSS (env USE_HTTPS=true)")
	fs.StringVar(&f.TLSCert, "tls-cert", "", "TLS certificate path (default: ~/.servermint-relay/certs/relay.crt, env SSL_CERT)")
	fs.StringVar(&f.TLSKey, "tls-key", "", "TLS key path (default: ~/.servermint-relay/certs/relay.key, env SSL_KEY)")
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level: debug, info, warn, error (default: info, env LOG_LEVEL)")
	fs.StringVar(&f.LogFormat, "log-format", "", "Log format: text or json (default: text, env LOG_FORMAT)")
	fs.StringVar(&f.AuditDB, "audit-db", "", "SQLite audit log path (default: disabled)")
	fs.StringVar(&f.NATSURL, "nats-url", "", "Publish lifecycle events to this NATS server (env NATS_URL)")
	fs.BoolVar(&f.MDNS, "mdns", false, "Advertise the relay on the local network")
	fs.BoolVar(&f.Metrics, "metrics", false, "Serve Prometheus metrics at /metrics")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: relay serve [options]\n\nRun the relay server.\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nPrecedence: flags, then environment, then config file, then defaults.\n")
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

	cfg, err := resolveServeConfig(f, explicitFlags, os.LookupEnv)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	logging.SetupWriter(stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, stdout); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// resolveServeConfig merges file, environment and flags, then applies
// defaults and validates.
func resolveServeConfig(f *ServeFlags, explicit map[string]bool, lookup func(string) (string, bool)) (*config.Config, error) {
	cfg, err := config.Load(f.Config)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}

	if f.Addr != "" {
		cfg.Addr = f.Addr
	}
	if f.TLSCert != "" {
		cfg.TLSCert = f.TLSCert
	}
	if f.TLSKey != "" {
		cfg.TLSKey = f.TLSKey
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	if f.LogFormat != "" {
		cfg.LogFormat = f.LogFormat
	}
	if f.AuditDB != "" {
		cfg.AuditDB = f.AuditDB
	}
	if f.NATSURL != "" {
		cfg.NATSURL = f.NATSURL
	}
	// Booleans: only an explicit flag overrides, so --mdns=false can turn off
	// a config-file true.
	if explicit["tls"] {
		cfg.UseTLS = f.UseTLS
	}
	if explicit["mdns"] {
		cfg.MDNS = f.MDNS
	}
	if explicit["metrics"] {
		cfg.Metrics = f.Metrics
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// serve runs the relay until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, stdout io.Writer) error {
	var sinks []events.Sink

	var m *metrics.Metrics
	if cfg.Metrics {
		m = metrics.New(nil)
		sinks = append(sinks, m)
	}

	var store *storage.SQLiteStore
	if cfg.AuditDB != "" {
		var err error
		store, err = storage.NewSQLiteStore(cfg.AuditDB)
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}
		defer store.Close()
		store.SetRecordForwarded(cfg.RecordForwarded)
		sinks = append(sinks, store)
	}

	var natsSink *events.NATSSink
	if cfg.NATSURL != "" {
		var err error
		natsSink, err = events.NewNATSSink(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer natsSink.Close()
		sinks = append(sinks, natsSink)
	}

	bus := events.NewBus(eventQueueSize, sinks...)
	bus.Start()
	defer bus.Stop()

	rl, err := relay.New(relay.Options{
		MaxTokens:     cfg.MaxTokens,
		SweepInterval: time.Duration(cfg.SweepIntervalSeconds) * time.Second,
		NodeIdleTTL:   time.Duration(cfg.NodeIdleTTLSeconds) * time.Second,
		Emitter:       bus,
	})
	if err != nil {
		return err
	}
	if m != nil {
		m.TrackStats(rl)
		m.TrackDropped(bus.Dropped)
	}

	srv := server.NewServer(cfg.Addr, rl)
	srv.SetEmitter(bus)
	srv.SetTokenRateLimit(cfg.TokenRequestsPerMinute)
	srv.SetMessageRateLimit(cfg.MessageRate, cfg.MessageBurst)
	if m != nil {
		srv.SetMetrics(m)
	}
	if store != nil {
		srv.SetEventLog(store)
	}
	srv.SetStatusInfo(server.StatusInfo{
		TLSEnabled:   cfg.UseTLS,
		AuditEnabled: store != nil,
		NATSEnabled:  natsSink != nil,
		MDNSEnabled:  cfg.MDNS,
	})

	var (
		errCh    <-chan error
		certInfo *relaytls.CertInfo
	)
	if cfg.UseTLS {
		certInfo, err = relaytls.Ensure(relaytls.Options{CertPath: cfg.TLSCert, KeyPath: cfg.TLSKey})
		if err != nil {
			return fmt.Errorf("failed to set up TLS certificate: %w", err)
		}
		if certInfo.Generated {
			fmt.Fprintln(stdout, "Generated new self-signed TLS certificate")
		}
		fmt.Fprintf(stdout, "Certificate: %s\n", certInfo.CertPath)
		fmt.Fprintf(stdout, "Valid until: %s\n", certInfo.NotAfter.Format("2006-01-02"))
		fmt.Fprintf(stdout, "Fingerprint (SHA-256):\n  %s\n", certInfo.Fingerprint)
		errCh = srv.StartAsyncTLS(server.TLSConfig{CertPath: certInfo.CertPath, KeyPath: certInfo.KeyPath})
	} else {
		errCh = srv.StartAsync()
	}
	if err := <-errCh; err != nil {
		return err
	}
	defer srv.Stop()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go rl.Run(runCtx)
	if store != nil && cfg.AuditRetentionDays > 0 {
		go runAuditCleanup(runCtx, store, time.Duration(cfg.AuditRetentionDays)*24*time.Hour)
	}

	if cfg.MDNS {
		advertiser := mdns.NewAdvertiser(mdnsConfig(srv.Addr(), certInfo))
		if err := advertiser.Start(); err != nil {
			slog.Warn("mdns advertisement failed", "err", err)
		} else {
			defer advertiser.Stop()
			fmt.Fprintln(stdout, "mDNS discovery: ENABLED (visible on LAN)")
		}
	}

	scheme := "ws"
	if cfg.UseTLS {
		scheme = "wss"
	}
	fmt.Fprintf(stdout, "%s listening on %s\n", server.Banner, srv.Addr())
	fmt.Fprintf(stdout, "Agents and desktops connect to %s://%s/ws\n", scheme, displayHost(srv.Addr()))
	if serveReady != nil {
		serveReady(srv.Addr())
	}

	<-ctx.Done()
	fmt.Fprintln(stdout, "Shutting down...")
	return nil
}

func mdnsConfig(addr string, certInfo *relaytls.CertInfo) mdns.Config {
	cfg := mdns.Config{Port: defaultPort}
	if _, portStr, err := net.SplitHostPort(addr); err == nil {
		if p, err := strconv.Atoi(portStr); err == nil && p > 0 {
			cfg.Port = p
		}
	}
	if certInfo != nil {
		cfg.TLS = true
		cfg.Fingerprint = certInfo.Fingerprint
	}
	return cfg
}

// runAuditCleanup trims the audit log now and then daily.
func runAuditCleanup(ctx context.Context, store *storage.SQLiteStore, retention time.Duration) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		if n, err := store.Cleanup(ctx, retention); err != nil {
			slog.Warn("audit cleanup failed", "err", err)
		} else if n > 0 {
			slog.Info("audit log trimmed", "deleted", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
