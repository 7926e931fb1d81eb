// Package config provides configuration file loading for the relay.
// The configuration file lives at ~/.servermint-relay/config.toml by default,
// but can be overridden with the --config flag. Files ending in .yaml or .yml
// are parsed as YAML; anything else as TOML.
//
// Precedence, highest first: CLI flags, environment, file, defaults.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/servermint/relay/internal/logging"
)

// Config represents the relay configuration file structure.
// Keys are snake_case in both TOML and YAML.
type Config struct {
	// Addr is the host:port the relay listens on.
	// Default: 0.0.0.0:8080
	Addr string `toml:"addr" yaml:"addr"`

	// UseTLS serves HTTPS/WSS instead of plain HTTP/WS.
	UseTLS bool `toml:"use_tls" yaml:"use_tls"`

	// TLSCert is the path to the TLS certificate file.
	// Default: ~/.servermint-relay/certs/relay.crt (generated if missing)
	TLSCert string `toml:"tls_cert" yaml:"tls_cert"`

	// TLSKey is the path to the TLS key file.
	// Default: ~/.servermint-relay/certs/relay.key (generated if missing)
	TLSKey string `toml:"tls_key" yaml:"tls_key"`

	// LogLevel controls logging verbosity: debug, info, warn, error.
	LogLevel string `toml:"log_level" yaml:"log_level"`

	// LogFormat is text or json.
	LogFormat string `toml:"log_format" yaml:"log_format"`

	// MaxTokens bounds the live token table. Token requests fail while
	// every slot holds an unexpired token.
	MaxTokens int `toml:"max_tokens" yaml:"max_tokens"`

	// TokenRequestsPerMinute limits POST /api/token across all callers.
	// Zero selects the default; -1 disables the limit.
	TokenRequestsPerMinute int `toml:"token_requests_per_minute" yaml:"token_requests_per_minute"`

	// MessageRate and MessageBurst bound inbound frames per socket.
	// A zero rate selects the default; -1 disables the limit.
	MessageRate  float64 `toml:"message_rate" yaml:"message_rate"`
	MessageBurst int     `toml:"message_burst" yaml:"message_burst"`

	// NodeIdleTTLSeconds forgets ownership of nodes idle this long.
	// Zero (default) keeps ownership for the life of the process.
	NodeIdleTTLSeconds int `toml:"node_idle_ttl_seconds" yaml:"node_idle_ttl_seconds"`

	// SweepIntervalSeconds is how often expired tokens are swept.
	SweepIntervalSeconds int `toml:"sweep_interval_seconds" yaml:"sweep_interval_seconds"`

	// AuditDB is the SQLite audit log path. Empty disables the audit log.
	AuditDB string `toml:"audit_db" yaml:"audit_db"`

	// AuditRetentionDays deletes older audit rows at startup and daily.
	// Zero selects the default; -1 keeps everything.
	AuditRetentionDays int `toml:"audit_retention_days" yaml:"audit_retention_days"`

	// RecordForwarded also writes one audit row per forwarded frame.
	RecordForwarded bool `toml:"record_forwarded" yaml:"record_forwarded"`

	// NATSURL enables publishing lifecycle events to NATS.
	NATSURL string `toml:"nats_url" yaml:"nats_url"`

	// NATSSubject is the subject prefix; events go to <subject>.<kind>.
	NATSSubject string `toml:"nats_subject" yaml:"nats_subject"`

	// MDNS advertises the relay on the local network.
	// Default: false
	MDNS bool `toml:"mdns" yaml:"mdns"`

	// Metrics mounts the Prometheus endpoint at /metrics.
	Metrics bool `toml:"metrics" yaml:"metrics"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// DefaultDir returns ~/.servermint-relay.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".servermint-relay"), nil
}

// DefaultConfigPath returns the default config file location: ~/.servermint-relay/config.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load reads a config file from the given path and returns a Config.
// Defaults are not applied; call ApplyEnv then ApplyDefaults.
//
// Behavior:
//   - If path is empty, attempts to load from the default location.
//     Returns an empty Config without error if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	default:
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	return cfg, nil
}

// ApplyEnv overlays the deployment environment variables onto cfg. lookup is
// normally os.LookupEnv.
//
// PORT replaces only the port of Addr. USE_HTTPS is true only for "true".
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("PORT"); ok && v != "" {
		if _, err := strconv.ParseUint(v, 10, 16); err != nil {
			return fmt.Errorf("invalid PORT %q", v)
		}
		host := ""
		addr := c.Addr
		if addr == "" {
			addr = DefaultAddr
		}
		if h, _, err := net.SplitHostPort(addr); err == nil {
			host = h
		}
		c.Addr = net.JoinHostPort(host, v)
	}
	if v, ok := lookup("USE_HTTPS"); ok {
		c.UseTLS = v == "true"
	}
	if v, ok := lookup("SSL_CERT"); ok && v != "" {
		c.TLSCert = v
	}
	if v, ok := lookup("SSL_KEY"); ok && v != "" {
		c.TLSKey = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup("LOG_FORMAT"); ok && v != "" {
		c.LogFormat = v
	}
	if v, ok := lookup("NATS_URL"); ok && v != "" {
		c.NATSURL = v
	}
	return nil
}

// ApplyDefaults fills unset (zero) fields. Fields where zero means "disabled"
// (node_idle_ttl_seconds, audit_db) are left alone, as are fields set to
// Disabled.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.TokenRequestsPerMinute == 0 {
		c.TokenRequestsPerMinute = DefaultTokenRequestsPerMinute
	}
	if c.MessageRate == 0 {
		c.MessageRate = DefaultMessageRate
	}
	if c.MessageBurst == 0 {
		c.MessageBurst = DefaultMessageBurst
	}
	if c.SweepIntervalSeconds == 0 {
		c.SweepIntervalSeconds = DefaultSweepIntervalSeconds
	}
	if c.AuditRetentionDays == 0 {
		c.AuditRetentionDays = DefaultAuditRetentionDays
	}
	if c.NATSSubject == "" {
		c.NATSSubject = DefaultNATSSubject
	}
}

// Validate rejects values the relay cannot run with.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Addr); err != nil {
		return fmt.Errorf("invalid addr %q: %w", c.Addr, err)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("invalid log_format %q (want text or json)", c.LogFormat)
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must not be negative")
	}
	if c.TokenRequestsPerMinute < Disabled {
		return fmt.Errorf("token_requests_per_minute must be -1 (disabled) or more")
	}
	if c.MessageRate < Disabled {
		return fmt.Errorf("message_rate must be -1 (disabled) or more")
	}
	if c.MessageBurst < 0 {
		return fmt.Errorf("message_burst must not be negative")
	}
	if c.NodeIdleTTLSeconds < 0 {
		return fmt.Errorf("node_idle_ttl_seconds must not be negative")
	}
	if c.SweepIntervalSeconds < 0 {
		return fmt.Errorf("sweep_interval_seconds must not be negative")
	}
	if c.AuditRetentionDays < Disabled {
		return fmt.Errorf("audit_retention_days must be -1 (keep everything) or more")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls_cert and tls_key must be set together")
	}
	return nil
}
