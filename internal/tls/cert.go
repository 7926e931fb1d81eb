// Package tls creates and loads the relay's TLS certificate. When use_tls is
// set and no certificate exists, a self-signed one is generated; desktops and
// agents pin it by fingerprint.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultValidity     = 365 * 24 * time.Hour
	defaultOrganization = "servermint"
	commonName          = "servermint relay"
)

// Options controls certificate lookup and generation. Zero values get
// defaults.
type Options struct {
	// CertPath defaults to ~/.servermint-relay/certs/relay.crt.
	CertPath string
	// KeyPath defaults to ~/.servermint-relay/certs/relay.key.
	KeyPath string
	// Hosts become SANs. Defaults to LocalHosts().
	Hosts []string
	// Validity defaults to one year.
	Validity time.Duration
	// Organization defaults to "servermint".
	Organization string
}

// CertInfo describes a loaded or generated certificate.
type CertInfo struct {
	CertPath string
	KeyPath  string
	// Fingerprint is the SHA-256 of the DER certificate as colon-separated
	// uppercase hex ("AA:BB:...").
	Fingerprint string
	NotBefore   time.Time
	NotAfter    time.Time
	// Generated is true when the files were written by this call.
	Generated bool
}

// DefaultPaths returns ~/.servermint-relay/certs/relay.{crt,key}.
func DefaultPaths() (certPath, keyPath string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("failed to get home directory: %w", err)
	}
	dir := filepath.Join(home, ".servermint-relay", "certs")
	return filepath.Join(dir, "relay.crt"), filepath.Join(dir, "relay.key"), nil
}

func (o Options) withDefaults() (Options, error) {
	if o.CertPath == "" || o.KeyPath == "" {
		certPath, keyPath, err := DefaultPaths()
		if err != nil {
			return o, err
		}
		if o.CertPath == "" {
			o.CertPath = certPath
		}
		if o.KeyPath == "" {
			o.KeyPath = keyPath
		}
	}
	if len(o.Hosts) == 0 {
		o.Hosts = LocalHosts()
	}
	if o.Validity == 0 {
		o.Validity = defaultValidity
	}
	if o.Organization == "" {
		o.Organization = defaultOrganization
	}
	return o, nil
}

// Ensure loads the certificate pair if both files exist, and generates a new
// self-signed pair otherwise.
func Ensure(opts Options) (*CertInfo, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	if isFile(opts.CertPath) && isFile(opts.KeyPath) {
		info, err := Load(opts.CertPath, opts.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate: %w", err)
		}
		return info, nil
	}

	info, err := Generate(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate: %w", err)
	}
	return info, nil
}

// Load reads an existing pair and reports its fingerprint and validity.
func Load(certPath, keyPath string) (*CertInfo, error) {
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate pair: %w", err)
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return describe(cert, certPath, keyPath, false), nil
}

// Generate writes a new self-signed ECDSA P-256 certificate and key,
// overwriting existing files. Missing defaults are applied.
func Generate(opts Options) (*CertInfo, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{opts.Organization},
			CommonName:   commonName,
		},
		NotBefore:             now,
		NotAfter:              now.Add(opts.Validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, host := range opts.Hosts {
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, host)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	if err := writePEM(opts.CertPath, "CERTIFICATE", der, 0644); err != nil {
		return nil, err
	}
	if err := writePEM(opts.KeyPath, "PRIVATE KEY", keyDER, 0600); err != nil {
		return nil, err
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated certificate: %w", err)
	}
	return describe(cert, opts.CertPath, opts.KeyPath, true), nil
}

// ServerConfig builds the listener configuration for a certificate pair.
func ServerConfig(certPath, keyPath string) (*tls.Config, error) {
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}, nil
}

// Fingerprint returns the SHA-256 fingerprint of cert.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// FingerprintPEM returns the fingerprint of the first certificate in pemData.
func FingerprintPEM(pemData []byte) (string, error) {
	block, _ := pem.Decode(pemData)
	if block == nil || block.Type != "CERTIFICATE" {
		return "", errors.New("no PEM certificate found")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("failed to parse certificate: %w", err)
	}
	return Fingerprint(cert), nil
}

// LocalHosts returns localhost, the machine hostname and every unicast
// interface address, so LAN clients can verify the certificate.
func LocalHosts() []string {
	hosts := []string{"localhost", "127.0.0.1", "::1"}
	if name, err := os.Hostname(); err == nil && name != "" && name != "localhost" {
		hosts = append(hosts, name)
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return hosts
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.IsLinkLocalUnicast() {
			continue
		}
		hosts = append(hosts, ipNet.IP.String())
	}
	return hosts
}

func describe(cert *x509.Certificate, certPath, keyPath string, generated bool) *CertInfo {
	return &CertInfo{
		CertPath:    certPath,
		KeyPath:     keyPath,
		Fingerprint: Fingerprint(cert),
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
		Generated:   generated,
	}
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
