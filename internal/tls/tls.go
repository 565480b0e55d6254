// Package tls serves the proxy listener over TLS, from files or from a
// self-signed certificate generated on first start.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

// Config is the [server.tls] table.
type Config struct {
	Enabled      bool       `mapstructure:"enabled"`
	CertFile     string     `mapstructure:"cert_file"`
	KeyFile      string     `mapstructure:"key_file"`
	Dir          string     `mapstructure:"dir"` // holds tls.crt/tls.key when cert_file is empty
	AutoGenerate bool       `mapstructure:"auto_generate"`
	MinVersion   string     `mapstructure:"min_version"` // "1.2" or "1.3"
	AutoGen      AutoGenTLS `mapstructure:"auto_gen"`
}

// AutoGenTLS shapes the generated self-signed certificate.
type AutoGenTLS struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

// Validate reports configurations Setup cannot serve.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("server.tls: cert_file and key_file must be set together")
	}
	if c.CertFile == "" && c.Dir == "" {
		return errors.New("server.tls: enabled but neither cert_file nor dir is set")
	}
	if _, ok := parseTLSVersion(c.MinVersion); !ok {
		return fmt.Errorf("server.tls: unsupported min_version %q", c.MinVersion)
	}
	return nil
}

func parseTLSVersion(ver string) (uint16, bool) {
	switch ver {
	case "", "default", "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// Setup returns the listener TLS config, or nil when TLS is disabled.
// Certificates are re-read on each handshake so rotated files take effect
// without a restart.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	minVer, _ := parseTLSVersion(c.MinVersion)

	certPath, keyPath := c.CertFile, c.KeyFile
	if certPath == "" {
		certPath = filepath.Join(c.Dir, tlsCrt)
		keyPath = filepath.Join(c.Dir, tlsKey)
		if !certificatesExist(certPath, keyPath) {
			if !c.AutoGenerate {
				return nil, fmt.Errorf("server.tls: %s not found and auto_generate is off", certPath)
			}
			if err := generate(c.AutoGen, c.Dir); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	// probe once so a broken pair fails at startup rather than per handshake
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("server.tls: %w", err)
	}
	return &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			crt, err := tls.LoadX509KeyPair(certPath, keyPath)
			return &crt, err
		},
		MinVersion: minVer,
	}, nil
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func generate(a AutoGenTLS, dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create tls dir: %w", err)
	}
	dns := a.DNSNames
	if len(dns) == 0 {
		dns = []string{"localhost"}
	}
	ips := a.IPAddresses
	if len(ips) == 0 {
		ips = []string{"127.0.0.1"}
	}
	days := a.ValidDays
	if days <= 0 {
		days = 365
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   orDefault(a.CommonName, "localhost"),
		Organization: orDefault(a.Organization, "moltworker"),
		DNSNames:     dns,
		IPAddresses:  ips,
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     filepath.Join(dir, tlsCrt),
		KeyPath:      filepath.Join(dir, tlsKey),
		CACertPath:   filepath.Join(dir, tlsCaCrt),
	})
}
