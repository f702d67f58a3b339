// Package tls builds the API server's TLS configuration from explicit
// certificate files or a certificate directory, generating a self-signed
// pair on first use when asked to.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	caCrtName = "tls_ca.crt"
	crtName   = "tls.crt"
	keyName   = "tls.key"
)

// Config is the server.tls section.
type Config struct {
	Enabled      bool     `json:"enabled" mapstructure:"enabled" yaml:"enabled"`
	CertFile     string   `json:"cert_file" mapstructure:"cert_file" yaml:"cert_file,omitempty"`
	KeyFile      string   `json:"key_file" mapstructure:"key_file" yaml:"key_file,omitempty"`
	Dir          string   `json:"dir" mapstructure:"dir" yaml:"dir,omitempty"`
	AutoGenerate bool     `json:"auto_generate" mapstructure:"auto_generate" yaml:"auto_generate,omitempty"`
	MinVersion   string   `json:"min_version" mapstructure:"min_version" yaml:"min_version,omitempty"`
	CommonName   string   `json:"common_name" mapstructure:"common_name" yaml:"common_name,omitempty"`
	DNSNames     []string `json:"dns_names" mapstructure:"dns_names" yaml:"dns_names,omitempty"`
	IPAddresses  []string `json:"ip_addresses" mapstructure:"ip_addresses" yaml:"ip_addresses,omitempty"`
	ValidDays    int      `json:"valid_days" mapstructure:"valid_days" yaml:"valid_days,omitempty"`
}

// Validate reports configuration that Setup would reject.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("server.tls.cert_file and server.tls.key_file must be set together")
	}
	if c.CertFile == "" && c.Dir == "" {
		return errors.New("server.tls needs cert_file/key_file or dir")
	}
	if _, ok := parseVersion(c.MinVersion); !ok {
		return fmt.Errorf("unknown server.tls.min_version %q", c.MinVersion)
	}
	return nil
}

func parseVersion(v string) (uint16, bool) {
	switch strings.ToLower(v) {
	case "", "default", "1.3", "tls1.3":
		return tls.VersionTLS13, true
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true
	}
	return 0, false
}

// Setup returns nil when TLS is disabled. Explicit files win over Dir.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	minVer, _ := parseVersion(c.MinVersion)

	certPath, keyPath := c.CertFile, c.KeyFile
	if certPath == "" {
		certPath = filepath.Join(c.Dir, crtName)
		keyPath = filepath.Join(c.Dir, keyName)
		if c.AutoGenerate && !exists(certPath, keyPath) {
			if err := generate(c, certPath, keyPath); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	// Fail at startup rather than on the first handshake.
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &tls.Config{
		GetCertificate: reloading(certPath, keyPath),
		MinVersion:     minVer,
	}, nil
}

// reloading re-reads the pair on every handshake so rotated certificates
// are picked up without a restart.
func reloading(certPath, keyPath string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, err
		}
		return &cert, nil
	}
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func generate(c Config, certPath, keyPath string) error {
	if err := os.MkdirAll(filepath.Dir(certPath), 0o755); err != nil {
		return err
	}
	days := c.ValidDays
	if days <= 0 {
		days = 365
	}
	return GenerateSelfSigned(CertRequest{
		CommonName:   orDefault(c.CommonName, "localhost"),
		Organization: "servisor",
		DNSNames:     orDefaultSlice(c.DNSNames, []string{"localhost"}),
		IPAddresses:  orDefaultSlice(c.IPAddresses, []string{"127.0.0.1"}),
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     certPath,
		KeyPath:      keyPath,
		CACertPath:   filepath.Join(filepath.Dir(certPath), caCrtName),
	})
}

func orDefault(v, d string) string {
	if v == "" {
		return d
	}
	return v
}

func orDefaultSlice(v, d []string) []string {
	if len(v) == 0 {
		return d
	}
	return v
}
