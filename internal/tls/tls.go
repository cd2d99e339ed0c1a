// Package tls serves the control-plane API over HTTPS, optionally with a
// self-signed certificate generated on first start.
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
	caFile   = "tls_ca.crt"
	certFile = "tls.crt"
	keyFile  = "tls.key"
)

type Config struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	// Dir holds tls.crt/tls.key when no explicit files are given.
	Dir          string     `mapstructure:"dir"`
	AutoGenerate bool       `mapstructure:"auto_generate"`
	MinVersion   string     `mapstructure:"min_version"`
	MaxVersion   string     `mapstructure:"max_version"`
	AutoGen      AutoGenTLS `mapstructure:"auto_gen"`
}

type AutoGenTLS struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

// CAPath is where a generated certificate's CA copy lives, for clients.
func (c Config) CAPath() string { return filepath.Join(c.Dir, caFile) }

func parseVersion(ver string) (uint16, error) {
	switch strings.ToLower(strings.TrimSpace(ver)) {
	case "", "default", "1.3", "tls1.3":
		return tls.VersionTLS13, nil
	case "1.2", "tls1.2":
		return tls.VersionTLS12, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q", ver)
	}
}

// Validate checks the config without touching the filesystem.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	minV, err := parseVersion(c.MinVersion)
	if err != nil {
		errs = append(errs, fmt.Errorf("min_version: %w", err))
	}
	maxV, err := parseVersion(c.MaxVersion)
	if err != nil {
		errs = append(errs, fmt.Errorf("max_version: %w", err))
	}
	if minV != 0 && maxV != 0 && minV > maxV {
		errs = append(errs, errors.New("min_version is above max_version"))
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		errs = append(errs, errors.New("cert_file and key_file must be set together"))
	}
	if c.CertFile == "" && c.Dir == "" {
		errs = append(errs, errors.New("cert_file/key_file or dir is required"))
	}
	return errors.Join(errs...)
}

// Setup returns the server TLS config, or nil when TLS is disabled.
// Certificates are re-read per handshake so rotated files are picked up.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	minV, _ := parseVersion(c.MinVersion)
	maxV, _ := parseVersion(c.MaxVersion)

	cert, key := c.CertFile, c.KeyFile
	if cert == "" {
		cert = filepath.Join(c.Dir, certFile)
		key = filepath.Join(c.Dir, keyFile)
		if c.AutoGenerate && !exists(cert, key) {
			if err := generate(c); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	if !exists(cert, key) {
		return nil, fmt.Errorf("certificate %s or key %s not found", cert, key)
	}
	// #nosec G402 min version is configurable down to 1.2
	return &tls.Config{
		GetCertificate: loader(cert, key),
		MinVersion:     minV,
		MaxVersion:     maxV,
	}, nil
}

func loader(cert, key string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		pair, err := tls.LoadX509KeyPair(filepath.Clean(cert), filepath.Clean(key))
		if err != nil {
			return nil, err
		}
		return &pair, nil
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

func orDefault[T string | []string](v, def T) T {
	if len(v) == 0 {
		return def
	}
	return v
}

func generate(c Config) error {
	if err := os.MkdirAll(c.Dir, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", c.Dir, err)
	}
	days := c.AutoGen.ValidDays
	if days <= 0 {
		days = 365
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   orDefault(c.AutoGen.CommonName, "localhost"),
		Organization: orDefault(c.AutoGen.Organization, "botvisor"),
		DNSNames:     orDefault(c.AutoGen.DNSNames, []string{"localhost"}),
		IPAddresses:  orDefault(c.AutoGen.IPAddresses, []string{"127.0.0.1", "::1"}),
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     filepath.Join(c.Dir, certFile),
		KeyPath:      filepath.Join(c.Dir, keyFile),
		CACertPath:   filepath.Join(c.Dir, caFile),
	})
}
