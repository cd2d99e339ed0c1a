package tls

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupDisabled(t *testing.T) {
	cfg, err := Setup(Config{})
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestSetupAutoGenerates(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	c := Config{Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.2"}

	cfg, err := Setup(c)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MaxVersion)

	for _, f := range []string{"tls.crt", "tls.key", "tls_ca.crt"} {
		_, err := os.Stat(filepath.Join(dir, f))
		assert.NoError(t, err, f)
	}
	assert.Equal(t, filepath.Join(dir, "tls_ca.crt"), c.CAPath())

	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)

	// existing files are reused
	before, err := os.ReadFile(filepath.Join(dir, "tls.crt"))
	require.NoError(t, err)
	_, err = Setup(c)
	require.NoError(t, err)
	after, err := os.ReadFile(filepath.Join(dir, "tls.crt"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSetupMissingFiles(t *testing.T) {
	_, err := Setup(Config{Enabled: true, Dir: t.TempDir()})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.Error(t, Config{Enabled: true}.Validate())
	assert.Error(t, Config{Enabled: true, CertFile: "a.crt"}.Validate())
	assert.Error(t, Config{Enabled: true, Dir: "x", MinVersion: "1.1"}.Validate())
	assert.Error(t, Config{Enabled: true, Dir: "x", MinVersion: "1.3", MaxVersion: "1.2"}.Validate())
	assert.NoError(t, Config{Enabled: true, CertFile: "a.crt", KeyFile: "a.key"}.Validate())
}
