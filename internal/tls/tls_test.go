package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupDisabled(t *testing.T) {
	c, err := Setup(Config{})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestValidate(t *testing.T) {
	cases := map[string]Config{
		"no source":   {Enabled: true},
		"half pair":   {Enabled: true, CertFile: "a.crt"},
		"bad version": {Enabled: true, Dir: "x", MinVersion: "1.0"},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, c.Validate())
		})
	}
	assert.NoError(t, Config{Enabled: true, Dir: "x", MinVersion: "1.3"}.Validate())
}

func TestSetupMissingWithoutAutoGenerate(t *testing.T) {
	_, err := Setup(Config{Enabled: true, Dir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auto_generate")
}

func TestSetupAutoGenerateServesHTTPS(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Setup(Config{
		Enabled:      true,
		Dir:          dir,
		AutoGenerate: true,
		AutoGen:      AutoGenTLS{CommonName: "gw.test", DNSNames: []string{"gw.test"}, ValidDays: 2},
	})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)

	for _, f := range []string{tlsCrt, tlsKey, tlsCaCrt} {
		_, err := os.Stat(filepath.Join(dir, f))
		require.NoError(t, err, f)
	}
	st, err := os.Stat(filepath.Join(dir, tlsKey))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	raw, err := os.ReadFile(filepath.Join(dir, tlsCaCrt))
	require.NoError(t, err)
	block, _ := pem.Decode(raw)
	require.NotNil(t, block)
	crt, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, "gw.test", crt.Subject.CommonName)
	assert.Contains(t, crt.DNSNames, "gw.test")

	pool := x509.NewCertPool()
	pool.AddCert(crt)
	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	ts.TLS = cfg
	ts.StartTLS()
	defer ts.Close()

	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{
		RootCAs:    pool,
		ServerName: "gw.test", // SNI selects GetCertificate over httptest's own cert
		MinVersion: tls.VersionTLS12,
	}}}
	resp, err := client.Get(ts.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSetupReusesExistingPair(t *testing.T) {
	dir := t.TempDir()
	_, err := Setup(Config{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)
	before, err := os.ReadFile(filepath.Join(dir, tlsCrt))
	require.NoError(t, err)

	_, err = Setup(Config{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)
	after, err := os.ReadFile(filepath.Join(dir, tlsCrt))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSetupExplicitFiles(t *testing.T) {
	dir := t.TempDir()
	cert, key := filepath.Join(dir, "a.crt"), filepath.Join(dir, "a.key")
	require.NoError(t, GenerateSelfSignedCert(CertConfig{
		CommonName: "x", Organization: "y", CertPath: cert, KeyPath: key,
		NotAfter: time.Now().Add(24 * time.Hour),
	}))
	cfg, err := Setup(Config{Enabled: true, CertFile: cert, KeyFile: key, MinVersion: "1.3"})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
	c, err := cfg.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.NotEmpty(t, c.Certificate)
}
