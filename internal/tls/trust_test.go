package tls

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writePair(t *testing.T, dir, name string) (string, string) {
	t.Helper()
	certPEM, keyPEM, err := GenerateSelfSignedCertificate(CertificateGenerationOptions{KeySize: 1024})
	require.NoError(t, err)
	certFile := filepath.Join(dir, name+".crt")
	keyFile := filepath.Join(dir, name+".key")
	require.NoError(t, WriteCertificateFiles(certPEM, keyPEM, certFile, keyFile))
	return certFile, keyFile
}

func startTLSServer(t *testing.T, certFile, keyFile string) *httptest.Server {
	t.Helper()
	cfg, err := ServerConfig(certFile, keyFile)
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	srv.TLS = cfg
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return srv
}

func TestTrustStore_PinsConfiguredCertificate(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writePair(t, dir, "guardian")
	otherCert, otherKey := writePair(t, dir, "other")

	store, err := NewTrustStore(certFile, quietLogger())
	require.NoError(t, err)

	client := &http.Client{Transport: &http.Transport{TLSClientConfig: store.ClientConfig()}}

	pinned := startTLSServer(t, certFile, keyFile)
	resp, err := client.Get(pinned.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stranger := startTLSServer(t, otherCert, otherKey)
	_, err = client.Get(stranger.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pinned trust")
}

func TestTrustStore_ReloadSwapsPool(t *testing.T) {
	dir := t.TempDir()
	certFile, _ := writePair(t, dir, "guardian")
	rotatedCert, rotatedKey := writePair(t, dir, "rotated")

	store, err := NewTrustStore(certFile, quietLogger())
	require.NoError(t, err)
	before := store.Pool()

	data, err := os.ReadFile(rotatedCert)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(certFile, data, 0o644))
	require.NoError(t, store.Reload())
	assert.NotSame(t, before, store.Pool())

	client := &http.Client{Transport: &http.Transport{TLSClientConfig: store.ClientConfig()}}
	srv := startTLSServer(t, rotatedCert, rotatedKey)
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
}

func TestTrustStore_ReloadFailureKeepsPool(t *testing.T) {
	dir := t.TempDir()
	certFile, _ := writePair(t, dir, "guardian")

	store, err := NewTrustStore(certFile, quietLogger())
	require.NoError(t, err)
	before := store.Pool()

	require.NoError(t, os.WriteFile(certFile, []byte("not pem"), 0o644))
	require.ErrorIs(t, store.Reload(), ErrNoCertificates)
	assert.Same(t, before, store.Pool())
}

func TestTrustStore_WatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	certFile, _ := writePair(t, dir, "guardian")
	rotatedCert, _ := writePair(t, dir, "rotated")

	store, err := NewTrustStore(certFile, quietLogger())
	require.NoError(t, err)
	before := store.Pool()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, store.Watch(ctx))

	data, err := os.ReadFile(rotatedCert)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(certFile, data, 0o644))

	assert.Eventually(t, func() bool {
		return store.Pool() != before
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNewTrustStore_MissingFile(t *testing.T) {
	_, err := NewTrustStore(filepath.Join(t.TempDir(), "missing.crt"), nil)
	require.Error(t, err)
}

func TestCertificateFileHelpers(t *testing.T) {
	certFile, _ := writePair(t, t.TempDir(), "guardian")

	require.NoError(t, ValidateCertificateFile(certFile))
	info, err := GetCertificateFileInfo(certFile)
	require.NoError(t, err)
	assert.Contains(t, info.Subject, "localhost")
	assert.Contains(t, info.DNSNames, "localhost")
}

func TestServerConfig_MinVersion(t *testing.T) {
	certFile, keyFile := writePair(t, t.TempDir(), "guardian")
	cfg, err := ServerConfig(certFile, keyFile)
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
}
