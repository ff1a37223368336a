package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrNoCertificates is returned when a trust file holds no PEM certificates.
var ErrNoCertificates = errors.New("no certificates found in trust file")

const reloadDebounce = 100 * time.Millisecond

// LoadCertPool reads every PEM certificate in path into a fresh pool.
func LoadCertPool(path string) (*x509.CertPool, error) {
	// #nosec G304 -- trust path comes from operator configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trust file %s: %w", path, err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("%w: %s", ErrNoCertificates, path)
	}
	return pool, nil
}

// TrustStore pins outbound TLS to the certificates of a single PEM file and
// swaps the pool atomically when that file changes.
type TrustStore struct {
	path   string
	pool   atomic.Pointer[x509.CertPool]
	logger *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewTrustStore loads the pinned pool from path.
func NewTrustStore(path string, logger *slog.Logger) (*TrustStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve trust file path: %w", err)
	}

	pool, err := LoadCertPool(absPath)
	if err != nil {
		return nil, err
	}

	ts := &TrustStore{path: absPath, logger: logger}
	ts.pool.Store(pool)
	return ts, nil
}

// Path returns the absolute path of the pinned file.
func (ts *TrustStore) Path() string {
	return ts.path
}

// Pool returns the current pinned pool.
func (ts *TrustStore) Pool() *x509.CertPool {
	return ts.pool.Load()
}

// Reload re-reads the pinned file. On failure the previous pool stays active.
func (ts *TrustStore) Reload() error {
	pool, err := LoadCertPool(ts.path)
	if err != nil {
		return err
	}
	ts.pool.Store(pool)
	return nil
}

// ClientConfig returns a client TLS configuration verifying peers against
// the pinned pool as it is at handshake time.
func (ts *TrustStore) ClientConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		// Verification happens in VerifyConnection so a reloaded pool applies
		// to new connections without rebuilding the transport.
		InsecureSkipVerify: true, // #nosec G402
		VerifyConnection:   ts.verifyConnection,
	}
}

func (ts *TrustStore) verifyConnection(cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) == 0 {
		return errors.New("pinned trust: peer presented no certificate")
	}

	intermediates := x509.NewCertPool()
	for _, cert := range cs.PeerCertificates[1:] {
		intermediates.AddCert(cert)
	}

	_, err := cs.PeerCertificates[0].Verify(x509.VerifyOptions{
		Roots:         ts.Pool(),
		Intermediates: intermediates,
		DNSName:       cs.ServerName,
	})
	if err != nil {
		return fmt.Errorf("pinned trust: %w", err)
	}
	return nil
}

// Watch reloads the pool whenever the pinned file is written or replaced,
// until ctx is cancelled.
func (ts *TrustStore) Watch(ctx context.Context) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.watcher != nil {
		return errors.New("pinned trust: already watching")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Watch the directory so atomic rename-based rotations are seen.
	if err := watcher.Add(filepath.Dir(ts.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch trust directory: %w", err)
	}
	ts.watcher = watcher

	go ts.watchLoop(ctx, watcher)

	ts.logger.Info("watching pinned certificate", "path", ts.path)
	return nil
}

func (ts *TrustStore) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer func() {
		_ = watcher.Close()
		ts.mu.Lock()
		ts.watcher = nil
		ts.mu.Unlock()
	}()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != ts.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				if err := ts.Reload(); err != nil {
					ts.logger.Error("pinned certificate reload failed", "path", ts.path, "error", err)
					return
				}
				ts.logger.Info("pinned certificate reloaded", "path", ts.path)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			ts.logger.Error("pinned certificate watcher error", "error", err)
		}
	}
}

// ServerConfig loads a certificate/key pair for an HTTPS listener.
func ServerConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}, nil
}
