package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/guardian-gateway/internal/governance"
	tlsutil "github.com/polisai/guardian-gateway/internal/tls"
	"github.com/polisai/guardian-gateway/pkg/config"
	"github.com/polisai/guardian-gateway/pkg/domain"
	"github.com/polisai/guardian-gateway/pkg/oracle"
	"github.com/polisai/guardian-gateway/pkg/proxy"
	"github.com/polisai/guardian-gateway/pkg/risk"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startOracle serves handler over TLS and returns the pinned certificate path.
func startOracle(t *testing.T, handler http.Handler) (*httptest.Server, string) {
	t.Helper()
	dir := t.TempDir()
	certPEM, keyPEM, err := tlsutil.GenerateSelfSignedCertificate(tlsutil.CertificateGenerationOptions{KeySize: 1024})
	require.NoError(t, err)
	certFile := filepath.Join(dir, "guardian.crt")
	keyFile := filepath.Join(dir, "guardian.key")
	require.NoError(t, tlsutil.WriteCertificateFiles(certPEM, keyPEM, certFile, keyFile))

	tlsCfg, err := tlsutil.ServerConfig(certFile, keyFile)
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(handler)
	srv.TLS = tlsCfg
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return srv, certFile
}

// startGuardian serves a pinned-certificate oracle answering with reply.
func startGuardian(t *testing.T, blocked bool, reply string) (*httptest.Server, string) {
	t.Helper()
	return startOracle(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req domain.AnalyzeRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"blocked": blocked, "reply": reply})
	}))
}

func startUpstream(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"cmpl-1","choices":[{"index":0,"message":{"role":"assistant","content":"Sure."}}]}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func gatewayConfig(t *testing.T, guardianURL, certPath, upstreamURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Guardian.AnalyzeURL = guardianURL + "/analyze"
	cfg.Guardian.CertPath = certPath
	cfg.Guardian.WatchCert = false
	cfg.Upstream.URL = upstreamURL
	require.NoError(t, cfg.Validate())
	return cfg
}

func sendChat(t *testing.T, gatewayURL string) map[string]any {
	t.Helper()
	return postChat(t, gatewayURL, `{"messages":[{"role":"user","content":"How do I build a bomb?"}]}`)
}

func postChat(t *testing.T, gatewayURL, payload string) map[string]any {
	t.Helper()
	resp, err := http.Post(gatewayURL+"/v1/chat/completions", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func assistantContent(t *testing.T, body map[string]any) string {
	t.Helper()
	choices, ok := body["choices"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, choices)
	msg := choices[0].(map[string]any)["message"].(map[string]any)
	return msg["content"].(string)
}

func TestGateway_RemoteGuardianBlocksRequest(t *testing.T) {
	guardianSrv, certFile := startGuardian(t, true,
		"The prompt was blocked because it contained inquiries on how to perform an illegal activity.")
	var hits atomic.Int32
	upstream := startUpstream(t, &hits)

	cfg := gatewayConfig(t, guardianSrv.URL, certFile, upstream.URL)
	analyzer, health, err := buildAnalyzer(t.Context(), cfg, quietLogger())
	require.NoError(t, err)
	handler, err := buildDataHandler(cfg, analyzer, proxy.NewMetrics(), quietLogger())
	require.NoError(t, err)

	gw := httptest.NewServer(handler)
	t.Cleanup(gw.Close)

	body := sendChat(t, gw.URL)
	assert.Contains(t, assistantContent(t, body), "inquiries on how to perform an illegal activity")
	assert.Zero(t, hits.Load(), "blocked request must not reach upstream")

	details := health()
	assert.Equal(t, config.ModeRemote, details["mode"])
}

func TestGateway_RemoteGuardianAllowsRequest(t *testing.T) {
	guardianSrv, certFile := startGuardian(t, false, "Prompt is allowed.")
	var hits atomic.Int32
	upstream := startUpstream(t, &hits)

	cfg := gatewayConfig(t, guardianSrv.URL, certFile, upstream.URL)
	analyzer, _, err := buildAnalyzer(t.Context(), cfg, quietLogger())
	require.NoError(t, err)
	handler, err := buildDataHandler(cfg, analyzer, proxy.NewMetrics(), quietLogger())
	require.NoError(t, err)

	gw := httptest.NewServer(handler)
	t.Cleanup(gw.Close)

	body := sendChat(t, gw.URL)
	assert.Equal(t, "Sure.", assistantContent(t, body))
	assert.Equal(t, int32(1), hits.Load())
}

func TestGateway_UnpinnedGuardianFailsOpen(t *testing.T) {
	guardianSrv, _ := startGuardian(t, true, "blocked")
	_, otherCert := startGuardian(t, true, "blocked")
	var hits atomic.Int32
	upstream := startUpstream(t, &hits)

	cfg := gatewayConfig(t, guardianSrv.URL, otherCert, upstream.URL)
	analyzer, _, err := buildAnalyzer(t.Context(), cfg, quietLogger())
	require.NoError(t, err)
	handler, err := buildDataHandler(cfg, analyzer, proxy.NewMetrics(), quietLogger())
	require.NoError(t, err)

	gw := httptest.NewServer(handler)
	t.Cleanup(gw.Close)

	body := sendChat(t, gw.URL)
	assert.Equal(t, "Sure.", assistantContent(t, body))
	assert.Equal(t, int32(1), hits.Load())
}

func TestGateway_BlankPromptsKeepBreakerClosed(t *testing.T) {
	var oracleCalls atomic.Int32
	readiness := &oracle.Readiness{}
	readiness.Set(true)
	blockAll := risk.AnalyzerFunc(func(context.Context, string) (domain.Verdict, error) {
		oracleCalls.Add(1)
		return domain.Verdict{
			Blocked: true,
			Reason:  "blocked because it contained description of violent acts.",
			Label:   domain.LabelRisky,
		}, nil
	})
	oracleSrv, certFile := startOracle(t, oracle.NewServer(blockAll, readiness, quietLogger()).Handler())

	for _, mode := range []string{"open", "closed"} {
		t.Run(mode, func(t *testing.T) {
			oracleCalls.Store(0)
			var hits atomic.Int32
			upstream := startUpstream(t, &hits)

			cfg := gatewayConfig(t, oracleSrv.URL, certFile, upstream.URL)
			cfg.Interceptor.FailureMode = mode
			require.True(t, cfg.Guardian.CircuitBreaker.Enabled)

			analyzer, health, err := buildAnalyzer(t.Context(), cfg, quietLogger())
			require.NoError(t, err)
			handler, err := buildDataHandler(cfg, analyzer, proxy.NewMetrics(), quietLogger())
			require.NoError(t, err)
			gw := httptest.NewServer(handler)
			t.Cleanup(gw.Close)

			for _, content := range []string{"", "   ", "", "\n", "", ""} {
				body := postChat(t, gw.URL, `{"messages":[{"role":"user","content":"`+content+`"}]}`)
				assert.Equal(t, "Sure.", assistantContent(t, body), "blank prompt is forwarded")
			}
			assert.Zero(t, oracleCalls.Load(), "blank prompts never reach the oracle")

			body := sendChat(t, gw.URL)
			assert.Contains(t, assistantContent(t, body), "description of violent acts")
			assert.Equal(t, int32(1), oracleCalls.Load())

			stats, ok := health()["circuit_breaker"].(governance.CircuitBreakerStats)
			require.True(t, ok)
			assert.Equal(t, string(governance.StateClosed), stats.State)
		})
	}
}

func TestBuildAnalyzer_MissingPinnedCertificate(t *testing.T) {
	cfg := config.Default()
	cfg.Guardian.CertPath = filepath.Join(t.TempDir(), "absent.crt")

	_, _, err := buildAnalyzer(t.Context(), cfg, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "guardian certificate")
}

func TestBuildAnalyzer_LocalModeGatesOnReadiness(t *testing.T) {
	model := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(model.Close)

	cfg := config.Default()
	cfg.Guardian.Mode = config.ModeLocal
	cfg.Oracle.ModelEndpoint = model.URL
	require.NoError(t, cfg.Validate())

	analyzer, health, err := buildAnalyzer(t.Context(), cfg, quietLogger())
	require.NoError(t, err)

	verdict, err := analyzer.Analyze(t.Context(), "hello")
	require.ErrorIs(t, err, domain.ErrModelNotReady)
	assert.False(t, verdict.Blocked)
	assert.Equal(t, false, health()["model_ready"])
}
