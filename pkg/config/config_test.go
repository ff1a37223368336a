package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var overrideVars = []string{
	"GATEWAY_ADMIN_ADDR", "GATEWAY_DATA_ADDR", "UPSTREAM_URL", "UPSTREAM_HOST",
	"GUARDIAN_MODE", "GUARDIAN_URL", "CERT_PATH", "TIME_OUT",
	"ORACLE_ADDR", "ORACLE_CERT_FILE", "ORACLE_KEY_FILE", "MODEL_ENDPOINT", "MODEL_PATHNAME",
	"TOXICITY_THRESHOLD", "FAILURE_MODE", "FRONTEND_ADDR", "PROXY_URL", "OPENAI_API_KEY",
	"OPENAI_MODEL", "OTEL_ENDPOINT", "OTEL_INSECURE", "LOG_LEVEL", "LOG_FORMAT", "LOG_PRETTY",
	"GATEWAY_TLS_CERT_FILE", "GATEWAY_TLS_KEY_FILE",
}

// clearEnv isolates a test from overrides set in the surrounding environment.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range overrideVars {
		t.Setenv(name, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8090", cfg.Server.DataAddress)
	assert.Equal(t, ":19090", cfg.Server.AdminAddress)
	assert.Equal(t, "api.openai.com", cfg.Upstream.Host)
	assert.Equal(t, ModeRemote, cfg.Guardian.Mode)
	assert.Equal(t, 15*time.Second, cfg.Guardian.Timeout)
	assert.Equal(t, 0.75, cfg.Oracle.Threshold)
	assert.Equal(t, 20, cfg.Oracle.MaxTokens)
	assert.Equal(t, "open", cfg.Interceptor.FailureMode)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	require.Len(t, cfg.Oracle.Categories, 3)
	assert.Equal(t, "violence", cfg.Oracle.Categories[0].Name)
	assert.Equal(t, "unethical_behavior", cfg.Oracle.Categories[1].Name)
	assert.Equal(t, "sexual_content", cfg.Oracle.Categories[2].Name)
}

func TestLoadFromFile(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
server:
  data_address: ":9443"
  tls:
    enabled: true
    cert_file: "/path/to/cert.pem"
    key_file: "/path/to/key.pem"
    min_version: "1.3"
upstream:
  url: "https://llm.internal:8443"
  timeout: 30s
guardian:
  analyze_url: "https://guardian.internal:5001/analyze"
  timeout: 5s
  circuit_breaker:
    enabled: true
    max_failures: 3
    open_timeout: 10s
oracle:
  threshold: 0.9
  categories:
    - name: "harm"
      explanation: "harmful content"
interceptor:
  failure_mode: "CLOSED"
  banner: "Blocked: "
telemetry:
  otlp_endpoint: "collector:4317"
  insecure: true
  sample_ratio: 0.5
logging:
  level: "DEBUG"
  format: "text"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.NotNil(t, cfg.Server.TLS)
	assert.Equal(t, uint16(0x0304), cfg.Server.TLS.MinTLSVersion())
	assert.Equal(t, "llm.internal", cfg.Upstream.Host, "host derived from the upstream URL")
	assert.Equal(t, 30*time.Second, cfg.Upstream.Timeout)
	assert.Equal(t, 5*time.Second, cfg.Guardian.Timeout)
	assert.True(t, cfg.Guardian.CircuitBreaker.Enabled)
	assert.Equal(t, 3, cfg.Guardian.CircuitBreaker.MaxFailures)
	assert.Equal(t, 10*time.Second, cfg.Guardian.CircuitBreaker.OpenTimeout)
	assert.Equal(t, 0.9, cfg.Oracle.Threshold)
	require.Len(t, cfg.Oracle.Categories, 1)
	assert.Equal(t, "harm", cfg.Oracle.Categories[0].Name)
	assert.Equal(t, "closed", cfg.Interceptor.FailureMode)
	assert.Equal(t, "Blocked: ", cfg.Interceptor.Banner)
	assert.Equal(t, 0.5, cfg.Telemetry.SampleRatio)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GUARDIAN_URL", "https://10.0.0.7:5001/analyze")
	t.Setenv("TIME_OUT", "3")
	t.Setenv("CERT_PATH", "/etc/guardian.crt")
	t.Setenv("TOXICITY_THRESHOLD", "0.6")
	t.Setenv("MODEL_PATHNAME", "granite-guardian")
	t.Setenv("MODEL_ENDPOINT", "http://vllm:8000")
	t.Setenv("UPSTREAM_HOST", "API.Example.com")
	t.Setenv("PROXY_URL", "https://nginx/v1/chat/completions")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_MODEL", "gpt-4o")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("OTEL_ENDPOINT", "otel:4317")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://10.0.0.7:5001/analyze", cfg.Guardian.AnalyzeURL)
	assert.Equal(t, 3*time.Second, cfg.Guardian.Timeout)
	assert.Equal(t, "/etc/guardian.crt", cfg.Guardian.CertPath)
	assert.Equal(t, "/etc/guardian.crt", cfg.Frontend.CertPath)
	assert.Equal(t, 0.6, cfg.Oracle.Threshold)
	assert.Equal(t, "granite-guardian", cfg.Oracle.ModelName)
	assert.Equal(t, "http://vllm:8000", cfg.Oracle.ModelEndpoint)
	assert.Equal(t, "api.example.com", cfg.Upstream.Host)
	assert.Equal(t, "https://nginx/v1/chat/completions", cfg.Frontend.ProxyURL)
	assert.Equal(t, "sk-test", cfg.Frontend.APIKey)
	assert.Equal(t, "gpt-4o", cfg.Frontend.Model)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "otel:4317", cfg.Telemetry.OTLPEndpoint)
}

func TestEnvOverridesRejectGarbage(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "timeout", key: "TIME_OUT", value: "soon"},
		{name: "threshold", key: "TOXICITY_THRESHOLD", value: "high"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load("")
			require.Error(t, err)
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.key, cfgErr.Field)
		})
	}
}

func TestTimeoutAcceptsDuration(t *testing.T) {
	clearEnv(t)
	t.Setenv("TIME_OUT", "1500ms")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, cfg.Guardian.Timeout)
}

func TestValidationFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "threshold out of range",
			mutate: func(c *Config) { c.Oracle.Threshold = 1.2 },
			want:   "threshold",
		},
		{
			name:   "duplicate category",
			mutate: func(c *Config) { c.Oracle.Categories = append(c.Oracle.Categories, c.Oracle.Categories[0]) },
			want:   "categories",
		},
		{
			name:   "unknown failure mode",
			mutate: func(c *Config) { c.Interceptor.FailureMode = "sometimes" },
			want:   "failure_mode",
		},
		{
			name:   "remote mode without url",
			mutate: func(c *Config) { c.Guardian.AnalyzeURL = "" },
			want:   "analyze_url",
		},
		{
			name:   "unknown guardian mode",
			mutate: func(c *Config) { c.Guardian.Mode = "hybrid" },
			want:   "mode",
		},
		{
			name:   "relative upstream url",
			mutate: func(c *Config) { c.Upstream.URL = "/v1" },
			want:   "url",
		},
		{
			name:   "enabled TLS without key",
			mutate: func(c *Config) { c.Server.TLS = &TLSConfig{Enabled: true, CertFile: "c.pem"} },
			want:   "key_file",
		},
		{
			name:   "unsupported TLS version",
			mutate: func(c *Config) { c.Oracle.TLS.MinVersion = "1.0" },
			want:   "min_version",
		},
		{
			name:   "address conflict",
			mutate: func(c *Config) { c.Server.AdminAddress = c.Server.DataAddress },
			want:   "conflicts",
		},
		{
			name:   "bad log level",
			mutate: func(c *Config) { c.Logging.Level = "verbose" },
			want:   "log level",
		},
		{
			name:   "bad sample ratio",
			mutate: func(c *Config) { c.Telemetry.SampleRatio = 2 },
			want:   "sample_ratio",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestUpstreamHostFollowsURL(t *testing.T) {
	t.Run("env url", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("UPSTREAM_URL", "https://llm.internal.example")

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "llm.internal.example", cfg.Upstream.Host)
	})

	t.Run("yaml url without host", func(t *testing.T) {
		clearEnv(t)
		path := writeConfig(t, `
upstream:
  url: "https://LLM.example.org:9000/v1"
`)

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "llm.example.org", cfg.Upstream.Host)
	})

	t.Run("explicit host wins", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("UPSTREAM_URL", "https://10.1.2.3")
		t.Setenv("UPSTREAM_HOST", "api.example.com")

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "api.example.com", cfg.Upstream.Host)
	})

	t.Run("url changed after validation", func(t *testing.T) {
		cfg := Default()
		require.NoError(t, cfg.Validate())
		assert.Equal(t, "api.openai.com", cfg.Upstream.Host)

		cfg.Upstream.URL = "http://127.0.0.1:8081"
		require.NoError(t, cfg.Validate())
		assert.Equal(t, "127.0.0.1", cfg.Upstream.Host)
	})
}

func TestLocalModeSkipsAnalyzeURL(t *testing.T) {
	cfg := Default()
	cfg.Guardian.Mode = "LOCAL"
	cfg.Guardian.AnalyzeURL = ""

	require.NoError(t, cfg.Validate())
	assert.Equal(t, ModeLocal, cfg.Guardian.Mode)
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadMalformedFile(t *testing.T) {
	clearEnv(t)

	_, err := Load(writeConfig(t, "server: [unterminated"))
	if err == nil {
		t.Fatal("expected error for malformed config file")
	}
}
