// Package config provides configuration structures and loading logic for the gateway,
// the guardian oracle and the chat front-end.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/polisai/guardian-gateway/internal/governance"
	"github.com/polisai/guardian-gateway/pkg/domain"
	"github.com/polisai/guardian-gateway/pkg/interceptor"
	"github.com/polisai/guardian-gateway/pkg/risk"
	"gopkg.in/yaml.v3"
)

// Guardian scoring modes.
const (
	ModeRemote = "remote"
	ModeLocal  = "local"
)

// Config holds the global configuration shared by all binaries.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Guardian    GuardianConfig    `yaml:"guardian"`
	Oracle      OracleConfig      `yaml:"oracle"`
	Interceptor InterceptorConfig `yaml:"interceptor"`
	Frontend    FrontendConfig    `yaml:"frontend"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds configuration for the gateway HTTP servers.
type ServerConfig struct {
	AdminAddress string     `yaml:"admin_address"`
	DataAddress  string     `yaml:"data_address"`
	TLS          *TLSConfig `yaml:"tls,omitempty"`
}

// UpstreamConfig describes the single moderated chat completion API.
type UpstreamConfig struct {
	URL          string        `yaml:"url"`
	Host         string        `yaml:"host"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`

	// hostDerived marks Host as taken from URL; Validate re-derives it.
	hostDerived bool
}

// GuardianConfig configures how the gateway reaches the risk oracle.
type GuardianConfig struct {
	Mode           string                          `yaml:"mode"`
	AnalyzeURL     string                          `yaml:"analyze_url"`
	CertPath       string                          `yaml:"cert_path"`
	WatchCert      bool                            `yaml:"watch_cert"`
	Timeout        time.Duration                   `yaml:"timeout"`
	CircuitBreaker governance.CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// OracleConfig configures the guardian oracle service and its model backend.
type OracleConfig struct {
	ListenAddress string                `yaml:"listen_address"`
	TLS           TLSConfig             `yaml:"tls"`
	ModelEndpoint string                `yaml:"model_endpoint"`
	ModelName     string                `yaml:"model_name"`
	APIKey        string                `yaml:"api_key"`
	MaxTokens     int                   `yaml:"max_tokens"`
	Timeout       time.Duration         `yaml:"timeout"`
	Threshold     float64               `yaml:"threshold"`
	ReadyInterval time.Duration         `yaml:"ready_interval"`
	Categories    []domain.RiskCategory `yaml:"categories"`
}

// InterceptorConfig controls enforcement behavior.
type InterceptorConfig struct {
	FailureMode string `yaml:"failure_mode"`
	Banner      string `yaml:"banner"`
}

// FrontendConfig configures the chat submission front-end.
type FrontendConfig struct {
	ListenAddress string        `yaml:"listen_address"`
	ProxyURL      string        `yaml:"proxy_url"`
	APIKey        string        `yaml:"api_key"`
	Model         string        `yaml:"model"`
	CertPath      string        `yaml:"cert_path"`
	Timeout       time.Duration `yaml:"timeout"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string            `yaml:"otlp_endpoint"`
	Insecure     bool              `yaml:"insecure"`
	Headers      map[string]string `yaml:"headers,omitempty"`
	SampleRatio  float64           `yaml:"sample_ratio"`
	Environment  string            `yaml:"environment"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns a configuration populated with the deployment defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			AdminAddress: ":19090",
			DataAddress:  ":8090",
		},
		Upstream: UpstreamConfig{
			URL:          "https://api.openai.com",
			Timeout:      120 * time.Second,
			MaxBodyBytes: 10 << 20,
		},
		Guardian: GuardianConfig{
			Mode:           ModeRemote,
			AnalyzeURL:     "https://guardian:5001/analyze",
			CertPath:       "/usr/local/share/ca-certificates/guardian.crt",
			WatchCert:      true,
			Timeout:        governance.DefaultOracleTimeout,
			CircuitBreaker: governance.DefaultCircuitBreakerConfig(),
		},
		Oracle: OracleConfig{
			ListenAddress: ":5001",
			TLS: TLSConfig{
				Enabled:  true,
				CertFile: "/certs/guardian.crt",
				KeyFile:  "/certs/guardian.key",
			},
			ModelEndpoint: "http://localhost:8000",
			MaxTokens:     20,
			Timeout:       60 * time.Second,
			Threshold:     risk.DefaultThreshold,
			ReadyInterval: 5 * time.Second,
			Categories:    risk.DefaultCategories(),
		},
		Interceptor: InterceptorConfig{
			FailureMode: string(interceptor.FailOpen),
		},
		Frontend: FrontendConfig{
			ListenAddress: ":5000",
			ProxyURL:      "https://api.openai.com/v1/chat/completions",
			Model:         "gpt-4o-mini",
			Timeout:       60 * time.Second,
		},
		Telemetry: TelemetryConfig{
			SampleRatio: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("GATEWAY_ADMIN_ADDR"); val != "" {
		cfg.Server.AdminAddress = val
	}
	if val := os.Getenv("GATEWAY_DATA_ADDR"); val != "" {
		cfg.Server.DataAddress = val
	}

	if val := os.Getenv("UPSTREAM_URL"); val != "" {
		cfg.Upstream.URL = val
	}
	if val := os.Getenv("UPSTREAM_HOST"); val != "" {
		cfg.Upstream.Host = val
	}

	if val := os.Getenv("GUARDIAN_MODE"); val != "" {
		cfg.Guardian.Mode = val
	}
	if val := os.Getenv("GUARDIAN_URL"); val != "" {
		cfg.Guardian.AnalyzeURL = val
	}
	if val := os.Getenv("CERT_PATH"); val != "" {
		cfg.Guardian.CertPath = val
		cfg.Frontend.CertPath = val
	}
	if val := os.Getenv("TIME_OUT"); val != "" {
		d, err := parseSeconds(val)
		if err != nil {
			return NewConfigValidationError("TIME_OUT", val, err.Error())
		}
		cfg.Guardian.Timeout = d
	}

	if val := os.Getenv("ORACLE_ADDR"); val != "" {
		cfg.Oracle.ListenAddress = val
	}
	if val := os.Getenv("ORACLE_CERT_FILE"); val != "" {
		cfg.Oracle.TLS.CertFile = val
	}
	if val := os.Getenv("ORACLE_KEY_FILE"); val != "" {
		cfg.Oracle.TLS.KeyFile = val
	}
	if val := os.Getenv("MODEL_ENDPOINT"); val != "" {
		cfg.Oracle.ModelEndpoint = val
	}
	if val := os.Getenv("MODEL_PATHNAME"); val != "" {
		cfg.Oracle.ModelName = val
	}
	if val := os.Getenv("TOXICITY_THRESHOLD"); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return NewConfigValidationError("TOXICITY_THRESHOLD", val, "not a number")
		}
		cfg.Oracle.Threshold = f
	}

	if val := os.Getenv("FAILURE_MODE"); val != "" {
		cfg.Interceptor.FailureMode = val
	}

	if val := os.Getenv("FRONTEND_ADDR"); val != "" {
		cfg.Frontend.ListenAddress = val
	}
	if val := os.Getenv("PROXY_URL"); val != "" {
		cfg.Frontend.ProxyURL = val
	}
	if val := os.Getenv("OPENAI_API_KEY"); val != "" {
		cfg.Frontend.APIKey = val
	}
	if val := os.Getenv("OPENAI_MODEL"); val != "" {
		cfg.Frontend.Model = val
	}

	if val := os.Getenv("OTEL_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("OTEL_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}
	if val := os.Getenv("LOG_PRETTY"); val == "true" {
		cfg.Logging.Pretty = true
	}

	// TLS for the gateway data listener
	if val := os.Getenv("GATEWAY_TLS_CERT_FILE"); val != "" {
		if cfg.Server.TLS == nil {
			cfg.Server.TLS = &TLSConfig{Enabled: true}
		}
		cfg.Server.TLS.CertFile = val
	}
	if val := os.Getenv("GATEWAY_TLS_KEY_FILE"); val != "" {
		if cfg.Server.TLS == nil {
			cfg.Server.TLS = &TLSConfig{Enabled: true}
		}
		cfg.Server.TLS.KeyFile = val
	}

	return nil
}

// parseSeconds accepts a bare number of seconds or a Go duration string.
func parseSeconds(val string) (time.Duration, error) {
	if n, err := strconv.ParseFloat(val, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("expected seconds or a duration, got %q", val)
	}
	return d, nil
}

// Validate performs comprehensive validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("upstream configuration: %w", err)
	}
	if err := c.Guardian.Validate(); err != nil {
		return fmt.Errorf("guardian configuration: %w", err)
	}
	if err := c.Oracle.Validate(); err != nil {
		return fmt.Errorf("oracle configuration: %w", err)
	}
	if err := c.Interceptor.Validate(); err != nil {
		return fmt.Errorf("interceptor configuration: %w", err)
	}
	if err := c.Frontend.Validate(); err != nil {
		return fmt.Errorf("frontend configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = ":19090"
	}
	if strings.TrimSpace(c.DataAddress) == "" {
		c.DataAddress = ":8090"
	}
	if c.AdminAddress == c.DataAddress {
		return fmt.Errorf("admin_address %q conflicts with data_address", c.AdminAddress)
	}
	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return fmt.Errorf("TLS configuration: %w", err)
		}
	}
	return nil
}

// Validate checks the upstream URL and normalizes the moderated host.
func (c *UpstreamConfig) Validate() error {
	if strings.TrimSpace(c.URL) != "" {
		u, err := url.Parse(c.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return NewConfigValidationError("url", c.URL, "must be an absolute URL")
		}
		if c.hostDerived || strings.TrimSpace(c.Host) == "" {
			c.Host = u.Hostname()
			c.hostDerived = true
		}
	}
	c.Host = strings.ToLower(strings.TrimSpace(c.Host))
	if c.Host == "" {
		return NewConfigMissingError("host").WithSuggestion("Set UPSTREAM_HOST to the chat completion API host")
	}
	if c.Timeout < 0 {
		return NewConfigValidationError("timeout", c.Timeout, "must not be negative")
	}
	if c.MaxBodyBytes < 0 {
		return NewConfigValidationError("max_body_bytes", c.MaxBodyBytes, "must not be negative")
	}
	return nil
}

// Validate checks the oracle client settings for the selected mode.
func (c *GuardianConfig) Validate() error {
	mode := strings.ToLower(strings.TrimSpace(c.Mode))
	if mode == "" {
		mode = ModeRemote
	}
	switch mode {
	case ModeRemote:
		if strings.TrimSpace(c.AnalyzeURL) == "" {
			return NewConfigMissingError("analyze_url").WithSuggestion("Set GUARDIAN_URL")
		}
		if _, err := url.ParseRequestURI(c.AnalyzeURL); err != nil {
			return NewConfigValidationError("analyze_url", c.AnalyzeURL, err.Error())
		}
	case ModeLocal:
	default:
		return NewConfigValidationError("mode", c.Mode, "supported modes: remote, local")
	}
	c.Mode = mode

	if c.Timeout <= 0 {
		c.Timeout = governance.DefaultOracleTimeout
	}
	if c.CircuitBreaker.Enabled && c.CircuitBreaker.MaxFailures <= 0 {
		return NewConfigValidationError("circuit_breaker.max_failures", c.CircuitBreaker.MaxFailures, "must be positive when enabled")
	}
	return nil
}

// Validate checks the model backend, threshold and category set.
func (c *OracleConfig) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":5001"
	}
	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("TLS configuration: %w", err)
	}
	if strings.TrimSpace(c.ModelEndpoint) == "" {
		return NewConfigMissingError("model_endpoint").WithSuggestion("Set MODEL_ENDPOINT to the vLLM server URL")
	}
	if c.MaxTokens <= 0 {
		return NewConfigValidationError("max_tokens", c.MaxTokens, "must be positive")
	}
	if c.Threshold <= 0 || c.Threshold >= 1 {
		return NewConfigValidationError("threshold", c.Threshold, "must lie strictly between 0 and 1")
	}
	if len(c.Categories) == 0 {
		c.Categories = risk.DefaultCategories()
	}
	if err := risk.ValidateCategories(c.Categories); err != nil {
		return NewConfigValidationError("categories", len(c.Categories), err.Error())
	}
	return nil
}

// Validate normalizes the failure mode.
func (c *InterceptorConfig) Validate() error {
	mode, err := interceptor.ParseFailureMode(c.FailureMode)
	if err != nil {
		return NewConfigValidationError("failure_mode", c.FailureMode, err.Error())
	}
	c.FailureMode = string(mode)
	return nil
}

// Validate performs validation of front-end configuration
func (c *FrontendConfig) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":5000"
	}
	if c.ProxyURL != "" {
		if _, err := url.ParseRequestURI(c.ProxyURL); err != nil {
			return NewConfigValidationError("proxy_url", c.ProxyURL, err.Error())
		}
	}
	return nil
}

// Validate performs validation of telemetry configuration
func (c *TelemetryConfig) Validate() error {
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return NewConfigValidationError("sample_ratio", c.SampleRatio, "must be within [0, 1]")
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}

	format := strings.TrimSpace(strings.ToLower(c.Format))
	switch format {
	case "":
		c.Format = "json"
	case "json", "text":
		c.Format = format
	default:
		return fmt.Errorf("invalid log format %q, supported formats: json, text", c.Format)
	}
	return nil
}
