// Package main wires the moderation gateway executable entry point and lifecycle management.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	tlsutil "github.com/polisai/guardian-gateway/internal/tls"
	"github.com/polisai/guardian-gateway/pkg/config"
	"github.com/polisai/guardian-gateway/pkg/guardian"
	"github.com/polisai/guardian-gateway/pkg/interceptor"
	"github.com/polisai/guardian-gateway/pkg/logging"
	"github.com/polisai/guardian-gateway/pkg/oracle"
	"github.com/polisai/guardian-gateway/pkg/proxy"
	"github.com/polisai/guardian-gateway/pkg/risk"
	"github.com/polisai/guardian-gateway/pkg/telemetry"
)

const (
	defaultServiceName       = "guardian-gateway"
	telemetryShutdownTimeout = 5 * time.Second
	gracefulShutdownTimeout  = 10 * time.Second
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	configPath := flag.String("config-path", "", "Path to the configuration file")
	adminAddr := flag.String("admin-listen", "", "HTTP listen address for the admin endpoints")
	dataAddr := flag.String("data-listen", "", "HTTP listen address for the data plane proxy")
	upstreamURL := flag.String("upstream-url", "", "Chat completion API base URL")
	guardianURL := flag.String("guardian-url", "", "Guardian oracle analyze URL")
	mode := flag.String("mode", "", "Guardian scoring mode (remote, local)")
	logLevel := flag.String("log-level", "", "Log level")
	prettyLogs := flag.Bool("pretty", false, "Enable pretty console logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("configuration load failed: %v", err)
	}

	// Apply flag overrides
	if *adminAddr != "" {
		cfg.Server.AdminAddress = *adminAddr
	}
	if *dataAddr != "" {
		cfg.Server.DataAddress = *dataAddr
	}
	if *upstreamURL != "" {
		cfg.Upstream.URL = *upstreamURL
	}
	if *guardianURL != "" {
		cfg.Guardian.AnalyzeURL = *guardianURL
	}
	if *mode != "" {
		cfg.Guardian.Mode = *mode
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *prettyLogs {
		cfg.Logging.Pretty = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("configuration invalid: %v", err)
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Pretty: cfg.Logging.Pretty,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gateway failed", "error", err)
		os.Exit(1)
	}
}

// run orchestrates the application lifecycle.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	metrics := proxy.NewMetrics()
	telemetryShutdown, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName:  defaultServiceName,
		Endpoint:     cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
		Headers:      cfg.Telemetry.Headers,
		SampleRatio:  cfg.Telemetry.SampleRatio,
		Environment:  cfg.Telemetry.Environment,
		ResourceTags: map[string]string{"guardian.mode": cfg.Guardian.Mode},
		Registerer:   metrics.Registry(),
	})
	if err != nil {
		return fmt.Errorf("telemetry initialization failed: %w", err)
	}
	defer shutdownTelemetry(telemetryShutdown, logger)

	analyzer, health, err := buildAnalyzer(ctx, cfg, logger)
	if err != nil {
		return err
	}

	dataHandler, err := buildDataHandler(cfg, analyzer, metrics, logger)
	if err != nil {
		return err
	}

	dataSrv := &http.Server{
		Addr:              cfg.Server.DataAddress,
		Handler:           otelhttp.NewHandler(dataHandler, "gateway.data"),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if cfg.Server.TLS != nil && cfg.Server.TLS.Enabled {
		tlsCfg, err := tlsutil.ServerConfig(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		if err != nil {
			return fmt.Errorf("data plane TLS: %w", err)
		}
		tlsCfg.MinVersion = cfg.Server.TLS.MinTLSVersion()
		dataSrv.TLSConfig = tlsCfg
	}

	adminSrv := &http.Server{
		Addr:              cfg.Server.AdminAddress,
		Handler:           proxy.NewAdminHandler(metrics, health),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go serve(adminSrv, false, "admin", errCh, logger)
	go serve(dataSrv, dataSrv.TLSConfig != nil, "data", errCh, logger)

	logger.Info("gateway started",
		"upstream_host", cfg.Upstream.Host,
		"upstream_url", cfg.Upstream.URL,
		"mode", cfg.Guardian.Mode,
		"failure_mode", cfg.Interceptor.FailureMode,
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	for _, srv := range []*http.Server{dataSrv, adminSrv} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "addr", srv.Addr, "error", err)
		}
	}
	return runErr
}

// buildAnalyzer returns the scoring path for the configured mode and the
// component details reported on /admin/health.
func buildAnalyzer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (risk.Analyzer, proxy.HealthFunc, error) {
	if cfg.Guardian.Mode == config.ModeLocal {
		return buildLocalAnalyzer(ctx, cfg, logger)
	}

	opts := []guardian.Option{guardian.WithLogger(logger)}
	if u, err := url.Parse(cfg.Guardian.AnalyzeURL); err == nil && u.Scheme == "https" {
		trust, err := tlsutil.NewTrustStore(cfg.Guardian.CertPath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("guardian certificate: %w", err)
		}
		if cfg.Guardian.WatchCert {
			go func() {
				if err := trust.Watch(ctx); err != nil {
					logger.Error("pinned certificate watch stopped", "error", err)
				}
			}()
		}
		opts = append(opts, guardian.WithTLSConfig(trust.ClientConfig()))
	}

	client, err := guardian.NewClient(guardian.Config{
		AnalyzeURL:     cfg.Guardian.AnalyzeURL,
		Timeout:        cfg.Guardian.Timeout,
		CircuitBreaker: cfg.Guardian.CircuitBreaker,
	}, opts...)
	if err != nil {
		return nil, nil, err
	}

	health := func() map[string]any {
		return map[string]any{
			"mode":            config.ModeRemote,
			"guardian_url":    cfg.Guardian.AnalyzeURL,
			"circuit_breaker": client.Breaker().Stats(),
		}
	}
	return client, health, nil
}

func buildLocalAnalyzer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (risk.Analyzer, proxy.HealthFunc, error) {
	model, err := oracle.NewVLLMModel(oracle.VLLMConfig{
		Endpoint:  cfg.Oracle.ModelEndpoint,
		Model:     cfg.Oracle.ModelName,
		MaxTokens: cfg.Oracle.MaxTokens,
		APIKey:    cfg.Oracle.APIKey,
		Timeout:   cfg.Oracle.Timeout,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	scorer, err := oracle.NewCategoryScorer(model, risk.NewEstimator(cfg.Oracle.Threshold), logger)
	if err != nil {
		return nil, nil, err
	}
	agg, err := risk.NewAggregator(scorer, cfg.Oracle.Categories, logger)
	if err != nil {
		return nil, nil, err
	}

	readiness := &oracle.Readiness{}
	go func() {
		if err := readiness.WaitReady(ctx, model, cfg.Oracle.ReadyInterval, logger); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("model readiness wait stopped", "error", err)
		}
	}()

	health := func() map[string]any {
		return map[string]any{
			"mode":        config.ModeLocal,
			"model_ready": readiness.Ready(),
		}
	}
	return readiness.Gate(agg), health, nil
}

// buildDataHandler wires the interceptor into the proxy runtime.
func buildDataHandler(cfg *config.Config, analyzer risk.Analyzer, metrics *proxy.Metrics, logger *slog.Logger) (http.Handler, error) {
	hooks, err := interceptor.New(interceptor.Config{
		UpstreamHost: cfg.Upstream.Host,
		FailureMode:  interceptor.FailureMode(cfg.Interceptor.FailureMode),
		Banner:       cfg.Interceptor.Banner,
	}, analyzer, logger)
	if err != nil {
		return nil, err
	}

	return proxy.NewHandler(proxy.Config{
		UpstreamURL:  cfg.Upstream.URL,
		Timeout:      cfg.Upstream.Timeout,
		MaxBodyBytes: cfg.Upstream.MaxBodyBytes,
	}, hooks, metrics, logger)
}

func serve(srv *http.Server, withTLS bool, name string, errCh chan<- error, logger *slog.Logger) {
	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		errCh <- fmt.Errorf("%s listener: %w", name, err)
		return
	}
	logger.Info("server listening", "server", name, "addr", listener.Addr().String(), "tls", withTLS)

	if withTLS {
		err = srv.ServeTLS(listener, "", "")
	} else {
		err = srv.Serve(listener)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("%s server: %w", name, err)
	}
}

// shutdownTelemetry gracefully shuts down the telemetry provider.
func shutdownTelemetry(shutdown func(context.Context) error, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Error("telemetry shutdown error", "error", err)
	}
}
