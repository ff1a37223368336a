// Package main is the entry point for the guardian risk oracle service.
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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	tlsutil "github.com/polisai/guardian-gateway/internal/tls"
	"github.com/polisai/guardian-gateway/pkg/config"
	"github.com/polisai/guardian-gateway/pkg/logging"
	"github.com/polisai/guardian-gateway/pkg/oracle"
	"github.com/polisai/guardian-gateway/pkg/risk"
	"github.com/polisai/guardian-gateway/pkg/telemetry"
)

const (
	defaultServiceName      = "guardian-oracle"
	gracefulShutdownTimeout = 10 * time.Second
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config-path", "", "Path to the configuration file")
	listenAddr := flag.String("listen", "", "Address to listen on")
	insecure := flag.Bool("insecure", false, "Serve plain HTTP instead of TLS")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	prettyLogs := flag.Bool("pretty", false, "Enable pretty console logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("configuration load failed: %v", err)
	}
	if *listenAddr != "" {
		cfg.Oracle.ListenAddress = *listenAddr
	}
	if *insecure {
		cfg.Oracle.TLS.Enabled = false
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Pretty: cfg.Logging.Pretty || *prettyLogs,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("guardian failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: defaultServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		SampleRatio: cfg.Telemetry.SampleRatio,
		Environment: cfg.Telemetry.Environment,
	})
	if err != nil {
		return fmt.Errorf("telemetry initialization failed: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	handler, readiness, model, err := buildOracle(cfg.Oracle, logger)
	if err != nil {
		return err
	}

	go func() {
		if err := readiness.WaitReady(ctx, model, cfg.Oracle.ReadyInterval, logger); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("model readiness wait stopped", "error", err)
		}
	}()

	server := &http.Server{
		Handler:           otelhttp.NewHandler(handler, "guardian.oracle"),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if cfg.Oracle.TLS.Enabled {
		tlsCfg, err := tlsutil.ServerConfig(cfg.Oracle.TLS.CertFile, cfg.Oracle.TLS.KeyFile)
		if err != nil {
			return err
		}
		tlsCfg.MinVersion = cfg.Oracle.TLS.MinTLSVersion()
		server.TLSConfig = tlsCfg
	}

	listener, err := net.Listen("tcp", cfg.Oracle.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to bind listener %s: %w", cfg.Oracle.ListenAddress, err)
	}
	logger.Info("guardian listening",
		"addr", listener.Addr().String(),
		"tls", server.TLSConfig != nil,
		"model_endpoint", cfg.Oracle.ModelEndpoint,
		"threshold", cfg.Oracle.Threshold,
		"categories", len(cfg.Oracle.Categories),
	)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if server.TLSConfig != nil {
			err = server.ServeTLS(listener, "", "")
		} else {
			err = server.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	return runErr
}

// buildOracle wires the model backend, the per-category scorer and the
// aggregator behind the oracle HTTP handlers.
func buildOracle(cfg config.OracleConfig, logger *slog.Logger) (http.Handler, *oracle.Readiness, oracle.Model, error) {
	model, err := oracle.NewVLLMModel(oracle.VLLMConfig{
		Endpoint:  cfg.ModelEndpoint,
		Model:     cfg.ModelName,
		MaxTokens: cfg.MaxTokens,
		APIKey:    cfg.APIKey,
		Timeout:   cfg.Timeout,
	}, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	scorer, err := oracle.NewCategoryScorer(model, risk.NewEstimator(cfg.Threshold), logger)
	if err != nil {
		return nil, nil, nil, err
	}
	agg, err := risk.NewAggregator(scorer, cfg.Categories, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	readiness := &oracle.Readiness{}
	return oracle.NewServer(agg, readiness, logger).Handler(), readiness, model, nil
}
