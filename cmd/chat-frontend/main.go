// Package main is the entry point for the chat submission front-end.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	tlsutil "github.com/polisai/guardian-gateway/internal/tls"
	"github.com/polisai/guardian-gateway/pkg/config"
	"github.com/polisai/guardian-gateway/pkg/frontend"
	"github.com/polisai/guardian-gateway/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config-path", "", "Path to the configuration file")
	listenAddr := flag.String("listen", "", "Address to listen on")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("configuration load failed: %v", err)
	}
	if *listenAddr != "" {
		cfg.Frontend.ListenAddress = *listenAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Pretty: cfg.Logging.Pretty,
	})
	slog.SetDefault(logger)
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	handler, err := buildHandler(cfg.Frontend, logger)
	if err != nil {
		logger.Error("front-end setup failed", "error", err)
		os.Exit(1)
	}

	server := &http.Server{
		Addr:              cfg.Frontend.ListenAddress,
		Handler:           otelhttp.NewHandler(handler, "chat.frontend"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("front-end listening", "addr", server.Addr, "proxy_url", cfg.Frontend.ProxyURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

// buildHandler creates the gin router. When a certificate path is set the
// gateway is trusted through it instead of the system roots.
func buildHandler(cfg config.FrontendConfig, logger *slog.Logger) (http.Handler, error) {
	var transport http.RoundTripper
	if cfg.CertPath != "" {
		trust, err := tlsutil.NewTrustStore(cfg.CertPath, logger)
		if err != nil {
			return nil, err
		}
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = trust.ClientConfig()
		transport = t
	}

	srv, err := frontend.New(frontend.Config{
		ProxyURL: cfg.ProxyURL,
		APIKey:   cfg.APIKey,
		Model:    cfg.Model,
		Timeout:  cfg.Timeout,
	}, transport, logger)
	if err != nil {
		return nil, err
	}
	return srv.Router(), nil
}
