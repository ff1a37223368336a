package guardian

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/guardian-gateway/internal/governance"
	"github.com/polisai/guardian-gateway/pkg/domain"
)

const (
	tracerName = "github.com/polisai/guardian-gateway/pkg/guardian"

	// FallbackReason is used when the oracle blocks without a reply.
	FallbackReason = "The prompt is considered toxic."

	maxResponseBytes = 1 << 20
)

// Config configures the remote client.
type Config struct {
	AnalyzeURL     string
	Timeout        time.Duration
	CircuitBreaker governance.CircuitBreakerConfig
}

// Option customises a Client.
type Option func(*Client)

// WithTLSConfig sets the transport trust, normally a pinned TrustStore config.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) {
		c.tlsConfig = cfg
	}
}

// WithHTTPClient replaces the HTTP client entirely.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client asks the oracle for one aggregate decision per text.
type Client struct {
	url        string
	tlsConfig  *tls.Config
	httpClient *http.Client
	timeouts   *governance.TimeoutManager
	breaker    *governance.CircuitBreaker
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewClient builds a client for cfg.AnalyzeURL.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.AnalyzeURL == "" {
		return nil, fmt.Errorf("%w: guardian analyze url is required", domain.ErrConfigInvalid)
	}

	c := &Client{
		url:      cfg.AnalyzeURL,
		timeouts: governance.NewTimeoutManager(cfg.Timeout),
		breaker:  governance.NewCircuitBreaker(cfg.CircuitBreaker),
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if c.tlsConfig != nil {
			transport.TLSClientConfig = c.tlsConfig
		}
		c.httpClient = &http.Client{
			Transport: otelhttp.NewTransport(transport),
			Timeout:   c.timeouts.Timeout(),
		}
	}

	return c, nil
}

// Breaker exposes the circuit breaker for health reporting.
func (c *Client) Breaker() *governance.CircuitBreaker {
	return c.breaker
}

// Analyze scores text remotely. On any failure it returns the allowed
// verdict together with a ScoringError describing what went wrong.
func (c *Client) Analyze(ctx context.Context, text string) (domain.Verdict, error) {
	if strings.TrimSpace(text) == "" {
		return domain.Allowed(), nil
	}

	ctx, span := c.tracer.Start(ctx, "guardian.analyze",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("guardian.text.length", len(text))),
	)
	defer span.End()

	var verdict domain.Verdict
	err := c.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
		var callErr error
		verdict, callErr = c.call(ctx, text)
		return callErr
	})
	if err != nil {
		if errors.Is(err, governance.ErrCircuitOpen) {
			err = domain.NewScoringError(domain.KindTransport, fmt.Errorf("%w: %w", domain.ErrOracleUnavailable, err))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "guardian call failed")
		c.logger.Error("guardian analyze failed, allowing",
			"error", err,
			"kind", domain.KindOf(err),
			"url", c.url,
		)
		return domain.Allowed(), err
	}

	span.SetAttributes(attribute.Bool("guardian.blocked", verdict.Blocked))
	return verdict, nil
}

func (c *Client) call(ctx context.Context, text string) (domain.Verdict, error) {
	ctx, cancel := c.timeouts.WithRequestTimeout(ctx)
	defer cancel()

	body, err := json.Marshal(domain.AnalyzeRequest{Prompt: text})
	if err != nil {
		return domain.Verdict{}, domain.NewScoringError(domain.KindInternal, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return domain.Verdict{}, domain.NewScoringError(domain.KindInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Verdict{}, domain.NewScoringError(domain.KindTransport,
			fmt.Errorf("%w: %w", domain.ErrOracleUnavailable, c.timeouts.Classify(err)))
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close guardian response body", "error", closeErr)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.Verdict{}, domain.NewScoringError(domain.KindTransport,
			fmt.Errorf("%w: %w", domain.ErrOracleUnavailable, c.timeouts.Classify(err)))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := domain.NewScoringError(domain.KindSemantic,
			fmt.Errorf("%w: status %d: %s", domain.ErrOracleMalformed, resp.StatusCode, truncate(raw, 256)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// the oracle is up and rejected this prompt
			return domain.Verdict{}, governance.Uncounted(err)
		}
		return domain.Verdict{}, err
	}

	return parseAnalyzeResponse(raw)
}

// analyzeWire keeps "blocked" optional so a missing field is detectable.
type analyzeWire struct {
	Blocked           *bool        `json:"blocked"`
	Reply             string       `json:"reply"`
	Label             domain.Label `json:"label"`
	ProbabilityOfRisk float64      `json:"probability_of_risk"`
}

func parseAnalyzeResponse(raw []byte) (domain.Verdict, error) {
	var wire analyzeWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return domain.Verdict{}, domain.NewScoringError(domain.KindSemantic,
			fmt.Errorf("%w: %w", domain.ErrOracleMalformed, err))
	}
	if wire.Blocked == nil {
		return domain.Verdict{}, domain.NewScoringError(domain.KindSemantic,
			fmt.Errorf("%w: missing blocked field", domain.ErrOracleMalformed))
	}

	verdict := domain.Verdict{
		Blocked:     *wire.Blocked,
		Probability: wire.ProbabilityOfRisk,
		Label:       wire.Label,
	}
	if verdict.Blocked {
		verdict.Reason = wire.Reply
		if verdict.Reason == "" {
			verdict.Reason = FallbackReason
		}
	}
	return verdict, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
