package frontend

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/guardian-gateway/pkg/domain"
)

//go:embed index.html
var indexHTML []byte

const (
	// DefaultModel is the upstream chat model.
	DefaultModel = "gpt-3.5-turbo"
	// DefaultTemperature is the sampling temperature sent upstream.
	DefaultTemperature = 0.7

	// ErrInvalidEndpoint is returned for POSTs to the root path.
	ErrInvalidEndpoint = "Invalid endpoint. Use /send"
	// ErrPromptMissing is returned when the prompt is empty.
	ErrPromptMissing = "Prompt is missing."

	maxReplyBytes = 4 << 20
)

// Config configures the front-end.
type Config struct {
	ProxyURL    string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// SendRequest is the /send body.
type SendRequest struct {
	Prompt string `json:"prompt"`
}

// SendResponse is the /send success body.
type SendResponse struct {
	Response string `json:"response"`
}

// Server holds the front-end routes.
type Server struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates the front-end. transport carries the gateway trust; nil uses
// the default transport.
func New(cfg Config, transport http.RoundTripper, logger *slog.Logger) (*Server, error) {
	if strings.TrimSpace(cfg.ProxyURL) == "" {
		return nil, fmt.Errorf("%w: proxy url is required", domain.ErrConfigInvalid)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(transport),
			Timeout:   cfg.Timeout,
		},
		logger: logger,
	}, nil
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/", s.index)
	router.POST("/", s.invalidPost)
	router.POST("/send", s.send)

	return router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("frontend request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) index(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
}

func (s *Server) invalidPost(c *gin.Context) {
	s.logger.Warn("POST to invalid route '/'")
	c.JSON(http.StatusBadRequest, domain.ErrorResponse{Error: ErrInvalidEndpoint})
}

func (s *Server) send(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Prompt == "" {
		s.logger.Warn("missing prompt in request")
		c.JSON(http.StatusBadRequest, domain.ErrorResponse{Error: ErrPromptMissing})
		return
	}

	s.logger.Info("received prompt", "prompt_length", len(req.Prompt))

	content, err := s.complete(c.Request.Context(), req.Prompt)
	if err != nil {
		status, msg := http.StatusBadGateway, "Request failed: "+err.Error()
		var fe *formatError
		if errors.As(err, &fe) {
			status, msg = http.StatusInternalServerError, "Unexpected response format: "+fe.Error()
		}
		s.logger.Error("chat completion failed", "status", status, "error", err)
		c.JSON(status, domain.ErrorResponse{Error: msg})
		return
	}

	c.JSON(http.StatusOK, SendResponse{Response: content})
}

// formatError marks a reply that arrived but could not be read.
type formatError struct {
	err error
}

func (e *formatError) Error() string { return e.err.Error() }

func (e *formatError) Unwrap() error { return e.err }

func (s *Server) complete(ctx context.Context, prompt string) (string, error) {
	temperature := s.cfg.Temperature
	payload := domain.ChatRequest{
		Model:       s.cfg.Model,
		Messages:    []domain.ChatMessage{{Role: domain.RoleUser, Content: prompt}},
		Temperature: &temperature,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.ProxyURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return "", err
	}

	var reply domain.ChatResponse
	if err := json.Unmarshal(raw, &reply); err != nil {
		return "", &formatError{err: err}
	}
	content, err := reply.FirstChoice()
	if err != nil {
		return "", &formatError{err: err}
	}
	return content, nil
}
