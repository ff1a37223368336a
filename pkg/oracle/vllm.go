package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/guardian-gateway/pkg/domain"
)

const (
	// DefaultModelName is the guardian model served by vLLM.
	DefaultModelName = "ibm-granite/granite-guardian-3.2-3b-a800m"
	// DefaultMaxTokens bounds the generated decision.
	DefaultMaxTokens = 20
	// TopLogProbs is the number of candidates requested per position.
	TopLogProbs = 20

	defaultModelTimeout = 30 * time.Second
	maxCompletionBytes  = 4 << 20
)

// VLLMConfig configures the OpenAI-compatible vLLM backend.
type VLLMConfig struct {
	Endpoint  string
	Model     string
	MaxTokens int
	APIKey    string
	Timeout   time.Duration
}

// VLLMModel talks to a vLLM server through its OpenAI-compatible API.
type VLLMModel struct {
	endpoint   string
	model      string
	maxTokens  int
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewVLLMModel creates a backend for cfg.Endpoint.
func NewVLLMModel(cfg VLLMConfig, logger *slog.Logger) (*VLLMModel, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("%w: model endpoint is required", domain.ErrConfigInvalid)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModelName
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultModelTimeout
	}

	return &VLLMModel{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		apiKey:    cfg.APIKey,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   cfg.Timeout,
		},
		logger: logger,
	}, nil
}

type completionRequest struct {
	Model              string               `json:"model"`
	Messages           []domain.ChatMessage `json:"messages"`
	Temperature        float64              `json:"temperature"`
	MaxTokens          int                  `json:"max_tokens"`
	LogProbs           bool                 `json:"logprobs"`
	TopLogProbs        int                  `json:"top_logprobs"`
	ChatTemplateKwargs templateKwargs       `json:"chat_template_kwargs"`
}

type templateKwargs struct {
	GuardianConfig guardianConfig `json:"guardian_config"`
}

type guardianConfig struct {
	RiskName string `json:"risk_name"`
}

type tokenLogProb struct {
	Token   string  `json:"token"`
	LogProb float64 `json:"logprob"`
}

type positionLogProbs struct {
	tokenLogProb
	TopLogProbs []tokenLogProb `json:"top_logprobs"`
}

type completionResponse struct {
	Choices []struct {
		Message  domain.ChatMessage `json:"message"`
		LogProbs *struct {
			Content []positionLogProbs `json:"content"`
		} `json:"logprobs"`
	} `json:"choices"`
}

// Generate asks the guardian model whether messages fall under riskName.
// Each call renders its own chat template for the category.
func (m *VLLMModel) Generate(ctx context.Context, messages []domain.ChatMessage, riskName string) (domain.Generation, error) {
	payload := completionRequest{
		Model:       m.model,
		Messages:    messages,
		Temperature: 0,
		MaxTokens:   m.maxTokens,
		LogProbs:    true,
		TopLogProbs: TopLogProbs,
		ChatTemplateKwargs: templateKwargs{
			GuardianConfig: guardianConfig{RiskName: riskName},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return domain.Generation{}, domain.NewScoringError(domain.KindInternal, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return domain.Generation{}, domain.NewScoringError(domain.KindInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")
	m.authorize(req)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return domain.Generation{}, domain.NewScoringError(domain.KindTransport,
			fmt.Errorf("%w: %w", domain.ErrOracleUnavailable, err))
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			m.logger.Warn("failed to close model response body", "error", closeErr)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxCompletionBytes))
	if err != nil {
		return domain.Generation{}, domain.NewScoringError(domain.KindTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Generation{}, domain.NewScoringError(domain.KindSemantic,
			fmt.Errorf("%w: model returned status %d", domain.ErrOracleMalformed, resp.StatusCode))
	}

	return parseCompletion(raw)
}

func parseCompletion(raw []byte) (domain.Generation, error) {
	var completion completionResponse
	if err := json.Unmarshal(raw, &completion); err != nil {
		return domain.Generation{}, domain.NewScoringError(domain.KindSemantic,
			fmt.Errorf("%w: %w", domain.ErrOracleMalformed, err))
	}
	if len(completion.Choices) == 0 {
		return domain.Generation{}, domain.NewScoringError(domain.KindSemantic,
			fmt.Errorf("%w: %w", domain.ErrOracleMalformed, domain.ErrNoChoices))
	}

	choice := completion.Choices[0]
	gen := domain.Generation{Text: choice.Message.Content}
	if choice.LogProbs == nil {
		return gen, nil
	}

	gen.LogProbs = make([]domain.TokenLogProbs, 0, len(choice.LogProbs.Content))
	for _, pos := range choice.LogProbs.Content {
		candidates := make(domain.TokenLogProbs, 0, len(pos.TopLogProbs)+1)
		sampledListed := false
		for _, top := range pos.TopLogProbs {
			candidates = append(candidates, domain.TokenLogProb{Token: top.Token, LogProb: top.LogProb})
			if top.Token == pos.Token && top.LogProb == pos.LogProb {
				sampledListed = true
			}
		}
		if !sampledListed && pos.Token != "" {
			candidates = append(candidates, domain.TokenLogProb{Token: pos.Token, LogProb: pos.LogProb})
		}
		gen.LogProbs = append(gen.LogProbs, candidates)
	}
	return gen, nil
}

// Ready checks the model list endpoint.
func (m *VLLMModel) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.endpoint+"/v1/models", nil)
	if err != nil {
		return err
	}
	m.authorize(req)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrModelNotReady, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: models endpoint returned %d", domain.ErrModelNotReady, resp.StatusCode)
	}

	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrModelNotReady, err)
	}
	for _, entry := range list.Data {
		if entry.ID == m.model {
			return nil
		}
	}
	return fmt.Errorf("%w: model %s not served", domain.ErrModelNotReady, m.model)
}

func (m *VLLMModel) authorize(req *http.Request) {
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}
}
