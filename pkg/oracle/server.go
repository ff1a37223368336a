package oracle

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/polisai/guardian-gateway/pkg/domain"
	"github.com/polisai/guardian-gateway/pkg/risk"
)

const (
	// AllowedReply is the reply for a prompt no category blocked.
	AllowedReply = "Prompt is allowed."

	maxPromptBytes = 1 << 20
)

// Server serves the oracle's /health and /analyze endpoints.
type Server struct {
	analyzer  risk.Analyzer
	readiness *Readiness
	logger    *slog.Logger
}

// NewServer creates the HTTP surface of the oracle.
func NewServer(analyzer risk.Analyzer, readiness *Readiness, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if readiness == nil {
		readiness = &Readiness{}
	}
	return &Server{analyzer: analyzer, readiness: readiness, logger: logger}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /analyze", s.handleAnalyze)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !s.readiness.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "Loading")
		return
	}
	_, _ = io.WriteString(w, "OK")
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if !s.readiness.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, domain.ErrorResponse{Error: "Model not ready"})
		return
	}

	var req domain.AnalyzeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxPromptBytes)).Decode(&req); err != nil {
		s.logger.Warn("malformed analyze request", "error", err)
		writeJSON(w, http.StatusBadRequest, domain.ErrorResponse{Error: "Invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSON(w, http.StatusBadRequest, domain.ErrorResponse{Error: "Prompt is missing."})
		return
	}

	s.logger.Info("analyzing prompt", "prompt_length", len(req.Prompt))

	verdict, err := s.analyzer.Analyze(r.Context(), req.Prompt)
	if err != nil {
		// Category failures count as not blocking.
		s.logger.Error("risk analysis incomplete", "error", err)
		if r.Context().Err() != nil {
			return
		}
	}

	writeJSON(w, http.StatusOK, NewAnalyzeResponse(verdict))
}

// NewAnalyzeResponse renders an aggregate verdict for the wire.
func NewAnalyzeResponse(verdict domain.Verdict) domain.AnalyzeResponse {
	label := verdict.Label
	if label == "" {
		label = domain.LabelSafe
	}

	reply := AllowedReply
	if verdict.Blocked {
		reply = "The prompt was " + verdict.Reason
	}

	return domain.AnalyzeResponse{
		Label:             label,
		Confidence:        risk.DefaultConfidence,
		ProbabilityOfRisk: risk.Round3(verdict.Probability),
		Blocked:           verdict.Blocked,
		Reply:             reply,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
