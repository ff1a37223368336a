package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/guardian-gateway/pkg/domain"
)

const (
	// DefaultMaxBodyBytes bounds buffered bodies of moderated flows.
	DefaultMaxBodyBytes int64 = 10 << 20
	// DefaultUpstreamTimeout bounds one upstream exchange.
	DefaultUpstreamTimeout = 120 * time.Second
)

var errBodyTooLarge = errors.New("body exceeds buffer limit")

// Hooks is the interceptor surface the runtime drives.
type Hooks interface {
	Applies(flow *domain.Flow) bool
	OnRequest(ctx context.Context, flow *domain.Flow) domain.Action
	OnResponse(ctx context.Context, flow *domain.Flow) domain.Action
}

// Config configures the runtime.
type Config struct {
	// UpstreamURL is the target for origin-form requests. Absolute-form
	// requests carry their own target.
	UpstreamURL  string
	Timeout      time.Duration
	MaxBodyBytes int64
	// Transport overrides the upstream round tripper.
	Transport http.RoundTripper
}

// Handler is the gateway's data-plane http.Handler.
type Handler struct {
	hooks    Hooks
	upstream *url.URL
	client   *http.Client
	maxBody  int64
	metrics  *Metrics
	logger   *slog.Logger
}

// NewHandler creates the runtime.
func NewHandler(cfg Config, hooks Hooks, metrics *Metrics, logger *slog.Logger) (*Handler, error) {
	if hooks == nil {
		return nil, fmt.Errorf("%w: hooks are required", domain.ErrConfigInvalid)
	}
	if logger == nil {
		logger = slog.Default()
	}

	var upstream *url.URL
	if cfg.UpstreamURL != "" {
		u, err := url.Parse(cfg.UpstreamURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("%w: invalid upstream url %q", domain.ErrConfigInvalid, cfg.UpstreamURL)
		}
		upstream = u
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultUpstreamTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &Handler{
		hooks:    hooks,
		upstream: upstream,
		client: &http.Client{
			Transport: otelhttp.NewTransport(transport),
			Timeout:   cfg.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxBody: cfg.MaxBodyBytes,
		metrics: metrics,
		logger:  logger,
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method == http.MethodConnect {
		writeError(w, http.StatusMethodNotAllowed, "CONNECT tunnelling is not supported")
		return
	}

	target, err := h.resolveTarget(r)
	if err != nil {
		h.logger.Warn("unable to resolve upstream target", "error", err, "uri", r.RequestURI)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flow := &domain.Flow{
		Direction:     domain.DirectionRequest,
		Host:          target.Host,
		Method:        r.Method,
		Path:          target.Path,
		RequestHeader: r.Header.Clone(),
	}

	if !h.hooks.Applies(flow) {
		h.passthrough(w, r, target, r.Body)
		h.metrics.RecordFlow(string(domain.DirectionRequest), "passthrough")
		h.metrics.ObserveFlow(false, time.Since(start))
		return
	}

	h.moderate(w, r, target, flow)
	h.metrics.ObserveFlow(true, time.Since(start))
}

func (h *Handler) moderate(w http.ResponseWriter, r *http.Request, target *url.URL, flow *domain.Flow) {
	ctx := r.Context()

	body, err := readLimited(r.Body, h.maxBody)
	if errors.Is(err, errBodyTooLarge) {
		h.logger.Warn("request body exceeds inspection limit, forwarding unmoderated",
			"host", flow.Host, "limit_bytes", h.maxBody)
		h.metrics.RecordFlow(string(domain.DirectionRequest), "oversize")
		h.passthrough(w, r, target, io.MultiReader(bytes.NewReader(body), r.Body))
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "unable to read request body")
		return
	}
	flow.RequestBody = body

	action := h.hooks.OnRequest(ctx, flow)
	h.metrics.RecordFlow(string(domain.DirectionRequest), string(action.Kind))
	if action.IsReplace() {
		writeAction(w, action)
		return
	}

	header := flow.RequestHeader.Clone()
	removeHopByHop(header)
	// Let the transport negotiate compression so the response is inspectable.
	header.Del("Accept-Encoding")

	resp, err := h.send(ctx, r.Method, target, header, bytes.NewReader(body), int64(len(body)))
	if err != nil {
		h.upstreamFailed(w, flow, err)
		return
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	h.metrics.RecordUpstreamStatus(resp.StatusCode)

	respBody, err := readLimited(resp.Body, h.maxBody)
	if errors.Is(err, errBodyTooLarge) {
		h.logger.Warn("response body exceeds inspection limit, forwarding unmoderated",
			"flow_id", flow.ID, "host", flow.Host, "limit_bytes", h.maxBody)
		h.metrics.RecordFlow(string(domain.DirectionResponse), "oversize")
		out := resp.Header.Clone()
		removeHopByHop(out)
		copyHeader(w.Header(), out)
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, io.MultiReader(bytes.NewReader(respBody), resp.Body)); err != nil {
			h.logger.Debug("oversize response copy interrupted", "flow_id", flow.ID, "error", err)
		}
		return
	}
	if err != nil {
		h.upstreamFailed(w, flow, err)
		return
	}

	flow.Direction = domain.DirectionResponse
	flow.Forwarded = true
	flow.StatusCode = resp.StatusCode
	flow.ResponseHeader = resp.Header.Clone()
	flow.ResponseBody = respBody

	action = h.hooks.OnResponse(ctx, flow)
	h.metrics.RecordFlow(string(domain.DirectionResponse), string(action.Kind))
	if action.IsReplace() {
		writeAction(w, action)
		return
	}

	out := flow.ResponseHeader
	removeHopByHop(out)
	out.Set("Content-Length", strconv.Itoa(len(respBody)))
	copyHeader(w.Header(), out)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)
}

func (h *Handler) passthrough(w http.ResponseWriter, r *http.Request, target *url.URL, body io.Reader) {
	header := r.Header.Clone()
	removeHopByHop(header)

	resp, err := h.send(r.Context(), r.Method, target, header, body, r.ContentLength)
	if err != nil {
		h.logger.Error("passthrough upstream failed", "host", target.Host, "error", err)
		h.metrics.RecordUpstreamError(upstreamErrorReason(err))
		writeError(w, http.StatusBadGateway, "upstream request failed")
		return
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	h.metrics.RecordUpstreamStatus(resp.StatusCode)

	out := resp.Header.Clone()
	removeHopByHop(out)
	copyHeader(w.Header(), out)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Debug("passthrough copy interrupted", "host", target.Host, "error", err)
	}
}

func (h *Handler) send(ctx context.Context, method string, target *url.URL, header http.Header, body io.Reader, length int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header = header
	req.ContentLength = length
	if length == 0 {
		req.Body = http.NoBody
	}
	return h.client.Do(req)
}

func (h *Handler) upstreamFailed(w http.ResponseWriter, flow *domain.Flow, err error) {
	h.logger.Error("upstream request failed", "flow_id", flow.ID, "host", flow.Host, "error", err)
	h.metrics.RecordUpstreamError(upstreamErrorReason(err))
	writeError(w, http.StatusBadGateway, "upstream request failed")
}

// resolveTarget picks the absolute-form request URI when present, otherwise
// the configured upstream with the request's path and query.
func (h *Handler) resolveTarget(r *http.Request) (*url.URL, error) {
	if r.URL.IsAbs() {
		target := *r.URL
		return &target, nil
	}
	if h.upstream == nil {
		return nil, errors.New("no upstream configured for origin-form request")
	}

	target := *h.upstream
	target.Path = singleJoiningSlash(h.upstream.Path, r.URL.Path)
	target.RawPath = ""
	target.RawQuery = r.URL.RawQuery
	return &target, nil
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash && a != "" && b != "":
		return a + "/" + b
	}
	return a + b
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		// data is the consumed prefix
		return data, errBodyTooLarge
	}
	return data, nil
}

func writeAction(w http.ResponseWriter, action domain.Action) {
	copyHeader(w.Header(), action.Header)
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(action.Payload)))
	status := action.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(action.Payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(domain.ErrorResponse{Error: msg})
}

func copyHeader(dst, src http.Header) {
	for name, values := range src {
		dst[name] = append([]string(nil), values...)
	}
}

// removeHopByHop drops RFC 7230 hop-by-hop headers, including any named in
// Connection.
func removeHopByHop(header http.Header) {
	for _, v := range header.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, name := range []string{
		"Connection",
		"Proxy-Connection",
		"Keep-Alive",
		"Proxy-Authenticate",
		"Proxy-Authorization",
		"Te",
		"Trailer",
		"Transfer-Encoding",
		"Upgrade",
	} {
		header.Del(name)
	}
}

func upstreamErrorReason(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return "timeout"
	}
	return "transport"
}
