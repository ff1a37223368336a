package proxy

import (
	"encoding/json"
	"net/http"
)

// HealthFunc reports component details for /admin/health.
type HealthFunc func() map[string]any

// NewAdminHandler serves /admin/health and /metrics.
func NewAdminHandler(metrics *Metrics, health HealthFunc) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /admin/health", func(w http.ResponseWriter, _ *http.Request) {
		body := map[string]any{"status": "ok"}
		if health != nil {
			for k, v := range health() {
				body[k] = v
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})

	if metrics != nil {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	return mux
}
