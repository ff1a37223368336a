package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/guardian-gateway/pkg/config"
)

func TestBuildHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("serves the index page", func(t *testing.T) {
		cfg := config.Default().Frontend
		handler, err := buildHandler(cfg, logger)
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	})

	t.Run("missing pinned certificate", func(t *testing.T) {
		cfg := config.Default().Frontend
		cfg.CertPath = filepath.Join(t.TempDir(), "absent.crt")
		_, err := buildHandler(cfg, logger)
		require.Error(t, err)
	})

	t.Run("proxy url required", func(t *testing.T) {
		cfg := config.Default().Frontend
		cfg.ProxyURL = ""
		_, err := buildHandler(cfg, logger)
		require.Error(t, err)
	})
}
