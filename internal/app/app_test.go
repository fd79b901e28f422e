package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/freelancehq/portal/internal/billing"
	"github.com/freelancehq/portal/internal/observability"
	"github.com/freelancehq/portal/jobs"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DEFAULT_CURRENCY", "eur")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "EUR", cfg.DefaultCurrency)
	require.Equal(t, 30, cfg.DueDays)
	require.Equal(t, 30*time.Second, cfg.AppRequestTimeout)
	require.Equal(t, 5*time.Minute, cfg.InvoiceCacheTTL)
	require.False(t, cfg.IsProduction())
	require.True(t, cfg.SMTPConfigured())
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"DEFAULT_CURRENCY":      "EURO",
		"DUE_DAYS":              "0",
		"PORTAL_BASE_URL":       "portal.local",
		"IDEMPOTENCY_RETENTION": "-1h",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := LoadConfig()
			require.Error(t, err)
		})
	}

	t.Run("unparsable", func(t *testing.T) {
		t.Setenv("DUE_DAYS", "soon")
		_, err := LoadConfig()
		require.Error(t, err)
	})
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func newTestRouter(t *testing.T, db Pinger) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := billing.NewService(nil, nil, nil, billing.ServiceConfig{}, logger)
	return NewRouter(RouterParams{
		Logger:         logger,
		Config:         &Config{AppEnv: "test", AppRequestTimeout: time.Second, AppRateLimit: 1000},
		BillingHandler: billing.NewHandler(logger, svc),
		JobHandler:     jobs.NewHandler(nil, logger),
		Database:       db,
		Metrics:        observability.NewMetrics(),
	})
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t, fakePinger{})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok","database":"ok"}`, rr.Body.String())
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))

	router = newTestRouter(t, fakePinger{err: errors.New("down")})
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Contains(t, rr.Body.String(), "unreachable")
}

func TestRouterProblemResponses(t *testing.T) {
	router := newTestRouter(t, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Contains(t, rr.Body.String(), `"title":"Not found"`)

	req := httptest.NewRequest(http.MethodPost, "/api/invoices/", strings.NewReader("client_id=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
}

func TestRouterExposesJobsAndMetrics(t *testing.T) {
	router := newTestRouter(t, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"queue":"mail"`)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "portal_http_requests_total")
}

func TestTestModeFlag(t *testing.T) {
	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	require.True(t, InTestMode())
	t.Setenv(testModeEnv, "0")
	RefreshTestMode()
	require.False(t, InTestMode())
}
