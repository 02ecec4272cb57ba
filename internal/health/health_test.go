package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func up(context.Context) error { return nil }

func down(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func TestHandler_ServeHTTP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		register   func(h *Handler)
		wantCode   int
		wantStatus Status
		wantChecks int
	}{
		{
			name:       "no dependencies",
			register:   func(*Handler) {},
			wantCode:   http.StatusOK,
			wantStatus: StatusHealthy,
		},
		{
			name: "postgres up",
			register: func(h *Handler) {
				h.RegisterChecker("postgres", NewSimpleChecker("postgres", up))
			},
			wantCode:   http.StatusOK,
			wantStatus: StatusHealthy,
			wantChecks: 1,
		},
		{
			name: "postgres down",
			register: func(h *Handler) {
				h.RegisterChecker("postgres", NewSimpleChecker("postgres", down("connection refused")))
				h.RegisterChecker("redis", NewOptionalChecker("redis", up))
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusUnhealthy,
			wantChecks: 2,
		},
		{
			name: "cache down only",
			register: func(h *Handler) {
				h.RegisterChecker("postgres", NewSimpleChecker("postgres", up))
				h.RegisterChecker("redis", NewOptionalChecker("redis", down("redis down")))
			},
			wantCode:   http.StatusOK,
			wantStatus: StatusDegraded,
			wantChecks: 2,
		},
		{
			name: "unhealthy wins over degraded",
			register: func(h *Handler) {
				h.RegisterChecker("redis", NewOptionalChecker("redis", down("redis down")))
				h.RegisterChecker("postgres", NewSimpleChecker("postgres", down("too many clients")))
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusUnhealthy,
			wantChecks: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := NewHandler("v1.2.3")
			tt.register(h)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var resp Response
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, "v1.2.3", resp.Version)
			assert.Len(t, resp.Checks, tt.wantChecks)
			assert.False(t, resp.Timestamp.IsZero())
		})
	}
}

func TestHandler_ReportsFailureMessage(t *testing.T) {
	t.Parallel()

	h := NewHandler("dev")
	h.RegisterChecker("redis", NewOptionalChecker("redis", down("dial tcp 127.0.0.1:6379: connect: connection refused")))

	resp := h.Evaluate(context.Background())
	require.Contains(t, resp.Checks, "redis")
	assert.Equal(t, StatusDegraded, resp.Checks["redis"].Status)
	assert.Contains(t, resp.Checks["redis"].Message, "connection refused")
}

func TestHandler_EvaluateBoundsSlowChecks(t *testing.T) {
	t.Parallel()

	h := NewHandler("dev")
	h.SetTimeout(20 * time.Millisecond)
	h.SetTimeout(0) // игнорируется
	h.RegisterChecker("postgres", NewSimpleChecker("postgres", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	resp := h.Evaluate(context.Background())

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Contains(t, resp.Checks["postgres"].Message, context.DeadlineExceeded.Error())
}

func TestLivenessHandler(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestHandler_ReadinessHandler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		checker  Checker
		wantCode int
		wantBody string
	}{
		{name: "ready", checker: NewSimpleChecker("db", up), wantCode: http.StatusOK, wantBody: "ready"},
		{name: "critical down", checker: NewSimpleChecker("db", down("down")), wantCode: http.StatusServiceUnavailable, wantBody: "not ready"},
		{name: "optional down", checker: NewOptionalChecker("cache", down("down")), wantCode: http.StatusOK, wantBody: "ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := NewHandler("dev")
			h.RegisterChecker("dep", tt.checker)

			rec := httptest.NewRecorder()
			h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantBody, rec.Body.String())
		})
	}
}

func TestSimpleChecker_Check(t *testing.T) {
	t.Parallel()

	check := NewSimpleChecker("postgres", up).Check(context.Background())
	assert.Equal(t, Check{Name: "postgres", Status: StatusHealthy, DurationMs: check.DurationMs}, check)

	check = NewSimpleChecker("postgres", down("boom")).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, check.Status)
	assert.Equal(t, "boom", check.Message)

	check = NewOptionalChecker("redis", down("boom")).Check(context.Background())
	assert.Equal(t, StatusDegraded, check.Status)
}
