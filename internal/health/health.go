// Package health отдаёт liveness/readiness и подробный отчёт о зависимостях.
package health

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"sync"
	"time"
)

const defaultCheckTimeout = 2 * time.Second

// Status: состояние одной зависимости или сервиса целиком.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// severity упорядочивает статусы: общий статус равен худшему из проверок.
func (s Status) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Check: результат проверки одной зависимости.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Response: тело /healthz.
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Checker проверяет один компонент. Реализация обязана уважать ctx.
type Checker interface {
	Check(ctx context.Context) Check
}

// Handler агрегирует проверки зависимостей.
type Handler struct {
	version string
	started time.Time

	mu       sync.RWMutex
	timeout  time.Duration
	checkers map[string]Checker
}

func NewHandler(version string) *Handler {
	return &Handler{
		version:  version,
		started:  time.Now(),
		timeout:  defaultCheckTimeout,
		checkers: map[string]Checker{},
	}
}

// SetTimeout меняет бюджет на одну проверку. Неположительное значение игнорируется.
func (h *Handler) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timeout = timeout
}

// RegisterChecker добавляет или заменяет проверку под именем name.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

func (h *Handler) snapshot() (map[string]Checker, time.Duration) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return maps.Clone(h.checkers), h.timeout
}

// Evaluate выполняет все проверки параллельно, каждую в своём таймауте,
// и сводит их в худший статус.
func (h *Handler) Evaluate(ctx context.Context) Response {
	checkers, timeout := h.snapshot()

	results := make(chan Check, len(checkers))
	for name, checker := range checkers {
		go func() {
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			check := checker.Check(checkCtx)
			check.Name = name
			results <- check
		}()
	}

	resp := Response{
		Status:        StatusHealthy,
		Checks:        make(map[string]Check, len(checkers)),
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	}
	for range checkers {
		check := <-results
		resp.Checks[check.Name] = check
		if check.Status.severity() > resp.Status.severity() {
			resp.Status = check.Status
		}
	}
	resp.Timestamp = time.Now().UTC()
	return resp
}

// ServeHTTP отдаёт подробный отчёт. Degraded считается рабочим состоянием.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := h.Evaluate(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(resp.Status))
	_ = json.NewEncoder(w).Encode(resp)
}

// LivenessHandler отвечает 200, пока процесс жив.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

// ReadinessHandler возвращает 503, пока хоть одна критичная зависимость недоступна.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	code := httpStatus(h.Evaluate(r.Context()).Status)
	body := "ready"
	if code != http.StatusOK {
		body = "not ready"
	}
	writeText(w, code, body)
}

func httpStatus(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

// SimpleChecker оборачивает функцию проверки. Некритичная зависимость при
// ошибке даёт degraded вместо unhealthy.
type SimpleChecker struct {
	name     string
	ping     func(ctx context.Context) error
	optional bool
}

// NewSimpleChecker проверяет зависимость, без которой сервис не работает.
func NewSimpleChecker(name string, ping func(ctx context.Context) error) *SimpleChecker {
	return &SimpleChecker{name: name, ping: ping}
}

// NewOptionalChecker проверяет зависимость, без которой сервис работает (кэш).
func NewOptionalChecker(name string, ping func(ctx context.Context) error) *SimpleChecker {
	return &SimpleChecker{name: name, ping: ping, optional: true}
}

func (c *SimpleChecker) Check(ctx context.Context) Check {
	start := time.Now()
	err := c.ping(ctx)

	check := Check{Name: c.name, Status: StatusHealthy, DurationMs: time.Since(start).Milliseconds()}
	switch {
	case err == nil:
	case c.optional:
		check.Status, check.Message = StatusDegraded, err.Error()
	default:
		check.Status, check.Message = StatusUnhealthy, err.Error()
	}
	return check
}
