package httpx

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apnworksdev/outside-observations-presence/internal/domain"
	"github.com/apnworksdev/outside-observations-presence/internal/service/presence"
)

// PresenceService is the slice of the presence service the router needs.
type PresenceService interface {
	Register(ctx context.Context, sessionID string, includeCount bool) (presence.TouchResult, error)
	Heartbeat(ctx context.Context, sessionID string, includeCount bool) (presence.TouchResult, error)
	Count(ctx context.Context) (int, error)
	Events(ctx context.Context) ([]domain.JoinEvent, error)
}

// Router wires HTTP endpoints to the presence service.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	presence    PresenceService
	limiter     RateLimiter
	storeHealth func(context.Context) error

	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	metricsOnce        sync.Once
	metricsInitialized bool
}

const (
	rateWindowDefault     = time.Minute
	rateLimitVisitorWrite = 120
	rateLimitVisitorRead  = 240
	healthCheckTimeout    = 2 * time.Second

	actionRegister  = "register"
	actionHeartbeat = "heartbeat"
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, presenceSvc PresenceService, limiter RateLimiter, storeHealth func(context.Context) error) *Router {
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      logger,
		presence:    presenceSvc,
		limiter:     limiter,
		storeHealth: storeHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/visitors", r.audit(r.handleVisitors))
	r.mux.HandleFunc("/visitors/events", r.audit(r.handleVisitorEvents))
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
}

func (r *Router) handleVisitors(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		r.handleVisitorTouch(w, req)
	case http.MethodGet:
		r.handleVisitorCount(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleVisitorTouch(w http.ResponseWriter, req *http.Request) {
	if !r.allow(w, req, "visitors_write", rateLimitVisitorWrite) {
		return
	}
	var payload struct {
		SessionID    string `json:"sessionId"`
		Action       string `json:"action"`
		IncludeCount bool   `json:"includeCount"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sessionID := strings.TrimSpace(payload.SessionID)
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	var (
		result presence.TouchResult
		err    error
	)
	switch payload.Action {
	case actionRegister:
		result, err = r.presence.Register(req.Context(), sessionID, payload.IncludeCount)
	case actionHeartbeat:
		result, err = r.presence.Heartbeat(req.Context(), sessionID, payload.IncludeCount)
	default:
		writeError(w, http.StatusBadRequest, "unrecognized action")
		return
	}
	if err != nil {
		r.storeError(w, req, err)
		return
	}

	resp := map[string]any{
		"success":      true,
		"action":       payload.Action,
		"isNewVisitor": result.IsNew,
	}
	if result.HasCount {
		resp["count"] = result.Count
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Router) handleVisitorCount(w http.ResponseWriter, req *http.Request) {
	if !r.allow(w, req, "visitors_read", rateLimitVisitorRead) {
		return
	}
	count, err := r.presence.Count(req.Context())
	if err != nil {
		r.storeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (r *Router) handleVisitorEvents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if !r.allow(w, req, "visitors_events", rateLimitVisitorRead) {
		return
	}
	events, err := r.presence.Events(req.Context())
	if err != nil {
		r.storeError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.storeHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.storeHealth(ctx); err != nil {
			status = "degraded"
			components["store"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["store"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// storeError maps any presence-service failure to a generic 500. The agent
// treats presence as best effort and simply waits for its next tick, so the
// response body carries no detail beyond the condition.
func (r *Router) storeError(w http.ResponseWriter, req *http.Request, err error) {
	r.logger.Error("presence store failure", "path", req.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "presence store unavailable")
}

// allow applies the per-IP rate limit for the route, writing headers and a
// 429 when exceeded.
func (r *Router) allow(w http.ResponseWriter, req *http.Request, route string, limit int) bool {
	if r.limiter == nil || limit <= 0 {
		return true
	}
	decision := r.limiter.Allow(rateLimitKeyIP(req), limit, rateWindowDefault)
	r.applyRateHeaders(w, limit, decision)
	if !decision.allowed {
		r.recordRateLimitHit(route)
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, req.URL.Path, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
