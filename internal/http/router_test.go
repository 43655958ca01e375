package httpx

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/apnworksdev/outside-observations-presence/internal/domain"
	"github.com/apnworksdev/outside-observations-presence/internal/service/presence"
	"github.com/apnworksdev/outside-observations-presence/internal/store"
)

func newTestRouter(svc PresenceService, limiter RateLimiter) *Router {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRouter(logger, svc, limiter, nil)
}

func TestHandleVisitorsRegisterReturnsNewVisitor(t *testing.T) {
	svc := &presenceStub{}
	svc.registerResp = presence.TouchResult{IsNew: true, Count: 3, HasCount: true}
	limiter := newRateLimiterStub()
	router := newTestRouter(svc, limiter)
	defer router.Close()

	body := strings.NewReader(`{"sessionId":"tab-1","action":"register"}`)
	req := httptest.NewRequest(http.MethodPost, "/visitors", body)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var payload struct {
		Success      bool   `json:"success"`
		Action       string `json:"action"`
		IsNewVisitor bool   `json:"isNewVisitor"`
		Count        *int   `json:"count"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !payload.Success || payload.Action != "register" || !payload.IsNewVisitor {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if payload.Count == nil || *payload.Count != 3 {
		t.Fatalf("expected count 3 with join event, got %v", payload.Count)
	}
	if svc.lastSessionID != "tab-1" {
		t.Fatalf("unexpected session id %q", svc.lastSessionID)
	}
	if got := rr.Header().Get("X-RateLimit-Limit"); got != "120" {
		t.Fatalf("unexpected rate limit header %q", got)
	}
}

func TestHandleVisitorsHeartbeatOmitsCount(t *testing.T) {
	svc := &presenceStub{}
	router := newTestRouter(svc, newRateLimiterStub())
	defer router.Close()

	body := strings.NewReader(`{"sessionId":"tab-1","action":"heartbeat"}`)
	req := httptest.NewRequest(http.MethodPost, "/visitors", body)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var payload map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := payload["count"]; ok {
		t.Fatal("expected count omitted for plain heartbeat")
	}
	if payload["isNewVisitor"] != false {
		t.Fatalf("expected isNewVisitor false, got %v", payload["isNewVisitor"])
	}
	if svc.heartbeats != 1 || svc.registers != 0 {
		t.Fatalf("expected heartbeat path, got registers=%d heartbeats=%d", svc.registers, svc.heartbeats)
	}
}

func TestHandleVisitorsRejectsBadRequests(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing session id", `{"action":"register"}`},
		{"blank session id", `{"sessionId":"  ","action":"register"}`},
		{"non-string session id", `{"sessionId":42,"action":"register"}`},
		{"unknown action", `{"sessionId":"tab-1","action":"leave"}`},
		{"invalid json", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &presenceStub{}
			router := newTestRouter(svc, newRateLimiterStub())
			defer router.Close()

			req := httptest.NewRequest(http.MethodPost, "/visitors", strings.NewReader(tc.body))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rr.Code)
			}
			if svc.registers != 0 || svc.heartbeats != 0 {
				t.Fatal("expected service untouched on invalid request")
			}
		})
	}
}

func TestHandleVisitorsCount(t *testing.T) {
	svc := &presenceStub{countResp: 7}
	router := newTestRouter(svc, newRateLimiterStub())
	defer router.Close()

	req := httptest.NewRequest(http.MethodGet, "/visitors", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var payload struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Count != 7 {
		t.Fatalf("expected count 7, got %d", payload.Count)
	}
}

func TestHandleVisitorEventsEmptyLog(t *testing.T) {
	svc := &presenceStub{eventsResp: []domain.JoinEvent{}}
	router := newTestRouter(svc, newRateLimiterStub())
	defer router.Close()

	req := httptest.NewRequest(http.MethodGet, "/visitors/events", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on empty log, got %d", rr.Code)
	}
	var payload struct {
		Events []domain.JoinEvent `json:"events"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Events == nil || len(payload.Events) != 0 {
		t.Fatalf("expected empty events array, got %v", payload.Events)
	}
}

func TestHandleVisitorEventsReturnsWireShape(t *testing.T) {
	svc := &presenceStub{eventsResp: []domain.JoinEvent{{
		ID:        "internal-id",
		Type:      domain.EventTypeVisitorJoined,
		Count:     4,
		Timestamp: 1_750_000_000_000,
	}}}
	router := newTestRouter(svc, newRateLimiterStub())
	defer router.Close()

	req := httptest.NewRequest(http.MethodGet, "/visitors/events", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	var payload struct {
		Events []map[string]any `json:"events"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(payload.Events))
	}
	evt := payload.Events[0]
	if evt["type"] != domain.EventTypeVisitorJoined {
		t.Fatalf("unexpected type %v", evt["type"])
	}
	if _, ok := evt["id"]; ok {
		t.Fatal("expected store member id to stay off the wire")
	}
}

func TestStoreFailureMapsToGeneric500(t *testing.T) {
	svc := &presenceStub{err: store.ErrUnavailable}
	router := newTestRouter(svc, newRateLimiterStub())
	defer router.Close()

	paths := []struct {
		method string
		path   string
		body   string
	}{
		{http.MethodPost, "/visitors", `{"sessionId":"tab-1","action":"register"}`},
		{http.MethodGet, "/visitors", ""},
		{http.MethodGet, "/visitors/events", ""},
	}
	for _, p := range paths {
		var body io.Reader
		if p.body != "" {
			body = strings.NewReader(p.body)
		}
		req := httptest.NewRequest(p.method, p.path, body)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("%s %s: expected 500, got %d", p.method, p.path, rr.Code)
		}
		var payload struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if payload.Error != "presence store unavailable" {
			t.Fatalf("expected generic error message, got %q", payload.Error)
		}
	}
}

func TestRateLimitExceededReturns429(t *testing.T) {
	svc := &presenceStub{}
	limiter := newRateLimiterStub()
	limiter.allowFn = func(key string, limit int, window time.Duration) rateDecision {
		return rateDecision{allowed: false, count: limit, windowEnd: time.Now().Add(window)}
	}
	router := newTestRouter(svc, limiter)
	defer router.Close()

	body := strings.NewReader(`{"sessionId":"tab-1","action":"register"}`)
	req := httptest.NewRequest(http.MethodPost, "/visitors", body)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if svc.registers != 0 {
		t.Fatal("expected service untouched when rate limited")
	}
}

func TestMethodGuards(t *testing.T) {
	svc := &presenceStub{}
	router := newTestRouter(svc, newRateLimiterStub())
	defer router.Close()

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodDelete, "/visitors"},
		{http.MethodPost, "/visitors/events"},
		{http.MethodPost, "/healthz"},
	} {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s %s: expected 405, got %d", tc.method, tc.path, rr.Code)
		}
	}
}

func TestHealthzReportsStoreState(t *testing.T) {
	svc := &presenceStub{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	healthy := NewRouter(logger, svc, newRateLimiterStub(), func(context.Context) error { return nil })
	defer healthy.Close()
	rr := httptest.NewRecorder()
	healthy.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 when store is up, got %d", rr.Code)
	}

	degraded := NewRouter(logger, svc, newRateLimiterStub(), func(context.Context) error { return store.ErrUnavailable })
	defer degraded.Close()
	rr = httptest.NewRecorder()
	degraded.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when store is down, got %d", rr.Code)
	}
}

type presenceStub struct {
	mu            sync.Mutex
	registerResp  presence.TouchResult
	heartbeatResp presence.TouchResult
	countResp     int
	eventsResp    []domain.JoinEvent
	err           error
	registers     int
	heartbeats    int
	lastSessionID string
}

func (p *presenceStub) Register(_ context.Context, sessionID string, _ bool) (presence.TouchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registers++
	p.lastSessionID = sessionID
	if p.err != nil {
		return presence.TouchResult{}, p.err
	}
	return p.registerResp, nil
}

func (p *presenceStub) Heartbeat(_ context.Context, sessionID string, _ bool) (presence.TouchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heartbeats++
	p.lastSessionID = sessionID
	if p.err != nil {
		return presence.TouchResult{}, p.err
	}
	return p.heartbeatResp, nil
}

func (p *presenceStub) Count(context.Context) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	return p.countResp, nil
}

func (p *presenceStub) Events(context.Context) ([]domain.JoinEvent, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.eventsResp == nil {
		return []domain.JoinEvent{}, nil
	}
	return p.eventsResp, nil
}

type rateLimiterStub struct {
	mu      sync.Mutex
	allowFn func(key string, limit int, window time.Duration) rateDecision
	calls   []string
}

func newRateLimiterStub() *rateLimiterStub {
	return &rateLimiterStub{}
}

func (rl *rateLimiterStub) Allow(key string, limit int, window time.Duration) rateDecision {
	rl.mu.Lock()
	rl.calls = append(rl.calls, key)
	fn := rl.allowFn
	rl.mu.Unlock()
	if fn != nil {
		return fn(key, limit, window)
	}
	return rateDecision{allowed: true, count: 1, windowEnd: time.Now().Add(window)}
}

func (rl *rateLimiterStub) Close() {}
