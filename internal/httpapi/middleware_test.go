package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"agentvoice.io/internal/audit"
	"agentvoice.io/internal/obs"
	"agentvoice.io/internal/ratelimit"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRateLimitExceeded(t *testing.T) {
	mock := clock.NewMock()
	limiter := ratelimit.New(5, ratelimit.WithClock(mock), ratelimit.WithExemptPaths("/healthz"))
	metrics := obs.NewMetrics()
	handler := RequestID(RateLimit(okHandler, limiter, metrics))

	req := httptest.NewRequest(http.MethodGet, "/limited", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	for i := 0; i < 5; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req.Clone(context.Background()))
		if rr.Code != http.StatusOK {
			t.Fatalf("call %d: expected 200, got %d", i+1, rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req.Clone(context.Background()))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", rr.Header().Get("Retry-After"))
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode rate limit body: %v", err)
	}
	if body["detail"] == "" || body["retry_after"] != float64(60) {
		t.Fatalf("unexpected body: %v", body)
	}
	if body["request_id"] == "" {
		t.Fatalf("expected request_id in body")
	}

	health := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	health.RemoteAddr = "10.0.0.1:1234"
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, health)
	if rr.Code != http.StatusOK {
		t.Fatalf("exempt path should pass, got %d", rr.Code)
	}

	mock.Add(time.Minute)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req.Clone(context.Background()))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected window to reset, got %d", rr.Code)
	}
}

func TestRateLimitNilLimiterPassesThrough(t *testing.T) {
	rr := httptest.NewRecorder()
	RateLimit(okHandler, nil, nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = audit.RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "client-supplied-1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if seen != "client-supplied-1" || rr.Header().Get(requestIDHeader) != "client-supplied-1" {
		t.Fatalf("expected inbound id to propagate, got %q", seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "bad id with spaces")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if seen == "bad id with spaces" || len(seen) != 36 {
		t.Fatalf("expected a generated uuid, got %q", seen)
	}
}

func TestLoggingEmitsStructuredEntry(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := RequestID(Logging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		obs.FromContext(r.Context()).Info("inside handler")
		w.WriteHeader(http.StatusTeapot)
	}), zap.New(core)))

	req := httptest.NewRequest(http.MethodGet, "/v1/info", nil)
	req.Header.Set(requestIDHeader, "req-log-1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	inner := logs.FilterMessage("inside handler").All()
	if len(inner) != 1 || inner[0].ContextMap()["request_id"] != "req-log-1" {
		t.Fatalf("handler logger should carry the request id: %v", inner)
	}
	entries := logs.FilterMessage("http request").All()
	if len(entries) != 1 {
		t.Fatalf("expected one access log entry, got %d", len(entries))
	}
	e := entries[0]
	fields := e.ContextMap()
	if e.Level != zapcore.WarnLevel || fields["status"] != int64(http.StatusTeapot) || fields["path"] != "/v1/info" {
		t.Fatalf("unexpected entry: %v %v", e.Level, fields)
	}
}

func TestRecover(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	handler := RequestID(Logging(Recover(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})), zap.New(core)))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/explode", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "boom") {
		t.Fatal("panic value must not leak to the client")
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatal("expected the panic to be logged")
	}
}

func TestCORS(t *testing.T) {
	handler := CORS(okHandler, "https://app.agentvoice.io")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://app.agentvoice.io")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Header().Get("Access-Control-Allow-Origin") != "https://app.agentvoice.io" {
		t.Fatal("expected configured origin to be allowed")
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("localhost is only allowed when no origins are configured")
	}

	rr = httptest.NewRecorder()
	CORS(okHandler).ServeHTTP(rr, func() *http.Request {
		r := httptest.NewRequest(http.MethodOptions, "/v1/auth/login", nil)
		r.Header.Set("Origin", "http://localhost:3000")
		return r
	}())
	if rr.Code != http.StatusNoContent || rr.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("unexpected preflight response: %d %v", rr.Code, rr.Header())
	}
}

func TestSecurityHeaders(t *testing.T) {
	rr := httptest.NewRecorder()
	SecurityHeaders(okHandler).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Content-Security-Policy", "Strict-Transport-Security"} {
		if rr.Header().Get(h) == "" {
			t.Fatalf("missing %s", h)
		}
	}
}

func TestMaxBodyBytes(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.MaxBodyBytes = 32 })
	resp := h.do(http.MethodPost, "/v1/auth/login", map[string]string{
		"email":    strings.Repeat("a", 64) + "@acme.test",
		"password": testPassword,
	}, nil).expect(t, http.StatusBadRequest)
	if resp.detail() != "request body too large" {
		t.Fatalf("unexpected detail %q", resp.detail())
	}
}

func TestClientIP(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8"), netip.MustParsePrefix("192.0.2.10/32")}
	cases := []struct {
		name   string
		remote string
		xff    []string
		want   string
	}{
		{"no header", "198.51.100.4:5555", nil, "198.51.100.4"},
		{"untrusted peer ignores header", "198.51.100.4:5555", []string{"203.0.113.9"}, "198.51.100.4"},
		{"trusted peer", "10.1.2.3:443", []string{"203.0.113.9"}, "203.0.113.9"},
		{"right-most untrusted hop", "10.1.2.3:443", []string{"1.1.1.1, 203.0.113.9, 192.0.2.10"}, "203.0.113.9"},
		{"multiple header lines", "10.1.2.3:443", []string{"1.1.1.1", "203.0.113.9, 10.0.0.7"}, "203.0.113.9"},
		{"garbage stops the walk", "10.1.2.3:443", []string{"203.0.113.9, not-an-ip, 10.0.0.7"}, "10.0.0.7"},
		{"all hops trusted", "10.1.2.3:443", []string{"10.9.9.9"}, "10.9.9.9"},
		{"ipv4-mapped peer", "[::ffff:10.1.2.3]:443", []string{"203.0.113.9"}, "203.0.113.9"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			for _, v := range tc.xff {
				req.Header.Add("X-Forwarded-For", v)
			}
			var got string
			ClientIP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = clientIP(r)
			}), trusted).ServeHTTP(httptest.NewRecorder(), req)
			if got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func TestClientIPWithoutMiddlewareUsesPeer(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	if ip := clientIP(req); ip != "192.0.2.1" {
		t.Fatalf("unexpected ip %q", ip)
	}
}

func TestRateLimitIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	mock := clock.NewMock()
	limiter := ratelimit.New(5, ratelimit.WithClock(mock))
	handler := ClientIP(RateLimit(okHandler, limiter, nil), nil)

	admitted := 0
	for i := 0; i < 50; i++ {
		req := httptest.NewRequest(http.MethodGet, "/limited", nil)
		req.RemoteAddr = "203.0.113.9:40000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code == http.StatusOK {
			admitted++
		}
	}
	if admitted != 5 {
		t.Fatalf("expected 5 admitted, got %d", admitted)
	}
	if n := limiter.Len(); n != 1 {
		t.Fatalf("expected one tracked client, got %d", n)
	}
}
