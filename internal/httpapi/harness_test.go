package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"

	"agentvoice.io/internal/audit"
	"agentvoice.io/internal/auth"
	"agentvoice.io/internal/obs"
	"agentvoice.io/internal/ratelimit"
	"agentvoice.io/internal/store/mem"
)

const testPassword = "correct-horse-42"

type harness struct {
	t       *testing.T
	srv     *httptest.Server
	store   *mem.Store
	clock   *clock.Mock
	tokens  *auth.TokenService
	metrics *obs.Metrics
	logs    *observer.ObservedLogs

	orgA, orgB, platform *auth.Tenant
	agentA, adminA       *auth.Identity
	adminB, super        *auth.Identity
}

func newHarness(t *testing.T, customize ...func(*Deps)) *harness {
	t.Helper()
	h := &harness{t: t, store: mem.New(), clock: clock.NewMock()}
	h.clock.Set(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))

	hasher := auth.NewHasher(bcrypt.MinCost, 2)
	hash, err := hasher.Hash(context.Background(), testPassword)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	tokens, err := auth.NewTokenService("handler-secret", auth.WithClock(h.clock))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	h.tokens = tokens

	h.platform = h.store.PutTenant(auth.Tenant{Name: "Platform", Slug: "platform"})
	h.orgA = h.store.PutTenant(auth.Tenant{Name: "Acme Realty", Slug: "acme"})
	h.orgB = h.store.PutTenant(auth.Tenant{Name: "Bay Homes", Slug: "bay"})
	put := func(email string, role auth.Role, org *auth.Tenant) *auth.Identity {
		return h.store.PutUser(auth.Identity{
			Email:          email,
			PasswordHash:   hash,
			Role:           role,
			OrganizationID: org.ID,
			IsActive:       true,
			IsSuperAdmin:   role == auth.RoleSuperAdmin,
		})
	}
	h.agentA = put("agent@acme.test", auth.RoleAgent, h.orgA)
	h.adminA = put("admin@acme.test", auth.RoleAdmin, h.orgA)
	h.adminB = put("admin@bay.test", auth.RoleAdmin, h.orgB)
	h.super = put("root@platform.test", auth.RoleSuperAdmin, h.platform)

	core, logs := observer.New(zapcore.DebugLevel)
	h.logs = logs
	log := zap.New(core)
	h.metrics = obs.NewMetrics()

	users, tenantRepo := h.store.Users(), h.store.Tenants()
	tenants := auth.NewTenantResolver(tenantRepo)
	d := Deps{
		Users:          users,
		Tenants:        tenantRepo,
		Identities:     auth.NewIdentityResolver(tokens, users, h.clock, log),
		TenantResolver: tenants,
		Authenticator:  auth.NewAuthenticator(users, tenants, hasher, tokens, h.clock, log),
		Limiter:        ratelimit.New(1000, ratelimit.WithClock(h.clock), ratelimit.WithExemptPaths("/healthz", "/metrics")),
		LoginThrottle:  ratelimit.NewThrottle(10, 5, h.clock),
		Metrics:        h.metrics,
		Audit:          audit.NewRecorder(log),
		Logger:         log,
		Clock:          h.clock,
		Version:        "test",
	}
	for _, fn := range customize {
		fn(&d)
	}

	h.srv = httptest.NewServer(New(d).Handler())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) token(id *auth.Identity) string {
	h.t.Helper()
	token, _, err := h.tokens.IssueAccessToken(auth.SubjectOf(id), 0)
	if err != nil {
		h.t.Fatalf("IssueAccessToken: %v", err)
	}
	return token
}

func (h *harness) bearer(id *auth.Identity) map[string]string {
	return map[string]string{"Authorization": "Bearer " + h.token(id)}
}

type response struct {
	*http.Response
	body map[string]any
	raw  []byte
}

func (h *harness) do(method, path string, body any, headers map[string]string) response {
	h.t.Helper()
	var payload io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			payload = bytes.NewBufferString(b)
		default:
			data, err := json.Marshal(b)
			if err != nil {
				h.t.Fatalf("marshal body: %v", err)
			}
			payload = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, h.srv.URL+path, payload)
	if err != nil {
		h.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := h.srv.Client().Do(req)
	if err != nil {
		h.t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read body: %v", err)
	}
	out := response{Response: resp, raw: raw}
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &out.body); err != nil {
			h.t.Fatalf("decode body %q: %v", raw, err)
		}
	}
	return out
}

func (r response) expect(t *testing.T, code int) response {
	t.Helper()
	if r.StatusCode != code {
		t.Fatalf("expected status %d, got %d: %s", code, r.StatusCode, r.raw)
	}
	return r
}

func (r response) detail() string {
	s, _ := r.body["detail"].(string)
	return s
}
