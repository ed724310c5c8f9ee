package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"

	"agentvoice.io/internal/auth"
	"agentvoice.io/internal/store/mem"
)

type fixture struct {
	store    *mem.Store
	clock    *clock.Mock
	hasher   *auth.Hasher
	tokens   *auth.TokenService
	resolver *auth.IdentityResolver
	tenants  *auth.TenantResolver
	authn    *auth.Authenticator
	org      *auth.Tenant
	agent    *auth.Identity
	logs     *observer.ObservedLogs
}

const fixturePassword = "s3cret-password"

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: mem.New(), clock: clock.NewMock()}
	f.clock.Set(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	f.hasher = auth.NewHasher(bcrypt.MinCost, 2)

	tokens, err := auth.NewTokenService("fixture-secret", auth.WithClock(f.clock))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	f.tokens = tokens

	core, logs := observer.New(zapcore.DebugLevel)
	f.logs = logs
	log := zap.New(core)

	f.org = f.store.PutTenant(auth.Tenant{Name: "Acme Realty", Slug: "acme"})
	hash, err := f.hasher.Hash(context.Background(), fixturePassword)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	f.agent = f.store.PutUser(auth.Identity{
		Email:          "agent@acme.test",
		PasswordHash:   hash,
		Role:           auth.RoleAgent,
		OrganizationID: f.org.ID,
		IsActive:       true,
	})

	f.tenants = auth.NewTenantResolver(f.store.Tenants())
	f.resolver = auth.NewIdentityResolver(tokens, f.store.Users(), f.clock, log)
	f.authn = auth.NewAuthenticator(f.store.Users(), f.tenants, f.hasher, tokens, f.clock, log)
	return f
}

func (f *fixture) accessToken(t *testing.T, id *auth.Identity) string {
	t.Helper()
	token, _, err := f.tokens.IssueAccessToken(auth.SubjectOf(id), 0)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	return token
}

func TestResolveBearer(t *testing.T) {
	f := newFixture(t)
	id, err := f.resolver.ResolveBearer(context.Background(), f.accessToken(t, f.agent))
	if err != nil {
		t.Fatalf("ResolveBearer: %v", err)
	}
	if id.ID != f.agent.ID || id.Method != auth.MethodBearer {
		t.Fatalf("unexpected identity: %+v", id)
	}
	if id.LastActivity == nil || !id.LastActivity.Equal(f.clock.Now()) {
		t.Fatalf("expected last activity to be recorded, got %v", id.LastActivity)
	}
	stored, _ := f.store.Users().FindByID(context.Background(), f.agent.ID)
	if stored.LastActivity == nil {
		t.Fatal("expected last activity to be persisted")
	}
}

func TestResolveBearerInvalidToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver.ResolveBearer(context.Background(), "garbage")
	if !errors.Is(err, auth.ErrUnauthenticated) || !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected unauthenticated invalid token, got %v", err)
	}

	refresh, _, _ := f.tokens.IssueRefreshToken(auth.SubjectOf(f.agent), 0)
	if _, err := f.resolver.ResolveBearer(context.Background(), refresh); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("refresh token must not authenticate requests: %v", err)
	}
}

func TestResolveBearerInactiveUser(t *testing.T) {
	f := newFixture(t)
	inactive := f.store.PutUser(auth.Identity{
		Email:          "gone@acme.test",
		Role:           auth.RoleAgent,
		OrganizationID: f.org.ID,
	})
	_, err := f.resolver.ResolveBearer(context.Background(), f.accessToken(t, inactive))
	if !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if errors.Is(err, auth.ErrInvalidToken) {
		t.Fatal("inactive user must not be reported as an invalid token")
	}
}

func TestResolveBearerUnknownSubject(t *testing.T) {
	f := newFixture(t)
	ghost := &auth.Identity{ID: "01J00000000000000000000000", OrganizationID: f.org.ID}
	if _, err := f.resolver.ResolveBearer(context.Background(), f.accessToken(t, ghost)); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestResolveAPIKey(t *testing.T) {
	f := newFixture(t)
	expires := f.clock.Now().Add(time.Hour)
	keyed := f.store.PutUser(auth.Identity{
		Email:          "bot@acme.test",
		Role:           auth.RoleAgent,
		OrganizationID: f.org.ID,
		IsActive:       true,
		APIKey:         "av_live_key",
		APIKeyExpires:  &expires,
	})

	id, err := f.resolver.ResolveAPIKey(context.Background(), "av_live_key")
	if err != nil {
		t.Fatalf("ResolveAPIKey: %v", err)
	}
	if id.ID != keyed.ID || id.Method != auth.MethodAPIKey {
		t.Fatalf("unexpected identity: %+v", id)
	}

	f.clock.Add(time.Hour)
	if _, err := f.resolver.ResolveAPIKey(context.Background(), "av_live_key"); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("key expiring exactly now must be rejected: %v", err)
	}

	for _, key := range []string{"", "  ", "unknown"} {
		if _, err := f.resolver.ResolveAPIKey(context.Background(), key); !errors.Is(err, auth.ErrUnauthenticated) {
			t.Fatalf("key %q: expected ErrUnauthenticated, got %v", key, err)
		}
	}
}

func TestResolveAPIKeyWithoutExpiry(t *testing.T) {
	f := newFixture(t)
	f.store.PutUser(auth.Identity{
		Email:          "svc@acme.test",
		Role:           auth.RoleAdmin,
		OrganizationID: f.org.ID,
		IsActive:       true,
		APIKey:         "av_forever",
	})
	f.clock.Add(10 * 365 * 24 * time.Hour)
	if _, err := f.resolver.ResolveAPIKey(context.Background(), "av_forever"); err != nil {
		t.Fatalf("key without expiry should never expire: %v", err)
	}
}

type failingTouch struct {
	*mem.Users
}

func (failingTouch) TouchActivity(context.Context, string, time.Time) error {
	return errors.New("database is read-only")
}

func TestTouchFailureDoesNotFailRequest(t *testing.T) {
	f := newFixture(t)
	core, logs := observer.New(zapcore.WarnLevel)
	resolver := auth.NewIdentityResolver(f.tokens, failingTouch{f.store.Users()}, f.clock, zap.New(core))

	id, err := resolver.ResolveBearer(context.Background(), f.accessToken(t, f.agent))
	if err != nil {
		t.Fatalf("ResolveBearer: %v", err)
	}
	if id.LastActivity != nil {
		t.Fatal("last activity should stay unset when the update fails")
	}
	if logs.FilterMessage("last activity update failed").Len() != 1 {
		t.Fatalf("expected one warning, got %v", logs.All())
	}
}

func TestTouchSurvivesCancelledRequest(t *testing.T) {
	f := newFixture(t)
	token := f.accessToken(t, f.agent)
	ctx, cancel := context.WithCancel(context.Background())
	id, err := f.resolver.ResolveBearer(ctx, token)
	cancel()
	if err != nil {
		t.Fatalf("ResolveBearer: %v", err)
	}
	if id.LastActivity == nil {
		t.Fatal("expected last activity recorded")
	}
}

func TestTenantResolver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tenant, err := f.tenants.Resolve(ctx, f.agent)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tenant.ID != f.org.ID || tenant.Slug != "acme" {
		t.Fatalf("unexpected tenant: %+v", tenant)
	}

	if err := f.store.Tenants().SetSuspended(ctx, f.org.ID, true, f.clock.Now()); err != nil {
		t.Fatalf("SetSuspended: %v", err)
	}
	_, err = f.tenants.Resolve(ctx, f.agent)
	if !errors.Is(err, auth.ErrTenantSuspended) || !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected suspended tenant to be forbidden, got %v", err)
	}

	orphan := &auth.Identity{ID: "u", OrganizationID: "missing"}
	if _, err := f.tenants.Resolve(ctx, orphan); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.tenants.Resolve(ctx, nil); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestTenantResolverIsNotCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.tenants.Resolve(ctx, f.agent); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	_ = f.store.Tenants().SetSuspended(ctx, f.org.ID, true, f.clock.Now())
	if _, err := f.tenants.Resolve(ctx, f.agent); !errors.Is(err, auth.ErrTenantSuspended) {
		t.Fatalf("suspension should apply immediately, got %v", err)
	}
	_ = f.store.Tenants().SetSuspended(ctx, f.org.ID, false, f.clock.Now())
	if _, err := f.tenants.Resolve(ctx, f.agent); err != nil {
		t.Fatalf("reinstated tenant should resolve: %v", err)
	}
}
