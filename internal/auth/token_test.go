package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func newTestTokens(t *testing.T, opts ...TokenOption) (*TokenService, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	svc, err := NewTokenService("test-secret", append([]TokenOption{WithClock(mock)}, opts...)...)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return svc, mock
}

var testSubject = Subject{UserID: "user-1", OrganizationID: "org-1", Role: RoleAgent}

func TestAccessTokenValidUntilExpiry(t *testing.T) {
	svc, mock := newTestTokens(t)
	issuedAt := mock.Now()

	token, exp, err := svc.IssueAccessToken(testSubject, 15*time.Minute)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if !exp.Equal(issuedAt.Add(15 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", exp)
	}

	claims, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "user-1" || claims.OrganizationID != "org-1" || claims.Role != RoleAgent {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.Type != TokenTypeAccess || claims.ID == "" {
		t.Fatalf("unexpected type or jti: %+v", claims)
	}

	mock.Add(15*time.Minute - time.Second)
	if _, err := svc.Verify(token); err != nil {
		t.Fatalf("expected token valid one second before expiry: %v", err)
	}
	mock.Add(time.Second)
	if _, err := svc.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken at expiry, got %v", err)
	}
	mock.Add(time.Hour)
	if _, err := svc.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after expiry, got %v", err)
	}
}

func TestTokenIssuedMidSecondLastsFullTTL(t *testing.T) {
	svc, mock := newTestTokens(t)
	mock.Add(700 * time.Millisecond)
	issuedAt := mock.Now()

	token, exp, err := svc.IssueAccessToken(testSubject, time.Minute)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if exp.Before(issuedAt.Add(time.Minute)) {
		t.Fatalf("expiry %v earlier than issue time plus ttl", exp)
	}
	claims, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !claims.ExpiresAt.Time.Equal(exp) {
		t.Fatalf("returned expiry %v differs from claim %v", exp, claims.ExpiresAt.Time)
	}

	mock.Add(59500 * time.Millisecond)
	if _, err := svc.Verify(token); err != nil {
		t.Fatalf("expected token valid within ttl: %v", err)
	}
	mock.Set(exp)
	if _, err := svc.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken at expiry, got %v", err)
	}
}

func TestDefaultTTLs(t *testing.T) {
	svc, mock := newTestTokens(t, WithAccessTTL(5*time.Minute), WithRefreshTTL(48*time.Hour))
	pair, err := svc.IssuePair(testSubject)
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	if !pair.AccessExpiresAt.Equal(mock.Now().Add(5 * time.Minute)) {
		t.Fatalf("unexpected access expiry %v", pair.AccessExpiresAt)
	}
	if !pair.RefreshExpiresAt.Equal(mock.Now().Add(48 * time.Hour)) {
		t.Fatalf("unexpected refresh expiry %v", pair.RefreshExpiresAt)
	}
	if pair.TokenType != "bearer" {
		t.Fatalf("unexpected token type %q", pair.TokenType)
	}
}

func TestTokenTypeMismatch(t *testing.T) {
	svc, _ := newTestTokens(t)
	pair, err := svc.IssuePair(testSubject)
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}

	refresh, err := svc.Verify(pair.RefreshToken)
	if err != nil {
		t.Fatalf("Verify refresh: %v", err)
	}
	if err := refresh.RequireType(TokenTypeAccess); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh token accepted as access: %v", err)
	}

	access, err := svc.Verify(pair.AccessToken)
	if err != nil {
		t.Fatalf("Verify access: %v", err)
	}
	if err := access.RequireType(TokenTypeRefresh); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("access token accepted as refresh: %v", err)
	}
}

func TestVerifyRejectsTamperedAndForeignTokens(t *testing.T) {
	svc, mock := newTestTokens(t)
	token, _, err := svc.IssueAccessToken(testSubject, time.Minute)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}

	parts := strings.Split(token, ".")
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)

	other, err := NewTokenService("other-secret", WithClock(mock))
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	foreign, _, _ := other.IssueAccessToken(testSubject, time.Minute)

	otherIssuer, _ := NewTokenService("test-secret", WithClock(mock), WithIssuer("someone-else"))
	wrongIss, _, _ := otherIssuer.IssueAccessToken(testSubject, time.Minute)

	otherAlg, _ := NewTokenService("test-secret", WithClock(mock), WithAlgorithm("HS512"))
	wrongAlg, _, _ := otherAlg.IssueAccessToken(testSubject, time.Minute)

	for name, tok := range map[string]string{
		"empty":     "",
		"garbage":   "not.a.token",
		"tampered":  tampered,
		"foreign":   foreign,
		"issuer":    wrongIss,
		"algorithm": wrongAlg,
	} {
		if _, err := svc.Verify(tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestNewTokenServiceValidation(t *testing.T) {
	if _, err := NewTokenService(" "); err == nil {
		t.Fatal("expected error for empty secret")
	}
	if _, err := NewTokenService("secret", WithAlgorithm("RS256")); err == nil {
		t.Fatal("expected error for non-HMAC algorithm")
	}
	svc, _ := newTestTokens(t)
	if _, _, err := svc.IssueAccessToken(Subject{}, time.Minute); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty subject, got %v", err)
	}
}
