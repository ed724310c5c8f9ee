package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"

	"agentvoice.io/internal/ids"
)

const (
	defaultIssuer     = "agentvoice"
	defaultAccessTTL  = 30 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// TokenType distinguishes access from refresh tokens.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the JWT claims issued by TokenService.
type Claims struct {
	OrganizationID string    `json:"org"`
	Role           Role      `json:"role"`
	Type           TokenType `json:"type"`
	jwt.RegisteredClaims
}

// RequireType fails with ErrInvalidToken unless the token is of type t.
func (c *Claims) RequireType(t TokenType) error {
	if c == nil || c.Type != t {
		return fmt.Errorf("%w: expected %s token", ErrInvalidToken, t)
	}
	return nil
}

// Subject is what gets encoded into a token.
type Subject struct {
	UserID         string
	OrganizationID string
	Role           Role
}

// SubjectOf builds the token subject of an identity.
func SubjectOf(id *Identity) Subject {
	return Subject{UserID: id.ID, OrganizationID: id.OrganizationID, Role: id.Role}
}

// TokenPair is the result of a login or refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// TokenService issues and verifies signed, stateless tokens.
type TokenService struct {
	secret     []byte
	method     jwt.SigningMethod
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      clock.Clock
	parser     *jwt.Parser
}

// TokenOption configures TokenService.
type TokenOption func(*TokenService) error

// WithAlgorithm selects the HMAC signing algorithm (HS256, HS384 or HS512).
func WithAlgorithm(alg string) TokenOption {
	return func(s *TokenService) error {
		alg = strings.ToUpper(strings.TrimSpace(alg))
		if alg == "" {
			return nil
		}
		method, ok := jwt.GetSigningMethod(alg).(*jwt.SigningMethodHMAC)
		if !ok {
			return fmt.Errorf("auth: unsupported signing algorithm %q", alg)
		}
		s.method = method
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
		return nil
	}
}

// WithAccessTTL configures the default access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures the default refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(c clock.Clock) TokenOption {
	return func(s *TokenService) error {
		if c != nil {
			s.clock = c
		}
		return nil
	}
}

// NewTokenService constructs a TokenService signing with secret.
func NewTokenService(secret string, opts ...TokenOption) (*TokenService, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: token secret is required")
	}
	s := &TokenService{
		secret:     []byte(secret),
		method:     jwt.SigningMethodHS256,
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		clock:      clock.New(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.clock.Now),
	)
	return s, nil
}

// AccessTTL returns the default access token lifetime.
func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }

// IssueAccessToken signs an access token valid for ttl (the configured default when ttl <= 0).
func (s *TokenService) IssueAccessToken(sub Subject, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = s.accessTTL
	}
	return s.issue(sub, TokenTypeAccess, ttl)
}

// IssueRefreshToken signs a refresh token valid for ttl (the configured default when ttl <= 0).
func (s *TokenService) IssueRefreshToken(sub Subject, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = s.refreshTTL
	}
	return s.issue(sub, TokenTypeRefresh, ttl)
}

// IssuePair signs a fresh access and refresh token for sub.
func (s *TokenService) IssuePair(sub Subject) (TokenPair, error) {
	access, accessExp, err := s.IssueAccessToken(sub, 0)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := s.IssueRefreshToken(sub, 0)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "bearer",
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (s *TokenService) issue(sub Subject, typ TokenType, ttl time.Duration) (string, time.Time, error) {
	userID := strings.TrimSpace(sub.UserID)
	if userID == "" {
		return "", time.Time{}, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	now := s.clock.Now().UTC()
	claims := Claims{
		OrganizationID: sub.OrganizationID,
		Role:           sub.Role,
		Type:           typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(ceilSecond(now.Add(ttl))),
			ID:        ids.NewAt(now),
		},
	}
	signed, err := jwt.NewWithClaims(s.method, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims.ExpiresAt.Time, nil
}

// ceilSecond rounds t up to a whole second. NumericDate truncates, which would cut the
// lifetime of a token issued mid-second short of ttl.
func ceilSecond(t time.Time) time.Time {
	if r := t.Truncate(time.Second); r.Before(t) {
		return r.Add(time.Second)
	}
	return t
}

// Verify checks signature, algorithm, issuer and expiry. Every failure is ErrInvalidToken;
// expired and tampered tokens are not distinguished. The caller checks Claims.Type.
func (s *TokenService) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	parsed, err := s.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	if claims.Type != TokenTypeAccess && claims.Type != TokenTypeRefresh {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
