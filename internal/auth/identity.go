package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const defaultTouchTimeout = 2 * time.Second

// TokenVerifier verifies a signed token and returns its claims.
type TokenVerifier interface {
	Verify(token string) (*Claims, error)
}

// IdentityResolver maps a bearer token or API key to an active Identity.
type IdentityResolver struct {
	tokens       TokenVerifier
	users        UserRepository
	clock        clock.Clock
	log          *zap.Logger
	touchTimeout time.Duration
}

// NewIdentityResolver constructs an IdentityResolver. A nil clock or logger falls back to defaults.
func NewIdentityResolver(tokens TokenVerifier, users UserRepository, clk clock.Clock, log *zap.Logger) *IdentityResolver {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &IdentityResolver{
		tokens:       tokens,
		users:        users,
		clock:        clk,
		log:          log,
		touchTimeout: defaultTouchTimeout,
	}
}

// ResolveBearer verifies an access token and loads its subject.
// Verification failures wrap both ErrUnauthenticated and ErrInvalidToken; a missing or
// inactive identity is plain ErrUnauthenticated.
func (r *IdentityResolver) ResolveBearer(ctx context.Context, token string) (*Identity, error) {
	claims, err := r.tokens.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if err := claims.RequireType(TokenTypeAccess); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	id, err := r.users.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("load identity: %w", err)
	}
	if !id.IsActive {
		return nil, ErrUnauthenticated
	}
	id.Method = MethodBearer
	r.touch(ctx, id)
	return id, nil
}

// ResolveAPIKey loads the identity owning key. Missing, inactive or expired keys are ErrUnauthenticated.
func (r *IdentityResolver) ResolveAPIKey(ctx context.Context, key string) (*Identity, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrUnauthenticated
	}
	id, err := r.users.FindByAPIKey(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("load identity: %w", err)
	}
	if !id.IsActive || id.APIKeyExpired(r.clock.Now()) {
		return nil, ErrUnauthenticated
	}
	id.Method = MethodAPIKey
	r.touch(ctx, id)
	return id, nil
}

// touch records last activity. It is detached from request cancellation and never fails the request.
func (r *IdentityResolver) touch(ctx context.Context, id *Identity) {
	now := r.clock.Now().UTC()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.touchTimeout)
	defer cancel()
	if err := r.users.TouchActivity(ctx, id.ID, now); err != nil {
		r.log.Warn("last activity update failed", zap.String("user_id", id.ID), zap.Error(err))
		return
	}
	id.LastActivity = &now
}
