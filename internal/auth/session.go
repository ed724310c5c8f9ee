package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Authenticator implements password login, token refresh and password change.
type Authenticator struct {
	users   UserRepository
	tenants *TenantResolver
	hasher  *Hasher
	tokens  *TokenService
	clock   clock.Clock
	log     *zap.Logger
}

func NewAuthenticator(users UserRepository, tenants *TenantResolver, hasher *Hasher, tokens *TokenService, clk clock.Clock, log *zap.Logger) *Authenticator {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Authenticator{users: users, tenants: tenants, hasher: hasher, tokens: tokens, clock: clk, log: log}
}

// Login checks email and password and issues a token pair. Unknown email, wrong password and
// inactive account all fail with ErrInvalidCredentials.
func (a *Authenticator) Login(ctx context.Context, email, password string) (TokenPair, *Identity, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	id, err := a.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			a.hasher.BurnVerify(ctx, password)
			return TokenPair{}, nil, ErrInvalidCredentials
		}
		return TokenPair{}, nil, fmt.Errorf("load identity: %w", err)
	}
	if !a.hasher.Verify(ctx, password, id.PasswordHash) {
		if err := ctx.Err(); err != nil {
			return TokenPair{}, nil, err
		}
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	if !id.IsActive {
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	if _, err := a.tenants.Resolve(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, nil, ErrInvalidCredentials
		}
		return TokenPair{}, nil, err
	}

	now := a.clock.Now().UTC()
	if err := a.users.RecordLogin(ctx, id.ID, now); err != nil {
		a.log.Warn("login stats update failed", zap.String("user_id", id.ID), zap.Error(err))
	} else {
		id.LastLogin = &now
		id.LastActivity = &now
		id.LoginCount++
	}
	if a.hasher.NeedsRehash(id.PasswordHash) {
		a.rehash(ctx, id, password)
	}

	pair, err := a.tokens.IssuePair(SubjectOf(id))
	if err != nil {
		return TokenPair{}, nil, err
	}
	id.Method = MethodBearer
	return pair, id, nil
}

// Refresh exchanges a refresh token for a new pair. Access tokens are rejected.
func (a *Authenticator) Refresh(ctx context.Context, refreshToken string) (TokenPair, *Identity, error) {
	claims, err := a.tokens.Verify(refreshToken)
	if err != nil {
		return TokenPair{}, nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if err := claims.RequireType(TokenTypeRefresh); err != nil {
		return TokenPair{}, nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	id, err := a.users.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, nil, ErrUnauthenticated
		}
		return TokenPair{}, nil, fmt.Errorf("load identity: %w", err)
	}
	if !id.IsActive {
		return TokenPair{}, nil, ErrUnauthenticated
	}
	if _, err := a.tenants.Resolve(ctx, id); err != nil {
		return TokenPair{}, nil, err
	}
	pair, err := a.tokens.IssuePair(SubjectOf(id))
	if err != nil {
		return TokenPair{}, nil, err
	}
	id.Method = MethodBearer
	return pair, id, nil
}

// ChangePassword replaces the password of id after checking current.
func (a *Authenticator) ChangePassword(ctx context.Context, id *Identity, current, next string) error {
	if id == nil {
		return ErrUnauthenticated
	}
	if len(next) < MinPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}
	stored, err := a.users.FindByID(ctx, id.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrUnauthenticated
		}
		return fmt.Errorf("load identity: %w", err)
	}
	if !a.hasher.Verify(ctx, current, stored.PasswordHash) {
		return ErrInvalidCredentials
	}
	hash, err := a.hasher.Hash(ctx, next)
	if err != nil {
		return err
	}
	return a.users.UpdatePassword(ctx, id.ID, hash, a.clock.Now().UTC())
}

// CreateUser registers a new identity in organizationID.
func (a *Authenticator) CreateUser(ctx context.Context, organizationID, email, password string, role Role) (*Identity, error) {
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return nil, fmt.Errorf("%w: organization_id is required", ErrInvalidInput)
	}
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if len(password) < MinPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	hash, err := a.hasher.Hash(ctx, password)
	if err != nil {
		return nil, err
	}
	now := a.clock.Now().UTC()
	u := &Identity{
		Email:          email,
		PasswordHash:   hash,
		Role:           role,
		OrganizationID: organizationID,
		IsActive:       true,
		IsSuperAdmin:   role == RoleSuperAdmin,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := a.users.Create(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (a *Authenticator) rehash(ctx context.Context, id *Identity, password string) {
	hash, err := a.hasher.Hash(ctx, password)
	if err != nil {
		a.log.Warn("password rehash failed", zap.String("user_id", id.ID), zap.Error(err))
		return
	}
	if err := a.users.UpdatePassword(ctx, id.ID, hash, a.clock.Now().UTC()); err != nil {
		a.log.Warn("password rehash failed", zap.String("user_id", id.ID), zap.Error(err))
		return
	}
	id.PasswordHash = hash
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
