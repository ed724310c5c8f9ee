package auth

import (
	"context"
	"time"
)

// UserRepository is the persistence the auth core needs for identities.
// Lookups return ErrNotFound when no row matches.
type UserRepository interface {
	Create(ctx context.Context, u *Identity) error
	FindByID(ctx context.Context, id string) (*Identity, error)
	FindByEmail(ctx context.Context, email string) (*Identity, error)
	FindByAPIKey(ctx context.Context, key string) (*Identity, error)
	ListByOrganization(ctx context.Context, organizationID string) ([]*Identity, error)
	ListAll(ctx context.Context) ([]*Identity, error)

	// TouchActivity, RecordLogin and UpdatePassword are single-statement updates.
	TouchActivity(ctx context.Context, id string, at time.Time) error
	RecordLogin(ctx context.Context, id string, at time.Time) error
	UpdatePassword(ctx context.Context, id, passwordHash string, at time.Time) error
}

// TenantRepository manages organizations.
type TenantRepository interface {
	FindByID(ctx context.Context, id string) (*Tenant, error)
	SetSuspended(ctx context.Context, id string, suspended bool, at time.Time) error
}
