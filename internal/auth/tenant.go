package auth

import (
	"context"
	"errors"
	"fmt"
)

// TenantResolver loads the organization owning an identity. Nothing is cached between calls.
type TenantResolver struct {
	tenants TenantRepository
}

func NewTenantResolver(tenants TenantRepository) *TenantResolver {
	return &TenantResolver{tenants: tenants}
}

// Resolve returns the identity's tenant, ErrNotFound when it does not exist, or
// ErrTenantSuspended when it is suspended.
func (r *TenantResolver) Resolve(ctx context.Context, id *Identity) (*Tenant, error) {
	if id == nil {
		return nil, ErrUnauthenticated
	}
	if id.OrganizationID == "" {
		return nil, ErrNotFound
	}
	t, err := r.tenants.FindByID(ctx, id.OrganizationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load organization: %w", err)
	}
	if t.IsSuspended {
		return nil, ErrTenantSuspended
	}
	return t, nil
}
