package auth

// Predicate is a composable authorization check. It returns nil to allow.
type Predicate func(*Identity) error

// AnyRole allows identities holding one of roles.
func AnyRole(roles ...Role) Predicate {
	return func(id *Identity) error {
		_, err := RequireRole(id, roles...)
		return err
	}
}

// Can allows identities holding permission p.
func Can(p Permission) Predicate {
	return func(id *Identity) error {
		_, err := RequirePermission(id, p)
		return err
	}
}

// All allows only when every predicate allows, stopping at the first failure.
func All(preds ...Predicate) Predicate {
	return func(id *Identity) error {
		for _, p := range preds {
			if err := p(id); err != nil {
				return err
			}
		}
		return nil
	}
}

// Check evaluates preds and passes the identity through unchanged on success.
func Check(id *Identity, preds ...Predicate) (*Identity, error) {
	if id == nil {
		return nil, ErrUnauthenticated
	}
	if err := All(preds...)(id); err != nil {
		return nil, err
	}
	return id, nil
}

// RequireRole passes id through when its role is one of allowed.
func RequireRole(id *Identity, allowed ...Role) (*Identity, error) {
	if id == nil {
		return nil, ErrUnauthenticated
	}
	for _, r := range allowed {
		if id.Role == r {
			return id, nil
		}
	}
	return nil, &PolicyError{Roles: append([]Role(nil), allowed...)}
}

// RequirePermission passes id through when it holds permission p.
func RequirePermission(id *Identity, p Permission) (*Identity, error) {
	if id == nil {
		return nil, ErrUnauthenticated
	}
	if !id.HasPermission(p) {
		return nil, &PolicyError{Permission: p}
	}
	return id, nil
}

// ValidateTenantAccess hides resources of other tenants. Super-admins always pass; anyone else
// gets ErrNotFound, never ErrForbidden, when resourceTenantID is not their tenant.
func ValidateTenantAccess(resourceTenantID string, id *Identity, t *Tenant) error {
	if id == nil {
		return ErrUnauthenticated
	}
	if id.SuperAdmin() {
		return nil
	}
	if t == nil || resourceTenantID != t.ID {
		return ErrNotFound
	}
	return nil
}

// TenantFilter returns the tenant every tenant-scoped query must be restricted to.
// ok is false for super-admins, meaning no filter applies. Without an identity the filter is
// the empty tenant id, which matches nothing.
func TenantFilter(id *Identity, t *Tenant) (tenantID string, ok bool) {
	switch {
	case id.SuperAdmin():
		return "", false
	case t != nil:
		return t.ID, true
	case id != nil:
		return id.OrganizationID, true
	}
	return "", true
}
