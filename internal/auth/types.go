package auth

import (
	"fmt"
	"strings"
	"time"
)

// Role is the coarse-grained role carried in tokens and checked by RequireRole.
type Role string

const (
	RoleAgent      Role = "agent"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// ParseRole normalizes s into a known role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.TrimSpace(strings.ToLower(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
	}
	return r, nil
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAgent, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

// Method records which credential produced an Identity.
type Method string

const (
	MethodBearer Method = "bearer"
	MethodAPIKey Method = "api_key"
)

// Identity is an authenticated principal (a user of an organization).
type Identity struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	PasswordHash   string     `json:"-"`
	Role           Role       `json:"role"`
	OrganizationID string     `json:"organization_id"`
	IsActive       bool       `json:"is_active"`
	IsSuperAdmin   bool       `json:"is_super_admin"`
	APIKey         string     `json:"-"`
	APIKeyExpires  *time.Time `json:"api_key_expires,omitempty"`
	LastActivity   *time.Time `json:"last_activity,omitempty"`
	LastLogin      *time.Time `json:"last_login,omitempty"`
	LoginCount     int64      `json:"login_count"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	// Method is set by the resolver and never persisted.
	Method Method `json:"-"`
}

// SuperAdmin reports whether the identity bypasses tenant isolation.
func (i *Identity) SuperAdmin() bool {
	return i != nil && (i.IsSuperAdmin || i.Role == RoleSuperAdmin)
}

// APIKeyExpired reports whether the API key is expired at now. A key expiring exactly at now is expired.
func (i *Identity) APIKeyExpired(now time.Time) bool {
	if i.APIKeyExpires == nil {
		return false
	}
	return !now.Before(*i.APIKeyExpires)
}

// Tenant is an organization owning identities and tenant-scoped resources.
type Tenant struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	IsSuspended bool      `json:"is_suspended"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
