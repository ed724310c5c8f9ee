package auth

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrUnauthenticated    = errors.New("auth: unauthenticated")
	ErrForbidden          = errors.New("auth: forbidden")
	ErrNotFound           = errors.New("auth: not found")
	ErrConflict           = errors.New("auth: already exists")
	ErrInvalidInput       = errors.New("auth: invalid input")

	// ErrTenantSuspended matches ErrForbidden under errors.Is.
	ErrTenantSuspended = fmt.Errorf("%w: organization is suspended", ErrForbidden)
)

// PolicyError describes the role or permission a request lacked. Its message is safe to expose.
type PolicyError struct {
	Roles      []Role
	Permission Permission
}

func (e *PolicyError) Error() string {
	if e.Permission != "" {
		return fmt.Sprintf("Insufficient permissions. Required permission: %s", e.Permission)
	}
	names := make([]string, 0, len(e.Roles))
	for _, r := range e.Roles {
		names = append(names, string(r))
	}
	sort.Strings(names)
	return "Insufficient permissions. Required roles: " + strings.Join(names, ", ")
}

func (e *PolicyError) Unwrap() error { return ErrForbidden }
