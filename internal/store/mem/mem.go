// Package mem keeps users and organizations in process memory. It backs
// local development when no database is configured, and tests.
package mem

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"agentvoice.io/internal/auth"
	"agentvoice.io/internal/ids"
)

// Store holds users and tenants behind one lock.
type Store struct {
	mu      sync.RWMutex
	users   map[string]*auth.Identity
	emails  map[string]string
	apiKeys map[string]string
	tenants map[string]*auth.Tenant
}

func New() *Store {
	return &Store{
		users:   make(map[string]*auth.Identity),
		emails:  make(map[string]string),
		apiKeys: make(map[string]string),
		tenants: make(map[string]*auth.Tenant),
	}
}

// Users returns the UserRepository view of the store.
func (s *Store) Users() *Users { return &Users{s: s} }

// Tenants returns the TenantRepository view of the store.
func (s *Store) Tenants() *Tenants { return &Tenants{s: s} }

// PutTenant inserts or replaces an organization, assigning an ID when empty.
func (s *Store) PutTenant(t auth.Tenant) *auth.Tenant {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = ids.New()
	}
	s.tenants[t.ID] = &t
	out := t
	return &out
}

// PutUser inserts or replaces a user without uniqueness checks.
func (s *Store) PutUser(u auth.Identity) *auth.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = ids.New()
	}
	s.putUserLocked(&u)
	out := u
	return &out
}

func (s *Store) putUserLocked(u *auth.Identity) {
	if prev, ok := s.users[u.ID]; ok {
		delete(s.emails, prev.Email)
		if prev.APIKey != "" {
			delete(s.apiKeys, prev.APIKey)
		}
	}
	u.Email = strings.ToLower(u.Email)
	s.users[u.ID] = u
	s.emails[u.Email] = u.ID
	if u.APIKey != "" {
		s.apiKeys[u.APIKey] = u.ID
	}
}

func (s *Store) user(id string) (*auth.Identity, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	out := *u
	return &out, nil
}

// Users implements auth.UserRepository.
type Users struct{ s *Store }

var _ auth.UserRepository = (*Users)(nil)

func (r *Users) Create(ctx context.Context, u *auth.Identity) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if u.ID == "" {
		u.ID = ids.New()
	}
	if _, ok := r.s.users[u.ID]; ok {
		return auth.ErrConflict
	}
	if _, ok := r.s.emails[strings.ToLower(u.Email)]; ok {
		return auth.ErrConflict
	}
	cp := *u
	r.s.putUserLocked(&cp)
	return nil
}

func (r *Users) FindByID(ctx context.Context, id string) (*auth.Identity, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.s.user(id)
}

func (r *Users) FindByEmail(ctx context.Context, email string) (*auth.Identity, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	id, ok := r.s.emails[strings.ToLower(email)]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return r.s.user(id)
}

func (r *Users) FindByAPIKey(ctx context.Context, key string) (*auth.Identity, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	id, ok := r.s.apiKeys[key]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return r.s.user(id)
}

func (r *Users) ListByOrganization(ctx context.Context, organizationID string) ([]*auth.Identity, error) {
	return r.list(func(u *auth.Identity) bool { return u.OrganizationID == organizationID }), nil
}

func (r *Users) ListAll(ctx context.Context) ([]*auth.Identity, error) {
	return r.list(func(*auth.Identity) bool { return true }), nil
}

func (r *Users) list(keep func(*auth.Identity) bool) []*auth.Identity {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*auth.Identity
	for _, u := range r.s.users {
		if keep(u) {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Users) TouchActivity(ctx context.Context, id string, at time.Time) error {
	return r.update(id, func(u *auth.Identity) { u.LastActivity = &at })
}

func (r *Users) RecordLogin(ctx context.Context, id string, at time.Time) error {
	return r.update(id, func(u *auth.Identity) {
		u.LastLogin = &at
		u.LastActivity = &at
		u.LoginCount++
	})
}

func (r *Users) UpdatePassword(ctx context.Context, id, passwordHash string, at time.Time) error {
	return r.update(id, func(u *auth.Identity) {
		u.PasswordHash = passwordHash
		u.UpdatedAt = at
	})
}

func (r *Users) update(id string, fn func(*auth.Identity)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return auth.ErrNotFound
	}
	fn(u)
	return nil
}

// Tenants implements auth.TenantRepository.
type Tenants struct{ s *Store }

var _ auth.TenantRepository = (*Tenants)(nil)

func (r *Tenants) FindByID(ctx context.Context, id string) (*auth.Tenant, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	t, ok := r.s.tenants[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	out := *t
	return &out, nil
}

func (r *Tenants) SetSuspended(ctx context.Context, id string, suspended bool, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tenants[id]
	if !ok {
		return auth.ErrNotFound
	}
	t.IsSuspended = suspended
	t.UpdatedAt = at
	return nil
}
