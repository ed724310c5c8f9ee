package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"agentvoice.io/internal/auth"
)

type Tenants struct {
	db *sql.DB
}

var _ auth.TenantRepository = (*Tenants)(nil)

func (r *Tenants) FindByID(ctx context.Context, id string) (*auth.Tenant, error) {
	if r.db == nil {
		return nil, errNoDB
	}
	var t auth.Tenant
	err := r.db.QueryRowContext(ctx, `
		select id, name, slug, is_suspended, created_at, updated_at
		from organizations
		where id = $1
	`, id).Scan(&t.ID, &t.Name, &t.Slug, &t.IsSuspended, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Tenants) SetSuspended(ctx context.Context, id string, suspended bool, at time.Time) error {
	if r.db == nil {
		return errNoDB
	}
	res, err := r.db.ExecContext(ctx, `
		update organizations set is_suspended = $2, updated_at = $3 where id = $1
	`, id, suspended, at.UTC())
	if err != nil {
		return err
	}
	return affectedOne(res, auth.ErrNotFound)
}
