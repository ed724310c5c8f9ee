package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentvoice.io/internal/auth"
	"agentvoice.io/internal/ids"
)

type Users struct {
	db *sql.DB
}

var _ auth.UserRepository = (*Users)(nil)

const userColumns = `id, email, password_hash, role, organization_id, is_active, is_super_admin,
	api_key, api_key_expires, last_activity, last_login, login_count, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*auth.Identity, error) {
	var (
		u            auth.Identity
		role         string
		apiKey       sql.NullString
		apiKeyExp    sql.NullTime
		lastActivity sql.NullTime
		lastLogin    sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &role, &u.OrganizationID, &u.IsActive, &u.IsSuperAdmin,
		&apiKey, &apiKeyExp, &lastActivity, &lastLogin, &u.LoginCount, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Role = auth.Role(role)
	u.APIKey = apiKey.String
	u.APIKeyExpires = timePtr(apiKeyExp)
	u.LastActivity = timePtr(lastActivity)
	u.LastLogin = timePtr(lastLogin)
	return &u, nil
}

func (r *Users) findOne(ctx context.Context, where string, arg any) (*auth.Identity, error) {
	if r.db == nil {
		return nil, errNoDB
	}
	row := r.db.QueryRowContext(ctx, `select `+userColumns+` from users where `+where, arg)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (r *Users) FindByID(ctx context.Context, id string) (*auth.Identity, error) {
	return r.findOne(ctx, `id = $1`, id)
}

func (r *Users) FindByEmail(ctx context.Context, email string) (*auth.Identity, error) {
	return r.findOne(ctx, `lower(email) = $1`, strings.ToLower(strings.TrimSpace(email)))
}

func (r *Users) FindByAPIKey(ctx context.Context, key string) (*auth.Identity, error) {
	if key == "" {
		return nil, auth.ErrNotFound
	}
	return r.findOne(ctx, `api_key = $1`, key)
}

func (r *Users) Create(ctx context.Context, u *auth.Identity) error {
	if r.db == nil {
		return errNoDB
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = u.CreatedAt
	}
	_, err := r.db.ExecContext(ctx, `
		insert into users (id, email, password_hash, role, organization_id, is_active, is_super_admin,
			api_key, api_key_expires, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, u.ID, u.Email, u.PasswordHash, string(u.Role), u.OrganizationID, u.IsActive, u.IsSuperAdmin,
		nullIfEmpty(u.APIKey), nullTime(u.APIKeyExpires), u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return auth.ErrConflict
			case pgErrForeignKeyViolation:
				return fmt.Errorf("%w: unknown organization", auth.ErrInvalidInput)
			}
		}
		return err
	}
	return nil
}

func (r *Users) ListByOrganization(ctx context.Context, organizationID string) ([]*auth.Identity, error) {
	return r.list(ctx, `where organization_id = $1`, organizationID)
}

func (r *Users) ListAll(ctx context.Context) ([]*auth.Identity, error) {
	return r.list(ctx, ``)
}

func (r *Users) list(ctx context.Context, where string, args ...any) ([]*auth.Identity, error) {
	if r.db == nil {
		return nil, errNoDB
	}
	rows, err := r.db.QueryContext(ctx, `select `+userColumns+` from users `+where+` order by id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*auth.Identity
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

func (r *Users) TouchActivity(ctx context.Context, id string, at time.Time) error {
	return r.update(ctx, `update users set last_activity = $2 where id = $1`, id, at.UTC())
}

func (r *Users) RecordLogin(ctx context.Context, id string, at time.Time) error {
	return r.update(ctx, `
		update users
		set last_login = $2, last_activity = $2, login_count = login_count + 1
		where id = $1
	`, id, at.UTC())
}

func (r *Users) UpdatePassword(ctx context.Context, id, passwordHash string, at time.Time) error {
	return r.update(ctx, `update users set password_hash = $2, updated_at = $3 where id = $1`, id, passwordHash, at.UTC())
}

func (r *Users) update(ctx context.Context, query string, args ...any) error {
	if r.db == nil {
		return errNoDB
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return affectedOne(res, auth.ErrNotFound)
}
