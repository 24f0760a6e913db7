package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/auxhub/auxhub/internal/errs"
	"github.com/auxhub/auxhub/internal/model"
)

// AccountRepo implements AccountRepository using PostgreSQL.
type AccountRepo struct{ db *DB }

// NewAccountRepo constructs an account repository.
func NewAccountRepo(db *DB) *AccountRepo { return &AccountRepo{db: db} }

// FindByPrincipal selects an account by principal id. Returns nil when absent.
func (r *AccountRepo) FindByPrincipal(ctx context.Context, p model.Principal) (*model.Account, error) {
	const q = `
SELECT principal, email_verified, version, session_scope, settings, inserted_at, last_login
FROM accounts WHERE principal=$1`
	a, err := scanAccount(r.db.Pool.QueryRow(ctx, q, p))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// UpsertLogin inserts the account on first login or advances last_login.
// Version, session_scope and inserted_at are untouched on conflict.
func (r *AccountRepo) UpsertLogin(ctx context.Context, p model.Principal, emailVerified bool) (*model.Account, error) {
	const q = `
INSERT INTO accounts (principal, email_verified, version, session_scope, settings, inserted_at, last_login)
VALUES ($1, $2, 0, $3, NULL, now(), now())
ON CONFLICT (principal) DO UPDATE SET email_verified = EXCLUDED.email_verified, last_login = now()
RETURNING principal, email_verified, version, session_scope, settings, inserted_at, last_login`
	return scanAccount(r.db.Pool.QueryRow(ctx, q, p, emailVerified, int(model.DefaultScope)))
}

// BumpVersion increments the refresh-token epoch and returns the new value.
func (r *AccountRepo) BumpVersion(ctx context.Context, p model.Principal) (int64, error) {
	const q = `UPDATE accounts SET version = version + 1 WHERE principal=$1 RETURNING version`
	var v int64
	if err := r.db.Pool.QueryRow(ctx, q, p).Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, errs.ErrMissingCredentials
		}
		return 0, fmt.Errorf("%w: bump version: %v", errs.ErrStorage, err)
	}
	return v, nil
}

// GetEntitlement selects the premium record for the principal, or nil.
func (r *AccountRepo) GetEntitlement(ctx context.Context, p model.Principal) (*model.Entitlement, error) {
	const q = `
SELECT expiry, neon, animation, antyduch FROM entitlements WHERE principal=$1`
	var e model.Entitlement
	err := r.db.Pool.QueryRow(ctx, q, p).Scan(&e.Expiry, &e.Neon, &e.Animation, &e.Antyduch)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get entitlement: %v", errs.ErrStorage, err)
	}
	return &e, nil
}

// SaveSettings stores the session settings blob.
func (r *AccountRepo) SaveSettings(ctx context.Context, p model.Principal, settings model.Settings) error {
	const q = `UPDATE accounts SET settings=$2 WHERE principal=$1`
	tag, err := r.db.Pool.Exec(ctx, q, p, []byte(settings))
	if err != nil {
		return fmt.Errorf("%w: save settings: %v", errs.ErrStorage, err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrMissingCredentials
	}
	return nil
}

func scanAccount(row pgx.Row) (*model.Account, error) {
	var (
		a        model.Account
		scope    int
		settings []byte
	)
	if err := row.Scan(&a.Principal, &a.EmailVerified, &a.Version, &scope, &settings, &a.InsertedAt, &a.LastLogin); err != nil {
		if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: scan account: %v", errs.ErrStorage, err)
	}
	a.Scope = model.SessionScope(scope)
	a.Settings = model.Settings(settings)
	return &a, nil
}
