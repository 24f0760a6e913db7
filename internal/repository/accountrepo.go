// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/auxhub/auxhub/internal/model"
)

// AccountRepository provides access to persisted account records. The account
// store is an external collaborator; the core consumes only the operations
// below and passes settings blobs through unmodified.
type AccountRepository interface {
	// FindByPrincipal loads the account for the given principal, or nil if none
	// exists.
	FindByPrincipal(ctx context.Context, p model.Principal) (*model.Account, error)

	// UpsertLogin creates the account on first login (version 0, default scope)
	// or advances last_login on subsequent ones. Idempotent apart from the
	// last_login timestamp; version and inserted_at stay fixed.
	UpsertLogin(ctx context.Context, p model.Principal, emailVerified bool) (*model.Account, error)

	// BumpVersion increments the refresh-token epoch, invalidating every
	// outstanding refresh token, and returns the new version.
	BumpVersion(ctx context.Context, p model.Principal) (int64, error)

	// GetEntitlement loads the premium entitlement for the principal, or nil.
	GetEntitlement(ctx context.Context, p model.Principal) (*model.Entitlement, error)

	// SaveSettings persists a session settings blob for the principal.
	SaveSettings(ctx context.Context, p model.Principal, settings model.Settings) error
}
