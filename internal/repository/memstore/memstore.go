// Package memstore implements in-memory account storage, used by tests and
// dev mode.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/auxhub/auxhub/internal/errs"
	"github.com/auxhub/auxhub/internal/model"
)

// AccountStore keeps account and entitlement records in process memory. Safe
// for concurrent use.
type AccountStore struct {
	mu           sync.Mutex
	accounts     map[model.Principal]model.Account
	entitlements map[model.Principal]model.Entitlement

	// Now is the clock used for timestamps; tests may replace it.
	Now func() time.Time
}

// NewAccountStore creates an empty in-memory store.
func NewAccountStore() *AccountStore {
	return &AccountStore{
		accounts:     make(map[model.Principal]model.Account),
		entitlements: make(map[model.Principal]model.Entitlement),
		Now:          time.Now,
	}
}

// FindByPrincipal returns a copy of the stored account, or nil.
func (s *AccountStore) FindByPrincipal(_ context.Context, p model.Principal) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[p]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

// UpsertLogin creates the account on first login or advances last_login.
func (s *AccountStore) UpsertLogin(_ context.Context, p model.Principal, emailVerified bool) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	a, ok := s.accounts[p]
	if !ok {
		a = model.Account{
			Principal:     p,
			EmailVerified: emailVerified,
			Version:       0,
			Scope:         model.DefaultScope,
			InsertedAt:    now,
		}
	}
	a.EmailVerified = emailVerified
	a.LastLogin = now
	s.accounts[p] = a
	return &a, nil
}

// BumpVersion increments the refresh-token epoch.
func (s *AccountStore) BumpVersion(_ context.Context, p model.Principal) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[p]
	if !ok {
		return 0, errs.ErrMissingCredentials
	}
	a.Version++
	s.accounts[p] = a
	return a.Version, nil
}

// GetEntitlement returns a copy of the stored entitlement, or nil.
func (s *AccountStore) GetEntitlement(_ context.Context, p model.Principal) (*model.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entitlements[p]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// SaveSettings stores the session settings blob.
func (s *AccountStore) SaveSettings(_ context.Context, p model.Principal, settings model.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[p]
	if !ok {
		return errs.ErrMissingCredentials
	}
	a.Settings = append(model.Settings(nil), settings...)
	s.accounts[p] = a
	return nil
}

// PutEntitlement seeds an entitlement record (test/dev helper).
func (s *AccountStore) PutEntitlement(p model.Principal, e model.Entitlement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entitlements[p] = e
}

// PutAccount seeds an account record (test/dev helper).
func (s *AccountStore) PutAccount(a model.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.Principal] = a
}
