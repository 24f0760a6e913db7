// Package auth implements the authorization logic layered over the token
// service, the account store and the identity provider: refresh-token version
// checks, authorization-code login, and the fraudulent-token response policy.
package auth

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/auxhub/auxhub/internal/errs"
	"github.com/auxhub/auxhub/internal/idp"
	"github.com/auxhub/auxhub/internal/model"
	"github.com/auxhub/auxhub/internal/repository"
	"github.com/auxhub/auxhub/internal/token"
)

// Service performs logins and refresh verification.
type Service struct {
	tokens   *token.Service
	accounts repository.AccountRepository
	provider idp.Provider
	log      *zap.Logger
	now      func() time.Time
}

// NewService constructs the auth service.
func NewService(tokens *token.Service, accounts repository.AccountRepository, provider idp.Provider, log *zap.Logger) *Service {
	return &Service{tokens: tokens, accounts: accounts, provider: provider, log: log, now: time.Now}
}

// Login is the result of a successful authorization.
type Login struct {
	Account      *model.Account
	Level        token.AccessLevel
	AccessToken  string
	RefreshToken string
	Premium      *model.Premium
}

// VerifyRefresh checks a refresh token end to end: signature and expiry via
// the token service, then the version claim against the stored account.
// Equal versions succeed; a stale (lesser) version is ErrInvalidToken; a
// version ahead of storage is ErrTokenFraudulent, since no issuance path can
// produce it. The principal is returned whenever the signature verified, so
// callers can attribute a fraud signal.
func (s *Service) VerifyRefresh(ctx context.Context, raw string) (*model.Account, model.Principal, error) {
	claims, err := s.tokens.VerifyRefresh(raw)
	if err != nil {
		return nil, "", err
	}
	principal := model.Principal(claims.Subject)
	account, err := s.accounts.FindByPrincipal(ctx, principal)
	if err != nil {
		return nil, principal, fmt.Errorf("%w: refresh lookup: %v", errs.ErrStorage, err)
	}
	if account == nil {
		return nil, principal, errs.ErrInvalidToken
	}
	switch {
	case claims.Version == account.Version:
		return account, principal, nil
	case claims.Version > account.Version:
		return nil, principal, errs.ErrTokenFraudulent
	default:
		return nil, principal, errs.ErrInvalidToken
	}
}

// FlagFraudulent applies the security-incident policy for a fraudulent
// refresh token: log at high severity and bump the stored version so every
// outstanding refresh token for the principal dies. The caller disconnects.
func (s *Service) FlagFraudulent(ctx context.Context, principal model.Principal, connID model.ConnID) {
	s.log.Error("fraudulent refresh token presented",
		zap.String("principal", string(principal)),
		zap.String("conn", connID.String()))
	if _, err := s.accounts.BumpVersion(ctx, principal); err != nil {
		s.log.Error("failed to invalidate refresh family after fraud signal",
			zap.String("principal", string(principal)),
			zap.Error(err))
	}
}

// LoginWithCode drives the authorization-code login: exchange the code, fetch
// the profile, derive the access level, create or update the account, and
// issue a fresh token pair for the connection.
//
// ErrMissingCredentials means the profile was fetched but the principal lacks
// any qualifying membership; the client renders it as a join call-to-action.
func (s *Service) LoginWithCode(ctx context.Context, code string, connID model.ConnID) (*Login, error) {
	if code == "" {
		return nil, errs.ErrMissingCredentials
	}
	providerToken, err := s.provider.ExchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}
	profile, err := s.provider.FetchProfile(ctx, providerToken)
	if err != nil {
		return nil, err
	}

	level := token.NewAccessLevel(profile.EmailVerified, profile.Roles)
	if level == token.LevelNone {
		return nil, errs.ErrMissingCredentials
	}

	account, err := s.accounts.UpsertLogin(ctx, model.Principal(profile.ID), profile.EmailVerified)
	if err != nil {
		return nil, fmt.Errorf("%w: upsert login: %v", errs.ErrStorage, err)
	}
	return s.issueFor(ctx, account, level, connID)
}

// LoginWithRefresh issues a fresh token pair for an account already verified
// via VerifyRefresh. An account that would not qualify on a code login gets
// ErrMissingCredentials instead of a level-zero session.
func (s *Service) LoginWithRefresh(ctx context.Context, account *model.Account, connID model.ConnID) (*Login, error) {
	if !account.EmailVerified {
		return nil, errs.ErrMissingCredentials
	}
	// Role-derived levels above verified are re-established on the next code
	// login; refresh continuity only needs a usable session.
	return s.issueFor(ctx, account, token.LevelVerified, connID)
}

// Snapshot loads the account and live premium entitlement for user-data
// responses.
func (s *Service) Snapshot(ctx context.Context, principal model.Principal) (*model.Account, *model.Premium, error) {
	account, err := s.accounts.FindByPrincipal(ctx, principal)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: snapshot: %v", errs.ErrStorage, err)
	}
	if account == nil {
		return nil, nil, errs.ErrMissingCredentials
	}
	entitlement, err := s.accounts.GetEntitlement(ctx, principal)
	if err != nil {
		s.log.Warn("entitlement lookup failed",
			zap.String("principal", string(principal)),
			zap.Error(err))
		return account, nil, nil
	}
	return account, entitlement.Wire(s.now()), nil
}

func (s *Service) issueFor(ctx context.Context, account *model.Account, level token.AccessLevel, connID model.ConnID) (*Login, error) {
	access, err := s.tokens.IssueAccess(level, connID)
	if err != nil {
		return nil, err
	}
	refresh, err := s.tokens.IssueRefresh(account.Principal, account.Version)
	if err != nil {
		return nil, err
	}

	login := &Login{Account: account, Level: level, AccessToken: access, RefreshToken: refresh}
	entitlement, err := s.accounts.GetEntitlement(ctx, account.Principal)
	if err != nil {
		s.log.Warn("entitlement lookup failed",
			zap.String("principal", string(account.Principal)),
			zap.Error(err))
	} else {
		login.Premium = entitlement.Wire(s.now())
	}
	return login, nil
}
