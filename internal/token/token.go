// Package token issues and verifies the two signed token classes: short-lived
// access tokens bound to a connection, and long-lived refresh tokens bound to
// a principal and a stored version epoch.
package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/auxhub/auxhub/internal/errs"
	"github.com/auxhub/auxhub/internal/model"
)

// Default token lifetimes.
const (
	AccessTTL  = 15 * time.Minute
	RefreshTTL = 30 * 24 * time.Hour
)

// AccessLevel is the ordinal authorization level carried by access tokens.
// Higher is strictly more privileged.
type AccessLevel int

const (
	LevelNone AccessLevel = iota
	LevelVerified
	LevelPremium
	LevelTester
	LevelElevated
)

// Provider role names as reported by the identity provider.
const (
	RoleOwner     = "owner"
	RoleModerator = "moderator"
	RoleTester    = "tester"
	RolePremium   = "premium"
	RoleSupporter = "supporter"
	RoleVerified  = "verified"
)

// NewAccessLevel computes the level as the maximum across all role matches.
// A principal holding both tester and premium roles gets LevelTester; elevated
// roles dominate regardless of scan order. LevelVerified additionally requires
// a verified email.
func NewAccessLevel(emailVerified bool, roles []string) AccessLevel {
	level := LevelNone
	for _, r := range roles {
		var l AccessLevel
		switch r {
		case RoleOwner, RoleModerator:
			return LevelElevated
		case RoleTester:
			l = LevelTester
		case RolePremium, RoleSupporter:
			l = LevelPremium
		case RoleVerified:
			if emailVerified {
				l = LevelVerified
			}
		}
		if l > level {
			level = l
		}
	}
	return level
}

// AccessClaims are the claims carried by an access token. Subject is the
// connection id.
type AccessClaims struct {
	Level AccessLevel `json:"lvl"`
	jwt.RegisteredClaims
}

// RefreshClaims are the claims carried by a refresh token. Subject is the
// principal; Version must be checked against the stored account version by the
// caller (the service itself verifies signature and expiry only).
type RefreshClaims struct {
	Version int64 `json:"ver"`
	jwt.RegisteredClaims
}

// Service signs and verifies tokens with a shared HS256 key.
type Service struct {
	signKey    []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewService constructs a token service. Zero TTLs fall back to the defaults.
func NewService(signKey []byte, accessTTL, refreshTTL time.Duration) *Service {
	if accessTTL <= 0 {
		accessTTL = AccessTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = RefreshTTL
	}
	return &Service{signKey: signKey, accessTTL: accessTTL, refreshTTL: refreshTTL, now: time.Now}
}

// IssueAccess signs an access token for the given connection and level.
func (s *Service) IssueAccess(level AccessLevel, connID model.ConnID) (string, error) {
	if len(s.signKey) == 0 {
		return "", errs.ErrTokenCreation
	}
	now := s.now()
	claims := AccessClaims{
		Level: level,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   connID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signKey)
	if err != nil {
		return "", errs.ErrTokenCreation
	}
	return signed, nil
}

// IssueRefresh signs a refresh token for the given principal at the given
// version epoch.
func (s *Service) IssueRefresh(principal model.Principal, version int64) (string, error) {
	if len(s.signKey) == 0 {
		return "", errs.ErrTokenCreation
	}
	now := s.now()
	claims := RefreshClaims{
		Version: version,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(principal),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.refreshTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signKey)
	if err != nil {
		return "", errs.ErrTokenCreation
	}
	return signed, nil
}

// VerifyAccess checks signature and expiry and returns the claims.
func (s *Service) VerifyAccess(raw string) (*AccessClaims, error) {
	var claims AccessClaims
	if err := s.parse(raw, &claims); err != nil {
		return nil, err
	}
	return &claims, nil
}

// VerifyRefresh checks signature and expiry and returns the claims. It does
// NOT compare the version claim against stored state; that needs the
// authoritative account record and is layered on top.
func (s *Service) VerifyRefresh(raw string) (*RefreshClaims, error) {
	if raw == "" {
		return nil, errs.ErrMissingCredentials
	}
	var claims RefreshClaims
	if err := s.parse(raw, &claims); err != nil {
		return nil, err
	}
	return &claims, nil
}

func (s *Service) parse(raw string, claims jwt.Claims) error {
	tok, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.signKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil || !tok.Valid {
		return errs.ErrInvalidToken
	}
	return nil
}
