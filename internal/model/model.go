// Package model defines domain entities shared by the registry, services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Principal is the opaque identity assigned by the external identity provider.
// Immutable once bound to a connection.
type Principal string

// SessionScope governs how deep in the game's account/character hierarchy a
// settings blob applies, and when transient session state is discarded.
type SessionScope int

const (
	// ScopePerCharacter discards transient state on every re-login.
	ScopePerCharacter SessionScope = iota
	// ScopePerGameAccount discards transient state on every logout.
	ScopePerGameAccount
	// ScopePerPrincipal keeps transient state until the connection closes.
	ScopePerPrincipal
)

// DefaultScope is assigned to newly created accounts.
const DefaultScope = ScopePerCharacter

func (s SessionScope) String() string {
	switch s {
	case ScopePerCharacter:
		return "per-character"
	case ScopePerGameAccount:
		return "per-game-account"
	case ScopePerPrincipal:
		return "per-principal"
	}
	return "unknown"
}

// Settings is an opaque per-session settings blob. The core passes it through
// to storage unmodified.
type Settings []byte

// GameSession is the ephemeral state of a user logged into a game account.
type GameSession struct {
	GameAccountID string
	CharacterID   string
	Settings      Settings
}

// User is the identity bound to an authorized connection.
type User struct {
	ID      Principal
	Scope   SessionScope
	Session *GameSession // nil when not logged into the game
}

// ConnID is a server-generated, never-reused transport connection id.
type ConnID = uuid.UUID

// Premium describes a live premium entitlement, mirrored onto the wire.
type Premium struct {
	Exp       uint64 `json:"exp"`
	Neon      bool   `json:"neon"`
	Animation bool   `json:"animation"`
	Antyduch  bool   `json:"antyduch"`
}

// Account is the persisted record for a principal, owned by the storage
// collaborator. Version is the refresh-token epoch: a refresh token is live
// only while its version claim equals the stored one.
type Account struct {
	Principal     Principal
	EmailVerified bool
	Version       int64
	Scope         SessionScope
	Settings      Settings
	InsertedAt    time.Time
	LastLogin     time.Time
}

// Entitlement is the premium record for a principal, if any.
type Entitlement struct {
	Expiry    time.Time
	Neon      bool
	Animation bool
	Antyduch  bool
}

// Live reports whether the entitlement has not expired at the given instant.
func (e *Entitlement) Live(now time.Time) bool {
	return e != nil && now.Before(e.Expiry)
}

// Wire converts a live entitlement to its wire shape. Returns nil for expired
// or absent entitlements so the field is omitted from serialization.
func (e *Entitlement) Wire(now time.Time) *Premium {
	if !e.Live(now) {
		return nil
	}
	return &Premium{
		Exp:       uint64(e.Expiry.Unix()),
		Neon:      e.Neon,
		Animation: e.Animation,
		Antyduch:  e.Antyduch,
	}
}
