// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Authentication/authorization failures surfaced by the token service,
// the identity-provider client, and the session registry.
var (
	// ErrMissingCredentials indicates a login attempt without usable credentials
	// (e.g. profile fetched but the required membership is absent). Rendered to
	// the client with an empty reason so it can show the join call-to-action.
	ErrMissingCredentials = errors.New("missing credentials")

	// ErrWrongCredentials indicates the identity provider rejected the supplied
	// credentials or authorization code.
	ErrWrongCredentials = errors.New("wrong credentials")

	// ErrTokenFraudulent indicates a refresh token whose version is ahead of the
	// stored one. No issuance path produces such a token; treat as a security
	// signal, never as a routine rejection.
	ErrTokenFraudulent = errors.New("fraudulent token")

	// ErrInvalidToken indicates a token with a bad signature, expired claims, or
	// a stale (superseded) refresh version. Routine; the user just logs in again.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenCreation indicates a signing-backend failure (e.g. missing secret).
	ErrTokenCreation = errors.New("token creation failed")

	// ErrMissingConnection indicates an operation referenced a connection id the
	// registry does not track.
	ErrMissingConnection = errors.New("missing connection")

	// ErrStorage wraps account-store failures (generalized infra error).
	ErrStorage = errors.New("storage error")

	// ErrMessaging indicates a send on a connection's outbound channel failed.
	ErrMessaging = errors.New("messaging error")
)

// Registry-consistency failures. These are symptoms of a bug, not user error;
// callers must log them with connection and principal ids, never swallow them.
var (
	// ErrMissingEntry indicates a connection id was absent from the principal
	// index where it was required to be (index corruption).
	ErrMissingEntry = errors.New("missing index entry")

	// ErrHasActiveSession indicates removal was refused because the connection
	// still holds a live game session; teardown must run first.
	ErrHasActiveSession = errors.New("connection has active session")
)
