// Package store persists the short-lived OAuth login artifacts (CSRF state and
// PKCE verifier) and the user records the flow reconciles against.
package store

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is how long a state/verifier pair stays usable after creation.
const DefaultTTL = 600 * time.Second

// ErrNotFound reports an absent record. Expired state and verifier records are
// reported the same way.
var ErrNotFound = errors.New("not found")

// StateRecord is a one-time CSRF state issued at login initiation.
type StateRecord struct {
	State     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// VerifierRecord is the PKCE code verifier bound to a state.
type VerifierRecord struct {
	State        string
	CodeVerifier string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// User is the locally stored profile of a provider account.
type User struct {
	ID           string
	Email        string
	Name         string
	Picture      string
	RefreshToken string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// StateStore keeps state and verifier records keyed by the state string.
type StateStore interface {
	SaveState(ctx context.Context, state string, createdAt time.Time) error
	// GetState returns ErrNotFound for absent or expired states; an expired
	// state is deleted as a side effect.
	GetState(ctx context.Context, state string) (*StateRecord, error)
	DeleteState(ctx context.Context, state string) (bool, error)
	// ConsumeState atomically removes the state and returns it. Of two
	// concurrent callers at most one receives the record.
	ConsumeState(ctx context.Context, state string) (*StateRecord, error)
	SweepExpiredStates(ctx context.Context) (int64, error)

	SaveVerifier(ctx context.Context, state, codeVerifier string, createdAt time.Time) error
	GetVerifier(ctx context.Context, state string) (*VerifierRecord, error)
	DeleteVerifier(ctx context.Context, state string) (bool, error)
	ConsumeVerifier(ctx context.Context, state string) (*VerifierRecord, error)
	SweepExpiredVerifiers(ctx context.Context) (int64, error)
}

// UserStore persists user profiles and their provider refresh tokens.
type UserStore interface {
	// UpsertUser creates the user or updates its profile fields. The stored
	// refresh token is left untouched.
	UpsertUser(ctx context.Context, user User) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	// SaveRefreshToken overwrites the refresh token of an existing user.
	SaveRefreshToken(ctx context.Context, userID, refreshToken string) error
	// GetRefreshToken returns ErrNotFound when the user has none.
	GetRefreshToken(ctx context.Context, userID string) (string, error)
}

// Store bundles both interfaces with a shutdown hook.
type Store interface {
	StateStore
	UserStore
	Close() error
}

func expired(expiresAt, now time.Time) bool {
	return now.After(expiresAt)
}
