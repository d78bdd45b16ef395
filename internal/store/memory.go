package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-memory Store. It is suitable for a single process only;
// login attempts do not survive a restart.
type Memory struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	states    map[string]StateRecord
	verifiers map[string]VerifierRecord
	users     map[string]User
}

// Option configures a store backend.
type Option func(*options)

type options struct {
	ttl time.Duration
	now func() time.Time
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewMemory returns an empty in-process Store.
func NewMemory(opts ...Option) *Memory {
	o := buildOptions(opts)
	return &Memory{
		ttl:       o.ttl,
		now:       o.now,
		states:    make(map[string]StateRecord),
		verifiers: make(map[string]VerifierRecord),
		users:     make(map[string]User),
	}
}

// SaveState records state, replacing any previous record for it.
func (m *Memory) SaveState(_ context.Context, state string, createdAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state] = StateRecord{
		State:     state,
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(m.ttl),
	}
	return nil
}

// GetState returns a live state. Expired records are removed and reported as ErrNotFound.
func (m *Memory) GetState(_ context.Context, state string) (*StateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.states[state]
	if !ok {
		return nil, ErrNotFound
	}
	if expired(rec.ExpiresAt, m.now()) {
		delete(m.states, state)
		return nil, ErrNotFound
	}
	return &rec, nil
}

// DeleteState removes state and reports whether it existed.
func (m *Memory) DeleteState(_ context.Context, state string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.states[state]
	delete(m.states, state)
	return ok, nil
}

// ConsumeState atomically removes state and returns it if it was still live.
func (m *Memory) ConsumeState(_ context.Context, state string) (*StateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.states[state]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.states, state)
	if expired(rec.ExpiresAt, m.now()) {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// SweepExpiredStates deletes expired states and returns how many were removed.
func (m *Memory) SweepExpiredStates(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int64
	for key, rec := range m.states {
		if expired(rec.ExpiresAt, now) {
			delete(m.states, key)
			n++
		}
	}
	return n, nil
}

// SaveVerifier records the PKCE code verifier for state.
func (m *Memory) SaveVerifier(_ context.Context, state, codeVerifier string, createdAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifiers[state] = VerifierRecord{
		State:        state,
		CodeVerifier: codeVerifier,
		CreatedAt:    createdAt,
		ExpiresAt:    createdAt.Add(m.ttl),
	}
	return nil
}

// GetVerifier returns the live code verifier for state.
func (m *Memory) GetVerifier(_ context.Context, state string) (*VerifierRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.verifiers[state]
	if !ok {
		return nil, ErrNotFound
	}
	if expired(rec.ExpiresAt, m.now()) {
		delete(m.verifiers, state)
		return nil, ErrNotFound
	}
	return &rec, nil
}

// DeleteVerifier removes the verifier for state and reports whether it existed.
func (m *Memory) DeleteVerifier(_ context.Context, state string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.verifiers[state]
	delete(m.verifiers, state)
	return ok, nil
}

// ConsumeVerifier atomically removes the verifier for state and returns it if it was still live.
func (m *Memory) ConsumeVerifier(_ context.Context, state string) (*VerifierRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.verifiers[state]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.verifiers, state)
	if expired(rec.ExpiresAt, m.now()) {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// SweepExpiredVerifiers deletes expired verifiers and returns how many were removed.
func (m *Memory) SweepExpiredVerifiers(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int64
	for key, rec := range m.verifiers {
		if expired(rec.ExpiresAt, now) {
			delete(m.verifiers, key)
			n++
		}
	}
	return n, nil
}

// UpsertUser creates or updates the profile of user.ID. The stored refresh token is kept.
func (m *Memory) UpsertUser(_ context.Context, user User) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, other := range m.users {
		if id != user.ID && other.Email == user.Email {
			return nil, fmt.Errorf("db error: email %q already belongs to another user", user.Email)
		}
	}

	now := m.now()
	existing, ok := m.users[user.ID]
	if ok {
		existing.Email = user.Email
		existing.Name = user.Name
		existing.Picture = user.Picture
		existing.UpdatedAt = now
	} else {
		existing = User{
			ID:        user.ID,
			Email:     user.Email,
			Name:      user.Name,
			Picture:   user.Picture,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	m.users[user.ID] = existing
	return &existing, nil
}

// GetUser looks a user up by subject.
func (m *Memory) GetUser(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

// GetUserByEmail looks a user up by email address.
func (m *Memory) GetUserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

// SaveRefreshToken replaces the refresh token of an existing user.
func (m *Memory) SaveRefreshToken(_ context.Context, userID, refreshToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.RefreshToken = refreshToken
	u.UpdatedAt = m.now()
	m.users[userID] = u
	return nil
}

// GetRefreshToken returns the stored refresh token, or ErrNotFound when there is none.
func (m *Memory) GetRefreshToken(_ context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok || u.RefreshToken == "" {
		return "", ErrNotFound
	}
	return u.RefreshToken, nil
}

// Close is a no-op for the in-process store.
func (m *Memory) Close() error {
	return nil
}
