package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned by Verify for every rejected session token.
var ErrInvalidToken = errors.New("invalid session token")

// Manager issues and verifies HS256 session tokens.
type Manager struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source used for issuing and validating tokens.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager constructs a Manager with shared secret key.
func NewManager(signingKey string, ttl time.Duration, opts ...Option) (*Manager, error) {
	if signingKey == "" {
		return nil, errors.New("signing key is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	m := &Manager{
		key: []byte(signingKey),
		ttl: ttl,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// SessionClaims is the identity carried by a session token.
type SessionClaims struct {
	Subject   string
	Email     string
	Name      string
	Picture   string
	ExpiresAt time.Time
}

type tokenClaims struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

// TTL returns the default session lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Mint creates a signed token with the default TTL and returns it with its expiry.
func (m *Manager) Mint(claims SessionClaims) (string, time.Time, error) {
	return m.MintWithTTL(claims, m.ttl)
}

// MintWithTTL creates a signed token valid for ttl. Any ExpiresAt set on claims is ignored.
func (m *Manager) MintWithTTL(claims SessionClaims, ttl time.Duration) (string, time.Time, error) {
	if claims.Subject == "" {
		return "", time.Time{}, errors.New("subject claim is required")
	}
	if claims.Email == "" {
		return "", time.Time{}, errors.New("email claim is required")
	}

	now := m.now()
	exp := now.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		Email:   claims.Email,
		Name:    claims.Name,
		Picture: claims.Picture,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := token.SignedString(m.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign jwt: %w", err)
	}
	return signed, exp, nil
}

// Verify validates a serialized token and returns its claims. Every failure,
// including malformed input, yields ErrInvalidToken.
func (m *Manager) Verify(tokenString string) (SessionClaims, error) {
	if tokenString == "" {
		return SessionClaims{}, ErrInvalidToken
	}

	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" || claims.Email == "" {
		return SessionClaims{}, ErrInvalidToken
	}

	return SessionClaims{
		Subject:   claims.Subject,
		Email:     claims.Email,
		Name:      claims.Name,
		Picture:   claims.Picture,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
