package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SQL dialects understood by the SQL store.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// DBTX is the subset of database/sql used by the SQL store.
// Both *sql.DB and *sql.Tx satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQL implements Store over database/sql. Timestamps are unix milliseconds.
type SQL struct {
	db      DBTX
	closer  func() error
	dialect string
	ttl     time.Duration
	now     func() time.Time
}

// NewSQL binds a SQL store to db. Queries are written with "?" placeholders
// and rewritten for PostgreSQL.
func NewSQL(db DBTX, dialect string, opts ...Option) *SQL {
	o := buildOptions(opts)
	s := &SQL{
		db:      db,
		dialect: dialect,
		ttl:     o.ttl,
		now:     o.now,
	}
	if c, ok := db.(interface{ Close() error }); ok {
		s.closer = c.Close
	}
	return s
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func (s *SQL) q(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	return rebind(query)
}

// rebind turns "?" placeholders into PostgreSQL's "$n" form.
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SaveState records state, replacing any previous record for it.
func (s *SQL) SaveState(ctx context.Context, state string, createdAt time.Time) error {
	query := `
		INSERT INTO oauth_states (state, created_at, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (state) DO UPDATE SET
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`
	_, err := s.db.ExecContext(ctx, s.q(query), state, toMillis(createdAt), toMillis(createdAt.Add(s.ttl)))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// GetState returns a live state. Expired records are removed and reported as ErrNotFound.
func (s *SQL) GetState(ctx context.Context, state string) (*StateRecord, error) {
	query := `
		SELECT created_at, expires_at
		FROM oauth_states
		WHERE state = ?
	`
	var createdAt, expiresAt int64
	if err := s.db.QueryRowContext(ctx, s.q(query), state).Scan(&createdAt, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	rec := &StateRecord{State: state, CreatedAt: fromMillis(createdAt), ExpiresAt: fromMillis(expiresAt)}
	if expired(rec.ExpiresAt, s.now()) {
		if _, err := s.DeleteState(ctx, state); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return rec, nil
}

// DeleteState removes state and reports whether it existed.
func (s *SQL) DeleteState(ctx context.Context, state string) (bool, error) {
	return s.deleteByState(ctx, "oauth_states", state)
}

// ConsumeState atomically removes state and returns it if it was still live.
func (s *SQL) ConsumeState(ctx context.Context, state string) (*StateRecord, error) {
	query := `
		DELETE FROM oauth_states
		WHERE state = ?
		RETURNING created_at, expires_at
	`
	var createdAt, expiresAt int64
	if err := s.db.QueryRowContext(ctx, s.q(query), state).Scan(&createdAt, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	rec := &StateRecord{State: state, CreatedAt: fromMillis(createdAt), ExpiresAt: fromMillis(expiresAt)}
	if expired(rec.ExpiresAt, s.now()) {
		return nil, ErrNotFound
	}
	return rec, nil
}

// SweepExpiredStates deletes expired states and returns how many were removed.
func (s *SQL) SweepExpiredStates(ctx context.Context) (int64, error) {
	return s.sweep(ctx, "oauth_states")
}

// SaveVerifier records the PKCE code verifier for state.
func (s *SQL) SaveVerifier(ctx context.Context, state, codeVerifier string, createdAt time.Time) error {
	query := `
		INSERT INTO code_verifiers (state, code_verifier, created_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (state) DO UPDATE SET
			code_verifier = excluded.code_verifier,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`
	_, err := s.db.ExecContext(ctx, s.q(query), state, codeVerifier, toMillis(createdAt), toMillis(createdAt.Add(s.ttl)))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// GetVerifier returns the live code verifier for state.
func (s *SQL) GetVerifier(ctx context.Context, state string) (*VerifierRecord, error) {
	query := `
		SELECT code_verifier, created_at, expires_at
		FROM code_verifiers
		WHERE state = ?
	`
	rec := &VerifierRecord{State: state}
	var createdAt, expiresAt int64
	if err := s.db.QueryRowContext(ctx, s.q(query), state).Scan(&rec.CodeVerifier, &createdAt, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	rec.CreatedAt, rec.ExpiresAt = fromMillis(createdAt), fromMillis(expiresAt)
	if expired(rec.ExpiresAt, s.now()) {
		if _, err := s.DeleteVerifier(ctx, state); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return rec, nil
}

// DeleteVerifier removes the verifier for state and reports whether it existed.
func (s *SQL) DeleteVerifier(ctx context.Context, state string) (bool, error) {
	return s.deleteByState(ctx, "code_verifiers", state)
}

// ConsumeVerifier atomically removes the verifier for state and returns it if it was still live.
func (s *SQL) ConsumeVerifier(ctx context.Context, state string) (*VerifierRecord, error) {
	query := `
		DELETE FROM code_verifiers
		WHERE state = ?
		RETURNING code_verifier, created_at, expires_at
	`
	rec := &VerifierRecord{State: state}
	var createdAt, expiresAt int64
	if err := s.db.QueryRowContext(ctx, s.q(query), state).Scan(&rec.CodeVerifier, &createdAt, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	rec.CreatedAt, rec.ExpiresAt = fromMillis(createdAt), fromMillis(expiresAt)
	if expired(rec.ExpiresAt, s.now()) {
		return nil, ErrNotFound
	}
	return rec, nil
}

// SweepExpiredVerifiers deletes expired verifiers and returns how many were removed.
func (s *SQL) SweepExpiredVerifiers(ctx context.Context) (int64, error) {
	return s.sweep(ctx, "code_verifiers")
}

// deleteByState and sweep only ever receive the two fixed table names above.
func (s *SQL) deleteByState(ctx context.Context, table, state string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM `+table+` WHERE state = ?`), state)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return n > 0, nil
}

func (s *SQL) sweep(ctx context.Context, table string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM `+table+` WHERE expires_at < ?`), toMillis(s.now()))
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

const userColumns = `id, email, name, picture, refresh_token, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	u := &User{}
	var createdAt, updatedAt int64
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Picture, &u.RefreshToken, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	u.CreatedAt, u.UpdatedAt = fromMillis(createdAt), fromMillis(updatedAt)
	return u, nil
}

// UpsertUser creates or updates the profile of user.ID. The stored refresh token is kept.
func (s *SQL) UpsertUser(ctx context.Context, user User) (*User, error) {
	query := `
		INSERT INTO users (id, email, name, picture, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			email = excluded.email,
			name = excluded.name,
			picture = excluded.picture,
			updated_at = excluded.updated_at
		RETURNING ` + userColumns
	now := toMillis(s.now())
	u, err := scanUser(s.db.QueryRowContext(ctx, s.q(query), user.ID, user.Email, user.Name, user.Picture, now, now))
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return u, nil
}

// GetUser looks a user up by subject.
func (s *SQL) GetUser(ctx context.Context, id string) (*User, error) {
	return s.getUserBy(ctx, "id", id)
}

// GetUserByEmail looks a user up by email address.
func (s *SQL) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUserBy(ctx, "email", email)
}

func (s *SQL) getUserBy(ctx context.Context, column, value string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE ` + column + ` = ?`
	u, err := scanUser(s.db.QueryRowContext(ctx, s.q(query), value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return u, nil
}

// SaveRefreshToken replaces the refresh token of an existing user.
func (s *SQL) SaveRefreshToken(ctx context.Context, userID, refreshToken string) error {
	query := `
		UPDATE users SET refresh_token = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, s.q(query), refreshToken, toMillis(s.now()), userID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRefreshToken returns the stored refresh token, or ErrNotFound when there is none.
func (s *SQL) GetRefreshToken(ctx context.Context, userID string) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT refresh_token FROM users WHERE id = ?`), userID).Scan(&token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("db error: %w", err)
	}
	if token == "" {
		return "", ErrNotFound
	}
	return token, nil
}

// Close closes the underlying database when it owns one.
func (s *SQL) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
