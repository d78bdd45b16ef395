package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var t0 = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

type factory func(t *testing.T, clock *fakeClock) Store

func backends() map[string]factory {
	return map[string]factory{
		"memory": func(t *testing.T, clock *fakeClock) Store {
			return NewMemory(WithClock(clock.now))
		},
		"sqlite": func(t *testing.T, clock *fakeClock) Store {
			name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
			dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
			s, err := Open(context.Background(), "sqlite", dsn, WithClock(clock.now))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store, clock *fakeClock)) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{t: t0}
			fn(t, newStore(t, clock), clock)
		})
	}
}

func TestState_Lifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()

		require.NoError(t, s.SaveState(ctx, "abc", t0))
		require.NoError(t, s.SaveState(ctx, "abc", t0))

		rec, err := s.GetState(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, "abc", rec.State)
		assert.True(t, rec.CreatedAt.Equal(t0))
		assert.True(t, rec.ExpiresAt.Equal(t0.Add(DefaultTTL)))

		deleted, err := s.DeleteState(ctx, "abc")
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = s.DeleteState(ctx, "abc")
		require.NoError(t, err)
		assert.False(t, deleted)

		_, err = s.GetState(ctx, "abc")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestState_LazyExpiry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, s.SaveState(ctx, "abc", t0))

		clock.advance(DefaultTTL)
		_, err := s.GetState(ctx, "abc")
		require.NoError(t, err, "state is still valid exactly at expires_at")

		clock.advance(time.Second)
		_, err = s.GetState(ctx, "abc")
		assert.ErrorIs(t, err, ErrNotFound)

		deleted, err := s.DeleteState(ctx, "abc")
		require.NoError(t, err)
		assert.False(t, deleted, "expired state should have been removed on read")
	})
}

func TestState_ConsumeOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, s.SaveState(ctx, "abc", t0))

		rec, err := s.ConsumeState(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, "abc", rec.State)

		_, err = s.ConsumeState(ctx, "abc")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestState_ConsumeExpired(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, s.SaveState(ctx, "abc", t0))

		clock.advance(DefaultTTL + time.Second)
		_, err := s.ConsumeState(ctx, "abc")
		assert.ErrorIs(t, err, ErrNotFound)

		clock.advance(-DefaultTTL - time.Second)
		_, err = s.GetState(ctx, "abc")
		assert.ErrorIs(t, err, ErrNotFound, "expired consume must still delete")
	})
}

func TestState_ConcurrentConsume(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, s.SaveState(ctx, "race", t0))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.ConsumeState(ctx, "race"); err == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}

func TestState_Sweep(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, s.SaveState(ctx, "old-1", t0))
		require.NoError(t, s.SaveState(ctx, "old-2", t0))
		require.NoError(t, s.SaveState(ctx, "fresh", t0.Add(5*time.Minute)))

		clock.advance(DefaultTTL + time.Second)
		n, err := s.SweepExpiredStates(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		_, err = s.GetState(ctx, "fresh")
		assert.NoError(t, err)
	})
}

func TestVerifier_Lifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, s.SaveVerifier(ctx, "abc", "verifier-1", t0))
		require.NoError(t, s.SaveVerifier(ctx, "abc", "verifier-2", t0))

		rec, err := s.GetVerifier(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, "verifier-2", rec.CodeVerifier)

		rec, err = s.ConsumeVerifier(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, "verifier-2", rec.CodeVerifier)

		_, err = s.ConsumeVerifier(ctx, "abc")
		assert.ErrorIs(t, err, ErrNotFound)

		deleted, err := s.DeleteVerifier(ctx, "abc")
		require.NoError(t, err)
		assert.False(t, deleted)
	})
}

func TestVerifier_ExpiryAndSweep(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		require.NoError(t, s.SaveVerifier(ctx, "a", "v", t0))
		require.NoError(t, s.SaveVerifier(ctx, "b", "v", t0))

		clock.advance(DefaultTTL + time.Second)
		_, err := s.GetVerifier(ctx, "a")
		assert.ErrorIs(t, err, ErrNotFound)

		n, err := s.SweepExpiredVerifiers(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestUsers(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()

		created, err := s.UpsertUser(ctx, User{ID: "sub-1", Email: "a@example.com", Name: "A"})
		require.NoError(t, err)
		assert.Equal(t, "A", created.Name)
		assert.True(t, created.CreatedAt.Equal(t0))

		_, err = s.GetRefreshToken(ctx, "sub-1")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.SaveRefreshToken(ctx, "sub-1", "rt-1"))
		require.NoError(t, s.SaveRefreshToken(ctx, "sub-1", "rt-2"))

		clock.advance(time.Minute)
		updated, err := s.UpsertUser(ctx, User{ID: "sub-1", Email: "a@example.com", Name: "A2", Picture: "p"})
		require.NoError(t, err)
		assert.Equal(t, "A2", updated.Name)
		assert.Equal(t, "p", updated.Picture)
		assert.Equal(t, "rt-2", updated.RefreshToken, "upsert keeps the refresh token")
		assert.True(t, updated.CreatedAt.Equal(t0))
		assert.True(t, updated.UpdatedAt.Equal(t0.Add(time.Minute)))

		token, err := s.GetRefreshToken(ctx, "sub-1")
		require.NoError(t, err)
		assert.Equal(t, "rt-2", token)

		byEmail, err := s.GetUserByEmail(ctx, "a@example.com")
		require.NoError(t, err)
		assert.Equal(t, "sub-1", byEmail.ID)

		_, err = s.GetUser(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.SaveRefreshToken(ctx, "missing", "rt"), ErrNotFound)

		_, err = s.UpsertUser(ctx, User{ID: "sub-2", Email: "a@example.com", Name: "B"})
		assert.Error(t, err, "email is unique across users")
	})
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mongo", "mongodb://localhost")
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	got := rebind(`UPDATE users SET refresh_token = ?, updated_at = ? WHERE id = ?`)
	assert.Equal(t, `UPDATE users SET refresh_token = $1, updated_at = $2 WHERE id = $3`, got)
}
