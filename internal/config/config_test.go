package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("GOOGLE_CLIENT_ID", "client-id")
	t.Setenv("GOOGLE_CLIENT_SECRET", "client-secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.Addr)
	assert.Equal(t, "development", cfg.Environment)
	assert.False(t, cfg.IsProduction())
	assert.Equal(t, "http://localhost:8000/api/auth/google-callback", cfg.RedirectURL)
	assert.Equal(t, "http://localhost:3000", cfg.FrontendURL)
	assert.Equal(t, time.Hour, cfg.SessionTTL)
	assert.Equal(t, 10*time.Minute, cfg.StateTTL)
	assert.Equal(t, 20, cfg.RateLimitMax)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, "session_token", cfg.CookieName)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, "https://accounts.google.com", cfg.Google.Issuer)
	assert.Equal(t, "https://oauth2.googleapis.com/token", cfg.Google.TokenURL)
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GOOGLE_CLIENT_ID")
	assert.Contains(t, err.Error(), "GOOGLE_CLIENT_SECRET")
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestLoad_DevelopmentAllowsMissingSecret(t *testing.T) {
	setRequired(t)
	t.Setenv("ENVIRONMENT", "development")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.JWTSecret)
}

func TestLoad_InsecureModeRefusedInProduction(t *testing.T) {
	setRequired(t)
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("INSECURE_SKIP_ID_TOKEN_VERIFY", "true")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INSECURE_SKIP_ID_TOKEN_VERIFY")
}

func TestLoad_RedirectFollowsBaseURL(t *testing.T) {
	setRequired(t)
	t.Setenv("BASE_URL", "https://api.example.com/")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/api/auth/google-callback", cfg.RedirectURL)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unknown driver", "DATABASE_DRIVER", "mongo"},
		{"zero session ttl", "SESSION_TTL", "0s"},
		{"relative frontend", "FRONTEND_URL", "/app"},
		{"relative chat backend", "CHAT_BACKEND_URL", "chat:8080"},
		{"zero rate limit", "RATE_LIMIT_MAX", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.val)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}
