package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"

	"github.com/chatstack/chatstack-auth/internal/config"
	"github.com/chatstack/chatstack-auth/internal/jwt"
	"github.com/chatstack/chatstack-auth/internal/logging"
	"github.com/chatstack/chatstack-auth/internal/store"
)

const (
	testClientID     = "client-123.apps.googleusercontent.com"
	testClientSecret = "client-secret-value"
	testIssuer       = "https://accounts.google.com"
	testSubject      = "1234567890"
	testEmail        = "alice@example.com"
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

// stubGoogle serves the token, userinfo, tokeninfo and JWKS endpoints.
type stubGoogle struct {
	t      *testing.T
	server *httptest.Server
	clock  *fakeClock

	key     *rsa.PrivateKey
	foreign *rsa.PrivateKey

	mu           sync.Mutex
	idIssuer     string
	idAudience   string
	idSubject    string
	userSubject  string
	signForeign  bool
	refreshToken string
	gotVerifier  string
	refreshCalls int
}

func newStubGoogle(t *testing.T, clock *fakeClock) *stubGoogle {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	foreign, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	s := &stubGoogle{
		t:            t,
		clock:        clock,
		key:          key,
		foreign:      foreign,
		idIssuer:     testIssuer,
		idAudience:   testClientID,
		idSubject:    testSubject,
		userSubject:  testSubject,
		refreshToken: "refresh-1",
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", s.handleToken)
	mux.HandleFunc("/userinfo", s.handleUserInfo)
	mux.HandleFunc("/tokeninfo", s.handleTokenInfo)
	mux.HandleFunc("/jwks", s.handleJWKS)
	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)
	return s
}

func (s *stubGoogle) set(fn func(s *stubGoogle)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *stubGoogle) verifierSeen() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gotVerifier
}

func (s *stubGoogle) refreshCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls
}

func (s *stubGoogle) endpoints() config.GoogleEndpoints {
	return config.GoogleEndpoints{
		Issuer:       testIssuer,
		AuthURL:      s.server.URL + "/auth",
		TokenURL:     s.server.URL + "/token",
		UserInfoURL:  s.server.URL + "/userinfo",
		TokenInfoURL: s.server.URL + "/tokeninfo",
		JWKSURL:      s.server.URL + "/jwks",
	}
}

func (s *stubGoogle) idToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.key
	if s.signForeign {
		key = s.foreign
	}
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.RS256,
		Key:       jose.JSONWebKey{Key: key, KeyID: "test", Algorithm: string(jose.RS256)},
	}, (&jose.SignerOptions{}).WithType("JWT"))
	require.NoError(s.t, err)

	now := s.clock.now()
	raw, err := josejwt.Signed(signer).Claims(map[string]any{
		"iss":   s.idIssuer,
		"aud":   s.idAudience,
		"sub":   s.idSubject,
		"email": testEmail,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}).Serialize()
	require.NoError(s.t, err)
	return raw
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *stubGoogle) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	if r.PostForm.Get("client_id") != testClientID || r.PostForm.Get("client_secret") != testClientSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		if r.PostForm.Get("code") != "validcode" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":             "invalid_grant",
				"error_description": "Malformed auth code.",
			})
			return
		}
		s.set(func(s *stubGoogle) { s.gotVerifier = r.PostForm.Get("code_verifier") })
		resp := map[string]any{
			"access_token": "access-1",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     s.idToken(),
		}
		s.mu.Lock()
		if s.refreshToken != "" {
			resp["refresh_token"] = s.refreshToken
		}
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, resp)
	case "refresh_token":
		s.mu.Lock()
		s.refreshCalls++
		accepted := r.PostForm.Get("refresh_token") == "refresh-1"
		s.mu.Unlock()
		if !accepted {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "Token has been expired or revoked."})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "access-2",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (s *stubGoogle) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	switch r.Header.Get("Authorization") {
	case "Bearer access-1", "Bearer access-2", "Bearer direct-1":
	default:
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
		return
	}
	s.mu.Lock()
	sub := s.userSubject
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"sub":            sub,
		"email":          testEmail,
		"email_verified": true,
		"name":           "Alice",
		"picture":        "https://example.com/alice.png",
	})
}

func (s *stubGoogle) handleTokenInfo(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("access_token") {
	case "direct-1":
		writeJSON(w, http.StatusOK, map[string]any{"aud": testClientID, "sub": testSubject, "email": testEmail})
	case "foreign-1":
		writeJSON(w, http.StatusOK, map[string]any{"aud": "someone-else.apps.googleusercontent.com", "sub": testSubject})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error_description": "Invalid Value"})
	}
}

func (s *stubGoogle) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &s.key.PublicKey,
		KeyID:     "test",
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
}

type harness struct {
	svc    *Service
	store  *store.Memory
	tokens *jwt.Manager
	google *stubGoogle
	clock  *fakeClock
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	clock := &fakeClock{t: time.Now().UTC().Truncate(time.Second)}
	google := newStubGoogle(t, clock)

	cfg := config.Config{
		Environment:     "development",
		ClientID:        testClientID,
		ClientSecret:    testClientSecret,
		RedirectURL:     "http://localhost:8000/api/auth/google-callback",
		Google:          google.endpoints(),
		ProviderTimeout: 5 * time.Second,
	}

	st := store.NewMemory(store.WithClock(clock.now))
	tokens, err := jwt.NewManager("test-signing-key", time.Hour, jwt.WithClock(clock.now))
	require.NoError(t, err)

	opts = append([]Option{WithClock(clock.now)}, opts...)
	svc, err := NewService(context.Background(), cfg, st, tokens, logging.Nop(), opts...)
	require.NoError(t, err)

	return &harness{svc: svc, store: st, tokens: tokens, google: google, clock: clock}
}
