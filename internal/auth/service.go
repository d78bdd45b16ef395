package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/chatstack/chatstack-auth/internal/config"
	"github.com/chatstack/chatstack-auth/internal/jwt"
	"github.com/chatstack/chatstack-auth/internal/logging"
	"github.com/chatstack/chatstack-auth/internal/store"
)

// Service runs the Google login flow: PKCE + state issuance, the callback
// exchange, direct access-token checks and session refresh.
type Service struct {
	provider *googleProvider
	identity IdentityVerifier
	states   store.StateStore
	users    store.UserStore
	tokens   *jwt.Manager
	clientID string
	log      logging.Logger
	now      func() time.Time
}

// Session is the outcome of a successful callback.
type Session struct {
	Token     string
	ExpiresAt time.Time
	User      UserInfo
}

// Option customizes a Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	now        func() time.Time
	identity   IdentityVerifier
	httpClient *http.Client
}

// WithClock overrides the time source used for state timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *serviceOptions) { o.now = now }
}

// WithIdentityVerifier replaces the verifier selected from configuration.
func WithIdentityVerifier(v IdentityVerifier) Option {
	return func(o *serviceOptions) { o.identity = v }
}

// WithHTTPClient replaces the client used for provider calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *serviceOptions) { o.httpClient = c }
}

// NewService creates a Service from config. ctx bounds the lifetime of the
// background key set refreshes.
func NewService(ctx context.Context, cfg config.Config, st store.Store, tokens *jwt.Manager, log logging.Logger, opts ...Option) (*Service, error) {
	if tokens == nil {
		return nil, errors.New("token manager is required")
	}
	if log == nil {
		log = logging.Nop()
	}
	o := serviceOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = newHTTPClient(cfg.ProviderTimeout)
	}

	provider := newGoogleProvider(ctx, cfg, o.httpClient)

	identity := o.identity
	if identity == nil {
		if cfg.InsecureSkipIDTokenVerify {
			if cfg.IsProduction() {
				return nil, errors.New("insecure ID token verification cannot be used in production")
			}
			v, err := NewInsecureVerifier(log)
			if err != nil {
				return nil, err
			}
			identity = v
		} else {
			keys := oidc.NewRemoteKeySet(oidc.ClientContext(ctx, o.httpClient), cfg.Google.JWKSURL)
			identity = NewOIDCVerifier(cfg.Google.Issuer, keys, o.now)
		}
	}

	return &Service{
		provider: provider,
		identity: identity,
		states:   st,
		users:    st,
		tokens:   tokens,
		clientID: cfg.ClientID,
		log:      log,
		now:      o.now,
	}, nil
}

// InitiateLogin stores a fresh state and PKCE verifier and returns the provider
// authorization URL bound to them.
func (s *Service) InitiateLogin(ctx context.Context) (string, error) {
	state, err := newState()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInfrastructure, err)
	}
	codeVerifier, err := newCodeVerifier()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInfrastructure, err)
	}

	now := s.now()
	if err := s.states.SaveState(ctx, state, now); err != nil {
		return "", fmt.Errorf("%w: save state: %v", ErrInfrastructure, err)
	}
	if err := s.states.SaveVerifier(ctx, state, codeVerifier, now); err != nil {
		return "", fmt.Errorf("%w: save code verifier: %v", ErrInfrastructure, err)
	}
	s.sweep(ctx)

	s.log.Debug(ctx, "login initiated", "state_prefix", state[:8])
	return s.provider.authCodeURL(state, pkceChallenge(codeVerifier)), nil
}

// sweep drops expired login attempts. Expiry is enforced on read as well, so a
// failed sweep is only logged.
func (s *Service) sweep(ctx context.Context) {
	states, err := s.states.SweepExpiredStates(ctx)
	if err != nil {
		s.log.Warn(ctx, "sweep expired states failed", "error", err)
	}
	verifiers, err := s.states.SweepExpiredVerifiers(ctx)
	if err != nil {
		s.log.Warn(ctx, "sweep expired code verifiers failed", "error", err)
	}
	if states > 0 || verifiers > 0 {
		s.log.Debug(ctx, "swept expired login attempts", "states", states, "verifiers", verifiers)
	}
}

// HandleCallback completes a login. The state and its verifier are consumed
// before anything else, so each state can back at most one attempt whatever the
// outcome.
func (s *Service) HandleCallback(ctx context.Context, code, state string) (*Session, error) {
	if state == "" {
		return nil, ErrInvalidState
	}
	_, stateErr := s.states.ConsumeState(ctx, state)
	verifier, verifierErr := s.states.ConsumeVerifier(ctx, state)
	if err := consumeError(stateErr, "state"); err != nil {
		return nil, err
	}
	if err := consumeError(verifierErr, "code verifier"); err != nil {
		return nil, err
	}
	if code == "" {
		return nil, fmt.Errorf("%w: authorization code is required", ErrTokenExchangeFailed)
	}

	token, err := s.provider.exchange(ctx, code, verifier.CodeVerifier)
	if err != nil {
		if isTransportError(err) {
			return nil, fmt.Errorf("%w: token endpoint: %v", ErrInfrastructure, err)
		}
		return nil, fmt.Errorf("%w: %s", ErrTokenExchangeFailed, providerErrorText(err))
	}

	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, fmt.Errorf("%w: id_token not found in token response", ErrInvalidToken)
	}
	subject, err := s.identity.Verify(ctx, rawIDToken, s.clientID)
	if err != nil {
		return nil, err
	}

	user, err := s.provider.userInfo(ctx, token.AccessToken)
	if err != nil {
		return nil, userInfoError(err)
	}
	if user.ID != subject {
		s.log.Warn(ctx, "ID token subject does not match user info", "id_token_sub", subject, "userinfo_sub", user.ID)
		return nil, ErrIdentityMismatch
	}
	if user.Email == "" {
		return nil, fmt.Errorf("%w: email is missing", ErrUserInfoFailed)
	}

	if _, err := s.users.UpsertUser(ctx, store.User{
		ID:      user.ID,
		Email:   user.Email,
		Name:    user.Name,
		Picture: user.Picture,
	}); err != nil {
		return nil, fmt.Errorf("%w: save user: %v", ErrInfrastructure, err)
	}
	if token.RefreshToken != "" {
		if err := s.users.SaveRefreshToken(ctx, user.ID, token.RefreshToken); err != nil {
			return nil, fmt.Errorf("%w: save refresh token: %v", ErrInfrastructure, err)
		}
	}

	sessionToken, expiresAt, err := s.tokens.Mint(jwt.SessionClaims{
		Subject: user.ID,
		Email:   user.Email,
		Name:    user.Name,
		Picture: user.Picture,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: issue session: %v", ErrInfrastructure, err)
	}

	s.log.Info(ctx, "authentication successful", "sub", user.ID)
	return &Session{Token: sessionToken, ExpiresAt: expiresAt, User: user}, nil
}

func userInfoError(err error) error {
	if isTransportError(err) {
		return fmt.Errorf("%w: user info endpoint: %v", ErrInfrastructure, err)
	}
	return fmt.Errorf("%w: %v", ErrUserInfoFailed, err)
}

func consumeError(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s not found", ErrInvalidState, what)
	default:
		return fmt.Errorf("%w: consume %s: %v", ErrInfrastructure, what, err)
	}
}

// AbortLogin discards a pending login attempt, for instance when the user
// declined consent at the provider.
func (s *Service) AbortLogin(ctx context.Context, state string) error {
	if state == "" {
		return nil
	}
	if _, err := s.states.DeleteState(ctx, state); err != nil {
		return fmt.Errorf("%w: %v", ErrInfrastructure, err)
	}
	if _, err := s.states.DeleteVerifier(ctx, state); err != nil {
		return fmt.Errorf("%w: %v", ErrInfrastructure, err)
	}
	return nil
}

// VerifyTokenDirect validates an access token obtained outside the redirect flow
// and returns the matching profile. It issues no session.
func (s *Service) VerifyTokenDirect(ctx context.Context, accessToken string) (UserInfo, error) {
	if accessToken == "" {
		return UserInfo{}, fmt.Errorf("%w: invalid authentication credentials", ErrInvalidToken)
	}

	info, err := s.provider.tokenInfo(ctx, accessToken)
	if err != nil {
		if errors.Is(err, errTokenInfoRejected) {
			return UserInfo{}, fmt.Errorf("%w: invalid authentication credentials", ErrInvalidToken)
		}
		return UserInfo{}, fmt.Errorf("%w: tokeninfo: %v", ErrInfrastructure, err)
	}
	if info.Audience != s.clientID {
		return UserInfo{}, ErrAudienceMismatch
	}

	user, err := s.provider.userInfo(ctx, accessToken)
	if err != nil {
		return UserInfo{}, userInfoError(err)
	}
	return user, nil
}

// RefreshSession proves the stored refresh token is still accepted by the
// provider and re-issues a session from the current claims. Profile fields are
// carried over as they are; they change only on the next full login.
func (s *Service) RefreshSession(ctx context.Context, claims jwt.SessionClaims) (string, time.Time, error) {
	if claims.Subject == "" {
		return "", time.Time{}, fmt.Errorf("%w: invalid user session", ErrNotAuthenticated)
	}

	refreshToken, err := s.users.GetRefreshToken(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", time.Time{}, ErrNoRefreshToken
		}
		return "", time.Time{}, fmt.Errorf("%w: load refresh token: %v", ErrInfrastructure, err)
	}

	token, err := s.provider.refresh(ctx, refreshToken)
	if err != nil {
		if isTransportError(err) {
			return "", time.Time{}, fmt.Errorf("%w: token endpoint: %v", ErrInfrastructure, err)
		}
		s.log.Warn(ctx, "refresh token rejected", "sub", claims.Subject, "reason", providerErrorText(err))
		return "", time.Time{}, ErrRefreshFailed
	}
	if token.RefreshToken != "" && token.RefreshToken != refreshToken {
		if err := s.users.SaveRefreshToken(ctx, claims.Subject, token.RefreshToken); err != nil {
			return "", time.Time{}, fmt.Errorf("%w: save refresh token: %v", ErrInfrastructure, err)
		}
	}

	sessionToken, expiresAt, err := s.tokens.Mint(jwt.SessionClaims{
		Subject: claims.Subject,
		Email:   claims.Email,
		Name:    claims.Name,
		Picture: claims.Picture,
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: issue session: %v", ErrInfrastructure, err)
	}
	return sessionToken, expiresAt, nil
}
