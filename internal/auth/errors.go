package auth

import "errors"

// Sentinel errors returned by Service. Callers map them to responses with errors.Is;
// the wrapped message carries the detail that is safe to show a user.
var (
	ErrInvalidState        = errors.New("invalid or expired state parameter")
	ErrTokenExchangeFailed = errors.New("failed to exchange code for token")
	ErrInvalidToken        = errors.New("invalid ID token")
	ErrIdentityMismatch    = errors.New("user ID mismatch")
	ErrUserInfoFailed      = errors.New("failed to get user info")
	ErrAudienceMismatch    = errors.New("token not issued for this application")
	ErrNoRefreshToken      = errors.New("no refresh token available")
	ErrRefreshFailed       = errors.New("failed to refresh token")
	ErrNotAuthenticated    = errors.New("not authenticated")
	ErrInfrastructure      = errors.New("authentication error")
)
