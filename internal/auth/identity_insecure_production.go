//go:build production

package auth

import (
	"errors"

	"github.com/chatstack/chatstack-auth/internal/logging"
)

// NewInsecureVerifier always fails in production builds.
func NewInsecureVerifier(logging.Logger) (IdentityVerifier, error) {
	return nil, errors.New("insecure ID token verification is not available in production builds")
}
