package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

// IdentityVerifier checks a provider-issued ID token and returns its subject.
type IdentityVerifier interface {
	Verify(ctx context.Context, rawIDToken, audience string) (string, error)
}

// OIDCVerifier validates ID tokens against the provider's signing keys. It checks
// the signature, issuer, audience and expiry.
type OIDCVerifier struct {
	issuer string
	keys   oidc.KeySet
	now    func() time.Time
}

// NewOIDCVerifier builds a verifier for tokens minted by issuer and signed with keys.
// go-oidc also accepts Google's scheme-less "accounts.google.com" issuer.
func NewOIDCVerifier(issuer string, keys oidc.KeySet, now func() time.Time) *OIDCVerifier {
	if now == nil {
		now = time.Now
	}
	return &OIDCVerifier{issuer: issuer, keys: keys, now: now}
}

// Verify checks rawIDToken for audience and returns its subject. A signing key
// fetch that cannot reach the provider is reported as ErrInfrastructure.
func (v *OIDCVerifier) Verify(ctx context.Context, rawIDToken, audience string) (string, error) {
	keys := &recordingKeySet{inner: v.keys}
	verifier := oidc.NewVerifier(v.issuer, keys, &oidc.Config{
		ClientID:             audience,
		SupportedSigningAlgs: []string{oidc.RS256},
		Now:                  v.now,
	})
	token, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		if keyErr := keys.lastErr(); isTransportError(keyErr) {
			return "", fmt.Errorf("%w: signing keys: %v", ErrInfrastructure, keyErr)
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if token.Subject == "" {
		return "", fmt.Errorf("%w: subject claim is empty", ErrInvalidToken)
	}
	return token.Subject, nil
}

// recordingKeySet keeps the error of the last signature check. go-oidc
// flattens key set errors into text, which hides fetch failures from errors.As.
type recordingKeySet struct {
	inner oidc.KeySet

	mu  sync.Mutex
	err error
}

func (k *recordingKeySet) VerifySignature(ctx context.Context, rawJWT string) ([]byte, error) {
	payload, err := k.inner.VerifySignature(ctx, rawJWT)
	k.mu.Lock()
	k.err = err
	k.mu.Unlock()
	return payload, err
}

func (k *recordingKeySet) lastErr() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.err
}
