package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

const (
	codeChallengeMethod = "S256"

	stateBytes = 32
	// 96 bytes encode to 128 characters, the longest verifier RFC 7636 allows.
	verifierBytes = 96
)

func randomString(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random string: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func newState() (string, error) {
	return randomString(stateBytes)
}

func newCodeVerifier() (string, error) {
	return randomString(verifierBytes)
}

func pkceChallenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}
