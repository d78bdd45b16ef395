package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/chatstack/chatstack-auth/internal/auth"
)

// statusFor maps auth errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidState),
		errors.Is(err, auth.ErrTokenExchangeFailed):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrIdentityMismatch),
		errors.Is(err, auth.ErrUserInfoFailed),
		errors.Is(err, auth.ErrAudienceMismatch),
		errors.Is(err, auth.ErrNoRefreshToken),
		errors.Is(err, auth.ErrRefreshFailed),
		errors.Is(err, auth.ErrNotAuthenticated):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage returns the text shown to the user for err. Infrastructure
// details stay in the logs.
func publicMessage(err error) string {
	if statusFor(err) == http.StatusInternalServerError {
		return "Authentication error"
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeMessage(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, map[string]string{"message": message})
}
