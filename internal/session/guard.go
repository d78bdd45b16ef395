package session

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/chatstack/chatstack-auth/internal/jwt"
)

// TokenVerifier validates a session token.
type TokenVerifier interface {
	Verify(token string) (jwt.SessionClaims, error)
}

// Guard resolves the signed-in user from the session cookie.
type Guard struct {
	cookies *CookieManager
	tokens  TokenVerifier
}

// NewGuard returns a Guard reading sessions through cookies and checking them with tokens.
func NewGuard(cookies *CookieManager, tokens TokenVerifier) *Guard {
	return &Guard{cookies: cookies, tokens: tokens}
}

// CurrentUser returns the claims of a valid session token.
func (g *Guard) CurrentUser(cookieValue string) (jwt.SessionClaims, bool) {
	if cookieValue == "" {
		return jwt.SessionClaims{}, false
	}
	claims, err := g.tokens.Verify(cookieValue)
	if err != nil {
		return jwt.SessionClaims{}, false
	}
	return claims, true
}

// FromRequest is CurrentUser applied to the request's session cookie.
func (g *Guard) FromRequest(r *http.Request) (jwt.SessionClaims, bool) {
	return g.CurrentUser(g.cookies.Read(r))
}

// Require rejects requests without a valid session with 401 and otherwise
// stores the claims in the request context.
func (g *Guard) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := g.FromRequest(r)
		if !ok {
			g.Reject(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), claims)))
	})
}

// Reject answers 401 and drops a stale session cookie if one was sent.
func (g *Guard) Reject(w http.ResponseWriter, r *http.Request) {
	if g.cookies.Read(r) != "" {
		g.cookies.Clear(w)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": "Not authenticated"})
}

type ctxKey struct{}

// NewContext returns a copy of ctx carrying claims.
func NewContext(ctx context.Context, claims jwt.SessionClaims) context.Context {
	return context.WithValue(ctx, ctxKey{}, claims)
}

// FromContext returns the claims stored by Require.
func FromContext(ctx context.Context) (jwt.SessionClaims, bool) {
	claims, ok := ctx.Value(ctxKey{}).(jwt.SessionClaims)
	return claims, ok
}
