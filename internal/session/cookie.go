// Package session attaches session tokens to responses and guards routes that
// need a signed-in user.
package session

import (
	"net/http"
	"time"
)

// DefaultCookieName is the cookie the frontend expects the session in.
const DefaultCookieName = "session_token"

// CookieManager writes, clears and reads the session cookie.
type CookieManager struct {
	name   string
	domain string
	secure bool
	maxAge time.Duration
}

// NewCookieManager returns a CookieManager. Production cookies are Secure and
// SameSite=None so a frontend on another origin can send them; otherwise they
// are SameSite=Lax for plain-http development.
func NewCookieManager(name, domain string, production bool, maxAge time.Duration) *CookieManager {
	if name == "" {
		name = DefaultCookieName
	}
	return &CookieManager{
		name:   name,
		domain: domain,
		secure: production,
		maxAge: maxAge,
	}
}

// Name returns the cookie name.
func (c *CookieManager) Name() string {
	return c.name
}

// Attach sets the session cookie to token.
func (c *CookieManager) Attach(w http.ResponseWriter, token string) {
	http.SetCookie(w, c.cookie(token, int(c.maxAge/time.Second)))
}

// Clear expires the session cookie.
func (c *CookieManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, c.cookie("", -1))
}

// Read returns the session cookie value, or "" when the request carries none.
func (c *CookieManager) Read(r *http.Request) string {
	cookie, err := r.Cookie(c.name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (c *CookieManager) cookie(value string, maxAge int) *http.Cookie {
	cookie := &http.Cookie{
		Name:     c.name,
		Value:    value,
		MaxAge:   maxAge,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if c.secure {
		cookie.Secure = true
		cookie.SameSite = http.SameSiteNoneMode
	}
	if c.domain != "" {
		cookie.Domain = c.domain
	}
	return cookie
}
