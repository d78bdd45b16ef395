// Package server exposes the authentication HTTP API.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chatstack/chatstack-auth/internal/auth"
	"github.com/chatstack/chatstack-auth/internal/jwt"
	"github.com/chatstack/chatstack-auth/internal/logging"
	"github.com/chatstack/chatstack-auth/internal/ratelimit"
	"github.com/chatstack/chatstack-auth/internal/session"
)

// AuthService is the login flow used by the handlers. *auth.Service implements it.
type AuthService interface {
	InitiateLogin(ctx context.Context) (string, error)
	HandleCallback(ctx context.Context, code, state string) (*auth.Session, error)
	AbortLogin(ctx context.Context, state string) error
	VerifyTokenDirect(ctx context.Context, accessToken string) (auth.UserInfo, error)
	RefreshSession(ctx context.Context, claims jwt.SessionClaims) (string, time.Time, error)
}

// Deps are the collaborators of a Server. Chat is optional.
type Deps struct {
	Auth        AuthService
	Cookies     *session.CookieManager
	Guard       *session.Guard
	Limiter     *ratelimit.Limiter
	Log         logging.Logger
	FrontendURL string
	Chat        http.Handler
}

// Server serves /api/auth and, when configured, the chat backend proxy.
type Server struct {
	auth        AuthService
	cookies     *session.CookieManager
	guard       *session.Guard
	limiter     *ratelimit.Limiter
	log         logging.Logger
	frontendURL string
	chat        http.Handler
}

// New builds a Server from d. A nil Limiter gets the default per-client budget.
func New(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = logging.Nop()
	}
	limiter := d.Limiter
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.DefaultMax, ratelimit.DefaultWindow)
	}
	return &Server{
		auth:        d.Auth,
		cookies:     d.Cookies,
		guard:       d.Guard,
		limiter:     limiter,
		log:         log,
		frontendURL: strings.TrimRight(d.FrontendURL, "/"),
		chat:        d.Chat,
	}
}

// Handler returns the routed handler with logging and recovery applied.
func (s *Server) Handler() http.Handler {
	limited := RateLimit(s.limiter, nil)
	// The callback is a browser navigation, so rejections go back to the login page.
	limitedCallback := RateLimit(s.limiter, func(w http.ResponseWriter, r *http.Request) {
		s.log.Warn(r.Context(), "login callback rate limited", "client", clientIP(r))
		s.redirectLoginError(w, r, rateLimitMessage)
	})

	routes := []struct {
		method  string
		path    string
		handler http.Handler
	}{
		{http.MethodGet, "/api/auth/google-login", limited(http.HandlerFunc(s.loginHandler))},
		{http.MethodGet, "/api/auth/google-callback", limitedCallback(http.HandlerFunc(s.callbackHandler))},
		{http.MethodPost, "/api/auth/verify-google-token", limited(http.HandlerFunc(s.verifyTokenHandler))},
		{http.MethodPost, "/api/auth/logout", http.HandlerFunc(s.logoutHandler)},
		{http.MethodPost, "/api/auth/refresh-token", s.guard.Require(http.HandlerFunc(s.refreshHandler))},
		{http.MethodGet, "/api/auth/me", s.guard.Require(http.HandlerFunc(s.meHandler))},
	}

	mux := http.NewServeMux()
	for _, rt := range routes {
		mux.Handle(rt.method+" "+rt.path, rt.handler)
		// The method-less pattern only catches methods the route does not serve.
		mux.Handle(rt.path, methodNotAllowed(rt.method))
	}
	mux.HandleFunc("/api/auth/", func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.chat != nil {
		mux.Handle("/api/", s.chat)
	}

	return Chain(mux, RequestID(), AccessLog(s.log), RecoverPanic(s.log))
}

func methodNotAllowed(method string) http.Handler {
	allow := method
	if method == http.MethodGet {
		allow = http.MethodGet + ", " + http.MethodHead
	}
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Allow", allow)
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
}

// HTTPServer wraps Handler in an http.Server listening on addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Chat replies are streamed through the proxy and can take a while.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) {
	authURL, err := s.auth.InitiateLogin(r.Context())
	if err != nil {
		s.log.Error(r.Context(), "initiate login failed", "error", err)
		writeError(w, statusFor(err), publicMessage(err))
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (s *Server) callbackHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")

	if providerErr := q.Get("error"); providerErr != "" {
		if err := s.auth.AbortLogin(r.Context(), state); err != nil {
			s.log.Error(r.Context(), "abort login failed", "error", err)
		}
		s.log.Info(r.Context(), "login cancelled at provider", "reason", providerErr)
		s.redirectLoginError(w, r, providerErr)
		return
	}

	sess, err := s.auth.HandleCallback(r.Context(), q.Get("code"), state)
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			s.log.Error(r.Context(), "login callback failed", "error", err)
		} else {
			s.log.Warn(r.Context(), "login callback rejected", "error", err)
		}
		s.redirectLoginError(w, r, publicMessage(err))
		return
	}

	s.cookies.Attach(w, sess.Token)
	http.Redirect(w, r, s.frontendURL+"/", http.StatusFound)
}

func (s *Server) redirectLoginError(w http.ResponseWriter, r *http.Request, message string) {
	http.Redirect(w, r, s.frontendURL+"/login?error="+url.QueryEscape(message), http.StatusFound)
}

type verifyTokenRequest struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

func (s *Server) verifyTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req verifyTokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.TokenType != "" && !strings.EqualFold(req.TokenType, "bearer") {
		writeError(w, http.StatusBadRequest, "Unsupported token type")
		return
	}

	user, err := s.auth.VerifyTokenDirect(r.Context(), req.AccessToken)
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			s.log.Error(r.Context(), "direct token verification failed", "error", err)
		}
		writeError(w, statusFor(err), publicMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) logoutHandler(w http.ResponseWriter, _ *http.Request) {
	s.cookies.Clear(w)
	writeMessage(w, "Successfully logged out")
}

func (s *Server) refreshHandler(w http.ResponseWriter, r *http.Request) {
	claims, _ := session.FromContext(r.Context())
	token, _, err := s.auth.RefreshSession(r.Context(), claims)
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			s.log.Error(r.Context(), "session refresh failed", "error", err)
		}
		writeError(w, statusFor(err), publicMessage(err))
		return
	}
	s.cookies.Attach(w, token)
	writeMessage(w, "Token refreshed successfully")
}

func (s *Server) meHandler(w http.ResponseWriter, r *http.Request) {
	claims, _ := session.FromContext(r.Context())
	writeJSON(w, http.StatusOK, auth.UserInfo{
		ID:      claims.Subject,
		Email:   claims.Email,
		Name:    claims.Name,
		Picture: claims.Picture,
	})
}
