// Package proxy forwards signed-in traffic to the chat backend.
package proxy

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/chatstack/chatstack-auth/internal/logging"
	"github.com/chatstack/chatstack-auth/internal/session"
)

// Identity headers set for the upstream. Client-supplied copies are removed.
const (
	HeaderUserSub   = "X-User-Sub"
	HeaderUserEmail = "X-User-Email"
)

// Handler checks the session cookie and proxies traffic to the chat backend.
type Handler struct {
	target *url.URL
	proxy  *httputil.ReverseProxy
	guard  *session.Guard
	log    logging.Logger
}

// New builds a proxy handler for target.
func New(target *url.URL, guard *session.Guard, log logging.Logger) *Handler {
	if log == nil {
		log = logging.Nop()
	}
	h := &Handler{
		target: target,
		guard:  guard,
		log:    log,
	}
	h.proxy = &httputil.ReverseProxy{
		Rewrite:      h.rewrite,
		ErrorHandler: h.upstreamError,
	}
	return h
}

// ServeHTTP forwards the request when the session is valid and answers 401
// otherwise.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.guard.FromRequest(r)
	if !ok {
		h.guard.Reject(w, r)
		return
	}
	h.proxy.ServeHTTP(w, r.WithContext(session.NewContext(r.Context(), claims)))
}

func (h *Handler) rewrite(pr *httputil.ProxyRequest) {
	pr.Out.URL.Scheme = h.target.Scheme
	pr.Out.URL.Host = h.target.Host
	pr.Out.URL.Path = singleJoin(h.target.Path, pr.In.URL.Path)
	pr.Out.URL.RawPath = ""
	pr.Out.Host = h.target.Host
	pr.SetXForwarded()

	// The upstream trusts these headers, so only the gateway may set them.
	pr.Out.Header.Del(HeaderUserSub)
	pr.Out.Header.Del(HeaderUserEmail)
	if claims, ok := session.FromContext(pr.In.Context()); ok {
		pr.Out.Header.Set(HeaderUserSub, claims.Subject)
		pr.Out.Header.Set(HeaderUserEmail, claims.Email)
	}
}

func (h *Handler) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	h.log.Error(r.Context(), "chat backend unavailable", "path", r.URL.Path, "error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	_, _ = w.Write([]byte(`{"detail":"chat backend unavailable"}`))
}

func singleJoin(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	default:
		return a + b
	}
}
