// Package proxy routes session-scoped HTTP and WebSocket traffic to the
// backing container. Token resolution happens before any backend contact;
// an invalid token never causes an outbound connection.
package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/visp-platform/session-broker/internal/registry"
	"github.com/visp-platform/session-broker/pkg/models"
)

// SessionCookie is the cookie the edge server sets after issuing a token.
const SessionCookie = "visp_session"

// TokenHeader is the header alternative for non-browser clients.
const TokenHeader = "X-Session-Token"

// Liveness is the hook invoked when a supposedly active backend refuses
// connections. The lifecycle manager re-checks the container; the proxy
// never reprovisions on its own.
type Liveness interface {
	CheckLiveness(token string)
}

// Server is the proxy router.
type Server struct {
	registry  *registry.Registry
	liveness  Liveness
	transport http.RoundTripper
}

// NewServer creates a proxy router over the given registry.
func NewServer(reg *registry.Registry, liveness Liveness) *Server {
	return &Server{
		registry: reg,
		liveness: liveness,
		transport: &http.Transport{
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       60 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}
}

// TokenFromRequest extracts the session token from the cookie or header.
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return r.Header.Get(TokenHeader)
}

// ServeHTTP implements the proxied surface: every request carrying a
// valid token is forwarded to its session's container.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := TokenFromRequest(r)
	if token == "" {
		writeJSONError(w, http.StatusUnauthorized, "missing session token")
		return
	}

	sess, err := s.registry.Lookup(token)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid session token")
		return
	}
	// Committing is routable: the session is Active with a commit
	// sub-cycle in flight.
	if sess.State != models.StateActive && sess.State != models.StateCommitting {
		writeJSONError(w, http.StatusUnauthorized, "session is not active")
		return
	}
	if sess.Container == nil || sess.Container.Endpoint == "" {
		writeJSONError(w, http.StatusBadGateway, "session backend unavailable")
		return
	}

	if isWebSocketUpgrade(r) {
		s.relayWebSocket(w, r, token, sess.Container.Endpoint)
		return
	}
	s.forwardHTTP(w, r, token, sess.Container.Endpoint)
}

// forwardHTTP reverse-proxies one plain HTTP request to the backend.
func (s *Server) forwardHTTP(w http.ResponseWriter, r *http.Request, token, endpoint string) {
	target := &url.URL{Scheme: "http", Host: endpoint}

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Host = target.Host
		},
		Transport: s.transport,
		ModifyResponse: func(*http.Response) error {
			_ = s.registry.Touch(token)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			writeJSONError(w, http.StatusBadGateway, models.ErrBackendUnavailable.Error())
			go s.liveness.CheckLiveness(token)
		},
	}
	rp.ServeHTTP(w, r)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
