package proxy

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/lkarlslund/chatbridge/pkg/openai"
)

// authAPIMiddleware accepts loopback callers when the config allows it and
// otherwise requires one of the incoming API keys, sent either as a bearer
// token or in X-Api-Key.
func (s *Server) authAPIMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.store.Snapshot()
		if cfg.AllowLocalhostNoAuth && requestIsLoopback(r) {
			next.ServeHTTP(w, r)
			return
		}
		if !keyAllowed(requestKey(r.Header), cfg.IncomingAPIKeys) {
			log.Warn("rejected unauthenticated request", "remote", remoteHost(r), "path", r.URL.Path)
			writeJSON(w, http.StatusUnauthorized, openai.ErrorResponse{Error: openai.ErrorBody{
				Message: "missing or invalid API key",
				Type:    errTypeAuth,
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestKey(h http.Header) string {
	if tok := bearerToken(h); tok != "" {
		return tok
	}
	return strings.TrimSpace(h.Get("X-Api-Key"))
}

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func keyAllowed(token string, keys []string) bool {
	if token == "" {
		return false
	}
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(strings.TrimSpace(k))) == 1 {
			return true
		}
	}
	return false
}

func requestIsLoopback(r *http.Request) bool {
	return hostIsLoopback(remoteHost(r))
}

func remoteHost(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host
}

func hostIsLoopback(host string) bool {
	if host == "" {
		return false
	}
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
