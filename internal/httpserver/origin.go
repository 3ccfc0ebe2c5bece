package httpserver

import (
	"net/http"
	"strings"
)

// OriginAllowed reports whether a browser Origin header value is acceptable
// under the configured allowlist.
//
// An empty allowlist means same-host only: the origin's host[:port] must match
// the request's Host header. Entries are compared as exact origin strings,
// except "*" which allows everything.
func OriginAllowed(originHeader, requestHost string, allowedOrigins []string) bool {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return true
	}

	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || strings.EqualFold(allowed, trimmed) {
				return true
			}
		}
		return false
	}

	host := trimmed
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+len("://"):]
	}
	return strings.EqualFold(host, strings.TrimSpace(requestHost))
}

// CheckWSOrigin is the Origin policy for WebSocket upgrades. It shares the
// allowlist with the CORS layer.
func (s *Server) CheckWSOrigin(r *http.Request) bool {
	return OriginAllowed(r.Header.Get("Origin"), r.Host, s.cfg.AllowedOrigins)
}

func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		originHeader := strings.TrimSpace(r.Header.Get("Origin"))
		if originHeader == "" {
			next(w, r)
			return
		}

		if !OriginAllowed(originHeader, r.Host, s.cfg.AllowedOrigins) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		// CORS headers are only needed when the browser sends an Origin header.
		w.Header().Set("Access-Control-Allow-Origin", originHeader)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
			if requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requestHeaders != "" {
				w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
			}
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}
