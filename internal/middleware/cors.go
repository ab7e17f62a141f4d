package middleware

import (
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
)

// CORSMiddleware handles CORS headers for the editor front ends in allowed.
// A "*" entry allows any origin. Preflights from other origins get a 403.
func CORSMiddleware(allowed []string) func(http.Handler) http.Handler {
	wildcard := allowsAny(allowed)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			permitted := OriginAllowed(allowed, origin)

			switch {
			case wildcard:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case permitted && origin != "":
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				if !permitted {
					log.Debug("Rejected CORS preflight", "origin", origin, "path", r.URL.Path)
					w.WriteHeader(http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// OriginAllowed reports whether a request from origin may use the API or open
// a collaboration socket. Requests without an Origin header are not from a
// browser page and are always allowed.
func OriginAllowed(allowed []string, origin string) bool {
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(strings.TrimSuffix(a, "/"), origin) {
			return true
		}
	}
	return false
}

func allowsAny(allowed []string) bool {
	for _, a := range allowed {
		if a == "*" {
			return true
		}
	}
	return false
}
