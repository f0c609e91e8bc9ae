package middleware

import (
	"net/http"
	"slices"
	"strings"
)

// CORSConfig holds the configuration for the CORS middleware.
type CORSConfig struct {
	// AllowOrigins is a list of origins a cross-domain request can be
	// executed from. If the list contains "*" (the default), all origins
	// are allowed.
	AllowOrigins []string

	// AllowMethods is a list of methods the client is allowed to use.
	// Default: GET, POST, OPTIONS.
	AllowMethods []string

	// AllowHeaders is a list of headers the client is allowed to use.
	// Default: Content-Type.
	AllowHeaders []string
}

// CORS returns a middleware that handles CORS preflight requests and sets
// CORS headers, so that browser dashboards on other origins can drive the
// control plane.
func CORS(cfg *CORSConfig) func(http.Handler) http.Handler {
	if cfg == nil {
		cfg = &CORSConfig{}
	}

	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	methods := strings.Join(orDefault(cfg.AllowMethods, []string{"GET", "POST", "OPTIONS"}), ", ")
	headers := strings.Join(orDefault(cfg.AllowHeaders, []string{"Content-Type"}), ", ")
	wildcard := slices.Contains(origins, "*")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			switch {
			case wildcard:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && slices.Contains(origins, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}

			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", methods)
				w.Header().Set("Access-Control-Allow-Headers", headers)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func orDefault(values, def []string) []string {
	if len(values) == 0 {
		return def
	}
	return values
}
