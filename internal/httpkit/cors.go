package httpkit

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSOptions configures CORS. Empty method and header lists fall back to
// what the jobs API needs.
type CORSOptions struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAgeSeconds    int
}

// corsPolicy holds the header values computed once from CORSOptions.
type corsPolicy struct {
	origins     map[string]struct{}
	anyOrigin   bool
	methods     string
	headers     string
	expose      string
	maxAge      string
	credentials bool
}

func newCORSPolicy(opt CORSOptions) *corsPolicy {
	p := &corsPolicy{
		origins:     make(map[string]struct{}),
		methods:     joinOr(opt.AllowedMethods, "GET, POST, DELETE, OPTIONS"),
		headers:     joinOr(opt.AllowedHeaders, "Content-Type, Authorization, Accept"),
		expose:      joinOr(opt.ExposedHeaders, ""),
		maxAge:      "600",
		credentials: opt.AllowCredentials,
	}
	if opt.MaxAgeSeconds > 0 {
		p.maxAge = strconv.Itoa(opt.MaxAgeSeconds)
	}
	for _, o := range opt.AllowedOrigins {
		switch o = strings.TrimSpace(o); o {
		case "":
		case "*":
			p.anyOrigin = true
		default:
			p.origins[o] = struct{}{}
		}
	}
	return p
}

func (p *corsPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if p.anyOrigin {
		return true
	}
	_, ok := p.origins[origin]
	return ok
}

func (p *corsPolicy) apply(h http.Header, origin string) {
	h.Set("Access-Control-Allow-Origin", origin)
	h.Add("Vary", "Origin")
	h.Set("Access-Control-Allow-Methods", p.methods)
	h.Set("Access-Control-Allow-Headers", p.headers)
	h.Set("Access-Control-Max-Age", p.maxAge)
	if p.expose != "" {
		h.Set("Access-Control-Expose-Headers", p.expose)
	}
	if p.credentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
}

// CORS echoes allowed origins and answers preflight requests itself.
func CORS(opt CORSOptions) func(http.Handler) http.Handler {
	policy := newCORSPolicy(opt)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); policy.allows(origin) {
				policy.apply(w.Header(), origin)
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func joinOr(list []string, fallback string) string {
	parts := make([]string, 0, len(list))
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return fallback
	}
	return strings.Join(parts, ", ")
}
