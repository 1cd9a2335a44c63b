// Package middleware provides HTTP middleware for the reel API.
package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"reel/internal/pkg/errors"
	"reel/internal/pkg/logger"
)

// RequestIDHeader is the header name for request IDs.
const RequestIDHeader = "X-Request-ID"

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	size        int
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// RequestID adds a unique request ID to each request.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = generateRequestID()
		}

		w.Header().Set(RequestIDHeader, requestID)

		ctx := logger.ContextWithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Logging logs HTTP requests with structured logging.
func Logging(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrapResponseWriter(w)

			reqLog := log.FromContext(r.Context())

			reqLog.Debug("request started",
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
				"user_agent", r.UserAgent(),
			)

			next.ServeHTTP(wrapped, r)

			logFn := reqLog.Info
			if wrapped.status >= 500 {
				logFn = reqLog.Error
			} else if wrapped.status >= 400 {
				logFn = reqLog.Warn
			}

			logFn("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.status,
				"size", wrapped.size,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

// Recovery recovers from panics and logs them.
func Recovery(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.FromContext(r.Context()).Error("panic recovered",
						"panic", rec,
						"stack", string(debug.Stack()),
						"method", r.Method,
						"path", r.URL.Path,
					)
					WriteErrorResponse(w, errors.CodeInternal, "internal server error", nil)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter throttles requests per client IP with a token bucket.
type RateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	visitors map[string]*visitor
	idleTTL  time.Duration
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perSecond requests per client with the given burst.
// A non-positive perSecond disables limiting.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		visitors: make(map[string]*visitor),
		idleTTL:  10 * time.Minute,
		now:      time.Now,
	}
}

// Allow reports whether the client identified by key may proceed.
func (rl *RateLimiter) Allow(key string) bool {
	if rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now

	// Opportunistic eviction keeps the map bounded without a janitor goroutine.
	if len(rl.visitors) > 1024 {
		for k, other := range rl.visitors {
			if now.Sub(other.lastSeen) > rl.idleTTL {
				delete(rl.visitors, k)
			}
		}
	}

	return v.limiter.AllowN(now, 1)
}

// Middleware rejects requests over the limit with 429 RATE_LIMITED.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			WriteErrorResponse(w, errors.CodeRateLimited, "too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ErrorHandlerFunc is a handler that returns an error instead of writing it.
type ErrorHandlerFunc func(w http.ResponseWriter, r *http.Request) error

// WrapHandler wraps a handler function that returns an error.
func WrapHandler(log *logger.Logger, fn ErrorHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			HandleError(w, r, log, err)
		}
	}
}

// HandleError handles an error and writes the appropriate response.
func HandleError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	reqLog := log.FromContext(r.Context())

	code := errors.GetCode(err)
	status := errors.GetHTTPStatus(err)
	fields := errors.GetFields(err)

	logFields := []any{
		"error", err.Error(),
		"code", string(code),
		"status", status,
		"method", r.Method,
		"path", r.URL.Path,
	}
	for k, v := range fields {
		logFields = append(logFields, k, v)
	}

	message := errors.GetMessage(err)
	if status >= 500 {
		var svcErr *errors.Error
		if errors.As(err, &svcErr) && len(svcErr.Stack) > 0 {
			logFields = append(logFields, "stack", svcErr.StackTrace())
		}
		reqLog.Error("request failed", logFields...)
		if code == errors.CodeInternal {
			// Internal details stay in the log.
			message = "internal server error"
			fields = nil
		}
	} else {
		reqLog.Warn("request error", logFields...)
	}

	if errors.IsRetryable(err) && w.Header().Get("Retry-After") == "" {
		w.Header().Set("Retry-After", "1")
	}
	WriteErrorResponse(w, code, message, fields)
}

type errorBody struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    errors.Code    `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// WriteErrorResponse writes a JSON error response.
func WriteErrorResponse(w http.ResponseWriter, code errors.Code, message string, details map[string]any) {
	status := (&errors.Error{Code: code}).HTTPStatus()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorPayload{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// generateRequestID generates a unique request ID.
func generateRequestID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
