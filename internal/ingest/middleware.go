package ingest

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"payops-agent/internal/config"
	"payops-agent/internal/metrics"
)

// WithMiddleware wraps the handler with middleware. m and limiter may be nil.
func WithMiddleware(handler http.Handler, cfg *config.Config, m *metrics.Metrics, limiter *RateLimiter) http.Handler {
	// Apply middleware in reverse order (last applied runs first)
	h := handler

	h = recoveryMiddleware(h)

	if limiter != nil {
		h = rateLimitMiddleware(h, limiter)
	}

	if cfg.Auth.Enabled {
		h = authMiddleware(h, cfg.Auth)
	}

	h = securityHeadersMiddleware(h)

	// Outermost so rejected requests are logged and counted too
	h = loggingMiddleware(h, m)

	return h
}

// loggingMiddleware logs HTTP requests and reports them to m.
func loggingMiddleware(next http.Handler, m *metrics.Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)

		if m != nil {
			m.ObserveHTTP(r.Method, routeLabel(r), strconv.Itoa(wrapped.statusCode), duration)
		}
	})
}

// routeLabel bounds metric cardinality to registered routes.
func routeLabel(r *http.Request) string {
	switch r.URL.Path {
	case "/health", "/metrics":
		return r.URL.Path
	}
	if r.Pattern != "" {
		return r.Pattern
	}
	return "unmatched"
}

// authMiddleware checks for a valid API key.
func authMiddleware(next http.Handler, authCfg config.AuthConfig) http.Handler {
	keys := make([][]byte, 0, len(authCfg.APIKeys))
	for _, key := range authCfg.APIKeys {
		keys = append(keys, []byte(key))
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth for health and metrics endpoints
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := r.Header.Get(authCfg.APIKeyHeader)
		if apiKey == "" {
			respondError(w, http.StatusUnauthorized, "unauthorized: missing API key", "")
			return
		}

		if !validKey(keys, []byte(apiKey)) {
			slog.Warn("rejected invalid API key", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			respondError(w, http.StatusUnauthorized, "unauthorized: invalid API key", "")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func validKey(keys [][]byte, candidate []byte) bool {
	ok := false
	for _, key := range keys {
		if subtle.ConstantTimeCompare(key, candidate) == 1 {
			ok = true
		}
	}
	return ok
}

// securityHeadersMiddleware sets response headers for a JSON-only API.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware recovers from panics.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic recovered", "error", err, "path", r.URL.Path)
				respondError(w, http.StatusInternalServerError, "internal server error", "")
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
