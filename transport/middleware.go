package transport

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/niewinny/bMCP/router"
)

// writeRPCError writes a JSON-RPC error body with the given HTTP status.
func writeRPCError(w http.ResponseWriter, status int, rpcErr *router.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(router.NewErrorResponse(nil, rpcErr))
}

// requestLogger assigns a request ID (honouring X-Request-ID) and logs every
// request with status and duration.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", id)

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)
			log.Info().
				Str("request_id", id).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", sw.status).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

// statusWriter records the response status for logging. Flush is forwarded so
// the SSE endpoint keeps streaming through the wrapper.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// shutdownGate rejects new requests while the server is stopping, so no
// request starts against a draining job table.
func shutdownGate(shuttingDown func() bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if shuttingDown != nil && shuttingDown() {
				w.Header().Set("Retry-After", "5")
				writeRPCError(w, http.StatusServiceUnavailable,
					router.Errorf(router.CodeShuttingDown, "server is shutting down, retry after restart"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authGate enforces the shared token across every endpoint except /health.
//
// Token sources, in order of preference:
//   - Authorization: Bearer <token> header, compared in constant time.
//   - ?token=<token> query parameter, accepted only on loopback binds:
//     tokens in URLs leak through logs and referrers, so network mode
//     rejects it outright.
func authGate(token string, required, networkAccess bool, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || !required || token == "" {
				next.ServeHTTP(w, r)
				return
			}

			if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
				got := strings.TrimSpace(header[len("Bearer "):])
				if got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}

			if query := r.URL.Query().Get("token"); query != "" {
				if networkAccess {
					log.Warn().
						Str("remote", r.RemoteAddr).
						Str("path", r.URL.Path).
						Msg("query parameter auth rejected in network mode")
					writeRPCError(w, http.StatusUnauthorized, router.Errorf(router.CodeUnauthorized,
						"query parameter authentication is disabled in network mode; use a Bearer token"))
					return
				}
				if subtle.ConstantTimeCompare([]byte(query), []byte(token)) == 1 {
					log.Warn().
						Str("remote", r.RemoteAddr).
						Str("path", r.URL.Path).
						Msg("authenticated via query parameter")
					next.ServeHTTP(w, r)
					return
				}
			}

			writeRPCError(w, http.StatusUnauthorized,
				router.Errorf(router.CodeUnauthorized, "unauthorized: invalid or missing token"))
		})
	}
}

// corsHeaders applies the network-binding policy to browser clients: loopback
// origins only unless network access was explicitly enabled.
func corsHeaders(networkAccess bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				if networkAccess || loopbackOrigin(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "*")
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func loopbackOrigin(origin string) bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}
