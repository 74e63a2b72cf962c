// Package transport adapts HTTP framing onto the protocol router: a
// synchronous JSON-RPC endpoint, a server-sent event stream for progressive
// delivery, and a health probe. All endpoints share one authentication gate
// and one network-binding policy. The stdio adapter is a separate bridge
// process (cmd/bmcp-stdio) speaking the synchronous endpoint.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/niewinny/bMCP/capability"
	"github.com/niewinny/bMCP/router"
)

// SessionHeader carries the stream session ID on invocation posts.
const SessionHeader = "X-MCP-Session-ID"

// DefaultHeartbeat is the idle interval between stream keep-alive pings.
const DefaultHeartbeat = 15 * time.Second

// Options configures the HTTP handler.
type Options struct {
	// Router dispatches decoded requests.
	Router *router.Router

	// Registry feeds capability counts to the health endpoint.
	Registry *capability.Registry

	// Name and Version identify the server in health responses.
	Name    string
	Version string

	// AuthToken, AuthRequired, and NetworkAccess configure the shared
	// authentication gate.
	AuthToken     string
	AuthRequired  bool
	NetworkAccess bool

	// ShuttingDown reports whether the server manager is stopping.
	ShuttingDown func() bool

	// Heartbeat is the stream keep-alive interval. Default: 15 s.
	Heartbeat time.Duration

	// SessionQueueSize bounds per-stream message queues. Default: 500.
	SessionQueueSize int

	// Logger receives request and stream lifecycle events.
	Logger zerolog.Logger
}

// Handler serves the HTTP and streaming transports.
type Handler struct {
	router    *router.Router
	registry  *capability.Registry
	name      string
	version   string
	heartbeat time.Duration
	queueSize int
	sessions  *sessions
	log       zerolog.Logger
	started   time.Time

	requests int64
	errors   int64

	mux *chi.Mux
}

// NewHandler builds the transport handler with its middleware chain.
func NewHandler(opts Options) *Handler {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.SessionQueueSize <= 0 {
		opts.SessionQueueSize = DefaultSessionQueueSize
	}
	h := &Handler{
		router:    opts.Router,
		registry:  opts.Registry,
		name:      opts.Name,
		version:   opts.Version,
		heartbeat: opts.Heartbeat,
		queueSize: opts.SessionQueueSize,
		sessions:  newSessions(),
		log:       opts.Logger,
		started:   time.Now(),
	}

	mux := chi.NewRouter()
	mux.Use(requestLogger(opts.Logger))
	mux.Use(h.countRequests)
	mux.Use(shutdownGate(opts.ShuttingDown))
	mux.Use(corsHeaders(opts.NetworkAccess))
	mux.Use(authGate(opts.AuthToken, opts.AuthRequired, opts.NetworkAccess, opts.Logger))

	mux.Get("/health", h.health)
	mux.Post("/http", h.rpc)
	mux.Get("/sse", h.stream)
	mux.Post("/sse", h.streamPost)
	h.mux = mux
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// CloseSessions drops all live stream sessions (called on shutdown).
func (h *Handler) CloseSessions() {
	h.sessions.sweepIdle(time.Now().Add(2 * sessionTimeout))
}

// SweepIdleSessions removes sessions idle past the session timeout.
func (h *Handler) SweepIdleSessions() int {
	return h.sessions.sweepIdle(time.Now())
}

func (h *Handler) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&h.requests, 1)
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		if sw.status >= http.StatusInternalServerError {
			atomic.AddInt64(&h.errors, 1)
		}
	})
}

// rpc serves the synchronous transport: one request in, one reply out, no
// partial delivery. Concurrent requests ride independent handler goroutines;
// in-flight bounds come from the job table, not from here.
func (h *Handler) rpc(w http.ResponseWriter, r *http.Request) {
	var req router.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// Framing failure is answered in-band; the connection survives.
		writeRPCError(w, http.StatusBadRequest,
			router.Errorf(router.CodeParseError, "parse error: %v", err))
		return
	}
	if req.Method == "" {
		writeJSON(w, http.StatusOK, router.NewErrorResponse(req.ID,
			router.Errorf(router.CodeInvalidRequest, "invalid request: method is required")))
		return
	}

	result, rpcErr := h.router.Dispatch(r.Context(), req.Method, req.Params)
	if req.Notification() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if rpcErr != nil {
		writeJSON(w, http.StatusOK, router.NewErrorResponse(req.ID, rpcErr))
		return
	}
	writeJSON(w, http.StatusOK, router.NewResponse(req.ID, result))
}

// streamPost accepts an invocation bound for a live event stream. With a
// known session the response is delivered asynchronously over that stream and
// the post is acknowledged immediately; without one it degrades to the
// synchronous path.
func (h *Handler) streamPost(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	sess, live := h.sessions.get(sessionID)
	if !live {
		h.rpc(w, r)
		return
	}

	var req router.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, http.StatusBadRequest,
			router.Errorf(router.CodeParseError, "parse error: %v", err))
		return
	}

	go func() {
		// Detached from the request context: the post has already been
		// acknowledged, delivery rides the stream up to the job deadline.
		result, rpcErr := h.router.Dispatch(context.Background(), req.Method, req.Params)
		if req.Notification() {
			return
		}
		if rpcErr != nil {
			sess.push(router.NewErrorResponse(req.ID, rpcErr))
			return
		}
		sess.push(router.NewResponse(req.ID, result))
	}()

	w.WriteHeader(http.StatusAccepted)
}

// stream serves the persistent event stream: one framed event per completed
// response, heartbeats while idle.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sess := newSession(uuid.NewString(), h.queueSize)
	h.sessions.add(sess)
	defer h.sessions.remove(sess.id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	h.log.Debug().Str("session", sess.id).Msg("stream opened")
	writeEvent(w, "session", map[string]any{"sessionId": sess.id})
	writeEvent(w, "endpoint", map[string]any{"type": "mcp_endpoint"})
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.log.Debug().Str("session", sess.id).Msg("stream closed")
			return
		case <-sess.notify:
			msgs, dropped := sess.drain()
			if dropped > 0 {
				writeEvent(w, "warning", map[string]any{
					"type":    "messages_dropped",
					"count":   dropped,
					"message": fmt.Sprintf("%d message(s) dropped due to slow consumption", dropped),
				})
			}
			for _, msg := range msgs {
				writeEvent(w, "message", msg)
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, live := h.sessions.get(sess.id); !live {
				// Swept while idle; end the stream.
				return
			}
			writeRawEvent(w, "ping", "")
			flusher.Flush()
		}
	}
}

// health reports server status without authentication, for monitors.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"uptime_seconds": time.Since(h.started).Round(10 * time.Millisecond).Seconds(),
		"connections": map[string]any{
			"active_sse_sessions": h.sessions.len(),
		},
		"statistics": map[string]any{
			"total_requests": atomic.LoadInt64(&h.requests),
			"error_count":    atomic.LoadInt64(&h.errors),
		},
		"server": map[string]any{
			"name":            h.name,
			"version":         h.version,
			"tools_count":     h.registry.Len(capability.KindTool),
			"resources_count": h.registry.Len(capability.KindResource),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeEvent frames one JSON payload as a server-sent event.
func writeEvent(w http.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	writeRawEvent(w, event, string(data))
}

func writeRawEvent(w http.ResponseWriter, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
