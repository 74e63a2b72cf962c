// Package server owns the process-wide lifecycle of the protocol server: the
// network listeners, the bounded job table, and the wiring between registry,
// broker, tick adapter, router, and transports. Exactly one Manager instance
// holds all shared state; there are no ambient singletons.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/niewinny/bMCP/blender"
	"github.com/niewinny/bMCP/broker"
	"github.com/niewinny/bMCP/capability"
	"github.com/niewinny/bMCP/job"
	"github.com/niewinny/bMCP/router"
	"github.com/niewinny/bMCP/tick"
	"github.com/niewinny/bMCP/transport"
)

// Lifecycle errors.
var (
	ErrAlreadyRunning = errors.New("server already running")
	ErrNotRunning     = errors.New("server not running")
)

// sessionSweepInterval is how often idle stream sessions are reaped.
const sessionSweepInterval = 5 * time.Minute

// Manager owns the server lifecycle. Construct with New, drive ticks from the
// host thread via PollOnce, and start/stop the network side explicitly.
type Manager struct {
	cfg      Config
	log      zerolog.Logger
	registry *capability.Registry
	table    *job.Table
	broker   *broker.Broker
	adapter  *tick.Adapter
	handler  *transport.Handler

	wake chan struct{}

	mu           sync.Mutex
	srv          *http.Server
	listener     net.Listener
	running      bool
	shuttingDown bool
	stopSweep    chan struct{}
}

// New wires a manager for the given host. Built-in capabilities are
// registered immediately so they are listed even before Start.
func New(h tick.Host, cfg Config, log zerolog.Logger) (*Manager, error) {
	cfg.applyDefaults()
	if _, err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		log:      log,
		registry: capability.NewRegistry(),
		wake:     make(chan struct{}, 1),
	}
	m.table = job.NewTable(cfg.MaxJobs, log.With().Str("component", "job-table").Logger())
	m.broker = broker.New(m.table, m.registry, broker.SchedulerFunc(m.schedule), broker.Options{
		Timeout: cfg.JobTimeout,
		Logger:  log.With().Str("component", "broker").Logger(),
	})
	m.adapter = tick.NewAdapter(m.table, log.With().Str("component", "tick").Logger())

	rt := router.New(m.registry, m.broker, router.Options{
		Name:        cfg.Name,
		Version:     cfg.Version,
		OutputLimit: cfg.OutputLimit,
		Logger:      log.With().Str("component", "router").Logger(),
	})
	m.handler = transport.NewHandler(transport.Options{
		Router:        rt,
		Registry:      m.registry,
		Name:          cfg.Name,
		Version:       cfg.Version,
		AuthToken:     cfg.AuthToken,
		AuthRequired:  cfg.AuthRequired,
		NetworkAccess: cfg.NetworkAccess,
		ShuttingDown:  m.ShuttingDown,
		Logger:        log.With().Str("component", "http").Logger(),
	})

	if err := blender.Register(m.registry, h); err != nil {
		return nil, fmt.Errorf("register built-in capabilities: %w", err)
	}
	return m, nil
}

// Registry returns the capability registry for external extension code.
// Registration is valid at any time; new entries appear in the next list
// call.
func (m *Manager) Registry() *capability.Registry {
	return m.registry
}

// PollOnce runs due jobs on the calling thread. The host must call it from
// its single execution thread, once per tick.
func (m *Manager) PollOnce(budget time.Duration) int {
	return m.adapter.PollOnce(budget)
}

// Wake signals when the broker has admitted work and would like a tick at the
// host's next opportunity. Hosts that tick continuously may ignore it.
func (m *Manager) Wake() <-chan struct{} {
	return m.wake
}

// schedule implements broker.Scheduler.
func (m *Manager) schedule() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Start binds the listener and begins serving on a background goroutine. The
// job table is swept first: entries from a previous run have no live waiter
// and must not outlive it.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrAlreadyRunning
	}
	if m.shuttingDown {
		return fmt.Errorf("server is still shutting down")
	}

	warnings, err := m.cfg.Validate()
	if err != nil {
		return err
	}
	for _, warn := range warnings {
		m.log.Warn().Msg(warn)
	}

	if stale := m.table.Sweep(); stale > 0 {
		m.log.Warn().Int("stale", stale).Msg("cleared stale jobs from previous run")
	}

	ln, err := net.Listen("tcp", m.cfg.Addr())
	if err != nil {
		return fmt.Errorf("bind %s: %w", m.cfg.Addr(), err)
	}
	m.listener = ln
	m.srv = &http.Server{
		Handler:           m.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	m.stopSweep = make(chan struct{})
	m.running = true

	go m.serve(m.srv, ln)
	go m.sweepSessions(m.stopSweep)

	m.log.Info().
		Str("addr", ln.Addr().String()).
		Bool("auth", m.cfg.AuthRequired).
		Msg("server started")
	return nil
}

func (m *Manager) serve(srv *http.Server, ln net.Listener) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		m.log.Error().Err(err).Msg("serve failed")
		m.mu.Lock()
		// Same teardown Stop performs, unless Stop already took over.
		tornDown := m.srv == srv
		if tornDown {
			close(m.stopSweep)
			m.srv = nil
			m.listener = nil
			m.running = false
		}
		m.mu.Unlock()
		if tornDown {
			// Release waiters whose requests died with the listener.
			m.table.Sweep()
		}
	}
}

func (m *Manager) sweepSessions(stop <-chan struct{}) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := m.handler.SweepIdleSessions(); n > 0 {
				m.log.Debug().Int("sessions", n).Msg("reaped idle stream sessions")
			}
		}
	}
}

// Stop gracefully shuts the server down: new requests are rejected, live
// streams are closed, in-flight HTTP requests get until ctx to finish, and
// any waiters still parked on the job table are released with a cancellation
// outcome.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotRunning
	}
	m.shuttingDown = true
	srv := m.srv
	stopSweep := m.stopSweep
	m.mu.Unlock()

	close(stopSweep)
	m.handler.CloseSessions()
	err := srv.Shutdown(ctx)
	m.table.Sweep()

	m.mu.Lock()
	m.running = false
	m.shuttingDown = false
	m.srv = nil
	m.listener = nil
	m.mu.Unlock()

	m.log.Info().Msg("server stopped")
	return err
}

// Running reports whether the server is accepting requests.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running && !m.shuttingDown
}

// ShuttingDown reports whether a stop is in progress.
func (m *Manager) ShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuttingDown
}

// Addr returns the bound listen address, or empty when not running.
func (m *Manager) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}
