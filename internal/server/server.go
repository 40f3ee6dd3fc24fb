// ABOUTME: Loopback-only TCP server: listener supervision, auth handoff, session set.
// ABOUTME: Owns the change broadcaster that fans out tools/list_changed to sessions.

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/barelyworkingcode/iMCP/internal/auth"
	"github.com/barelyworkingcode/iMCP/internal/mcp"
	"github.com/barelyworkingcode/iMCP/internal/portfile"
	"github.com/barelyworkingcode/iMCP/internal/services"
)

// ErrAlreadyRunning indicates Start was called on a running server.
var ErrAlreadyRunning = errors.New("server already running")

// ListenerState tracks the listener lifecycle.
type ListenerState int32

const (
	StateSetup ListenerState = iota
	StateWaiting
	StateReady
	StateFailed
	StateCancelled
)

func (s ListenerState) String() string {
	switch s {
	case StateSetup:
		return "setup"
	case StateWaiting:
		return "waiting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

const (
	// restartDelay is the backoff before rebinding after a listener fault.
	restartDelay = 1500 * time.Millisecond
	// superviseInterval is how often the supervisor verifies the listener
	// is ready and nudges a restart if it is not.
	superviseInterval = 10 * time.Second
)

// Config configures a Server.
type Config struct {
	// PortFile is where the chosen port is published. Empty uses the
	// well-known default path.
	PortFile     string
	Store        *auth.Store
	Dispatcher   *services.Dispatcher
	Logger       *slog.Logger
	Version      string
	SetupTimeout time.Duration
}

// Server owns the listener, the auth gate, and the live session set.
// The server may be enabled/disabled independently of running: a disabled
// server keeps its sessions but serves an empty catalog and rejects calls.
type Server struct {
	portFile     string
	store        *auth.Store
	dispatcher   *services.Dispatcher
	gate         *auth.Gate
	logger       *slog.Logger
	version      string
	setupTimeout time.Duration

	running atomic.Bool
	state   atomic.Int32
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	port     int
	sessions map[string]*mcp.Session
}

// New creates a server.
func New(cfg Config) *Server {
	path := cfg.PortFile
	if path == "" {
		path = portfile.DefaultPath()
	}
	return &Server{
		portFile:     path,
		store:        cfg.Store,
		dispatcher:   cfg.Dispatcher,
		gate:         auth.NewGate(cfg.Store, cfg.Logger),
		logger:       cfg.Logger,
		version:      cfg.Version,
		setupTimeout: cfg.SetupTimeout,
		sessions:     make(map[string]*mcp.Session),
	}
}

// Start binds the listener and begins accepting connections. It returns
// once the background loops are launched; Stop (or ctx cancellation)
// tears everything down.
func (s *Server) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go s.runListener(ctx)
	go s.superviseListener(ctx)

	return nil
}

// runListener binds, publishes the port, and accepts until the server
// stops. Any fault deletes the port file, backs off, and rebinds on a new
// ephemeral port.
func (s *Server) runListener(ctx context.Context) {
	defer s.wg.Done()

	for ctx.Err() == nil {
		s.state.Store(int32(StateSetup))

		ln, err := net.Listen("tcp4", "127.0.0.1:0")
		if err != nil {
			s.state.Store(int32(StateWaiting))
			s.logger.Warn("listener bind failed, retrying",
				"error", err,
				"delay", restartDelay,
			)
			if !sleepCtx(ctx, restartDelay) {
				break
			}
			continue
		}

		port := ln.Addr().(*net.TCPAddr).Port
		if err := portfile.Write(s.portFile, port); err != nil {
			ln.Close()
			s.state.Store(int32(StateFailed))
			s.logger.Error("writing port file failed",
				"error", err,
				"path", s.portFile,
			)
			if !sleepCtx(ctx, restartDelay) {
				break
			}
			continue
		}

		s.mu.Lock()
		s.listener = ln
		s.port = port
		s.mu.Unlock()
		s.state.Store(int32(StateReady))

		s.logger.Info("listener ready",
			"addr", "127.0.0.1:"+strconv.Itoa(port),
			"port_file", s.portFile,
		)

		s.acceptLoop(ctx, ln)

		// Listener left ready: clean up the rendezvous before rebinding.
		if err := portfile.Remove(s.portFile); err != nil {
			s.logger.Warn("removing port file", "error", err)
		}
		if ctx.Err() != nil {
			s.state.Store(int32(StateCancelled))
			break
		}
		s.state.Store(int32(StateFailed))
		if !sleepCtx(ctx, restartDelay) {
			break
		}
	}
}

// acceptLoop admits connections until the listener fails or closes.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("accept failed", "error", err)
			}
			return
		}
		go s.admit(ctx, conn)
	}
}

// superviseListener forces a rebind whenever the listener sits outside
// ready while the server is meant to be running.
func (s *Server) superviseListener(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(superviseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state := ListenerState(s.state.Load())
			if state == StateReady {
				continue
			}
			s.logger.Warn("listener not ready, forcing restart",
				"state", state.String(),
			)
			s.mu.Lock()
			if s.listener != nil {
				s.listener.Close()
				s.listener = nil
			}
			s.mu.Unlock()
		}
	}
}

// admit authenticates one connection and, on success, runs its session.
// On any auth failure the socket is closed with nothing written.
func (s *Server) admit(ctx context.Context, conn net.Conn) {
	tok, err := s.gate.Admit(conn)
	if err != nil {
		conn.Close()
		return
	}

	sess := mcp.NewSession(mcp.SessionConfig{
		Conn:         conn,
		Token:        tok,
		Dispatcher:   s.dispatcher,
		Logger:       s.logger,
		Version:      s.version,
		SetupTimeout: s.setupTimeout,
		OnClose:      s.removeSession,
	})

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	count := len(s.sessions)
	s.mu.Unlock()

	s.logger.Info("session admitted",
		"session_id", sess.ID,
		"token", tok,
		"live_sessions", count,
	)

	sess.Run(ctx)
}

// removeSession drops a closed session from the live set.
func (s *Server) removeSession(sess *mcp.Session) {
	s.mu.Lock()
	delete(s.sessions, sess.ID)
	count := len(s.sessions)
	s.mu.Unlock()

	s.logger.Debug("session removed",
		"session_id", sess.ID,
		"live_sessions", count,
	)
}

// NotifyToolListChanged fans out tools/list_changed to a snapshot of the
// live session set. Per-session send errors are the session's problem.
func (s *Server) NotifyToolListChanged() {
	s.mu.Lock()
	snapshot := make([]*mcp.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		snapshot = append(snapshot, sess)
	}
	s.mu.Unlock()

	for _, sess := range snapshot {
		sess.NotifyToolListChanged()
	}

	s.logger.Debug("tool list change broadcast", "sessions", len(snapshot))
}

// UpdateTokens installs a new token snapshot and broadcasts if the
// permission surface changed.
func (s *Server) UpdateTokens(tokens []auth.Token) {
	if s.store.Update(tokens) {
		s.NotifyToolListChanged()
	}
}

// SetEnabled flips the global enabled flag, broadcasting on a boundary
// crossing. Sessions are kept either way.
func (s *Server) SetEnabled(on bool) {
	if s.dispatcher.SetEnabled(on) {
		s.logger.Info("server enabled flag changed", "enabled", on)
		s.NotifyToolListChanged()
	}
}

// SetServiceEnabled toggles one service binding, broadcasting on change.
func (s *Server) SetServiceEnabled(serviceID string, on bool) {
	if s.dispatcher.SetServiceEnabled(serviceID, on) {
		s.NotifyToolListChanged()
	}
}

// SetServiceBindings replaces the whole service-enabled map, broadcasting
// on change.
func (s *Server) SetServiceBindings(enabled map[string]bool) {
	if s.dispatcher.SetBindings(enabled) {
		s.NotifyToolListChanged()
	}
}

// Stop cancels the listener, deletes the port file, and closes every
// session's transport in parallel, then waits for the loops to exit.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	snapshot := make([]*mcp.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		snapshot = append(snapshot, sess)
	}
	s.mu.Unlock()

	if err := portfile.Remove(s.portFile); err != nil {
		s.logger.Warn("removing port file", "error", err)
	}

	var wg sync.WaitGroup
	for _, sess := range snapshot {
		wg.Add(1)
		go func(sess *mcp.Session) {
			defer wg.Done()
			sess.Close()
		}(sess)
	}
	wg.Wait()

	s.wg.Wait()
	s.state.Store(int32(StateCancelled))
	s.logger.Info("server stopped")
}

// Port returns the currently bound port, or 0 when not ready.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// State returns the listener state.
func (s *Server) State() ListenerState {
	return ListenerState(s.state.Load())
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Addr returns the listener's address string for diagnostics.
func (s *Server) Addr() string {
	port := s.Port()
	if port == 0 {
		return ""
	}
	return fmt.Sprintf("127.0.0.1:%d", port)
}

// sleepCtx sleeps for d unless ctx is cancelled first. Reports whether the
// full sleep elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
