package control

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chimera/internal/core"
	"chimera/internal/logging"
)

// ==========================================================================
// WebSocket Control Plane
// ==========================================================================
//
// One TCP port serves every control conversation: node registration and
// heartbeats, client intents, task results, and event subscriptions.
// Each payload is a single JSON object with a "type" discriminator;
// replies and server-initiated frames (dispatch, event) travel on the
// same socket. All domain behavior is delegated to the core; this
// package only speaks the wire protocol.

const (
	// wsPath is the upgrade endpoint.
	wsPath = "/ws"

	// writeTimeout bounds a single frame write.
	writeTimeout = 10 * time.Second

	// shutdownTimeout bounds the listener drain on shutdown.
	shutdownTimeout = 10 * time.Second

	// maxFrameBytes caps one inbound frame.
	maxFrameBytes = 1 << 20

	// intentQueueDepth bounds unprocessed intents per connection.
	intentQueueDepth = 64
)

// Server accepts control plane connections and runs their frame loops.
type Server struct {
	core     *core.Core
	guard    *authGuard
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
	conns    map[*conn]struct{}
	draining bool
	runCtx   context.Context

	wg sync.WaitGroup
}

// NewServer creates a control plane for the given core. Call Listen (or
// Run, which listens on demand) to bind the configured address.
func NewServer(c *core.Core) *Server {
	return &Server{
		core:  c,
		guard: newAuthGuard(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
}

// Listen binds the configured control plane address. Binding separately
// from Run lets the caller fail fast at startup and read the resolved
// address before serving; port 0 binds an ephemeral port.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	addr := s.core.Config().ControlPlane.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control plane bind on %s: %w", addr, err)
	}
	s.listener = ln
	logging.Control("Control plane listening on %s", ln.Addr())
	return nil
}

// ListenAddr returns the bound address, or nil before Listen.
func (s *Server) ListenAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run serves connections until ctx is canceled, then drains them.
// Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	s.runCtx = ctx
	ln := s.listener
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, s.handleWS)
	srv := &http.Server{Handler: mux}

	cfg := s.core.Config().ControlPlane
	errCh := make(chan error, 1)
	go func() {
		if cfg.TLSEnabled() {
			errCh <- srv.ServeTLS(ln, cfg.TLSCert, cfg.TLSKey)
		} else {
			errCh <- srv.Serve(ln)
		}
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		// Shutdown does not cover hijacked connections; close the
		// websockets directly so their read loops unblock.
		s.closeConns()
		<-errCh
		s.wg.Wait()
		logging.Control("Control plane stopped")
		return nil
	case err := <-errCh:
		s.closeConns()
		s.wg.Wait()
		return fmt.Errorf("control plane serve: %w", err)
	}
}

// handleWS upgrades one connection and runs its frame loop to completion.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.wg.Add(1)
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.ControlWarn("Upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	c := newConn(s, ws, r.RemoteAddr)
	s.track(c)
	defer s.untrack(c)

	logging.ControlDebug("Connection open from %s", r.RemoteAddr)
	c.run(ctx)
	logging.ControlDebug("Connection from %s closed", r.RemoteAddr)
}

// track registers a live connection. A connection upgraded while the
// server is draining is closed immediately; otherwise closeConns could
// miss it and its read loop would block forever.
func (s *Server) track(c *conn) {
	s.mu.Lock()
	draining := s.draining
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	if draining {
		_ = c.Close()
	}
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// closeConns force-closes every live websocket.
func (s *Server) closeConns() {
	s.mu.Lock()
	s.draining = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
