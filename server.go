package qwormhole

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"
)

// Server is the connection lifecycle from spec.md §4.H: it accepts
// sockets, manages a per-connection framer/controller/queue/bucket, and
// enforces max-clients, trust-snapshot emission, and graceful shutdown.
type Server struct {
	cfg      *Config
	listener net.Listener
	metrics  Metrics
	ledger   Ledger

	mu      sync.Mutex
	clients map[string]*Connection
	closed  bool
}

// Listen binds network/address (as net.Listen) and returns a Server
// ready for Serve. Callers needing TLS wrap their own net.Listener with
// tls.NewListener and hand it to ListenConn instead — spec.md's Non-
// goals explicitly keep TLS setup outside the transport core.
func Listen(network, address string, opts ...Option) (*Server, error) {
	cfg := applyConfig(opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	return newServer(ln, cfg), nil
}

// ListenConn wraps an already-constructed net.Listener (e.g. a
// tls.Listener) with the transport's connection lifecycle.
func ListenConn(ln net.Listener, opts ...Option) (*Server, error) {
	cfg := applyConfig(opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newServer(ln, cfg), nil
}

func newServer(ln net.Listener, cfg *Config) *Server {
	ledger := cfg.Ledger
	if ledger == nil {
		ledger = NewInMemoryLedger(0, 0)
	}
	return &Server{
		cfg:      cfg,
		listener: ln,
		metrics:  cfg.metrics,
		ledger:   ledger,
		clients:  make(map[string]*Connection),
	}
}

// Addr returns the listener's bound address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Metrics returns the server's telemetry counters.
func (s *Server) Metrics() Metrics { return s.metrics }

// Ledger returns the server's failed-handshake ledger.
func (s *Server) Ledger() Ledger { return s.ledger }

// ClientCount returns the number of currently tracked connections.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Serve runs the accept loop until the listener closes or Shutdown is
// called. It returns nil on a clean shutdown.
func (s *Server) Serve() error {
	for {
		socket, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		go s.handleAccept(socket)
	}
}

// handleAccept implements spec.md §4.H "Listen / accept" and "Install
// handlers".
func (s *Server) handleAccept(socket net.Conn) {
	s.mu.Lock()
	over := s.cfg.MaxClients > 0 && len(s.clients) >= s.cfg.MaxClients
	s.mu.Unlock()
	if over {
		_ = socket.Close()
		if s.cfg.OnServerError != nil {
			s.cfg.OnServerError(nil, fmt.Errorf("%w: remote %s", ErrMaxClients, socket.RemoteAddr()))
		}
		return
	}

	remote := socket.RemoteAddr().String()
	if s.cfg.AllowConnection != nil && !s.cfg.AllowConnection(remote) {
		_ = socket.Close()
		return
	}
	if s.cfg.OnAuthorizeConnection != nil {
		if err := s.cfg.OnAuthorizeConnection(socket); err != nil {
			_ = socket.Close()
			return
		}
	}

	if tcp, ok := socket.(*net.TCPConn); ok {
		if s.cfg.KeepAlive {
			_ = tcp.SetKeepAlive(true)
			_ = tcp.SetKeepAlivePeriod(s.cfg.KeepAliveDelay)
		}
	}

	conn := newConnection(socket, s.cfg)

	events := make(chan FramerEvent, 32)
	conn.Framer.SetEvents(events)
	conn.Framer.SetOnMessage(func(payload []byte) error {
		return s.onFrame(conn, payload)
	})

	s.mu.Lock()
	s.clients[conn.ID] = conn
	s.mu.Unlock()
	s.metrics.IncrementConnections()
	s.reportTelemetry()

	if s.cfg.OnConnection != nil {
		s.cfg.OnConnection(conn)
	}

	if s.cfg.ProtocolVersion != "" {
		payload := BuildHandshakePayload(s.cfg.ProtocolVersion, nil, &s.cfg.LocalNIndex)
		if s.cfg.Signer != nil {
			if err := s.cfg.Signer(payload); err != nil {
				_ = socket.Close()
				return
			}
		}
		if data, err := (jsonCodec{}).Marshal(payload); err == nil {
			conn.Send(data, PriorityHandshake)
		}
	}

	go s.pumpEvents(conn, events)
	s.readLoop(conn)
}

// onFrame is the Framer's inbound callback: while a handshake is
// pending, route the first frame through §4.G; afterwards, deliver it as
// an application message (spec.md §4.H "Data path").
func (s *Server) onFrame(conn *Connection, payload []byte) error {
	if conn.HandshakePending {
		return s.processHandshake(conn, payload)
	}
	if s.cfg.OnMessage != nil {
		s.cfg.OnMessage(conn, payload)
	}
	return nil
}

// processHandshake implements spec.md §4.G's ingress pipeline end to
// end, attaching the derived policy on success and tearing the
// connection down on any failure.
func (s *Server) processHandshake(conn *Connection, payload []byte) error {
	var tlsState *tls.ConnectionState
	if tc, ok := conn.Socket.(*tls.Conn); ok {
		st := tc.ConnectionState()
		tlsState = &st
	}

	outcome, err := ProcessHandshake(payload, HandshakeOptions{
		ExpectedVersion:         s.cfg.ProtocolVersion,
		TLSState:                tlsState,
		Verifier:                s.cfg.Verifier,
		RequireExplicitVerifier: s.cfg.RequireExplicitVerifier,
		LocalNIndex:             s.cfg.LocalNIndex,
	})
	if err != nil {
		s.metrics.IncrementHandshakeFailures()
		s.ledger.RecordFailure(conn.remoteKey())
		s.destroyConnection(conn, CloseReasonError, true, err)
		return err
	}

	conn.attachPolicy(outcome)
	if s.cfg.EmitHandshakeMessages && s.cfg.OnMessage != nil {
		conn.HandshakeMessageDelivered = true
		s.cfg.OnMessage(conn, payload)
	}
	return nil
}

// pumpEvents consumes a connection's Framer telemetry, forwarding
// backpressure/drain to its controller and to the configured callbacks,
// and enforcing the independent max-backpressure-bytes guard (spec.md
// §4.H "Write path").
func (s *Server) pumpEvents(conn *Connection, events chan FramerEvent) {
	for ev := range events {
		switch ev.Type {
		case EventBackpressure:
			s.metrics.IncrementBackpressureEvents()
			conn.Backpressured = true
			if ctl := conn.controller(); ctl != nil {
				ctl.OnBackpressure(ev.QueuedBytes)
			}
			if s.cfg.OnBackpressure != nil {
				s.cfg.OnBackpressure(conn, ev.QueuedBytes)
			}
			if s.cfg.MaxBackpressureBytes > 0 && int64(ev.QueuedBytes) > s.cfg.MaxBackpressureBytes {
				s.destroyConnection(conn, CloseReasonError, true, ErrBackpressureLimit)
				return
			}
			s.reportTelemetry()
		case EventDrain:
			s.metrics.IncrementDrainEvents()
			conn.Backpressured = false
			if ctl := conn.controller(); ctl != nil {
				ctl.OnDrain()
			}
			if s.cfg.OnDrain != nil {
				s.cfg.OnDrain(conn)
			}
			s.reportTelemetry()
		}
	}
}

// readLoop feeds inbound bytes to the connection's Framer/decoder until
// the socket errors or closes (spec.md §4.H "Data path").
func (s *Server) readLoop(conn *Connection) {
	buf := make([]byte, 64*1024)
	var closeErr error
	for {
		if s.cfg.IdleTimeout > 0 {
			_ = conn.Socket.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		n, err := conn.Socket.Read(buf)
		if n > 0 {
			s.metrics.IncrementBytesIn(int64(n))
			if ferr := conn.Framer.Push(buf[:n]); ferr != nil {
				closeErr = ferr
				break
			}
		}
		if err != nil {
			closeErr = err
			break
		}
	}

	hadError := closeErr != nil
	reason := CloseReasonClose
	if hadError {
		reason = CloseReasonError
	}
	if conn.HandshakePending {
		hadError = true
	}
	s.destroyConnection(conn, reason, hadError, closeErr)
}

// destroyConnection implements spec.md §4.H "Close": emits a trust
// snapshot exactly once, detaches the framer, removes the connection
// from the client map, and reports "client-closed".
func (s *Server) destroyConnection(conn *Connection, reason CloseReason, hadError bool, cause error) {
	s.mu.Lock()
	_, present := s.clients[conn.ID]
	delete(s.clients, conn.ID)
	s.mu.Unlock()
	if !present {
		return
	}

	s.emitTrustSnapshot(conn, reason)

	_ = conn.Close()
	s.metrics.DecrementConnections()
	s.reportTelemetry()

	if hadError && cause != nil && s.cfg.OnServerError != nil {
		s.cfg.OnServerError(conn, cause)
	}
	if s.cfg.OnClientClosed != nil {
		s.cfg.OnClientClosed(conn, reason, hadError)
	}
}

// emitTrustSnapshot implements spec.md §4.H "Trust snapshot": guarded by
// the connection's own in-flight flag so exactly one snapshot fires per
// close event.
func (s *Server) emitTrustSnapshot(conn *Connection, reason CloseReason) {
	if s.cfg.TrustSnapshotSink == nil {
		return
	}
	if !conn.tryMarkSnapshotted() {
		return
	}
	snap := conn.snapshotNow("inbound", reason)
	go s.cfg.TrustSnapshotSink(snap)
}

func (s *Server) reportTelemetry() {
	if s.cfg.TelemetrySink == nil {
		return
	}
	s.cfg.TelemetrySink(s.metrics.Snapshot())
}

// Shutdown gracefully ends every connection (spec.md §4.H "Shutdown"):
// each socket is asked to close; any still open after grace are
// destroyed outright, then the listener is closed.
func (s *Server) Shutdown(grace time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*Connection, 0, len(s.clients))
	for _, c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Socket.SetReadDeadline(time.Now())
	}

	if grace > 0 {
		deadline := time.Now().Add(grace)
		for time.Now().Before(deadline) {
			if s.ClientCount() == 0 {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	s.mu.Lock()
	remaining := make([]*Connection, 0, len(s.clients))
	for _, c := range s.clients {
		remaining = append(remaining, c)
	}
	s.mu.Unlock()
	for _, c := range remaining {
		s.destroyConnection(c, CloseReasonClose, false, nil)
	}

	return s.listener.Close()
}
