package qwormhole

import (
	"fmt"
	"math"
	"net"
	"sync"
	"time"
)

// Client is the client-side connection lifecycle from spec.md §4.I:
// connect with timeout, reconnect with exponential backoff, heartbeat,
// and error-classified close.
type Client struct {
	cfg     *Config
	network string
	address string

	mu         sync.Mutex
	conn       *Connection
	closeToken int64
	userClosed bool
	attempt    int

	heartbeatStop chan struct{}
	wg            sync.WaitGroup
}

// Dial opens a connection per spec.md §4.I "Connect": it resolves
// InterfaceName if set, dials with ConnectTimeout, attaches the outbound
// framer, enqueues a handshake payload when a protocol version is
// configured, and starts the heartbeat. The flow controller is attached
// once the server's handshake frame has been processed.
func Dial(network, address string, opts ...Option) (*Client, error) {
	cfg := applyConfig(opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{cfg: cfg, network: network, address: address}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) localAddr() (net.Addr, error) {
	if c.cfg.InterfaceName == "" {
		if c.cfg.LocalAddress == "" {
			return nil, nil
		}
		return &net.TCPAddr{IP: net.ParseIP(c.cfg.LocalAddress), Port: c.cfg.LocalPort}, nil
	}
	iface, err := net.InterfaceByName(c.cfg.InterfaceName)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInterfaceNotFound, c.cfg.InterfaceName)
	}
	addrs, err := iface.Addrs()
	if err != nil || len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s has no usable address", ErrInterfaceNotFound, c.cfg.InterfaceName)
	}
	ipNet, ok := addrs[0].(*net.IPNet)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInterfaceNotFound, c.cfg.InterfaceName)
	}
	return &net.TCPAddr{IP: ipNet.IP, Port: c.cfg.LocalPort}, nil
}

// connect dials the socket, attaches the transport core, and enqueues
// the handshake. It does not schedule reconnects; callers (Dial,
// scheduleReconnect) decide that.
func (c *Client) connect() error {
	local, err := c.localAddr()
	if err != nil {
		return err
	}

	dialer := &net.Dialer{LocalAddr: local}
	timeout := c.cfg.ConnectTimeout
	if timeout > 0 {
		dialer.Timeout = timeout
	}

	socket, err := dialer.Dial(c.network, c.address)
	if err != nil {
		if timeout > 0 {
			return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		return err
	}

	conn := newConnection(socket, c.cfg)
	conn.Framer.SetOnMessage(func(payload []byte) error {
		return c.onFrame(conn, payload)
	})
	events := make(chan FramerEvent, 32)
	conn.Framer.SetEvents(events)

	c.mu.Lock()
	c.conn = conn
	token := c.closeToken
	c.attempt = 0
	c.mu.Unlock()

	c.wg.Add(1)
	go c.pumpEvents(conn, events)

	if c.cfg.ProtocolVersion != "" {
		payload := BuildHandshakePayload(c.cfg.ProtocolVersion, nil, &c.cfg.LocalNIndex)
		if c.cfg.Signer != nil {
			if err := c.cfg.Signer(payload); err != nil {
				_ = socket.Close()
				return err
			}
		}
		data, err := jsonCodec{}.Marshal(payload)
		if err != nil {
			_ = socket.Close()
			return err
		}
		conn.Send(data, PriorityHandshake)
	}

	if c.cfg.OnConnection != nil {
		c.cfg.OnConnection(conn)
	}
	if c.cfg.OnReady != nil {
		c.cfg.OnReady()
	}

	c.startHeartbeat()

	c.wg.Add(1)
	go c.readLoop(conn, token)

	return nil
}

// onFrame delivers inbound frames to OnMessage, routing the first one
// through §4.G when the server echoes its own handshake back (spec.md
// §6: "the first frame on each direction is expected to be... a
// handshake").
func (c *Client) onFrame(conn *Connection, payload []byte) error {
	if conn.HandshakePending {
		return c.processHandshake(conn, payload)
	}
	if c.cfg.OnMessage != nil {
		c.cfg.OnMessage(conn, payload)
	}
	return nil
}

func (c *Client) processHandshake(conn *Connection, payload []byte) error {
	outcome, err := ProcessHandshake(payload, HandshakeOptions{
		ExpectedVersion:         c.cfg.ProtocolVersion,
		Verifier:                c.cfg.Verifier,
		RequireExplicitVerifier: c.cfg.RequireExplicitVerifier,
		LocalNIndex:             c.cfg.LocalNIndex,
	})
	if err != nil {
		c.cfg.metrics.IncrementHandshakeFailures()
		_ = conn.Socket.Close()
		return err
	}
	conn.attachPolicy(outcome)
	return nil
}

func (c *Client) pumpEvents(conn *Connection, events chan FramerEvent) {
	defer c.wg.Done()
	for ev := range events {
		switch ev.Type {
		case EventBackpressure:
			c.cfg.metrics.IncrementBackpressureEvents()
			conn.Backpressured = true
			if ctl := conn.controller(); ctl != nil {
				ctl.OnBackpressure(ev.QueuedBytes)
			}
			if c.cfg.OnBackpressure != nil {
				c.cfg.OnBackpressure(conn, ev.QueuedBytes)
			}
		case EventDrain:
			c.cfg.metrics.IncrementDrainEvents()
			conn.Backpressured = false
			if ctl := conn.controller(); ctl != nil {
				ctl.OnDrain()
			}
			if c.cfg.OnDrain != nil {
				c.cfg.OnDrain(conn)
			}
		}
	}
}

// readLoop feeds inbound bytes until the socket errs or closes, then
// classifies and reports the close (spec.md §4.I "Close classification"),
// scheduling a reconnect if enabled and the close wasn't user-initiated.
func (c *Client) readLoop(conn *Connection, token int64) {
	defer c.wg.Done()
	buf := make([]byte, 64*1024)
	var closeErr error
	for {
		if c.cfg.IdleTimeout > 0 {
			_ = conn.Socket.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		}
		n, err := conn.Socket.Read(buf)
		if n > 0 {
			c.cfg.metrics.IncrementBytesIn(int64(n))
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

	c.mu.Lock()
	stale := token != c.closeToken
	userClosed := c.userClosed
	if !stale && c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	if stale {
		// A prior socket's callback arriving after a newer connect/close
		// cycle already superseded it (spec.md §4.I close token scheme).
		return
	}

	hadError := closeErr != nil && !userClosed
	c.stopHeartbeat()
	c.emitTrustSnapshot(conn, closeErr, userClosed)
	_ = conn.Close()

	if c.cfg.OnClientClosed != nil {
		reason := CloseReasonClose
		if hadError {
			reason = CloseReasonError
		} else if userClosed {
			reason = CloseReasonDisconnect
		}
		c.cfg.OnClientClosed(conn, reason, hadError)
	}

	if !userClosed && c.cfg.Reconnect.Enabled {
		c.scheduleReconnect()
	}
}

func (c *Client) emitTrustSnapshot(conn *Connection, closeErr error, userClosed bool) {
	if c.cfg.TrustSnapshotSink == nil {
		return
	}
	if !conn.tryMarkSnapshotted() {
		return
	}
	reason := CloseReasonClose
	if closeErr != nil && !userClosed {
		reason = CloseReasonError
	} else if userClosed {
		reason = CloseReasonDisconnect
	}
	snap := conn.snapshotNow("outbound", reason)
	go c.cfg.TrustSnapshotSink(snap)
}

// scheduleReconnect implements spec.md §4.I "Reconnect": exponential
// backoff capped at MaxDelay, ending after MaxAttempts (0 = unlimited).
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	c.attempt++
	attempt := c.attempt
	c.mu.Unlock()

	if c.cfg.Reconnect.MaxAttempts > 0 && attempt > c.cfg.Reconnect.MaxAttempts {
		return
	}

	delay := time.Duration(float64(c.cfg.Reconnect.InitialDelay) * math.Pow(c.cfg.Reconnect.Multiplier, float64(attempt-1)))
	if c.cfg.Reconnect.MaxDelay > 0 && delay > c.cfg.Reconnect.MaxDelay {
		delay = c.cfg.Reconnect.MaxDelay
	}

	if c.cfg.OnReconnecting != nil {
		c.cfg.OnReconnecting(attempt, delay)
	}

	time.AfterFunc(delay, func() {
		c.mu.Lock()
		userClosed := c.userClosed
		c.mu.Unlock()
		if userClosed {
			return
		}
		if err := c.connect(); err != nil {
			c.scheduleReconnect()
		}
	})
}

// Send serializes nothing itself (payload is already application bytes)
// and enqueues it at default priority, draining through the controller
// or a direct framed write (spec.md §4.I "Send").
func (c *Client) Send(payload []byte) error {
	return c.sendPriority(payload, PriorityDefault)
}

func (c *Client) sendPriority(payload []byte, priority int64) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	conn.Send(payload, priority)
	c.cfg.metrics.IncrementBytesOut(int64(len(payload) + FrameHeaderSize))
	return nil
}

func (c *Client) startHeartbeat() {
	if c.cfg.HeartbeatInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	c.mu.Lock()
	c.heartbeatStop = stop
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = c.sendPriority(c.cfg.HeartbeatPayload, PriorityHeartbeat)
			}
		}
	}()
}

func (c *Client) stopHeartbeat() {
	c.mu.Lock()
	stop := c.heartbeatStop
	c.heartbeatStop = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// Close is the user-initiated disconnect (spec.md §4.I "Disconnect"): it
// stops the heartbeat, keeps any pending reconnect from dialing, detaches
// the framer, and closes the socket, reporting had_error=false exactly
// once via the close-token scheme. If the read loop already reported the
// connection's close, Close reports nothing further.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.userClosed {
		c.mu.Unlock()
		return nil
	}
	c.userClosed = true
	c.closeToken++
	conn := c.conn
	c.mu.Unlock()

	c.stopHeartbeat()
	if conn == nil {
		return nil
	}
	c.emitTrustSnapshot(conn, nil, true)
	err := conn.Close()
	if c.cfg.OnClientClosed != nil {
		c.cfg.OnClientClosed(conn, CloseReasonDisconnect, false)
	}
	return err
}

// Connection returns the client's current underlying Connection, or nil
// if not connected.
func (c *Client) Connection() *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}
