package qwormhole

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerClientRoundTripWithoutHandshake(t *testing.T) {
	var mu sync.Mutex
	var received [][]byte
	got := make(chan struct{}, 4)

	srv, err := Listen("tcp", "127.0.0.1:0", WithOnMessage(func(conn *Connection, payload []byte) {
		mu.Lock()
		received = append(received, append([]byte(nil), payload...))
		mu.Unlock()
		got <- struct{}{}
	}))
	require.NoError(t, err)
	go srv.Serve()
	defer srv.Shutdown(time.Second)

	cli, err := Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer cli.Close()

	require.NoError(t, cli.Send([]byte("hello")))

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the message")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "hello", string(received[0]))
}

func TestServerClientHandshakeExchange(t *testing.T) {
	connected := make(chan *Connection, 1)
	srv, err := Listen("tcp", "127.0.0.1:0",
		WithProtocolVersion("1.0"),
		WithOnConnection(func(conn *Connection) { connected <- conn }),
	)
	require.NoError(t, err)
	go srv.Serve()
	defer srv.Shutdown(time.Second)

	ready := make(chan struct{}, 1)
	cli, err := Dial("tcp", srv.Addr().String(),
		WithProtocolVersion("1.0"),
		WithOnReady(func() { ready <- struct{}{} }),
	)
	require.NoError(t, err)
	defer cli.Close()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("client never became ready")
	}

	var serverConn *Connection
	select {
	case serverConn = <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("server never observed the connection")
	}
	require.NotNil(t, serverConn)

	// Give the handshake frames a moment to round-trip and attach policy.
	require.Eventually(t, func() bool {
		return serverConn.controller() != nil
	}, 2*time.Second, 10*time.Millisecond, "server connection should attach a controller once its handshake completes")
}

func TestServerMaxClientsRejectsExtraConnections(t *testing.T) {
	srv, err := Listen("tcp", "127.0.0.1:0", WithMaxClients(1))
	require.NoError(t, err)
	go srv.Serve()
	defer srv.Shutdown(time.Second)

	cli1, err := Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer cli1.Close()

	require.Eventually(t, func() bool { return srv.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(buf)
	assert.Error(t, err, "a connection over max-clients should be closed by the server")
}

func TestClientCloseIsIdempotentAndSuppressesReconnect(t *testing.T) {
	srv, err := Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve()
	defer srv.Shutdown(time.Second)

	reconnecting := make(chan struct{}, 1)
	cli, err := Dial("tcp", srv.Addr().String(),
		WithReconnect(ReconnectConfig{InitialDelay: 10 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}),
		WithOnReconnecting(func(attempt int, delay time.Duration) {
			select {
			case reconnecting <- struct{}{}:
			default:
			}
		}),
	)
	require.NoError(t, err)

	require.NoError(t, cli.Close())
	require.NoError(t, cli.Close(), "a second Close must be a no-op, not an error")

	select {
	case <-reconnecting:
		t.Fatal("a user-initiated close must not trigger a reconnect")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestServerShutdownClosesListenerAndConnections(t *testing.T) {
	srv, err := Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve()

	cli, err := Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer cli.Close()

	require.Eventually(t, func() bool { return srv.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, srv.Shutdown(time.Second))
	assert.Equal(t, 0, srv.ClientCount())

	_, err = net.Dial("tcp", srv.Addr().String())
	assert.Error(t, err, "the listener must be closed after Shutdown")
}
