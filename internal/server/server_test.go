package server

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avanlb/internal/access"
	"github.com/vyrodovalexey/avanlb/internal/config"
	"github.com/vyrodovalexey/avanlb/internal/peer"
	"github.com/vyrodovalexey/avanlb/internal/scheduler"
)

// testBackend is a loopback TCP backend with a pluggable per-connection
// handler.
type testBackend struct {
	ln     net.Listener
	served atomic.Int64
}

func startBackend(t *testing.T, handler func(net.Conn)) *testBackend {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := &testBackend{ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			b.served.Add(1)
			go handler(conn)
		}
	}()

	t.Cleanup(func() { ln.Close() })
	return b
}

func (b *testBackend) addr() string {
	return b.ln.Addr().String()
}

// echoOnce reads one 4-byte request, answers "pong" and closes; the
// peer-side close ends the request and allows connection reuse.
func echoOnce(conn net.Conn) {
	defer conn.Close()

	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return
	}
	conn.Write([]byte("pong"))
}

// holdOpen consumes input and never responds or closes.
func holdOpen(conn net.Conn) {
	defer conn.Close()
	io.Copy(io.Discard, conn)
}

func balancerConfig(mutate func(*config.Balancer)) config.Balancer {
	cfg := config.Balancer{
		Strategy:                 config.StrategyRoundRobin,
		ListenAddress:            "127.0.0.1",
		Port:                     0,
		MaxConnections:           16,
		MaxRequestsPerConnection: 64,
		RequestTimeout:           config.Duration(2 * time.Second),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return cfg
}

// startServer wires a server against the given backends and returns it
// with its registry. The listener address is available via Addr().
func startServer(t *testing.T, cfg config.Balancer, whitelist, blacklist []string, backends ...*testBackend) (*Server, *peer.Registry) {
	t.Helper()

	cfgPeers := make([]config.Peer, 0, len(backends))
	for _, b := range backends {
		cfgPeers = append(cfgPeers, config.Peer{Address: b.addr()})
	}
	registry, err := peer.NewRegistry(cfgPeers, 3)
	require.NoError(t, err)

	selector, err := scheduler.New(cfg.Strategy, nil)
	require.NoError(t, err)

	filter, err := access.NewFilter(whitelist, blacklist)
	require.NoError(t, err)

	srv := New(cfg, registry, selector, filter)
	require.NoError(t, srv.Start(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	return srv, registry
}

// exchange performs one request on an open client connection.
func exchange(t *testing.T, conn net.Conn) {
	t.Helper()

	_, err := conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf))
}

func dialServer(t *testing.T, srv *Server) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServer_ProxiesRequests(t *testing.T) {
	t.Parallel()

	backend := startBackend(t, echoOnce)
	srv, registry := startServer(t, balancerConfig(nil), nil, nil, backend)

	conn := dialServer(t, srv)
	for i := 0; i < 3; i++ {
		exchange(t, conn)
	}

	assert.Equal(t, int64(3), backend.served.Load())
	assert.Equal(t, peer.Healthy, registry.Peers()[0].Health())
}

func TestServer_RotatesAfterMaxRequests(t *testing.T) {
	t.Parallel()

	backend := startBackend(t, echoOnce)
	cfg := balancerConfig(func(c *config.Balancer) {
		c.MaxRequestsPerConnection = 3
	})
	srv, _ := startServer(t, cfg, nil, nil, backend)

	conn := dialServer(t, srv)
	for i := 0; i < 3; i++ {
		exchange(t, conn)
	}

	// The quota is spent; the server closes its side and the client
	// must reconnect.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	// A fresh connection gets a fresh quota.
	conn2 := dialServer(t, srv)
	exchange(t, conn2)
	assert.Equal(t, int64(4), backend.served.Load())
}

func TestServer_DistributesRoundRobin(t *testing.T) {
	t.Parallel()

	b1 := startBackend(t, echoOnce)
	b2 := startBackend(t, echoOnce)
	srv, _ := startServer(t, balancerConfig(nil), nil, nil, b1, b2)

	conn := dialServer(t, srv)
	for i := 0; i < 6; i++ {
		exchange(t, conn)
	}

	assert.Equal(t, int64(3), b1.served.Load())
	assert.Equal(t, int64(3), b2.served.Load())
}

func TestServer_ConnectionCapRejectsImmediately(t *testing.T) {
	t.Parallel()

	backend := startBackend(t, holdOpen)
	cfg := balancerConfig(func(c *config.Balancer) {
		c.MaxConnections = 1
		c.RequestTimeout = config.Duration(10 * time.Second)
	})
	srv, _ := startServer(t, cfg, nil, nil, backend)

	// The first connection occupies the only slot.
	first := dialServer(t, srv)
	_, err := first.Write([]byte("hold"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return backend.served.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The second connection is closed at once, not queued.
	second := dialServer(t, srv)
	second.SetReadDeadline(time.Now().Add(2 * time.Second))

	start := time.Now()
	_, err = second.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Less(t, time.Since(start), time.Second)
}

func TestServer_BlacklistedClientRejected(t *testing.T) {
	t.Parallel()

	backend := startBackend(t, echoOnce)
	srv, _ := startServer(t, balancerConfig(nil), nil, []string{"127.0.0.1"}, backend)

	conn := dialServer(t, srv)
	_, err := conn.Write([]byte("p"))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, int64(0), backend.served.Load())
}

func TestServer_WhitelistAdmitsListedClient(t *testing.T) {
	t.Parallel()

	backend := startBackend(t, echoOnce)
	srv, _ := startServer(t, balancerConfig(nil), []string{"127.0.0.1"}, nil, backend)

	conn := dialServer(t, srv)
	exchange(t, conn)
	assert.Equal(t, int64(1), backend.served.Load())
}

func TestServer_IdleClientDoesNotIndictPeer(t *testing.T) {
	t.Parallel()

	backend := startBackend(t, echoOnce)
	cfg := balancerConfig(func(c *config.Balancer) {
		c.RequestTimeout = config.Duration(300 * time.Millisecond)
	})
	srv, registry := startServer(t, cfg, nil, nil, backend)

	conn := dialServer(t, srv)
	exchange(t, conn)

	// Idle well past the request timeout. No peer is dialed while the
	// client is silent, so no deadline can fire and no failure can be
	// charged to the peer.
	time.Sleep(600 * time.Millisecond)

	p := registry.Peers()[0]
	assert.Equal(t, int64(1), backend.served.Load())
	assert.Equal(t, 0, p.ConsecutiveFailures())
	assert.Equal(t, peer.Healthy, p.Health())

	// The connection is still usable after the idle period.
	exchange(t, conn)
	assert.Equal(t, int64(2), backend.served.Load())
	assert.Equal(t, peer.Healthy, p.Health())
}

func TestServer_RequestTimeoutCountsAsPeerFailure(t *testing.T) {
	t.Parallel()

	backend := startBackend(t, holdOpen)
	cfg := balancerConfig(func(c *config.Balancer) {
		c.RequestTimeout = config.Duration(150 * time.Millisecond)
	})
	srv, registry := startServer(t, cfg, nil, nil, backend)

	conn := dialServer(t, srv)
	_, err := conn.Write([]byte("ping"))
	require.NoError(t, err)

	// The backend never answers; the deadline ends the request, feeds
	// the failure counter and closes the client connection.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	p := registry.Peers()[0]
	assert.GreaterOrEqual(t, p.ConsecutiveFailures(), 1)
	assert.Equal(t, peer.Suspect, p.Health())
}

func TestServer_NoEligiblePeerClosesConnection(t *testing.T) {
	t.Parallel()

	backend := startBackend(t, echoOnce)
	srv, registry := startServer(t, balancerConfig(nil), nil, nil, backend)

	p := registry.Peers()[0]
	for p.Health() != peer.Unhealthy {
		p.RecordFailure()
	}

	conn := dialServer(t, srv)
	_, err := conn.Write([]byte("p"))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, int64(0), backend.served.Load())
}

func TestServer_ClientRateLimitEndsConnection(t *testing.T) {
	t.Parallel()

	backend := startBackend(t, echoOnce)
	cfg := balancerConfig(func(c *config.Balancer) {
		c.ClientRateLimit = 1
	})
	srv, _ := startServer(t, cfg, nil, nil, backend)

	conn := dialServer(t, srv)
	exchange(t, conn)

	// The second request in the same window exceeds the per-client
	// cap; admission runs once its first byte arrives and the server
	// ends the connection.
	_, err := conn.Write([]byte("p"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, int64(1), backend.served.Load())
}

func TestServer_PeerRateLimitPassesOver(t *testing.T) {
	t.Parallel()

	b1 := startBackend(t, echoOnce)
	b2 := startBackend(t, echoOnce)
	cfg := balancerConfig(func(c *config.Balancer) {
		c.RateLimit = 1
	})
	srv, registry := startServer(t, cfg, nil, nil, b1, b2)

	// Both peers have one token; two back-to-back requests are served
	// by different peers.
	conn := dialServer(t, srv)
	exchange(t, conn)
	exchange(t, conn)

	assert.Equal(t, int64(1), b1.served.Load())
	assert.Equal(t, int64(1), b2.served.Load())

	// With every peer over its cap the next request finds no backend
	// and the connection is closed without touching peer health.
	_, err := conn.Write([]byte("p"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)

	for _, p := range registry.Peers() {
		assert.Equal(t, peer.Healthy, p.Health())
	}
}

func TestServer_StartStop(t *testing.T) {
	t.Parallel()

	backend := startBackend(t, echoOnce)
	srv, _ := startServer(t, balancerConfig(nil), nil, nil, backend)

	require.NotNil(t, srv.Addr())
	addr := srv.Addr().String()

	// Double start is refused.
	err := srv.Start(context.Background())
	require.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	// The listener is released after stop.
	conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	if err == nil {
		conn.Close()
		t.Fatal("expected dial to fail after stop")
	}
}
