// Package server owns the TCP accept loop and the per-connection
// lifecycle: access screening, peer selection, admission, proxying and
// the connection-level limits (max concurrent connections, max
// requests per connection).
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/avanlb/internal/access"
	"github.com/vyrodovalexey/avanlb/internal/config"
	"github.com/vyrodovalexey/avanlb/internal/metrics"
	"github.com/vyrodovalexey/avanlb/internal/observability"
	"github.com/vyrodovalexey/avanlb/internal/peer"
	"github.com/vyrodovalexey/avanlb/internal/ratelimit"
	"github.com/vyrodovalexey/avanlb/internal/scheduler"
	"github.com/vyrodovalexey/avanlb/internal/util"
)

// Rejection reasons used in logs and metrics.
const (
	rejectAccess    = "access"
	rejectCapacity  = "capacity"
	rejectRateLimit = "rate_limit"
)

// Server is the connection manager. It accepts client connections up
// to the configured cap, screens them, and drives the request loop for
// each one. Connections beyond the cap are rejected immediately rather
// than queued, to bound client-visible latency.
type Server struct {
	cfg           config.Balancer
	registry      *peer.Registry
	selector      scheduler.Selector
	filter        *access.Filter
	peerLimiter   ratelimit.Admitter
	clientLimiter ratelimit.Admitter
	logger        observability.Logger
	dialer        *net.Dialer
	breakers      map[string]*gobreaker.CircuitBreaker

	mu       sync.Mutex
	listener net.Listener
	started  bool

	slots chan struct{}
	wg    sync.WaitGroup
}

// Option is a functional option for configuring the server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDialer sets the dialer used for upstream connections.
func WithDialer(d *net.Dialer) Option {
	return func(s *Server) {
		s.dialer = d
	}
}

// New creates a server. The registry, selector and filter are
// required; limiters fall back to no-ops when the corresponding limit
// is disabled.
func New(
	cfg config.Balancer,
	registry *peer.Registry,
	selector scheduler.Selector,
	filter *access.Filter,
	opts ...Option,
) *Server {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		selector: selector,
		filter:   filter,
		logger:   observability.NopLogger(),
		dialer:   &net.Dialer{},
		breakers: make(map[string]*gobreaker.CircuitBreaker, registry.Len()),
		slots:    make(chan struct{}, cfg.MaxConnections),
	}

	if cfg.RateLimit > 0 {
		s.peerLimiter = ratelimit.NewKeyedLimiter(cfg.RateLimit)
	} else {
		s.peerLimiter = ratelimit.NoopAdmitter{}
	}
	if cfg.ClientRateLimit > 0 {
		s.clientLimiter = ratelimit.NewKeyedLimiter(cfg.ClientRateLimit)
	} else {
		s.clientLimiter = ratelimit.NoopAdmitter{}
	}

	for _, opt := range opts {
		opt(s)
	}

	for _, p := range registry.Peers() {
		s.breakers[p.Address()] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    p.Address(),
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
	}

	return s
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the listener and launches the accept loop. It returns
// once the listener is bound; serving continues until Stop or context
// cancellation.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}

	addr := net.JoinHostPort(s.cfg.ListenAddress, strconv.Itoa(s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return util.WrapError(err, "failed to bind listener")
	}
	s.listener = listener
	s.started = true
	s.mu.Unlock()

	s.logger.Info("listening",
		observability.String("addr", listener.Addr().String()),
		observability.String("strategy", s.selector.Name()),
		observability.Int("peers", s.registry.Len()),
		observability.Int("max_connections", s.cfg.MaxConnections),
	)

	s.wg.Add(1)
	go s.acceptLoop(ctx, listener)

	return nil
}

// Stop closes the listener and waits for in-flight connections, up to
// the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	s.listener = nil
	s.started = false
	s.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return util.WrapError(ctx.Err(), "shutdown drain interrupted")
	}
}

// acceptLoop accepts connections until the listener closes or the
// context is cancelled.
func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				if !isClosedError(err) {
					s.logger.Error("accept failed", observability.Error(err))
				}
			}
			return
		}

		select {
		case s.slots <- struct{}{}:
		default:
			metrics.Get().ConnectionsRejectedTotal.WithLabelValues(rejectCapacity).Inc()
			s.logger.Warn("connection rejected",
				observability.String("reason", rejectCapacity),
				observability.String("client", conn.RemoteAddr().String()),
			)
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.slots }()
			s.handleConn(ctx, conn)
		}()
	}
}

// isClosedError reports a listener closed as part of shutdown.
func isClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
