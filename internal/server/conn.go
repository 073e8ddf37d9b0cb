package server

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/avanlb/internal/health"
	"github.com/vyrodovalexey/avanlb/internal/metrics"
	"github.com/vyrodovalexey/avanlb/internal/observability"
	"github.com/vyrodovalexey/avanlb/internal/peer"
	"github.com/vyrodovalexey/avanlb/internal/proxy"
	"github.com/vyrodovalexey/avanlb/internal/util"
)

// handleConn drives one accepted client connection through admission
// and up to MaxRequestsPerConnection proxied requests. Reaching the
// quota closes the connection from the server side so the client's
// reconnect re-enters scheduling and rebalances long-lived clients.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	clientIP := remoteIP(conn)
	logger := s.logger.With(observability.String("client", conn.RemoteAddr().String()))

	m := metrics.Get()
	m.ConnectionsAcceptedTotal.Inc()
	m.ActiveConnections.Inc()
	defer m.ActiveConnections.Dec()

	logger.Debug("connection accepted")

	for requests := 0; requests < s.cfg.MaxRequestsPerConnection; requests++ {
		// Dispatch is lazy: nothing is selected, admitted or dialed
		// until the client sends the first byte of a request. A client
		// idling between requests therefore never charges a peer with
		// a timeout and never consumes rate tokens or upstream
		// connections.
		initial, err := awaitRequest(ctx, conn)
		if err != nil {
			logger.Debug("client disconnected",
				observability.Int("requests", requests),
			)
			return
		}

		// The full admission path runs per request, not only at
		// accept time, so list and limit changes between requests on
		// a multiplexed connection are honored.
		if !s.filter.PermitString(clientIP) {
			m.ConnectionsRejectedTotal.WithLabelValues(rejectAccess).Inc()
			logger.Warn("connection rejected", observability.String("reason", rejectAccess))
			return
		}

		if res := s.clientLimiter.Admit(clientIP); !res.Allowed {
			m.ConnectionsRejectedTotal.WithLabelValues(rejectRateLimit).Inc()
			m.RateLimitRejectionsTotal.WithLabelValues("client").Inc()
			logger.Warn("connection rejected",
				observability.String("reason", rejectRateLimit),
				observability.Duration("retry_after", res.RetryAfter),
			)
			return
		}

		done, err := s.serveRequest(ctx, conn, initial, logger)
		if err != nil {
			logger.Warn("request failed", observability.Error(err))
			return
		}
		if done {
			logger.Debug("client disconnected",
				observability.Int("requests", requests+1),
			)
			return
		}
	}

	m.RotationsTotal.Inc()
	logger.Info("connection rotated",
		observability.Int("requests", s.cfg.MaxRequestsPerConnection),
	)
}

// awaitRequest blocks until the client sends the first byte of its
// next request and returns it, so it can be replayed to the peer
// selected afterwards. It returns an error when the client closes or
// ctx is cancelled. The wait polls in short slices so shutdown is
// honored without closing idle connections from another goroutine.
func awaitRequest(ctx context.Context, conn net.Conn) ([]byte, error) {
	buf := make([]byte, 1)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return nil, err
		}

		n, err := conn.Read(buf)
		if n > 0 {
			_ = conn.SetReadDeadline(time.Time{})
			return buf[:n], nil
		}
		if err == nil {
			continue
		}
		if isTimeout(err) {
			continue
		}
		_ = conn.SetReadDeadline(time.Time{})
		return nil, err
	}
}

// serveRequest routes one request: select a peer, dial it through its
// breaker, replay the initial bytes and pipe until the exchange ends
// or the request deadline fires. The deadline clock starts here, after
// the client has begun the request, so only peer slowness can trip it.
// It returns done=true when the client side ended the connection.
func (s *Server) serveRequest(ctx context.Context, conn net.Conn, initial []byte, logger observability.Logger) (bool, error) {
	p, err := s.dispatch()
	if err != nil {
		return false, err
	}

	m := metrics.Get()
	m.SelectionsTotal.WithLabelValues(p.Address()).Inc()

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout.Duration())
	defer cancel()

	upstream, err := s.dial(reqCtx, p)
	if err != nil {
		// Breaker rejections are capacity signals, not peer failures.
		if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
			health.RecordFailure(p, logger, err)
		}
		m.RequestFailuresTotal.WithLabelValues(p.Address(), failureKind(err)).Inc()
		return false, err
	}

	if _, err := upstream.Write(initial); err != nil {
		_ = upstream.Close()
		health.RecordFailure(p, logger, err)
		perr := toPeerError(p.Address(), err)
		m.RequestFailuresTotal.WithLabelValues(p.Address(), failureKind(perr)).Inc()
		m.RequestsTotal.WithLabelValues(p.Address(), "failure").Inc()
		return false, perr
	}

	p.Acquire()
	m.PeerActiveConnections.WithLabelValues(p.Address()).Inc()
	start := time.Now()

	res := proxy.Pipe(reqCtx, conn, upstream)

	elapsed := time.Since(start)
	p.Release()
	m.PeerActiveConnections.WithLabelValues(p.Address()).Dec()
	m.RequestDurationSeconds.WithLabelValues(p.Address()).Observe(elapsed.Seconds())

	if res.Err != nil {
		health.RecordFailure(p, logger, res.Err)
		perr := toPeerError(p.Address(), res.Err)
		m.RequestFailuresTotal.WithLabelValues(p.Address(), failureKind(perr)).Inc()
		m.RequestsTotal.WithLabelValues(p.Address(), "failure").Inc()
		return false, perr
	}

	health.RecordSuccess(p, logger)
	m.RequestsTotal.WithLabelValues(p.Address(), "success").Inc()

	if res.ClientErr != nil {
		logger.Debug("client transport error", observability.Error(res.ClientErr))
	}

	return res.ClientClosed, nil
}

// dispatch runs the selection and admission loop: the scheduler picks
// the next eligible peer, and rate-limited or breaker-open peers are
// passed over in favor of the next one. It fails with ErrNoBackend
// once every eligible peer has been rejected.
func (s *Server) dispatch() (*peer.Peer, error) {
	peers := s.registry.Peers()

	// A weighted selector may return the same peer up to weight times
	// in a row, so the attempt bound is the total weight.
	maxAttempts := len(peers)
	for _, p := range peers {
		maxAttempts += p.Weight()
	}

	rejected := make(map[string]bool)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		p, err := s.selector.Select(peers)
		if err != nil {
			return nil, err
		}

		if rejected[p.Address()] {
			if len(rejected) >= len(s.registry.EligiblePeers()) {
				break
			}
			continue
		}

		if s.breakerOpen(p) {
			rejected[p.Address()] = true
			continue
		}

		if res := s.peerLimiter.Admit(p.Address()); !res.Allowed {
			metrics.Get().RateLimitRejectionsTotal.WithLabelValues("peer").Inc()
			s.logger.Debug("peer rate limited",
				observability.String("peer", p.Address()),
				observability.Duration("retry_after", res.RetryAfter),
			)
			rejected[p.Address()] = true
			continue
		}

		return p, nil
	}

	return nil, util.NewNoBackendError(s.selector.Name())
}

// dial opens the upstream connection through the peer's circuit
// breaker, bounded by the request context.
func (s *Server) dial(ctx context.Context, p *peer.Peer) (net.Conn, error) {
	br := s.breakers[p.Address()]

	v, err := br.Execute(func() (interface{}, error) {
		return s.dialer.DialContext(ctx, "tcp", p.Address())
	})
	if err != nil {
		return nil, toPeerError(p.Address(), err)
	}
	return v.(net.Conn), nil
}

// breakerOpen reports whether the peer's dial breaker currently
// rejects requests.
func (s *Server) breakerOpen(p *peer.Peer) bool {
	br := s.breakers[p.Address()]
	return br != nil && br.State() == gobreaker.StateOpen
}

// toPeerError classifies an upstream failure as timeout or I/O error.
func toPeerError(address string, err error) error {
	var pe *util.PeerError
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return util.NewPeerTimeoutError(address, err)
	}
	return util.NewPeerIOError(address, err)
}

// failureKind labels a failure for metrics.
func failureKind(err error) string {
	if errors.Is(err, util.ErrPeerTimeout) {
		return "timeout"
	}
	return "io"
}

// isTimeout reports net-level timeout errors.
func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// remoteIP extracts the client IP from a connection.
func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
