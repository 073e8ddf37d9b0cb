// Package health probes peers in the background and drives their
// health state machine. Live traffic failures report through the same
// per-peer funnel, so the prober and the data path can never lose each
// other's updates.
package health

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/vyrodovalexey/avanlb/internal/config"
	"github.com/vyrodovalexey/avanlb/internal/metrics"
	"github.com/vyrodovalexey/avanlb/internal/observability"
	"github.com/vyrodovalexey/avanlb/internal/peer"
)

// Monitor periodically probes every peer. Probes run concurrently and
// independently; a slow peer never delays another's probe. Each probe
// is bounded by a hard context deadline.
type Monitor struct {
	registry *peer.Registry
	cfg      config.HealthCheck
	client   *http.Client
	dialer   *net.Dialer
	logger   observability.Logger

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// Option is a functional option for configuring the monitor.
type Option func(*Monitor)

// WithLogger sets the logger for the monitor.
func WithLogger(logger observability.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithHTTPClient sets the HTTP client used for endpoint probes.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Monitor) {
		m.client = client
	}
}

// NewMonitor creates a monitor for all peers in the registry. With an
// empty endpoint the probe is a plain TCP connect; otherwise it is an
// HTTP GET against the endpoint path, where any 2xx response counts as
// success.
func NewMonitor(registry *peer.Registry, cfg config.HealthCheck, opts ...Option) *Monitor {
	m := &Monitor{
		registry: registry,
		cfg:      cfg,
		client:   &http.Client{},
		dialer:   &net.Dialer{},
		logger:   observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start launches the probe loop. It is a no-op if already running. The
// lifecycle channels are created per run, so a monitor can be started
// again after Stop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.stoppedCh = make(chan struct{})
	stopCh, stoppedCh := m.stopCh, m.stoppedCh
	m.mu.Unlock()

	go m.run(ctx, stopCh, stoppedCh)
}

// Stop halts the probe loop and waits for it to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopCh, stoppedCh := m.stopCh, m.stoppedCh
	m.mu.Unlock()

	close(stopCh)
	<-stoppedCh
}

// IsRunning returns true while the probe loop is active.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// run is the main probe loop.
func (m *Monitor) run(ctx context.Context, stopCh <-chan struct{}, stoppedCh chan<- struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(m.cfg.Interval.Duration())
	defer ticker.Stop()

	m.probeAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

// probeAll probes every peer concurrently.
func (m *Monitor) probeAll(ctx context.Context) {
	var wg sync.WaitGroup

	for _, p := range m.registry.Peers() {
		wg.Add(1)
		go func(p *peer.Peer) {
			defer wg.Done()
			m.probe(ctx, p)
		}(p)
	}

	wg.Wait()
}

// probe runs one health check against one peer and records the result.
func (m *Monitor) probe(ctx context.Context, p *peer.Peer) {
	select {
	case <-ctx.Done():
		return
	default:
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout.Duration())
	defer cancel()

	start := time.Now()
	var err error
	if m.cfg.Endpoint == "" {
		err = m.probeTCP(probeCtx, p.Address())
	} else {
		err = m.probeHTTP(probeCtx, p.Address())
	}
	elapsed := time.Since(start)

	if err != nil {
		metrics.Get().RecordHealthCheck(p.Address(), "failure", elapsed)
		RecordFailure(p, m.logger, err)
		return
	}

	metrics.Get().RecordHealthCheck(p.Address(), "success", elapsed)
	RecordSuccess(p, m.logger)
}

// probeTCP checks that the peer accepts a TCP connection before the
// deadline.
func (m *Monitor) probeTCP(ctx context.Context, address string) error {
	conn, err := m.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	return conn.Close()
}

// probeHTTP issues a GET against the peer's health endpoint. Any
// status outside 2xx is a failure.
func (m *Monitor) probeHTTP(ctx context.Context, address string) error {
	url := "http://" + address + m.cfg.Endpoint

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

// statusError reports a non-success probe response.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return "health endpoint returned status " + http.StatusText(e.code)
}

// RecordSuccess applies a success signal to a peer, logging and
// exporting the transition. Used by the prober and by the data path.
func RecordSuccess(p *peer.Peer, logger observability.Logger) {
	t := p.RecordSuccess()
	metrics.Get().RecordHealthState(p.Address(), metrics.HealthValueHealthy, 0)

	if t.Changed {
		logger.Info("peer recovered",
			observability.String("peer", p.Address()),
			observability.String("from", t.From.String()),
		)
	}
}

// RecordFailure applies a failure signal to a peer, logging and
// exporting the transition. Used by the prober and by the data path.
func RecordFailure(p *peer.Peer, logger observability.Logger, cause error) {
	t := p.RecordFailure()

	value := float64(metrics.HealthValueSuspect)
	if t.To == peer.Unhealthy {
		value = metrics.HealthValueUnhealthy
	}
	metrics.Get().RecordHealthState(p.Address(), value, t.Failures)

	if !t.Changed {
		return
	}

	if t.To == peer.Unhealthy {
		logger.Warn("peer removed from rotation",
			observability.String("peer", p.Address()),
			observability.Int("consecutive_failures", t.Failures),
			observability.Error(cause),
		)
	} else {
		logger.Warn("peer degraded",
			observability.String("peer", p.Address()),
			observability.Int("consecutive_failures", t.Failures),
			observability.Error(cause),
		)
	}
}
