// Package config defines the load balancer configuration model, its
// YAML loader and its validator. Configuration is loaded once at
// startup and is immutable for the process lifetime.
package config

import "time"

// Scheduling strategy names.
const (
	StrategyRoundRobin         = "round_robin"
	StrategyWeightedRoundRobin = "weighted_round_robin"
	StrategyNearest            = "nearest"
)

// Default values applied when an option is omitted.
const (
	DefaultListenAddress       = "127.0.0.1"
	DefaultPort                = 9000
	DefaultMaxConnections      = 1024
	DefaultMaxRequestsPerConn  = 64
	DefaultRequestTimeout      = 10 * time.Second
	DefaultHealthCheckInterval = 10 * time.Second
	DefaultHealthCheckTimeout  = 2 * time.Second
	DefaultFailedThreshold     = 3
)

// Config is the root configuration document.
type Config struct {
	Balancer    Balancer    `yaml:"balancer"`
	Logging     Logging     `yaml:"logging"`
	Security    Security    `yaml:"security"`
	HealthCheck HealthCheck `yaml:"health_check"`
	Metrics     Metrics     `yaml:"metrics"`
	Peers       []Peer      `yaml:"peers"`
}

// Balancer holds the listener and dispatch policy options.
type Balancer struct {
	Strategy                 string   `yaml:"strategy"`
	ListenAddress            string   `yaml:"listen_address"`
	Port                     int      `yaml:"port"`
	MaxConnections           int      `yaml:"max_connections"`
	MaxRequestsPerConnection int      `yaml:"max_requests_per_connection"`
	RequestTimeout           Duration `yaml:"request_timeout"`

	// RateLimit is the per-peer admission cap in requests per second.
	// Zero disables per-peer rate limiting.
	RateLimit int `yaml:"rate_limit"`

	// ClientRateLimit caps accepted requests per client IP per second.
	// Zero disables per-client rate limiting.
	ClientRateLimit int `yaml:"client_rate_limit"`

	// Location is the balancer's own [latitude, longitude], required
	// by the nearest strategy as the distance origin.
	Location []float64 `yaml:"location"`
}

// Logging configures the structured logger.
type Logging struct {
	Level      string `yaml:"log_level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Security holds the IP access lists. Entries are exact IPs or CIDR
// subnets.
type Security struct {
	IPWhitelist []string `yaml:"ip_whitelist"`
	IPBlacklist []string `yaml:"ip_blacklist"`
}

// HealthCheck configures the background prober. An empty Endpoint
// selects a plain TCP connect probe; otherwise the prober issues
// HTTP GETs against the endpoint path on each peer.
type HealthCheck struct {
	Endpoint               string   `yaml:"endpoint"`
	Interval               Duration `yaml:"interval"`
	Timeout                Duration `yaml:"timeout"`
	FailedRequestThreshold int      `yaml:"failed_request_threshold"`
}

// Metrics configures the optional Prometheus listener. An empty
// address disables it; the proxy data path never serves metrics.
type Metrics struct {
	Addr string `yaml:"addr"`
}

// Peer is one configured backend instance.
type Peer struct {
	Address string `yaml:"address"`

	// Weight influences selection frequency. An omitted weight means 1;
	// an explicit weight below 1 is a configuration error.
	Weight *int `yaml:"weight"`

	// Location is an optional [latitude, longitude] pair used by the
	// nearest strategy.
	Location []float64 `yaml:"location"`
}

// EffectiveWeight returns the configured weight, or 1 if omitted.
func (p Peer) EffectiveWeight() int {
	if p.Weight == nil {
		return 1
	}
	return *p.Weight
}

// DefaultConfig returns a configuration with all defaults applied and
// no peers. It does not pass validation on its own; at least one peer
// must be configured.
func DefaultConfig() *Config {
	return &Config{
		Balancer: Balancer{
			Strategy:                 StrategyRoundRobin,
			ListenAddress:            DefaultListenAddress,
			Port:                     DefaultPort,
			MaxConnections:           DefaultMaxConnections,
			MaxRequestsPerConnection: DefaultMaxRequestsPerConn,
			RequestTimeout:           Duration(DefaultRequestTimeout),
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		HealthCheck: HealthCheck{
			Interval:               Duration(DefaultHealthCheckInterval),
			Timeout:                Duration(DefaultHealthCheckTimeout),
			FailedRequestThreshold: DefaultFailedThreshold,
		},
	}
}

// applyDefaults fills in zero-valued options. Peer weights are handled
// by the validator so that explicitly invalid weights are still
// rejected.
func (c *Config) applyDefaults() {
	if c.Balancer.Strategy == "" {
		c.Balancer.Strategy = StrategyRoundRobin
	}
	if c.Balancer.ListenAddress == "" {
		c.Balancer.ListenAddress = DefaultListenAddress
	}
	if c.Balancer.Port == 0 {
		c.Balancer.Port = DefaultPort
	}
	if c.Balancer.MaxConnections == 0 {
		c.Balancer.MaxConnections = DefaultMaxConnections
	}
	if c.Balancer.MaxRequestsPerConnection == 0 {
		c.Balancer.MaxRequestsPerConnection = DefaultMaxRequestsPerConn
	}
	if c.Balancer.RequestTimeout == 0 {
		c.Balancer.RequestTimeout = Duration(DefaultRequestTimeout)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.HealthCheck.Interval == 0 {
		c.HealthCheck.Interval = Duration(DefaultHealthCheckInterval)
	}
	if c.HealthCheck.Timeout == 0 {
		c.HealthCheck.Timeout = Duration(DefaultHealthCheckTimeout)
	}
	if c.HealthCheck.FailedRequestThreshold == 0 {
		c.HealthCheck.FailedRequestThreshold = DefaultFailedThreshold
	}
}
