package config

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/vyrodovalexey/avanlb/internal/util"
)

// validStrategies is the set of recognized scheduling strategies.
var validStrategies = map[string]bool{
	StrategyRoundRobin:         true,
	StrategyWeightedRoundRobin: true,
	StrategyNearest:            true,
}

// Validate checks a configuration for errors that must prevent the
// listener from starting. All reported errors are *util.ConfigError.
func Validate(cfg *Config) error {
	if cfg == nil {
		return util.NewConfigError("", "configuration is nil")
	}

	if err := validateBalancer(&cfg.Balancer); err != nil {
		return err
	}
	if err := validateHealthCheck(&cfg.HealthCheck); err != nil {
		return err
	}
	if err := validateSecurity(&cfg.Security); err != nil {
		return err
	}
	return validatePeers(cfg)
}

func validateBalancer(b *Balancer) error {
	if !validStrategies[b.Strategy] {
		return util.NewConfigError("balancer.strategy",
			fmt.Sprintf("unknown strategy %q", b.Strategy))
	}
	if net.ParseIP(b.ListenAddress) == nil {
		return util.NewConfigError("balancer.listen_address",
			fmt.Sprintf("invalid listen address %q", b.ListenAddress))
	}
	if b.Port < 1 || b.Port > 65535 {
		return util.NewConfigError("balancer.port",
			fmt.Sprintf("port %d out of range", b.Port))
	}
	if b.MaxConnections < 1 {
		return util.NewConfigError("balancer.max_connections", "must be at least 1")
	}
	if b.MaxRequestsPerConnection < 1 {
		return util.NewConfigError("balancer.max_requests_per_connection", "must be at least 1")
	}
	if b.RequestTimeout <= 0 {
		return util.NewConfigError("balancer.request_timeout", "must be positive")
	}
	if b.RateLimit < 0 {
		return util.NewConfigError("balancer.rate_limit", "must not be negative")
	}
	if b.ClientRateLimit < 0 {
		return util.NewConfigError("balancer.client_rate_limit", "must not be negative")
	}
	if err := validateLocation("balancer.location", b.Location); err != nil {
		return err
	}
	if b.Strategy == StrategyNearest && len(b.Location) == 0 {
		return util.NewConfigError("balancer.location",
			"nearest strategy requires the balancer location")
	}
	return nil
}

func validateHealthCheck(hc *HealthCheck) error {
	if hc.Interval <= 0 {
		return util.NewConfigError("health_check.interval", "must be positive")
	}
	if hc.Timeout <= 0 {
		return util.NewConfigError("health_check.timeout", "must be positive")
	}
	// A probe slower than the interval would make whole rounds slip
	// for every peer, since a round completes before the next starts.
	if hc.Timeout > hc.Interval {
		return util.NewConfigError("health_check.timeout",
			"must not exceed health_check.interval")
	}
	if hc.FailedRequestThreshold < 1 {
		return util.NewConfigError("health_check.failed_request_threshold", "must be at least 1")
	}
	if hc.Endpoint != "" && hc.Endpoint[0] != '/' {
		return util.NewConfigError("health_check.endpoint",
			fmt.Sprintf("endpoint %q must start with /", hc.Endpoint))
	}
	return nil
}

func validateSecurity(sec *Security) error {
	for i, entry := range sec.IPWhitelist {
		if err := validateAccessEntry(entry); err != nil {
			return util.NewConfigErrorWithCause(
				fmt.Sprintf("security.ip_whitelist[%d]", i),
				fmt.Sprintf("invalid entry %q", entry), err)
		}
	}
	for i, entry := range sec.IPBlacklist {
		if err := validateAccessEntry(entry); err != nil {
			return util.NewConfigErrorWithCause(
				fmt.Sprintf("security.ip_blacklist[%d]", i),
				fmt.Sprintf("invalid entry %q", entry), err)
		}
	}
	return nil
}

// validateAccessEntry accepts an exact IP or a CIDR subnet.
func validateAccessEntry(entry string) error {
	if _, err := netip.ParseAddr(entry); err == nil {
		return nil
	}
	_, err := netip.ParsePrefix(entry)
	return err
}

func validatePeers(cfg *Config) error {
	if len(cfg.Peers) == 0 {
		return util.NewConfigError("peers", "at least one peer is required")
	}

	seen := make(map[string]bool, len(cfg.Peers))
	for i, p := range cfg.Peers {
		field := fmt.Sprintf("peers[%d]", i)

		host, port, err := net.SplitHostPort(p.Address)
		if err != nil {
			return util.NewConfigErrorWithCause(field,
				fmt.Sprintf("address %q is not host:port", p.Address), err)
		}
		if host == "" {
			return util.NewConfigError(field, "address has empty host")
		}
		if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
			return util.NewConfigError(field,
				fmt.Sprintf("address %q has invalid port", p.Address))
		}

		if seen[p.Address] {
			return util.NewConfigError(field,
				fmt.Sprintf("duplicate peer address %q", p.Address))
		}
		seen[p.Address] = true

		if p.Weight != nil && *p.Weight < 1 {
			return util.NewConfigError(field,
				fmt.Sprintf("weight %d must be at least 1", *p.Weight))
		}

		if err := validateLocation(field, p.Location); err != nil {
			return err
		}

		if cfg.Balancer.Strategy == StrategyNearest && len(p.Location) == 0 {
			return util.NewConfigError(field,
				"nearest strategy requires a location for every peer")
		}
	}

	return nil
}

func validateLocation(field string, loc []float64) error {
	if len(loc) == 0 {
		return nil
	}
	if len(loc) != 2 {
		return util.NewConfigError(field, "location must be [latitude, longitude]")
	}
	if loc[0] < -90 || loc[0] > 90 {
		return util.NewConfigError(field,
			fmt.Sprintf("latitude %v out of range", loc[0]))
	}
	if loc[1] < -180 || loc[1] > 180 {
		return util.NewConfigError(field,
			fmt.Sprintf("longitude %v out of range", loc[1]))
	}
	return nil
}
