// Package access screens client IPs against allow/deny lists. Lists
// are loaded once at startup and immutable for the process lifetime.
package access

import (
	"fmt"
	"net/netip"

	"github.com/vyrodovalexey/avanlb/internal/observability"
)

// Filter evaluates a client IP against a whitelist and a blacklist.
// Entries are exact IPs or CIDR subnets. Decision rule: with a
// non-empty whitelist the IP must match a whitelist entry, and in all
// cases a blacklist match rejects.
type Filter struct {
	whitelistAddrs    map[netip.Addr]bool
	whitelistPrefixes []netip.Prefix
	blacklistAddrs    map[netip.Addr]bool
	blacklistPrefixes []netip.Prefix
	logger            observability.Logger
}

// Option is a functional option for configuring the filter.
type Option func(*Filter)

// WithLogger sets the audit logger for the filter.
func WithLogger(logger observability.Logger) Option {
	return func(f *Filter) {
		f.logger = logger
	}
}

// NewFilter builds a filter from whitelist and blacklist entries.
// Malformed entries are rejected; configuration validation normally
// catches them first.
func NewFilter(whitelist, blacklist []string, opts ...Option) (*Filter, error) {
	f := &Filter{
		whitelistAddrs: make(map[netip.Addr]bool),
		blacklistAddrs: make(map[netip.Addr]bool),
		logger:         observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(f)
	}

	for _, entry := range whitelist {
		if err := addEntry(entry, f.whitelistAddrs, &f.whitelistPrefixes); err != nil {
			return nil, fmt.Errorf("invalid whitelist entry %q: %w", entry, err)
		}
	}
	for _, entry := range blacklist {
		if err := addEntry(entry, f.blacklistAddrs, &f.blacklistPrefixes); err != nil {
			return nil, fmt.Errorf("invalid blacklist entry %q: %w", entry, err)
		}
	}

	return f, nil
}

// addEntry parses an exact IP or CIDR entry into the given sets.
func addEntry(entry string, addrs map[netip.Addr]bool, prefixes *[]netip.Prefix) error {
	if addr, err := netip.ParseAddr(entry); err == nil {
		addrs[addr.Unmap()] = true
		return nil
	}

	prefix, err := netip.ParsePrefix(entry)
	if err != nil {
		return err
	}
	*prefixes = append(*prefixes, prefix.Masked())
	return nil
}

// Permit reports whether the client IP may connect. An empty whitelist
// allows all, subject to the blacklist.
func (f *Filter) Permit(ip netip.Addr) bool {
	ip = ip.Unmap()

	if len(f.whitelistAddrs) > 0 || len(f.whitelistPrefixes) > 0 {
		if !matches(ip, f.whitelistAddrs, f.whitelistPrefixes) {
			f.logger.Warn("client not in whitelist",
				observability.String("client_ip", ip.String()),
			)
			return false
		}
	}

	if matches(ip, f.blacklistAddrs, f.blacklistPrefixes) {
		f.logger.Warn("client in blacklist",
			observability.String("client_ip", ip.String()),
		)
		return false
	}

	return true
}

// PermitString parses and evaluates a textual IP. Unparseable input is
// rejected.
func (f *Filter) PermitString(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		f.logger.Warn("unparseable client ip",
			observability.String("client_ip", ip),
			observability.Error(err),
		)
		return false
	}
	return f.Permit(addr)
}

// matches checks an IP against exact entries and CIDR prefixes.
func matches(ip netip.Addr, addrs map[netip.Addr]bool, prefixes []netip.Prefix) bool {
	if addrs[ip] {
		return true
	}
	for _, prefix := range prefixes {
		if prefix.Contains(ip) {
			return true
		}
	}
	return false
}
