package security

import (
	"net"
	"strings"
)

// IPFilter is the allow-list based admission control. When disabled every
// address is admitted; trusted deployments run with the filter off.
type IPFilter struct {
	enabled bool
	exact   map[string]struct{}
	cidrs   []*net.IPNet
}

// NewIPFilter builds a filter from exact addresses and CIDR ranges.
// Malformed entries are dropped.
func NewIPFilter(enabled bool, entries []string) *IPFilter {
	f := &IPFilter{
		enabled: enabled,
		exact:   make(map[string]struct{}),
	}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			if _, network, err := net.ParseCIDR(entry); err == nil {
				f.cidrs = append(f.cidrs, network)
			}
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			f.exact[ip.String()] = struct{}{}
		}
	}
	return f
}

// Allowed reports whether the address passes admission control.
func (f *IPFilter) Allowed(addr string) bool {
	if !f.enabled {
		return true
	}
	ip := net.ParseIP(strings.TrimSpace(addr))
	if ip == nil {
		return false
	}
	if _, ok := f.exact[ip.String()]; ok {
		return true
	}
	for _, network := range f.cidrs {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
