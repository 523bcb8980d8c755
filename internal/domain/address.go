package domain

import (
	"fmt"
	"net/netip"
	"strings"
)

// ParseAddress accepts a bare IP or a host:port pair and returns the IP with
// IPv4-mapped IPv6 forms unwrapped.
func ParseAddress(raw string) (netip.Addr, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return netip.Addr{}, fmt.Errorf("empty address")
	}

	if addr, err := netip.ParseAddr(strings.Trim(raw, "[]")); err == nil {
		return addr.Unmap().WithZone(""), nil
	}

	addrPort, err := netip.ParseAddrPort(raw)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid address %q", raw)
	}
	return addrPort.Addr().Unmap().WithZone(""), nil
}
