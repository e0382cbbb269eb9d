package server

import (
	"fmt"
	"net"
	"strings"
)

// isAllowed checks if the target matches the allowlist.
// Allowlist entries can be:
//   - "host:port" for an exact string match (no DNS resolution)
//   - "CIDR:port" for a CIDR match with exact port
//   - "CIDR:*" for a CIDR match with any port
//   - "*" to allow everything
//
// Hostname entries are matched literally. Use CIDR notation for IP-based
// restrictions.
func isAllowed(target string, allowList []string) bool {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return false
	}

	targetIP := net.ParseIP(host)

	for _, entry := range allowList {
		if entry == "*" {
			return true
		}

		aHost, aPort, err := splitAllowEntry(entry)
		if err != nil {
			continue
		}

		if aPort != "*" && aPort != port {
			continue
		}

		// CIDR first, then exact match.
		if _, cidr, err := net.ParseCIDR(aHost); err == nil {
			if targetIP != nil && cidr.Contains(targetIP) {
				return true
			}
		} else if strings.EqualFold(host, strings.Trim(aHost, "[]")) {
			return true
		}
	}
	return false
}

// splitAllowEntry splits an allowlist entry at its last colon. CIDR
// entries like "10.0.0.0/8:*" and "fd00::/8:22" contain colons of their
// own.
func splitAllowEntry(entry string) (host, port string, err error) {
	i := strings.LastIndexByte(entry, ':')
	if i < 0 {
		return "", "", fmt.Errorf("no port in allowlist entry: %s", entry)
	}
	return entry[:i], entry[i+1:], nil
}
