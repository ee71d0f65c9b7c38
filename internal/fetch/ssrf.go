package fetch

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ErrBlocked is returned when a request targets a destination the client
// refuses to reach.
var ErrBlocked = errors.New("destination blocked")

var privateRanges = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"100.64.0.0/10", // carrier-grade NAT
	"0.0.0.0/8",
)

// IsPrivateIP checks if an IP is in a private, loopback, or link-local range.
func IsPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, cidr := range privateRanges {
		if cidr.Contains(ip) {
			return true
		}
	}
	// Private IPv6 (fc00::/7).
	if len(ip) == net.IPv6len && ip.To4() == nil && ip[0]&0xfe == 0xfc {
		return true
	}
	return false
}

// IsDomainAllowed checks if host equals, or is a subdomain of, an allowlist entry.
func IsDomainAllowed(host string, allowedDomains []string) bool {
	host = strings.ToLower(host)
	for _, d := range allowedDomains {
		d = strings.ToLower(d)
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// dialControl rejects connections to private addresses. It runs after DNS
// resolution for every dial, redirects included, so a hostname cannot be
// re-pointed at an internal address between check and connect.
func dialControl(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: invalid address %q", ErrBlocked, address)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("%w: unresolved address %q", ErrBlocked, address)
	}
	if IsPrivateIP(ip) {
		return fmt.Errorf("%w: private address %s", ErrBlocked, ip)
	}
	return nil
}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, len(cidrs))
	for i, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out[i] = n
	}
	return out
}
