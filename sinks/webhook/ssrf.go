package webhook

import (
	"errors"
	"fmt"
	"net"
	"net/url"
)

// ErrUnsafeURL is returned by New when a configured webhook URL resolves
// to a disallowed scheme or a loopback/private/link-local/unique-local
// address.
var ErrUnsafeURL = errors.New("webhook: unsafe outbound URL")

// ErrBreakerOpen is returned by Post while the per-URL circuit breaker
// is tripped.
var ErrBreakerOpen = errors.New("webhook: circuit breaker open")

// ErrTerminalStatus is returned by Post when the remote end responds
// with a non-retried status of 400 or above (a 4xx). A 5xx that
// exhausts its retries surfaces as the retry client's own error instead.
var ErrTerminalStatus = errors.New("webhook: terminal response status")

var privateBlocks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"127.0.0.0/8",
	"fc00::/7",
	"fe80::/10",
	"::1/128",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("webhook: invalid built-in CIDR %q: %v", c, err))
		}
		nets = append(nets, n)
	}
	return nets
}

// validateOutboundURL rejects anything but http/https and any hostname
// that is a literal loopback, private, link-local, or unique-local
// address, guarding against SSRF via webhook configuration. Hostnames
// that require DNS resolution to classify are accepted here; the
// caller's network remains the last line of defense against DNS
// rebinding.
func validateOutboundURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafeURL, err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("%w: scheme %q not allowed", ErrUnsafeURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w: missing host", ErrUnsafeURL)
	}
	if u.Hostname() == "localhost" {
		return fmt.Errorf("%w: localhost is not allowed", ErrUnsafeURL)
	}

	ip := net.ParseIP(u.Hostname())
	if ip == nil {
		// Not a literal IP; DNS-resolved hostname, accepted here.
		return nil
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return fmt.Errorf("%w: %s is a loopback/link-local address", ErrUnsafeURL, ip)
	}
	for _, block := range privateBlocks {
		if block.Contains(ip) {
			return fmt.Errorf("%w: %s is in a private range", ErrUnsafeURL, ip)
		}
	}
	return nil
}
