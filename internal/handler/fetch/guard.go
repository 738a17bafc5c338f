package fetch

import (
	"net"
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tombee/cascade/pkg/errors"
)

// blockedRanges are address ranges a fetch block may never reach,
// covering loopback, private networks, link-local (including cloud
// metadata endpoints), and their IPv6 equivalents.
var blockedRanges = []string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"0.0.0.0/8",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

// blockedHostPatterns reject hostnames before any DNS resolution.
var blockedHostPatterns = []string{
	"*.local",
	"localhost",
	"metadata.google.internal",
}

var blockedNets = func() []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(blockedRanges))
	for _, cidr := range blockedRanges {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("fetch: bad blocked range " + cidr)
		}
		nets = append(nets, ipNet)
	}
	return nets
}()

// CheckTarget validates a fetch URL against the SSRF policy. It rejects
// literal IPs inside blocked ranges and blocked hostname patterns, and
// resolves remaining hostnames so a public name pointing at a private
// address is caught before any request is made.
func CheckTarget(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return &errors.ValidationError{
			Field:      "fetch_url",
			Message:    "invalid URL: " + rawURL,
			Suggestion: "provide an absolute http or https URL",
		}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &errors.ValidationError{
			Field:   "fetch_url",
			Message: "unsupported scheme: " + u.Scheme,
		}
	}

	hostname := u.Hostname()

	for _, pattern := range blockedHostPatterns {
		if matchesHost(hostname, pattern) {
			return &errors.BlockedError{Target: hostname, Reason: "hostname matches blocked pattern " + pattern}
		}
	}

	if ip := net.ParseIP(hostname); ip != nil {
		return checkIP(hostname, ip)
	}

	addrs, err := net.LookupIP(hostname)
	if err != nil {
		return &errors.UpstreamError{
			Service:   hostname,
			Message:   "DNS resolution failed: " + err.Error(),
			Retryable: true,
			Cause:     err,
		}
	}
	for _, addr := range addrs {
		if err := checkIP(hostname, addr); err != nil {
			return err
		}
	}
	return nil
}

func checkIP(target string, ip net.IP) error {
	for _, blocked := range blockedNets {
		if blocked.Contains(ip) {
			return &errors.BlockedError{
				Target: target,
				Reason: "address " + ip.String() + " is in blocked range " + blocked.String(),
			}
		}
	}
	return nil
}

func matchesHost(hostname, pattern string) bool {
	if strings.Contains(pattern, "*") {
		matched, err := doublestar.Match(strings.ReplaceAll(pattern, "*", "**"), hostname)
		return err == nil && matched
	}
	return strings.EqualFold(hostname, pattern)
}
