// Package discovery implements the asset discoverer described in spec.md
// §4.3: driving the browser across a snapshot's widths, applying the
// routing decision table to every intercepted request, fetching bodies via
// the response cache, and deduplicating resources per snapshot.
package discovery

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/percy-io/percy-core/internal/utils"
)

// RequestAction mirrors interfaces.RequestAction so this package can be
// tested without importing the browser package.
type RequestAction int

const (
	ActionContinueCapture RequestAction = iota
	ActionContinueNoCapture
	ActionAbort
	ActionServeRoot
)

func hostnameOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return utils.NormalizeHostname(u.Hostname())
}

// matchesHostnamePattern implements the glob semantics from spec.md §4.3:
// "*" matches one label, a leading "*." matches any subdomain, and a bare
// "*" matches everything.
func matchesHostnamePattern(host, pattern string) bool {
	host = utils.NormalizeHostname(host)
	pattern = utils.NormalizeHostname(pattern)

	if pattern == "*" {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:] // ".example.com"
		return strings.HasSuffix(host, suffix) || host == pattern[2:]
	}

	hostLabels := strings.Split(host, ".")
	patLabels := strings.Split(pattern, ".")
	if len(hostLabels) != len(patLabels) {
		return false
	}
	for i, pl := range patLabels {
		if pl == "*" {
			continue
		}
		if pl != hostLabels[i] {
			return false
		}
	}
	return true
}

// sameSite reports whether two hostnames share a registrable domain (eTLD+1),
// so a request to fonts.example.com from a page at www.example.com is
// treated as first-party without requiring an explicit allowedHostnames
// entry for every subdomain. Hosts publicsuffix can't resolve a rule for
// (bare IPs, "localhost", single-label hosts used in tests) fall back to an
// exact hostname comparison.
func sameSite(a, b string) bool {
	if a == b {
		return true
	}
	if net.ParseIP(a) != nil || net.ParseIP(b) != nil {
		return false
	}
	aDomain, aErr := publicsuffix.EffectiveTLDPlusOne(a)
	bDomain, bErr := publicsuffix.EffectiveTLDPlusOne(b)
	if aErr != nil || bErr != nil {
		return false
	}
	return aDomain == bDomain
}

func matchesAny(host string, patterns []string) bool {
	for _, p := range patterns {
		if matchesHostnamePattern(host, p) {
			return true
		}
	}
	return false
}

// isNonNetworkScheme reports data:/blob:/file: URLs, which are never
// captured as resources and never hit the network.
func isNonNetworkScheme(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "data", "blob", "file":
		return true
	default:
		return false
	}
}

// RoutingRules is the resolved discovery.allowedHostnames/disallowedHostnames
// configuration a Discoverer applies to every intercepted request.
type RoutingRules struct {
	AllowedHostnames    []string
	DisallowedHostnames []string
}

// Route implements the routing decision table from spec.md §4.3. rootURL is
// the snapshot's URL; requestURL is the URL of the intercepted request;
// isPrefetch flags a prefetch/preload hint request.
func (r RoutingRules) Route(requestURL, rootURL string, isPrefetch bool) RequestAction {
	if isNonNetworkScheme(requestURL) {
		return ActionContinueNoCapture
	}
	if matchesAny(hostnameOf(requestURL), r.DisallowedHostnames) {
		return ActionAbort
	}
	if isPrefetch {
		return ActionContinueNoCapture
	}
	if requestURL == rootURL {
		return ActionServeRoot
	}
	if sameSite(hostnameOf(requestURL), hostnameOf(rootURL)) {
		return ActionContinueCapture
	}
	if matchesAny(hostnameOf(requestURL), r.AllowedHostnames) {
		return ActionContinueCapture
	}
	return ActionContinueNoCapture
}
