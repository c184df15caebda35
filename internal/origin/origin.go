// Package origin validates the browser Origin header against a
// configured allow-list before a signaling connection is accepted.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Policy decides whether an Origin header may open a signaling
// connection. A zero Policy (no configured origins) allows everything,
// matching the relay's default open posture.
type Policy struct {
	allowed map[string]struct{}
}

// NewPolicy builds a Policy from configured origin strings. Entries are
// normalized the same way inbound headers are; "*" allows any origin.
// Entries that do not normalize are ignored.
func NewPolicy(origins []string) Policy {
	if len(origins) == 0 {
		return Policy{}
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowed["*"] = struct{}{}
			continue
		}
		if normalized, ok := Normalize(o); ok {
			allowed[normalized] = struct{}{}
		}
	}
	return Policy{allowed: allowed}
}

// Enforced reports whether an allow-list is configured at all.
func (p Policy) Enforced() bool { return len(p.allowed) > 0 }

// Allow reports whether the given raw Origin header may connect.
func (p Policy) Allow(originHeader string) bool {
	if !p.Enforced() {
		return true
	}
	if _, ok := p.allowed["*"]; ok {
		return true
	}
	normalized, ok := Normalize(originHeader)
	if !ok {
		return false
	}
	_, ok = p.allowed[normalized]
	return ok
}

// Normalize validates and normalizes a browser Origin header to
// scheme://host[:port] with the scheme and hostname lowercased and
// default ports stripped. The special Origin value "null" is allowed
// and returned as-is.
func Normalize(originHeader string) (string, bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", false
	}
	if trimmed == "null" {
		return "null", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort := u.Port(); rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host = host + ":" + strconv.FormatUint(port, 10)
	}
	return scheme + "://" + host, true
}
