package origin

import (
	"net/url"
	"strings"
)

const wildcard = "*"

// Policy decides which browser origins may talk to the servers.
// Entries are either "*" or origins in scheme://host[:port] form.
type Policy struct {
	all     bool
	allowed map[string]struct{}
}

func NewPolicy(allowedOrigins []string) *Policy {
	p := &Policy{allowed: make(map[string]struct{}, len(allowedOrigins))}
	for _, o := range allowedOrigins {
		o = strings.TrimSpace(o)
		if o == wildcard {
			p.all = true
			continue
		}
		if norm, ok := Normalize(o); ok {
			p.allowed[norm] = struct{}{}
		}
	}
	return p
}

// Wildcard reports whether any origin is allowed.
func (p *Policy) Wildcard() bool {
	return p.all
}

// Allowed checks Origin header value. Missing header means a non-browser
// client and is always allowed.
func (p *Policy) Allowed(originHeader string) bool {
	if strings.TrimSpace(originHeader) == "" || p.all {
		return true
	}
	norm, ok := Normalize(originHeader)
	if !ok {
		return false
	}
	_, ok = p.allowed[norm]
	return ok
}

// Normalize lowercases scheme and host and strips default ports.
func Normalize(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host, true
}
