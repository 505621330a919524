// Package route maps inbound request paths to one of the two upstream hosts.
package route

import "strings"

// Target is the upstream host and path a request is forwarded to.
type Target struct {
	Host      string
	Path      string
	Secondary bool // true when the request was routed to the web upstream
}

// Rule maps a path prefix to an upstream host. Rewrite receives the full inbound path.
type Rule struct {
	Prefix  string
	Host    string
	Rewrite func(path string) string
}

// Resolver holds an immutable, ordered list of rules and the default host.
type Resolver struct {
	rules    []Rule
	fallback string
}

// NewResolver builds the resolver for an API host and a web host. Paths starting with
// "/<webHost>" go to the web host with that marker stripped, everything else goes to the API host.
func NewResolver(apiHost, webHost string) *Resolver {
	marker := "/" + webHost
	return &Resolver{
		rules: []Rule{
			{
				Prefix:  marker,
				Host:    webHost,
				Rewrite: StripPrefix(marker),
			},
		},
		fallback: apiHost,
	}
}

// StripPrefix returns a rewrite function removing prefix from a path.
func StripPrefix(prefix string) func(string) string {
	return func(path string) string {
		rest := strings.TrimPrefix(path, prefix)
		if rest == "" {
			return "/"
		}
		return rest
	}
}

// Resolve returns the target for path. The first rule whose prefix matches at a segment
// boundary wins; otherwise the default host is used with the path unchanged.
func (r *Resolver) Resolve(path string) Target {
	for _, rule := range r.rules {
		if hasSegmentPrefix(path, rule.Prefix) {
			return Target{Host: rule.Host, Path: rule.Rewrite(path), Secondary: true}
		}
	}
	return Target{Host: r.fallback, Path: path}
}

// Marker returns the path prefix routed to the secondary upstream.
func (r *Resolver) Marker() string {
	if len(r.rules) == 0 {
		return ""
	}
	return r.rules[0].Prefix
}

// APIHost returns the default upstream host.
func (r *Resolver) APIHost() string {
	return r.fallback
}

func hasSegmentPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
