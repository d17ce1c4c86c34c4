package discord

import (
	"sort"
	"strings"
)

// Router maps hashtags to per-channel webhook URLs. A flat ordered scan is
// the whole data structure: the priority list is small and totally ordered,
// first match wins.
type Router struct {
	routes     map[string]string
	priority   []string
	defaultURL string
}

// NewRouter builds a router from the configured {tag: url} map and priority
// list. Route tags absent from the priority list are appended after it in
// lexical order so resolution stays deterministic.
func NewRouter(routes map[string]string, priority []string, defaultURL string) *Router {
	ordered := make([]string, 0, len(routes))
	seen := map[string]struct{}{}

	for _, tag := range priority {
		if _, ok := routes[tag]; ok {
			if _, dup := seen[tag]; !dup {
				ordered = append(ordered, tag)
				seen[tag] = struct{}{}
			}
		}
	}

	var rest []string
	for tag := range routes {
		if _, ok := seen[tag]; !ok {
			rest = append(rest, tag)
		}
	}
	sort.Strings(rest)
	ordered = append(ordered, rest...)

	return &Router{
		routes:     routes,
		priority:   ordered,
		defaultURL: defaultURL,
	}
}

// Resolve picks the webhook URL for a message: the highest-priority routable
// tag contained in it (case-insensitive substring match on a lowered copy),
// or the default URL when nothing matches.
func (r *Router) Resolve(message string) string {
	if len(r.routes) == 0 {
		return r.defaultURL
	}

	lowered := strings.ToLower(message)
	for _, tag := range r.priority {
		if strings.Contains(lowered, tag) {
			return r.routes[tag]
		}
	}
	return r.defaultURL
}
