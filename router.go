package prx

import (
	"sort"
	"strings"
)

type hostKind uint8

const (
	hostAny hostKind = iota
	hostWildcard
	hostExact
)

// matcher is the compiled form of a route's match block: a host-pattern kind
// with its precomputed lowercase string, the path prefix, and the route's
// declaration index. Compiling up front keeps the per-request path
// allocation-free.
type matcher struct {
	kind       hostKind
	host       string // exact host, or wildcard suffix without the "*."
	pathPrefix string
	routeIndex int
}

// Router maps (host, path) to a route declaration index. It is built once per
// fabric and never mutated afterwards.
type Router struct {
	matchers     []matcher
	defaultRoute int // -1 when no route is marked is_default
}

func NewRouter(routes []RouteConfig) *Router {
	r := &Router{
		matchers:     make([]matcher, 0, len(routes)),
		defaultRoute: -1,
	}

	for i := range routes {
		route := &routes[i]
		m := matcher{
			kind:       hostAny,
			pathPrefix: route.PathPrefix,
			routeIndex: i,
		}
		if route.Host != nil {
			if suffix, ok := strings.CutPrefix(*route.Host, "*."); ok {
				m.kind = hostWildcard
				m.host = suffix
			} else {
				m.kind = hostExact
				m.host = *route.Host
			}
		}
		r.matchers = append(r.matchers, m)

		if route.IsDefault && r.defaultRoute < 0 {
			r.defaultRoute = i
		}
	}

	// More specific routes win: exact host over wildcard over any, then the
	// longer path prefix, then declaration order.
	sort.SliceStable(r.matchers, func(a, b int) bool {
		ma, mb := r.matchers[a], r.matchers[b]
		if ma.kind != mb.kind {
			return ma.kind > mb.kind
		}
		if len(ma.pathPrefix) != len(mb.pathPrefix) {
			return len(ma.pathPrefix) > len(mb.pathPrefix)
		}
		return ma.routeIndex < mb.routeIndex
	})

	return r
}

// Match returns the declaration index of the first matching route, falling
// back to the default route. The second return is false when neither exists;
// the handler turns that into 404 no_route.
func (r *Router) Match(host, path string) (int, bool) {
	normalized := NormalizeHost(host)

	for i := range r.matchers {
		m := &r.matchers[i]
		if !m.matchesHost(normalized) {
			continue
		}
		if strings.HasPrefix(path, m.pathPrefix) {
			return m.routeIndex, true
		}
	}

	if r.defaultRoute >= 0 {
		return r.defaultRoute, true
	}
	return 0, false
}

func (m *matcher) matchesHost(host string) bool {
	switch m.kind {
	case hostExact:
		return host == m.host
	case hostWildcard:
		return host == m.host || strings.HasSuffix(host, "."+m.host)
	default:
		return true
	}
}

// NormalizeHost lowercases the Host header value and strips any :port suffix.
// Bracketed IPv6 literals are kept whole.
func NormalizeHost(host string) string {
	trimmed := strings.ToLower(strings.TrimSpace(host))
	if strings.HasPrefix(trimmed, "[") {
		return trimmed
	}
	if i := strings.IndexByte(trimmed, ':'); i >= 0 {
		return trimmed[:i]
	}
	return trimmed
}
