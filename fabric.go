package prx

import (
	"time"

	"github.com/google/uuid"
)

// Fabric is the immutable bundle serving live traffic between two reloads:
// the compiled router plus, per route, a balancer and one breaker cell per
// upstream. Exactly one fabric is active at a time; it is replaced on reload,
// never mutated. The id correlates reload log lines with the fabric they
// published.
type Fabric struct {
	id     string
	router *Router
	routes []*routeRuntime
}

type routeRuntime struct {
	name         string
	lb           *balancer
	maxRetries   int
	retryBackoff time.Duration
	upstreams    []*upstreamRuntime
}

// BuildFabric compiles a normalized, validated config into a fresh fabric.
// Breaker cells start closed; failure history intentionally does not carry
// over from the previous fabric, since the candidate config may redefine
// upstreams or policies.
func BuildFabric(cfg *Config) *Fabric {
	f := &Fabric{
		id:     uuid.NewString(),
		router: NewRouter(cfg.Routes),
		routes: make([]*routeRuntime, 0, len(cfg.Routes)),
	}

	for i := range cfg.Routes {
		rc := &cfg.Routes[i]
		policy := breakerPolicyFromConfig(rc.CircuitBreaker)

		rt := &routeRuntime{
			name:         rc.Name,
			lb:           newBalancer(rc.LB),
			maxRetries:   rc.MaxRetries,
			retryBackoff: time.Duration(rc.RetryBackoffMs) * time.Millisecond,
			upstreams:    make([]*upstreamRuntime, 0, len(rc.Upstreams)),
		}
		for j := range rc.Upstreams {
			rt.upstreams = append(rt.upstreams, buildUpstream(rc.Upstreams[j], policy))
		}
		f.routes = append(f.routes, rt)
	}

	return f
}

func (f *Fabric) ID() string { return f.id }

// Route resolves (host, path) through the compiled router. Returns nil when
// nothing matches and no default route exists.
func (f *Fabric) Route(host, path string) *routeRuntime {
	idx, ok := f.router.Match(host, path)
	if !ok {
		return nil
	}
	return f.routes[idx]
}

// AllRoutesAvailable reports readiness: every route must have at least one
// upstream whose breaker is not open.
func (f *Fabric) AllRoutesAvailable() bool {
	for _, rt := range f.routes {
		if !rt.available() {
			return false
		}
	}
	return true
}

func (r *routeRuntime) available() bool {
	for _, u := range r.upstreams {
		if u.breaker.Available() {
			return true
		}
	}
	return false
}

func (r *routeRuntime) pick(tried []int, key string) (int, bool) {
	return r.lb.pick(r.upstreams, tried, key)
}

// closeIdleConnections drops pooled connections of a retired fabric. Requests
// still running against it keep their in-use connections.
func (f *Fabric) closeIdleConnections() {
	for _, rt := range f.routes {
		for _, u := range rt.upstreams {
			u.transport.CloseIdleConnections()
		}
	}
}
