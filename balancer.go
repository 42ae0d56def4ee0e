package prx

import (
	"math/rand/v2"
	"slices"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// balancer selects an upstream index for one route. The eligible set is
// recomputed on every pick: upstreams whose breaker is closed and that were
// not already tried on this request.
//
// round_robin and random ignore weights; hash lays the eligible upstreams out
// as contiguous weighted slices in declaration order and picks the slice
// containing hash(key) mod total weight, so a given key sticks to the same
// upstream while the eligible set is stable.
type balancer struct {
	strategy LBStrategy
	rr       atomic.Uint64
}

func newBalancer(strategy LBStrategy) *balancer {
	return &balancer{strategy: strategy}
}

func (b *balancer) pick(upstreams []*upstreamRuntime, tried []int, key string) (int, bool) {
	eligible := make([]int, 0, len(upstreams))
	totalWeight := 0
	for i, u := range upstreams {
		if slices.Contains(tried, i) || !u.breaker.Available() {
			continue
		}
		eligible = append(eligible, i)
		totalWeight += u.weight
	}
	if len(eligible) == 0 {
		return 0, false
	}

	switch b.strategy {
	case LBRandom:
		return eligible[rand.IntN(len(eligible))], true
	case LBHash:
		slot := int(xxhash.Sum64String(key) % uint64(totalWeight))
		for _, i := range eligible {
			slot -= upstreams[i].weight
			if slot < 0 {
				return i, true
			}
		}
		return eligible[len(eligible)-1], true
	default:
		// Lost increments under contention are tolerable; the counter only
		// has to keep moving.
		n := b.rr.Add(1) - 1
		return eligible[n%uint64(len(eligible))], true
	}
}
