package prx

import "testing"

func testUpstreams(policy BreakerPolicy, weights ...int) []*upstreamRuntime {
	ups := make([]*upstreamRuntime, 0, len(weights))
	for _, w := range weights {
		ups = append(ups, &upstreamRuntime{
			addr:    "127.0.0.1:9000",
			weight:  w,
			breaker: NewBreakerCell(policy),
		})
	}
	return ups
}

func TestRoundRobinCyclesEligibleSet(t *testing.T) {
	b := newBalancer(LBRoundRobin)
	ups := testUpstreams(BreakerPolicy{}, 1, 1, 1)

	got := make([]int, 0, 6)
	for range 6 {
		idx, ok := b.pick(ups, nil, "/")
		if !ok {
			t.Fatal("pick failed with all upstreams eligible")
		}
		got = append(got, idx)
	}

	want := []int{0, 1, 2, 0, 1, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rr sequence = %v, want %v", got, want)
		}
	}
}

func TestPickSkipsTried(t *testing.T) {
	b := newBalancer(LBRoundRobin)
	ups := testUpstreams(BreakerPolicy{}, 1, 1)

	idx, ok := b.pick(ups, []int{0}, "/")
	if !ok || idx != 1 {
		t.Errorf("pick with tried=[0] = (%d, %v), want (1, true)", idx, ok)
	}

	if _, ok := b.pick(ups, []int{0, 1}, "/"); ok {
		t.Error("pick should fail when every upstream was tried")
	}
}

func TestPickSkipsOpenBreakers(t *testing.T) {
	policy := BreakerPolicy{Enabled: true, ConsecutiveFailures: 1, OpenMs: 60_000}
	b := newBalancer(LBRoundRobin)
	ups := testUpstreams(policy, 1, 1)

	ups[0].breaker.OnFailure()

	for range 4 {
		idx, ok := b.pick(ups, nil, "/")
		if !ok || idx != 1 {
			t.Fatalf("pick = (%d, %v), want (1, true) while upstream 0 is open", idx, ok)
		}
	}

	if _, ok := b.pick(ups, []int{1}, "/"); ok {
		t.Error("pick should fail when the only closed upstream was tried")
	}
}

func TestRandomPicksOnlyEligible(t *testing.T) {
	b := newBalancer(LBRandom)
	ups := testUpstreams(BreakerPolicy{}, 1, 1, 1)

	for range 50 {
		idx, ok := b.pick(ups, []int{1}, "/")
		if !ok {
			t.Fatal("pick failed")
		}
		if idx == 1 {
			t.Fatal("random pick returned a tried upstream")
		}
	}
}

func TestHashIsDeterministicPerKey(t *testing.T) {
	b := newBalancer(LBHash)
	ups := testUpstreams(BreakerPolicy{}, 1, 1, 1)

	first, ok := b.pick(ups, nil, "/v1/items")
	if !ok {
		t.Fatal("pick failed")
	}
	for range 20 {
		idx, _ := b.pick(ups, nil, "/v1/items")
		if idx != first {
			t.Fatal("hash pick changed for a stable key and stable eligible set")
		}
	}
}

func TestHashFailsOverWithinEligible(t *testing.T) {
	b := newBalancer(LBHash)
	ups := testUpstreams(BreakerPolicy{}, 1, 1)

	first, _ := b.pick(ups, nil, "/k")
	second, ok := b.pick(ups, []int{first}, "/k")
	if !ok {
		t.Fatal("failover pick failed")
	}
	if second == first {
		t.Error("failover pick repeated the tried upstream")
	}
}

func TestHashHonorsWeights(t *testing.T) {
	b := newBalancer(LBHash)
	// One upstream with overwhelming weight: most keys must land on it.
	ups := testUpstreams(BreakerPolicy{}, 255, 1)

	heavy := 0
	const keys = 200
	for i := range keys {
		idx, ok := b.pick(ups, nil, "/key/"+string(rune('a'+i%26))+string(rune('a'+i/26)))
		if !ok {
			t.Fatal("pick failed")
		}
		if idx == 0 {
			heavy++
		}
	}

	if heavy < keys*9/10 {
		t.Errorf("heavy upstream won %d/%d picks, want the overwhelming majority", heavy, keys)
	}
}

func TestPickEmptyUpstreams(t *testing.T) {
	b := newBalancer(LBRoundRobin)
	if _, ok := b.pick(nil, nil, "/"); ok {
		t.Error("pick on empty upstream set should fail")
	}
}
