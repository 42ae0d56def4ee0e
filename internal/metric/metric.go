package metric

import "time"

// Metrics is the observation surface of the request path. The proxy calls it
// on the hot path, so implementations must not block.
type Metrics interface {
	ObserveRequest(route string, status int, latency time.Duration)
	IncUpstreamError(route, upstream, stage string)
	MarkCircuitOpen(route, upstream string)
	SetCircuitState(route, upstream string, open bool)
}

type nopMetrics struct{}

func NewNop() Metrics { return nopMetrics{} }

func (nopMetrics) ObserveRequest(string, int, time.Duration) {}
func (nopMetrics) IncUpstreamError(string, string, string)   {}
func (nopMetrics) MarkCircuitOpen(string, string)            {}
func (nopMetrics) SetCircuitState(string, string, bool)      {}
