package admin

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xff16/prx"
)

const (
	defaultProbeTimeoutMs = 1200
	minProbeTimeoutMs     = 100
	maxProbeTimeoutMs     = 10_000
)

type routeHealthPayload struct {
	CheckedAtEpochMs int64              `json:"checked_at_epoch_ms"`
	TimeoutMs        int64              `json:"timeout_ms"`
	Routes           []routeHealthEntry `json:"routes"`
}

type routeHealthEntry struct {
	RouteIndex         int                   `json:"route_index"`
	Name               string                `json:"name"`
	Host               string                `json:"host"`
	PathPrefix         string                `json:"path_prefix"`
	Healthy            bool                  `json:"healthy"`
	ReachableUpstreams int                   `json:"reachable_upstreams"`
	TotalUpstreams     int                   `json:"total_upstreams"`
	Upstreams          []upstreamHealthEntry `json:"upstreams"`
}

type upstreamHealthEntry struct {
	Addr      string  `json:"addr"`
	TimeoutMs int64   `json:"timeout_ms"`
	Healthy   bool    `json:"healthy"`
	LatencyMs *int64  `json:"latency_ms,omitempty"`
	Error     *string `json:"error,omitempty"`
}

// handleRouteHealth probes every upstream of every route with a plain TCP
// connect. GET checks the config on disk; POST checks the TOML in the request
// body, which the SPA uses as a pre-save preview.
func (s *Server) handleRouteHealth(w http.ResponseWriter, r *http.Request) {
	timeoutMs := clampProbeTimeout(parseTimeoutQuery(r))

	var cfg *prx.Config
	switch r.Method {
	case http.MethodGet:
		loaded, err := prx.LoadConfig(s.configPath)
		if err != nil {
			textReply(w, http.StatusInternalServerError, fmt.Sprintf("failed_to_read_config: %v\n", err))
			return
		}
		cfg = loaded
	case http.MethodPost:
		text, ok := readConfigBody(w, r)
		if !ok {
			return
		}
		parsed, err := prx.ParseConfig(text)
		if err != nil {
			textReply(w, http.StatusBadRequest, fmt.Sprintf("invalid_config: %v\n", err))
			return
		}
		cfg = parsed
	default:
		textReply(w, http.StatusMethodNotAllowed, "method_not_allowed\n")
		return
	}

	jsonReply(w, http.StatusOK, s.probeRoutes(cfg, timeoutMs))
}

func (s *Server) probeRoutes(cfg *prx.Config, timeoutMs int64) routeHealthPayload {
	payload := routeHealthPayload{
		CheckedAtEpochMs: time.Now().UnixMilli(),
		TimeoutMs:        timeoutMs,
		Routes:           make([]routeHealthEntry, len(cfg.Routes)),
	}

	var g errgroup.Group
	for i := range cfg.Routes {
		route := &cfg.Routes[i]

		entry := routeHealthEntry{
			RouteIndex:     i,
			Name:           route.Name,
			PathPrefix:     route.PathPrefix,
			TotalUpstreams: len(route.Upstreams),
			Upstreams:      make([]upstreamHealthEntry, len(route.Upstreams)),
		}
		if route.Host != nil {
			entry.Host = *route.Host
		}
		payload.Routes[i] = entry

		for j := range route.Upstreams {
			upstream := &route.Upstreams[j]
			perUpstreamTimeout := timeoutMs
			if upstream.ConnectTimeoutMs != nil {
				perUpstreamTimeout = clampProbeTimeout(*upstream.ConnectTimeoutMs)
			}

			addr := upstream.Addr
			routeIdx, upstreamIdx := i, j
			g.Go(func() error {
				payload.Routes[routeIdx].Upstreams[upstreamIdx] = probeUpstream(addr, perUpstreamTimeout)
				return nil
			})
		}
	}
	_ = g.Wait()

	for i := range payload.Routes {
		entry := &payload.Routes[i]
		for j := range entry.Upstreams {
			if entry.Upstreams[j].Healthy {
				entry.ReachableUpstreams++
			}
		}
		entry.Healthy = entry.ReachableUpstreams == entry.TotalUpstreams
	}

	return payload
}

func probeUpstream(addr string, timeoutMs int64) upstreamHealthEntry {
	entry := upstreamHealthEntry{Addr: addr, TimeoutMs: timeoutMs}

	if addr == "" {
		msg := "empty_addr"
		entry.Error = &msg
		return entry
	}

	start := time.Now()
	conn, err := net.DialTimeout("tcp", addr, time.Duration(timeoutMs)*time.Millisecond)
	if err != nil {
		msg := err.Error()
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			msg = "timeout"
		}
		entry.Error = &msg
		return entry
	}
	_ = conn.Close()

	latency := time.Since(start).Milliseconds()
	entry.Healthy = true
	entry.LatencyMs = &latency
	return entry
}

func parseTimeoutQuery(r *http.Request) int64 {
	raw := r.URL.Query().Get("timeout_ms")
	if raw == "" {
		return defaultProbeTimeoutMs
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return defaultProbeTimeoutMs
	}
	return v
}

func clampProbeTimeout(ms int64) int64 {
	if ms < minProbeTimeoutMs {
		return minProbeTimeoutMs
	}
	if ms > maxProbeTimeoutMs {
		return maxProbeTimeoutMs
	}
	return ms
}
