package prx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xff16/prx/internal/metric"
)

// Proxy is the front request handler. It threads the fabric components
// together: health/ready short-circuit, route match, balancer pick, forward,
// and on failure breaker bookkeeping plus retry.
//
// The active fabric is published through an atomic pointer; a request loads
// it once and runs entirely against that snapshot, so a concurrent reload is
// never observed half-applied.
type Proxy struct {
	active atomic.Pointer[Fabric]

	healthPath string
	readyPath  string
	accessLog  bool

	log     *zap.Logger
	metrics metric.Metrics
}

func NewProxy(fabric *Fabric, cfg *Config, log *zap.Logger, metrics metric.Metrics) *Proxy {
	if metrics == nil {
		metrics = metric.NewNop()
	}
	p := &Proxy{
		healthPath: cfg.Server.HealthPath,
		readyPath:  cfg.Server.ReadyPath,
		accessLog:  cfg.Observability.AccessLog,
		log:        log,
		metrics:    metrics,
	}
	p.active.Store(fabric)
	return p
}

// Fabric returns the currently active fabric snapshot.
func (p *Proxy) Fabric() *Fabric {
	return p.active.Load()
}

// Swap atomically publishes a new fabric. In-flight requests keep their
// captured snapshot; the next request sees the new one.
func (p *Proxy) Swap(fabric *Fabric) {
	prev := p.active.Swap(fabric)
	prev.closeIdleConnections()
	p.log.Info("published new fabric",
		zap.String("fabric_id", fabric.ID()),
		zap.String("previous_fabric_id", prev.ID()),
	)
}

var _ http.Handler = (*Proxy)(nil)

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// health_path is a pure liveness probe and must not touch the fabric.
	if r.URL.Path == p.healthPath {
		respondText(w, http.StatusOK, "ok\n")
		return
	}

	start := time.Now()
	requestID := getOrCreateRequestID(r)
	sw := &statusWriter{ResponseWriter: w}

	defer func() {
		if rec := recover(); rec != nil {
			p.log.Error("panic in request handler",
				zap.Any("panic", rec),
				zap.String("request_id", requestID),
				zap.String("path", r.URL.Path),
			)
			if sw.status == 0 {
				respondText(sw, http.StatusBadGateway, "internal_error\n")
			}
		}
	}()

	fabric := p.active.Load()

	if r.URL.Path == p.readyPath {
		if fabric.AllRoutesAvailable() {
			respondText(sw, http.StatusOK, "ready\n")
		} else {
			respondText(sw, http.StatusServiceUnavailable, "not_ready\n")
		}
		return
	}

	route := fabric.Route(r.Host, r.URL.Path)
	if route == nil {
		respondText(sw, http.StatusNotFound, "no_route\n")
		p.logRequest(sw, r, start, "no_route", "", 0, requestID, nil)
		p.metrics.ObserveRequest("no_route", http.StatusNotFound, time.Since(start))
		return
	}

	upstreamAddr, retries, err := p.forward(sw, r, route)

	p.logRequest(sw, r, start, route.name, upstreamAddr, retries, requestID, err)
	p.metrics.ObserveRequest(route.name, sw.status, time.Since(start))
}

// forward runs the attempt loop for one request: up to 1+max_retries picks,
// each against an upstream not yet tried and not open-circuit. Transport
// errors count into the breaker; any HTTP response from the upstream,
// including 5xx, is a success for the breaker and goes back verbatim.
func (p *Proxy) forward(w *statusWriter, r *http.Request, route *routeRuntime) (string, int, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondText(w, http.StatusBadRequest, "failed_to_read_request_body\n")
		return "", 0, err
	}
	_ = r.Body.Close()

	hashKey := r.URL.Path
	tried := make([]int, 0, len(route.upstreams))
	var lastErr error
	var lastAddr string

	for attempt := 0; attempt <= route.maxRetries; attempt++ {
		idx, ok := route.pick(tried, hashKey)
		if !ok {
			if attempt == 0 {
				respondText(w, http.StatusBadGateway, "no_upstream_available\n")
				return "", 0, errors.New("no upstream available")
			}
			break
		}
		upstream := route.upstreams[idx]
		lastAddr = upstream.addr

		if attempt > 0 && route.retryBackoff > 0 {
			select {
			case <-time.After(route.retryBackoff):
			case <-r.Context().Done():
				return lastAddr, attempt, r.Context().Err()
			}
		}

		resp, err := upstream.roundTrip(r, body)
		if err != nil {
			if r.Context().Err() != nil {
				// The client went away; not an upstream failure.
				p.log.Info("client canceled request",
					zap.String("route", route.name),
					zap.String("upstream", upstream.addr),
				)
				return lastAddr, attempt, r.Context().Err()
			}

			p.recordFailure(route, upstream, failureStage(err))
			tried = append(tried, idx)
			lastErr = err
			continue
		}

		upstream.breaker.OnSuccess()
		p.metrics.SetCircuitState(route.name, upstream.addr, false)

		streamErr := p.streamResponse(w, r, resp, route, upstream)
		return upstream.addr, attempt, streamErr
	}

	respondText(w, http.StatusBadGateway, "upstream_error\n")
	if lastErr == nil {
		lastErr = errors.New("all upstreams exhausted")
	}
	return lastAddr, route.maxRetries, lastErr
}

// streamResponse copies the upstream response back to the client. A copy
// failure caused by the upstream counts into its breaker; a client
// disconnect does not.
func (p *Proxy) streamResponse(w *statusWriter, r *http.Request, resp *http.Response, route *routeRuntime, upstream *upstreamRuntime) error {
	defer resp.Body.Close()

	dropHopByHop(resp.Header)
	dst := w.Header()
	for k, vv := range resp.Header {
		dst[k] = vv
	}
	w.WriteHeader(resp.StatusCode)
	w.Flush()

	if _, err := io.Copy(w, resp.Body); err != nil {
		if r.Context().Err() != nil || errors.Is(err, context.Canceled) {
			p.log.Info("client disconnected mid-stream",
				zap.String("route", route.name),
				zap.String("upstream", upstream.addr),
			)
			return nil
		}
		p.recordFailure(route, upstream, "proxy")
		return err
	}
	return nil
}

func (p *Proxy) recordFailure(route *routeRuntime, upstream *upstreamRuntime, stage string) {
	p.metrics.IncUpstreamError(route.name, upstream.addr, stage)

	opened := upstream.breaker.OnFailure()
	open := upstream.breaker.Open()
	p.metrics.SetCircuitState(route.name, upstream.addr, open)
	if opened {
		p.metrics.MarkCircuitOpen(route.name, upstream.addr)
		p.log.Warn("opened circuit breaker for upstream",
			zap.String("route", route.name),
			zap.String("upstream", upstream.addr),
		)
	}
}

func failureStage(err error) string {
	var de *dialError
	if errors.As(err, &de) {
		return "connect"
	}
	return "proxy"
}

func (p *Proxy) logRequest(w *statusWriter, r *http.Request, start time.Time, route, upstream string, retries int, requestID string, err error) {
	if !p.accessLog {
		return
	}

	fields := []zap.Field{
		zap.String("request_id", requestID),
		zap.String("method", r.Method),
		zap.String("host", r.Host),
		zap.String("path", r.URL.Path),
		zap.String("route", route),
		zap.String("upstream", upstream),
		zap.Int("status", w.status),
		zap.Int("retries", retries),
		zap.Int64("bytes_written", w.bytes),
		zap.Int64("latency_ms", time.Since(start).Milliseconds()),
	}
	if err != nil {
		p.log.Error("request failed", append(fields, zap.Error(err))...)
		return
	}
	p.log.Info("request served", fields...)
}

func respondText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
