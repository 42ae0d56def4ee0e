package admin

import (
	"encoding/json"
	"net/http"

	"github.com/xff16/prx"
)

// configPayload is the normalized JSON view of the config model served by
// GET /web/config?format=json. The shape is part of the SPA contract; route
// entries carry their zero-based declaration index.
type configPayload struct {
	Server        serverPayload        `json:"server"`
	Observability observabilityPayload `json:"observability"`
	Routes        []routePayload       `json:"routes"`
}

type serverPayload struct {
	Listen                         []string    `json:"listen"`
	HealthPath                     string      `json:"health_path"`
	ReadyPath                      string      `json:"ready_path"`
	Threads                        *int        `json:"threads"`
	GracePeriodSeconds             *int64      `json:"grace_period_seconds"`
	GracefulShutdownTimeoutSeconds *int64      `json:"graceful_shutdown_timeout_seconds"`
	ConfigReloadDebounceMs         int64       `json:"config_reload_debounce_ms"`
	TLS                            *tlsPayload `json:"tls"`
}

type tlsPayload struct {
	Listen   string `json:"listen"`
	CertPath string `json:"cert_path"`
	KeyPath  string `json:"key_path"`
	EnableH2 bool   `json:"enable_h2"`
}

type observabilityPayload struct {
	LogLevel         string `json:"log_level"`
	AccessLog        bool   `json:"access_log"`
	PrometheusListen string `json:"prometheus_listen"`
}

type routePayload struct {
	RouteIndex     int                   `json:"route_index"`
	Name           string                `json:"name"`
	Host           string                `json:"host"`
	PathPrefix     string                `json:"path_prefix"`
	IsDefault      bool                  `json:"is_default"`
	LB             string                `json:"lb"`
	MaxRetries     int                   `json:"max_retries"`
	RetryBackoffMs int64                 `json:"retry_backoff_ms"`
	CircuitBreaker circuitBreakerPayload `json:"circuit_breaker"`
	Upstreams      []upstreamPayload     `json:"upstreams"`
}

type circuitBreakerPayload struct {
	Enabled             bool  `json:"enabled"`
	ConsecutiveFailures int   `json:"consecutive_failures"`
	OpenMs              int64 `json:"open_ms"`
}

type upstreamPayload struct {
	Addr                  string `json:"addr"`
	TLS                   bool   `json:"tls"`
	SNI                   string `json:"sni"`
	Weight                int    `json:"weight"`
	VerifyCert            *bool  `json:"verify_cert"`
	VerifyHostname        *bool  `json:"verify_hostname"`
	ConnectTimeoutMs      *int64 `json:"connect_timeout_ms"`
	TotalConnectTimeoutMs *int64 `json:"total_connect_timeout_ms"`
	ReadTimeoutMs         *int64 `json:"read_timeout_ms"`
	WriteTimeoutMs        *int64 `json:"write_timeout_ms"`
	IdleTimeoutMs         *int64 `json:"idle_timeout_ms"`
}

func configPayloadFrom(cfg *prx.Config) configPayload {
	p := configPayload{
		Server: serverPayload{
			Listen:                         cfg.Server.Listen,
			HealthPath:                     cfg.Server.HealthPath,
			ReadyPath:                      cfg.Server.ReadyPath,
			Threads:                        cfg.Server.Threads,
			GracePeriodSeconds:             cfg.Server.GracePeriodSeconds,
			GracefulShutdownTimeoutSeconds: cfg.Server.GracefulShutdownTimeoutSeconds,
			ConfigReloadDebounceMs:         cfg.Server.ConfigReloadDebounceMs,
		},
		Observability: observabilityPayload{
			LogLevel:  cfg.Observability.LogLevel,
			AccessLog: cfg.Observability.AccessLog,
		},
		Routes: make([]routePayload, 0, len(cfg.Routes)),
	}

	if cfg.Server.TLS != nil {
		p.Server.TLS = &tlsPayload{
			Listen:   cfg.Server.TLS.Listen,
			CertPath: cfg.Server.TLS.CertPath,
			KeyPath:  cfg.Server.TLS.KeyPath,
			EnableH2: cfg.Server.TLS.EnableH2,
		}
	}
	if cfg.Observability.PrometheusListen != nil {
		p.Observability.PrometheusListen = *cfg.Observability.PrometheusListen
	}

	for i := range cfg.Routes {
		r := &cfg.Routes[i]

		rp := routePayload{
			RouteIndex:     i,
			Name:           r.Name,
			PathPrefix:     r.PathPrefix,
			IsDefault:      r.IsDefault,
			LB:             string(r.LB),
			MaxRetries:     r.MaxRetries,
			RetryBackoffMs: r.RetryBackoffMs,
			Upstreams:      make([]upstreamPayload, 0, len(r.Upstreams)),
		}
		if r.Host != nil {
			rp.Host = *r.Host
		}
		if r.CircuitBreaker.ConsecutiveFailures != nil {
			rp.CircuitBreaker.ConsecutiveFailures = *r.CircuitBreaker.ConsecutiveFailures
		}
		if r.CircuitBreaker.OpenMs != nil {
			rp.CircuitBreaker.OpenMs = *r.CircuitBreaker.OpenMs
		}
		rp.CircuitBreaker.Enabled = r.CircuitBreaker.Enabled

		for j := range r.Upstreams {
			u := &r.Upstreams[j]
			up := upstreamPayload{
				Addr:                  u.Addr,
				TLS:                   u.TLS,
				VerifyCert:            u.VerifyCert,
				VerifyHostname:        u.VerifyHostname,
				ConnectTimeoutMs:      u.ConnectTimeoutMs,
				TotalConnectTimeoutMs: u.TotalConnectTimeoutMs,
				ReadTimeoutMs:         u.ReadTimeoutMs,
				WriteTimeoutMs:        u.WriteTimeoutMs,
				IdleTimeoutMs:         u.IdleTimeoutMs,
			}
			if u.SNI != nil {
				up.SNI = *u.SNI
			}
			if u.Weight != nil {
				up.Weight = *u.Weight
			}
			rp.Upstreams = append(rp.Upstreams, up)
		}

		p.Routes = append(p.Routes, rp)
	}

	return p
}

func jsonReply(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		textReply(w, http.StatusInternalServerError, "failed_to_encode_json\n")
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
