package prx

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Config is an immutable snapshot of user intent, decoded from a Prx.toml
// file. It is never mutated after Normalize; reloads build a fresh one.
type Config struct {
	Server        ServerConfig        `toml:"server"`
	Observability ObservabilityConfig `toml:"observability"`
	Routes        []RouteConfig       `toml:"route" validate:"dive"`
}

type ServerConfig struct {
	Listen                         []string   `toml:"listen" validate:"dive,hostname_port"`
	HealthPath                     string     `toml:"health_path"`
	ReadyPath                      string     `toml:"ready_path"`
	Threads                        *int       `toml:"threads,omitempty"`
	GracePeriodSeconds             *int64     `toml:"grace_period_seconds,omitempty"`
	GracefulShutdownTimeoutSeconds *int64     `toml:"graceful_shutdown_timeout_seconds,omitempty"`
	ConfigReloadDebounceMs         int64      `toml:"config_reload_debounce_ms"`
	TLS                            *TLSConfig `toml:"tls,omitempty"`
}

type TLSConfig struct {
	Listen   string `toml:"listen" validate:"hostname_port"`
	CertPath string `toml:"cert_path" validate:"required"`
	KeyPath  string `toml:"key_path" validate:"required"`
	EnableH2 bool   `toml:"enable_h2"`
}

type ObservabilityConfig struct {
	LogLevel         string  `toml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	AccessLog        bool    `toml:"access_log"`
	PrometheusListen *string `toml:"prometheus_listen,omitempty" validate:"omitempty,hostname_port"`
}

type LBStrategy string

const (
	LBRoundRobin LBStrategy = "round_robin"
	LBRandom     LBStrategy = "random"
	LBHash       LBStrategy = "hash"
)

type RouteConfig struct {
	Name           string               `toml:"name"`
	Host           *string              `toml:"host,omitempty"`
	PathPrefix     string               `toml:"path_prefix"`
	IsDefault      bool                 `toml:"is_default"`
	LB             LBStrategy           `toml:"lb" validate:"omitempty,oneof=round_robin random hash"`
	MaxRetries     int                  `toml:"max_retries" validate:"min=0"`
	RetryBackoffMs int64                `toml:"retry_backoff_ms" validate:"min=0"`
	CircuitBreaker CircuitBreakerConfig `toml:"circuit_breaker"`
	Upstreams      []UpstreamConfig     `toml:"upstream"`
}

type CircuitBreakerConfig struct {
	Enabled             bool   `toml:"enabled"`
	ConsecutiveFailures *int   `toml:"consecutive_failures,omitempty"`
	OpenMs              *int64 `toml:"open_ms,omitempty"`
}

type UpstreamConfig struct {
	Addr                  string  `toml:"addr"`
	TLS                   bool    `toml:"tls"`
	SNI                   *string `toml:"sni,omitempty"`
	Weight                *int    `toml:"weight,omitempty"`
	VerifyCert            *bool   `toml:"verify_cert,omitempty"`
	VerifyHostname        *bool   `toml:"verify_hostname,omitempty"`
	ConnectTimeoutMs      *int64  `toml:"connect_timeout_ms,omitempty"`
	TotalConnectTimeoutMs *int64  `toml:"total_connect_timeout_ms,omitempty"`
	ReadTimeoutMs         *int64  `toml:"read_timeout_ms,omitempty"`
	WriteTimeoutMs        *int64  `toml:"write_timeout_ms,omitempty"`
	IdleTimeoutMs         *int64  `toml:"idle_timeout_ms,omitempty"`
}

const (
	DefaultConfigPath      = "./Prx.toml"
	defaultReloadDebounce  = 250
	defaultBreakerFailures = 3
	defaultBreakerOpenMs   = 30_000
	defaultWeight          = 1
	maxWeight              = 256
)

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen:                 []string{"0.0.0.0:8080"},
			HealthPath:             "/healthz",
			ReadyPath:              "/readyz",
			ConfigReloadDebounceMs: defaultReloadDebounce,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			AccessLog: true,
		},
	}
}

// LoadConfig reads, parses, normalizes and validates the TOML file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	cfg, err := ParseConfig(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	return cfg, nil
}

// ParseConfig decodes TOML text into a normalized, validated Config.
func ParseConfig(text string) (*Config, error) {
	cfg := defaultConfig()
	md, err := toml.Decode(text, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse TOML config: %w", err)
	}
	// An omitted enable_h2 leaves HTTP/2 on for the TLS listener.
	if cfg.Server.TLS != nil && !md.IsDefined("server", "tls", "enable_h2") {
		cfg.Server.TLS.EnableH2 = true
	}

	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// EncodeConfig renders the config back to TOML. Used by the round-trip test;
// the watcher and admin PUT deal in raw file text.
func EncodeConfig(cfg *Config) ([]byte, error) {
	return toml.Marshal(cfg)
}

// Normalize fills defaults and canonicalizes fields in place: hosts are
// lowercased, weights clamped into [1,256], missing SNI derived from the addr
// host (falling back to "localhost"), breaker thresholds defaulted.
// Normalizing twice is a no-op.
func (c *Config) Normalize() {
	c.Observability.LogLevel = strings.ToLower(strings.TrimSpace(c.Observability.LogLevel))

	for i := range c.Routes {
		r := &c.Routes[i]

		if r.Name == "" {
			r.Name = "default"
		}
		if r.LB == "" {
			r.LB = LBRoundRobin
		}
		if r.Host != nil {
			h := strings.ToLower(strings.TrimSpace(*r.Host))
			if h == "" {
				r.Host = nil
			} else {
				r.Host = &h
			}
		}
		if r.CircuitBreaker.ConsecutiveFailures == nil {
			n := defaultBreakerFailures
			r.CircuitBreaker.ConsecutiveFailures = &n
		}
		if r.CircuitBreaker.OpenMs == nil {
			ms := int64(defaultBreakerOpenMs)
			r.CircuitBreaker.OpenMs = &ms
		}

		for j := range r.Upstreams {
			u := &r.Upstreams[j]

			if u.Weight == nil {
				w := defaultWeight
				u.Weight = &w
			}
			if *u.Weight < 1 {
				w := 1
				u.Weight = &w
			}
			if *u.Weight > maxWeight {
				w := maxWeight
				u.Weight = &w
			}
			if u.SNI == nil {
				sni := sniFromAddr(u.Addr)
				u.SNI = &sni
			}
		}
	}
}

// sniFromAddr derives a default SNI from the host portion of addr. Literal
// socket addresses have no usable name, so they fall back to "localhost".
func sniFromAddr(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "" || net.ParseIP(host) != nil {
		return "localhost"
	}
	return host
}

var structValidator = validator.New()

// Validate is total and side-effect-free: it reports every problem it finds
// rather than stopping at the first, so a reload candidate gets one complete
// diagnostic. The strings below are user-visible and stable.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Routes) == 0 {
		errs = append(errs, errors.New("config must include at least one [[route]] block"))
	}

	if !strings.HasPrefix(c.Server.HealthPath, "/") {
		errs = append(errs, errors.New("server.health_path must start with '/'"))
	}
	if !strings.HasPrefix(c.Server.ReadyPath, "/") {
		errs = append(errs, errors.New("server.ready_path must start with '/'"))
	}
	if c.Server.HealthPath == c.Server.ReadyPath {
		errs = append(errs, errors.New("server.health_path and server.ready_path must be different"))
	}

	defaults := 0
	for i := range c.Routes {
		r := &c.Routes[i]
		if r.IsDefault {
			defaults++
		}

		if len(r.Upstreams) == 0 {
			errs = append(errs, fmt.Errorf("route '%s' must include at least one [[route.upstream]]", r.Name))
		}

		if r.PathPrefix == "" {
			errs = append(errs, fmt.Errorf("route '%s' has empty path_prefix", r.Name))
		} else if !strings.HasPrefix(r.PathPrefix, "/") {
			errs = append(errs, fmt.Errorf("route '%s' path_prefix must start with '/'", r.Name))
		}

		for j := range r.Upstreams {
			if strings.TrimSpace(r.Upstreams[j].Addr) == "" {
				errs = append(errs, fmt.Errorf("route '%s' includes upstream with empty addr", r.Name))
			}
		}

		if r.CircuitBreaker.Enabled {
			if r.CircuitBreaker.ConsecutiveFailures != nil && *r.CircuitBreaker.ConsecutiveFailures <= 0 {
				errs = append(errs, fmt.Errorf("route '%s' circuit_breaker.consecutive_failures must be > 0", r.Name))
			}
			if r.CircuitBreaker.OpenMs != nil && *r.CircuitBreaker.OpenMs <= 0 {
				errs = append(errs, fmt.Errorf("route '%s' circuit_breaker.open_ms must be > 0", r.Name))
			}
		}
	}

	if defaults > 1 {
		errs = append(errs, errors.New("only one route can be marked is_default = true"))
	}

	errs = append(errs, c.structErrors()...)

	return errors.Join(errs...)
}

// structErrors runs the tag-based field checks (address shapes, enum values)
// and renders them as readable strings appended after the frozen ones.
func (c *Config) structErrors() []error {
	err := structValidator.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []error{err}
	}

	out := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, fmt.Errorf("%s: invalid value %q (%s)", fieldPath(fe.Namespace()), fmt.Sprint(fe.Value()), fe.Tag()))
	}
	return out
}

// fieldPath turns a validator namespace like Config.Server.Listen[0] into the
// TOML-flavored server.listen[0].
func fieldPath(ns string) string {
	ns = strings.TrimPrefix(ns, "Config.")
	parts := strings.Split(ns, ".")
	for i, p := range parts {
		idx := ""
		if b := strings.IndexByte(p, '['); b >= 0 {
			idx = p[b:]
			p = p[:b]
		}
		parts[i] = camelToSnake(p) + idx
	}
	return strings.Join(parts, ".")
}

func camelToSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && s[i-1] >= 'a' && s[i-1] <= 'z' {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
