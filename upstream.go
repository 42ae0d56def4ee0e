package prx

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"
)

// upstreamRuntime binds one configured upstream to its breaker cell and a
// dedicated transport carrying the per-upstream timeouts and TLS parameters.
type upstreamRuntime struct {
	addr    string
	tls     bool
	sni     string
	weight  int
	breaker *BreakerCell

	transport *http.Transport
}

// dialError tags transport errors that happened before a connection was
// established, so the handler can attribute the failure to the connect stage.
type dialError struct{ err error }

func (e *dialError) Error() string { return e.err.Error() }
func (e *dialError) Unwrap() error { return e.err }

func buildUpstream(cfg UpstreamConfig, policy BreakerPolicy) *upstreamRuntime {
	u := &upstreamRuntime{
		addr:    cfg.Addr,
		tls:     cfg.TLS,
		weight:  1,
		breaker: NewBreakerCell(policy),
	}
	if cfg.SNI != nil {
		u.sni = *cfg.SNI
	}
	if cfg.Weight != nil {
		u.weight = *cfg.Weight
	}

	dialer := &net.Dialer{}
	if ms := cfg.ConnectTimeoutMs; ms != nil {
		dialer.Timeout = time.Duration(*ms) * time.Millisecond
	}

	readTimeout := optionalDuration(cfg.ReadTimeoutMs)
	writeTimeout := optionalDuration(cfg.WriteTimeoutMs)
	totalConnect := optionalDuration(cfg.TotalConnectTimeoutMs)

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if totalConnect > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, totalConnect)
				defer cancel()
			}
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, &dialError{err: err}
			}
			if readTimeout > 0 || writeTimeout > 0 {
				conn = &deadlineConn{Conn: conn, read: readTimeout, write: writeTimeout}
			}
			return conn, nil
		},
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	if ms := cfg.IdleTimeoutMs; ms != nil {
		transport.IdleConnTimeout = time.Duration(*ms) * time.Millisecond
	}
	if readTimeout > 0 {
		transport.ResponseHeaderTimeout = readTimeout
	}

	if cfg.TLS {
		transport.TLSClientConfig = tlsClientConfig(cfg, u.sni)
	}

	u.transport = transport
	return u
}

// tlsClientConfig maps the independent verify_cert / verify_hostname flags
// onto crypto/tls, which cannot check the hostname without also verifying the
// chain. verify_cert=true + verify_hostname=false keeps chain verification in
// a VerifyPeerCertificate callback.
func tlsClientConfig(cfg UpstreamConfig, sni string) *tls.Config {
	verifyCert := cfg.VerifyCert == nil || *cfg.VerifyCert
	verifyHostname := cfg.VerifyHostname == nil || *cfg.VerifyHostname

	tc := &tls.Config{ServerName: sni}

	switch {
	case verifyCert && verifyHostname:
		// Default full verification.
	case verifyCert:
		tc.InsecureSkipVerify = true
		tc.VerifyPeerCertificate = verifyChainOnly
	default:
		tc.InsecureSkipVerify = true
	}

	return tc
}

func verifyChainOnly(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("failed to parse upstream certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return fmt.Errorf("upstream presented no certificates")
	}

	opts := x509.VerifyOptions{Intermediates: x509.NewCertPool()}
	for _, cert := range certs[1:] {
		opts.Intermediates.AddCert(cert)
	}
	_, err := certs[0].Verify(opts)
	return err
}

// deadlineConn arms a fresh deadline before every read and write, the
// per-operation equivalent of the configured read/write timeouts.
type deadlineConn struct {
	net.Conn
	read  time.Duration
	write time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if c.read > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.read)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	if c.write > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.write)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(p)
}

func optionalDuration(ms *int64) time.Duration {
	if ms == nil {
		return 0
	}
	return time.Duration(*ms) * time.Millisecond
}

// newUpstreamRequest clones the inbound request toward this upstream. The
// body bytes are replayed per attempt so retries see the full payload. The
// outgoing Host header is rewritten to the upstream's effective SNI to stay
// aligned with strict virtual hosts.
func (u *upstreamRuntime) newUpstreamRequest(r *http.Request, body []byte) *http.Request {
	scheme := "http"
	if u.tls {
		scheme = "https"
	}

	out := r.Clone(r.Context())
	out.URL = &url.URL{
		Scheme:   scheme,
		Host:     u.addr,
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}
	out.Host = u.sni
	out.RequestURI = ""
	out.Close = false
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))

	dropHopByHop(out.Header)
	appendForwarded(out.Header, r)

	return out
}

// roundTrip performs one proxy attempt against this upstream.
func (u *upstreamRuntime) roundTrip(r *http.Request, body []byte) (*http.Response, error) {
	return u.transport.RoundTrip(u.newUpstreamRequest(r, body))
}

var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func dropHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		if name == "Te" && h.Get("Te") == "trailers" {
			continue
		}
		h.Del(name)
	}
}

func appendForwarded(h http.Header, r *http.Request) {
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && ip != "" {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			h.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			h.Set("X-Forwarded-For", ip)
		}
	}
	if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
	h.Set("X-Forwarded-Host", r.Host)
}
