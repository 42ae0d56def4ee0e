package prx

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testUpstreamConfig(addr string) UpstreamConfig {
	sni := "svc.internal"
	w := 1
	return UpstreamConfig{Addr: addr, SNI: &sni, Weight: &w}
}

func TestNewUpstreamRequestRewritesTarget(t *testing.T) {
	u := buildUpstream(testUpstreamConfig("10.0.0.1:9000"), BreakerPolicy{})

	in := httptest.NewRequest(http.MethodGet, "http://client.example.com/v1/items?q=1", nil)
	in.Header.Set("Connection", "keep-alive")
	in.Header.Set("Keep-Alive", "timeout=5")
	in.Header.Set("X-Custom", "kept")

	out := u.newUpstreamRequest(in, nil)

	if out.URL.Scheme != "http" || out.URL.Host != "10.0.0.1:9000" {
		t.Errorf("target = %s://%s, want http://10.0.0.1:9000", out.URL.Scheme, out.URL.Host)
	}
	if out.URL.Path != "/v1/items" || out.URL.RawQuery != "q=1" {
		t.Errorf("path/query = %q/%q", out.URL.Path, out.URL.RawQuery)
	}
	if out.Host != "svc.internal" {
		t.Errorf("Host = %q, want the effective sni", out.Host)
	}
	if out.RequestURI != "" {
		t.Error("RequestURI must be cleared for client requests")
	}

	if out.Header.Get("Connection") != "" || out.Header.Get("Keep-Alive") != "" {
		t.Error("hop-by-hop headers must be dropped")
	}
	if out.Header.Get("X-Custom") != "kept" {
		t.Error("end-to-end headers must be forwarded")
	}
	if out.Header.Get("X-Forwarded-For") == "" {
		t.Error("X-Forwarded-For should be set")
	}
	if out.Header.Get("X-Forwarded-Proto") != "http" {
		t.Errorf("X-Forwarded-Proto = %q", out.Header.Get("X-Forwarded-Proto"))
	}
	if out.Header.Get("X-Forwarded-Host") != "client.example.com" {
		t.Errorf("X-Forwarded-Host = %q", out.Header.Get("X-Forwarded-Host"))
	}
}

func TestNewUpstreamRequestTLSScheme(t *testing.T) {
	cfg := testUpstreamConfig("10.0.0.1:9443")
	cfg.TLS = true
	u := buildUpstream(cfg, BreakerPolicy{})

	in := httptest.NewRequest(http.MethodGet, "http://client/", nil)
	out := u.newUpstreamRequest(in, nil)
	if out.URL.Scheme != "https" {
		t.Errorf("scheme = %q, want https for a tls upstream", out.URL.Scheme)
	}
}

func TestNewUpstreamRequestReplaysBody(t *testing.T) {
	u := buildUpstream(testUpstreamConfig("10.0.0.1:9000"), BreakerPolicy{})
	body := []byte("payload")

	in := httptest.NewRequest(http.MethodPost, "http://client/submit", nil)

	for range 2 {
		out := u.newUpstreamRequest(in, body)
		if out.ContentLength != int64(len(body)) {
			t.Fatalf("ContentLength = %d, want %d", out.ContentLength, len(body))
		}
		got, err := io.ReadAll(out.Body)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "payload" {
			t.Fatal("each attempt must see the full body")
		}
	}
}

func TestTLSClientConfigVerifyFlags(t *testing.T) {
	vTrue, vFalse := true, false

	full := tlsClientConfig(UpstreamConfig{}, "svc")
	if full.InsecureSkipVerify || full.VerifyPeerCertificate != nil {
		t.Error("defaults should use full verification")
	}
	if full.ServerName != "svc" {
		t.Errorf("ServerName = %q", full.ServerName)
	}

	chainOnly := tlsClientConfig(UpstreamConfig{VerifyCert: &vTrue, VerifyHostname: &vFalse}, "svc")
	if !chainOnly.InsecureSkipVerify || chainOnly.VerifyPeerCertificate == nil {
		t.Error("verify_hostname=false should keep chain verification in a callback")
	}

	none := tlsClientConfig(UpstreamConfig{VerifyCert: &vFalse}, "svc")
	if !none.InsecureSkipVerify || none.VerifyPeerCertificate != nil {
		t.Error("verify_cert=false should skip verification entirely")
	}
}
