package admin

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/xff16/prx"
)

// listenTCP opens a real listener so the probe has something to connect to.
func listenTCP(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	return ln.Addr().String()
}

func healthTestServer(t *testing.T, configTOML string) *Server {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "Prx.toml")
	if err := os.WriteFile(path, []byte(configTOML), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := prx.LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	proxy := prx.NewProxy(prx.BuildFabric(cfg), cfg, zap.NewNop(), nil)
	return NewServer(DefaultListen, path, proxy, zap.NewNop())
}

func TestRouteHealthGET(t *testing.T) {
	live := listenTCP(t)
	s := healthTestServer(t, fmt.Sprintf(`
[[route]]
name = "mixed"
host = "api.local"
path_prefix = "/api"

[[route.upstream]]
addr = %q

[[route.upstream]]
addr = "127.0.0.1:1"
connect_timeout_ms = 100
`, live))

	rec := do(s, http.MethodGet, RouteHealthPath+"?timeout_ms=200", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var payload routeHealthPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatal(err)
	}

	if payload.TimeoutMs != 200 {
		t.Errorf("timeout_ms = %d, want 200", payload.TimeoutMs)
	}
	if payload.CheckedAtEpochMs == 0 {
		t.Error("checked_at_epoch_ms missing")
	}
	if len(payload.Routes) != 1 {
		t.Fatalf("routes = %d", len(payload.Routes))
	}

	route := payload.Routes[0]
	if route.RouteIndex != 0 || route.Name != "mixed" || route.Host != "api.local" || route.PathPrefix != "/api" {
		t.Errorf("route identity = %+v", route)
	}
	if route.TotalUpstreams != 2 || route.ReachableUpstreams != 1 {
		t.Errorf("reachable/total = %d/%d, want 1/2", route.ReachableUpstreams, route.TotalUpstreams)
	}
	// healthy only when every upstream is reachable.
	if route.Healthy {
		t.Error("route with one dead upstream must not be healthy")
	}

	liveEntry, deadEntry := route.Upstreams[0], route.Upstreams[1]
	if !liveEntry.Healthy || liveEntry.LatencyMs == nil {
		t.Errorf("live upstream = %+v", liveEntry)
	}
	if deadEntry.Healthy || deadEntry.Error == nil {
		t.Errorf("dead upstream = %+v", deadEntry)
	}
	if deadEntry.TimeoutMs != 100 {
		t.Errorf("per-upstream timeout = %d, want connect_timeout_ms clamped to 100", deadEntry.TimeoutMs)
	}
}

func TestRouteHealthAllReachableIsHealthy(t *testing.T) {
	live := listenTCP(t)
	s := healthTestServer(t, fmt.Sprintf(`
[[route]]
name = "up"
path_prefix = "/"
is_default = true

[[route.upstream]]
addr = %q
`, live))

	rec := do(s, http.MethodGet, RouteHealthPath, "")
	var payload routeHealthPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatal(err)
	}

	if payload.TimeoutMs != defaultProbeTimeoutMs {
		t.Errorf("default timeout = %d", payload.TimeoutMs)
	}
	if !payload.Routes[0].Healthy {
		t.Error("route with every upstream reachable must be healthy")
	}
}

func TestRouteHealthPOSTProbesBodyConfig(t *testing.T) {
	live := listenTCP(t)
	s := healthTestServer(t, sampleConfig("api"))

	body := fmt.Sprintf(`
[[route]]
name = "preview"
path_prefix = "/"
is_default = true

[[route.upstream]]
addr = %q
`, live)

	rec := do(s, http.MethodPost, RouteHealthPath+"?timeout_ms=500", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var payload routeHealthPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatal(err)
	}
	if len(payload.Routes) != 1 || payload.Routes[0].Name != "preview" {
		t.Error("POST must probe the config from the request body, not the file")
	}
}

func TestRouteHealthPOSTRejectsInvalidConfig(t *testing.T) {
	s := healthTestServer(t, sampleConfig("api"))

	rec := do(s, http.MethodPost, RouteHealthPath, "[[route]]\nname = \"bad\"\npath_prefix = \"/\"\n")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestClampProbeTimeout(t *testing.T) {
	tests := []struct {
		in   int64
		want int64
	}{
		{50, 100},
		{100, 100},
		{1200, 1200},
		{10_000, 10_000},
		{60_000, 10_000},
	}
	for _, tt := range tests {
		if got := clampProbeTimeout(tt.in); got != tt.want {
			t.Errorf("clampProbeTimeout(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
