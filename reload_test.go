package prx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func reloadTestConfig(name string) string {
	return fmt.Sprintf(`
[[route]]
name = %q
path_prefix = "/"
is_default = true

[[route.upstream]]
addr = "127.0.0.1:9000"
`, name)
}

func startSupervisor(t *testing.T, path string, p *Proxy) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := NewReloadSupervisor(path, 50, p, zap.NewNop())
	go func() { _ = s.Run(ctx) }()

	// Give the watcher a moment to arm before the test writes the file.
	time.Sleep(100 * time.Millisecond)
}

func waitForSwap(t *testing.T, p *Proxy, oldID string) bool {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if p.Fabric().ID() != oldID {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

func TestReloadSwapsFabricOnValidChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Prx.toml")
	writeConfigFile(t, path, reloadTestConfig("before"))

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	p := NewProxy(BuildFabric(cfg), cfg, zap.NewNop(), nil)
	oldID := p.Fabric().ID()

	startSupervisor(t, path, p)

	writeConfigFile(t, path, reloadTestConfig("after"))

	if !waitForSwap(t, p, oldID) {
		t.Fatal("fabric was not swapped after a valid config change")
	}
	if rt := p.Fabric().Route("any", "/"); rt == nil || rt.name != "after" {
		t.Errorf("new fabric does not carry the updated route")
	}
}

func TestReloadKeepsPreviousFabricOnInvalidChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Prx.toml")
	writeConfigFile(t, path, reloadTestConfig("keep"))

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	p := NewProxy(BuildFabric(cfg), cfg, zap.NewNop(), nil)
	oldID := p.Fabric().ID()

	startSupervisor(t, path, p)

	// Route without upstreams fails validation; the active fabric must not move.
	writeConfigFile(t, path, "[[route]]\nname = \"bad\"\npath_prefix = \"/\"\n")

	time.Sleep(500 * time.Millisecond)

	if p.Fabric().ID() != oldID {
		t.Fatal("invalid candidate must keep the previous fabric")
	}
	if rt := p.Fabric().Route("any", "/"); rt == nil || rt.name != "keep" {
		t.Error("previous routes should continue to serve unchanged")
	}
}

func TestReloadDebounceCoalescesBursts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Prx.toml")
	writeConfigFile(t, path, reloadTestConfig("v0"))

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	p := NewProxy(BuildFabric(cfg), cfg, zap.NewNop(), nil)
	oldID := p.Fabric().ID()

	startSupervisor(t, path, p)

	// A burst of writes inside the debounce window; the reload that fires
	// must pick up the last content.
	for i := range 5 {
		writeConfigFile(t, path, reloadTestConfig(fmt.Sprintf("v%d", i+1)))
		time.Sleep(5 * time.Millisecond)
	}

	if !waitForSwap(t, p, oldID) {
		t.Fatal("debounced reload never fired")
	}
	// Allow a trailing fire in case the burst spanned two windows.
	time.Sleep(300 * time.Millisecond)

	if rt := p.Fabric().Route("any", "/"); rt == nil || rt.name != "v5" {
		t.Errorf("reload should serve the latest content, got %v", rt)
	}
}
