package prx

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadSupervisor watches the config file and swaps the proxy's fabric when
// a changed candidate parses and validates. Editors tend to emit bursts of
// writes/renames, so events are debounced: a burst collapses into one reload
// attempt that reads whatever content the file holds at fire time. Any
// failure keeps the previous fabric.
type ReloadSupervisor struct {
	configPath string
	debounce   time.Duration
	proxy      *Proxy
	log        *zap.Logger
}

const minReloadDebounce = 50 * time.Millisecond

func NewReloadSupervisor(configPath string, debounceMs int64, proxy *Proxy, log *zap.Logger) *ReloadSupervisor {
	debounce := time.Duration(debounceMs) * time.Millisecond
	if debounce < minReloadDebounce {
		debounce = minReloadDebounce
	}
	return &ReloadSupervisor{
		configPath: configPath,
		debounce:   debounce,
		proxy:      proxy,
		log:        log,
	}
}

// Run blocks until ctx is done. The parent directory is watched rather than
// the file itself so atomic rename-over-save (and the admin PUT's temp-file
// replace) keeps delivering events.
func (s *ReloadSupervisor) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.configPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch config directory %s: %w", dir, err)
	}

	s.log.Info("auto reload for config file is active",
		zap.String("config", s.configPath),
		zap.Int64("debounce_ms", s.debounce.Milliseconds()),
	)

	fileName := filepath.Base(s.configPath)
	var pending *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != fileName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if pending == nil {
				pending = time.NewTimer(s.debounce)
				fire = pending.C
			} else {
				if !pending.Stop() {
					<-pending.C
				}
				pending.Reset(s.debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("watch event error", zap.Error(err))

		case <-fire:
			pending = nil
			fire = nil
			s.reload()
		}
	}
}

func (s *ReloadSupervisor) reload() {
	cfg, err := LoadConfig(s.configPath)
	if err != nil {
		s.log.Error("failed to reload config, keeping previous version",
			zap.String("config", s.configPath),
			zap.Error(err),
		)
		return
	}

	s.proxy.Swap(BuildFabric(cfg))
	s.log.Info("reloaded config from disk", zap.String("config", s.configPath))
}
