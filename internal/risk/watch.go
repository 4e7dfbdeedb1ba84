package risk

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"margind/internal/logger"

	"github.com/fsnotify/fsnotify"
)

// WatchTiers reloads tier definitions whenever the file changes.
// Editors often replace files via rename, so the watch sits on the
// directory and filters by name. Reload failures keep the previous
// ladder in place.
func WatchTiers(ctx context.Context, path string, provider *Provider) error {
	path = strings.TrimSpace(path)
	if path == "" || provider == nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	base := filepath.Base(path)

	go func() {
		defer watcher.Close()
		var lastReload time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				// Debounce editor double-writes.
				if time.Since(lastReload) < 500*time.Millisecond {
					continue
				}
				lastReload = time.Now()

				tiers, err := LoadTiers(path)
				if err != nil {
					logger.Errorf("risk: tiers reload failed, keeping previous: %v", err)
					continue
				}
				if err := provider.ReplaceTiers(tiers); err != nil {
					logger.Errorf("risk: tiers reload rejected: %v", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warnf("risk: tiers watcher error: %v", err)
			}
		}
	}()
	return nil
}
