package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow collapses editor write bursts into one reload.
const debounceWindow = 250 * time.Millisecond

// Watch reloads the config file on change and swaps the new tree into cfg
// via ReplaceFrom. onReload, when non-nil, runs after each successful swap.
// Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, cfg *Config, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors rename/replace the file, which drops
	// a watch installed on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	lastHash := Hash(path)
	var timer *time.Timer
	reloadCh := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceWindow, func() {
				select {
				case reloadCh <- struct{}{}:
				default:
				}
			})
		case <-reloadCh:
			h := Hash(path)
			if h == lastHash {
				continue
			}
			lastHash = h
			next, err := Load(path)
			if err != nil {
				slog.Warn("config reload failed, keeping previous", "path", path, "error", err)
				continue
			}
			cfg.ReplaceFrom(next)
			slog.Info("config reloaded", "path", path)
			if onReload != nil {
				onReload(cfg)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}
