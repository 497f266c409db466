package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce collapses the burst of events editors emit for a
// single save (truncate, write, chmod, rename) into one reload.
const reloadDebounce = 250 * time.Millisecond

// Watch reloads the config file at path whenever it changes and hands
// each successfully loaded and validated Config to onChange. Invalid
// files are logged and skipped; the previous config stays in effect.
//
// The parent directory is watched rather than the file itself so that
// atomic-rename saves are seen. Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)

		case <-fire:
			fire = nil
			cfg, err := Load(abs)
			if err != nil {
				logger.Warn("config reload failed, keeping previous config", "path", abs, "error", err)
				continue
			}
			if err := cfg.Validate(); err != nil {
				logger.Warn("reloaded config is invalid, keeping previous config", "path", abs, "error", err)
				continue
			}
			logger.Info("config reloaded", "path", abs)
			onChange(cfg)
		}
	}
}
