package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadSettle absorbs the burst of events editors emit for one save.
const reloadSettle = 100 * time.Millisecond

// Watch reloads h whenever its config file is written, created or renamed
// into place, calling onReload with each successfully loaded config. A
// config that fails validation is logged and ignored. The parent directory
// is watched so atomic replace-by-rename is seen. Blocks until ctx is done.
func Watch(ctx context.Context, h *Holder, logger *slog.Logger, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer watcher.Close()

	path := filepath.Clean(h.Path())
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}

			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != path {
				continue
			}

			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(reloadSettle)
			} else {
				timer.Reset(reloadSettle)
			}

			timerCh = timer.C

		case <-timerCh:
			timerCh = nil

			cfg, err := h.Reload()
			if err != nil {
				logger.Warn("config reload failed, keeping previous config",
					slog.String("path", path), slog.String("error", err.Error()))

				continue
			}

			logger.Info("config reloaded", slog.String("path", path))

			if onReload != nil {
				onReload(cfg)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}
