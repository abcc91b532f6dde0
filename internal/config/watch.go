package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events an editor save produces.
const reloadDebounce = 200 * time.Millisecond

// Watch reloads the holder's config file whenever it changes, until ctx is
// done. The parent directory is watched because editors often replace the
// file by rename. Invalid reloads are logged and the previous config kept.
// onReload, when non-nil, is called after every successful reload with the
// replaced and the new config.
func Watch(ctx context.Context, h *Holder, logger *slog.Logger, onReload func(prev, next *Config)) error {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(h.Path())
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("config: watching %s: %w", dir, err)
	}

	name := filepath.Clean(h.Path())

	timer := time.NewTimer(reloadDebounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != name || ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}

			timer.Reset(reloadDebounce)

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("config watcher error", slog.String("error", watchErr.Error()))

		case <-timer.C:
			reload(h, logger, onReload)
		}
	}
}

func reload(h *Holder, logger *slog.Logger, onReload func(prev, next *Config)) {
	cfg, err := LoadOrDefault(h.Path())
	if err != nil {
		logger.Warn("config reload failed, keeping previous config",
			slog.String("path", h.Path()),
			slog.String("error", err.Error()),
		)

		return
	}

	prev := h.Swap(cfg)
	logger.Info("config reloaded",
		slog.String("path", h.Path()),
		slog.Uint64("reloads", h.Reloads()),
	)

	if onReload != nil {
		onReload(prev, cfg)
	}
}
