package server

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// loadModeration applies the moderation file to the live state.
func (s *Server) loadModeration() error {
	f, err := LoadModerationFile(s.fs, s.cfg.ModerationFile)
	if err != nil {
		return err
	}
	promoted, muted := f.Apply(s.moderation)
	slog.Info("applied moderation file", "path", s.cfg.ModerationFile, "new_admins", promoted, "new_muted", muted)
	return nil
}

// WatchModerationFile re-applies path whenever it is written or replaced,
// until ctx is cancelled. The parent directory is watched so editors that
// save by rename are picked up.
func WatchModerationFile(ctx context.Context, path string, reload func() error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("server: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("server: watch %s: %w", path, err)
	}

	target := filepath.Clean(path)
	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				slog.Debug("moderation file changed", "op", event.Op.String(), "path", event.Name)
				if err := reload(); err != nil {
					slog.Error("reload moderation file", "path", path, "err", err)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("moderation file watcher error", "err", err)
			}
		}
	}()
	return nil
}
