package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watch re-reads path whenever it changes and hands the freshly loaded
// configuration to onReload. Reload failures are logged and the previous
// configuration stays in effect. Watch blocks until ctx is cancelled, so
// callers run it in its own goroutine.
//
// The watch is on the directory rather than the file itself: editors and
// configmap mounts replace the file with a rename, which would silently
// detach a file-level watch.
func Watch(ctx context.Context, path string, logger logrus.FieldLogger, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				logger.WithError(err).Warn("Config reload failed, keeping previous configuration")
				continue
			}
			logger.WithField("path", path).Info("Configuration reloaded")
			onReload(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("Config watcher error")
		}
	}
}
