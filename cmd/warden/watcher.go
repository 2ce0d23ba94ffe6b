package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/platinummonkey/warden/pkg/config"
	"github.com/platinummonkey/warden/pkg/observability"
)

// messageSetter receives the reloaded lock message
type messageSetter interface {
	SetMessage(message string)
}

// watchConfigFile reloads the lock message whenever the config file changes.
// The directory is watched so editors that replace the file are still seen.
func watchConfigFile(ctx context.Context, path string, target messageSetter, logger *observability.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	name := filepath.Clean(path)

	logger.WithField("path", path).Info("watching config file")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			reloadLockedMessage(path, target, logger)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("config watcher error")
		}
	}
}

// reloadLockedMessage re-reads path and applies the resolved lock message.
// A file that fails to parse leaves the current message in place.
func reloadLockedMessage(path string, target messageSetter, logger *observability.Logger) {
	file, err := config.LoadFile(path)
	if err != nil {
		logger.WithError(err).Warn("failed to reload config file")
		return
	}
	msg := config.ResolveLockedMessage(file)
	target.SetMessage(msg)
	logger.Info("lock message reloaded")
}
