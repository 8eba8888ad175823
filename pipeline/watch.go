package pipeline

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"modelops/errs"
)

// Watch calls trigger each time one of files is written, created or renamed into place.
// Bursts of events within debounce collapse into one call. Watch blocks until ctx is done.
func Watch(ctx context.Context, files []string, debounce time.Duration, logger *zap.Logger, trigger func(context.Context)) error {
	const op = "pipeline.watch"
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errs.E(errs.Unexpected, op, err)
	}
	defer watcher.Close()

	// watch parent directories so atomic replacements are seen
	targets := make(map[string]bool, len(files))
	dirs := make(map[string]bool)
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			continue
		}
		targets[abs] = true
		dir := filepath.Dir(abs)
		if dirs[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			logger.Debug("skip watch directory", zap.String("dir", dir), zap.Error(err))
			continue
		}
		dirs[dir] = true
	}
	if len(dirs) == 0 {
		return errs.Errorf(errs.NotFound, op, "none of the %d dataset locations has an existing directory", len(files))
	}
	logger.Info("watching dataset", zap.Int("directories", len(dirs)), zap.Duration("debounce", debounce))

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !targets[filepath.Clean(event.Name)] {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			logger.Debug("dataset changed", zap.String("file", event.Name), zap.String("op", event.Op.String()))
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", zap.Error(err))
		case <-timer.C:
			trigger(ctx)
		}
	}
}
