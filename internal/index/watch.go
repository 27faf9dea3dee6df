package index

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch marks the in-memory rows stale whenever another process appends
// to the backing file, so the next query re-reads it. The watcher runs
// until ctx is cancelled. Concurrent writers are still the caller's
// problem; this only keeps a single reader current.
func (ix *Index) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: the file itself may not exist yet, and some
	// editors replace rather than append.
	dir := filepath.Dir(ix.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != ix.path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					ix.logger.Debug("index changed on disk",
						zap.String("path", ix.path), zap.String("op", ev.Op.String()))
					ix.markStale()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				ix.logger.Warn("index watcher error", zap.String("path", ix.path), zap.Error(err))
			}
		}
	}()
	return nil
}
