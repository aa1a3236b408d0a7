// Package indexer keeps the external search index fresh: a filesystem
// watcher reindexes memory on change, and a scheduled pass reindexes
// session history when the logs have moved. Both are best-effort — the
// search index is a cache, never a source of truth.
package indexer

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/maestro/internal/search"
)

// MemoryWatcher reindexes the memory directory when .md files change.
type MemoryWatcher struct {
	dir      string
	runner   *search.Runner
	debounce time.Duration
}

func NewMemoryWatcher(dir string, runner *search.Runner, debounce time.Duration) *MemoryWatcher {
	if debounce <= 0 {
		debounce = time.Second
	}
	return &MemoryWatcher{dir: dir, runner: runner, debounce: debounce}
}

// Run watches until ctx is cancelled. A missing directory is polled until
// it appears.
func (w *MemoryWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for {
		if err := watcher.Add(w.dir); err == nil {
			break
		}
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	slog.Info("memory watcher started", "dir", w.dir)

	var timer *time.Timer
	pending := make(chan struct{}, 1)
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(ev.Name, ".md") {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce bursts of writes into one reindex.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})

		case <-pending:
			slog.Info("memory files changed, reindexing")
			w.runner.Reindex(ctx, "--memory-only")

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("memory watcher error", "error", err)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
