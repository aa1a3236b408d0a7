package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/maestro/internal/search"
)

// HistoryIndexer periodically reindexes session history, but only when
// the logs have changed since the last pass.
type HistoryIndexer struct {
	sessionsDir string
	runner      *search.Runner
	schedule    string // cron expression

	lastHash string
}

func NewHistoryIndexer(sessionsDir string, runner *search.Runner, schedule string) *HistoryIndexer {
	if schedule == "" {
		schedule = "*/2 * * * *"
	}
	return &HistoryIndexer{sessionsDir: sessionsDir, runner: runner, schedule: schedule}
}

// Run ticks until ctx is cancelled, firing when the cron schedule is due.
func (h *HistoryIndexer) Run(ctx context.Context) error {
	gron := gronx.New()
	if !gron.IsValid(h.schedule) {
		return fmt.Errorf("invalid history index schedule %q", h.schedule)
	}
	slog.Info("history indexer started", "schedule", h.schedule)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			due, err := gron.IsDue(h.schedule, time.Now())
			if err != nil || !due {
				continue
			}
			h.maybeReindex(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *HistoryIndexer) maybeReindex(ctx context.Context) {
	hash := h.stateHash()
	if hash == "" || hash == h.lastHash {
		return
	}
	slog.Info("session history changed, reindexing")
	h.runner.Reindex(ctx, "--history-only")
	h.lastHash = hash
}

// stateHash digests the names, sizes, and mtimes of all session logs.
func (h *HistoryIndexer) stateHash() string {
	entries, err := os.ReadDir(h.sessionsDir)
	if err != nil {
		return ""
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".jsonl") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	digest := sha256.New()
	for _, name := range names {
		info, err := os.Stat(filepath.Join(h.sessionsDir, name))
		if err != nil {
			continue
		}
		fmt.Fprintf(digest, "%s:%d:%d\n", name, info.Size(), info.ModTime().UnixNano())
	}
	return hex.EncodeToString(digest.Sum(nil))
}
