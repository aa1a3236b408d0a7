package indexer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/maestro/internal/search"
)

// markerReindexCmd returns a Runner whose reindex command touches a
// marker file, so tests can observe invocations.
func markerReindexCmd(t *testing.T) (*search.Runner, string) {
	t.Helper()
	dir := t.TempDir()
	marker := filepath.Join(dir, "reindexed")
	script := filepath.Join(dir, "reindex")
	body := "#!/bin/sh\ntouch " + marker + "\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	return search.NewRunner("", script, dir), marker
}

func TestMemoryWatcherTriggersReindex(t *testing.T) {
	runner, marker := markerReindexCmd(t)
	memDir := t.TempDir()

	w := NewMemoryWatcher(memDir, runner, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Give the watcher a moment to attach, then change a memory file.
	time.Sleep(200 * time.Millisecond)
	os.WriteFile(filepath.Join(memDir, "MEMORY.md"), []byte("note"), 0o644)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(marker); err == nil {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("reindex never ran after memory change")
}

func TestMemoryWatcherIgnoresNonMarkdown(t *testing.T) {
	runner, marker := markerReindexCmd(t)
	memDir := t.TempDir()

	w := NewMemoryWatcher(memDir, runner, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(200 * time.Millisecond)
	os.WriteFile(filepath.Join(memDir, "scratch.tmp"), []byte("x"), 0o644)

	time.Sleep(400 * time.Millisecond)
	if _, err := os.Stat(marker); err == nil {
		t.Error("reindex ran for a non-markdown change")
	}
}

func TestHistoryIndexerHashChangesWithLogs(t *testing.T) {
	dir := t.TempDir()
	h := NewHistoryIndexer(dir, nil, "")

	empty := h.stateHash()
	os.WriteFile(filepath.Join(dir, "a.jsonl"), []byte(`{"type":"user"}`+"\n"), 0o644)
	one := h.stateHash()
	if one == empty {
		t.Error("hash unchanged after adding a log")
	}

	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644)
	if h.stateHash() != one {
		t.Error("hash changed for a non-log file")
	}
}

func TestHistoryIndexerRejectsBadSchedule(t *testing.T) {
	h := NewHistoryIndexer(t.TempDir(), nil, "not a cron line")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := h.Run(ctx); err == nil {
		t.Error("invalid schedule accepted")
	}
}
