package search

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func fakeSearchCmd(t *testing.T, body string) string {
	t.Helper()
	script := filepath.Join(t.TempDir(), "search")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return script
}

func TestSearchParsesResults(t *testing.T) {
	cmd := fakeSearchCmd(t, `
[ "$1" = "what happened" ] || exit 2
[ "$3" = "history" ] || exit 3
echo '[{"text":"a chunk","file_path":"context/a.jsonl","start_line":3,"end_line":9,"distance":0.42}]'
`)
	r := NewRunner(cmd, "", "")

	results, err := r.Search(context.Background(), "what happened", CollectionHistory, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %#v", results)
	}
	got := results[0]
	if got.Text != "a chunk" || got.FilePath != "context/a.jsonl" || got.Distance != 0.42 {
		t.Errorf("result = %#v", got)
	}
}

func TestSearchNonzeroExit(t *testing.T) {
	cmd := fakeSearchCmd(t, "echo 'index broken' >&2\nexit 7\n")
	r := NewRunner(cmd, "", "")
	if _, err := r.Search(context.Background(), "q", CollectionMemory, 5); err == nil {
		t.Error("nonzero exit should surface as error")
	}
}

func TestSearchBadOutput(t *testing.T) {
	cmd := fakeSearchCmd(t, "echo 'not json'\n")
	r := NewRunner(cmd, "", "")
	if _, err := r.Search(context.Background(), "q", CollectionMemory, 5); err == nil {
		t.Error("unparseable output should surface as error")
	}
}

func TestSearchUnconfigured(t *testing.T) {
	r := NewRunner("", "", "")
	if _, err := r.Search(context.Background(), "q", CollectionMemory, 5); err == nil {
		t.Error("missing command should error")
	}
}

func TestReindexBestEffort(t *testing.T) {
	// A failing reindex command must not propagate.
	cmd := fakeSearchCmd(t, "exit 1\n")
	r := NewRunner("", cmd, "")
	r.Reindex(context.Background(), "--memory-only")

	// And an unconfigured one is a no-op.
	NewRunner("", "", "").Reindex(context.Background())
}
