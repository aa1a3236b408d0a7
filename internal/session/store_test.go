package session

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSessionFile(t *testing.T, dir, id string, lines ...string) {
	t.Helper()
	content := ""
	for _, line := range lines {
		content += line + "\n"
	}
	if err := os.WriteFile(filepath.Join(dir, id+".jsonl"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	return NewStore(dir, filepath.Join(dir, ".titles.json")), dir
}

func TestStoreList(t *testing.T) {
	store, dir := newTestStore(t)
	writeSessionFile(t, dir, "old",
		`{"type":"user","timestamp":"2026-01-01T10:00:00Z","message":{"role":"user","content":"first question"}}`,
		`{"type":"assistant","timestamp":"2026-01-01T10:00:05Z","message":{"role":"assistant","content":"answer"}}`,
	)
	writeSessionFile(t, dir, "recent",
		`{"type":"orchestrator_meta","timestamp":"2026-02-01T09:00:00Z","orchestrator":true}`,
		`{"type":"user","timestamp":"2026-02-01T09:00:01Z","message":{"role":"user","content":"newer"}}`,
	)
	writeSessionFile(t, dir, "garbage", `not json at all`)

	sessions := store.List()
	if len(sessions) != 2 {
		t.Fatalf("List() returned %d sessions, want 2", len(sessions))
	}
	if sessions[0].SessionID != "recent" || sessions[1].SessionID != "old" {
		t.Errorf("wrong order: %s, %s", sessions[0].SessionID, sessions[1].SessionID)
	}
	if !sessions[0].Orchestrator {
		t.Error("recent session should be marked orchestrator")
	}
	if sessions[1].Title != "first question" {
		t.Errorf("title = %q, want first user prompt", sessions[1].Title)
	}
	if sessions[1].MessageCount != 2 {
		t.Errorf("message count = %d, want 2", sessions[1].MessageCount)
	}
}

func TestStoreCustomTitles(t *testing.T) {
	store, dir := newTestStore(t)
	writeSessionFile(t, dir, "s1",
		`{"type":"user","timestamp":"2026-01-01T10:00:00Z","message":{"role":"user","content":"derived title"}}`,
	)

	if err := store.SetTitle("s1", "My Task"); err != nil {
		t.Fatal(err)
	}
	info := store.Info("s1")
	if info == nil || info.Title != "My Task" {
		t.Fatalf("Info() = %#v, want custom title", info)
	}

	if err := store.SetTitle("s1", ""); err != nil {
		t.Fatal(err)
	}
	info = store.Info("s1")
	if info == nil || info.Title != "derived title" {
		t.Fatalf("Info() after clearing = %#v, want derived title", info)
	}
}

func TestStorePreview(t *testing.T) {
	store, dir := newTestStore(t)
	writeSessionFile(t, dir, "s1",
		`{"type":"user","timestamp":"2026-01-01T10:00:00Z","message":{"role":"user","content":"one"}}`,
		`{"type":"tool_use","timestamp":"2026-01-01T10:00:01Z","tool_call_id":"c","tool_name":"read_file","tool_input":{}}`,
		`{"type":"assistant","timestamp":"2026-01-01T10:00:02Z","message":{"role":"assistant","content":"two"}}`,
		`{"type":"user","timestamp":"2026-01-01T10:00:03Z","message":{"role":"user","content":"three"}}`,
	)

	all := store.Preview("s1", 10)
	if len(all) != 4 {
		t.Fatalf("Preview() returned %d messages, want 4", len(all))
	}
	if all[1].Text != "[tool: read_file]" {
		t.Errorf("tool preview = %q", all[1].Text)
	}

	last := store.Preview("s1", 2)
	if len(last) != 2 || last[0].Text != "two" || last[1].Text != "three" {
		t.Errorf("Preview(2) = %#v, want last two messages", last)
	}
}

func TestStoreDelete(t *testing.T) {
	store, dir := newTestStore(t)
	writeSessionFile(t, dir, "gone",
		`{"type":"user","timestamp":"2026-01-01T10:00:00Z","message":{"role":"user","content":"x"}}`,
	)
	store.SetTitle("gone", "Custom")

	if err := store.Delete("gone"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "gone.jsonl")); !os.IsNotExist(err) {
		t.Error("log file still present after Delete")
	}
	// Deleting an unknown session is not an error.
	if err := store.Delete("never-existed"); err != nil {
		t.Errorf("Delete(unknown) = %v", err)
	}
}
