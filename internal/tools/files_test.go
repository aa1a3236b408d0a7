package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func fileToolContext(t *testing.T) (*Registry, *Context) {
	t.Helper()
	r := NewRegistry()
	RegisterFileTools(r)
	return r, &Context{ProjectDir: t.TempDir()}
}

func TestWriteThenReadFile(t *testing.T) {
	r, tc := fileToolContext(t)

	out := r.Execute(context.Background(), "write_file", map[string]any{
		"path":    "notes/todo.md",
		"content": "remember the thing",
	}, tc)
	if IsErrorResult(out) {
		t.Fatalf("write_file failed: %s", out)
	}

	out = r.Execute(context.Background(), "read_file", map[string]any{
		"path": "notes/todo.md",
	}, tc)
	if IsErrorResult(out) {
		t.Fatalf("read_file failed: %s", out)
	}
	var parsed map[string]string
	json.Unmarshal([]byte(out), &parsed)
	if parsed["content"] != "remember the thing" {
		t.Errorf("content = %q", parsed["content"])
	}
}

func TestPathTraversalRejected(t *testing.T) {
	r, tc := fileToolContext(t)

	// A file outside the project that must stay unreachable.
	outside := filepath.Join(filepath.Dir(tc.ProjectDir), "secret.txt")
	os.WriteFile(outside, []byte("secret"), 0o644)
	defer os.Remove(outside)

	escapes := []string{
		"../secret.txt",
		"notes/../../secret.txt",
		"../../../../etc/passwd",
	}
	for _, path := range escapes {
		if out := r.Execute(context.Background(), "read_file", map[string]any{"path": path}, tc); !IsErrorResult(out) {
			t.Errorf("read_file(%q) escaped: %s", path, out)
		}
		if out := r.Execute(context.Background(), "write_file", map[string]any{"path": path, "content": "x"}, tc); !IsErrorResult(out) {
			t.Errorf("write_file(%q) escaped: %s", path, out)
		}
	}
}

func TestSymlinkEscapeRejected(t *testing.T) {
	r, tc := fileToolContext(t)

	outsideDir := t.TempDir()
	os.WriteFile(filepath.Join(outsideDir, "leak.txt"), []byte("leak"), 0o644)
	if err := os.Symlink(outsideDir, filepath.Join(tc.ProjectDir, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	out := r.Execute(context.Background(), "read_file", map[string]any{"path": "link/leak.txt"}, tc)
	if !IsErrorResult(out) {
		t.Errorf("read through symlink escaped: %s", out)
	}
}

func TestReadMissingFile(t *testing.T) {
	r, tc := fileToolContext(t)
	out := r.Execute(context.Background(), "read_file", map[string]any{"path": "absent.txt"}, tc)
	if !IsErrorResult(out) {
		t.Errorf("read_file(absent) = %s, want error result", out)
	}
}

func TestWriteFileIsFullOverwrite(t *testing.T) {
	r, tc := fileToolContext(t)
	r.Execute(context.Background(), "write_file", map[string]any{"path": "f.txt", "content": "long original content"}, tc)
	r.Execute(context.Background(), "write_file", map[string]any{"path": "f.txt", "content": "short"}, tc)

	data, err := os.ReadFile(filepath.Join(tc.ProjectDir, "f.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "short" {
		t.Errorf("content after overwrite = %q", data)
	}
}
