package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxReadSize caps read_file output so a single tool result cannot blow
// up the model context.
const maxReadSize = 100_000

// RegisterFileTools adds project-dir-confined file I/O.
func RegisterFileTools(r *Registry) {
	r.Register(&Tool{
		Name:        "read_file",
		Description: "Read a file from the project directory. Path is relative to project root.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Relative path to the file (e.g., 'CLAUDE.md' or 'context/memory/MEMORY.md').",
				},
			},
			"required": []string{"path"},
		},
		Handler: readFile,
	})

	r.Register(&Tool{
		Name:        "write_file",
		Description: "Write content to a file in the project directory. Creates parent directories if needed. Full overwrite.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Relative path to the file.",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "The content to write to the file.",
				},
			},
			"required": []string{"path", "content"},
		},
		Handler: writeFile,
	})
}

// resolveSafePath resolves a relative path within the project directory.
// Symlinks are resolved before the prefix check so a link cannot escape.
func resolveSafePath(baseDir, relPath string) (string, error) {
	base, err := filepath.Abs(baseDir)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(base); err == nil {
		base = resolved
	}

	target := filepath.Join(base, relPath)
	// Resolve the deepest existing ancestor so the check also covers
	// paths about to be created by write_file.
	probe := target
	for {
		resolved, err := filepath.EvalSymlinks(probe)
		if err == nil {
			rest, _ := filepath.Rel(probe, target)
			if rest == "." {
				target = resolved
			} else {
				target = filepath.Join(resolved, rest)
			}
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}

	if target != base && !strings.HasPrefix(target, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes project directory")
	}
	return target, nil
}

func readFile(_ context.Context, tc *Context, input map[string]any) (string, error) {
	if tc.ProjectDir == "" {
		return "", fmt.Errorf("project directory not configured")
	}
	path := argString(input, "path")
	target, err := resolveSafePath(tc.ProjectDir, path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(target)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file not found: %s", path)
		}
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	content := string(data)
	if len(content) > maxReadSize {
		content = content[:maxReadSize] + fmt.Sprintf("\n... (truncated at %d bytes)", maxReadSize)
	}
	return jsonResult(map[string]string{"path": path, "content": content}), nil
}

func writeFile(_ context.Context, tc *Context, input map[string]any) (string, error) {
	if tc.ProjectDir == "" {
		return "", fmt.Errorf("project directory not configured")
	}
	path := argString(input, "path")
	content := argString(input, "content")
	target, err := resolveSafePath(tc.ProjectDir, path)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return jsonResult(map[string]any{"path": path, "status": "written", "bytes": len(content)}), nil
}
