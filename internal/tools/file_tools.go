package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileTools is the provider behind the "file" family. Every path is
// confined to the workspace root.
type FileTools struct {
	workspacePath string
}

// FileRequest is the JSON input of the file family.
type FileRequest struct {
	Op      string `json:"op"` // read, write, edit, list
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
	OldText string `json:"old_text,omitempty"`
	NewText string `json:"new_text,omitempty"`
	Offset  int    `json:"offset,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// NewFileTools creates a file provider rooted at workspacePath. An empty
// path leaves the provider unconfigured: every call fails with
// ConfigMissing.
func NewFileTools(workspacePath string) *FileTools {
	return &FileTools{workspacePath: workspacePath}
}

// Invoke decodes a [FileRequest] and performs it.
func (ft *FileTools) Invoke(ctx context.Context, input string, _ Config) (string, error) {
	if ft.workspacePath == "" {
		return "", &Error{Kind: ConfigMissing, Message: "workspace not configured"}
	}
	var req FileRequest
	if err := json.Unmarshal([]byte(input), &req); err != nil {
		return "", fmt.Errorf("invalid file request: %w", err)
	}

	switch req.Op {
	case "read":
		return ft.Read(ctx, req.Path, req.Offset, req.Limit)
	case "write":
		if err := ft.Write(ctx, req.Path, req.Content); err != nil {
			return "", err
		}
		return fmt.Sprintf("wrote %d bytes to %s", len(req.Content), req.Path), nil
	case "edit":
		if err := ft.Edit(ctx, req.Path, req.OldText, req.NewText); err != nil {
			return "", err
		}
		return fmt.Sprintf("edited %s", req.Path), nil
	case "list":
		entries, err := ft.List(ctx, req.Path)
		if err != nil {
			return "", err
		}
		return strings.Join(entries, "\n"), nil
	default:
		return "", fmt.Errorf("unknown file op %q (valid: read, write, edit, list)", req.Op)
	}
}

// resolvePath converts path to an absolute path inside the workspace.
func (ft *FileTools) resolvePath(path string) (string, error) {
	workspaceAbs, err := filepath.Abs(ft.workspacePath)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}

	var absPath string
	if filepath.IsAbs(path) {
		absPath = filepath.Clean(path)
	} else {
		absPath = filepath.Join(workspaceAbs, path)
	}

	if absPath != workspaceAbs && !strings.HasPrefix(absPath, workspaceAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return absPath, nil
}

// Read returns a file's contents. offset is a 1-indexed starting line and
// limit a line count; zero means the whole file.
func (ft *FileTools) Read(_ context.Context, path string, offset, limit int) (string, error) {
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file not found: %s", path)
		}
		return "", fmt.Errorf("read file: %w", err)
	}
	content := string(data)

	if offset > 0 || limit > 0 {
		lines := strings.Split(content, "\n")
		start := 0
		if offset > 0 {
			start = offset - 1
		}
		if start >= len(lines) {
			return "", fmt.Errorf("offset %d exceeds file length (%d lines)", offset, len(lines))
		}
		end := len(lines)
		if limit > 0 && start+limit < end {
			end = start + limit
		}
		content = strings.Join(lines[start:end], "\n")
		if start > 0 || end < len(lines) {
			content = fmt.Sprintf("[Lines %d-%d of %d]\n%s", start+1, end, len(lines), content)
		}
	}

	const maxBytes = 50 * 1024
	if len(content) > maxBytes {
		content = content[:maxBytes] + "\n\n[... truncated, use offset/limit for more ...]"
	}
	return content, nil
}

// Write replaces a file's contents, creating parent directories.
func (ft *FileTools) Write(_ context.Context, path, content string) error {
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(absPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// Edit replaces the single occurrence of oldText with newText.
func (ft *FileTools) Edit(_ context.Context, path, oldText, newText string) error {
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file not found: %s", path)
		}
		return fmt.Errorf("read file: %w", err)
	}
	content := string(data)

	switch n := strings.Count(content, oldText); {
	case oldText == "" || n == 0:
		return fmt.Errorf("old text not found in file: %q", oldText)
	case n > 1:
		return fmt.Errorf("old text appears %d times in file; must be unique", n)
	}

	updated := strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(absPath, []byte(updated), 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// List returns the entries of a directory; subdirectories end in "/".
func (ft *FileTools) List(_ context.Context, path string) ([]string, error) {
	absPath, err := ft.resolvePath(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("directory not found: %s", path)
		}
		return nil, fmt.Errorf("read directory: %w", err)
	}

	result := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		result = append(result, name)
	}
	return result, nil
}
