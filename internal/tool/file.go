package tool

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"waagent/internal/domain"
)

const defaultReadLimit = 2000

// resolvePath resolves a file path relative to the workspace and prevents traversal.
func resolvePath(workspace, path string) (string, error) {
	path = strings.TrimSpace(path)
	if !filepath.IsAbs(path) && workspace != "" {
		path = filepath.Join(workspace, path)
	}
	resolved, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if workspace != "" {
		wsAbs, err := filepath.Abs(workspace)
		if err != nil {
			return "", fmt.Errorf("resolve workspace: %w", err)
		}
		if !strings.HasPrefix(resolved, wsAbs+string(filepath.Separator)) && resolved != wsAbs {
			return "", fmt.Errorf("path %q is outside workspace %q", resolved, wsAbs)
		}
	}
	return resolved, nil
}

// --- ReadTool ---

// ReadTool returns a file's lines, numbered, optionally windowed by
// offset/limit.
type ReadTool struct {
	workspace string
}

func NewReadTool(workspace string) *ReadTool {
	return &ReadTool{workspace: workspace}
}

func (t *ReadTool) Name() string { return "Read" }
func (t *ReadTool) Description() string {
	return "Read a file from the working directory. Output lines are numbered starting at 1."
}
func (t *ReadTool) Parameters() map[string]any {
	return objectSchema().
		must("file_path", "string", "Path of the file, relative to the working directory or absolute").
		opt("offset", "integer", "Line number to start from (1-based)").
		opt("limit", "integer", "Maximum number of lines to return (default 2000)").
		build()
}

func (t *ReadTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path := ArgsString(args, "file_path")
	if path == "" {
		return "", fmt.Errorf("missing argument: file_path")
	}
	resolved, err := resolvePath(t.workspace, path)
	if err != nil {
		return "", err
	}
	f, err := os.Open(resolved)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	defer f.Close()

	offset, _ := ArgsInt(args, "offset")
	if offset < 1 {
		offset = 1
	}
	limit, ok := ArgsInt(args, "limit")
	if !ok || limit <= 0 {
		limit = defaultReadLimit
	}

	var b strings.Builder
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if line < offset {
			continue
		}
		if line >= offset+limit {
			break
		}
		fmt.Fprintf(&b, "%6d\t%s\n", line, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	if b.Len() == 0 {
		return "(empty)", nil
	}
	return b.String(), nil
}

// --- WriteTool ---

// WriteTool writes content to a file, creating parent directories as needed.
type WriteTool struct {
	workspace string
}

func NewWriteTool(workspace string) *WriteTool {
	return &WriteTool{workspace: workspace}
}

func (t *WriteTool) Name() string { return "Write" }
func (t *WriteTool) Description() string {
	return "Write content to a file. Creates the file if it does not exist; overwrites if it exists."
}
func (t *WriteTool) Parameters() map[string]any {
	return objectSchema().
		must("file_path", "string", "Path of the file to write").
		must("content", "string", "Content to write to the file").
		build()
}

func (t *WriteTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path := ArgsString(args, "file_path")
	content := ArgsString(args, "content")
	if path == "" {
		return "", fmt.Errorf("missing argument: file_path")
	}
	resolved, err := resolvePath(t.workspace, path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), resolved), nil
}

// --- EditTool ---

// EditTool replaces an exact string in a file. The string must be unique
// unless replace_all is set.
type EditTool struct {
	workspace string
}

func NewEditTool(workspace string) *EditTool {
	return &EditTool{workspace: workspace}
}

func (t *EditTool) Name() string { return "Edit" }
func (t *EditTool) Description() string {
	return "Replace old_string with new_string in a file. old_string must match exactly and be unique unless replace_all is true."
}
func (t *EditTool) Parameters() map[string]any {
	return objectSchema().
		must("file_path", "string", "Path of the file to edit").
		must("old_string", "string", "Exact text to replace").
		must("new_string", "string", "Replacement text").
		opt("replace_all", "boolean", "Replace every occurrence").
		build()
}

func (t *EditTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	path := ArgsString(args, "file_path")
	oldStr := ArgsString(args, "old_string")
	newStr := ArgsString(args, "new_string")
	if path == "" {
		return "", fmt.Errorf("missing argument: file_path")
	}
	if oldStr == "" {
		return "", fmt.Errorf("missing argument: old_string")
	}
	if oldStr == newStr {
		return "", fmt.Errorf("old_string and new_string are identical")
	}
	resolved, err := resolvePath(t.workspace, path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("edit file: %w", err)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("edit file: %w", err)
	}

	content := string(data)
	n := strings.Count(content, oldStr)
	switch {
	case n == 0:
		return "", fmt.Errorf("old_string not found in %s", resolved)
	case n > 1 && !ArgsBool(args, "replace_all"):
		return "", fmt.Errorf("old_string occurs %d times in %s; add context or set replace_all", n, resolved)
	}

	if ArgsBool(args, "replace_all") {
		content = strings.ReplaceAll(content, oldStr, newStr)
	} else {
		content = strings.Replace(content, oldStr, newStr, 1)
	}
	if err := os.WriteFile(resolved, []byte(content), info.Mode().Perm()); err != nil {
		return "", fmt.Errorf("edit file: %w", err)
	}
	return fmt.Sprintf("Replaced %d occurrence(s) in %s", n, resolved), nil
}

var (
	_ domain.Tool = (*ReadTool)(nil)
	_ domain.Tool = (*WriteTool)(nil)
	_ domain.Tool = (*EditTool)(nil)
)
