package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxReadBytes = 256 * 1024

// ReadFileTool reads file contents from the workspace.
type ReadFileTool struct {
	workspace string
	restrict  bool
}

func NewReadFileTool(workspace string, restrict bool) *ReadFileTool {
	return &ReadFileTool{workspace: workspace, restrict: restrict}
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file" }
func (t *ReadFileTool) ReadOnly() bool      { return true }

func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to read",
			},
		},
		"required":             []string{"path"},
		"additionalProperties": false,
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, input json.RawMessage) *Result {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return Errorf("invalid arguments: %v", err)
	}

	resolved, err := resolvePath(args.Path, workspaceFor(ctx, t.workspace), t.restrict)
	if err != nil {
		return Errorf("%v", err)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return Errorf("read %s: %v", args.Path, err)
	}
	truncated := false
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
		truncated = true
	}
	return OK(map[string]any{
		"path":      args.Path,
		"content":   string(data),
		"truncated": truncated,
	}).WithSummary(fmt.Sprintf("read %s (%d bytes)", args.Path, len(data)))
}

// WriteFileTool creates or overwrites a file.
type WriteFileTool struct {
	workspace string
	restrict  bool
}

func NewWriteFileTool(workspace string, restrict bool) *WriteFileTool {
	return &WriteFileTool{workspace: workspace, restrict: restrict}
}

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string { return "Write content to a file, creating it if needed" }

func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to write",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full content to write",
			},
		},
		"required":             []string{"path", "content"},
		"additionalProperties": false,
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, input json.RawMessage) *Result {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return Errorf("invalid arguments: %v", err)
	}

	resolved, err := resolvePath(args.Path, workspaceFor(ctx, t.workspace), t.restrict)
	if err != nil {
		return Errorf("%v", err)
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return Errorf("write %s: %v", args.Path, err)
	}
	if err := os.WriteFile(resolved, []byte(args.Content), 0644); err != nil {
		return Errorf("write %s: %v", args.Path, err)
	}
	return OK(map[string]any{
		"path":    args.Path,
		"written": len(args.Content),
	}).WithSummary(fmt.Sprintf("wrote %s (%d bytes)", args.Path, len(args.Content)))
}

// EditFileTool performs an exact string replacement in a file. The old string
// must match exactly once unless replaceAll is set.
type EditFileTool struct {
	workspace string
	restrict  bool
}

func NewEditFileTool(workspace string, restrict bool) *EditFileTool {
	return &EditFileTool{workspace: workspace, restrict: restrict}
}

func (t *EditFileTool) Name() string        { return "edit_file" }
func (t *EditFileTool) Description() string { return "Replace an exact string in a file" }

func (t *EditFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to edit",
			},
			"oldString": map[string]any{
				"type":        "string",
				"description": "Exact text to replace",
			},
			"newString": map[string]any{
				"type":        "string",
				"description": "Replacement text",
			},
			"replaceAll": map[string]any{
				"type":        "boolean",
				"description": "Replace every occurrence instead of requiring a unique match",
			},
		},
		"required":             []string{"path", "oldString", "newString"},
		"additionalProperties": false,
	}
}

func (t *EditFileTool) Execute(ctx context.Context, input json.RawMessage) *Result {
	var args struct {
		Path       string `json:"path"`
		OldString  string `json:"oldString"`
		NewString  string `json:"newString"`
		ReplaceAll bool   `json:"replaceAll"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return Errorf("invalid arguments: %v", err)
	}
	if args.OldString == args.NewString {
		return Errorf("oldString and newString are identical")
	}

	resolved, err := resolvePath(args.Path, workspaceFor(ctx, t.workspace), t.restrict)
	if err != nil {
		return Errorf("%v", err)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return Errorf("read %s: %v", args.Path, err)
	}
	content := string(data)

	count := strings.Count(content, args.OldString)
	switch {
	case count == 0:
		return Errorf("oldString not found in %s", args.Path)
	case count > 1 && !args.ReplaceAll:
		return Errorf("oldString matches %d times in %s; pass replaceAll or disambiguate", count, args.Path)
	}

	replaced := count
	if !args.ReplaceAll {
		replaced = 1
		content = strings.Replace(content, args.OldString, args.NewString, 1)
	} else {
		content = strings.ReplaceAll(content, args.OldString, args.NewString)
	}
	if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		return Errorf("write %s: %v", args.Path, err)
	}
	return OK(map[string]any{
		"path":     args.Path,
		"replaced": replaced,
	}).WithSummary(fmt.Sprintf("edited %s (%d replacement)", args.Path, replaced))
}

// ListDirTool lists directory entries.
type ListDirTool struct {
	workspace string
	restrict  bool
}

func NewListDirTool(workspace string, restrict bool) *ListDirTool {
	return &ListDirTool{workspace: workspace, restrict: restrict}
}

func (t *ListDirTool) Name() string        { return "list_dir" }
func (t *ListDirTool) Description() string { return "List the entries of a directory" }
func (t *ListDirTool) ReadOnly() bool      { return true }

func (t *ListDirTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to list; defaults to the workspace root",
			},
		},
		"additionalProperties": false,
	}
}

func (t *ListDirTool) Execute(ctx context.Context, input json.RawMessage) *Result {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return Errorf("invalid arguments: %v", err)
	}
	if args.Path == "" {
		args.Path = "."
	}

	resolved, err := resolvePath(args.Path, workspaceFor(ctx, t.workspace), t.restrict)
	if err != nil {
		return Errorf("%v", err)
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return Errorf("list %s: %v", args.Path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return OK(map[string]any{"path": args.Path, "entries": names})
}

func workspaceFor(ctx context.Context, fallback string) string {
	if ws := WorkspaceFromCtx(ctx); ws != "" {
		return ws
	}
	return fallback
}

// resolvePath resolves a tool path against the workspace. With restrict set
// the canonical path must stay inside the canonical workspace; symlinks are
// resolved before the containment check so links cannot escape.
func resolvePath(path, workspace string, restrict bool) (string, error) {
	var resolved string
	if filepath.IsAbs(path) {
		resolved = filepath.Clean(path)
	} else {
		resolved = filepath.Clean(filepath.Join(workspace, path))
	}
	if !restrict {
		return resolved, nil
	}

	absWorkspace, _ := filepath.Abs(workspace)
	wsReal, err := filepath.EvalSymlinks(absWorkspace)
	if err != nil {
		wsReal = absWorkspace // workspace doesn't exist yet
	}

	absResolved, _ := filepath.Abs(resolved)
	real, err := filepath.EvalSymlinks(absResolved)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("access denied: cannot resolve path")
		}
		// Non-existent target: resolve the nearest existing ancestor and
		// re-attach the remainder so new files still validate.
		parentReal, parentErr := filepath.EvalSymlinks(filepath.Dir(absResolved))
		if parentErr != nil {
			if !os.IsNotExist(parentErr) {
				return "", fmt.Errorf("access denied: cannot resolve path")
			}
			parentReal = filepath.Dir(absResolved)
		}
		real = filepath.Join(parentReal, filepath.Base(absResolved))
	}

	if !isPathInside(real, wsReal) {
		return "", fmt.Errorf("access denied: path outside workspace")
	}
	return real, nil
}

// isPathInside checks whether child is inside or equal to parent.
func isPathInside(child, parent string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..")
}
