package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	maxSearchMatches = 200
	maxSearchFiles   = 5000
	maxLineChars     = 500
)

// skipDirs are directories never descended into during repo search.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".idea":        true,
	".vscode":      true,
}

// GrepTool searches file contents with a regex.
type GrepTool struct {
	workspace string
	restrict  bool
}

func NewGrepTool(workspace string, restrict bool) *GrepTool {
	return &GrepTool{workspace: workspace, restrict: restrict}
}

func (t *GrepTool) Name() string        { return "grep" }
func (t *GrepTool) Description() string { return "Search file contents with a regular expression" }
func (t *GrepTool) ReadOnly() bool      { return true }

func (t *GrepTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Regular expression to search for",
			},
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to search; defaults to the workspace root",
			},
			"glob": map[string]any{
				"type":        "string",
				"description": `Restrict to files whose base name matches this glob (e.g. "*.go")`,
			},
		},
		"required":             []string{"pattern"},
		"additionalProperties": false,
	}
}

func (t *GrepTool) Execute(ctx context.Context, input json.RawMessage) *Result {
	var args struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
		Glob    string `json:"glob"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return Errorf("invalid arguments: %v", err)
	}
	re, err := regexp.Compile(args.Pattern)
	if err != nil {
		return Errorf("invalid pattern: %v", err)
	}
	if args.Path == "" {
		args.Path = "."
	}
	root, err := resolvePath(args.Path, workspaceFor(ctx, t.workspace), t.restrict)
	if err != nil {
		return Errorf("%v", err)
	}

	type match struct {
		File string `json:"file"`
		Line int    `json:"line"`
		Text string `json:"text"`
	}
	var matches []match
	seen := 0

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if seen++; seen > maxSearchFiles {
			return filepath.SkipAll
		}
		if args.Glob != "" {
			if ok, _ := filepath.Match(args.Glob, d.Name()); !ok {
				return nil
			}
		}

		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()

		rel, _ := filepath.Rel(root, path)
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			if strings.ContainsRune(line, 0) {
				return nil // binary file
			}
			if !re.MatchString(line) {
				continue
			}
			if len(line) > maxLineChars {
				line = line[:maxLineChars] + "..."
			}
			matches = append(matches, match{File: rel, Line: lineNo, Text: line})
			if len(matches) >= maxSearchMatches {
				return filepath.SkipAll
			}
		}
		return nil
	})
	if err != nil && err != filepath.SkipAll {
		return Errorf("search cancelled")
	}

	return OK(map[string]any{
		"matches": matches,
		"limited": len(matches) >= maxSearchMatches,
	}).WithSummary(fmt.Sprintf("%d matches for %q", len(matches), args.Pattern))
}

// GlobTool lists files whose path matches a glob pattern. A "**/" prefix
// matches any directory depth.
type GlobTool struct {
	workspace string
	restrict  bool
}

func NewGlobTool(workspace string, restrict bool) *GlobTool {
	return &GlobTool{workspace: workspace, restrict: restrict}
}

func (t *GlobTool) Name() string        { return "glob" }
func (t *GlobTool) Description() string { return "Find files by glob pattern" }
func (t *GlobTool) ReadOnly() bool      { return true }

func (t *GlobTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": `Glob pattern relative to the workspace (e.g. "**/*.go")`,
			},
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to search; defaults to the workspace root",
			},
		},
		"required":             []string{"pattern"},
		"additionalProperties": false,
	}
}

func (t *GlobTool) Execute(ctx context.Context, input json.RawMessage) *Result {
	var args struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return Errorf("invalid arguments: %v", err)
	}
	if args.Path == "" {
		args.Path = "."
	}
	root, err := resolvePath(args.Path, workspaceFor(ctx, t.workspace), t.restrict)
	if err != nil {
		return Errorf("%v", err)
	}

	anyDepth := strings.HasPrefix(args.Pattern, "**/")
	pattern := strings.TrimPrefix(args.Pattern, "**/")

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		target := rel
		if anyDepth {
			target = d.Name()
		}
		if ok, _ := filepath.Match(pattern, target); ok {
			files = append(files, rel)
			if len(files) >= maxSearchMatches {
				return filepath.SkipAll
			}
		}
		return nil
	})
	if err != nil && err != filepath.SkipAll {
		return Errorf("search cancelled")
	}

	return OK(map[string]any{
		"files":   files,
		"limited": len(files) >= maxSearchMatches,
	})
}
