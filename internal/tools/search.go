package tools

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	defaultGrepMaxResults = 100
	maxGrepResults        = 500
	maxGrepFileSize       = 512 << 10
	maxListEntries        = 500
)

// skipDir filters directories no search should descend into.
func skipDir(name string) bool {
	switch name {
	case ".git", "node_modules", ".venv", "__pycache__":
		return true
	}
	return false
}

// looksBinary sniffs for a NUL byte in the head of the file.
func looksBinary(data []byte) bool {
	head := data
	if len(head) > 8192 {
		head = head[:8192]
	}
	return bytes.IndexByte(head, 0) >= 0
}

// GrepTool searches file contents under the workspace with a regular
// expression.
type GrepTool struct {
	workspace string
}

func NewGrepTool(workspace string) *GrepTool {
	return &GrepTool{workspace: workspace}
}

func (t *GrepTool) Name() string        { return "grep" }
func (t *GrepTool) Description() string { return "Search file contents with a regular expression" }
func (t *GrepTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"pattern": map[string]interface{}{
				"type":        "string",
				"description": "Go regular expression to search for",
			},
			"path": map[string]interface{}{
				"type":        "string",
				"description": "File or directory to search (default: workspace root)",
			},
			"ignore_case": map[string]interface{}{
				"type":        "boolean",
				"description": "Case-insensitive matching",
			},
			"max_results": map[string]interface{}{
				"type":        "number",
				"description": fmt.Sprintf("Maximum matching lines to return (default %d)", defaultGrepMaxResults),
			},
		},
		"required": []string{"pattern"},
	}
}

func (t *GrepTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	pattern, _ := args["pattern"].(string)
	if pattern == "" {
		return ErrorResult("pattern is required")
	}
	if ic, _ := args["ignore_case"].(bool); ic {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid pattern: %v", err))
	}

	maxResults := defaultGrepMaxResults
	if m, ok := args["max_results"].(float64); ok && int(m) > 0 {
		maxResults = int(m)
		if maxResults > maxGrepResults {
			maxResults = maxGrepResults
		}
	}

	root := t.workspace
	if p, _ := args["path"].(string); p != "" {
		resolved, err := resolveWorkspacePath(t.workspace, p)
		if err != nil {
			return ErrorResult(err.Error())
		}
		root = resolved
	}

	var matches []string
	truncated := false
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > maxGrepFileSize {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil || looksBinary(data) {
			return nil
		}
		rel := relToWorkspace(t.workspace, path)
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				matches = append(matches, fmt.Sprintf("%s:%d: %s", rel, i+1, strings.TrimRight(line, "\r")))
				if len(matches) >= maxResults {
					truncated = true
					return filepath.SkipAll
				}
			}
		}
		return nil
	})
	if walkErr != nil && walkErr != filepath.SkipAll {
		return ErrorResult(fmt.Sprintf("search failed: %v", walkErr))
	}

	if len(matches) == 0 {
		return SilentResult("no matches")
	}
	out := strings.Join(matches, "\n")
	if truncated {
		out += fmt.Sprintf("\n...(stopped at %d matches)", maxResults)
	}
	return SilentResult(out)
}

// FindTool lists files whose workspace-relative path matches a glob
// pattern. `**` crosses directory boundaries, `*` and `?` stay within
// one path segment.
type FindTool struct {
	workspace string
}

func NewFindTool(workspace string) *FindTool {
	return &FindTool{workspace: workspace}
}

func (t *FindTool) Name() string        { return "find" }
func (t *FindTool) Description() string { return "Find files by glob pattern" }
func (t *FindTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"pattern": map[string]interface{}{
				"type":        "string",
				"description": "Glob pattern, e.g. '*.go' or 'memory/**/*.md'",
			},
		},
		"required": []string{"pattern"},
	}
}

func (t *FindTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	pattern, _ := args["pattern"].(string)
	if pattern == "" {
		return ErrorResult("pattern is required")
	}
	re, err := globToRegexp(pattern)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid pattern: %v", err))
	}

	var found []string
	truncated := false
	walkErr := filepath.WalkDir(t.workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		rel := relToWorkspace(t.workspace, path)
		// Bare patterns also match on the file name alone.
		if re.MatchString(rel) || (!strings.Contains(pattern, "/") && re.MatchString(d.Name())) {
			found = append(found, rel)
			if len(found) >= maxListEntries {
				truncated = true
				return filepath.SkipAll
			}
		}
		return nil
	})
	if walkErr != nil && walkErr != filepath.SkipAll {
		return ErrorResult(fmt.Sprintf("find failed: %v", walkErr))
	}

	if len(found) == 0 {
		return SilentResult("no files matched")
	}
	sort.Strings(found)
	out := strings.Join(found, "\n")
	if truncated {
		out += fmt.Sprintf("\n...(stopped at %d files)", maxListEntries)
	}
	return SilentResult(out)
}

// globToRegexp compiles a glob into an anchored regexp: `**` matches
// across separators, `*` and `?` within a segment.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				sb.WriteString(".*")
				i++
				// collapse "**/" so it also matches zero directories
				if i+1 < len(pattern) && pattern[i+1] == '/' {
					sb.WriteString("/?")
					i++
				}
			} else {
				sb.WriteString("[^/]*")
			}
		case '?':
			sb.WriteString("[^/]")
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}

// LsTool lists one directory level under the workspace.
type LsTool struct {
	workspace string
}

func NewLsTool(workspace string) *LsTool {
	return &LsTool{workspace: workspace}
}

func (t *LsTool) Name() string        { return "ls" }
func (t *LsTool) Description() string { return "List the entries of a directory" }
func (t *LsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Directory to list (default: workspace root)",
			},
		},
	}
}

func (t *LsTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	dir := t.workspace
	if p, _ := args["path"].(string); p != "" {
		resolved, err := resolveWorkspacePath(t.workspace, p)
		if err != nil {
			return ErrorResult(err.Error())
		}
		dir = resolved
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to list directory: %v", err))
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})

	var sb strings.Builder
	for i, e := range entries {
		if i >= maxListEntries {
			fmt.Fprintf(&sb, "...(stopped at %d entries)\n", maxListEntries)
			break
		}
		if e.IsDir() {
			fmt.Fprintf(&sb, "%s/\n", e.Name())
			continue
		}
		size := int64(0)
		if info, err := e.Info(); err == nil {
			size = info.Size()
		}
		fmt.Fprintf(&sb, "%s  %d\n", e.Name(), size)
	}
	if sb.Len() == 0 {
		return SilentResult("(empty directory)")
	}
	return SilentResult(strings.TrimRight(sb.String(), "\n"))
}
