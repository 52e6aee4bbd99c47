package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxReadBytes = 256 << 10

// ReadTool reads a file under the workspace.
type ReadTool struct {
	workspace string
}

func NewReadTool(workspace string) *ReadTool {
	return &ReadTool{workspace: workspace}
}

func (t *ReadTool) Name() string        { return "read" }
func (t *ReadTool) Description() string { return "Read the contents of a file" }
func (t *ReadTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file, relative to the workspace",
			},
			"offset": map[string]interface{}{
				"type":        "number",
				"description": "1-based line to start reading from",
			},
			"limit": map[string]interface{}{
				"type":        "number",
				"description": "Maximum number of lines to return",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	resolved, err := resolveWorkspacePath(t.workspace, path)
	if err != nil {
		return ErrorResult(err.Error())
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read file: %v", err))
	}

	content := string(data)
	offset, hasOffset := args["offset"].(float64)
	limit, hasLimit := args["limit"].(float64)
	if hasOffset || hasLimit {
		lines := strings.Split(content, "\n")
		start := 0
		if hasOffset && int(offset) > 1 {
			start = int(offset) - 1
		}
		if start >= len(lines) {
			return ErrorResult(fmt.Sprintf("offset %d is past the end of the file (%d lines)", int(offset), len(lines)))
		}
		end := len(lines)
		if hasLimit && int(limit) > 0 && start+int(limit) < end {
			end = start + int(limit)
		}
		content = strings.Join(lines[start:end], "\n")
	}

	if len(content) > maxReadBytes {
		content = content[:maxReadBytes] + fmt.Sprintf("\n...(truncated at %d bytes)", maxReadBytes)
	}
	return SilentResult(content)
}

// WriteTool creates or overwrites a file under the workspace, creating
// parent directories as needed.
type WriteTool struct {
	workspace string
}

func NewWriteTool(workspace string) *WriteTool {
	return &WriteTool{workspace: workspace}
}

func (t *WriteTool) Name() string        { return "write" }
func (t *WriteTool) Description() string { return "Write content to a file, replacing anything already there" }
func (t *WriteTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file, relative to the workspace",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Full file content to write",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	content, ok := args["content"].(string)
	if !ok {
		return ErrorResult("content is required")
	}
	resolved, err := resolveWorkspacePath(t.workspace, path)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("failed to create directory: %v", err))
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("failed to write file: %v", err))
	}
	return SilentResult(fmt.Sprintf("wrote %d bytes to %s", len(content), relToWorkspace(t.workspace, resolved)))
}

// EditTool replaces an exact string in a file. The old string must match
// exactly once unless all=true.
type EditTool struct {
	workspace string
}

func NewEditTool(workspace string) *EditTool {
	return &EditTool{workspace: workspace}
}

func (t *EditTool) Name() string        { return "edit" }
func (t *EditTool) Description() string { return "Replace an exact string in a file" }
func (t *EditTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file, relative to the workspace",
			},
			"old": map[string]interface{}{
				"type":        "string",
				"description": "Exact text to replace",
			},
			"new": map[string]interface{}{
				"type":        "string",
				"description": "Replacement text",
			},
			"all": map[string]interface{}{
				"type":        "boolean",
				"description": "Replace every occurrence instead of requiring a unique match",
			},
		},
		"required": []string{"path", "old", "new"},
	}
}

func (t *EditTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	oldStr, _ := args["old"].(string)
	newStr, _ := args["new"].(string)
	replaceAll, _ := args["all"].(bool)
	if oldStr == "" {
		return ErrorResult("old is required")
	}

	resolved, err := resolveWorkspacePath(t.workspace, path)
	if err != nil {
		return ErrorResult(err.Error())
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read file: %v", err))
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read file: %v", err))
	}

	content := string(data)
	count := strings.Count(content, oldStr)
	switch {
	case count == 0:
		return ErrorResult("old string not found in file")
	case count > 1 && !replaceAll:
		return ErrorResult(fmt.Sprintf("old string appears %d times; add more context or pass all=true", count))
	}

	replaced := strings.Replace(content, oldStr, newStr, 1)
	if replaceAll {
		replaced = strings.ReplaceAll(content, oldStr, newStr)
	}
	if err := os.WriteFile(resolved, []byte(replaced), info.Mode().Perm()); err != nil {
		return ErrorResult(fmt.Sprintf("failed to write file: %v", err))
	}
	n := 1
	if replaceAll {
		n = count
	}
	return SilentResult(fmt.Sprintf("replaced %d occurrence(s) in %s", n, relToWorkspace(t.workspace, resolved)))
}
