package bootstrap

import (
	"os"
	"path/filepath"
	"strings"
)

// Truncation limits for context files injected into the system prompt.
const (
	DefaultMaxCharsPerFile = 20_000
	DefaultTotalMaxChars   = 60_000
)

// ContextFile is one workspace file injected into the system prompt.
type ContextFile struct {
	Name    string
	Content string
}

// LoadWorkspaceFiles reads the prompt files that exist in the workspace,
// in PromptOrder. Missing files are skipped; HEARTBEAT.md is never
// injected (the heartbeat prompt tells the model to read it itself).
func LoadWorkspaceFiles(workspaceDir string) []ContextFile {
	var out []ContextFile
	for _, name := range PromptOrder {
		data, err := os.ReadFile(filepath.Join(workspaceDir, name))
		if err != nil {
			continue
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			continue
		}
		out = append(out, ContextFile{Name: name, Content: content})
	}
	return out
}

// TruncateFiles clamps each file and the running total so the prompt
// cannot blow up on a workspace with huge notes. Zero limits fall back to
// the defaults.
func TruncateFiles(files []ContextFile, maxPerFile, maxTotal int) []ContextFile {
	if maxPerFile <= 0 {
		maxPerFile = DefaultMaxCharsPerFile
	}
	if maxTotal <= 0 {
		maxTotal = DefaultTotalMaxChars
	}

	var out []ContextFile
	total := 0
	for _, f := range files {
		if total >= maxTotal {
			break
		}
		content := f.Content
		clamped := false
		if len(content) > maxPerFile {
			content = content[:maxPerFile]
			clamped = true
		}
		if remain := maxTotal - total; len(content) > remain {
			content = content[:remain]
			clamped = true
		}
		total += len(content)
		if clamped {
			content += "\n...(truncated)"
		}
		out = append(out, ContextFile{Name: f.Name, Content: content})
	}
	return out
}
