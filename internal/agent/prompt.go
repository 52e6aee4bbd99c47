package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/uriafranko/clawdbot/internal/bootstrap"
)

// promptInput gathers everything the system prompt needs for one turn.
type promptInput struct {
	Workspace     string
	ContextFiles  []bootstrap.ContextFile
	Memory        string // combined daily memory, "" when empty
	SkillsSection string // skills.PromptSection output, "" when no skills
	ToolsAllowed  []string
	ToolsDenied   []string
	ThinkingLevel string
	Now           time.Time
}

// buildSystemPrompt assembles the system prompt: persona and workspace
// files first, then daily memory, skills, the tool roster, and the
// environment block.
func buildSystemPrompt(in promptInput) string {
	var sb strings.Builder

	sb.WriteString("You are a personal assistant agent. You act on behalf of your owner ")
	sb.WriteString("across chat channels, with a persistent workspace and a set of tools.\n")

	if len(in.ContextFiles) > 0 {
		sb.WriteString("\n## Workspace files\n")
		for _, f := range in.ContextFiles {
			sb.WriteString("\n### ")
			sb.WriteString(f.Name)
			sb.WriteString("\n")
			sb.WriteString(f.Content)
			sb.WriteString("\n")
		}
	}

	if in.Memory != "" {
		sb.WriteString("\n## Daily memory\n")
		sb.WriteString(in.Memory)
		sb.WriteString("\n")
	}

	if in.SkillsSection != "" {
		sb.WriteString("\n")
		sb.WriteString(in.SkillsSection)
	}

	sb.WriteString("\n## Tools\n")
	if len(in.ToolsAllowed) > 0 {
		sb.WriteString("Available: ")
		sb.WriteString(strings.Join(in.ToolsAllowed, ", "))
		sb.WriteString("\n")
	} else {
		sb.WriteString("No tools are available this turn.\n")
	}
	if len(in.ToolsDenied) > 0 {
		sb.WriteString("Do not call: ")
		sb.WriteString(strings.Join(in.ToolsDenied, ", "))
		sb.WriteString("\n")
	}

	sb.WriteString("\n## Environment\n")
	fmt.Fprintf(&sb, "Workspace: %s\n", in.Workspace)
	zone, _ := in.Now.Zone()
	fmt.Fprintf(&sb, "Time: %s (%s)\n", in.Now.Format(time.RFC3339), zone)
	host, _ := os.Hostname()
	fmt.Fprintf(&sb, "Host: %s | OS: %s/%s | Runtime: %s\n", host, runtime.GOOS, runtime.GOARCH, runtime.Version())
	if in.ThinkingLevel != "" {
		fmt.Fprintf(&sb, "Thinking: %s\n", in.ThinkingLevel)
	}

	return sb.String()
}

// loadDailyMemory reads memory/YYYY-MM-DD.md for yesterday and today and
// combines the non-empty files in chronological order.
func loadDailyMemory(workspace string, now time.Time) string {
	var sb strings.Builder
	for _, day := range []time.Time{now.AddDate(0, 0, -1), now} {
		stamp := day.Format("2006-01-02")
		data, err := os.ReadFile(filepath.Join(workspace, "memory", stamp+".md"))
		if err != nil {
			continue
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("### ")
		sb.WriteString(stamp)
		sb.WriteString("\n")
		sb.WriteString(text)
	}
	return sb.String()
}
