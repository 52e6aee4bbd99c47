package tools

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

const defaultBashTimeout = 60 * time.Second

// denyPatterns blocks obviously destructive, privilege-escalating, or
// exfiltration-prone commands before they reach the shell. The agent
// runs with the operator's credentials, so this is a guard rail, not a
// sandbox.
var denyPatterns = []*regexp.Regexp{
	// destructive file and disk operations
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\brm\s+.*--(recursive|force)`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b|\bformat\s`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb

	// piping downloads into a shell
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bbase64\s+-d\b.*\|\s*(ba)?sh\b`),

	// reverse shells and raw sockets
	regexp.MustCompile(`\b(nc|ncat|netcat)\b.*-[el]\b`),
	regexp.MustCompile(`\bsocat\b`),
	regexp.MustCompile(`/dev/tcp/`),
	regexp.MustCompile(`\bmkfifo\b`),

	// privilege escalation
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\b(mount|umount)\b`),
	regexp.MustCompile(`\b(nsenter|unshare|setcap)\b`),

	// loader and shell-init injection
	regexp.MustCompile(`\b(LD_PRELOAD|LD_LIBRARY_PATH|DYLD_INSERT_LIBRARIES|BASH_ENV)\s*=`),
	regexp.MustCompile(`>\s*~/?\.(bashrc|bash_profile|profile|zshrc)`),
	regexp.MustCompile(`\bcrontab\b`),

	// environment dumps leak API keys pushed for skills
	regexp.MustCompile(`^\s*env\s*($|\||>)`),
	regexp.MustCompile(`\bprintenv\b`),
	regexp.MustCompile(`^\s*(set|export\s+-p|declare\s+-x)\s*($|\|)`),

	// process-wide kills
	regexp.MustCompile(`\b(killall|pkill)\b`),
}

// BashTool runs shell commands in the workspace. A command still
// running after backgroundMs is moved to the job table and its output
// becomes reachable through the process tool.
type BashTool struct {
	workspace    string
	backgroundMs int
	timeout      time.Duration
	jobs         *JobTable
}

// NewBashTool wires the bash tool to a shared job table. backgroundMs=0
// disables auto-backgrounding, timeoutSec=0 keeps the 60s default.
func NewBashTool(workspace string, backgroundMs, timeoutSec int, jobs *JobTable) *BashTool {
	timeout := defaultBashTimeout
	if timeoutSec > 0 {
		timeout = time.Duration(timeoutSec) * time.Second
	}
	return &BashTool{
		workspace:    workspace,
		backgroundMs: backgroundMs,
		timeout:      timeout,
		jobs:         jobs,
	}
}

func (t *BashTool) Name() string { return "bash" }
func (t *BashTool) Description() string {
	return "Execute a shell command in the workspace. Long commands move to the background; manage them with the process tool."
}
func (t *BashTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"working_dir": map[string]interface{}{
				"type":        "string",
				"description": "Working directory, relative to the workspace",
			},
			"timeout_sec": map[string]interface{}{
				"type":        "number",
				"description": "Kill the command after this many seconds",
			},
			"background": map[string]interface{}{
				"type":        "boolean",
				"description": "Start in the background immediately",
			},
		},
		"required": []string{"command"},
	}
}

func (t *BashTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	command, _ := args["command"].(string)
	if command == "" {
		return ErrorResult("command is required")
	}
	for _, pattern := range denyPatterns {
		if pattern.MatchString(command) {
			return ErrorResult(fmt.Sprintf("command denied by safety policy: matches pattern %s", pattern.String()))
		}
	}

	cwd := t.workspace
	if wd, _ := args["working_dir"].(string); wd != "" {
		resolved, err := resolveWorkspacePath(t.workspace, wd)
		if err != nil {
			return ErrorResult(err.Error())
		}
		cwd = resolved
	}

	timeout := t.timeout
	if ts, ok := args["timeout_sec"].(float64); ok && ts > 0 {
		timeout = time.Duration(ts * float64(time.Second))
	}

	job := t.jobs.Start(command, cwd, timeout)

	if bg, _ := args["background"].(bool); bg {
		return AsyncResult(fmt.Sprintf("started in background as %s; poll with the process tool", job.ID))
	}

	var toBackground <-chan time.Time
	if t.backgroundMs > 0 {
		timer := time.NewTimer(time.Duration(t.backgroundMs) * time.Millisecond)
		defer timer.Stop()
		toBackground = timer.C
	}

	select {
	case <-job.Done():
		t.jobs.Remove(job.ID) // completed in the foreground, output returned inline
		return job.result(timeout)
	case <-toBackground:
		return AsyncResult(fmt.Sprintf("still running after %dms, moved to background as %s; poll with the process tool", t.backgroundMs, job.ID))
	case <-ctx.Done():
		job.Kill()
		t.jobs.Remove(job.ID)
		return ErrorResult("command cancelled")
	}
}

// ProcessTool inspects and controls jobs the bash tool put in the
// background.
type ProcessTool struct {
	jobs *JobTable
}

func NewProcessTool(jobs *JobTable) *ProcessTool {
	return &ProcessTool{jobs: jobs}
}

func (t *ProcessTool) Name() string        { return "process" }
func (t *ProcessTool) Description() string { return "List, poll, or kill background shell jobs" }
func (t *ProcessTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"description": "One of: list, poll, kill",
				"enum":        []string{"list", "poll", "kill"},
			},
			"id": map[string]interface{}{
				"type":        "string",
				"description": "Job id (required for poll and kill)",
			},
		},
		"required": []string{"action"},
	}
}

func (t *ProcessTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	action, _ := args["action"].(string)
	id, _ := args["id"].(string)

	switch action {
	case "list":
		jobs := t.jobs.List()
		if len(jobs) == 0 {
			return SilentResult("no background jobs")
		}
		out := ""
		for _, j := range jobs {
			out += fmt.Sprintf("%s  %-9s  %s  %s\n", j.ID, j.Status(), time.Since(j.StartedAt).Round(time.Second), truncateStr(j.Command, 60))
		}
		return SilentResult(out)

	case "poll":
		job, ok := t.jobs.Get(id)
		if !ok {
			return ErrorResult(fmt.Sprintf("unknown job %q", id))
		}
		return SilentResult(job.Snapshot())

	case "kill":
		job, ok := t.jobs.Get(id)
		if !ok {
			return ErrorResult(fmt.Sprintf("unknown job %q", id))
		}
		if !job.Kill() {
			return SilentResult(fmt.Sprintf("%s had already finished (%s)", job.ID, job.Status()))
		}
		return SilentResult(fmt.Sprintf("killed %s", job.ID))

	default:
		return ErrorResult("action must be one of: list, poll, kill")
	}
}
