package telegram

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const defaultTranscribeTimeout = 30 * time.Second

// mediaPathToken in a transcriber arg is replaced with the downloaded
// voice file's path.
const mediaPathToken = "{{MediaPath}}"

// transcribeVoice runs the configured transcriber command on a downloaded
// voice file and returns the transcript from its stdout. Returns ("", nil)
// when no transcriber is configured or the path is empty.
func (c *Channel) transcribeVoice(ctx context.Context, path string) (string, error) {
	args := c.audio.Args
	if len(args) == 0 || path == "" {
		return "", nil
	}

	timeout := time.Duration(c.audio.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTranscribeTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	expanded := make([]string, len(args))
	for i, a := range args {
		expanded[i] = strings.ReplaceAll(a, mediaPathToken, path)
	}

	cmd := exec.CommandContext(runCtx, expanded[0], expanded[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return "", fmt.Errorf("transcriber %s: %w: %s", expanded[0], err, detail)
		}
		return "", fmt.Errorf("transcriber %s: %w", expanded[0], err)
	}
	return strings.TrimSpace(stdout.String()), nil
}
