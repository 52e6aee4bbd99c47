package telegram

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/uriafranko/clawdbot/internal/config"
)

func TestTranscribeVoice(t *testing.T) {
	audioPath := filepath.Join(t.TempDir(), "voice.ogg")
	if err := os.WriteFile(audioPath, []byte("hello from a voice note\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	t.Run("not configured returns empty without error", func(t *testing.T) {
		c := &Channel{}
		got, err := c.transcribeVoice(context.Background(), audioPath)
		if err != nil || got != "" {
			t.Errorf("transcribeVoice = %q, %v", got, err)
		}
	})

	t.Run("empty path returns empty without error", func(t *testing.T) {
		c := &Channel{audio: config.TranscriptionConfig{Args: []string{"cat", "{{MediaPath}}"}}}
		got, err := c.transcribeVoice(context.Background(), "")
		if err != nil || got != "" {
			t.Errorf("transcribeVoice = %q, %v", got, err)
		}
	})

	t.Run("substitutes the media path and trims stdout", func(t *testing.T) {
		c := &Channel{audio: config.TranscriptionConfig{Args: []string{"cat", "{{MediaPath}}"}}}
		got, err := c.transcribeVoice(context.Background(), audioPath)
		if err != nil {
			t.Fatalf("transcribeVoice: %v", err)
		}
		if got != "hello from a voice note" {
			t.Errorf("transcript = %q", got)
		}
	})

	t.Run("command failure surfaces stderr", func(t *testing.T) {
		c := &Channel{audio: config.TranscriptionConfig{Args: []string{"cat", "/nonexistent/{{MediaPath}}"}}}
		_, err := c.transcribeVoice(context.Background(), audioPath)
		if err == nil {
			t.Fatal("expected error from failing transcriber")
		}
		if !strings.Contains(err.Error(), "transcriber cat") {
			t.Errorf("error does not name the command: %v", err)
		}
	})
}
