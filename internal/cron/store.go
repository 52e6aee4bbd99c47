package cron

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
)

// loadJobs reads the jobs file. Missing or corrupt files start empty rather
// than failing; the scheduler must come up even if the disk state is bad.
func loadJobs(path string) []Job {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var file storeFile
	if err := json.Unmarshal(raw, &file); err != nil {
		slog.Warn("cron jobs file unreadable, starting empty", "path", path, "error", err)
		return nil
	}
	return file.Jobs
}

// saveJobs writes the jobs file atomically: temp file in the same directory,
// fsync, rename, then a best-effort .bak copy.
func saveJobs(path string, jobs []Job) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cron dir: %w", err)
	}

	data, err := json.MarshalIndent(storeFile{Version: storeVersion, Jobs: jobs}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cron jobs: %w", err)
	}

	tmp := fmt.Sprintf("%s.%d.%06d.tmp", path, os.Getpid(), rand.IntN(1000000))
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmp)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename cron jobs: %w", err)
	}
	cleanup = false

	if err := os.WriteFile(path+".bak", data, 0o600); err != nil {
		slog.Debug("cron jobs backup failed", "error", err)
	}
	return nil
}
