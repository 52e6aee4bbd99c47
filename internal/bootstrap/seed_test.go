package bootstrap

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnsureWorkspaceFilesBrandNew(t *testing.T) {
	dir := t.TempDir()

	created, err := EnsureWorkspaceFiles(dir)
	if err != nil {
		t.Fatalf("EnsureWorkspaceFiles: %v", err)
	}

	// Brand-new workspace gets every template including BOOTSTRAP.md.
	want := []string{AgentsFile, SoulFile, ToolsFile, IdentityFile, UserFile, HeartbeatFile, BootstrapFile}
	if len(created) != len(want) {
		t.Fatalf("created %d files, want %d: %v", len(created), len(want), created)
	}
	for _, name := range want {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s not seeded: %v", name, err)
		}
	}
}

func TestEnsureWorkspaceFilesExistingWorkspace(t *testing.T) {
	dir := t.TempDir()

	// Pre-existing AGENTS.md marks the workspace as not brand-new.
	if err := os.WriteFile(filepath.Join(dir, AgentsFile), []byte("custom"), 0o644); err != nil {
		t.Fatal(err)
	}

	created, err := EnsureWorkspaceFiles(dir)
	if err != nil {
		t.Fatalf("EnsureWorkspaceFiles: %v", err)
	}

	for _, name := range created {
		if name == BootstrapFile {
			t.Error("BOOTSTRAP.md seeded into an existing workspace")
		}
		if name == AgentsFile {
			t.Error("AGENTS.md overwritten")
		}
	}

	// Existing content untouched.
	data, _ := os.ReadFile(filepath.Join(dir, AgentsFile))
	if string(data) != "custom" {
		t.Errorf("AGENTS.md = %q, want custom content preserved", data)
	}
}

func TestEnsureWorkspaceFilesIdempotent(t *testing.T) {
	dir := t.TempDir()

	if _, err := EnsureWorkspaceFiles(dir); err != nil {
		t.Fatal(err)
	}
	created, err := EnsureWorkspaceFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 0 {
		t.Errorf("second run created %v, want none", created)
	}
}

func TestLoadWorkspaceFiles(t *testing.T) {
	dir := t.TempDir()
	if _, err := EnsureWorkspaceFiles(dir); err != nil {
		t.Fatal(err)
	}

	files := LoadWorkspaceFiles(dir)
	if len(files) != len(PromptOrder) {
		t.Fatalf("loaded %d files, want %d", len(files), len(PromptOrder))
	}
	for i, f := range files {
		if f.Name != PromptOrder[i] {
			t.Errorf("files[%d] = %s, want %s", i, f.Name, PromptOrder[i])
		}
		if f.Content == "" {
			t.Errorf("%s loaded empty", f.Name)
		}
	}

	// HEARTBEAT.md exists on disk but is not a prompt file.
	for _, f := range files {
		if f.Name == HeartbeatFile {
			t.Error("HEARTBEAT.md injected into prompt files")
		}
	}
}

func TestTruncateFiles(t *testing.T) {
	long := strings.Repeat("x", 100)
	files := []ContextFile{
		{Name: "a", Content: long},
		{Name: "b", Content: long},
		{Name: "c", Content: long},
	}

	out := TruncateFiles(files, 50, 120)
	if len(out) != 3 {
		t.Fatalf("len = %d, want 3", len(out))
	}
	for i, f := range out {
		if !strings.HasSuffix(f.Content, "...(truncated)") {
			t.Errorf("files[%d] missing truncation marker", i)
		}
	}
	// Third file absorbs what is left of the total budget: 120 - 2*50 = 20.
	if got := len(strings.TrimSuffix(out[2].Content, "\n...(truncated)")); got != 20 {
		t.Errorf("third file kept %d chars, want 20", got)
	}
}
