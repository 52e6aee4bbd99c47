package bootstrap

import (
	"embed"
	"log/slog"
	"os"
	"path/filepath"
)

//go:embed templates/*.md
var templateFS embed.FS

// standardTemplates seed in this order on every start. BOOTSTRAP.md is
// separate: it only lands in brand-new workspaces.
var standardTemplates = []string{
	AgentsFile,
	SoulFile,
	ToolsFile,
	IdentityFile,
	UserFile,
	HeartbeatFile,
}

// EnsureWorkspaceFiles seeds missing workspace files and reports the ones
// it created. Existing files are never overwritten, so user edits survive
// restarts. BOOTSTRAP.md, the one-time setup ritual, is seeded only when
// no standard file existed beforehand.
func EnsureWorkspaceFiles(workspaceDir string) ([]string, error) {
	if err := os.MkdirAll(workspaceDir, 0755); err != nil {
		return nil, err
	}

	brandNew := workspaceIsNew(workspaceDir)

	var created []string
	for _, name := range standardTemplates {
		ok, err := seedTemplate(workspaceDir, name)
		if err != nil {
			slog.Warn("bootstrap: failed to seed template", "file", name, "error", err)
			continue
		}
		if ok {
			created = append(created, name)
		}
	}

	if brandNew {
		ok, err := seedTemplate(workspaceDir, BootstrapFile)
		if err != nil {
			slog.Warn("bootstrap: failed to seed BOOTSTRAP.md", "error", err)
		} else if ok {
			created = append(created, BootstrapFile)
		}
	}

	return created, nil
}

// workspaceIsNew reports whether none of the standard files exist yet.
func workspaceIsNew(workspaceDir string) bool {
	for _, name := range standardTemplates {
		if _, err := os.Stat(filepath.Join(workspaceDir, name)); err == nil {
			return false
		}
	}
	return true
}

// seedTemplate writes one template into the workspace. Creation uses
// O_EXCL, so a file that already exists is left exactly as it is.
func seedTemplate(workspaceDir, name string) (bool, error) {
	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		return false, err
	}

	f, err := os.OpenFile(filepath.Join(workspaceDir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}
