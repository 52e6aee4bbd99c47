package plugins

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/titanous/json5"

	"github.com/uriafranko/clawdbot/internal/config"
)

// manifestInfo is one parsed plugin.json.
type manifestInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Path        string `json:"-"`
}

// brokenManifest records a manifest that could not be read or parsed.
type brokenManifest struct {
	ID  string
	Err error
}

// discoverManifests scans plugins.load.paths plus the workspace and state
// plugin directories for plugin.json files. First manifest per id wins.
func discoverManifests(cfg config.PluginsConfig, workspaceDir, stateDir string) (map[string]manifestInfo, []brokenManifest) {
	found := make(map[string]manifestInfo)
	var broken []brokenManifest

	add := func(path string) {
		m, err := readManifest(path)
		if err != nil {
			broken = append(broken, brokenManifest{ID: filepath.Base(filepath.Dir(path)), Err: err})
			return
		}
		if m.ID == "" {
			m.ID = filepath.Base(filepath.Dir(path))
		}
		if _, dup := found[m.ID]; !dup {
			found[m.ID] = m
		}
	}

	for _, p := range cfg.Load.Paths {
		if p == "" {
			continue
		}
		// A load path is either a plugin directory itself or a root of
		// plugin directories.
		direct := filepath.Join(p, "plugin.json")
		if _, err := os.Stat(direct); err == nil {
			add(direct)
			continue
		}
		scanPluginRoot(p, add)
	}
	if workspaceDir != "" {
		scanPluginRoot(filepath.Join(workspaceDir, "plugins"), add)
	}
	if stateDir != "" {
		scanPluginRoot(filepath.Join(stateDir, "plugins"), add)
	}

	return found, broken
}

// scanPluginRoot visits <root>/*/plugin.json.
func scanPluginRoot(root string, add func(path string)) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(root, e.Name(), "plugin.json")
		if _, err := os.Stat(path); err == nil {
			add(path)
		}
	}
}

func readManifest(path string) (manifestInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return manifestInfo{}, fmt.Errorf("read manifest: %w", err)
	}
	var m manifestInfo
	if err := json5.Unmarshal(data, &m); err != nil {
		return manifestInfo{}, fmt.Errorf("parse %s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

// orphanIDs lists manifest ids with no compiled-in plugin, sorted for
// stable diagnostics.
func orphanIDs(manifests map[string]manifestInfo, seen map[string]bool) []string {
	var out []string
	for id := range manifests {
		if !seen[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
