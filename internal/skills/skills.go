// Package skills discovers SKILL.md bundles and decides which ones an
// agent turn may use. A skill is a directory holding a SKILL.md with YAML-ish
// frontmatter (name, description, metadata) followed by free-form
// instructions the model reads on demand.
package skills

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/uriafranko/clawdbot/internal/config"
)

// Skill is one discovered SKILL.md bundle.
type Skill struct {
	Name        string
	Description string
	Dir         string // directory containing SKILL.md
	Path        string // full path to SKILL.md
	Source      string // bundled | managed | workspace | extra

	// Requirement metadata parsed from frontmatter.
	OS           []string // allowed GOOS values, empty = any
	RequiredBins []string
	RequiredEnv  []string
	PrimaryEnv   string // env var that skills.entries[name].apiKey fills
}

// Dirs groups the skill search roots in precedence order (later wins on
// name collision).
type Dirs struct {
	Bundled   string   // shipped next to the binary
	Managed   string   // <state>/skills
	Workspace string   // <workspace>/skills
	Extra     []string // skills.extraDirs
}

// Discover walks every root and returns the de-duplicated skill list,
// sorted by name. Later roots shadow earlier ones so a workspace copy of a
// bundled skill wins.
func Discover(dirs Dirs) []Skill {
	byName := make(map[string]Skill)

	add := func(root, source string) {
		if root == "" {
			return
		}
		for _, sk := range scanRoot(root, source) {
			byName[sk.Name] = sk
		}
	}

	add(dirs.Bundled, "bundled")
	add(dirs.Managed, "managed")
	add(dirs.Workspace, "workspace")
	for _, d := range dirs.Extra {
		add(d, "extra")
	}

	out := make([]Skill, 0, len(byName))
	for _, sk := range byName {
		out = append(out, sk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// scanRoot finds <root>/*/SKILL.md entries.
func scanRoot(root, source string) []Skill {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}

	var out []Skill
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		path := filepath.Join(dir, "SKILL.md")
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		sk, ok := parseSkill(string(data))
		if !ok {
			continue
		}
		if sk.Name == "" {
			sk.Name = e.Name()
		}
		sk.Dir = dir
		sk.Path = path
		sk.Source = source
		out = append(out, sk)
	}
	return out
}

// Eligibility carries the inputs the requirement filter needs besides the
// skill itself. LookupBin and Getenv are injectable for tests.
type Eligibility struct {
	Config    config.SkillsConfig
	LookupBin func(string) bool
	Getenv    func(string) string
	GOOS      string
}

func (e *Eligibility) lookupBin(name string) bool {
	if e.LookupBin != nil {
		return e.LookupBin(name)
	}
	_, err := exec.LookPath(name)
	return err == nil
}

func (e *Eligibility) getenv(key string) string {
	if e.Getenv != nil {
		return e.Getenv(key)
	}
	return os.Getenv(key)
}

func (e *Eligibility) goos() string {
	if e.GOOS != "" {
		return e.GOOS
	}
	return runtime.GOOS
}

// Filter keeps skills that are enabled in config and whose os/bins/env
// requirements are all met. Config env/apiKey entries count as satisfying a
// required env var even before the overrides are pushed.
func Filter(all []Skill, elig Eligibility) []Skill {
	var out []Skill
	for _, sk := range all {
		entry, hasEntry := elig.Config.Entries[sk.Name]
		if hasEntry && entry.Enabled != nil && !*entry.Enabled {
			continue
		}
		if !osAllowed(sk.OS, elig.goos()) {
			continue
		}
		if !binsPresent(sk.RequiredBins, &elig) {
			continue
		}
		if !envSatisfied(sk, entry, hasEntry, &elig) {
			continue
		}
		out = append(out, sk)
	}
	return out
}

func osAllowed(allowed []string, goos string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, o := range allowed {
		if strings.EqualFold(o, goos) {
			return true
		}
	}
	return false
}

func binsPresent(bins []string, elig *Eligibility) bool {
	for _, b := range bins {
		if b == "" {
			continue
		}
		if !elig.lookupBin(b) {
			return false
		}
	}
	return true
}

func envSatisfied(sk Skill, entry config.SkillEntry, hasEntry bool, elig *Eligibility) bool {
	for _, key := range sk.RequiredEnv {
		if key == "" {
			continue
		}
		if elig.getenv(key) != "" {
			continue
		}
		if hasEntry {
			if entry.Env[key] != "" {
				continue
			}
			if entry.APIKey != "" && key == sk.PrimaryEnv {
				continue
			}
		}
		return false
	}
	return true
}

// EnvOverrides collects the env vars the eligible skills want set for the
// duration of a turn: per-skill env maps plus apiKey mapped onto the skill's
// primary env var. Later skills win on key collision.
func EnvOverrides(eligible []Skill, cfg config.SkillsConfig) map[string]string {
	out := make(map[string]string)
	for _, sk := range eligible {
		entry, ok := cfg.Entries[sk.Name]
		if !ok {
			continue
		}
		for k, v := range entry.Env {
			if k != "" && v != "" {
				out[k] = v
			}
		}
		if entry.APIKey != "" && sk.PrimaryEnv != "" {
			out[sk.PrimaryEnv] = entry.APIKey
		}
	}
	return out
}

// PromptSection renders the skills block appended to the system prompt:
// one line per skill so the model knows what it can read.
func PromptSection(eligible []Skill) string {
	if len(eligible) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Skills\n")
	sb.WriteString("The following skills are available. Read the skill file before using it.\n")
	for _, sk := range eligible {
		sb.WriteString("- ")
		sb.WriteString(sk.Name)
		if sk.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(sk.Description)
		}
		sb.WriteString(" (")
		sb.WriteString(sk.Path)
		sb.WriteString(")\n")
	}
	return sb.String()
}
