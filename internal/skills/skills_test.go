package skills

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/uriafranko/clawdbot/internal/config"
)

func writeSkill(t *testing.T, root, name, doc string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParseSkillFrontmatter(t *testing.T) {
	doc := `---
name: weather
description: "Fetch the local forecast"
metadata.clawdbot.os: [linux, darwin]
metadata.clawdbot.requires.bins: [curl, jq]
metadata.clawdbot.requires.env: [WEATHER_API_KEY]
---

Use curl against the forecast endpoint.
`
	sk, ok := parseSkill(doc)
	if !ok {
		t.Fatal("parseSkill ok = false")
	}
	if sk.Name != "weather" {
		t.Errorf("name = %q", sk.Name)
	}
	if sk.Description != "Fetch the local forecast" {
		t.Errorf("description = %q", sk.Description)
	}
	if len(sk.OS) != 2 || sk.OS[0] != "linux" || sk.OS[1] != "darwin" {
		t.Errorf("os = %v", sk.OS)
	}
	if len(sk.RequiredBins) != 2 || sk.RequiredBins[1] != "jq" {
		t.Errorf("bins = %v", sk.RequiredBins)
	}
	if len(sk.RequiredEnv) != 1 || sk.RequiredEnv[0] != "WEATHER_API_KEY" {
		t.Errorf("env = %v", sk.RequiredEnv)
	}
	if sk.PrimaryEnv != "WEATHER_API_KEY" {
		t.Errorf("primaryEnv = %q", sk.PrimaryEnv)
	}
}

func TestParseSkillNoFrontmatter(t *testing.T) {
	if _, ok := parseSkill("just a markdown file\n"); ok {
		t.Error("expected ok = false without frontmatter")
	}
}

func TestDiscoverShadowing(t *testing.T) {
	bundled := t.TempDir()
	workspace := t.TempDir()

	writeSkill(t, bundled, "alpha", "---\nname: alpha\ndescription: bundled copy\n---\n")
	writeSkill(t, bundled, "beta", "---\nname: beta\n---\n")
	writeSkill(t, workspace, "alpha", "---\nname: alpha\ndescription: workspace copy\n---\n")

	got := Discover(Dirs{Bundled: bundled, Workspace: workspace})
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	// Sorted by name: alpha then beta.
	if got[0].Name != "alpha" || got[0].Description != "workspace copy" || got[0].Source != "workspace" {
		t.Errorf("alpha = %+v", got[0])
	}
	if got[1].Name != "beta" || got[1].Source != "bundled" {
		t.Errorf("beta = %+v", got[1])
	}
}

func TestDiscoverMissingRoot(t *testing.T) {
	got := Discover(Dirs{Bundled: filepath.Join(t.TempDir(), "nope")})
	if len(got) != 0 {
		t.Errorf("len = %d, want 0", len(got))
	}
}

func TestFilter(t *testing.T) {
	no := false
	all := []Skill{
		{Name: "plain"},
		{Name: "disabled"},
		{Name: "linux-only", OS: []string{"linux"}},
		{Name: "mac-only", OS: []string{"darwin"}},
		{Name: "needs-jq", RequiredBins: []string{"jq"}},
		{Name: "needs-xyz", RequiredBins: []string{"xyzzy"}},
		{Name: "needs-env", RequiredEnv: []string{"SOME_KEY"}, PrimaryEnv: "SOME_KEY"},
		{Name: "env-via-config", RequiredEnv: []string{"CFG_KEY"}, PrimaryEnv: "CFG_KEY"},
		{Name: "env-via-apikey", RequiredEnv: []string{"API_KEY_VAR"}, PrimaryEnv: "API_KEY_VAR"},
	}
	elig := Eligibility{
		Config: config.SkillsConfig{
			Entries: map[string]config.SkillEntry{
				"disabled":       {Enabled: &no},
				"env-via-config": {Env: map[string]string{"CFG_KEY": "v"}},
				"env-via-apikey": {APIKey: "secret"},
			},
		},
		GOOS:      "linux",
		LookupBin: func(name string) bool { return name == "jq" },
		Getenv:    func(string) string { return "" },
	}

	got := Filter(all, elig)
	want := map[string]bool{
		"plain":          true,
		"linux-only":     true,
		"needs-jq":       true,
		"env-via-config": true,
		"env-via-apikey": true,
	}
	if len(got) != len(want) {
		t.Fatalf("kept %d skills, want %d: %+v", len(got), len(want), got)
	}
	for _, sk := range got {
		if !want[sk.Name] {
			t.Errorf("unexpected skill kept: %s", sk.Name)
		}
	}
}

func TestFilterEnvAlreadySet(t *testing.T) {
	all := []Skill{{Name: "s", RequiredEnv: []string{"PRESENT"}}}
	elig := Eligibility{
		Getenv: func(key string) string {
			if key == "PRESENT" {
				return "yes"
			}
			return ""
		},
		LookupBin: func(string) bool { return false },
	}
	if got := Filter(all, elig); len(got) != 1 {
		t.Errorf("kept %d, want 1", len(got))
	}
}

func TestEnvOverrides(t *testing.T) {
	eligible := []Skill{
		{Name: "a", PrimaryEnv: "A_KEY"},
		{Name: "b"},
	}
	cfg := config.SkillsConfig{
		Entries: map[string]config.SkillEntry{
			"a": {APIKey: "ka", Env: map[string]string{"EXTRA": "1"}},
			"b": {Env: map[string]string{"B_OPT": "2"}},
		},
	}
	got := EnvOverrides(eligible, cfg)
	if got["A_KEY"] != "ka" {
		t.Errorf("A_KEY = %q", got["A_KEY"])
	}
	if got["EXTRA"] != "1" || got["B_OPT"] != "2" {
		t.Errorf("env = %v", got)
	}
}

func TestPromptSection(t *testing.T) {
	if PromptSection(nil) != "" {
		t.Error("empty skills should produce empty section")
	}
	out := PromptSection([]Skill{{Name: "weather", Description: "forecast", Path: "/w/SKILL.md"}})
	for _, want := range []string{"## Skills", "weather", "forecast", "/w/SKILL.md"} {
		if !strings.Contains(out, want) {
			t.Errorf("section missing %q:\n%s", want, out)
		}
	}
}
