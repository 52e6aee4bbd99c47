package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"

	"github.com/uriafranko/clawdbot/internal/config"
	"github.com/uriafranko/clawdbot/internal/tools"
)

type namedTool struct {
	name string
}

func (t namedTool) Name() string                       { return t.name }
func (t namedTool) Description() string                { return "test tool" }
func (t namedTool) Parameters() map[string]interface{} { return map[string]interface{}{} }
func (t namedTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	return tools.NewResult("ok")
}

// parseFunc adapts a function into a Schema.
type parseFunc func(value any) (any, error)

func (f parseFunc) Parse(value any) (any, error) { return f(value) }

func statusByID(t *testing.T, r *Registry, id string) Status {
	t.Helper()
	for _, st := range r.Diagnostics() {
		if st.ID == id {
			return st
		}
	}
	t.Fatalf("no status for plugin %q in %+v", id, r.Diagnostics())
	return Status{}
}

func TestLoadAppliesRegistrations(t *testing.T) {
	toolReg := tools.NewRegistry()
	var startCalls, stopCalls int
	var cliApplied bool
	var gotConfig any

	p := Plugin{
		ID:          "weather",
		Name:        "Weather",
		Description: "adds a forecast tool",
		Register: func(api API) error {
			gotConfig = api.PluginConfig()
			api.RegisterTool(namedTool{name: "forecast"})
			api.RegisterGatewayMethod("weather.refresh", func(ctx context.Context, params json.RawMessage) (any, error) {
				return "refreshed", nil
			})
			api.RegisterCLI(func(root *cobra.Command) { cliApplied = true })
			api.RegisterService(Service{
				ID:    "poller",
				Start: func(ctx context.Context) error { startCalls++; return nil },
				Stop:  func(ctx context.Context) error { stopCalls++; return nil },
			})
			return nil
		},
	}

	cfg := config.PluginsConfig{
		Entries: map[string]config.PluginEntry{
			"weather": {Config: json.RawMessage(`{"city": "berlin"}`)},
		},
	}
	r := Load(Options{Config: cfg, Tools: toolReg, Builtins: []Plugin{p}})

	st := statusByID(t, r, "weather")
	if st.State != "loaded" {
		t.Fatalf("state = %q, want loaded (diags %v)", st.State, st.Diagnostics)
	}
	if len(st.Diagnostics) != 0 {
		t.Errorf("unexpected diagnostics: %v", st.Diagnostics)
	}

	m, ok := gotConfig.(map[string]interface{})
	if !ok || m["city"] != "berlin" {
		t.Errorf("PluginConfig = %#v, want map with city=berlin", gotConfig)
	}

	if _, ok := toolReg.Get("forecast"); !ok {
		t.Error("forecast tool not registered")
	}
	h, ok := r.GatewayMethod("weather.refresh")
	if !ok {
		t.Fatal("gateway method not registered")
	}
	res, err := h(context.Background(), nil)
	if err != nil || res != "refreshed" {
		t.Errorf("handler = (%v, %v), want (refreshed, nil)", res, err)
	}
	if got := r.GatewayMethods(); len(got) != 1 || got[0] != "weather.refresh" {
		t.Errorf("GatewayMethods = %v", got)
	}

	r.ApplyCLI(&cobra.Command{})
	if !cliApplied {
		t.Error("CLI hook not applied")
	}

	r.StartServices(context.Background())
	r.StopServices(context.Background())
	if startCalls != 1 || stopCalls != 1 {
		t.Errorf("service start/stop = %d/%d, want 1/1", startCalls, stopCalls)
	}
}

func TestLoadGating(t *testing.T) {
	off := false
	reg := func(api API) error { return nil }

	tests := []struct {
		name string
		cfg  config.PluginsConfig
		want string
	}{
		{name: "no gating loads", cfg: config.PluginsConfig{}, want: "loaded"},
		{
			name: "deny list",
			cfg:  config.PluginsConfig{Deny: []string{"weather"}},
			want: "denied",
		},
		{
			name: "allow list excludes",
			cfg:  config.PluginsConfig{Allow: []string{"other"}},
			want: "denied",
		},
		{
			name: "allow list includes",
			cfg:  config.PluginsConfig{Allow: []string{"weather"}},
			want: "loaded",
		},
		{
			name: "deny beats allow",
			cfg:  config.PluginsConfig{Allow: []string{"weather"}, Deny: []string{"weather"}},
			want: "denied",
		},
		{
			name: "entry disabled",
			cfg: config.PluginsConfig{Entries: map[string]config.PluginEntry{
				"weather": {Enabled: &off},
			}},
			want: "disabled",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := Load(Options{
				Config:   tc.cfg,
				Tools:    tools.NewRegistry(),
				Builtins: []Plugin{{ID: "weather", Register: reg}},
			})
			if st := statusByID(t, r, "weather"); st.State != tc.want {
				t.Errorf("state = %q, want %q", st.State, tc.want)
			}
		})
	}
}

func TestLoadSchemaErrorDiscardsRegistrations(t *testing.T) {
	toolReg := tools.NewRegistry()
	p := Plugin{
		ID: "broken",
		ConfigSchema: parseFunc(func(value any) (any, error) {
			return nil, errors.New("city is required")
		}),
		Register: func(api API) error {
			api.RegisterTool(namedTool{name: "never"})
			return nil
		},
	}

	r := Load(Options{Config: config.PluginsConfig{}, Tools: toolReg, Builtins: []Plugin{p}})

	st := statusByID(t, r, "broken")
	if st.State != "error" {
		t.Fatalf("state = %q, want error", st.State)
	}
	if len(st.Diagnostics) == 0 || st.Diagnostics[0] != "config: city is required" {
		t.Errorf("diagnostics = %v, want schema message", st.Diagnostics)
	}
	if _, ok := toolReg.Get("never"); ok {
		t.Error("failed plugin's tool must not be registered")
	}
}

func TestLoadRegisterErrorDiscardsRegistrations(t *testing.T) {
	toolReg := tools.NewRegistry()
	p := Plugin{
		ID: "flaky",
		Register: func(api API) error {
			api.RegisterTool(namedTool{name: "never"})
			api.RegisterGatewayMethod("flaky.run", func(ctx context.Context, params json.RawMessage) (any, error) {
				return nil, nil
			})
			return errors.New("missing binary")
		},
	}

	r := Load(Options{Config: config.PluginsConfig{}, Tools: toolReg, Builtins: []Plugin{p}})

	st := statusByID(t, r, "flaky")
	if st.State != "error" {
		t.Fatalf("state = %q, want error", st.State)
	}
	if _, ok := toolReg.Get("never"); ok {
		t.Error("failed plugin's tool must not be registered")
	}
	if _, ok := r.GatewayMethod("flaky.run"); ok {
		t.Error("failed plugin's gateway method must not be registered")
	}
}

func TestLoadSchemaParseResultBecomesPluginConfig(t *testing.T) {
	type parsed struct{ City string }
	var got any
	p := Plugin{
		ID: "weather",
		ConfigSchema: parseFunc(func(value any) (any, error) {
			m, _ := value.(map[string]interface{})
			city, _ := m["city"].(string)
			if city == "" {
				return nil, errors.New("city is required")
			}
			return parsed{City: city}, nil
		}),
		Register: func(api API) error {
			got = api.PluginConfig()
			return nil
		},
	}
	cfg := config.PluginsConfig{Entries: map[string]config.PluginEntry{
		"weather": {Config: json.RawMessage(`{city: "berlin"}`)}, // json5 keys
	}}

	r := Load(Options{Config: cfg, Tools: tools.NewRegistry(), Builtins: []Plugin{p}})

	if st := statusByID(t, r, "weather"); st.State != "loaded" {
		t.Fatalf("state = %q, want loaded (diags %v)", st.State, st.Diagnostics)
	}
	if p, ok := got.(parsed); !ok || p.City != "berlin" {
		t.Errorf("PluginConfig = %#v, want parsed{berlin}", got)
	}
}

func TestToolCollisionRejectedPluginStillLoads(t *testing.T) {
	toolReg := tools.NewRegistry()
	if err := toolReg.Register(namedTool{name: "read"}); err != nil {
		t.Fatal(err)
	}

	p := Plugin{
		ID: "shadow",
		Register: func(api API) error {
			api.RegisterTool(namedTool{name: "read"})   // collides with core
			api.RegisterTool(namedTool{name: "unique"}) // fine
			return nil
		},
	}
	r := Load(Options{Config: config.PluginsConfig{}, Tools: toolReg, Builtins: []Plugin{p}})

	st := statusByID(t, r, "shadow")
	if st.State != "loaded" {
		t.Fatalf("state = %q, want loaded", st.State)
	}
	if len(st.Diagnostics) != 1 {
		t.Fatalf("diagnostics = %v, want one collision", st.Diagnostics)
	}
	if _, ok := toolReg.Get("unique"); !ok {
		t.Error("non-colliding tool should still register")
	}
}

func TestGatewayMethodCollisionAcrossPlugins(t *testing.T) {
	handler := func(ctx context.Context, params json.RawMessage) (any, error) { return "first", nil }
	second := func(ctx context.Context, params json.RawMessage) (any, error) { return "second", nil }

	r := Load(Options{
		Config: config.PluginsConfig{},
		Tools:  tools.NewRegistry(),
		Builtins: []Plugin{
			{ID: "a", Register: func(api API) error {
				api.RegisterGatewayMethod("shared.method", handler)
				return nil
			}},
			{ID: "b", Register: func(api API) error {
				api.RegisterGatewayMethod("shared.method", second)
				return nil
			}},
		},
	})

	st := statusByID(t, r, "b")
	if len(st.Diagnostics) != 1 {
		t.Fatalf("plugin b diagnostics = %v, want one collision", st.Diagnostics)
	}
	h, _ := r.GatewayMethod("shared.method")
	res, _ := h(context.Background(), nil)
	if res != "first" {
		t.Errorf("collision should keep the earlier handler, got %v", res)
	}
}

func TestDuplicatePluginID(t *testing.T) {
	reg := func(api API) error { return nil }
	r := Load(Options{
		Config: config.PluginsConfig{},
		Tools:  tools.NewRegistry(),
		Builtins: []Plugin{
			{ID: "twin", Register: reg},
			{ID: "twin", Register: reg},
		},
	})

	var loaded, errored int
	for _, st := range r.Diagnostics() {
		if st.ID != "twin" {
			continue
		}
		switch st.State {
		case "loaded":
			loaded++
		case "error":
			errored++
		}
	}
	if loaded != 1 || errored != 1 {
		t.Errorf("loaded/error = %d/%d, want 1/1", loaded, errored)
	}
}

func writeManifest(t *testing.T, dir, name, body string) {
	t.Helper()
	pdir := filepath.Join(dir, name)
	if err := os.MkdirAll(pdir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pdir, "plugin.json"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestManifestEnrichesBuiltin(t *testing.T) {
	ws := t.TempDir()
	writeManifest(t, filepath.Join(ws, "plugins"), "weather",
		`{id: "weather", name: "Weather Deluxe", description: "forecasts"}`)

	r := Load(Options{
		Config:       config.PluginsConfig{},
		Tools:        tools.NewRegistry(),
		Builtins:     []Plugin{{ID: "weather", Name: "Weather", Register: func(api API) error { return nil }}},
		WorkspaceDir: ws,
	})

	st := statusByID(t, r, "weather")
	if st.State != "loaded" {
		t.Fatalf("state = %q, want loaded", st.State)
	}
	if st.Name != "Weather Deluxe" {
		t.Errorf("Name = %q, want manifest name", st.Name)
	}
}

func TestManifestWithoutImplementation(t *testing.T) {
	state := t.TempDir()
	writeManifest(t, filepath.Join(state, "plugins"), "ghost", `{id: "ghost"}`)

	r := Load(Options{
		Config:   config.PluginsConfig{},
		Tools:    tools.NewRegistry(),
		StateDir: state,
	})

	st := statusByID(t, r, "ghost")
	if st.State != "error" {
		t.Fatalf("state = %q, want error", st.State)
	}
	if len(st.Diagnostics) == 0 {
		t.Fatal("want a diagnostic naming the manifest")
	}
}

func TestManifestIDDefaultsToDirectory(t *testing.T) {
	ws := t.TempDir()
	writeManifest(t, filepath.Join(ws, "plugins"), "dirname", `{name: "No ID"}`)

	r := Load(Options{
		Config:       config.PluginsConfig{},
		Tools:        tools.NewRegistry(),
		WorkspaceDir: ws,
	})

	if st := statusByID(t, r, "dirname"); st.State != "error" {
		t.Errorf("state = %q, want error for unimplemented manifest", st.State)
	}
}

func TestBrokenManifestDiagnostic(t *testing.T) {
	ws := t.TempDir()
	writeManifest(t, filepath.Join(ws, "plugins"), "mangled", `{id: `)

	r := Load(Options{
		Config:       config.PluginsConfig{},
		Tools:        tools.NewRegistry(),
		WorkspaceDir: ws,
	})

	if st := statusByID(t, r, "mangled"); st.State != "error" {
		t.Errorf("state = %q, want error for unparseable manifest", st.State)
	}
}

func TestLoadPathsDirectAndRoot(t *testing.T) {
	direct := t.TempDir()
	if err := os.WriteFile(filepath.Join(direct, "plugin.json"), []byte(`{id: "direct"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	root := t.TempDir()
	writeManifest(t, root, "nested", `{id: "nested"}`)

	reg := func(api API) error { return nil }
	r := Load(Options{
		Config: config.PluginsConfig{Load: config.PluginLoad{Paths: []string{direct, root}}},
		Tools:  tools.NewRegistry(),
		Builtins: []Plugin{
			{ID: "direct", Register: reg},
			{ID: "nested", Register: reg},
		},
	})

	for _, id := range []string{"direct", "nested"} {
		if st := statusByID(t, r, id); st.State != "loaded" {
			t.Errorf("plugin %q state = %q, want loaded", id, st.State)
		}
	}
}

func TestServiceStartFailureIsolated(t *testing.T) {
	var secondStarted bool
	r := Load(Options{
		Config: config.PluginsConfig{},
		Tools:  tools.NewRegistry(),
		Builtins: []Plugin{{ID: "svc", Register: func(api API) error {
			api.RegisterService(Service{
				ID:    "bad",
				Start: func(ctx context.Context) error { return fmt.Errorf("port taken") },
			})
			api.RegisterService(Service{
				ID:    "good",
				Start: func(ctx context.Context) error { secondStarted = true; return nil },
			})
			return nil
		}}},
	})

	r.StartServices(context.Background())
	if !secondStarted {
		t.Error("a failing service must not block later services")
	}
}
