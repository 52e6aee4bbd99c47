// Package plugins loads extension bundles that contribute tools, gateway
// methods, CLI commands, and background services.
//
// Plugins compile into the binary and announce themselves through Builtin,
// usually from an init function. A plugin directory under
// <workspace>/plugins or <state>/plugins (or a plugins.load.paths entry) may
// carry a plugin.json manifest that enriches the compiled-in id with a
// display name and description; a manifest whose id has no compiled-in
// implementation surfaces as an error diagnostic instead of loading.
package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/spf13/cobra"
	"github.com/titanous/json5"

	"github.com/uriafranko/clawdbot/internal/config"
	"github.com/uriafranko/clawdbot/internal/tools"
)

// Schema validates and normalizes a plugin's user config before Register
// runs. Anything with a Parse method satisfies it.
type Schema interface {
	Parse(value any) (any, error)
}

// Plugin is one self-describing extension bundle.
type Plugin struct {
	ID           string
	Name         string
	Description  string
	ConfigSchema Schema // optional
	Register     func(api API) error
}

// Service is a long-running worker a plugin contributes. Start should
// return quickly and spawn its own goroutines.
type Service struct {
	ID    string
	Start func(ctx context.Context) error
	Stop  func(ctx context.Context) error
}

// GatewayHandler serves one plugin-contributed gateway method.
type GatewayHandler func(ctx context.Context, params json.RawMessage) (any, error)

// API is the registration surface handed to Plugin.Register. Registrations
// are staged and applied only if Register returns nil.
type API interface {
	RegisterGatewayMethod(name string, handler GatewayHandler)
	RegisterTool(t tools.Tool)
	RegisterCLI(fn func(root *cobra.Command))
	RegisterService(svc Service)

	// PluginConfig returns the plugin's user config after schema parsing.
	PluginConfig() any
	Logger() *slog.Logger
}

// Status reports one plugin's load outcome: loaded, disabled, denied, or
// error, plus any non-fatal diagnostics collected along the way.
type Status struct {
	ID          string
	Name        string
	State       string
	Diagnostics []string
}

var (
	builtinMu sync.Mutex
	builtin   []Plugin
)

// Builtin registers a compiled-in plugin for the next Load.
func Builtin(p Plugin) {
	builtinMu.Lock()
	defer builtinMu.Unlock()
	builtin = append(builtin, p)
}

func builtinPlugins() []Plugin {
	builtinMu.Lock()
	defer builtinMu.Unlock()
	out := make([]Plugin, len(builtin))
	copy(out, builtin)
	return out
}

// Options wires a Load call.
type Options struct {
	Config config.PluginsConfig
	Tools  *tools.Registry

	// Builtins are loaded ahead of package-level Builtin registrations.
	// Tests inject plugins here.
	Builtins []Plugin

	WorkspaceDir string
	StateDir     string
	Logger       *slog.Logger
}

// Registry holds the applied registrations of every loaded plugin.
type Registry struct {
	toolReg *tools.Registry
	logger  *slog.Logger

	mu       sync.RWMutex
	statuses []Status
	methods  map[string]GatewayHandler
	order    []string // method names in registration order
	cliHooks []func(root *cobra.Command)
	services []Service
}

// Load gates, configures, and registers every known plugin. Failures are
// isolated: a plugin that errors is reported in Diagnostics and contributes
// nothing.
func Load(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		toolReg: opts.Tools,
		logger:  logger,
		methods: make(map[string]GatewayHandler),
	}

	manifests, orphaned := discoverManifests(opts.Config, opts.WorkspaceDir, opts.StateDir)

	seen := make(map[string]bool)
	load := func(p Plugin) {
		if p.ID == "" {
			r.addStatus(Status{State: "error", Diagnostics: []string{"plugin has empty id"}})
			return
		}
		if seen[p.ID] {
			r.addStatus(Status{ID: p.ID, State: "error", Diagnostics: []string{"duplicate plugin id"}})
			return
		}
		seen[p.ID] = true
		if m, ok := manifests[p.ID]; ok {
			if m.Name != "" {
				p.Name = m.Name
			}
			if m.Description != "" {
				p.Description = m.Description
			}
		}
		r.loadOne(p, opts.Config)
	}

	for _, p := range opts.Builtins {
		load(p)
	}
	for _, p := range builtinPlugins() {
		load(p)
	}

	// Manifests that matched no compiled-in plugin.
	for _, id := range orphanIDs(manifests, seen) {
		m := manifests[id]
		r.addStatus(Status{
			ID:    id,
			Name:  m.Name,
			State: "error",
			Diagnostics: []string{
				fmt.Sprintf("no compiled-in implementation (manifest %s)", m.Path),
			},
		})
	}
	// Manifests that failed to parse at all.
	for _, o := range orphaned {
		r.addStatus(Status{ID: o.ID, State: "error", Diagnostics: []string{o.Err.Error()}})
	}

	return r
}

// loadOne runs the gate, schema, and register steps for a single plugin.
func (r *Registry) loadOne(p Plugin, cfg config.PluginsConfig) {
	st := Status{ID: p.ID, Name: p.Name}

	entry, hasEntry := cfg.Entries[p.ID]
	switch {
	case contains(cfg.Deny, p.ID):
		st.State = "denied"
		r.addStatus(st)
		return
	case len(cfg.Allow) > 0 && !contains(cfg.Allow, p.ID):
		st.State = "denied"
		st.Diagnostics = append(st.Diagnostics, "not in plugins.allow")
		r.addStatus(st)
		return
	case hasEntry && entry.Enabled != nil && !*entry.Enabled:
		st.State = "disabled"
		r.addStatus(st)
		return
	}

	userCfg, err := decodeEntryConfig(entry)
	if err != nil {
		st.State = "error"
		st.Diagnostics = append(st.Diagnostics, fmt.Sprintf("config: %v", err))
		r.addStatus(st)
		return
	}
	if p.ConfigSchema != nil {
		parsed, err := p.ConfigSchema.Parse(userCfg)
		if err != nil {
			st.State = "error"
			st.Diagnostics = append(st.Diagnostics, fmt.Sprintf("config: %v", err))
			r.addStatus(st)
			return
		}
		userCfg = parsed
	}

	rec := &apiRecorder{
		pluginID: p.ID,
		cfg:      userCfg,
		logger:   r.logger.With("plugin", p.ID),
	}
	if p.Register == nil {
		st.State = "error"
		st.Diagnostics = append(st.Diagnostics, "plugin has no register function")
		r.addStatus(st)
		return
	}
	if err := p.Register(rec); err != nil {
		st.State = "error"
		st.Diagnostics = append(st.Diagnostics, fmt.Sprintf("register: %v", err))
		r.addStatus(st)
		return
	}

	st.Diagnostics = append(st.Diagnostics, r.apply(rec)...)
	st.State = "loaded"
	r.addStatus(st)
}

// apply moves staged registrations into the registry. Collisions reject the
// colliding item, not the plugin.
func (r *Registry) apply(rec *apiRecorder) []string {
	var diags []string

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range rec.tools {
		if r.toolReg == nil {
			diags = append(diags, fmt.Sprintf("tool %q rejected: no tool registry", t.Name()))
			continue
		}
		if err := r.toolReg.Register(t); err != nil {
			diags = append(diags, fmt.Sprintf("tool rejected: %v", err))
		}
	}
	for _, name := range rec.methodOrder {
		if _, exists := r.methods[name]; exists {
			diags = append(diags, fmt.Sprintf("gateway method %q rejected: already registered", name))
			continue
		}
		r.methods[name] = rec.methods[name]
		r.order = append(r.order, name)
	}
	r.cliHooks = append(r.cliHooks, rec.cliHooks...)
	for i, svc := range rec.services {
		if svc.Start == nil {
			diags = append(diags, fmt.Sprintf("service %q rejected: no start function", svc.ID))
			continue
		}
		if svc.ID == "" {
			svc.ID = fmt.Sprintf("%s#%d", rec.pluginID, i)
		}
		r.services = append(r.services, svc)
	}
	return diags
}

func (r *Registry) addStatus(st Status) {
	r.mu.Lock()
	r.statuses = append(r.statuses, st)
	r.mu.Unlock()
	if st.State == "error" {
		r.logger.Warn("plugins: load failed", "plugin", st.ID, "diagnostics", st.Diagnostics)
	}
}

// Diagnostics lists every known plugin with its load state, in load order.
func (r *Registry) Diagnostics() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, len(r.statuses))
	copy(out, r.statuses)
	return out
}

// GatewayMethod looks up a plugin-contributed gateway method.
func (r *Registry) GatewayMethod(name string) (GatewayHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.methods[name]
	return h, ok
}

// GatewayMethods lists contributed method names in registration order.
func (r *Registry) GatewayMethods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ApplyCLI runs every contributed CLI hook against the root command.
func (r *Registry) ApplyCLI(root *cobra.Command) {
	r.mu.RLock()
	hooks := make([]func(*cobra.Command), len(r.cliHooks))
	copy(hooks, r.cliHooks)
	r.mu.RUnlock()
	for _, fn := range hooks {
		fn(root)
	}
}

// Services lists contributed services in registration order.
func (r *Registry) Services() []Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Service, len(r.services))
	copy(out, r.services)
	return out
}

// StartServices starts every plugin service in order. A failing service is
// logged and skipped; the rest still start.
func (r *Registry) StartServices(ctx context.Context) {
	for _, svc := range r.Services() {
		if err := svc.Start(ctx); err != nil {
			r.logger.Warn("plugins: service failed to start", "service", svc.ID, "error", err)
		}
	}
}

// StopServices stops services in reverse order, logging failures.
func (r *Registry) StopServices(ctx context.Context) {
	svcs := r.Services()
	for i := len(svcs) - 1; i >= 0; i-- {
		svc := svcs[i]
		if svc.Stop == nil {
			continue
		}
		if err := svc.Stop(ctx); err != nil {
			r.logger.Warn("plugins: service failed to stop", "service", svc.ID, "error", err)
		}
	}
}

// decodeEntryConfig parses the raw per-plugin config block. JSON5 so the
// bytes can come straight out of the config file.
func decodeEntryConfig(entry config.PluginEntry) (any, error) {
	if len(entry.Config) == 0 {
		return nil, nil
	}
	var v any
	if err := json5.Unmarshal(entry.Config, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// apiRecorder stages registrations until Register succeeds.
type apiRecorder struct {
	pluginID string
	cfg      any
	logger   *slog.Logger

	methods     map[string]GatewayHandler
	methodOrder []string
	tools       []tools.Tool
	cliHooks    []func(root *cobra.Command)
	services    []Service
}

func (a *apiRecorder) RegisterGatewayMethod(name string, handler GatewayHandler) {
	if name == "" || handler == nil {
		return
	}
	if a.methods == nil {
		a.methods = make(map[string]GatewayHandler)
	}
	if _, dup := a.methods[name]; dup {
		return
	}
	a.methods[name] = handler
	a.methodOrder = append(a.methodOrder, name)
}

func (a *apiRecorder) RegisterTool(t tools.Tool) {
	if t == nil {
		return
	}
	a.tools = append(a.tools, t)
}

func (a *apiRecorder) RegisterCLI(fn func(root *cobra.Command)) {
	if fn == nil {
		return
	}
	a.cliHooks = append(a.cliHooks, fn)
}

func (a *apiRecorder) RegisterService(svc Service) {
	a.services = append(a.services, svc)
}

func (a *apiRecorder) PluginConfig() any { return a.cfg }

func (a *apiRecorder) Logger() *slog.Logger { return a.logger }
