package providers

import (
	"fmt"
	"strings"
	"sync"

	"github.com/uriafranko/clawdbot/internal/config"
)

const (
	defaultOpenAIModel = "gpt-4o"
	defaultGeminiModel = "gemini-2.5-flash"
	geminiOpenAIBase   = "https://generativelanguage.googleapis.com/v1beta/openai"
)

// ParseModelRef splits a "provider/model" reference. Bare names without a
// slash resolve to the anthropic provider.
func ParseModelRef(ref string) (provider, model string) {
	ref = strings.TrimSpace(ref)
	if before, after, found := strings.Cut(ref, "/"); found {
		return strings.ToLower(before), after
	}
	return "anthropic", ref
}

// FormatModelRef joins a provider and model back into a "provider/model" ref.
func FormatModelRef(provider, model string) string {
	return provider + "/" + model
}

// Registry builds and caches Provider instances from configured credentials.
// A provider with no API key fails at Get time, not at registry construction,
// so a fallback chain can skip past unconfigured backends.
type Registry struct {
	mu    sync.Mutex
	creds config.ProvidersConfig
	cache map[string]Provider
}

func NewRegistry(creds config.ProvidersConfig) *Registry {
	return &Registry{
		creds: creds,
		cache: make(map[string]Provider),
	}
}

// Get returns the provider for a canonical name, building it on first use.
func (r *Registry) Get(name string) (Provider, error) {
	name = canonicalProviderName(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.cache[name]; ok {
		return p, nil
	}

	p, err := r.build(name)
	if err != nil {
		return nil, err
	}
	r.cache[name] = p
	return p, nil
}

// Register installs a pre-built provider under name, bypassing credential
// lookup. Plugins use it to supply custom backends.
func (r *Registry) Register(name string, p Provider) {
	name = canonicalProviderName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[name] = p
}

// ResolveRef parses a model ref and returns the matching provider plus the
// model ID to request. An empty model part falls back to the provider default.
func (r *Registry) ResolveRef(ref string) (Provider, string, error) {
	providerName, model := ParseModelRef(ref)
	p, err := r.Get(providerName)
	if err != nil {
		return nil, "", err
	}
	if model == "" {
		model = p.DefaultModel()
	}
	return p, model, nil
}

func (r *Registry) build(name string) (Provider, error) {
	switch name {
	case "anthropic":
		creds := r.creds.Anthropic
		if creds.APIKey == "" {
			return nil, fmt.Errorf("anthropic: no API key configured (set ANTHROPIC_API_KEY)")
		}
		return NewAnthropicProvider(creds.APIKey, WithAnthropicBaseURL(creds.BaseURL)), nil

	case "openai":
		creds := r.creds.OpenAI
		if creds.APIKey == "" {
			return nil, fmt.Errorf("openai: no API key configured (set OPENAI_API_KEY)")
		}
		return NewOpenAIProvider("openai", creds.APIKey, creds.BaseURL, defaultOpenAIModel), nil

	case "google":
		creds := r.creds.Google
		if creds.APIKey == "" {
			return nil, fmt.Errorf("google: no API key configured (set GEMINI_API_KEY)")
		}
		base := creds.BaseURL
		if base == "" {
			base = geminiOpenAIBase
		}
		return NewOpenAIProvider("gemini", creds.APIKey, base, defaultGeminiModel), nil

	case "dashscope":
		creds := r.creds.DashScope
		if creds.APIKey == "" {
			return nil, fmt.Errorf("dashscope: no API key configured (set DASHSCOPE_API_KEY)")
		}
		return NewDashScopeProvider(creds.APIKey, creds.BaseURL, ""), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

func canonicalProviderName(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "gemini", "google":
		return "google"
	case "qwen", "dashscope":
		return "dashscope"
	case "claude", "anthropic":
		return "anthropic"
	default:
		return strings.ToLower(strings.TrimSpace(name))
	}
}
