package providers

import (
	"context"
	"strings"
	"testing"

	"github.com/uriafranko/clawdbot/internal/config"
)

func TestParseModelRef(t *testing.T) {
	tests := []struct {
		ref          string
		wantProvider string
		wantModel    string
	}{
		{"anthropic/claude-sonnet-4-20250514", "anthropic", "claude-sonnet-4-20250514"},
		{"openai/gpt-4o", "openai", "gpt-4o"},
		{"google/gemini-2.5-pro", "google", "gemini-2.5-pro"},
		{"OpenAI/gpt-4o", "openai", "gpt-4o"},
		{"claude-opus-4", "anthropic", "claude-opus-4"},
		{"  anthropic/claude-3 ", "anthropic", "claude-3"},
	}
	for _, tt := range tests {
		provider, model := ParseModelRef(tt.ref)
		if provider != tt.wantProvider || model != tt.wantModel {
			t.Errorf("ParseModelRef(%q) = (%q, %q), want (%q, %q)",
				tt.ref, provider, model, tt.wantProvider, tt.wantModel)
		}
	}
}

func TestRegistryGet(t *testing.T) {
	reg := NewRegistry(config.ProvidersConfig{
		Anthropic: config.ProviderConfig{APIKey: "sk-ant-test"},
		OpenAI:    config.ProviderConfig{APIKey: "sk-test"},
	})

	p, err := reg.Get("anthropic")
	if err != nil {
		t.Fatalf("Get(anthropic): %v", err)
	}
	if p.Name() != "anthropic" {
		t.Errorf("Name() = %q, want anthropic", p.Name())
	}
	if p.DefaultModel() != "claude-sonnet-4-20250514" {
		t.Errorf("DefaultModel() = %q", p.DefaultModel())
	}

	again, err := reg.Get("anthropic")
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if p != again {
		t.Error("Get did not cache the provider instance")
	}
}

func TestRegistryGetAliases(t *testing.T) {
	reg := NewRegistry(config.ProvidersConfig{
		Anthropic: config.ProviderConfig{APIKey: "k"},
		Google:    config.ProviderConfig{APIKey: "k"},
		DashScope: config.ProviderConfig{APIKey: "k"},
	})

	tests := []struct {
		alias string
		want  string
	}{
		{"claude", "anthropic"},
		{"gemini", "gemini"},
		{"qwen", "dashscope"},
	}
	for _, tt := range tests {
		p, err := reg.Get(tt.alias)
		if err != nil {
			t.Fatalf("Get(%q): %v", tt.alias, err)
		}
		if p.Name() != tt.want {
			t.Errorf("Get(%q).Name() = %q, want %q", tt.alias, p.Name(), tt.want)
		}
	}
}

func TestRegistryMissingAPIKey(t *testing.T) {
	reg := NewRegistry(config.ProvidersConfig{})
	_, err := reg.Get("anthropic")
	if err == nil {
		t.Fatal("expected error for unconfigured provider")
	}
	if !strings.Contains(err.Error(), "ANTHROPIC_API_KEY") {
		t.Errorf("err = %v, want hint about ANTHROPIC_API_KEY", err)
	}
}

func TestRegistryUnknownProvider(t *testing.T) {
	reg := NewRegistry(config.ProvidersConfig{})
	_, err := reg.Get("llama-at-home")
	if err == nil || !strings.Contains(err.Error(), "unknown provider") {
		t.Errorf("err = %v, want unknown provider", err)
	}
}

type staticProvider struct{ name string }

func (s *staticProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return &ChatResponse{Content: "ok"}, nil
}

func (s *staticProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	return s.Chat(ctx, req)
}

func (s *staticProvider) DefaultModel() string { return "static-1" }
func (s *staticProvider) Name() string         { return s.name }

func TestRegistryRegister(t *testing.T) {
	reg := NewRegistry(config.ProvidersConfig{})
	reg.Register("custom", &staticProvider{name: "custom"})

	p, err := reg.Get("custom")
	if err != nil {
		t.Fatalf("Get(custom): %v", err)
	}
	if p.Name() != "custom" {
		t.Errorf("Name() = %q, want custom", p.Name())
	}

	// Registered providers shadow built-ins, including alias lookups.
	reg.Register("anthropic", &staticProvider{name: "anthropic"})
	p, err = reg.Get("claude")
	if err != nil {
		t.Fatalf("Get(claude): %v", err)
	}
	if p.DefaultModel() != "static-1" {
		t.Error("alias did not resolve to the registered provider")
	}
}

func TestRegistryResolveRef(t *testing.T) {
	reg := NewRegistry(config.ProvidersConfig{
		Anthropic: config.ProviderConfig{APIKey: "k"},
	})

	p, model, err := reg.ResolveRef("anthropic/claude-opus-4")
	if err != nil {
		t.Fatalf("ResolveRef: %v", err)
	}
	if p.Name() != "anthropic" || model != "claude-opus-4" {
		t.Errorf("got (%s, %s)", p.Name(), model)
	}

	_, model, err = reg.ResolveRef("anthropic/")
	if err != nil {
		t.Fatalf("ResolveRef empty model: %v", err)
	}
	if model != "claude-sonnet-4-20250514" {
		t.Errorf("empty model resolved to %q, want provider default", model)
	}

	_, _, err = reg.ResolveRef("openai/gpt-4o")
	if err == nil {
		t.Error("expected error for unconfigured openai")
	}
}
