package agent

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/uriafranko/clawdbot/internal/config"
	"github.com/uriafranko/clawdbot/internal/providers"
)

// Candidate is one resolved provider/model pair in the fallback chain.
type Candidate struct {
	Provider string
	Model    string
}

// Ref renders the candidate back to "provider/model" form.
func (c Candidate) Ref() string {
	return providers.FormatModelRef(c.Provider, c.Model)
}

// Attempt records one failed candidate while walking the chain.
type Attempt struct {
	Provider string
	Model    string
	Err      error
}

// FallbackError is returned when every candidate in the chain failed.
// It names each attempt so the operator can see which backends were tried.
type FallbackError struct {
	Attempts []Attempt
}

func (e *FallbackError) Error() string {
	if len(e.Attempts) == 0 {
		return "no model candidates available"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s/%s: %v", a.Provider, a.Model, a.Err))
	}
	return "all model candidates failed: " + strings.Join(parts, "; ")
}

// ResolveChain builds the candidate list for a turn.
//
// The primary is the session override when set, else the configured
// agent.model, else the built-in default. Fallbacks come from
// agent.model.fallbacks. Every entry resolves through the agent.models
// alias index first. A non-empty agent.models map doubles as an allow-list
// for fallbacks: entries that are not keys in it are dropped (the primary
// is exempt). Duplicate provider/model pairs keep their first position.
func ResolveChain(cfg config.AgentConfig, override string) []Candidate {
	primary := strings.TrimSpace(override)
	if primary == "" {
		if cfg.Model.Model != "" {
			if cfg.Model.Provider != "" {
				primary = providers.FormatModelRef(cfg.Model.Provider, cfg.Model.Model)
			} else {
				primary = cfg.Model.Model
			}
		} else {
			primary = config.DefaultModelRef
		}
	}

	var chain []Candidate
	seen := make(map[string]bool)

	add := func(ref string) {
		provider, model := providers.ParseModelRef(resolveAlias(cfg.Models, ref))
		if model == "" {
			return
		}
		key := provider + "/" + model
		if seen[key] {
			return
		}
		seen[key] = true
		chain = append(chain, Candidate{Provider: provider, Model: model})
	}

	add(primary)

	restricted := len(cfg.Models) > 0
	for _, fb := range cfg.Model.Fallbacks {
		fb = strings.TrimSpace(fb)
		if fb == "" {
			continue
		}
		if restricted {
			if _, ok := cfg.Models[fb]; !ok {
				slog.Warn("agent: fallback not in model allow-list, skipped", "ref", fb)
				continue
			}
		}
		add(fb)
	}

	return chain
}

// resolveAlias maps a short model key through agent.models. Unknown keys
// pass through unchanged (they are treated as provider/model refs).
func resolveAlias(models map[string]config.ModelEntry, ref string) string {
	if entry, ok := models[ref]; ok && entry.Alias != "" {
		return entry.Alias
	}
	return ref
}
