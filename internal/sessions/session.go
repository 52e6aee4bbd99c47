package sessions

import (
	"time"

	"github.com/google/uuid"
)

// TokenUsage accumulates token counts across a session's runs.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

// ModelRef names the concrete model that produced the last turn.
type ModelRef struct {
	Provider string `json:"provider"`
	ModelID  string `json:"modelId"`
}

// Session is the durable metadata of one conversation. Transcripts live
// next to the store as <id>.jsonl; this record carries only identity and
// counters.
type Session struct {
	ID              string     `json:"id"`
	UpdatedAt       int64      `json:"updatedAt"` // unix ms
	ThinkingLevel   string     `json:"thinkingLevel,omitempty"`
	VerboseLevel    string     `json:"verboseLevel,omitempty"`
	ModelOverride   string     `json:"modelOverride,omitempty"`
	Tokens          TokenUsage `json:"tokens"`
	LastModel       *ModelRef  `json:"lastModel,omitempty"`
	ContextTokens   int64      `json:"contextTokens,omitempty"`
	CompactionCount int        `json:"compactionCount,omitempty"`
	DisplayName     string     `json:"displayName,omitempty"`
}

// Patch is a partial update. Nil fields are left untouched; AddTokens is
// additive.
type Patch struct {
	ThinkingLevel   *string
	VerboseLevel    *string
	ModelOverride   *string
	LastModel       *ModelRef
	ContextTokens   *int64
	CompactionCount *int
	DisplayName     *string
	AddTokens       *TokenUsage
}

// NewSession allocates a fresh session stamped at now.
func NewSession(now time.Time) Session {
	return Session{
		ID:        uuid.NewString(),
		UpdatedAt: now.UnixMilli(),
	}
}

// Apply merges p into s and bumps UpdatedAt.
func (s *Session) Apply(p Patch, now time.Time) {
	if p.ThinkingLevel != nil {
		s.ThinkingLevel = *p.ThinkingLevel
	}
	if p.VerboseLevel != nil {
		s.VerboseLevel = *p.VerboseLevel
	}
	if p.ModelOverride != nil {
		s.ModelOverride = *p.ModelOverride
	}
	if p.LastModel != nil {
		ref := *p.LastModel
		s.LastModel = &ref
	}
	if p.ContextTokens != nil {
		s.ContextTokens = *p.ContextTokens
	}
	if p.CompactionCount != nil {
		s.CompactionCount = *p.CompactionCount
	}
	if p.DisplayName != nil {
		s.DisplayName = *p.DisplayName
	}
	if p.AddTokens != nil {
		s.Tokens.Input += p.AddTokens.Input
		s.Tokens.Output += p.AddTokens.Output
		if p.AddTokens.Total != 0 {
			s.Tokens.Total += p.AddTokens.Total
		} else {
			s.Tokens.Total += p.AddTokens.Input + p.AddTokens.Output
		}
	}
	s.UpdatedAt = now.UnixMilli()
}

// ResetIdentity gives the session a fresh id and zeroes its counters.
// User preferences (thinking, verbose, model override) survive.
func (s *Session) ResetIdentity(now time.Time) {
	s.ID = uuid.NewString()
	s.Tokens = TokenUsage{}
	s.ContextTokens = 0
	s.CompactionCount = 0
	s.LastModel = nil
	s.UpdatedAt = now.UnixMilli()
}
