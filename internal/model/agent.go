package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AgentConfig is one pipeline step's AI-backed behavior: which model family
// it prefers, the reasoning effort it requests, and the tool schema its
// structured output must satisfy. Created by operators; read-only here.
type AgentConfig struct {
	ID                   uuid.UUID  `json:"id"`
	Name                 string     `json:"name"`
	PreferredModelFamily string     `json:"preferred_model_family"`
	FallbackModelFamily  *string    `json:"fallback_model_family,omitempty"`
	ReasoningEffort      *string    `json:"reasoning_effort,omitempty"`
	ToolSchema           ToolSchema `json:"tool_schema"`
	CreatedAt            time.Time  `json:"created_at"`
}

// ToolSchema is the single forced tool an agent's step must invoke.
// Parameters is a JSON Schema document validated against the tool-call
// arguments the model returns.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// PromptBinding is a time-windowed, traffic-weighted assignment of a prompt
// version to an agent within an environment. Multiple bindings may coexist
// per (agent, environment); resolution picks at most one (see binding pkg).
type PromptBinding struct {
	ID              uuid.UUID  `json:"id"`
	AgentID         uuid.UUID  `json:"agent_id"`
	Environment     string     `json:"environment"`
	PromptVersionID uuid.UUID  `json:"prompt_version_id"`
	EffectiveFrom   time.Time  `json:"effective_from"`
	EffectiveTo     *time.Time `json:"effective_to,omitempty"`
	TrafficWeight   int        `json:"traffic_weight"`
}

// ActiveAt reports whether the binding's half-open effectivity window
// contains now: effective_from <= now and (effective_to is null or >= now).
func (b PromptBinding) ActiveAt(now time.Time) bool {
	if now.Before(b.EffectiveFrom) {
		return false
	}
	return b.EffectiveTo == nil || !b.EffectiveTo.Before(now)
}

// PromptVersion is one immutable revision of an agent's prompt template.
// Template is a text/template body rendered with the step input.
type PromptVersion struct {
	ID        uuid.UUID `json:"id"`
	AgentID   uuid.UUID `json:"agent_id"`
	Version   int       `json:"version"`
	Template  string    `json:"template"`
	CreatedAt time.Time `json:"created_at"`
}

// Caller is an authenticated API caller. The api_key_hash is an Argon2id
// hash; the raw key is never persisted.
type Caller struct {
	ID         uuid.UUID `json:"id"`
	CallerID   string    `json:"caller_id"`
	Name       string    `json:"name"`
	APIKeyHash string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}
