// Package model defines the core domain types for Seiri.
//
// Types correspond directly to database tables and API payloads. Strong
// typing (UUIDs, time.Time, enums) is used throughout; map[string]any is
// reserved for genuinely free-form JSON columns.
package model

import "slices"

// Dialect identifies a provider's HTTP contract for structured-output
// generation. New dialects are added as new constants plus a request
// builder and response normalizer in the invoke package.
type Dialect string

const (
	// DialectResponses separates instructions from turn history, flattens
	// tool definitions, and chains staged output via a response ID.
	DialectResponses Dialect = "responses"
	// DialectChat uses a single flat messages array in the chat-completions
	// shape, with a provider-configurable output-length parameter name.
	DialectChat Dialect = "chat"
)

// ModelCapability describes what a model family's API accepts.
// Rows are static per deployment and read-only to the pipeline.
type ModelCapability struct {
	FamilyID              string   `json:"family_id"`
	Dialect               Dialect  `json:"api_dialect"`
	SupportsTemperature   bool     `json:"supports_temperature"`
	SupportsSeed          bool     `json:"supports_seed"`
	ReasoningEffortLevels []string `json:"reasoning_effort_levels"`
	MaxTokensParamName    string   `json:"max_tokens_param_name"`
	Endpoint              string   `json:"endpoint"`
}

// SupportsReasoningEffort reports whether level is one of the family's
// accepted effort levels. An empty level never matches.
func (c ModelCapability) SupportsReasoningEffort(level string) bool {
	return level != "" && slices.Contains(c.ReasoningEffortLevels, level)
}
