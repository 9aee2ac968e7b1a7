package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusError   RunStatus = "error"
)

// Run is one execution of the document pipeline. The terminal status is set
// exactly once; NodeRuns written before a failure remain queryable.
type Run struct {
	ID          uuid.UUID  `json:"id"`
	Environment string     `json:"environment"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	Metrics     RunMetrics `json:"metrics"`
}

// RunMetrics aggregates per-step usage across a run.
type RunMetrics struct {
	TokensIn   int   `json:"tokens_in"`
	TokensOut  int   `json:"tokens_out"`
	NodeRuns   int   `json:"node_runs"`
	DurationMs int64 `json:"duration_ms"`
}

// NodeRunStatus is the outcome of a single executed step.
type NodeRunStatus string

const (
	NodeRunStatusSuccess NodeRunStatus = "success"
	NodeRunStatusError   NodeRunStatus = "error"
)

// NodeRun records one attempted step within a run: the resolved prompt, the
// canonical inputs and outputs, and usage metrics. Owned exclusively by its
// Run; never mutated after creation.
type NodeRun struct {
	ID              uuid.UUID       `json:"id"`
	RunID           uuid.UUID       `json:"run_id"`
	AgentID         uuid.UUID       `json:"agent_id"`
	AgentName       string          `json:"agent_name"`
	PromptVersionID uuid.UUID       `json:"prompt_version_id"`
	RenderedPrompt  string          `json:"rendered_prompt"`
	Inputs          json.RawMessage `json:"inputs,omitempty"`
	Outputs         json.RawMessage `json:"outputs,omitempty"`
	ToolCalls       json.RawMessage `json:"tool_calls,omitempty"`
	TokensIn        int             `json:"tokens_in"`
	TokensOut       int             `json:"tokens_out"`
	LatencyMs       int64           `json:"latency_ms"`
	Status          NodeRunStatus   `json:"status"`
	Error           *string         `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// MessageRole is the role of a transcript entry.
type MessageRole string

const (
	MessageRoleSystem MessageRole = "system"
	MessageRoleUser   MessageRole = "user"
	MessageRoleTool   MessageRole = "tool"
)

// MessageLogEntry is one transcript message of a node run. Append-only,
// ordered by Seq, child of exactly one NodeRun.
type MessageLogEntry struct {
	ID        uuid.UUID   `json:"id"`
	NodeRunID uuid.UUID   `json:"node_run_id"`
	Seq       int         `json:"seq"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}

// Verdict is the tri-state outcome of a guardrail suite.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictWarn Verdict = "warn"
	VerdictFail Verdict = "fail"
)

// GuardrailResult is one suite's post-hoc check of a node run's structured
// output. Zero or one per (node_run, suite).
type GuardrailResult struct {
	ID        uuid.UUID      `json:"id"`
	NodeRunID uuid.UUID      `json:"node_run_id"`
	Suite     string         `json:"suite"`
	Verdict   Verdict        `json:"verdict"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
