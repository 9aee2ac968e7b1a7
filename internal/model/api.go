package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// MaxDocumentTextLen bounds inbound document text so a single request cannot
// fill a Postgres TEXT column with caller-controlled garbage.
const MaxDocumentTextLen = 256 * 1024 // 256 KB

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeProviderError = "PROVIDER_ERROR"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// StepRequest is the request body for POST /v1/steps/{step}.
// Exactly one of DocumentText, Entities, or Facts carries the step input:
// document_text feeds extract, entities feeds normalize/validate, facts
// feeds arbitrate. RunID continues an existing run; empty begins a new one.
type StepRequest struct {
	RunID        string          `json:"run_id,omitempty"`
	Environment  string          `json:"environment"`
	DocumentText string          `json:"document_text,omitempty"`
	Entities     json.RawMessage `json:"entities,omitempty"`
	Facts        json.RawMessage `json:"facts,omitempty"`
}

// Validate checks field presence and size limits.
func (r StepRequest) Validate() error {
	if r.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	if len(r.DocumentText) > MaxDocumentTextLen {
		return fmt.Errorf("document_text exceeds maximum length of %d bytes", MaxDocumentTextLen)
	}
	return nil
}

// StepResponse is the synchronous response for a single executed step.
type StepResponse struct {
	RunID            string          `json:"run_id"`
	NodeRunID        string          `json:"node_run_id"`
	StructuredOutput json.RawMessage `json:"structured_output"`
	Metrics          StepMetrics     `json:"metrics"`
}

// StepMetrics reports usage for one step.
type StepMetrics struct {
	TokensIn  int   `json:"tokens_in"`
	TokensOut int   `json:"tokens_out"`
	LatencyMs int64 `json:"latency_ms"`
}

// PipelineRequest is the request body for POST /v1/pipeline.
type PipelineRequest struct {
	Environment  string `json:"environment"`
	DocumentText string `json:"document_text"`
}

// Validate checks field presence and size limits.
func (r PipelineRequest) Validate() error {
	if r.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	if r.DocumentText == "" {
		return fmt.Errorf("document_text is required")
	}
	if len(r.DocumentText) > MaxDocumentTextLen {
		return fmt.Errorf("document_text exceeds maximum length of %d bytes", MaxDocumentTextLen)
	}
	return nil
}

// PipelineResponse is the response for POST /v1/pipeline. Error carries the
// caller-safe failure reason when the chain ended early with partial steps.
type PipelineResponse struct {
	RunID  string         `json:"run_id"`
	Status RunStatus      `json:"status"`
	Steps  []StepResponse `json:"steps"`
	Error  string         `json:"error,omitempty"`
}

// RunDetail is the response for GET /v1/runs/{run_id}: the run plus its
// node runs, for the monitoring surface.
type RunDetail struct {
	Run      Run       `json:"run"`
	NodeRuns []NodeRun `json:"node_runs"`
}

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	CallerID string `json:"caller_id"`
	APIKey   string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime_seconds"`
}
