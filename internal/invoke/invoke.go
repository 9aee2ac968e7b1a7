// Package invoke dispatches one canonical "generate structured output"
// request to heterogeneous AI provider APIs.
//
// Providers disagree on parameter names, supported controls, and response
// shapes. Each supported dialect contributes one request builder and one
// response normalizer (dialect_responses.go, dialect_chat.go); the Adapter
// picks the pair from the model's capability row so callers never branch
// on dialect. Controls a capability does not support are dropped, never
// transmitted.
package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kumo-ai/seiri/internal/model"
	"github.com/kumo-ai/seiri/internal/registry"
)

var tracer = otel.Tracer("seiri/invoke")

// Message is one turn of conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool is a tool definition offered to the model.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Call is the dialect-independent request shape. Transient; never persisted.
// Optional controls use pointers or zero values; the dialect builders decide
// per capability whether each control is transmitted at all.
type Call struct {
	ModelFamily       string    `json:"model_family"`
	Messages          []Message `json:"messages"`
	Tools             []Tool    `json:"tools,omitempty"`
	ForcedTool        string    `json:"forced_tool,omitempty"`
	Temperature       *float64  `json:"temperature,omitempty"`
	Seed              *int64    `json:"seed,omitempty"`
	ReasoningEffort   string    `json:"reasoning_effort,omitempty"`
	MaxOutputTokens   int       `json:"max_output_tokens,omitempty"`
	Verbosity         string    `json:"verbosity,omitempty"`
	ContinuationToken string    `json:"continuation_token,omitempty"`
}

// ToolInvocation is one tool call the model requested. ID preserves the
// provider's call identifier for echo-back on a follow-up turn.
type ToolInvocation struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Result is the dialect-independent response shape.
type Result struct {
	Text              string           `json:"text,omitempty"`
	ToolInvocations   []ToolInvocation `json:"tool_invocations,omitempty"`
	TokensIn          int              `json:"tokens_in"`
	TokensOut         int              `json:"tokens_out"`
	ContinuationToken string           `json:"continuation_token,omitempty"`
}

// Credentials maps a provider endpoint host to its API key. Keys are
// supplied out-of-band (environment-scoped secrets) and never persisted.
type Credentials map[string]string

// ForEndpoint selects the credential for an endpoint URL by host identity.
func (c Credentials) ForEndpoint(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invoke: parse endpoint %q: %w", endpoint, err)
	}
	key, ok := c[u.Host]
	if !ok || key == "" {
		return "", fmt.Errorf("%w for %s", ErrMissingCredential, u.Host)
	}
	return key, nil
}

// Adapter performs canonical AI calls against provider endpoints.
type Adapter struct {
	registry *registry.Registry
	creds    Credentials
	client   *http.Client
	logger   *slog.Logger
}

// New creates an Adapter. client may be nil, in which case a default
// client with no timeout is used — per-call deadlines come from ctx.
func New(reg *registry.Registry, creds Credentials, client *http.Client, logger *slog.Logger) *Adapter {
	if client == nil {
		client = &http.Client{}
	}
	return &Adapter{registry: reg, creds: creds, client: client, logger: logger}
}

// Invoke resolves the capability for call.ModelFamily, builds the
// dialect-specific wire request, performs the HTTP call bounded by ctx, and
// normalizes the response. Retry policy belongs to the caller: a non-2xx
// response surfaces as *ProviderError without any retry here.
func (a *Adapter) Invoke(ctx context.Context, call Call) (Result, error) {
	cap, err := a.registry.Resolve(call.ModelFamily)
	if err != nil {
		return Result{}, err
	}

	var body map[string]any
	switch cap.Dialect {
	case model.DialectResponses:
		body = buildResponsesRequest(cap, call)
	case model.DialectChat:
		body = buildChatRequest(cap, call)
	default:
		return Result{}, fmt.Errorf("invoke: unsupported dialect %q for family %s", cap.Dialect, cap.FamilyID)
	}

	key, err := a.creds.ForEndpoint(cap.Endpoint)
	if err != nil {
		return Result{}, err
	}

	ctx, span := tracer.Start(ctx, "gen_ai.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("gen_ai.request.model", call.ModelFamily),
		attribute.String("seiri.dialect", string(cap.Dialect)),
	)

	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("invoke: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cap.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("invoke: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%w: %s after %s", ErrProviderTimeout, cap.FamilyID, time.Since(start))
		}
		return Result{}, fmt.Errorf("invoke: call %s: %w", cap.Endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return Result{}, fmt.Errorf("invoke: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		trimmed := string(raw)
		if len(trimmed) > maxErrorBodyLen {
			trimmed = trimmed[:maxErrorBodyLen]
		}
		perr := &ProviderError{Status: resp.StatusCode, Body: trimmed}
		span.RecordError(perr)
		return Result{}, perr
	}

	var result Result
	switch cap.Dialect {
	case model.DialectResponses:
		result, err = normalizeResponsesResponse(raw)
	case model.DialectChat:
		result, err = normalizeChatResponse(raw)
	}
	if err != nil {
		return Result{}, err
	}

	span.SetAttributes(
		attribute.Int("gen_ai.usage.input_tokens", result.TokensIn),
		attribute.Int("gen_ai.usage.output_tokens", result.TokensOut),
	)
	a.logger.Debug("invoke: provider call",
		"family", call.ModelFamily,
		"dialect", string(cap.Dialect),
		"tokens_in", result.TokensIn,
		"tokens_out", result.TokensOut,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}
