// Package tracker creates and finalizes the audit trail of a pipeline run:
// the Run record, one NodeRun per attempted step, the message transcript,
// and guardrail verdicts.
//
// NodeRuns are append-only facts about what happened. They are written
// regardless of step outcome and never mutated or rolled back afterwards,
// so a failed run keeps every partial record queryable.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kumo-ai/seiri/internal/invoke"
	"github.com/kumo-ai/seiri/internal/model"
)

// ErrRunAlreadyEnded is returned when EndRun is called on a run whose
// terminal status is already set. Finalizing twice is a programming error;
// the first status is never silently overwritten.
var ErrRunAlreadyEnded = errors.New("tracker: run already ended")

// Store is the persistence boundary the tracker writes through.
// Implemented by the storage package.
type Store interface {
	CreateRun(ctx context.Context, run model.Run) error
	// EndRun sets the terminal status and ended_at. It must only update a
	// run still in status=running and report whether it did.
	EndRun(ctx context.Context, runID uuid.UUID, status model.RunStatus, endedAt time.Time, metrics model.RunMetrics) (updated bool, err error)
	GetRun(ctx context.Context, runID uuid.UUID) (model.Run, error)
	CreateNodeRun(ctx context.Context, nodeRun model.NodeRun, messages []model.MessageLogEntry) error
	CreateGuardrailResult(ctx context.Context, result model.GuardrailResult) error
}

// Tracker records runs and node runs through a Store.
type Tracker struct {
	store Store
}

// New creates a Tracker.
func New(store Store) *Tracker {
	return &Tracker{store: store}
}

// BeginRun creates a run in status=running.
func (t *Tracker) BeginRun(ctx context.Context, environment string) (model.Run, error) {
	run := model.Run{
		ID:          uuid.New(),
		Environment: environment,
		Status:      model.RunStatusRunning,
		StartedAt:   time.Now().UTC(),
	}
	if err := t.store.CreateRun(ctx, run); err != nil {
		return model.Run{}, fmt.Errorf("tracker: create run: %w", err)
	}
	return run, nil
}

// GetRun loads an existing run.
func (t *Tracker) GetRun(ctx context.Context, runID uuid.UUID) (model.Run, error) {
	return t.store.GetRun(ctx, runID)
}

// NodeRunParams carries everything a step attempt produced. CallErr marks
// the step failed; Result may still be present alongside it when the
// provider answered but the output was unusable.
type NodeRunParams struct {
	Run            model.Run
	Agent          model.AgentConfig
	Binding        model.PromptBinding
	RenderedPrompt string
	Call           invoke.Call
	Inputs         json.RawMessage
	Result         *invoke.Result
	Outputs        json.RawMessage
	CallErr        error
	Latency        time.Duration
}

// RecordNodeRun creates exactly one NodeRun for an attempted step,
// regardless of outcome, plus one MessageLogEntry per transcript role
// actually present.
func (t *Tracker) RecordNodeRun(ctx context.Context, p NodeRunParams) (model.NodeRun, error) {
	now := time.Now().UTC()
	nodeRun := model.NodeRun{
		ID:              uuid.New(),
		RunID:           p.Run.ID,
		AgentID:         p.Agent.ID,
		AgentName:       p.Agent.Name,
		PromptVersionID: p.Binding.PromptVersionID,
		RenderedPrompt:  p.RenderedPrompt,
		Inputs:          p.Inputs,
		Outputs:         p.Outputs,
		LatencyMs:       p.Latency.Milliseconds(),
		Status:          model.NodeRunStatusSuccess,
		CreatedAt:       now,
	}

	if p.CallErr != nil {
		nodeRun.Status = model.NodeRunStatusError
		msg := p.CallErr.Error()
		nodeRun.Error = &msg
	}
	if p.Result != nil {
		nodeRun.TokensIn = p.Result.TokensIn
		nodeRun.TokensOut = p.Result.TokensOut
		if len(p.Result.ToolInvocations) > 0 {
			if raw, err := json.Marshal(p.Result.ToolInvocations); err == nil {
				nodeRun.ToolCalls = raw
			}
		}
	}

	messages := transcript(nodeRun, p.Call, p.Result, now)

	if err := t.store.CreateNodeRun(ctx, nodeRun, messages); err != nil {
		return model.NodeRun{}, fmt.Errorf("tracker: create node run: %w", err)
	}
	return nodeRun, nil
}

// SaveGuardrailResult persists one suite verdict for a node run.
func (t *Tracker) SaveGuardrailResult(ctx context.Context, result model.GuardrailResult) error {
	if err := t.store.CreateGuardrailResult(ctx, result); err != nil {
		return fmt.Errorf("tracker: save guardrail result: %w", err)
	}
	return nil
}

// EndRun sets the terminal status and ended_at exactly once.
func (t *Tracker) EndRun(ctx context.Context, runID uuid.UUID, status model.RunStatus, metrics model.RunMetrics) error {
	if status != model.RunStatusSuccess && status != model.RunStatusError {
		return fmt.Errorf("tracker: %q is not a terminal status", status)
	}
	updated, err := t.store.EndRun(ctx, runID, status, time.Now().UTC(), metrics)
	if err != nil {
		return fmt.Errorf("tracker: end run: %w", err)
	}
	if !updated {
		return fmt.Errorf("%w: %s", ErrRunAlreadyEnded, runID)
	}
	return nil
}

// transcript builds one MessageLogEntry per {system, user, tool} role
// present in the call and result. Assistant turns are not persisted here;
// the structured output lives on the NodeRun itself.
func transcript(nodeRun model.NodeRun, call invoke.Call, result *invoke.Result, now time.Time) []model.MessageLogEntry {
	var messages []model.MessageLogEntry
	seq := 0
	add := func(role model.MessageRole, content string) {
		messages = append(messages, model.MessageLogEntry{
			ID:        uuid.New(),
			NodeRunID: nodeRun.ID,
			Seq:       seq,
			Role:      role,
			Content:   content,
			CreatedAt: now,
		})
		seq++
	}

	for _, m := range call.Messages {
		switch model.MessageRole(m.Role) {
		case model.MessageRoleSystem, model.MessageRoleUser, model.MessageRoleTool:
			add(model.MessageRole(m.Role), m.Content)
		}
	}
	if result != nil {
		for _, inv := range result.ToolInvocations {
			add(model.MessageRoleTool, fmt.Sprintf("%s(%s)", inv.Name, string(inv.Arguments)))
		}
	}
	return messages
}
