package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kumo-ai/seiri/internal/model"
)

// CreateRun inserts a new pipeline run.
func (db *DB) CreateRun(ctx context.Context, run model.Run) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO runs (id, environment, status, started_at, metrics)
		 VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.Environment, string(run.Status), run.StartedAt, run.Metrics,
	)
	if err != nil {
		return fmt.Errorf("storage: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	var run model.Run
	var status string
	err := db.pool.QueryRow(ctx,
		`SELECT id, environment, status, started_at, ended_at, metrics
		 FROM runs WHERE id = $1`, id,
	).Scan(&run.ID, &run.Environment, &status, &run.StartedAt, &run.EndedAt, &run.Metrics)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("%w: run %s", ErrNotFound, id)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	run.Status = model.RunStatus(status)
	return run, nil
}

// EndRun sets a run's terminal status and ended_at. The UPDATE is guarded
// by status='running' so a second finalization updates nothing; the
// returned flag reports whether the run was actually finalized.
func (db *DB) EndRun(ctx context.Context, id uuid.UUID, status model.RunStatus, endedAt time.Time, metrics model.RunMetrics) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = $1, ended_at = $2, metrics = $3
		 WHERE id = $4 AND status = 'running'`,
		string(status), endedAt, metrics, id,
	)
	if err != nil {
		return false, fmt.Errorf("storage: end run: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CreateNodeRun inserts a node run and its message transcript in one
// transaction, so a recorded step always has its full transcript.
func (db *DB) CreateNodeRun(ctx context.Context, nr model.NodeRun, messages []model.MessageLogEntry) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO node_runs (id, run_id, agent_id, agent_name, prompt_version_id,
		        rendered_prompt, inputs, outputs, tool_calls, tokens_in, tokens_out,
		        latency_ms, status, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		nr.ID, nr.RunID, nr.AgentID, nr.AgentName, nr.PromptVersionID,
		nr.RenderedPrompt, nr.Inputs, nr.Outputs, nr.ToolCalls, nr.TokensIn, nr.TokensOut,
		nr.LatencyMs, string(nr.Status), nr.Error, nr.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create node run: %w", err)
	}

	for _, m := range messages {
		_, err = tx.Exec(ctx,
			`INSERT INTO message_log (id, node_run_id, seq, role, content, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			m.ID, m.NodeRunID, m.Seq, string(m.Role), m.Content, m.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("storage: create message log entry: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit node run: %w", err)
	}
	return nil
}

// ListNodeRuns returns a run's node runs in creation order.
func (db *DB) ListNodeRuns(ctx context.Context, runID uuid.UUID) ([]model.NodeRun, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, agent_id, agent_name, prompt_version_id, rendered_prompt,
		        inputs, outputs, tool_calls, tokens_in, tokens_out, latency_ms,
		        status, error, created_at
		 FROM node_runs WHERE run_id = $1 ORDER BY created_at, id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list node runs: %w", err)
	}
	defer rows.Close()

	var nodeRuns []model.NodeRun
	for rows.Next() {
		var nr model.NodeRun
		var status string
		if err := rows.Scan(
			&nr.ID, &nr.RunID, &nr.AgentID, &nr.AgentName, &nr.PromptVersionID, &nr.RenderedPrompt,
			&nr.Inputs, &nr.Outputs, &nr.ToolCalls, &nr.TokensIn, &nr.TokensOut, &nr.LatencyMs,
			&status, &nr.Error, &nr.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan node run: %w", err)
		}
		nr.Status = model.NodeRunStatus(status)
		nodeRuns = append(nodeRuns, nr)
	}
	return nodeRuns, rows.Err()
}

// CreateGuardrailResult inserts one suite verdict for a node run.
func (db *DB) CreateGuardrailResult(ctx context.Context, gr model.GuardrailResult) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO guardrail_results (id, node_run_id, suite, verdict, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		gr.ID, gr.NodeRunID, gr.Suite, string(gr.Verdict), gr.Details, gr.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create guardrail result: %w", err)
	}
	return nil
}
