package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kumo-ai/seiri/internal/model"
)

// GetAgentConfigByName retrieves an agent configuration by its unique name.
func (db *DB) GetAgentConfigByName(ctx context.Context, name string) (model.AgentConfig, error) {
	var a model.AgentConfig
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, preferred_model_family, fallback_model_family,
		        reasoning_effort, tool_schema, created_at
		 FROM agent_configs WHERE name = $1`, name,
	).Scan(
		&a.ID, &a.Name, &a.PreferredModelFamily, &a.FallbackModelFamily,
		&a.ReasoningEffort, &a.ToolSchema, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentConfig{}, fmt.Errorf("%w: agent config %q", ErrNotFound, name)
		}
		return model.AgentConfig{}, fmt.Errorf("storage: get agent config: %w", err)
	}
	return a, nil
}

// ListBindings returns all prompt bindings for (agent, environment),
// regardless of effectivity window. Window filtering and tie-break belong
// to the binding resolver.
func (db *DB) ListBindings(ctx context.Context, agentID uuid.UUID, environment string) ([]model.PromptBinding, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, environment, prompt_version_id,
		        effective_from, effective_to, traffic_weight
		 FROM prompt_bindings WHERE agent_id = $1 AND environment = $2`,
		agentID, environment,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list bindings: %w", err)
	}
	defer rows.Close()

	var bindings []model.PromptBinding
	for rows.Next() {
		var b model.PromptBinding
		if err := rows.Scan(
			&b.ID, &b.AgentID, &b.Environment, &b.PromptVersionID,
			&b.EffectiveFrom, &b.EffectiveTo, &b.TrafficWeight,
		); err != nil {
			return nil, fmt.Errorf("storage: scan binding: %w", err)
		}
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}

// GetPromptVersion retrieves one immutable prompt revision.
func (db *DB) GetPromptVersion(ctx context.Context, id uuid.UUID) (model.PromptVersion, error) {
	var p model.PromptVersion
	err := db.pool.QueryRow(ctx,
		`SELECT id, agent_id, version, template, created_at
		 FROM prompt_versions WHERE id = $1`, id,
	).Scan(&p.ID, &p.AgentID, &p.Version, &p.Template, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PromptVersion{}, fmt.Errorf("%w: prompt version %s", ErrNotFound, id)
		}
		return model.PromptVersion{}, fmt.Errorf("storage: get prompt version: %w", err)
	}
	return p, nil
}

// GetCallerByCallerID retrieves a caller identity for authentication.
func (db *DB) GetCallerByCallerID(ctx context.Context, callerID string) (model.Caller, error) {
	var c model.Caller
	err := db.pool.QueryRow(ctx,
		`SELECT id, caller_id, name, api_key_hash, created_at
		 FROM callers WHERE caller_id = $1`, callerID,
	).Scan(&c.ID, &c.CallerID, &c.Name, &c.APIKeyHash, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Caller{}, fmt.Errorf("%w: caller %q", ErrNotFound, callerID)
		}
		return model.Caller{}, fmt.Errorf("storage: get caller: %w", err)
	}
	return c, nil
}

// CreateCaller inserts a caller identity. Used by operator tooling and
// tests; the pipeline never writes callers.
func (db *DB) CreateCaller(ctx context.Context, c model.Caller) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO callers (id, caller_id, name, api_key_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.CallerID, c.Name, c.APIKeyHash, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create caller: %w", err)
	}
	return nil
}
