package storage

import (
	"context"
	"fmt"

	"github.com/kumo-ai/seiri/internal/model"
)

// ListModelCapabilities returns every capability row. Loaded once at
// startup into the registry; the table is static per deployment.
func (db *DB) ListModelCapabilities(ctx context.Context) ([]model.ModelCapability, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT family_id, api_dialect, supports_temperature, supports_seed,
		        reasoning_effort_levels, max_tokens_param_name, endpoint
		 FROM model_capabilities`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list model capabilities: %w", err)
	}
	defer rows.Close()

	var caps []model.ModelCapability
	for rows.Next() {
		var c model.ModelCapability
		var dialect string
		if err := rows.Scan(
			&c.FamilyID, &dialect, &c.SupportsTemperature, &c.SupportsSeed,
			&c.ReasoningEffortLevels, &c.MaxTokensParamName, &c.Endpoint,
		); err != nil {
			return nil, fmt.Errorf("storage: scan model capability: %w", err)
		}
		c.Dialect = model.Dialect(dialect)
		caps = append(caps, c)
	}
	return caps, rows.Err()
}
