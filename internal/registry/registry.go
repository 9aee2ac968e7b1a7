// Package registry holds the static model capability table for a deployment.
//
// Capability rows are loaded once at startup and never change while the
// process runs; lookups are therefore plain map reads with no locking.
package registry

import (
	"errors"
	"fmt"

	"github.com/kumo-ai/seiri/internal/model"
)

// ErrUnknownModelFamily is returned when a family_id has no capability row.
var ErrUnknownModelFamily = errors.New("registry: unknown model family")

// Registry is a read-only lookup of model capabilities keyed by family_id.
type Registry struct {
	byFamily map[string]model.ModelCapability
}

// New builds a Registry from capability rows. Duplicate family IDs are a
// deployment error and rejected outright.
func New(caps []model.ModelCapability) (*Registry, error) {
	byFamily := make(map[string]model.ModelCapability, len(caps))
	for _, c := range caps {
		if c.FamilyID == "" {
			return nil, fmt.Errorf("registry: capability row with empty family_id")
		}
		if _, dup := byFamily[c.FamilyID]; dup {
			return nil, fmt.Errorf("registry: duplicate capability row for family %q", c.FamilyID)
		}
		byFamily[c.FamilyID] = c
	}
	return &Registry{byFamily: byFamily}, nil
}

// Resolve returns the capability row for familyID.
func (r *Registry) Resolve(familyID string) (model.ModelCapability, error) {
	cap, ok := r.byFamily[familyID]
	if !ok {
		return model.ModelCapability{}, fmt.Errorf("%w: %s", ErrUnknownModelFamily, familyID)
	}
	return cap, nil
}
