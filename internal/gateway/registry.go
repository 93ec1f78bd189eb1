package gateway

import (
	"context"
	"errors"

	"scanflow/internal/domain"
)

// StaticRegistry resolves modules from a fixed table.
type StaticRegistry map[string]domain.ModuleRef

func (r StaticRegistry) Resolve(_ context.Context, moduleID string) (domain.ModuleRef, error) {
	ref, ok := r[moduleID]
	if !ok {
		return domain.ModuleRef{}, domain.NotFoundf("module %s not found", moduleID)
	}
	if ref.ID == "" {
		ref.ID = moduleID
	}
	return ref, nil
}

// Registries asks each registry in turn. The first one that knows the
// module wins; any error other than NotFound stops the search.
type Registries []Registry

func (rs Registries) Resolve(ctx context.Context, moduleID string) (domain.ModuleRef, error) {
	for _, r := range rs {
		ref, err := r.Resolve(ctx, moduleID)
		if err == nil {
			return ref, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.ModuleRef{}, err
		}
	}
	return domain.ModuleRef{}, domain.NotFoundf("module %s not found", moduleID)
}
