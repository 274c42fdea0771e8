package ports

import (
	"context"

	"goexp/domain/core"
	"goexp/domain/experiment"
)

// ExperimentRepository persists experiments and their variant definitions
type ExperimentRepository interface {
	// CreateExperiment stores a new experiment together with its variants atomically
	CreateExperiment(ctx context.Context, exp *experiment.Experiment, variants []experiment.Variant) error

	// GetExperiment returns core.ErrExperimentNotFound when id is unknown
	GetExperiment(ctx context.Context, id core.ID) (*experiment.Experiment, error)

	// TransitionExperiment persists exp only if the stored status still equals from.
	// A concurrent transition that got there first yields core.ErrInvalidStateTransition.
	TransitionExperiment(ctx context.Context, exp *experiment.Experiment, from experiment.Status) error

	// ListExperimentsByStatus returns experiments in the given status, oldest first
	ListExperimentsByStatus(ctx context.Context, status experiment.Status) ([]*experiment.Experiment, error)

	// ListVariants returns an experiment's variants ordered by position
	ListVariants(ctx context.Context, experimentID core.ID) ([]experiment.Variant, error)

	// GetVariant returns core.ErrVariantNotFound when id is unknown
	GetVariant(ctx context.Context, id core.ID) (*experiment.Variant, error)

	// DeleteExperiment removes an experiment with its variants, assignments and results
	DeleteExperiment(ctx context.Context, id core.ID) error
}
