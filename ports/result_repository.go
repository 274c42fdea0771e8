package ports

import (
	"context"

	"goexp/domain/core"
	"goexp/domain/experiment"
)

// ResultRepository stores analysis snapshots. Each SaveResults call appends a
// new computation; readers usually want the latest one.
type ResultRepository interface {
	SaveResults(ctx context.Context, results []*experiment.Result) error

	// LatestResults returns the most recent result per variant for metric
	LatestResults(ctx context.Context, experimentID core.ID, metric string) ([]*experiment.Result, error)

	// ResultHistory returns every stored result for metric, oldest first
	ResultHistory(ctx context.Context, experimentID core.ID, metric string) ([]*experiment.Result, error)
}
