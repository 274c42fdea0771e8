package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"goexp/domain/core"
	"goexp/domain/experiment"
	"goexp/ports"
	apperrors "goexp/internal/errors"

	"github.com/jmoiron/sqlx"
)

const resultColumns = `r.id, r.experiment_id, r.variant_id, r.metric_name, r.sample_size, r.conversions,
	r.metric_value, r.absolute_lift, r.relative_lift, r.p_value, r.is_significant, r.ci_lower, r.ci_upper,
	r.effect_size, r.test_name, r.computed_at`

type resultRow struct {
	ID            string          `db:"id"`
	ExperimentID  string          `db:"experiment_id"`
	VariantID     string          `db:"variant_id"`
	MetricName    string          `db:"metric_name"`
	SampleSize    int64           `db:"sample_size"`
	Conversions   int64           `db:"conversions"`
	MetricValue   float64         `db:"metric_value"`
	AbsoluteLift  sql.NullFloat64 `db:"absolute_lift"`
	RelativeLift  sql.NullFloat64 `db:"relative_lift"`
	PValue        sql.NullFloat64 `db:"p_value"`
	IsSignificant bool            `db:"is_significant"`
	CILower       sql.NullFloat64 `db:"ci_lower"`
	CIUpper       sql.NullFloat64 `db:"ci_upper"`
	EffectSize    sql.NullFloat64 `db:"effect_size"`
	TestName      string          `db:"test_name"`
	ComputedAt    time.Time       `db:"computed_at"`
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func (r *resultRow) toDomain() *experiment.Result {
	return &experiment.Result{
		ID:            core.ID(r.ID),
		ExperimentID:  core.ID(r.ExperimentID),
		VariantID:     core.ID(r.VariantID),
		MetricName:    r.MetricName,
		SampleSize:    r.SampleSize,
		Conversions:   r.Conversions,
		MetricValue:   r.MetricValue,
		AbsoluteLift:  floatPtr(r.AbsoluteLift),
		RelativeLift:  floatPtr(r.RelativeLift),
		PValue:        floatPtr(r.PValue),
		IsSignificant: r.IsSignificant,
		CILower:       floatPtr(r.CILower),
		CIUpper:       floatPtr(r.CIUpper),
		EffectSize:    floatPtr(r.EffectSize),
		TestName:      r.TestName,
		ComputedAt:    utc(r.ComputedAt),
	}
}

// ResultRepository implements ports.ResultRepository
type ResultRepository struct {
	*Store
}

// NewResultRepository creates a new SQL result repository
func NewResultRepository(store *Store) *ResultRepository {
	return &ResultRepository{Store: store}
}

var _ ports.ResultRepository = (*ResultRepository)(nil)

// SaveResults appends one computation; earlier snapshots are kept as history
func (r *ResultRepository) SaveResults(ctx context.Context, results []*experiment.Result) error {
	if len(results) == 0 {
		return nil
	}
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		for _, res := range results {
			_, err := tx.ExecContext(ctx, r.q(`
				INSERT INTO experiment_results (id, experiment_id, variant_id, metric_name, sample_size,
					conversions, metric_value, absolute_lift, relative_lift, p_value, is_significant,
					ci_lower, ci_upper, effect_size, test_name, computed_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`),
				res.ID, res.ExperimentID, res.VariantID, res.MetricName, res.SampleSize,
				res.Conversions, res.MetricValue, res.AbsoluteLift, res.RelativeLift, res.PValue, res.IsSignificant,
				res.CILower, res.CIUpper, res.EffectSize, res.TestName, res.ComputedAt,
			)
			if err != nil {
				return apperrors.Database("insert result", err)
			}
		}
		return nil
	})
}

// LatestResults returns the newest computation for metric, one row per
// variant in position order. Runs sharing a computed_at are told apart by
// id, which is time ordered.
func (r *ResultRepository) LatestResults(ctx context.Context, experimentID core.ID, metric string) ([]*experiment.Result, error) {
	return r.selectResults(ctx, `
		SELECT `+resultColumns+`
		FROM experiment_results r
		JOIN variants v ON v.id = r.variant_id
		WHERE r.experiment_id = ? AND r.metric_name = ?
			AND r.computed_at = (
				SELECT MAX(computed_at) FROM experiment_results
				WHERE experiment_id = ? AND metric_name = ?
			)
			AND NOT EXISTS (
				SELECT 1 FROM experiment_results n
				WHERE n.variant_id = r.variant_id AND n.metric_name = r.metric_name
					AND n.computed_at = r.computed_at AND n.id > r.id
			)
		ORDER BY v.position, r.variant_id
	`, experimentID, metric, experimentID, metric)
}

// ResultHistory returns every stored computation for metric, oldest first
func (r *ResultRepository) ResultHistory(ctx context.Context, experimentID core.ID, metric string) ([]*experiment.Result, error) {
	return r.selectResults(ctx, `
		SELECT `+resultColumns+`
		FROM experiment_results r
		JOIN variants v ON v.id = r.variant_id
		WHERE r.experiment_id = ? AND r.metric_name = ?
		ORDER BY r.computed_at, v.position, r.variant_id
	`, experimentID, metric)
}

func (r *ResultRepository) selectResults(ctx context.Context, query string, args ...any) ([]*experiment.Result, error) {
	var rows []resultRow
	if err := r.db.SelectContext(ctx, &rows, r.q(query), args...); err != nil {
		return nil, apperrors.Database("select results", err)
	}
	out := make([]*experiment.Result, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}
