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

const experimentColumns = `id, name, hypothesis, primary_metric, secondary_metrics, kind, status,
	traffic_allocation, min_sample_size, target_sample_size, confidence_level, statistical_power,
	minimum_detectable_effect, auto_winner_enabled, auto_winner_min_confidence, auto_winner_min_lift,
	winner_variant_id, winner_reason, winner_declared_at, started_at, ended_at, created_at, updated_at`

const variantColumns = `id, experiment_id, name, traffic_percentage, configuration, is_control, position,
	total_assignments, total_conversions, conversion_rate, successes, failures, pulls, created_at`

type experimentRow struct {
	ID                      string         `db:"id"`
	Name                    string         `db:"name"`
	Hypothesis              string         `db:"hypothesis"`
	PrimaryMetric           string         `db:"primary_metric"`
	SecondaryMetrics        sql.NullString `db:"secondary_metrics"`
	Kind                    string         `db:"kind"`
	Status                  string         `db:"status"`
	TrafficAllocation       float64        `db:"traffic_allocation"`
	MinSampleSize           int64          `db:"min_sample_size"`
	TargetSampleSize        int64          `db:"target_sample_size"`
	ConfidenceLevel         float64        `db:"confidence_level"`
	StatisticalPower        float64        `db:"statistical_power"`
	MinimumDetectableEffect float64        `db:"minimum_detectable_effect"`
	AutoWinnerEnabled       bool           `db:"auto_winner_enabled"`
	AutoWinnerMinConfidence float64        `db:"auto_winner_min_confidence"`
	AutoWinnerMinLift       float64        `db:"auto_winner_min_lift"`
	WinnerVariantID         sql.NullString `db:"winner_variant_id"`
	WinnerReason            string         `db:"winner_reason"`
	WinnerDeclaredAt        *time.Time     `db:"winner_declared_at"`
	StartedAt               *time.Time     `db:"started_at"`
	EndedAt                 *time.Time     `db:"ended_at"`
	CreatedAt               time.Time      `db:"created_at"`
	UpdatedAt               time.Time      `db:"updated_at"`
}

func (r *experimentRow) toDomain() (*experiment.Experiment, error) {
	exp := &experiment.Experiment{
		ID:                      core.ID(r.ID),
		Name:                    r.Name,
		Hypothesis:              r.Hypothesis,
		PrimaryMetric:           r.PrimaryMetric,
		Kind:                    experiment.Kind(r.Kind),
		Status:                  experiment.Status(r.Status),
		TrafficAllocation:       r.TrafficAllocation,
		MinSampleSize:           r.MinSampleSize,
		TargetSampleSize:        r.TargetSampleSize,
		ConfidenceLevel:         r.ConfidenceLevel,
		StatisticalPower:        r.StatisticalPower,
		MinimumDetectableEffect: r.MinimumDetectableEffect,
		AutoWinner: experiment.AutoWinner{
			Enabled:       r.AutoWinnerEnabled,
			MinConfidence: r.AutoWinnerMinConfidence,
			MinLift:       r.AutoWinnerMinLift,
		},
		WinnerReason:     r.WinnerReason,
		WinnerDeclaredAt: utcPtr(r.WinnerDeclaredAt),
		StartedAt:        utcPtr(r.StartedAt),
		EndedAt:          utcPtr(r.EndedAt),
		CreatedAt:        utc(r.CreatedAt),
		UpdatedAt:        utc(r.UpdatedAt),
	}
	if r.WinnerVariantID.Valid {
		exp.WinnerVariantID = core.ID(r.WinnerVariantID.String).Ptr()
	}
	if err := decodeJSON(r.SecondaryMetrics, &exp.SecondaryMetrics); err != nil {
		return nil, apperrors.Database("decode secondary metrics", err)
	}
	return exp, nil
}

type variantRow struct {
	ID                string          `db:"id"`
	ExperimentID      string          `db:"experiment_id"`
	Name              string          `db:"name"`
	TrafficPercentage float64         `db:"traffic_percentage"`
	Configuration     sql.NullString  `db:"configuration"`
	IsControl         bool            `db:"is_control"`
	Position          int             `db:"position"`
	TotalAssignments  int64           `db:"total_assignments"`
	TotalConversions  int64           `db:"total_conversions"`
	ConversionRate    sql.NullFloat64 `db:"conversion_rate"`
	Successes         int64           `db:"successes"`
	Failures          int64           `db:"failures"`
	Pulls             int64           `db:"pulls"`
	CreatedAt         time.Time       `db:"created_at"`
}

func (r *variantRow) toDomain() (experiment.Variant, error) {
	v := experiment.Variant{
		ID:                core.ID(r.ID),
		ExperimentID:      core.ID(r.ExperimentID),
		Name:              r.Name,
		TrafficPercentage: r.TrafficPercentage,
		IsControl:         r.IsControl,
		Position:          r.Position,
		TotalAssignments:  r.TotalAssignments,
		TotalConversions:  r.TotalConversions,
		Successes:         r.Successes,
		Failures:          r.Failures,
		Pulls:             r.Pulls,
		CreatedAt:         utc(r.CreatedAt),
	}
	if r.ConversionRate.Valid {
		rate := r.ConversionRate.Float64
		v.ConversionRate = &rate
	}
	if err := decodeJSON(r.Configuration, &v.Configuration); err != nil {
		return v, apperrors.Database("decode variant configuration", err)
	}
	return v, nil
}

// ExperimentRepository implements ports.ExperimentRepository
type ExperimentRepository struct {
	*Store
}

// NewExperimentRepository creates a new SQL experiment repository
func NewExperimentRepository(store *Store) *ExperimentRepository {
	return &ExperimentRepository{Store: store}
}

var _ ports.ExperimentRepository = (*ExperimentRepository)(nil)

// CreateExperiment inserts the experiment and its variants in one transaction
func (r *ExperimentRepository) CreateExperiment(ctx context.Context, exp *experiment.Experiment, variants []experiment.Variant) error {
	secondary, err := jsonParam(exp.SecondaryMetrics)
	if err != nil {
		return apperrors.Database("encode secondary metrics", err)
	}

	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, r.q(`
			INSERT INTO experiments (`+experimentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`),
			exp.ID, exp.Name, exp.Hypothesis, exp.PrimaryMetric, secondary, exp.Kind, exp.Status,
			exp.TrafficAllocation, exp.MinSampleSize, exp.TargetSampleSize, exp.ConfidenceLevel, exp.StatisticalPower,
			exp.MinimumDetectableEffect, exp.AutoWinner.Enabled, exp.AutoWinner.MinConfidence, exp.AutoWinner.MinLift,
			nullID(exp.WinnerVariantID), exp.WinnerReason, exp.WinnerDeclaredAt, exp.StartedAt, exp.EndedAt,
			exp.CreatedAt, exp.UpdatedAt,
		)
		if err != nil {
			return apperrors.Database("insert experiment", err)
		}

		for _, v := range variants {
			cfg, err := jsonParam(v.Configuration)
			if err != nil {
				return apperrors.Database("encode variant configuration", err)
			}
			_, err = tx.ExecContext(ctx, r.q(`
				INSERT INTO variants (`+variantColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`),
				v.ID, exp.ID, v.Name, v.TrafficPercentage, cfg, v.IsControl, v.Position,
				v.TotalAssignments, v.TotalConversions, v.ConversionRate, v.Successes, v.Failures, v.Pulls,
				v.CreatedAt,
			)
			if err != nil {
				return apperrors.Database("insert variant "+v.Name, err)
			}
		}
		return nil
	})
}

// GetExperiment retrieves an experiment by its ID
func (r *ExperimentRepository) GetExperiment(ctx context.Context, id core.ID) (*experiment.Experiment, error) {
	var row experimentRow
	err := r.db.GetContext(ctx, &row, r.q(`SELECT `+experimentColumns+` FROM experiments WHERE id = ?`), id)
	if isNoRows(err) {
		return nil, core.NewNotFoundError(core.ErrExperimentNotFound, id.String())
	}
	if err != nil {
		return nil, apperrors.Database("get experiment", err)
	}
	return row.toDomain()
}

// TransitionExperiment writes the lifecycle fields guarded by the expected current status
func (r *ExperimentRepository) TransitionExperiment(ctx context.Context, exp *experiment.Experiment, from experiment.Status) error {
	res, err := r.db.ExecContext(ctx, r.q(`
		UPDATE experiments
		SET status = ?, winner_variant_id = ?, winner_reason = ?, winner_declared_at = ?,
			started_at = ?, ended_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`),
		exp.Status, nullID(exp.WinnerVariantID), exp.WinnerReason, exp.WinnerDeclaredAt,
		exp.StartedAt, exp.EndedAt, exp.UpdatedAt,
		exp.ID, from,
	)
	if err != nil {
		return apperrors.Database("update experiment status", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	current, err := r.GetExperiment(ctx, exp.ID)
	if err != nil {
		return err
	}
	return core.NewTransitionError(string(current.Status), string(exp.Status))
}

// ListExperimentsByStatus returns experiments in status, oldest first
func (r *ExperimentRepository) ListExperimentsByStatus(ctx context.Context, status experiment.Status) ([]*experiment.Experiment, error) {
	var rows []experimentRow
	err := r.db.SelectContext(ctx, &rows, r.q(`
		SELECT `+experimentColumns+` FROM experiments
		WHERE status = ?
		ORDER BY created_at, id
	`), status)
	if err != nil {
		return nil, apperrors.Database("list experiments", err)
	}

	out := make([]*experiment.Experiment, 0, len(rows))
	for i := range rows {
		exp, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	return out, nil
}

// ListVariants returns the experiment's variants by position
func (r *ExperimentRepository) ListVariants(ctx context.Context, experimentID core.ID) ([]experiment.Variant, error) {
	var rows []variantRow
	err := r.db.SelectContext(ctx, &rows, r.q(`
		SELECT `+variantColumns+` FROM variants
		WHERE experiment_id = ?
		ORDER BY position, id
	`), experimentID)
	if err != nil {
		return nil, apperrors.Database("list variants", err)
	}

	out := make([]experiment.Variant, 0, len(rows))
	for i := range rows {
		v, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// GetVariant retrieves a single variant with its current counters
func (r *ExperimentRepository) GetVariant(ctx context.Context, id core.ID) (*experiment.Variant, error) {
	var row variantRow
	err := r.db.GetContext(ctx, &row, r.q(`SELECT `+variantColumns+` FROM variants WHERE id = ?`), id)
	if isNoRows(err) {
		return nil, core.NewNotFoundError(core.ErrVariantNotFound, id.String())
	}
	if err != nil {
		return nil, apperrors.Database("get variant", err)
	}
	v, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// DeleteExperiment removes dependents first so it works without cascading foreign keys
func (r *ExperimentRepository) DeleteExperiment(ctx context.Context, id core.ID) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM experiment_results WHERE experiment_id = ?`,
			`DELETE FROM assignments WHERE experiment_id = ?`,
			`DELETE FROM variants WHERE experiment_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, r.q(stmt), id); err != nil {
				return apperrors.Database("delete experiment dependents", err)
			}
		}
		res, err := tx.ExecContext(ctx, r.q(`DELETE FROM experiments WHERE id = ?`), id)
		if err != nil {
			return apperrors.Database("delete experiment", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return core.NewNotFoundError(core.ErrExperimentNotFound, id.String())
		}
		return nil
	})
}

func nullID(id *core.ID) any {
	if id == nil || id.IsEmpty() {
		return nil
	}
	return id.String()
}
