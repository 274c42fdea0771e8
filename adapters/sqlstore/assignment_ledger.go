package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"goexp/domain/bandit"
	"goexp/domain/core"
	"goexp/domain/experiment"
	"goexp/domain/stats"
	"goexp/ports"
	apperrors "goexp/internal/errors"

	"github.com/jmoiron/sqlx"
)

const assignmentColumns = `id, experiment_id, variant_id, user_id, anonymous_id, assigned_at, context,
	first_exposure_at, converted_at, conversion_detail`

type assignmentRow struct {
	ID               string         `db:"id"`
	ExperimentID     string         `db:"experiment_id"`
	VariantID        string         `db:"variant_id"`
	UserID           sql.NullString `db:"user_id"`
	AnonymousID      sql.NullString `db:"anonymous_id"`
	AssignedAt       time.Time      `db:"assigned_at"`
	Context          sql.NullString `db:"context"`
	FirstExposureAt  *time.Time     `db:"first_exposure_at"`
	ConvertedAt      *time.Time     `db:"converted_at"`
	ConversionDetail sql.NullString `db:"conversion_detail"`
}

func (r *assignmentRow) toDomain() (*experiment.Assignment, error) {
	a := &experiment.Assignment{
		ID:           core.ID(r.ID),
		ExperimentID: core.ID(r.ExperimentID),
		VariantID:    core.ID(r.VariantID),
		Subject: experiment.Subject{
			UserID:      r.UserID.String,
			AnonymousID: r.AnonymousID.String,
		},
		AssignedAt:      utc(r.AssignedAt),
		FirstExposureAt: utcPtr(r.FirstExposureAt),
		ConvertedAt:     utcPtr(r.ConvertedAt),
	}
	if r.ConversionDetail.Valid && r.ConversionDetail.String != "" {
		a.ConversionDetail = json.RawMessage(r.ConversionDetail.String)
	}
	if err := decodeJSON(r.Context, &a.Context); err != nil {
		return nil, apperrors.Database("decode assignment context", err)
	}
	return a, nil
}

func subjectColumns(s experiment.Subject) (user, anon any) {
	if s.UserID != "" {
		return s.UserID, nil
	}
	return nil, s.AnonymousID
}

// AssignmentLedger implements ports.AssignmentLedger and ports.BanditStore
// over the assignments and variants tables
type AssignmentLedger struct {
	*Store
}

// NewAssignmentLedger creates a new SQL assignment ledger
func NewAssignmentLedger(store *Store) *AssignmentLedger {
	return &AssignmentLedger{Store: store}
}

var (
	_ ports.AssignmentLedger = (*AssignmentLedger)(nil)
	_ ports.BanditStore      = (*AssignmentLedger)(nil)
)

// GetAssignment looks the subject up through whichever unique index covers its identity
func (l *AssignmentLedger) GetAssignment(ctx context.Context, experimentID core.ID, subject experiment.Subject) (*experiment.Assignment, error) {
	column, key := "user_id", subject.UserID
	if subject.IsAnonymous() {
		column, key = "anonymous_id", subject.AnonymousID
	}

	var row assignmentRow
	err := l.db.GetContext(ctx, &row, l.q(`
		SELECT `+assignmentColumns+` FROM assignments
		WHERE experiment_id = ? AND `+column+` = ?
	`), experimentID, key)
	if isNoRows(err) {
		return nil, core.NewNotFoundError(core.ErrAssignmentNotFound, subject.Key())
	}
	if err != nil {
		return nil, apperrors.Database("get assignment", err)
	}
	return row.toDomain()
}

// errAssignmentExists rolls back an insert that lost to an existing row
var errAssignmentExists = errors.New("assignment exists")

// InsertAssignmentIfAbsent relies on the unique indexes: a losing insert is
// a no-op and the winner's row is read back. The winning insert and the
// counter bump share one transaction.
func (l *AssignmentLedger) InsertAssignmentIfAbsent(ctx context.Context, a *experiment.Assignment) (*experiment.Assignment, bool, error) {
	user, anon := subjectColumns(a.Subject)
	assignCtx, err := jsonParam(a.Context)
	if err != nil {
		return nil, false, apperrors.Database("encode assignment context", err)
	}

	err = withTx(ctx, l.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, l.q(`
			INSERT INTO assignments (id, experiment_id, variant_id, user_id, anonymous_id, assigned_at, context)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING
		`), a.ID, a.ExperimentID, a.VariantID, user, anon, a.AssignedAt, assignCtx)
		if isUniqueViolation(err) {
			return errAssignmentExists
		}
		if err != nil {
			return apperrors.Database("insert assignment", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return errAssignmentExists
		}
		return l.updateVariant(ctx, tx, "increment assignments", `
			UPDATE variants
			SET total_assignments = total_assignments + 1,
				conversion_rate = CAST(total_conversions AS DOUBLE PRECISION) / (total_assignments + 1)
			WHERE id = ?
		`, a.VariantID)
	})
	switch {
	case err == nil:
		return a, true, nil
	case !errors.Is(err, errAssignmentExists):
		return nil, false, err
	}

	stored, err := l.GetAssignment(ctx, a.ExperimentID, a.Subject)
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

// MarkConverted only succeeds for the first conversion of an assignment; the
// winning update bumps the variant's counter in the same transaction
func (l *AssignmentLedger) MarkConverted(ctx context.Context, assignmentID core.ID, at time.Time, detail json.RawMessage) (bool, error) {
	payload, err := jsonParam(detail)
	if err != nil {
		return false, apperrors.Database("encode conversion detail", err)
	}

	var won bool
	err = withTx(ctx, l.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, l.q(`
			UPDATE assignments
			SET converted_at = ?, conversion_detail = ?
			WHERE id = ? AND converted_at IS NULL
		`), at, payload, assignmentID)
		if err != nil {
			return apperrors.Database("mark converted", err)
		}
		n, err := rowsAffected(res)
		if err != nil || n == 0 {
			return err
		}

		var variantID core.ID
		if err := tx.GetContext(ctx, &variantID, l.q(`SELECT variant_id FROM assignments WHERE id = ?`), assignmentID); err != nil {
			return apperrors.Database("read assignment variant", err)
		}
		if err := l.updateVariant(ctx, tx, "increment conversions", `
			UPDATE variants
			SET total_conversions = total_conversions + 1,
				conversion_rate = CAST(total_conversions + 1 AS DOUBLE PRECISION) / NULLIF(total_assignments, 0)
			WHERE id = ?
		`, variantID); err != nil {
			return err
		}
		won = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

// MarkExposed records the first exposure only
func (l *AssignmentLedger) MarkExposed(ctx context.Context, assignmentID core.ID, at time.Time) (bool, error) {
	res, err := l.db.ExecContext(ctx, l.q(`
		UPDATE assignments SET first_exposure_at = ?
		WHERE id = ? AND first_exposure_at IS NULL
	`), at, assignmentID)
	if err != nil {
		return false, apperrors.Database("mark exposed", err)
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

// CountOutcomes aggregates the ledger rows in a single statement, so the
// snapshot is consistent without locking the experiment
func (l *AssignmentLedger) CountOutcomes(ctx context.Context, experimentID core.ID) (map[core.ID]stats.Counts, error) {
	var rows []struct {
		VariantID   string `db:"variant_id"`
		SampleSize  int64  `db:"sample_size"`
		Conversions int64  `db:"conversions"`
	}
	err := l.db.SelectContext(ctx, &rows, l.q(`
		SELECT v.id AS variant_id, COUNT(a.id) AS sample_size, COUNT(a.converted_at) AS conversions
		FROM variants v
		LEFT JOIN assignments a ON a.variant_id = v.id
		WHERE v.experiment_id = ?
		GROUP BY v.id
	`), experimentID)
	if err != nil {
		return nil, apperrors.Database("count outcomes", err)
	}

	out := make(map[core.ID]stats.Counts, len(rows))
	for _, r := range rows {
		out[core.ID(r.VariantID)] = stats.Counts{Conversions: r.Conversions, SampleSize: r.SampleSize}
	}
	return out, nil
}

// ListConversionDetails returns payloads of converted assignments grouped by variant
func (l *AssignmentLedger) ListConversionDetails(ctx context.Context, experimentID core.ID) (map[core.ID][]json.RawMessage, error) {
	var rows []struct {
		VariantID string         `db:"variant_id"`
		Detail    sql.NullString `db:"conversion_detail"`
	}
	err := l.db.SelectContext(ctx, &rows, l.q(`
		SELECT variant_id, conversion_detail FROM assignments
		WHERE experiment_id = ? AND converted_at IS NOT NULL
	`), experimentID)
	if err != nil {
		return nil, apperrors.Database("list conversion details", err)
	}

	out := make(map[core.ID][]json.RawMessage)
	for _, r := range rows {
		var detail json.RawMessage
		if r.Detail.Valid {
			detail = json.RawMessage(r.Detail.String)
		}
		out[core.ID(r.VariantID)] = append(out[core.ID(r.VariantID)], detail)
	}
	return out, nil
}

// LoadArms reads the bandit counters stored on the variants
func (l *AssignmentLedger) LoadArms(ctx context.Context, experimentID core.ID) ([]bandit.Arm, error) {
	var rows []struct {
		ID        string `db:"id"`
		Successes int64  `db:"successes"`
		Failures  int64  `db:"failures"`
		Pulls     int64  `db:"pulls"`
	}
	err := l.db.SelectContext(ctx, &rows, l.q(`
		SELECT id, successes, failures, pulls FROM variants
		WHERE experiment_id = ?
		ORDER BY position, id
	`), experimentID)
	if err != nil {
		return nil, apperrors.Database("load arms", err)
	}

	arms := make([]bandit.Arm, len(rows))
	for i, r := range rows {
		arms[i] = bandit.Arm{VariantID: core.ID(r.ID), Successes: r.Successes, Failures: r.Failures, Pulls: r.Pulls}
	}
	return arms, nil
}

func (l *AssignmentLedger) IncrementPull(ctx context.Context, variantID core.ID) error {
	return l.updateVariant(ctx, l.db, "increment pulls", `UPDATE variants SET pulls = pulls + 1 WHERE id = ?`, variantID)
}

func (l *AssignmentLedger) RecordReward(ctx context.Context, variantID core.ID, success bool) (*bandit.Arm, error) {
	stmt := `UPDATE variants SET failures = failures + 1 WHERE id = ?`
	if success {
		stmt = `UPDATE variants SET successes = successes + 1 WHERE id = ?`
	}
	if err := l.updateVariant(ctx, l.db, "record reward", stmt, variantID); err != nil {
		return nil, err
	}

	var arm struct {
		Successes int64 `db:"successes"`
		Failures  int64 `db:"failures"`
		Pulls     int64 `db:"pulls"`
	}
	err := l.db.GetContext(ctx, &arm, l.q(`SELECT successes, failures, pulls FROM variants WHERE id = ?`), variantID)
	if err != nil {
		return nil, apperrors.Database("read arm", err)
	}
	return &bandit.Arm{VariantID: variantID, Successes: arm.Successes, Failures: arm.Failures, Pulls: arm.Pulls}, nil
}

func (l *AssignmentLedger) updateVariant(ctx context.Context, ex sqlx.ExecerContext, op, stmt string, variantID core.ID) error {
	res, err := ex.ExecContext(ctx, l.q(stmt), variantID)
	if err != nil {
		return apperrors.Database(op, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return core.NewNotFoundError(core.ErrVariantNotFound, variantID.String())
	}
	return nil
}
