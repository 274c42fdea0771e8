package migration

import (
	"context"
	"fmt"
	"strings"

	"goexp/internal/errors"

	"github.com/jmoiron/sqlx"
)

// Migrator defines the interface for database migration operations
type Migrator interface {
	Run(ctx context.Context, db *sqlx.DB) error
	Version() string
}

// MigrationRunner handles database schema migrations
type MigrationRunner struct {
	version string
}

// NewRunner creates a new migration runner
func NewRunner() *MigrationRunner {
	return &MigrationRunner{
		version: "1.0.0",
	}
}

// Version returns the migration version
func (r *MigrationRunner) Version() string {
	return r.version
}

// column types that differ between postgres and sqlite
type dialect struct {
	timestamp string
	json      string
}

func dialectFor(driverName string) dialect {
	if driverName == "postgres" || driverName == "pgx" {
		return dialect{timestamp: "TIMESTAMPTZ", json: "JSONB"}
	}
	// go-sqlite3 only parses columns declared exactly TIMESTAMP back into time.Time
	return dialect{timestamp: "TIMESTAMP", json: "TEXT"}
}

// Run executes all database migrations in the correct order
func (r *MigrationRunner) Run(ctx context.Context, db *sqlx.DB) error {
	d := dialectFor(db.DriverName())

	if err := r.createExperimentsTable(ctx, db, d); err != nil {
		return errors.Wrap(err, "failed to create experiments table")
	}

	if err := r.createVariantsTable(ctx, db, d); err != nil {
		return errors.Wrap(err, "failed to create variants table")
	}

	if err := r.createAssignmentsTable(ctx, db, d); err != nil {
		return errors.Wrap(err, "failed to create assignments table")
	}

	if err := r.createResultsTable(ctx, db, d); err != nil {
		return errors.Wrap(err, "failed to create experiment_results table")
	}

	if err := r.createIndexes(ctx, db); err != nil {
		return errors.Wrap(err, "failed to create indexes")
	}

	return nil
}

func (r *MigrationRunner) exec(ctx context.Context, db *sqlx.DB, d dialect, ddl string) error {
	ddl = strings.NewReplacer("{{timestamp}}", d.timestamp, "{{json}}", d.json).Replace(ddl)
	_, err := db.ExecContext(ctx, ddl)
	return errors.Database("migrate", err)
}

func (r *MigrationRunner) createExperimentsTable(ctx context.Context, db *sqlx.DB, d dialect) error {
	return r.exec(ctx, db, d, `
		CREATE TABLE IF NOT EXISTS experiments (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			hypothesis TEXT NOT NULL DEFAULT '',
			primary_metric TEXT NOT NULL,
			secondary_metrics {{json}},
			kind TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'draft',
			traffic_allocation DOUBLE PRECISION NOT NULL DEFAULT 1,
			min_sample_size BIGINT NOT NULL DEFAULT 0,
			target_sample_size BIGINT NOT NULL DEFAULT 0,
			confidence_level DOUBLE PRECISION NOT NULL DEFAULT 0.95,
			statistical_power DOUBLE PRECISION NOT NULL DEFAULT 0.8,
			minimum_detectable_effect DOUBLE PRECISION NOT NULL DEFAULT 0.05,
			auto_winner_enabled BOOLEAN NOT NULL DEFAULT false,
			auto_winner_min_confidence DOUBLE PRECISION NOT NULL DEFAULT 0.95,
			auto_winner_min_lift DOUBLE PRECISION NOT NULL DEFAULT 0,
			winner_variant_id TEXT,
			winner_reason TEXT NOT NULL DEFAULT '',
			winner_declared_at {{timestamp}},
			started_at {{timestamp}},
			ended_at {{timestamp}},
			created_at {{timestamp}} NOT NULL,
			updated_at {{timestamp}} NOT NULL
		)
	`)
}

func (r *MigrationRunner) createVariantsTable(ctx context.Context, db *sqlx.DB, d dialect) error {
	return r.exec(ctx, db, d, `
		CREATE TABLE IF NOT EXISTS variants (
			id TEXT PRIMARY KEY,
			experiment_id TEXT NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			traffic_percentage DOUBLE PRECISION NOT NULL,
			configuration {{json}},
			is_control BOOLEAN NOT NULL DEFAULT false,
			position INTEGER NOT NULL DEFAULT 0,
			total_assignments BIGINT NOT NULL DEFAULT 0,
			total_conversions BIGINT NOT NULL DEFAULT 0,
			conversion_rate DOUBLE PRECISION,
			successes BIGINT NOT NULL DEFAULT 0,
			failures BIGINT NOT NULL DEFAULT 0,
			pulls BIGINT NOT NULL DEFAULT 0,
			created_at {{timestamp}} NOT NULL,
			UNIQUE (experiment_id, name)
		)
	`)
}

func (r *MigrationRunner) createAssignmentsTable(ctx context.Context, db *sqlx.DB, d dialect) error {
	return r.exec(ctx, db, d, `
		CREATE TABLE IF NOT EXISTS assignments (
			id TEXT PRIMARY KEY,
			experiment_id TEXT NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
			variant_id TEXT NOT NULL REFERENCES variants(id) ON DELETE CASCADE,
			user_id TEXT,
			anonymous_id TEXT,
			assigned_at {{timestamp}} NOT NULL,
			context {{json}},
			first_exposure_at {{timestamp}},
			converted_at {{timestamp}},
			conversion_detail {{json}},
			CHECK ((user_id IS NULL) <> (anonymous_id IS NULL))
		)
	`)
}

func (r *MigrationRunner) createResultsTable(ctx context.Context, db *sqlx.DB, d dialect) error {
	return r.exec(ctx, db, d, `
		CREATE TABLE IF NOT EXISTS experiment_results (
			id TEXT PRIMARY KEY,
			experiment_id TEXT NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
			variant_id TEXT NOT NULL REFERENCES variants(id) ON DELETE CASCADE,
			metric_name TEXT NOT NULL,
			sample_size BIGINT NOT NULL,
			conversions BIGINT NOT NULL,
			metric_value DOUBLE PRECISION NOT NULL,
			absolute_lift DOUBLE PRECISION,
			relative_lift DOUBLE PRECISION,
			p_value DOUBLE PRECISION,
			is_significant BOOLEAN NOT NULL DEFAULT false,
			ci_lower DOUBLE PRECISION,
			ci_upper DOUBLE PRECISION,
			effect_size DOUBLE PRECISION,
			test_name TEXT NOT NULL,
			computed_at {{timestamp}} NOT NULL
		)
	`)
}

func (r *MigrationRunner) createIndexes(ctx context.Context, db *sqlx.DB) error {
	indexes := []string{
		// One assignment per subject; NULLs never collide, so each identity kind gets its own index
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_assignments_user ON assignments(experiment_id, user_id)",
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_assignments_anonymous ON assignments(experiment_id, anonymous_id)",
		"CREATE INDEX IF NOT EXISTS idx_assignments_variant ON assignments(variant_id)",

		"CREATE INDEX IF NOT EXISTS idx_variants_experiment ON variants(experiment_id, position)",
		"CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(status, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_results_lookup ON experiment_results(experiment_id, metric_name, computed_at)",
	}

	for _, idx := range indexes {
		if _, err := db.ExecContext(ctx, idx); err != nil {
			return errors.Database(fmt.Sprintf("create index: %s", idx), err)
		}
	}

	return nil
}
