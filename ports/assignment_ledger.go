package ports

import (
	"context"
	"encoding/json"
	"time"

	"goexp/domain/core"
	"goexp/domain/experiment"
	"goexp/domain/stats"
)

// AssignmentLedger is the durable record of which variant each subject got.
// At most one assignment exists per (experiment, subject); implementations
// enforce this with a uniqueness constraint, never with a read-then-write.
type AssignmentLedger interface {
	// GetAssignment returns core.ErrAssignmentNotFound when the subject was never assigned
	GetAssignment(ctx context.Context, experimentID core.ID, subject experiment.Subject) (*experiment.Assignment, error)

	// InsertAssignmentIfAbsent stores a unless the subject already has an
	// assignment. It returns the stored row and whether this call created it.
	// A created row and the variant's total_assignments bump commit together
	// or not at all.
	InsertAssignmentIfAbsent(ctx context.Context, a *experiment.Assignment) (*experiment.Assignment, bool, error)

	// MarkConverted sets converted_at only if it is still unset and reports
	// whether this call won. The winning call also bumps the variant's
	// conversion counter and rate in the same atomic step.
	MarkConverted(ctx context.Context, assignmentID core.ID, at time.Time, detail json.RawMessage) (bool, error)

	// MarkExposed sets first_exposure_at only if it is still unset
	MarkExposed(ctx context.Context, assignmentID core.ID, at time.Time) (bool, error)

	// CountOutcomes aggregates assignments and conversions per variant in one read
	CountOutcomes(ctx context.Context, experimentID core.ID) (map[core.ID]stats.Counts, error)

	// ListConversionDetails returns the detail payloads of converted assignments keyed by variant
	ListConversionDetails(ctx context.Context, experimentID core.ID) (map[core.ID][]json.RawMessage, error)
}
