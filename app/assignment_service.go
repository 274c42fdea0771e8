package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goexp/domain/core"
	"goexp/domain/experiment"
	"goexp/internal"
	"goexp/internal/metrics"
	"goexp/ports"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AssignmentDecision is the variant served to a subject
type AssignmentDecision struct {
	VariantID     core.ID        `json:"variant_id"`
	VariantName   string         `json:"variant_name"`
	IsControl     bool           `json:"is_control"`
	Configuration map[string]any `json:"configuration"`
	AssignmentID  core.ID        `json:"assignment_id"`
	New           bool           `json:"new"` // false when the subject already held this assignment
}

// ConversionOutcome reports what TrackConversion did
type ConversionOutcome int

const (
	NoAssignmentFound ConversionOutcome = iota
	ConversionAlreadyRecorded
	ConversionRecorded
)

func (o ConversionOutcome) String() string {
	switch o {
	case ConversionRecorded:
		return "recorded"
	case ConversionAlreadyRecorded:
		return "already_recorded"
	default:
		return "no_assignment"
	}
}

// AssignmentService maps subjects to variants and records their conversions
type AssignmentService struct {
	experiments ports.ExperimentRepository
	ledger      ports.AssignmentLedger
	clock       core.Clock
	logger      *internal.Logger
}

// NewAssignmentService creates an assignment service
func NewAssignmentService(experiments ports.ExperimentRepository, ledger ports.AssignmentLedger, clock core.Clock, logger *internal.Logger) *AssignmentService {
	if clock == nil {
		clock = core.SystemClock
	}
	if logger == nil {
		logger = internal.Nop()
	}
	return &AssignmentService{experiments: experiments, ledger: ledger, clock: clock, logger: logger}
}

// Assign returns the subject's variant, creating and counting the assignment
// on first contact. The first exposure is recorded at the same instant.
// Bandit experiments are rejected; their arms come from the bandit service.
func (s *AssignmentService) Assign(ctx context.Context, experimentID core.ID, subject experiment.Subject, assignCtx map[string]any) (*AssignmentDecision, error) {
	return s.assign(ctx, experimentID, subject, assignCtx, true)
}

// Preassign stores an assignment without marking it exposed. Hosts that
// decide ahead of render call RecordExposure once the variant is shown.
func (s *AssignmentService) Preassign(ctx context.Context, experimentID core.ID, subject experiment.Subject, assignCtx map[string]any) (*AssignmentDecision, error) {
	return s.assign(ctx, experimentID, subject, assignCtx, false)
}

func (s *AssignmentService) assign(ctx context.Context, experimentID core.ID, subject experiment.Subject,
	assignCtx map[string]any, exposed bool) (*AssignmentDecision, error) {

	ctx, span := metrics.Tracer().Start(ctx, "assignment.assign", trace.WithAttributes(attribute.String("experiment.id", experimentID.String())))
	defer span.End()

	if err := subject.Validate(); err != nil {
		return nil, failSpan(span, err)
	}

	existing, err := s.ledger.GetAssignment(ctx, experimentID, subject)
	switch {
	case err == nil:
		metrics.AssignmentsTotal.WithLabelValues(metrics.AssignmentExisting).Inc()
		return s.decision(ctx, existing, false)
	case !errors.Is(err, core.ErrAssignmentNotFound):
		return nil, failSpan(span, err)
	}

	exp, err := s.experiments.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, failSpan(span, err)
	}
	if err := exp.RequireRunning(); err != nil {
		return nil, failSpan(span, err)
	}
	if exp.Kind == experiment.KindBandit {
		return nil, failSpan(span, core.NewValidationError("kind", fmt.Sprintf("experiment %s is a bandit, use GetBanditRecommendation", exp.ID)))
	}
	if !experiment.InTraffic(subject.Key(), exp.ID, exp.TrafficAllocation) {
		metrics.AssignmentsTotal.WithLabelValues(metrics.AssignmentExcluded).Inc()
		return nil, fmt.Errorf("%w: experiment %s", core.ErrNotInExperiment, exp.ID)
	}

	variants, err := s.experiments.ListVariants(ctx, experimentID)
	if err != nil {
		return nil, failSpan(span, err)
	}
	variantID, ok := experiment.HashAssign(subject.Key(), exp.ID, variants)
	if !ok {
		return nil, failSpan(span, core.NewValidationError("variants", fmt.Sprintf("experiment %s has no variants", exp.ID)))
	}

	now := s.clock().UTC()
	a := &experiment.Assignment{
		ID:           core.NewID(),
		ExperimentID: exp.ID,
		VariantID:    variantID,
		Subject:      subject,
		AssignedAt:   now,
		Context:      assignCtx,
	}
	if exposed {
		a.FirstExposureAt = core.TimePtr(now)
	}

	stored, created, err := s.ledger.InsertAssignmentIfAbsent(ctx, a)
	if err != nil {
		s.logger.With("experiment_id", exp.ID.String()).Error("insert assignment: %v", err)
		return nil, failSpan(span, err)
	}
	if !created {
		// Another request assigned this subject first; its row stands.
		metrics.AssignmentsTotal.WithLabelValues(metrics.AssignmentRaceLost).Inc()
		s.logger.With("experiment_id", exp.ID.String()).Debug("assignment race lost for subject %s", subject.Key())
		return s.decision(ctx, stored, false)
	}

	metrics.AssignmentsTotal.WithLabelValues(metrics.AssignmentNew).Inc()

	v := experiment.FindVariant(variants, stored.VariantID)
	return &AssignmentDecision{
		VariantID:     v.ID,
		VariantName:   v.Name,
		IsControl:     v.IsControl,
		Configuration: v.Configuration,
		AssignmentID:  stored.ID,
		New:           true,
	}, nil
}

func (s *AssignmentService) decision(ctx context.Context, a *experiment.Assignment, created bool) (*AssignmentDecision, error) {
	v, err := s.experiments.GetVariant(ctx, a.VariantID)
	if err != nil {
		return nil, err
	}
	return &AssignmentDecision{
		VariantID:     v.ID,
		VariantName:   v.Name,
		IsControl:     v.IsControl,
		Configuration: v.Configuration,
		AssignmentID:  a.ID,
		New:           created,
	}, nil
}

// GetAssignment returns the stored assignment of a subject
func (s *AssignmentService) GetAssignment(ctx context.Context, experimentID core.ID, subject experiment.Subject) (*experiment.Assignment, error) {
	if err := subject.Validate(); err != nil {
		return nil, err
	}
	return s.ledger.GetAssignment(ctx, experimentID, subject)
}

// RecordExposure marks the first time the subject saw its variant. Repeated
// calls keep the original timestamp.
func (s *AssignmentService) RecordExposure(ctx context.Context, experimentID core.ID, subject experiment.Subject) (bool, error) {
	a, err := s.GetAssignment(ctx, experimentID, subject)
	if err != nil {
		return false, err
	}
	return s.ledger.MarkExposed(ctx, a.ID, s.clock().UTC())
}

// TrackConversion records the subject's first conversion. Conversions for
// subjects that were never assigned are ignored, and later conversions of an
// already converted subject are not counted.
func (s *AssignmentService) TrackConversion(ctx context.Context, experimentID core.ID, subject experiment.Subject, detail map[string]any) (ConversionOutcome, error) {
	ctx, span := metrics.Tracer().Start(ctx, "assignment.track_conversion", trace.WithAttributes(attribute.String("experiment.id", experimentID.String())))
	defer span.End()

	if err := subject.Validate(); err != nil {
		return NoAssignmentFound, failSpan(span, err)
	}

	var raw json.RawMessage
	if len(detail) > 0 {
		b, err := json.Marshal(detail)
		if err != nil {
			return NoAssignmentFound, failSpan(span, core.NewValidationError("detail", err.Error()))
		}
		raw = b
	}

	a, err := s.ledger.GetAssignment(ctx, experimentID, subject)
	if errors.Is(err, core.ErrAssignmentNotFound) {
		metrics.ConversionsTotal.WithLabelValues(NoAssignmentFound.String()).Inc()
		return NoAssignmentFound, nil
	}
	if err != nil {
		return NoAssignmentFound, failSpan(span, err)
	}
	if a.Converted() {
		metrics.ConversionsTotal.WithLabelValues(ConversionAlreadyRecorded.String()).Inc()
		return ConversionAlreadyRecorded, nil
	}

	won, err := s.ledger.MarkConverted(ctx, a.ID, s.clock().UTC(), raw)
	if err != nil {
		s.logger.With("experiment_id", experimentID.String()).Error("mark converted %s: %v", a.ID, err)
		return NoAssignmentFound, failSpan(span, err)
	}
	if !won {
		metrics.ConversionsTotal.WithLabelValues(ConversionAlreadyRecorded.String()).Inc()
		return ConversionAlreadyRecorded, nil
	}
	metrics.ConversionsTotal.WithLabelValues(ConversionRecorded.String()).Inc()
	return ConversionRecorded, nil
}
