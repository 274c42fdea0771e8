package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"goexp/domain/core"
	"goexp/domain/experiment"
	"goexp/domain/stats"
	"goexp/internal"
	"goexp/internal/metrics"
	"goexp/ports"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Defaults applied to zero-valued CreateExperimentRequest fields
const (
	DefaultConfidenceLevel   = 0.95
	DefaultStatisticalPower  = 0.8
	DefaultMinDetectable     = 0.05
	DefaultBaselineRate      = 0.10
	DefaultTrafficAllocation = 1.0
)

// VariantSpec describes one variant of a new experiment
type VariantSpec struct {
	Name              string         `json:"name" yaml:"name" validate:"required"`
	TrafficPercentage float64        `json:"traffic_percentage" yaml:"traffic_percentage" validate:"gte=0,lte=100"`
	Configuration     map[string]any `json:"configuration" yaml:"configuration"`
	IsControl         bool           `json:"is_control" yaml:"is_control"`
}

// CreateExperimentRequest defines a new experiment and its variants
type CreateExperimentRequest struct {
	Name                    string                `json:"name" yaml:"name" validate:"required"`
	Hypothesis              string                `json:"hypothesis" yaml:"hypothesis"`
	PrimaryMetric           string                `json:"primary_metric" yaml:"primary_metric" validate:"required"`
	SecondaryMetrics        []string              `json:"secondary_metrics" yaml:"secondary_metrics" validate:"dive,required"`
	Kind                    experiment.Kind       `json:"kind" yaml:"kind"`
	TrafficAllocation       float64               `json:"traffic_allocation" yaml:"traffic_allocation" validate:"gte=0,lte=1"`
	MinSampleSize           int64                 `json:"min_sample_size" yaml:"min_sample_size" validate:"gte=0"`
	ConfidenceLevel         float64               `json:"confidence_level" yaml:"confidence_level" validate:"gte=0,lt=1"`
	StatisticalPower        float64               `json:"statistical_power" yaml:"statistical_power" validate:"gte=0,lt=1"`
	MinimumDetectableEffect float64               `json:"minimum_detectable_effect" yaml:"minimum_detectable_effect" validate:"gte=0"`
	BaselineRate            float64               `json:"baseline_rate" yaml:"baseline_rate" validate:"gte=0,lt=1"`
	AutoWinner              experiment.AutoWinner `json:"auto_winner" yaml:"auto_winner"`
	Variants                []VariantSpec         `json:"variants" yaml:"variants" validate:"required,min=2,dive"`
}

func (r *CreateExperimentRequest) applyDefaults() {
	if r.Kind == "" {
		r.Kind = experiment.KindABTest
	}
	if r.TrafficAllocation == 0 {
		r.TrafficAllocation = DefaultTrafficAllocation
	}
	if r.ConfidenceLevel == 0 {
		r.ConfidenceLevel = DefaultConfidenceLevel
	}
	if r.StatisticalPower == 0 {
		r.StatisticalPower = DefaultStatisticalPower
	}
	if r.MinimumDetectableEffect == 0 {
		r.MinimumDetectableEffect = DefaultMinDetectable
	}
	if r.BaselineRate == 0 {
		r.BaselineRate = DefaultBaselineRate
	}
	if r.AutoWinner.Enabled {
		if r.AutoWinner.MinConfidence == 0 {
			r.AutoWinner.MinConfidence = r.ConfidenceLevel
		}
	}
}

// ExperimentService owns experiment definitions and lifecycle transitions
type ExperimentService struct {
	experiments ports.ExperimentRepository
	validate    *validator.Validate
	clock       core.Clock
	logger      *internal.Logger
}

// NewExperimentService creates an experiment service
func NewExperimentService(experiments ports.ExperimentRepository, clock core.Clock, logger *internal.Logger) *ExperimentService {
	if clock == nil {
		clock = core.SystemClock
	}
	if logger == nil {
		logger = internal.Nop()
	}
	return &ExperimentService{
		experiments: experiments,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		clock:       clock,
		logger:      logger,
	}
}

// CreateExperiment validates req and stores a draft experiment with its variants.
// TargetSampleSize is the per-variant estimate for the configured effect.
func (s *ExperimentService) CreateExperiment(ctx context.Context, req CreateExperimentRequest) (*experiment.Experiment, error) {
	ctx, span := metrics.Tracer().Start(ctx, "experiment.create", trace.WithAttributes(attribute.String("experiment.name", req.Name)))
	defer span.End()

	req.applyDefaults()
	if err := s.validate.Struct(req); err != nil {
		return nil, failSpan(span, core.NewValidationError("request", err.Error()))
	}
	if !req.Kind.Valid() {
		return nil, failSpan(span, core.NewValidationError("kind", fmt.Sprintf("unknown experiment kind %q", req.Kind)))
	}
	if req.TrafficAllocation <= 0 {
		return nil, failSpan(span, core.NewValidationError("traffic_allocation", "must be within (0, 1]"))
	}

	target, err := stats.RequiredSampleSize(req.BaselineRate, req.MinimumDetectableEffect, req.StatisticalPower, 1-req.ConfidenceLevel)
	if err != nil {
		return nil, failSpan(span, err)
	}

	now := s.clock().UTC()
	exp := &experiment.Experiment{
		ID:                      core.NewID(),
		Name:                    strings.TrimSpace(req.Name),
		Hypothesis:              req.Hypothesis,
		PrimaryMetric:           req.PrimaryMetric,
		SecondaryMetrics:        req.SecondaryMetrics,
		Kind:                    req.Kind,
		Status:                  experiment.StatusDraft,
		TrafficAllocation:       req.TrafficAllocation,
		MinSampleSize:           req.MinSampleSize,
		TargetSampleSize:        target,
		ConfidenceLevel:         req.ConfidenceLevel,
		StatisticalPower:        req.StatisticalPower,
		MinimumDetectableEffect: req.MinimumDetectableEffect,
		AutoWinner:              req.AutoWinner,
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	variants := make([]experiment.Variant, len(req.Variants))
	for i, vs := range req.Variants {
		variants[i] = experiment.Variant{
			ID:                core.NewID(),
			ExperimentID:      exp.ID,
			Name:              strings.TrimSpace(vs.Name),
			TrafficPercentage: vs.TrafficPercentage,
			Configuration:     vs.Configuration,
			IsControl:         vs.IsControl,
			Position:          i,
			CreatedAt:         now,
		}
	}
	if err := experiment.ValidateVariants(variants); err != nil {
		return nil, failSpan(span, err)
	}

	if err := s.experiments.CreateExperiment(ctx, exp, variants); err != nil {
		s.logger.Error("create experiment %q: %v", exp.Name, err)
		return nil, failSpan(span, err)
	}

	span.SetAttributes(attribute.String("experiment.id", exp.ID.String()))
	s.logger.With("experiment_id", exp.ID.String()).Info("created experiment %q with %d variants, target %d per variant",
		exp.Name, len(variants), target)
	return exp, nil
}

// GetExperiment loads an experiment
func (s *ExperimentService) GetExperiment(ctx context.Context, id core.ID) (*experiment.Experiment, error) {
	return s.experiments.GetExperiment(ctx, id)
}

// ListVariants loads an experiment's variants in position order
func (s *ExperimentService) ListVariants(ctx context.Context, id core.ID) ([]experiment.Variant, error) {
	return s.experiments.ListVariants(ctx, id)
}

// ListRunning returns every running experiment
func (s *ExperimentService) ListRunning(ctx context.Context) ([]*experiment.Experiment, error) {
	return s.experiments.ListExperimentsByStatus(ctx, experiment.StatusRunning)
}

// StartExperiment starts a draft experiment or resumes a paused one
func (s *ExperimentService) StartExperiment(ctx context.Context, id core.ID) (*experiment.Experiment, error) {
	return s.transition(ctx, id, "start", func(exp *experiment.Experiment, now time.Time) error {
		if exp.Status == experiment.StatusPaused {
			return exp.Resume(now)
		}
		variants, err := s.experiments.ListVariants(ctx, id)
		if err != nil {
			return err
		}
		return exp.Start(variants, now)
	})
}

// PauseExperiment suspends new assignments
func (s *ExperimentService) PauseExperiment(ctx context.Context, id core.ID) (*experiment.Experiment, error) {
	return s.transition(ctx, id, "pause", func(exp *experiment.Experiment, now time.Time) error {
		return exp.Pause(now)
	})
}

// StopExperiment completes a running or paused experiment, optionally declaring a winner
func (s *ExperimentService) StopExperiment(ctx context.Context, id core.ID, winner *core.ID, reason string) (*experiment.Experiment, error) {
	return s.transition(ctx, id, "stop", func(exp *experiment.Experiment, now time.Time) error {
		variants, err := s.experiments.ListVariants(ctx, id)
		if err != nil {
			return err
		}
		return exp.Complete(variants, winner, reason, now)
	})
}

// ArchiveExperiment retires a completed experiment
func (s *ExperimentService) ArchiveExperiment(ctx context.Context, id core.ID) (*experiment.Experiment, error) {
	return s.transition(ctx, id, "archive", func(exp *experiment.Experiment, now time.Time) error {
		return exp.Archive(now)
	})
}

// DeleteExperiment removes an experiment that never ran or has been archived
func (s *ExperimentService) DeleteExperiment(ctx context.Context, id core.ID) error {
	exp, err := s.experiments.GetExperiment(ctx, id)
	if err != nil {
		return err
	}
	if exp.Status != experiment.StatusDraft && exp.Status != experiment.StatusArchived {
		return core.NewTransitionError(string(exp.Status), "deleted")
	}
	if err := s.experiments.DeleteExperiment(ctx, id); err != nil {
		return err
	}
	s.logger.With("experiment_id", id.String()).Info("deleted experiment %q", exp.Name)
	return nil
}

// transition applies fn to a fresh copy of the experiment and persists it only
// if no other writer moved the status in between.
func (s *ExperimentService) transition(ctx context.Context, id core.ID, op string,
	fn func(exp *experiment.Experiment, now time.Time) error) (*experiment.Experiment, error) {

	ctx, span := metrics.Tracer().Start(ctx, "experiment."+op, trace.WithAttributes(attribute.String("experiment.id", id.String())))
	defer span.End()

	exp, err := s.experiments.GetExperiment(ctx, id)
	if err != nil {
		return nil, failSpan(span, err)
	}
	from := exp.Status
	if err := fn(exp, s.clock().UTC()); err != nil {
		return nil, failSpan(span, err)
	}
	if err := s.experiments.TransitionExperiment(ctx, exp, from); err != nil {
		return nil, failSpan(span, err)
	}

	log := s.logger.With("experiment_id", id.String())
	if exp.WinnerVariantID != nil && op == "stop" {
		log.Info("experiment %s: %s -> %s, winner %s (%s)", op, from, exp.Status, *exp.WinnerVariantID, exp.WinnerReason)
	} else {
		log.Info("experiment %s: %s -> %s", op, from, exp.Status)
	}
	return exp, nil
}

func failSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
