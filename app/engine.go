// Package app holds the experimentation services and the Engine facade that
// hosts embed. All persistence, randomness and time come in through ports.
package app

import (
	"context"

	"goexp/domain/bandit"
	"goexp/domain/core"
	"goexp/domain/experiment"
	"goexp/internal"
	"goexp/ports"
)

// EngineDeps are the collaborators of an Engine
type EngineDeps struct {
	Experiments ports.ExperimentRepository
	Ledger      ports.AssignmentLedger
	Bandits     ports.BanditStore
	Results     ports.ResultRepository
	RNG         ports.RNGPort
	Clock       core.Clock
	Logger      *internal.Logger
}

// Engine is the single entry point for hosts
type Engine struct {
	Experiments *ExperimentService
	Assignments *AssignmentService
	Analysis    *AnalysisService
	Bandits     *BanditService
}

// NewEngine wires the services over deps
func NewEngine(deps EngineDeps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = internal.Nop()
	}
	lifecycle := NewExperimentService(deps.Experiments, deps.Clock, logger)
	return &Engine{
		Experiments: lifecycle,
		Assignments: NewAssignmentService(deps.Experiments, deps.Ledger, deps.Clock, logger),
		Analysis:    NewAnalysisService(deps.Experiments, deps.Ledger, deps.Results, lifecycle, deps.Clock, logger),
		Bandits:     NewBanditService(deps.Experiments, deps.Bandits, deps.RNG, logger),
	}
}

func (e *Engine) CreateExperiment(ctx context.Context, req CreateExperimentRequest) (*experiment.Experiment, error) {
	return e.Experiments.CreateExperiment(ctx, req)
}

func (e *Engine) GetExperiment(ctx context.Context, id core.ID) (*experiment.Experiment, error) {
	return e.Experiments.GetExperiment(ctx, id)
}

func (e *Engine) StartExperiment(ctx context.Context, id core.ID) (*experiment.Experiment, error) {
	return e.Experiments.StartExperiment(ctx, id)
}

func (e *Engine) PauseExperiment(ctx context.Context, id core.ID) (*experiment.Experiment, error) {
	return e.Experiments.PauseExperiment(ctx, id)
}

func (e *Engine) StopExperiment(ctx context.Context, id core.ID, winner *core.ID, reason string) (*experiment.Experiment, error) {
	return e.Experiments.StopExperiment(ctx, id, winner, reason)
}

func (e *Engine) ArchiveExperiment(ctx context.Context, id core.ID) (*experiment.Experiment, error) {
	return e.Experiments.ArchiveExperiment(ctx, id)
}

func (e *Engine) Assign(ctx context.Context, experimentID core.ID, subject experiment.Subject, assignCtx map[string]any) (*AssignmentDecision, error) {
	return e.Assignments.Assign(ctx, experimentID, subject, assignCtx)
}

// TrackConversion reports whether this call recorded a new conversion
func (e *Engine) TrackConversion(ctx context.Context, experimentID core.ID, subject experiment.Subject, detail map[string]any) (bool, error) {
	outcome, err := e.Assignments.TrackConversion(ctx, experimentID, subject, detail)
	if err != nil {
		return false, err
	}
	return outcome == ConversionRecorded, nil
}

func (e *Engine) CalculateResults(ctx context.Context, experimentID core.ID, metric string) (map[core.ID]*experiment.Result, error) {
	return e.Analysis.CalculateResults(ctx, experimentID, metric)
}

func (e *Engine) CheckAutoWinner(ctx context.Context, experimentID core.ID, minConfidence, minLift float64) (*experiment.Variant, error) {
	return e.Analysis.CheckAutoWinner(ctx, experimentID, minConfidence, minLift)
}

func (e *Engine) GetBanditRecommendation(ctx context.Context, experimentID core.ID, policy bandit.Policy) (*Recommendation, error) {
	return e.Bandits.GetRecommendation(ctx, experimentID, policy)
}

func (e *Engine) ReportBanditReward(ctx context.Context, variantID core.ID, reward float64) (*experiment.Variant, error) {
	return e.Bandits.ReportReward(ctx, variantID, reward)
}
