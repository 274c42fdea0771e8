package app

import (
	"context"
	"fmt"

	"goexp/domain/bandit"
	"goexp/domain/core"
	"goexp/domain/experiment"
	"goexp/internal"
	"goexp/internal/metrics"
	"goexp/ports"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Recommendation is the arm a bandit policy chose
type Recommendation struct {
	VariantID     core.ID          `json:"variant_id"`
	VariantName   string           `json:"variant_name"`
	Algorithm     bandit.Algorithm `json:"algorithm"`
	Confidence    float64          `json:"confidence"`
	EstimatedRate float64          `json:"estimated_rate"`
	Configuration map[string]any   `json:"configuration"`
}

// BanditService serves adaptive recommendations and collects rewards
type BanditService struct {
	experiments ports.ExperimentRepository
	store       ports.BanditStore
	rng         ports.RNGPort
	logger      *internal.Logger
}

// NewBanditService creates a bandit service
func NewBanditService(experiments ports.ExperimentRepository, store ports.BanditStore, rng ports.RNGPort, logger *internal.Logger) *BanditService {
	if logger == nil {
		logger = internal.Nop()
	}
	return &BanditService{experiments: experiments, store: store, rng: rng, logger: logger}
}

// GetRecommendation selects an arm of a running bandit experiment with policy
// and counts the pull.
func (s *BanditService) GetRecommendation(ctx context.Context, experimentID core.ID, policy bandit.Policy) (*Recommendation, error) {
	ctx, span := metrics.Tracer().Start(ctx, "bandit.recommend", trace.WithAttributes(attribute.String("experiment.id", experimentID.String())))
	defer span.End()

	if policy == nil {
		return nil, failSpan(span, core.NewValidationError("policy", "policy is required"))
	}
	span.SetAttributes(attribute.String("bandit.algorithm", string(policy.Algorithm())))

	exp, err := s.experiments.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, failSpan(span, err)
	}
	if exp.Kind != experiment.KindBandit {
		return nil, failSpan(span, core.NewValidationError("kind", fmt.Sprintf("experiment %s is %s, not %s", exp.ID, exp.Kind, experiment.KindBandit)))
	}
	if err := exp.RequireRunning(); err != nil {
		return nil, failSpan(span, err)
	}

	variants, err := s.experiments.ListVariants(ctx, experimentID)
	if err != nil {
		return nil, failSpan(span, err)
	}
	arms, err := s.store.LoadArms(ctx, experimentID)
	if err != nil {
		return nil, failSpan(span, err)
	}

	idx, err := policy.Select(arms, s.rng.Stream())
	if err != nil {
		return nil, failSpan(span, err)
	}
	arm := arms[idx]
	v := experiment.FindVariant(variants, arm.VariantID)
	if v == nil {
		return nil, failSpan(span, core.NewNotFoundError(core.ErrVariantNotFound, arm.VariantID.String()))
	}

	if err := s.store.IncrementPull(ctx, arm.VariantID); err != nil {
		s.logger.With("experiment_id", exp.ID.String()).Error("increment pull of %s: %v", arm.VariantID, err)
		return nil, failSpan(span, err)
	}
	metrics.BanditPullsTotal.WithLabelValues(string(policy.Algorithm())).Inc()

	return &Recommendation{
		VariantID:     v.ID,
		VariantName:   v.Name,
		Algorithm:     policy.Algorithm(),
		Confidence:    bandit.Confidence(arm.Pulls + 1),
		EstimatedRate: arm.Mean(),
		Configuration: v.Configuration,
	}, nil
}

// ReportReward counts a reward for the variant's arm. Rewards are binary:
// any positive value is a success, everything else a failure.
func (s *BanditService) ReportReward(ctx context.Context, variantID core.ID, reward float64) (*experiment.Variant, error) {
	ctx, span := metrics.Tracer().Start(ctx, "bandit.reward", trace.WithAttributes(attribute.String("variant.id", variantID.String())))
	defer span.End()

	v, err := s.experiments.GetVariant(ctx, variantID)
	if err != nil {
		return nil, failSpan(span, err)
	}
	exp, err := s.experiments.GetExperiment(ctx, v.ExperimentID)
	if err != nil {
		return nil, failSpan(span, err)
	}
	if err := exp.RequireRunning(); err != nil {
		return nil, failSpan(span, err)
	}

	success := reward > 0
	arm, err := s.store.RecordReward(ctx, variantID, success)
	if err != nil {
		s.logger.With("experiment_id", exp.ID.String()).Error("record reward for %s: %v", variantID, err)
		return nil, failSpan(span, err)
	}
	label := "failure"
	if success {
		label = "success"
	}
	metrics.BanditRewardsTotal.WithLabelValues(label).Inc()

	v.Successes, v.Failures, v.Pulls = arm.Successes, arm.Failures, arm.Pulls
	return v, nil
}

// Arms returns the current arm state of an experiment
func (s *BanditService) Arms(ctx context.Context, experimentID core.ID) ([]bandit.Arm, error) {
	return s.store.LoadArms(ctx, experimentID)
}

// CalculateRegret is the gap between the best arm's mean and the selected arm's mean
func (s *BanditService) CalculateRegret(arms []bandit.Arm, selected core.ID) (float64, error) {
	return bandit.Regret(arms, selected)
}

// Simulate evaluates policy offline against Bernoulli arms. The random stream
// is derived from the configured seed so runs are reproducible.
func (s *BanditService) Simulate(policy bandit.Policy, cfg bandit.SimulationConfig) (*bandit.SimulationResult, error) {
	if policy == nil {
		return nil, core.NewValidationError("policy", "policy is required")
	}
	return bandit.Simulate(policy, cfg, s.rng.Named("simulate:"+string(policy.Algorithm())))
}
