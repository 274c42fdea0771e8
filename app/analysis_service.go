package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"goexp/domain/core"
	"goexp/domain/experiment"
	"goexp/domain/stats"
	"goexp/internal"
	"goexp/internal/metrics"
	"goexp/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AnalysisService computes per-variant results and declares auto-winners
type AnalysisService struct {
	experiments ports.ExperimentRepository
	ledger      ports.AssignmentLedger
	results     ports.ResultRepository
	lifecycle   *ExperimentService
	clock       core.Clock
	logger      *internal.Logger
}

// NewAnalysisService creates an analysis service. Auto-winner completion goes
// through lifecycle so the same transition guard applies.
func NewAnalysisService(experiments ports.ExperimentRepository, ledger ports.AssignmentLedger, results ports.ResultRepository,
	lifecycle *ExperimentService, clock core.Clock, logger *internal.Logger) *AnalysisService {
	if clock == nil {
		clock = core.SystemClock
	}
	if logger == nil {
		logger = internal.Nop()
	}
	return &AnalysisService{
		experiments: experiments,
		ledger:      ledger,
		results:     results,
		lifecycle:   lifecycle,
		clock:       clock,
		logger:      logger,
	}
}

// CalculateResults compares every variant with the control on metric (the
// primary metric when empty), stores the snapshot and returns it keyed by
// variant id. Fields that need samples the variant does not have stay nil.
func (s *AnalysisService) CalculateResults(ctx context.Context, experimentID core.ID, metric string) (map[core.ID]*experiment.Result, error) {
	ctx, span := metrics.Tracer().Start(ctx, "analysis.calculate_results", trace.WithAttributes(attribute.String("experiment.id", experimentID.String())))
	defer span.End()
	timer := prometheus.NewTimer(metrics.AnalysisDuration)
	defer timer.ObserveDuration()

	exp, err := s.experiments.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, failSpan(span, err)
	}
	if metric == "" {
		metric = exp.PrimaryMetric
	}
	if !exp.HasMetric(metric) {
		return nil, failSpan(span, core.NewValidationError("metric", fmt.Sprintf("%q is not a metric of experiment %s", metric, exp.ID)))
	}
	span.SetAttributes(attribute.String("metric", metric))

	variants, err := s.experiments.ListVariants(ctx, experimentID)
	if err != nil {
		return nil, failSpan(span, err)
	}
	control := experiment.ControlOf(variants)
	if control == nil {
		return nil, failSpan(span, core.NewValidationError("variants", "experiment has no control variant"))
	}

	counts, err := s.countMetric(ctx, exp, metric)
	if err != nil {
		return nil, failSpan(span, err)
	}

	now := s.clock().UTC()
	controlCounts := counts[control.ID]
	out := make(map[core.ID]*experiment.Result, len(variants))
	ordered := make([]*experiment.Result, 0, len(variants))
	for _, v := range variants {
		c := counts[v.ID]
		r := &experiment.Result{
			ID:           core.NewID(),
			ExperimentID: exp.ID,
			VariantID:    v.ID,
			MetricName:   metric,
			SampleSize:   c.SampleSize,
			Conversions:  c.Conversions,
			MetricValue:  c.Rate(),
			TestName:     stats.TestChiSquare,
			ComputedAt:   now,
		}
		if v.IsControl {
			zero, zeroRel := 0.0, 0.0
			r.AbsoluteLift, r.RelativeLift = &zero, &zeroRel
		} else {
			cmp := stats.Compare(controlCounts, c, exp.ConfidenceLevel)
			r.AbsoluteLift = cmp.AbsoluteLift
			r.RelativeLift = cmp.RelativeLift
			r.PValue = cmp.PValue
			r.IsSignificant = cmp.IsSignificant
			r.CILower, r.CIUpper = cmp.CILower, cmp.CIUpper
			r.EffectSize = cmp.EffectSize
		}
		out[v.ID] = r
		ordered = append(ordered, r)
	}

	if err := s.results.SaveResults(ctx, ordered); err != nil {
		s.logger.With("experiment_id", exp.ID.String()).Error("save results for %s: %v", metric, err)
		return nil, failSpan(span, err)
	}
	return out, nil
}

// countMetric returns per-variant counts. Every assignment is a sample; a
// conversion counts for a secondary metric only when its detail names it.
func (s *AnalysisService) countMetric(ctx context.Context, exp *experiment.Experiment, metric string) (map[core.ID]stats.Counts, error) {
	counts, err := s.ledger.CountOutcomes(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	if metric == exp.PrimaryMetric {
		return counts, nil
	}

	details, err := s.ledger.ListConversionDetails(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	out := make(map[core.ID]stats.Counts, len(counts))
	for id, c := range counts {
		var n int64
		for _, d := range details[id] {
			if detailMatches(d, metric) {
				n++
			}
		}
		out[id] = stats.Counts{SampleSize: c.SampleSize, Conversions: n}
	}
	return out, nil
}

// detailMatches reports whether a conversion detail counts toward metric:
// a truthy top-level field of that name, a "metric" field equal to it, or
// membership in a "metrics" array.
func detailMatches(detail json.RawMessage, metric string) bool {
	if len(detail) == 0 || !gjson.ValidBytes(detail) {
		return false
	}
	if gjson.GetBytes(detail, escapePath(metric)).Bool() {
		return true
	}
	if gjson.GetBytes(detail, "metric").String() == metric {
		return true
	}
	for _, m := range gjson.GetBytes(detail, "metrics").Array() {
		if m.String() == metric {
			return true
		}
	}
	return false
}

var pathEscaper = strings.NewReplacer(`.`, `\.`, `*`, `\*`, `?`, `\?`, `|`, `\|`, `#`, `\#`, `@`, `\@`)

func escapePath(name string) string {
	return pathEscaper.Replace(name)
}

// CheckAutoWinner recomputes the primary metric and returns the first
// non-control variant, in position order, that is significant at
// minConfidence with a relative lift of at least minLift. When the
// experiment has auto-winner enabled and is still active it is completed
// with that variant as winner.
func (s *AnalysisService) CheckAutoWinner(ctx context.Context, experimentID core.ID, minConfidence, minLift float64) (*experiment.Variant, error) {
	winner, _, err := s.checkAutoWinner(ctx, experimentID, minConfidence, minLift)
	return winner, err
}

// checkAutoWinner also reports whether this call completed the experiment
func (s *AnalysisService) checkAutoWinner(ctx context.Context, experimentID core.ID, minConfidence, minLift float64) (*experiment.Variant, bool, error) {
	ctx, span := metrics.Tracer().Start(ctx, "analysis.check_auto_winner", trace.WithAttributes(attribute.String("experiment.id", experimentID.String())))
	defer span.End()

	exp, err := s.experiments.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, false, failSpan(span, err)
	}
	results, err := s.CalculateResults(ctx, experimentID, exp.PrimaryMetric)
	if err != nil {
		return nil, false, failSpan(span, err)
	}
	variants, err := s.experiments.ListVariants(ctx, experimentID)
	if err != nil {
		return nil, false, failSpan(span, err)
	}

	var winner *experiment.Variant
	var winning *experiment.Result
	for i := range variants {
		v := &variants[i]
		if v.IsControl {
			continue
		}
		r := results[v.ID]
		if r == nil || !r.IsSignificant || r.PValue == nil || r.RelativeLift == nil {
			continue
		}
		if *r.PValue <= 1-minConfidence && *r.RelativeLift >= minLift {
			winner, winning = v, r
			break
		}
	}
	if winner == nil {
		return nil, false, nil
	}

	log := s.logger.With("experiment_id", exp.ID.String())
	if !exp.AutoWinner.Enabled || (exp.Status != experiment.StatusRunning && exp.Status != experiment.StatusPaused) {
		log.Debug("variant %s qualifies as winner, experiment not completed (auto=%t status=%s)",
			winner.Name, exp.AutoWinner.Enabled, exp.Status)
		return winner, false, nil
	}

	reason := fmt.Sprintf("auto-winner: relative lift %.2f%% (p=%.4f) on %s", *winning.RelativeLift*100, *winning.PValue, exp.PrimaryMetric)
	if _, err := s.lifecycle.StopExperiment(ctx, exp.ID, &winner.ID, reason); err != nil {
		if core.IsStateError(err) {
			log.Warn("auto-winner %s found but experiment changed state: %v", winner.Name, err)
			return winner, false, nil
		}
		return nil, false, failSpan(span, err)
	}
	metrics.AutoWinnerDeclared.Inc()
	log.Info("declared winner %s: %s", winner.Name, reason)
	return winner, true, nil
}

// LatestResults returns the most recent stored snapshot for metric
func (s *AnalysisService) LatestResults(ctx context.Context, experimentID core.ID, metric string) ([]*experiment.Result, error) {
	metric, err := s.resolveMetric(ctx, experimentID, metric)
	if err != nil {
		return nil, err
	}
	return s.results.LatestResults(ctx, experimentID, metric)
}

// ResultHistory returns every stored snapshot for metric, oldest first
func (s *AnalysisService) ResultHistory(ctx context.Context, experimentID core.ID, metric string) ([]*experiment.Result, error) {
	metric, err := s.resolveMetric(ctx, experimentID, metric)
	if err != nil {
		return nil, err
	}
	return s.results.ResultHistory(ctx, experimentID, metric)
}

func (s *AnalysisService) resolveMetric(ctx context.Context, experimentID core.ID, metric string) (string, error) {
	if metric != "" {
		return metric, nil
	}
	exp, err := s.experiments.GetExperiment(ctx, experimentID)
	if err != nil {
		return "", err
	}
	return exp.PrimaryMetric, nil
}

// CalculateSampleSize estimates the per-variant sample size for detecting a
// relative lift of mde over baselineRate.
func (s *AnalysisService) CalculateSampleSize(baselineRate, mde, power, alpha float64) (int64, error) {
	return stats.RequiredSampleSize(baselineRate, mde, power, alpha)
}
