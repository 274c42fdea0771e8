// Package metrics declares the Prometheus collectors and the tracer shared
// by the application services.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Assignment results
const (
	AssignmentNew      = "new"
	AssignmentExisting = "existing"
	AssignmentRaceLost = "race_lost"
	AssignmentExcluded = "excluded"
)

var (
	// AssignmentsTotal counts Assign calls by outcome
	AssignmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goexp_assignments_total",
		Help: "Assignment requests by result",
	}, []string{"result"})

	// ConversionsTotal counts TrackConversion calls by outcome
	ConversionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goexp_conversions_total",
		Help: "Conversion tracking requests by outcome",
	}, []string{"outcome"})

	BanditPullsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goexp_bandit_pulls_total",
		Help: "Bandit recommendations served by algorithm",
	}, []string{"algorithm"})

	BanditRewardsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goexp_bandit_rewards_total",
		Help: "Bandit rewards reported, split into success and failure",
	}, []string{"reward"})

	AnalysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "goexp_analysis_duration_seconds",
		Help:    "Time to compute results for one experiment and metric",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	AutoWinnerDeclared = promauto.NewCounter(prometheus.CounterOpts{
		Name: "goexp_auto_winner_declared_total",
		Help: "Experiments completed by the auto-winner check",
	})
)

var (
	tracerOnce sync.Once
	tracer     trace.Tracer
)

// Tracer returns the application tracer. It is a no-op until the host
// installs a global provider.
func Tracer() trace.Tracer {
	tracerOnce.Do(func() {
		tracer = otel.Tracer("goexp/app")
	})
	return tracer
}
