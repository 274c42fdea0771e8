package testkit

import (
	"context"
	"errors"
	"fmt"

	"goexp/app"
	"goexp/domain/bandit"
	"goexp/domain/core"
	"goexp/domain/experiment"
)

// TrafficConfig configures synthetic visitor traffic against a running experiment
type TrafficConfig struct {
	Visitors int `json:"visitors"`

	// TrueRates maps variant name to the probability that an assigned visitor converts
	TrueRates map[string]float64 `json:"true_rates"`

	// AddToCartRate is the share of converters whose detail also carries
	// add_to_cart, for exercising a secondary metric
	AddToCartRate float64 `json:"add_to_cart_rate"`
	KeyPrefix     string  `json:"key_prefix"`
}

// TrafficSummary counts what a generator run did
type TrafficSummary struct {
	Assigned  map[string]int `json:"assigned"`
	Converted map[string]int `json:"converted"`
	Excluded  int            `json:"excluded"`
	Existing  int            `json:"existing"`
}

// Assigner is the part of the engine the generator drives
type Assigner interface {
	Assign(ctx context.Context, experimentID core.ID, subject experiment.Subject, assignCtx map[string]any) (*app.AssignmentDecision, error)
	TrackConversion(ctx context.Context, experimentID core.ID, subject experiment.Subject, detail map[string]any) (bool, error)
}

// TrafficGenerator simulates visitors arriving, being assigned and converting
type TrafficGenerator struct {
	config TrafficConfig
	rng    bandit.Source
}

// NewTrafficGenerator creates a generator drawing conversions from src
func NewTrafficGenerator(config TrafficConfig, src bandit.Source) *TrafficGenerator {
	if config.KeyPrefix == "" {
		config.KeyPrefix = "visitor"
	}
	return &TrafficGenerator{config: config, rng: src}
}

// Run sends config.Visitors visitors through the engine
func (g *TrafficGenerator) Run(ctx context.Context, engine Assigner, experimentID core.ID) (*TrafficSummary, error) {
	summary := &TrafficSummary{Assigned: map[string]int{}, Converted: map[string]int{}}

	for i := 0; i < g.config.Visitors; i++ {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		subject := experiment.UserSubject(fmt.Sprintf("%s-%d", g.config.KeyPrefix, i))
		decision, err := engine.Assign(ctx, experimentID, subject, map[string]any{"source": "synthetic"})
		if errors.Is(err, core.ErrNotInExperiment) {
			summary.Excluded++
			continue
		}
		if err != nil {
			return summary, fmt.Errorf("assign %s: %w", subject.Key(), err)
		}
		if !decision.New {
			summary.Existing++
		}
		summary.Assigned[decision.VariantName]++

		if g.rng.Float64() >= g.config.TrueRates[decision.VariantName] {
			continue
		}
		detail := map[string]any{"revenue": 10 + 90*g.rng.Float64()}
		if g.rng.Float64() < g.config.AddToCartRate {
			detail["add_to_cart"] = true
		}
		recorded, err := engine.TrackConversion(ctx, experimentID, subject, detail)
		if err != nil {
			return summary, fmt.Errorf("convert %s: %w", subject.Key(), err)
		}
		if recorded {
			summary.Converted[decision.VariantName]++
		}
	}
	return summary, nil
}
