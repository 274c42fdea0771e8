package testkit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goexp/adapters/memory"
	"goexp/app"
	"goexp/domain/core"
	"goexp/domain/experiment"
	"goexp/internal"
	"goexp/internal/rng"
)

// DefaultSeed keeps fixture randomness reproducible
const DefaultSeed = 42

// TestKit provides an engine over an in-memory store with a seeded random
// stream and a clock that advances on every read
type TestKit struct {
	Store  *memory.Store
	Engine *app.Engine
	Clock  *StepClock
	RNG    *rng.Factory
}

// NewTestKit creates a test kit with DefaultSeed
func NewTestKit() *TestKit {
	return NewTestKitWithSeed(DefaultSeed)
}

// NewTestKitWithSeed creates a test kit whose random stream starts at seed
func NewTestKitWithSeed(seed uint64) *TestKit {
	store := memory.NewStore()
	clock := NewStepClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Millisecond)
	factory := rng.NewFactory(seed)
	engine := app.NewEngine(app.EngineDeps{
		Experiments: store,
		Ledger:      store,
		Bandits:     store,
		Results:     store,
		RNG:         factory,
		Clock:       clock.Now,
		Logger:      internal.Nop(),
	})
	return &TestKit{Store: store, Engine: engine, Clock: clock, RNG: factory}
}

// ABRequest is a two-variant request with an even split
func ABRequest(name string) app.CreateExperimentRequest {
	return app.CreateExperimentRequest{
		Name:          name,
		Hypothesis:    "the treatment converts better than the control",
		PrimaryMetric: "purchase",
		Variants: []app.VariantSpec{
			{Name: "control", TrafficPercentage: 50, IsControl: true},
			{Name: "treatment", TrafficPercentage: 50, Configuration: map[string]any{"color": "green"}},
		},
	}
}

// BanditRequest is a bandit experiment with one control and arms-1 challengers
func BanditRequest(name string, arms int) app.CreateExperimentRequest {
	req := app.CreateExperimentRequest{
		Name:          name,
		PrimaryMetric: "click",
		Kind:          experiment.KindBandit,
	}
	share := 100.0 / float64(arms)
	for i := 0; i < arms; i++ {
		req.Variants = append(req.Variants, app.VariantSpec{
			Name:              fmt.Sprintf("arm-%d", i),
			TrafficPercentage: share,
			IsControl:         i == 0,
		})
	}
	return req
}

// CreateRunning creates and starts an experiment
func (k *TestKit) CreateRunning(ctx context.Context, req app.CreateExperimentRequest) (*experiment.Experiment, []experiment.Variant, error) {
	exp, err := k.Engine.CreateExperiment(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if exp, err = k.Engine.StartExperiment(ctx, exp.ID); err != nil {
		return nil, nil, err
	}
	variants, err := k.Store.ListVariants(ctx, exp.ID)
	if err != nil {
		return nil, nil, err
	}
	return exp, variants, nil
}

// SubjectsFor returns perVariant user subjects for every variant, chosen so
// that the hash assigns each of them to that variant
func SubjectsFor(experimentID core.ID, variants []experiment.Variant, perVariant int) map[core.ID][]experiment.Subject {
	out := make(map[core.ID][]experiment.Subject, len(variants))
	need := perVariant * len(variants)
	for i := 0; need > 0; i++ {
		key := fmt.Sprintf("user-%d", i)
		id, ok := experiment.HashAssign(key, experimentID, variants)
		if !ok || len(out[id]) >= perVariant {
			continue
		}
		out[id] = append(out[id], experiment.UserSubject(key))
		need--
	}
	return out
}

// StepClock returns a strictly increasing time on every read
type StepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewStepClock starts at start and advances by step per read
func NewStepClock(start time.Time, step time.Duration) *StepClock {
	return &StepClock{now: start, step: step}
}

// Now satisfies core.Clock
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}
