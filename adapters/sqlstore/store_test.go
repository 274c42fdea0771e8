package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"goexp/domain/core"
	"goexp/domain/experiment"
	"goexp/internal/migration"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store       *Store
	experiments *ExperimentRepository
	ledger      *AssignmentLedger
	results     *ResultRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := Open(ctx, "sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return fixtureFor(t, db)
}

func fixtureFor(t *testing.T, db *sqlx.DB) *fixture {
	t.Helper()
	require.NoError(t, migration.NewRunner().Run(context.Background(), db))

	store := New(db)
	return &fixture{
		store:       store,
		experiments: NewExperimentRepository(store),
		ledger:      NewAssignmentLedger(store),
		results:     NewResultRepository(store),
	}
}

func (f *fixture) seedExperiment(t *testing.T) (*experiment.Experiment, []experiment.Variant) {
	t.Helper()
	exp := &experiment.Experiment{
		ID:                core.NewID(),
		Name:              "checkout button",
		PrimaryMetric:     "purchase",
		SecondaryMetrics:  []string{"add_to_cart"},
		Kind:              experiment.KindABTest,
		Status:            experiment.StatusDraft,
		TrafficAllocation: 1,
		ConfidenceLevel:   0.95,
		StatisticalPower:  0.8,
		AutoWinner:        experiment.AutoWinner{Enabled: true, MinConfidence: 0.95, MinLift: 0.05},
		CreatedAt:         testNow,
		UpdatedAt:         testNow,
	}
	variants := []experiment.Variant{
		{ID: core.NewID(), ExperimentID: exp.ID, Name: "control", TrafficPercentage: 50, IsControl: true, Position: 0, CreatedAt: testNow},
		{ID: core.NewID(), ExperimentID: exp.ID, Name: "green", TrafficPercentage: 50, Position: 1,
			Configuration: map[string]any{"color": "green"}, CreatedAt: testNow},
	}
	require.NoError(t, f.experiments.CreateExperiment(context.Background(), exp, variants))
	return exp, variants
}

func TestExperimentRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp, variants := f.seedExperiment(t)

	got, err := f.experiments.GetExperiment(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, exp, got)

	stored, err := f.experiments.ListVariants(ctx, exp.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "control", stored[0].Name)
	assert.Equal(t, "green", stored[1].Configuration["color"])
	assert.Nil(t, stored[0].ConversionRate)

	v, err := f.experiments.GetVariant(ctx, variants[1].ID)
	require.NoError(t, err)
	assert.Equal(t, exp.ID, v.ExperimentID)

	_, err = f.experiments.GetExperiment(ctx, "missing")
	assert.True(t, core.IsNotFoundError(err))
	_, err = f.experiments.GetVariant(ctx, "missing")
	assert.True(t, core.IsNotFoundError(err))
}

func TestTransitionExperimentIsCompareAndSet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp, variants := f.seedExperiment(t)

	require.NoError(t, exp.Start(variants, testNow))
	require.NoError(t, f.experiments.TransitionExperiment(ctx, exp, experiment.StatusDraft))

	// a second writer still believing the experiment is a draft loses
	stale := *exp
	stale.Status = experiment.StatusRunning
	err := f.experiments.TransitionExperiment(ctx, &stale, experiment.StatusDraft)
	assert.ErrorIs(t, err, core.ErrInvalidStateTransition)

	winner := variants[1].ID
	require.NoError(t, exp.Complete(variants, &winner, "manual", testNow.Add(time.Hour)))
	require.NoError(t, f.experiments.TransitionExperiment(ctx, exp, experiment.StatusRunning))

	got, err := f.experiments.GetExperiment(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, experiment.StatusCompleted, got.Status)
	require.NotNil(t, got.WinnerVariantID)
	assert.Equal(t, winner, *got.WinnerVariantID)
	assert.Equal(t, testNow.Add(time.Hour), *got.EndedAt)

	completed, err := f.experiments.ListExperimentsByStatus(ctx, experiment.StatusCompleted)
	require.NoError(t, err)
	assert.Len(t, completed, 1)
}

func TestInsertAssignmentIfAbsent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp, variants := f.seedExperiment(t)

	first := &experiment.Assignment{
		ID: core.NewID(), ExperimentID: exp.ID, VariantID: variants[0].ID,
		Subject: experiment.UserSubject("user-1"), AssignedAt: testNow,
		Context: map[string]any{"country": "DE"},
	}
	stored, created, err := f.ledger.InsertAssignmentIfAbsent(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, first.ID, stored.ID)

	second := *first
	second.ID = core.NewID()
	second.VariantID = variants[1].ID
	stored, created, err = f.ledger.InsertAssignmentIfAbsent(ctx, &second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, stored.ID)
	assert.Equal(t, variants[0].ID, stored.VariantID)
	assert.Equal(t, "DE", stored.Context["country"])

	// same key as an anonymous id is a different subject
	anon := &experiment.Assignment{
		ID: core.NewID(), ExperimentID: exp.ID, VariantID: variants[1].ID,
		Subject: experiment.AnonymousSubject("user-1"), AssignedAt: testNow,
	}
	_, created, err = f.ledger.InsertAssignmentIfAbsent(ctx, anon)
	require.NoError(t, err)
	assert.True(t, created)

	_, err = f.ledger.GetAssignment(ctx, exp.ID, experiment.UserSubject("nobody"))
	assert.ErrorIs(t, err, core.ErrAssignmentNotFound)
}

func TestConcurrentInsertCreatesOneRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp, variants := f.seedExperiment(t)

	var created int32
	var wg sync.WaitGroup
	ids := make(chan core.ID, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := &experiment.Assignment{
				ID: core.NewID(), ExperimentID: exp.ID, VariantID: variants[i%2].ID,
				Subject: experiment.UserSubject("racer"), AssignedAt: testNow,
			}
			stored, ok, err := f.ledger.InsertAssignmentIfAbsent(ctx, a)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&created, 1)
			}
			if stored != nil {
				ids <- stored.ID
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	assert.Equal(t, int32(1), created)
	var first core.ID
	for id := range ids {
		if first == "" {
			first = id
		}
		assert.Equal(t, first, id)
	}
}

func TestCountersUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp, variants := f.seedExperiment(t)
	id := variants[0].ID

	assigned := make(chan core.ID, 50)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := &experiment.Assignment{
				ID: core.NewID(), ExperimentID: exp.ID, VariantID: id,
				Subject: experiment.UserSubject(fmt.Sprintf("c-%d", i)), AssignedAt: testNow,
			}
			_, created, err := f.ledger.InsertAssignmentIfAbsent(ctx, a)
			assert.NoError(t, err)
			assert.True(t, created)
			assigned <- a.ID
		}(i)
	}
	wg.Wait()
	close(assigned)

	converted := 0
	for aid := range assigned {
		if converted == 10 {
			break
		}
		won, err := f.ledger.MarkConverted(ctx, aid, testNow, nil)
		require.NoError(t, err)
		require.True(t, won)
		converted++
	}

	v, err := f.experiments.GetVariant(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(50), v.TotalAssignments)
	assert.Equal(t, int64(10), v.TotalConversions)
	require.NotNil(t, v.ConversionRate)
	assert.InDelta(t, 0.2, *v.ConversionRate, 1e-12)
}

func TestLedgerWritesRollBackWithCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp, variants := f.seedExperiment(t)
	db := f.store.DB()

	// make the variant counter update fail inside the ledger transaction
	_, err := db.ExecContext(ctx, `
		CREATE TRIGGER fail_assignment_counter BEFORE UPDATE OF total_assignments ON variants
		BEGIN SELECT RAISE(ABORT, 'counter unavailable'); END`)
	require.NoError(t, err)

	a := &experiment.Assignment{
		ID: core.NewID(), ExperimentID: exp.ID, VariantID: variants[1].ID,
		Subject: experiment.UserSubject("retry"), AssignedAt: testNow,
	}
	_, _, err = f.ledger.InsertAssignmentIfAbsent(ctx, a)
	require.Error(t, err)
	_, err = f.ledger.GetAssignment(ctx, exp.ID, a.Subject)
	assert.ErrorIs(t, err, core.ErrAssignmentNotFound)

	_, err = db.ExecContext(ctx, `DROP TRIGGER fail_assignment_counter`)
	require.NoError(t, err)
	_, created, err := f.ledger.InsertAssignmentIfAbsent(ctx, a)
	require.NoError(t, err)
	assert.True(t, created)

	_, err = db.ExecContext(ctx, `
		CREATE TRIGGER fail_conversion_counter BEFORE UPDATE OF total_conversions ON variants
		BEGIN SELECT RAISE(ABORT, 'counter unavailable'); END`)
	require.NoError(t, err)
	_, err = f.ledger.MarkConverted(ctx, a.ID, testNow, nil)
	require.Error(t, err)
	stored, err := f.ledger.GetAssignment(ctx, exp.ID, a.Subject)
	require.NoError(t, err)
	assert.False(t, stored.Converted())

	_, err = db.ExecContext(ctx, `DROP TRIGGER fail_conversion_counter`)
	require.NoError(t, err)
	won, err := f.ledger.MarkConverted(ctx, a.ID, testNow, nil)
	require.NoError(t, err)
	assert.True(t, won)

	v, err := f.experiments.GetVariant(ctx, variants[1].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.TotalAssignments)
	assert.Equal(t, int64(1), v.TotalConversions)
}

func TestInsertAssignmentForMissingVariant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp, _ := f.seedExperiment(t)

	_, _, err := f.ledger.InsertAssignmentIfAbsent(ctx, &experiment.Assignment{
		ID: core.NewID(), ExperimentID: exp.ID, VariantID: "missing",
		Subject: experiment.UserSubject("orphan"), AssignedAt: testNow,
	})
	require.Error(t, err)
	_, err = f.ledger.GetAssignment(ctx, exp.ID, experiment.UserSubject("orphan"))
	assert.ErrorIs(t, err, core.ErrAssignmentNotFound)
}

func TestMarkConvertedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp, variants := f.seedExperiment(t)

	a := &experiment.Assignment{
		ID: core.NewID(), ExperimentID: exp.ID, VariantID: variants[1].ID,
		Subject: experiment.UserSubject("u"), AssignedAt: testNow,
	}
	_, _, err := f.ledger.InsertAssignmentIfAbsent(ctx, a)
	require.NoError(t, err)

	won, err := f.ledger.MarkConverted(ctx, a.ID, testNow.Add(time.Minute), json.RawMessage(`{"add_to_cart":true}`))
	require.NoError(t, err)
	assert.True(t, won)

	won, err = f.ledger.MarkConverted(ctx, a.ID, testNow.Add(2*time.Minute), nil)
	require.NoError(t, err)
	assert.False(t, won)

	exposed, err := f.ledger.MarkExposed(ctx, a.ID, testNow)
	require.NoError(t, err)
	assert.True(t, exposed)
	exposed, err = f.ledger.MarkExposed(ctx, a.ID, testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, exposed)

	stored, err := f.ledger.GetAssignment(ctx, exp.ID, a.Subject)
	require.NoError(t, err)
	require.True(t, stored.Converted())
	assert.Equal(t, testNow.Add(time.Minute), *stored.ConvertedAt)
	assert.Equal(t, testNow, *stored.FirstExposureAt)
	assert.JSONEq(t, `{"add_to_cart":true}`, string(stored.ConversionDetail))
}

func TestCountOutcomesAndDetails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp, variants := f.seedExperiment(t)

	for i := 0; i < 10; i++ {
		v := variants[i%2]
		a := &experiment.Assignment{
			ID: core.NewID(), ExperimentID: exp.ID, VariantID: v.ID,
			Subject: experiment.UserSubject(fmt.Sprintf("u-%d", i)), AssignedAt: testNow,
		}
		_, _, err := f.ledger.InsertAssignmentIfAbsent(ctx, a)
		require.NoError(t, err)
		if i < 3 {
			_, err := f.ledger.MarkConverted(ctx, a.ID, testNow, json.RawMessage(`{"metric":"add_to_cart"}`))
			require.NoError(t, err)
		}
	}

	counts, err := f.ledger.CountOutcomes(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), counts[variants[0].ID].SampleSize)
	assert.Equal(t, int64(2), counts[variants[0].ID].Conversions)
	assert.Equal(t, int64(1), counts[variants[1].ID].Conversions)

	details, err := f.ledger.ListConversionDetails(ctx, exp.ID)
	require.NoError(t, err)
	assert.Len(t, details[variants[0].ID], 2)
	assert.Len(t, details[variants[1].ID], 1)
}

func TestBanditCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp, variants := f.seedExperiment(t)

	require.NoError(t, f.ledger.IncrementPull(ctx, variants[1].ID))
	require.NoError(t, f.ledger.IncrementPull(ctx, variants[1].ID))
	arm, err := f.ledger.RecordReward(ctx, variants[1].ID, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), arm.Successes)
	assert.Equal(t, int64(2), arm.Pulls)

	_, err = f.ledger.RecordReward(ctx, variants[1].ID, false)
	require.NoError(t, err)

	arms, err := f.ledger.LoadArms(ctx, exp.ID)
	require.NoError(t, err)
	require.Len(t, arms, 2)
	assert.Equal(t, variants[0].ID, arms[0].VariantID)
	assert.Equal(t, int64(1), arms[1].Failures)
}

func TestResultsLatestAndHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp, variants := f.seedExperiment(t)

	lift := 0.5
	batch := func(at time.Time, conversions int64) []*experiment.Result {
		out := make([]*experiment.Result, 0, len(variants))
		for _, v := range variants {
			r := &experiment.Result{
				ID: core.NewID(), ExperimentID: exp.ID, VariantID: v.ID, MetricName: "purchase",
				SampleSize: 100, Conversions: conversions, MetricValue: float64(conversions) / 100,
				TestName: "chi_square_2x2", ComputedAt: at,
			}
			if !v.IsControl {
				r.RelativeLift = &lift
			}
			out = append(out, r)
		}
		return out
	}
	require.NoError(t, f.results.SaveResults(ctx, batch(testNow, 5)))
	require.NoError(t, f.results.SaveResults(ctx, batch(testNow.Add(time.Hour), 9)))

	latest, err := f.results.LatestResults(ctx, exp.ID, "purchase")
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, variants[0].ID, latest[0].VariantID)
	assert.Equal(t, int64(9), latest[0].Conversions)
	assert.Nil(t, latest[0].RelativeLift)
	require.NotNil(t, latest[1].RelativeLift)
	assert.Equal(t, 0.5, *latest[1].RelativeLift)

	history, err := f.results.ResultHistory(ctx, exp.ID, "purchase")
	require.NoError(t, err)
	assert.Len(t, history, 4)

	// a second run stored under the same timestamp replaces the first
	require.NoError(t, f.results.SaveResults(ctx, batch(testNow.Add(time.Hour), 12)))
	latest, err = f.results.LatestResults(ctx, exp.ID, "purchase")
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, variants[0].ID, latest[0].VariantID)
	assert.Equal(t, variants[1].ID, latest[1].VariantID)
	assert.Equal(t, int64(12), latest[0].Conversions)
	assert.Equal(t, int64(12), latest[1].Conversions)

	none, err := f.results.LatestResults(ctx, exp.ID, "other")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDeleteExperiment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp, variants := f.seedExperiment(t)
	_, _, err := f.ledger.InsertAssignmentIfAbsent(ctx, &experiment.Assignment{
		ID: core.NewID(), ExperimentID: exp.ID, VariantID: variants[0].ID,
		Subject: experiment.UserSubject("u"), AssignedAt: testNow,
	})
	require.NoError(t, err)

	require.NoError(t, f.experiments.DeleteExperiment(ctx, exp.ID))
	_, err = f.experiments.GetExperiment(ctx, exp.ID)
	assert.True(t, core.IsNotFoundError(err))
	assert.True(t, core.IsNotFoundError(f.experiments.DeleteExperiment(ctx, exp.ID)))
}
