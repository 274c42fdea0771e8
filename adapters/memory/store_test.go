package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"goexp/domain/core"
	"goexp/domain/experiment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, s *Store) (*experiment.Experiment, []experiment.Variant) {
	t.Helper()
	exp := &experiment.Experiment{ID: core.NewID(), Name: "e", PrimaryMetric: "m", Status: experiment.StatusDraft}
	variants := []experiment.Variant{
		{ID: core.NewID(), Name: "control", TrafficPercentage: 50, IsControl: true, Position: 0},
		{ID: core.NewID(), Name: "b", TrafficPercentage: 50, Position: 1},
	}
	require.NoError(t, s.CreateExperiment(context.Background(), exp, variants))
	return exp, variants
}

func TestConcurrentInsertCreatesOneRow(t *testing.T) {
	s := NewStore()
	exp, variants := seed(t, s)

	var created int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := s.InsertAssignmentIfAbsent(context.Background(), &experiment.Assignment{
				ID: core.NewID(), ExperimentID: exp.ID, VariantID: variants[i%2].ID,
				Subject: experiment.UserSubject("racer"),
			})
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&created, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), created)

	counts, err := s.CountOutcomes(context.Background(), exp.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[variants[0].ID].SampleSize+counts[variants[1].ID].SampleSize)
}

func TestCountersAndRate(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	exp, variants := seed(t, s)
	id := variants[1].ID

	assigned := make(chan core.ID, 50)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, created, err := s.InsertAssignmentIfAbsent(ctx, &experiment.Assignment{
				ID: core.NewID(), ExperimentID: exp.ID, VariantID: id,
				Subject: experiment.UserSubject(fmt.Sprintf("u-%d", i)),
			})
			assert.NoError(t, err)
			assert.True(t, created)
			assigned <- a.ID
		}(i)
	}
	wg.Wait()
	close(assigned)

	first := <-assigned
	won, err := s.MarkConverted(ctx, first, time.Now(), nil)
	require.NoError(t, err)
	require.True(t, won)
	won, err = s.MarkConverted(ctx, first, time.Now(), nil)
	require.NoError(t, err)
	require.False(t, won)

	v, err := s.GetVariant(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(50), v.TotalAssignments)
	assert.Equal(t, int64(1), v.TotalConversions)
	assert.InDelta(t, 0.02, *v.ConversionRate, 1e-12)

	// a lost insert leaves the counter alone
	_, created, err := s.InsertAssignmentIfAbsent(ctx, &experiment.Assignment{
		ID: core.NewID(), ExperimentID: exp.ID, VariantID: id, Subject: experiment.UserSubject("u-0"),
	})
	require.NoError(t, err)
	assert.False(t, created)
	v, err = s.GetVariant(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(50), v.TotalAssignments)
}

func TestPayloadsAreDetached(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	exp := &experiment.Experiment{ID: core.NewID(), Name: "e", PrimaryMetric: "m", Status: experiment.StatusDraft}
	config := map[string]any{"color": "green", "sizes": []any{"s", "m"}}
	variants := []experiment.Variant{
		{ID: core.NewID(), Name: "control", TrafficPercentage: 50, IsControl: true},
		{ID: core.NewID(), Name: "b", TrafficPercentage: 50, Position: 1, Configuration: config},
	}
	require.NoError(t, s.CreateExperiment(ctx, exp, variants))
	id := variants[1].ID

	config["color"] = "edited after create"
	got, err := s.GetVariant(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "green", got.Configuration["color"])

	got.Configuration["color"] = "edited after get"
	listed, err := s.ListVariants(ctx, exp.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "green", listed[1].Configuration["color"])

	listed[1].Configuration["color"] = "edited after list"
	again, err := s.GetVariant(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "green", again.Configuration["color"])
	assert.Equal(t, []any{"s", "m"}, again.Configuration["sizes"])

	assignCtx := map[string]any{"source": "web"}
	_, _, err = s.InsertAssignmentIfAbsent(ctx, &experiment.Assignment{
		ID: core.NewID(), ExperimentID: exp.ID, VariantID: id, Subject: experiment.UserSubject("u"), Context: assignCtx,
	})
	require.NoError(t, err)
	assignCtx["source"] = "edited"
	a, err := s.GetAssignment(ctx, exp.ID, experiment.UserSubject("u"))
	require.NoError(t, err)
	assert.Equal(t, "web", a.Context["source"])
	a.Context["source"] = "edited again"
	a, err = s.GetAssignment(ctx, exp.ID, experiment.UserSubject("u"))
	require.NoError(t, err)
	assert.Equal(t, "web", a.Context["source"])
}

func TestLatestResultsOnePerVariant(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	exp, variants := seed(t, s)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	save := func(conversions int64) {
		var batch []*experiment.Result
		for _, v := range variants {
			batch = append(batch, &experiment.Result{
				ID: core.NewID(), ExperimentID: exp.ID, VariantID: v.ID, MetricName: "m",
				SampleSize: 100, Conversions: conversions, ComputedAt: at,
			})
		}
		require.NoError(t, s.SaveResults(ctx, batch))
	}
	save(5)
	save(9)

	latest, err := s.LatestResults(ctx, exp.ID, "m")
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, variants[0].ID, latest[0].VariantID)
	assert.Equal(t, variants[1].ID, latest[1].VariantID)
	assert.Equal(t, int64(9), latest[0].Conversions)
	assert.Equal(t, int64(9), latest[1].Conversions)

	history, err := s.ResultHistory(ctx, exp.ID, "m")
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func TestTransitionGuard(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	exp, variants := seed(t, s)

	require.NoError(t, exp.Start(variants, time.Now()))
	require.NoError(t, s.TransitionExperiment(ctx, exp, experiment.StatusDraft))
	assert.ErrorIs(t, s.TransitionExperiment(ctx, exp, experiment.StatusDraft), core.ErrInvalidStateTransition)

	running, err := s.ListExperimentsByStatus(ctx, experiment.StatusRunning)
	require.NoError(t, err)
	assert.Len(t, running, 1)
}

func TestMarkConvertedOnce(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	exp, variants := seed(t, s)
	a, _, err := s.InsertAssignmentIfAbsent(ctx, &experiment.Assignment{
		ID: core.NewID(), ExperimentID: exp.ID, VariantID: variants[0].ID, Subject: experiment.AnonymousSubject("a"),
	})
	require.NoError(t, err)

	won, err := s.MarkConverted(ctx, a.ID, time.Now(), nil)
	require.NoError(t, err)
	assert.True(t, won)
	won, err = s.MarkConverted(ctx, a.ID, time.Now(), nil)
	require.NoError(t, err)
	assert.False(t, won)

	// returned copies are detached from the store
	got, err := s.GetAssignment(ctx, exp.ID, experiment.AnonymousSubject("a"))
	require.NoError(t, err)
	got.ConvertedAt = nil
	again, err := s.GetAssignment(ctx, exp.ID, experiment.AnonymousSubject("a"))
	require.NoError(t, err)
	assert.True(t, again.Converted())
}
