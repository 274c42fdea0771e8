package app_test

import (
	"context"
	"testing"

	"goexp/app"
	"goexp/domain/core"
	"goexp/domain/experiment"
	"goexp/domain/stats"
	"goexp/internal/testkit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateExperimentDefaults(t *testing.T) {
	ctx := context.Background()
	kit := testkit.NewTestKit()

	exp, err := kit.Engine.CreateExperiment(ctx, testkit.ABRequest("defaults"))
	require.NoError(t, err)
	assert.Equal(t, experiment.StatusDraft, exp.Status)
	assert.Equal(t, experiment.KindABTest, exp.Kind)
	assert.Equal(t, app.DefaultConfidenceLevel, exp.ConfidenceLevel)
	assert.Equal(t, app.DefaultStatisticalPower, exp.StatisticalPower)
	assert.Equal(t, app.DefaultTrafficAllocation, exp.TrafficAllocation)

	want, err := stats.RequiredSampleSize(app.DefaultBaselineRate, app.DefaultMinDetectable, app.DefaultStatisticalPower, 1-app.DefaultConfidenceLevel)
	require.NoError(t, err)
	assert.Equal(t, want, exp.TargetSampleSize)

	variants, err := kit.Store.ListVariants(ctx, exp.ID)
	require.NoError(t, err)
	require.Len(t, variants, 2)
	assert.Equal(t, "control", variants[0].Name)
	assert.True(t, variants[0].IsControl)
	assert.Equal(t, 1, variants[1].Position)
	assert.Equal(t, "green", variants[1].Configuration["color"])
}

func TestCreateExperimentValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *app.CreateExperimentRequest)
	}{
		{"missing name", func(r *app.CreateExperimentRequest) { r.Name = "" }},
		{"missing metric", func(r *app.CreateExperimentRequest) { r.PrimaryMetric = "" }},
		{"single variant", func(r *app.CreateExperimentRequest) { r.Variants = r.Variants[:1] }},
		{"no control", func(r *app.CreateExperimentRequest) { r.Variants[0].IsControl = false }},
		{"two controls", func(r *app.CreateExperimentRequest) { r.Variants[1].IsControl = true }},
		{"traffic sum", func(r *app.CreateExperimentRequest) { r.Variants[1].TrafficPercentage = 40 }},
		{"negative traffic", func(r *app.CreateExperimentRequest) { r.Variants[0].TrafficPercentage = -10 }},
		{"duplicate names", func(r *app.CreateExperimentRequest) { r.Variants[1].Name = "control" }},
		{"allocation above one", func(r *app.CreateExperimentRequest) { r.TrafficAllocation = 50 }},
		{"unknown kind", func(r *app.CreateExperimentRequest) { r.Kind = "holdout" }},
		{"confidence of one", func(r *app.CreateExperimentRequest) { r.ConfidenceLevel = 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kit := testkit.NewTestKit()
			req := testkit.ABRequest("invalid")
			tt.mutate(&req)
			_, err := kit.Engine.CreateExperiment(context.Background(), req)
			assert.ErrorIs(t, err, core.ErrValidation)
		})
	}
}

func TestLifecycleTransitions(t *testing.T) {
	ctx := context.Background()
	kit := testkit.NewTestKit()
	exp, err := kit.Engine.CreateExperiment(ctx, testkit.ABRequest("lifecycle"))
	require.NoError(t, err)

	_, err = kit.Engine.PauseExperiment(ctx, exp.ID)
	assert.ErrorIs(t, err, core.ErrInvalidStateTransition)
	_, err = kit.Engine.ArchiveExperiment(ctx, exp.ID)
	assert.ErrorIs(t, err, core.ErrInvalidStateTransition)

	started, err := kit.Engine.StartExperiment(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, experiment.StatusRunning, started.Status)
	require.NotNil(t, started.StartedAt)

	paused, err := kit.Engine.PauseExperiment(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, experiment.StatusPaused, paused.Status)

	resumed, err := kit.Engine.StartExperiment(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, experiment.StatusRunning, resumed.Status)
	assert.Equal(t, *started.StartedAt, *resumed.StartedAt)

	_, err = kit.Engine.StartExperiment(ctx, exp.ID)
	assert.ErrorIs(t, err, core.ErrInvalidStateTransition)

	foreign := core.NewID()
	_, err = kit.Engine.StopExperiment(ctx, exp.ID, &foreign, "not ours")
	assert.ErrorIs(t, err, core.ErrValidation)

	variants, err := kit.Store.ListVariants(ctx, exp.ID)
	require.NoError(t, err)
	done, err := kit.Engine.StopExperiment(ctx, exp.ID, &variants[1].ID, "manual")
	require.NoError(t, err)
	assert.Equal(t, experiment.StatusCompleted, done.Status)
	assert.Equal(t, "manual", done.WinnerReason)
	assert.NotNil(t, done.EndedAt)

	_, err = kit.Engine.StartExperiment(ctx, exp.ID)
	assert.ErrorIs(t, err, core.ErrInvalidStateTransition)

	archived, err := kit.Engine.ArchiveExperiment(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, experiment.StatusArchived, archived.Status)

	_, err = kit.Engine.StopExperiment(ctx, exp.ID, nil, "")
	assert.ErrorIs(t, err, core.ErrInvalidStateTransition)

	stored, err := kit.Engine.GetExperiment(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, experiment.StatusArchived, stored.Status)
}

func TestStopWithoutWinner(t *testing.T) {
	ctx := context.Background()
	kit := testkit.NewTestKit()
	exp, _, err := kit.CreateRunning(ctx, testkit.ABRequest("no-winner"))
	require.NoError(t, err)

	done, err := kit.Engine.StopExperiment(ctx, exp.ID, nil, "")
	require.NoError(t, err)
	assert.Equal(t, experiment.StatusCompleted, done.Status)
	assert.Nil(t, done.WinnerVariantID)
	assert.Nil(t, done.WinnerDeclaredAt)
}

func TestDeleteExperiment(t *testing.T) {
	ctx := context.Background()
	kit := testkit.NewTestKit()

	draft, err := kit.Engine.CreateExperiment(ctx, testkit.ABRequest("draft"))
	require.NoError(t, err)
	require.NoError(t, kit.Engine.Experiments.DeleteExperiment(ctx, draft.ID))
	_, err = kit.Engine.GetExperiment(ctx, draft.ID)
	assert.ErrorIs(t, err, core.ErrExperimentNotFound)

	running, _, err := kit.CreateRunning(ctx, testkit.ABRequest("running"))
	require.NoError(t, err)
	err = kit.Engine.Experiments.DeleteExperiment(ctx, running.ID)
	assert.ErrorIs(t, err, core.ErrInvalidStateTransition)
}

func TestUnknownExperiment(t *testing.T) {
	ctx := context.Background()
	kit := testkit.NewTestKit()
	missing := core.NewID()

	_, err := kit.Engine.StartExperiment(ctx, missing)
	assert.ErrorIs(t, err, core.ErrExperimentNotFound)
	_, err = kit.Engine.Assign(ctx, missing, experiment.UserSubject("x"), nil)
	assert.ErrorIs(t, err, core.ErrExperimentNotFound)
	_, err = kit.Engine.CalculateResults(ctx, missing, "")
	assert.ErrorIs(t, err, core.ErrExperimentNotFound)

	recorded, err := kit.Engine.TrackConversion(ctx, missing, experiment.UserSubject("x"), nil)
	require.NoError(t, err)
	assert.False(t, recorded)
}

func TestListRunning(t *testing.T) {
	ctx := context.Background()
	kit := testkit.NewTestKit()

	running, _, err := kit.CreateRunning(ctx, testkit.ABRequest("running"))
	require.NoError(t, err)
	_, err = kit.Engine.CreateExperiment(ctx, testkit.ABRequest("draft"))
	require.NoError(t, err)
	paused, _, err := kit.CreateRunning(ctx, testkit.ABRequest("paused"))
	require.NoError(t, err)
	_, err = kit.Engine.PauseExperiment(ctx, paused.ID)
	require.NoError(t, err)

	got, err := kit.Engine.Experiments.ListRunning(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, running.ID, got[0].ID)
}

func TestCalculateSampleSize(t *testing.T) {
	kit := testkit.NewTestKit()

	n, err := kit.Engine.Analysis.CalculateSampleSize(0.10, 0.05, 0.8, 0.05)
	require.NoError(t, err)
	want, err := stats.RequiredSampleSize(0.10, 0.05, 0.8, 0.05)
	require.NoError(t, err)
	assert.Equal(t, want, n)

	_, err = kit.Engine.Analysis.CalculateSampleSize(0, 0.05, 0.8, 0.05)
	assert.True(t, core.IsValidationError(err))
}
