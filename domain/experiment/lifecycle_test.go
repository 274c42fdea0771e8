package experiment

import (
	"errors"
	"testing"
	"time"

	"goexp/domain/core"
)

func twoVariants() []Variant {
	return []Variant{
		{ID: "ctl", Name: "Control", TrafficPercentage: 50, IsControl: true, Position: 0},
		{ID: "trt", Name: "Treatment", TrafficPercentage: 50, Position: 1},
	}
}

func TestValidateVariants(t *testing.T) {
	tests := []struct {
		name        string
		variants    []Variant
		expectError bool
	}{
		{"valid 50/50", twoVariants(), false},
		{
			name: "valid within tolerance",
			variants: []Variant{
				{Name: "A", TrafficPercentage: 33.333, IsControl: true},
				{Name: "B", TrafficPercentage: 33.333},
				{Name: "C", TrafficPercentage: 33.333},
			},
		},
		{
			name: "sum below 100",
			variants: []Variant{
				{Name: "A", TrafficPercentage: 50, IsControl: true},
				{Name: "B", TrafficPercentage: 40},
			},
			expectError: true,
		},
		{
			name: "no control",
			variants: []Variant{
				{Name: "A", TrafficPercentage: 50},
				{Name: "B", TrafficPercentage: 50},
			},
			expectError: true,
		},
		{
			name: "two controls",
			variants: []Variant{
				{Name: "A", TrafficPercentage: 50, IsControl: true},
				{Name: "B", TrafficPercentage: 50, IsControl: true},
			},
			expectError: true,
		},
		{
			name: "duplicate names",
			variants: []Variant{
				{Name: "A", TrafficPercentage: 50, IsControl: true},
				{Name: "A", TrafficPercentage: 50},
			},
			expectError: true,
		},
		{
			name: "negative traffic",
			variants: []Variant{
				{Name: "A", TrafficPercentage: 110, IsControl: true},
				{Name: "B", TrafficPercentage: -10},
			},
			expectError: true,
		},
		{"single variant", twoVariants()[:1], true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVariants(tt.variants)
			if tt.expectError && !errors.Is(err, core.ErrValidation) {
				t.Errorf("Expected validation error, got %v", err)
			}
			if !tt.expectError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exp := &Experiment{ID: "e1", Status: StatusDraft}
	variants := twoVariants()

	if err := exp.Start(variants, now); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if exp.Status != StatusRunning || exp.StartedAt == nil || !exp.StartedAt.Equal(now) {
		t.Fatalf("Expected running with start timestamp, got %s %v", exp.Status, exp.StartedAt)
	}

	if err := exp.Pause(now.Add(time.Hour)); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := exp.Resume(now.Add(2 * time.Hour)); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !exp.StartedAt.Equal(now) {
		t.Errorf("Resume must keep the original start timestamp")
	}

	winner := core.ID("trt")
	end := now.Add(3 * time.Hour)
	if err := exp.Complete(variants, &winner, "manual call", end); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if exp.Status != StatusCompleted || *exp.WinnerVariantID != "trt" || exp.WinnerReason != "manual call" {
		t.Fatalf("Unexpected completion state: %+v", exp)
	}
	if exp.EndedAt == nil || exp.WinnerDeclaredAt == nil || !exp.WinnerDeclaredAt.Equal(end) {
		t.Errorf("Expected end and winner timestamps to be set")
	}

	if err := exp.Archive(end); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if exp.Status != StatusArchived {
		t.Errorf("Expected archived, got %s", exp.Status)
	}
}

func TestLifecycleRejectsInvalidTransitions(t *testing.T) {
	now := time.Now()
	variants := twoVariants()

	tests := []struct {
		name   string
		status Status
		apply  func(e *Experiment) error
	}{
		{"start running", StatusRunning, func(e *Experiment) error { return e.Start(variants, now) }},
		{"start completed", StatusCompleted, func(e *Experiment) error { return e.Start(variants, now) }},
		{"pause draft", StatusDraft, func(e *Experiment) error { return e.Pause(now) }},
		{"pause paused", StatusPaused, func(e *Experiment) error { return e.Pause(now) }},
		{"resume running", StatusRunning, func(e *Experiment) error { return e.Resume(now) }},
		{"resume completed", StatusCompleted, func(e *Experiment) error { return e.Resume(now) }},
		{"stop draft", StatusDraft, func(e *Experiment) error { return e.Complete(variants, nil, "", now) }},
		{"stop archived", StatusArchived, func(e *Experiment) error { return e.Complete(variants, nil, "", now) }},
		{"archive running", StatusRunning, func(e *Experiment) error { return e.Archive(now) }},
		{"archive paused", StatusPaused, func(e *Experiment) error { return e.Archive(now) }},
		{"archive draft", StatusDraft, func(e *Experiment) error { return e.Archive(now) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := &Experiment{ID: "e1", Status: tt.status}
			err := tt.apply(exp)
			if !errors.Is(err, core.ErrInvalidStateTransition) {
				t.Fatalf("Expected ErrInvalidStateTransition, got %v", err)
			}
			if exp.Status != tt.status {
				t.Errorf("Status mutated on rejected transition: %s -> %s", tt.status, exp.Status)
			}
		})
	}
}

func TestStartRequiresValidVariants(t *testing.T) {
	exp := &Experiment{ID: "e1", Status: StatusDraft}
	bad := []Variant{
		{Name: "A", TrafficPercentage: 60, IsControl: true},
		{Name: "B", TrafficPercentage: 30},
	}
	if err := exp.Start(bad, time.Now()); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("Expected validation error, got %v", err)
	}
	if exp.Status != StatusDraft || exp.StartedAt != nil {
		t.Errorf("Rejected start must not mutate the experiment")
	}
}

func TestCompleteRejectsForeignWinner(t *testing.T) {
	exp := &Experiment{ID: "e1", Status: StatusRunning}
	foreign := core.ID("other")
	err := exp.Complete(twoVariants(), &foreign, "", time.Now())
	if !errors.Is(err, core.ErrValidation) {
		t.Fatalf("Expected validation error for foreign winner, got %v", err)
	}
	if exp.Status != StatusRunning {
		t.Errorf("Rejected completion must not mutate status")
	}
}

func TestRequireRunning(t *testing.T) {
	for _, status := range []Status{StatusDraft, StatusPaused, StatusCompleted, StatusArchived} {
		exp := &Experiment{ID: "e1", Status: status}
		if err := exp.RequireRunning(); !errors.Is(err, core.ErrExperimentNotRunning) {
			t.Errorf("Status %s: expected ErrExperimentNotRunning, got %v", status, err)
		}
	}
	exp := &Experiment{ID: "e1", Status: StatusRunning}
	if err := exp.RequireRunning(); err != nil {
		t.Errorf("Running experiment rejected: %v", err)
	}
}

func TestSubjectValidate(t *testing.T) {
	tests := []struct {
		subject Subject
		valid   bool
	}{
		{UserSubject("u1"), true},
		{AnonymousSubject("a1"), true},
		{Subject{}, false},
		{Subject{UserID: "u1", AnonymousID: "a1"}, false},
		{UserSubject("   "), false},
		{UserSubject(" u1"), false},
	}
	for _, tt := range tests {
		err := tt.subject.Validate()
		if tt.valid && err != nil {
			t.Errorf("%+v: unexpected error %v", tt.subject, err)
		}
		if !tt.valid && !errors.Is(err, core.ErrValidation) {
			t.Errorf("%+v: expected validation error, got %v", tt.subject, err)
		}
	}
}
