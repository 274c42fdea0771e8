package experiment

import (
	"fmt"
	"math"
	"strings"
	"time"

	"goexp/domain/core"
)

// TrafficTolerance is the allowed deviation of the variant traffic sum from 100
const TrafficTolerance = 0.01

// ValidateVariants checks the variant set of one experiment: names present and
// unique, traffic in [0, 100] summing to 100, exactly one control.
func ValidateVariants(variants []Variant) error {
	if len(variants) < 2 {
		return core.NewValidationError("variants", "at least two variants are required")
	}

	names := make(map[string]bool, len(variants))
	controls := 0
	sum := 0.0
	for _, v := range variants {
		name := strings.TrimSpace(v.Name)
		if name == "" {
			return core.NewValidationError("variants", "variant name is required")
		}
		if names[name] {
			return core.NewValidationError("variants", fmt.Sprintf("duplicate variant name %q", name))
		}
		names[name] = true

		if v.TrafficPercentage < 0 || v.TrafficPercentage > 100 || math.IsNaN(v.TrafficPercentage) {
			return core.NewValidationError("variants", fmt.Sprintf("traffic percentage of %q must be within [0, 100]", name))
		}
		sum += v.TrafficPercentage
		if v.IsControl {
			controls++
		}
	}

	if controls != 1 {
		return core.NewValidationError("variants", fmt.Sprintf("exactly one control variant is required, got %d", controls))
	}
	if math.Abs(sum-100) > TrafficTolerance {
		return core.NewValidationError("variants", fmt.Sprintf("traffic percentages must sum to 100, got %.4f", sum))
	}
	return nil
}

// ControlOf returns the control variant, or nil
func ControlOf(variants []Variant) *Variant {
	for i := range variants {
		if variants[i].IsControl {
			return &variants[i]
		}
	}
	return nil
}

// FindVariant returns the variant with the given id, or nil
func FindVariant(variants []Variant, id core.ID) *Variant {
	for i := range variants {
		if variants[i].ID == id {
			return &variants[i]
		}
	}
	return nil
}

// RequireRunning fails with ErrExperimentNotRunning unless status is exactly running
func (e *Experiment) RequireRunning() error {
	if e.Status != StatusRunning {
		return core.NewNotRunningError(e.ID, string(e.Status))
	}
	return nil
}

// Start moves a draft experiment to running after checking its variants.
func (e *Experiment) Start(variants []Variant, now time.Time) error {
	if e.Status != StatusDraft {
		return core.NewTransitionError(string(e.Status), string(StatusRunning))
	}
	if err := ValidateVariants(variants); err != nil {
		return err
	}
	e.Status = StatusRunning
	e.StartedAt = core.TimePtr(now)
	e.UpdatedAt = now
	return nil
}

// Pause suspends a running experiment.
func (e *Experiment) Pause(now time.Time) error {
	if e.Status != StatusRunning {
		return core.NewTransitionError(string(e.Status), string(StatusPaused))
	}
	e.Status = StatusPaused
	e.UpdatedAt = now
	return nil
}

// Resume returns a paused experiment to running. StartedAt is kept.
func (e *Experiment) Resume(now time.Time) error {
	if e.Status != StatusPaused {
		return core.NewTransitionError(string(e.Status), string(StatusRunning))
	}
	e.Status = StatusRunning
	e.UpdatedAt = now
	return nil
}

// Complete ends a running or paused experiment. A winner, when given, must be
// one of variants.
func (e *Experiment) Complete(variants []Variant, winner *core.ID, reason string, now time.Time) error {
	if e.Status != StatusRunning && e.Status != StatusPaused {
		return core.NewTransitionError(string(e.Status), string(StatusCompleted))
	}
	if winner != nil {
		if FindVariant(variants, *winner) == nil {
			return core.NewValidationError("winner", fmt.Sprintf("variant %s does not belong to experiment %s", *winner, e.ID))
		}
		w := *winner
		e.WinnerVariantID = &w
		e.WinnerReason = reason
		e.WinnerDeclaredAt = core.TimePtr(now)
	}
	e.Status = StatusCompleted
	e.EndedAt = core.TimePtr(now)
	e.UpdatedAt = now
	return nil
}

// Archive retires a completed experiment. Archived is terminal.
func (e *Experiment) Archive(now time.Time) error {
	if e.Status != StatusCompleted {
		return core.NewTransitionError(string(e.Status), string(StatusArchived))
	}
	e.Status = StatusArchived
	e.UpdatedAt = now
	return nil
}
