package core

import (
	"errors"
	"fmt"
	"testing"
)

// TestNewIDUniqueness tests that NewID generates unique identifiers
func TestNewIDUniqueness(t *testing.T) {
	const numIDs = 10000

	ids := make(map[ID]bool, numIDs)
	for i := 0; i < numIDs; i++ {
		id := NewID()
		if id.IsEmpty() {
			t.Errorf("Generated empty ID at iteration %d", i)
		}
		if ids[id] {
			t.Errorf("Generated duplicate ID: %s", id)
		}
		ids[id] = true
	}

	if len(ids) != numIDs {
		t.Errorf("Expected %d unique IDs, got %d", numIDs, len(ids))
	}
}

// TestIDIsEmpty tests ID emptiness check
func TestIDIsEmpty(t *testing.T) {
	if !ID("").IsEmpty() {
		t.Error("Expected empty ID to be empty")
	}
	if ID("not-empty").IsEmpty() {
		t.Error("Expected non-empty ID to not be empty")
	}
	if ID("").Ptr() != nil {
		t.Error("Expected Ptr of empty ID to be nil")
	}
}

func TestParseID(t *testing.T) {
	tests := []struct {
		input    string
		expected ID
		hasError bool
	}{
		{"valid-id", ID("valid-id"), false},
		{"  padded  ", ID("padded"), false},
		{"", "", true},
		{"   ", "", true},
	}

	for _, tt := range tests {
		result, err := ParseID(tt.input)
		if tt.hasError {
			if !errors.Is(err, ErrValidation) {
				t.Errorf("ParseID(%q) expected validation error, got %v", tt.input, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseID(%q) unexpected error: %v", tt.input, err)
		}
		if result != tt.expected {
			t.Errorf("ParseID(%q) = %q, expected %q", tt.input, result, tt.expected)
		}
	}
}

func TestBucketDeterministicAndInRange(t *testing.T) {
	for i := 0; i < 5000; i++ {
		subject := fmt.Sprintf("user-%d", i)
		v1 := Bucket(subject, "exp-1")
		v2 := Bucket(subject, "exp-1")
		if v1 != v2 {
			t.Fatalf("Bucket not deterministic for %s: %v != %v", subject, v1, v2)
		}
		if v1 < 0 || v1 >= 100 {
			t.Fatalf("Bucket out of range for %s: %v", subject, v1)
		}
	}
}

func TestBucketDependsOnSalt(t *testing.T) {
	differs := 0
	for i := 0; i < 100; i++ {
		subject := fmt.Sprintf("user-%d", i)
		if Bucket(subject, "exp-a") != Bucket(subject, "exp-b") {
			differs++
		}
	}
	if differs < 90 {
		t.Errorf("Expected different experiments to bucket subjects independently, only %d/100 differed", differs)
	}
}

func TestErrorHelpers(t *testing.T) {
	if !IsValidationError(NewValidationError("name", "required")) {
		t.Error("Expected NewValidationError to wrap ErrValidation")
	}
	if !IsStateError(NewTransitionError("draft", "completed")) {
		t.Error("Expected transition error to be a state error")
	}
	if !errors.Is(NewNotRunningError("e1", "draft"), ErrExperimentNotRunning) {
		t.Error("Expected not-running error to wrap ErrExperimentNotRunning")
	}
	if !IsNotFoundError(NewNotFoundError(ErrVariantNotFound, "v1")) {
		t.Error("Expected variant not found to be a not-found error")
	}
}
