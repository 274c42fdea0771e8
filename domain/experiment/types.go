package experiment

import (
	"encoding/json"
	"strings"
	"time"

	"goexp/domain/core"
)

// Kind selects how variants are chosen for subjects
type Kind string

const (
	KindABTest       Kind = "ab_test"
	KindMultivariate Kind = "multivariate"
	KindBandit       Kind = "bandit"
)

// Valid reports whether k is a known experiment kind
func (k Kind) Valid() bool {
	switch k {
	case KindABTest, KindMultivariate, KindBandit:
		return true
	}
	return false
}

// Status is the lifecycle state of an experiment
type Status string

const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusArchived  Status = "archived"
)

// AutoWinner configures automatic winner declaration
type AutoWinner struct {
	Enabled       bool    `json:"enabled" yaml:"enabled"`
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence"`
	MinLift       float64 `json:"min_lift" yaml:"min_lift"`
}

// Experiment is a controlled comparison of two or more variants
type Experiment struct {
	ID                      core.ID    `json:"id"`
	Name                    string     `json:"name"`
	Hypothesis              string     `json:"hypothesis"`
	PrimaryMetric           string     `json:"primary_metric"`
	SecondaryMetrics        []string   `json:"secondary_metrics"`
	Kind                    Kind       `json:"kind"`
	Status                  Status     `json:"status"`
	TrafficAllocation       float64    `json:"traffic_allocation"`
	MinSampleSize           int64      `json:"min_sample_size"`
	TargetSampleSize        int64      `json:"target_sample_size"`
	ConfidenceLevel         float64    `json:"confidence_level"`
	StatisticalPower        float64    `json:"statistical_power"`
	MinimumDetectableEffect float64    `json:"minimum_detectable_effect"`
	AutoWinner              AutoWinner `json:"auto_winner"`
	WinnerVariantID         *core.ID   `json:"winner_variant_id,omitempty"`
	WinnerReason            string     `json:"winner_reason,omitempty"`
	WinnerDeclaredAt        *time.Time `json:"winner_declared_at,omitempty"`
	StartedAt               *time.Time `json:"started_at,omitempty"`
	EndedAt                 *time.Time `json:"ended_at,omitempty"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// HasMetric reports whether name is the primary or one of the secondary metrics
func (e *Experiment) HasMetric(name string) bool {
	if name == e.PrimaryMetric {
		return true
	}
	for _, m := range e.SecondaryMetrics {
		if m == name {
			return true
		}
	}
	return false
}

// Variant is one treatment arm of an experiment
type Variant struct {
	ID                core.ID        `json:"id"`
	ExperimentID      core.ID        `json:"experiment_id"`
	Name              string         `json:"name"`
	TrafficPercentage float64        `json:"traffic_percentage"`
	Configuration     map[string]any `json:"configuration"`
	IsControl         bool           `json:"is_control"`
	Position          int            `json:"position"`

	TotalAssignments int64    `json:"total_assignments"`
	TotalConversions int64    `json:"total_conversions"`
	ConversionRate   *float64 `json:"conversion_rate,omitempty"`

	// Bandit counters, maintained independently of the assignment path
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Pulls     int64 `json:"pulls"`

	CreatedAt time.Time `json:"created_at"`
}

// Subject identifies who is being assigned. Exactly one field is set.
type Subject struct {
	UserID      string `json:"user_id,omitempty"`
	AnonymousID string `json:"anonymous_id,omitempty"`
}

// UserSubject builds a subject for an authenticated user
func UserSubject(id string) Subject { return Subject{UserID: id} }

// AnonymousSubject builds a subject for an anonymous visitor
func AnonymousSubject(id string) Subject { return Subject{AnonymousID: id} }

// Validate checks that exactly one identity is present
func (s Subject) Validate() error {
	user := strings.TrimSpace(s.UserID)
	anon := strings.TrimSpace(s.AnonymousID)
	switch {
	case user == "" && anon == "":
		return core.NewValidationError("subject", "user id or anonymous id is required")
	case user != "" && anon != "":
		return core.NewValidationError("subject", "only one of user id and anonymous id may be set")
	case user != s.UserID || anon != s.AnonymousID:
		return core.NewValidationError("subject", "identity must not carry surrounding whitespace")
	}
	return nil
}

// Key returns the identity fed to the assignment hash
func (s Subject) Key() string {
	if s.UserID != "" {
		return s.UserID
	}
	return s.AnonymousID
}

// IsAnonymous reports whether the subject is an anonymous visitor
func (s Subject) IsAnonymous() bool {
	return s.UserID == ""
}

// Assignment records which variant a subject received
type Assignment struct {
	ID               core.ID         `json:"id"`
	ExperimentID     core.ID         `json:"experiment_id"`
	VariantID        core.ID         `json:"variant_id"`
	Subject          Subject         `json:"subject"`
	AssignedAt       time.Time       `json:"assigned_at"`
	Context          map[string]any  `json:"context,omitempty"`
	FirstExposureAt  *time.Time      `json:"first_exposure_at,omitempty"`
	ConvertedAt      *time.Time      `json:"converted_at,omitempty"`
	ConversionDetail json.RawMessage `json:"conversion_detail,omitempty"`
}

// Converted reports whether a conversion has been recorded
func (a *Assignment) Converted() bool {
	return a.ConvertedAt != nil
}

// Result is the outcome of one analysis run for a (variant, metric) pair.
// Nil pointer fields mean the value could not be computed.
type Result struct {
	ID            core.ID   `json:"id"`
	ExperimentID  core.ID   `json:"experiment_id"`
	VariantID     core.ID   `json:"variant_id"`
	MetricName    string    `json:"metric_name"`
	SampleSize    int64     `json:"sample_size"`
	Conversions   int64     `json:"conversions"`
	MetricValue   float64   `json:"metric_value"`
	AbsoluteLift  *float64  `json:"absolute_lift,omitempty"`
	RelativeLift  *float64  `json:"relative_lift,omitempty"`
	PValue        *float64  `json:"p_value,omitempty"`
	IsSignificant bool      `json:"is_significant"`
	CILower       *float64  `json:"ci_lower,omitempty"`
	CIUpper       *float64  `json:"ci_upper,omitempty"`
	EffectSize    *float64  `json:"effect_size,omitempty"`
	TestName      string    `json:"test_name"`
	ComputedAt    time.Time `json:"computed_at"`
}
