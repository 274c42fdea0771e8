// Package bandit implements the multi-armed bandit selection policies used
// for adaptive experiments. Policies are pure functions of arm state plus an
// injected random source; persisting counters is the caller's job.
package bandit

import (
	"fmt"
	"math"

	"goexp/domain/core"
)

// Algorithm names a selection policy at the string boundary (CLI, config)
type Algorithm string

const (
	AlgorithmThompson      Algorithm = "thompson_sampling"
	AlgorithmUCB1          Algorithm = "ucb"
	AlgorithmEpsilonGreedy Algorithm = "epsilon_greedy"
	AlgorithmSoftmax       Algorithm = "softmax"
)

// Default policy parameters
const (
	DefaultEpsilon     = 0.1
	DefaultTemperature = 1.0
)

// ConfidencePulls is the pull count at which the confidence heuristic saturates
const ConfidencePulls = 1000

// Source is a seedable random stream. Its method set also satisfies the
// random source expected by gonum's distuv samplers.
type Source interface {
	Uint64() uint64
	Float64() float64
	Seed(seed uint64)
}

// Arm is the reward model of one variant
type Arm struct {
	VariantID core.ID `json:"variant_id"`
	Successes int64   `json:"successes"`
	Failures  int64   `json:"failures"`
	Pulls     int64   `json:"pulls"`
}

// Mean is the empirical success rate successes / pulls, 0 when never pulled
func (a Arm) Mean() float64 {
	if a.Pulls <= 0 {
		return 0
	}
	return float64(a.Successes) / float64(a.Pulls)
}

// Confidence is the heuristic min(pulls/1000, 1)
func Confidence(pulls int64) float64 {
	return math.Min(float64(pulls)/ConfidencePulls, 1.0)
}

// Policy selects one arm. The set of policies is closed: only this package
// can add one.
type Policy interface {
	Algorithm() Algorithm
	// Select returns the index of the chosen arm
	Select(arms []Arm, src Source) (int, error)
	sealed()
}

// ErrNoArms is returned when a policy is asked to choose among zero arms
var ErrNoArms = fmt.Errorf("%w: no arms to select from", core.ErrValidation)

// ParsePolicy builds a policy from its name and optional parameters
// ("epsilon" for epsilon-greedy, "temperature" for softmax).
func ParsePolicy(name string, params map[string]float64) (Policy, error) {
	switch Algorithm(name) {
	case AlgorithmThompson:
		return ThompsonSampling{}, nil
	case AlgorithmUCB1:
		return UCB1{}, nil
	case AlgorithmEpsilonGreedy:
		eps := DefaultEpsilon
		if v, ok := params["epsilon"]; ok {
			eps = v
		}
		p := EpsilonGreedy{Epsilon: eps}
		return p, p.validate()
	case AlgorithmSoftmax:
		temp := DefaultTemperature
		if v, ok := params["temperature"]; ok {
			temp = v
		}
		p := Softmax{Temperature: temp}
		return p, p.validate()
	}
	return nil, core.NewValidationError("algorithm", fmt.Sprintf("unknown bandit algorithm %q", name))
}

// argmax returns the first index of the largest score
func argmax(scores []float64) int {
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return best
}

func intn(src Source, n int) int {
	return int(src.Uint64() % uint64(n))
}
