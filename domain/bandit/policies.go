package bandit

import (
	"fmt"
	"math"

	"goexp/domain/core"

	"gonum.org/v1/gonum/stat/distuv"
)

// ThompsonSampling draws from Beta(successes+1, failures+1) per arm and
// picks the largest draw.
type ThompsonSampling struct{}

func (ThompsonSampling) Algorithm() Algorithm { return AlgorithmThompson }
func (ThompsonSampling) sealed()              {}

func (ThompsonSampling) Select(arms []Arm, src Source) (int, error) {
	if len(arms) == 0 {
		return 0, ErrNoArms
	}
	samples := make([]float64, len(arms))
	for i, a := range arms {
		beta := distuv.Beta{
			Alpha: float64(a.Successes) + 1,
			Beta:  float64(a.Failures) + 1,
			Src:   src,
		}
		samples[i] = beta.Rand()
	}
	return argmax(samples), nil
}

// UCB1 scores mean + sqrt(2 ln N / n). Arms never pulled win outright so
// every arm is tried once before any comparison.
type UCB1 struct{}

func (UCB1) Algorithm() Algorithm { return AlgorithmUCB1 }
func (UCB1) sealed()              {}

func (UCB1) Select(arms []Arm, _ Source) (int, error) {
	if len(arms) == 0 {
		return 0, ErrNoArms
	}
	var total int64
	for i, a := range arms {
		if a.Pulls <= 0 {
			return i, nil
		}
		total += a.Pulls
	}

	logTotal := math.Log(float64(total))
	scores := make([]float64, len(arms))
	for i, a := range arms {
		scores[i] = a.Mean() + math.Sqrt(2*logTotal/float64(a.Pulls))
	}
	return argmax(scores), nil
}

// EpsilonGreedy explores uniformly with probability Epsilon and otherwise
// exploits the best empirical mean.
type EpsilonGreedy struct {
	Epsilon float64
}

func (EpsilonGreedy) Algorithm() Algorithm { return AlgorithmEpsilonGreedy }
func (EpsilonGreedy) sealed()              {}

func (p EpsilonGreedy) validate() error {
	if p.Epsilon < 0 || p.Epsilon > 1 || math.IsNaN(p.Epsilon) {
		return core.NewValidationError("epsilon", fmt.Sprintf("must be within [0, 1], got %v", p.Epsilon))
	}
	return nil
}

func (p EpsilonGreedy) Select(arms []Arm, src Source) (int, error) {
	if len(arms) == 0 {
		return 0, ErrNoArms
	}
	if err := p.validate(); err != nil {
		return 0, err
	}
	if src.Float64() < p.Epsilon {
		return intn(src, len(arms)), nil
	}
	means := make([]float64, len(arms))
	for i, a := range arms {
		means[i] = a.Mean()
	}
	return argmax(means), nil
}

// softmaxPrior is the value assumed for an arm that was never pulled
const softmaxPrior = 0.5

// Softmax samples arms in proportion to exp(value / Temperature).
type Softmax struct {
	Temperature float64
}

func (Softmax) Algorithm() Algorithm { return AlgorithmSoftmax }
func (Softmax) sealed()              {}

func (p Softmax) validate() error {
	if !(p.Temperature > 0) || math.IsInf(p.Temperature, 1) {
		return core.NewValidationError("temperature", fmt.Sprintf("must be positive and finite, got %v", p.Temperature))
	}
	return nil
}

// Probabilities returns the Boltzmann distribution over arms
func (p Softmax) Probabilities(arms []Arm) []float64 {
	values := make([]float64, len(arms))
	maxValue := math.Inf(-1)
	for i, a := range arms {
		v := softmaxPrior
		if a.Pulls > 0 {
			v = a.Mean()
		}
		values[i] = v / p.Temperature
		maxValue = math.Max(maxValue, values[i])
	}

	// shifting by the max keeps exp from overflowing at low temperatures
	probs := make([]float64, len(arms))
	total := 0.0
	for i, v := range values {
		probs[i] = math.Exp(v - maxValue)
		total += probs[i]
	}
	for i := range probs {
		probs[i] /= total
	}
	return probs
}

func (p Softmax) Select(arms []Arm, src Source) (int, error) {
	if len(arms) == 0 {
		return 0, ErrNoArms
	}
	if err := p.validate(); err != nil {
		return 0, err
	}
	probs := p.Probabilities(arms)
	r := src.Float64()
	cumulative := 0.0
	for i, prob := range probs {
		cumulative += prob
		if r < cumulative {
			return i, nil
		}
	}
	return len(arms) - 1, nil
}

// Regret is the best empirical mean minus the selected arm's empirical mean,
// floored at 0. It is meant for offline evaluation only.
func Regret(arms []Arm, selected core.ID) (float64, error) {
	if len(arms) == 0 {
		return 0, ErrNoArms
	}
	best := math.Inf(-1)
	chosen := math.NaN()
	for _, a := range arms {
		best = math.Max(best, a.Mean())
		if a.VariantID == selected {
			chosen = a.Mean()
		}
	}
	if math.IsNaN(chosen) {
		return 0, core.NewNotFoundError(core.ErrVariantNotFound, selected.String())
	}
	return math.Max(best-chosen, 0), nil
}
