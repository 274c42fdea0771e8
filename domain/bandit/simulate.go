package bandit

import (
	"fmt"

	"goexp/domain/core"

	"github.com/montanaflynn/stats"
)

// SimulationConfig describes an offline run against known arm rates
type SimulationConfig struct {
	TrueRates []float64
	Rounds    int
	Runs      int
}

// SimulationResult summarizes repeated simulated runs of one policy
type SimulationResult struct {
	Algorithm    Algorithm `json:"algorithm"`
	Rounds       int       `json:"rounds"`
	Runs         int       `json:"runs"`
	MeanReward   float64   `json:"mean_reward"`
	MeanRegret   float64   `json:"mean_regret"`
	RegretStdDev float64   `json:"regret_std_dev"`
	RegretP95    float64   `json:"regret_p95"`
	BestArmShare float64   `json:"best_arm_share"`
	PullsPerArm  []float64 `json:"pulls_per_arm"`
}

// Simulate plays policy for cfg.Rounds pulls per run, rewarding arm i with
// probability cfg.TrueRates[i], and reports cumulative regret measured
// against the best true rate.
func Simulate(policy Policy, cfg SimulationConfig, src Source) (*SimulationResult, error) {
	if len(cfg.TrueRates) == 0 {
		return nil, ErrNoArms
	}
	if cfg.Rounds <= 0 || cfg.Runs <= 0 {
		return nil, core.NewValidationError("rounds", "rounds and runs must be positive")
	}
	for i, r := range cfg.TrueRates {
		if r < 0 || r > 1 {
			return nil, core.NewValidationError("true_rates", fmt.Sprintf("rate %d out of [0, 1]: %v", i, r))
		}
	}

	bestRate, err := stats.Max(cfg.TrueRates)
	if err != nil {
		return nil, fmt.Errorf("best rate: %w", err)
	}
	bestArm := 0
	for i, r := range cfg.TrueRates {
		if r == bestRate {
			bestArm = i
			break
		}
	}

	regrets := make(stats.Float64Data, 0, cfg.Runs)
	rewards := make(stats.Float64Data, 0, cfg.Runs)
	pulls := make([]float64, len(cfg.TrueRates))
	var bestPulls int

	for run := 0; run < cfg.Runs; run++ {
		arms := make([]Arm, len(cfg.TrueRates))
		for i := range arms {
			arms[i].VariantID = core.ID(fmt.Sprintf("arm-%d", i))
		}

		var regret, reward float64
		for round := 0; round < cfg.Rounds; round++ {
			idx, err := policy.Select(arms, src)
			if err != nil {
				return nil, err
			}
			arms[idx].Pulls++
			if src.Float64() < cfg.TrueRates[idx] {
				arms[idx].Successes++
				reward++
			} else {
				arms[idx].Failures++
			}
			regret += bestRate - cfg.TrueRates[idx]
			pulls[idx]++
			if idx == bestArm {
				bestPulls++
			}
		}
		regrets = append(regrets, regret)
		rewards = append(rewards, reward)
	}

	res := &SimulationResult{
		Algorithm: policy.Algorithm(),
		Rounds:    cfg.Rounds,
		Runs:      cfg.Runs,
	}
	if res.MeanRegret, err = regrets.Mean(); err != nil {
		return nil, err
	}
	if res.MeanReward, err = rewards.Mean(); err != nil {
		return nil, err
	}
	// a single run has no spread
	res.RegretStdDev, _ = regrets.StandardDeviationSample()
	if res.RegretP95, err = regrets.Percentile(95); err != nil {
		return nil, err
	}

	total := float64(cfg.Rounds * cfg.Runs)
	for i := range pulls {
		pulls[i] /= float64(cfg.Runs)
	}
	res.PullsPerArm = pulls
	res.BestArmShare = float64(bestPulls) / total
	return res, nil
}
