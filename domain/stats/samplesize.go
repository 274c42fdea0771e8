package stats

import (
	"fmt"
	"math"

	"goexp/domain/core"

	"gonum.org/v1/gonum/stat/distuv"
)

// MinSampleSizePerVariant is the floor applied to every sample-size estimate
const MinSampleSizePerVariant = 100

// RequiredSampleSize estimates the per-variant sample size needed to detect a
// relative lift of mde over baselineRate with a two-sided two-proportion
// z-test at significance alpha and the given power:
//
//	n = (z(1-alpha/2)*sqrt(2*pbar*(1-pbar)) + z(power)*sqrt(p1(1-p1)+p2(1-p2)))^2 / (p2-p1)^2
//
// where p2 = baselineRate*(1+mde) and pbar is the pooled proportion. The
// result is advisory and never below MinSampleSizePerVariant.
func RequiredSampleSize(baselineRate, mde, power, alpha float64) (int64, error) {
	if baselineRate <= 0 || baselineRate >= 1 {
		return 0, core.NewValidationError("baseline_rate", "must be within (0, 1)")
	}
	if mde <= 0 {
		return 0, core.NewValidationError("minimum_detectable_effect", "must be positive")
	}
	if power <= 0 || power >= 1 {
		return 0, core.NewValidationError("power", "must be within (0, 1)")
	}
	if alpha <= 0 || alpha >= 1 {
		return 0, core.NewValidationError("alpha", "must be within (0, 1)")
	}

	p1 := baselineRate
	p2 := baselineRate * (1 + mde)
	if p2 >= 1 {
		return 0, core.NewValidationError("minimum_detectable_effect",
			fmt.Sprintf("baseline %.4f lifted by %.4f exceeds a rate of 1", baselineRate, mde))
	}

	pooled := (p1 + p2) / 2
	zAlpha := distuv.UnitNormal.Quantile(1 - alpha/2)
	zBeta := distuv.UnitNormal.Quantile(power)

	numerator := zAlpha*math.Sqrt(2*pooled*(1-pooled)) + zBeta*math.Sqrt(p1*(1-p1)+p2*(1-p2))
	n := math.Ceil(numerator * numerator / ((p2 - p1) * (p2 - p1)))

	if n < MinSampleSizePerVariant {
		return MinSampleSizePerVariant, nil
	}
	return int64(n), nil
}
