package stats

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// TestChiSquare names the significance test recorded on results
const TestChiSquare = "chi_square_2x2"

// Counts are the aggregate outcomes of one variant
type Counts struct {
	Conversions int64 `json:"conversions"`
	SampleSize  int64 `json:"sample_size"`
}

// Rate is conversions / sample size, or 0 with no samples
func (c Counts) Rate() float64 {
	if c.SampleSize <= 0 {
		return 0
	}
	return float64(c.Conversions) / float64(c.SampleSize)
}

// TwoProportionChiSquare runs Pearson's chi-square test on the 2x2 table
// [conversions, non-conversions] x [control, variant] and returns the
// statistic and its p-value (1 degree of freedom, no continuity correction).
// A table with an empty row or column carries no evidence: (0, 1).
func TwoProportionChiSquare(control, variant Counts) (float64, float64) {
	a := float64(control.Conversions)
	b := float64(control.SampleSize - control.Conversions)
	c := float64(variant.Conversions)
	d := float64(variant.SampleSize - variant.Conversions)

	n := a + b + c + d
	rowControl, rowVariant := a+b, c+d
	colConv, colNonConv := a+c, b+d
	if rowControl == 0 || rowVariant == 0 || colConv == 0 || colNonConv == 0 {
		return 0, 1
	}

	diff := a*d - b*c
	chiSq := n * diff * diff / (rowControl * rowVariant * colConv * colNonConv)
	pValue := 1 - distuv.ChiSquared{K: 1}.CDF(chiSq)
	return chiSq, clampProbability(pValue)
}

// ZCritical returns the two-tailed critical value of the standard normal for
// a confidence level, e.g. 1.96 for 0.95.
func ZCritical(confidence float64) float64 {
	alpha := 1 - confidence
	return distuv.UnitNormal.Quantile(1 - alpha/2)
}

// DiffConfidenceInterval bounds variant rate minus control rate with the
// unpooled standard error sqrt(p1(1-p1)/n1 + p2(1-p2)/n2).
func DiffConfidenceInterval(control, variant Counts, confidence float64) (float64, float64) {
	p1, p2 := control.Rate(), variant.Rate()
	n1, n2 := float64(control.SampleSize), float64(variant.SampleSize)
	se := math.Sqrt(p1*(1-p1)/n1 + p2*(1-p2)/n2)
	diff := p2 - p1
	margin := ZCritical(confidence) * se
	return diff - margin, diff + margin
}

// CohensH is the arcsine-transformed difference between two proportions
func CohensH(p1, p2 float64) float64 {
	return 2*math.Asin(math.Sqrt(p2)) - 2*math.Asin(math.Sqrt(p1))
}

// Comparison is a variant measured against the control.
// Nil fields could not be computed from the available samples.
type Comparison struct {
	ControlRate   float64
	VariantRate   float64
	AbsoluteLift  *float64
	RelativeLift  *float64
	ChiSquare     *float64
	PValue        *float64
	IsSignificant bool
	CILower       *float64
	CIUpper       *float64
	EffectSize    *float64
}

// Compare measures variant against control at the given confidence level.
// With no samples on either side every derived field stays nil; a zero
// control rate leaves the relative lift nil.
func Compare(control, variant Counts, confidence float64) Comparison {
	cmp := Comparison{
		ControlRate: control.Rate(),
		VariantRate: variant.Rate(),
	}
	if control.SampleSize <= 0 || variant.SampleSize <= 0 {
		return cmp
	}

	abs := cmp.VariantRate - cmp.ControlRate
	cmp.AbsoluteLift = &abs
	if cmp.ControlRate > 0 {
		rel := abs / cmp.ControlRate
		cmp.RelativeLift = &rel
	}

	chiSq, p := TwoProportionChiSquare(control, variant)
	cmp.ChiSquare = &chiSq
	cmp.PValue = &p
	cmp.IsSignificant = p < 1-confidence

	lo, hi := DiffConfidenceInterval(control, variant, confidence)
	cmp.CILower, cmp.CIUpper = &lo, &hi

	h := CohensH(cmp.ControlRate, cmp.VariantRate)
	cmp.EffectSize = &h
	return cmp
}

func clampProbability(p float64) float64 {
	switch {
	case math.IsNaN(p):
		return 1
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}
