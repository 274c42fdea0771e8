package experiment

import (
	"sort"

	"goexp/domain/core"
)

// trafficSalt separates the traffic-allocation draw from the variant draw
const trafficSalt = ":traffic"

// CumulativeBucket is one variant's upper bound on the [0, 100) hash line
type CumulativeBucket struct {
	VariantID  core.ID
	Cumulative float64
}

// CumulativeBuckets orders variants by descending traffic percentage, ties
// broken by creation position, and accumulates their percentages. The order
// only has to be stable for the mapping to be deterministic.
func CumulativeBuckets(variants []Variant) []CumulativeBucket {
	sorted := make([]Variant, len(variants))
	copy(sorted, variants)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].TrafficPercentage != sorted[j].TrafficPercentage {
			return sorted[i].TrafficPercentage > sorted[j].TrafficPercentage
		}
		return sorted[i].Position < sorted[j].Position
	})

	buckets := make([]CumulativeBucket, 0, len(sorted))
	cumulative := 0.0
	for _, v := range sorted {
		cumulative += v.TrafficPercentage
		buckets = append(buckets, CumulativeBucket{VariantID: v.ID, Cumulative: cumulative})
	}
	return buckets
}

// PickVariant returns the first bucket whose cumulative percentage reaches
// value. When rounding leaves value above every bucket the last one is used,
// so a subject is never dropped.
func PickVariant(buckets []CumulativeBucket, value float64) (core.ID, bool) {
	if len(buckets) == 0 {
		return "", false
	}
	for _, b := range buckets {
		if b.Cumulative >= value {
			return b.VariantID, true
		}
	}
	return buckets[len(buckets)-1].VariantID, true
}

// HashAssign deterministically maps a subject to one of variants.
//
// Changing traffic percentages may move subjects that have no stored
// assignment yet; stored assignments are protected by the ledger, not here.
func HashAssign(subjectKey string, experimentID core.ID, variants []Variant) (core.ID, bool) {
	return PickVariant(CumulativeBuckets(variants), core.Bucket(subjectKey, experimentID.String()))
}

// InTraffic reports whether a subject falls inside the experiment's traffic
// allocation fraction. Allocation of 1 or more admits everyone.
func InTraffic(subjectKey string, experimentID core.ID, allocation float64) bool {
	if allocation >= 1 {
		return true
	}
	if allocation <= 0 {
		return false
	}
	return core.Bucket(subjectKey, experimentID.String()+trafficSalt) < allocation*100
}
