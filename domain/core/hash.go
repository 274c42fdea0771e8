package core

import (
	"crypto/sha256"
	"math/big"
)

// BucketCount is the resolution of the assignment hash space.
const BucketCount = 10000

// BucketSeparator joins subject key and experiment id before hashing.
const BucketSeparator = ":"

var bucketModulus = big.NewInt(BucketCount)

// Bucket maps (subjectKey, salt) to a stable percentage in [0, 100).
//
// The first 128 bits of SHA-256(subjectKey + ":" + salt) are reduced modulo
// 10,000 and divided by 100, so the result has two decimal places of
// resolution. The mapping depends on nothing but its inputs.
func Bucket(subjectKey, salt string) float64 {
	sum := sha256.Sum256([]byte(subjectKey + BucketSeparator + salt))
	n := new(big.Int).SetBytes(sum[:16])
	n.Mod(n, bucketModulus)
	return float64(n.Int64()) / 100.0
}
