// Package rng provides seedable, goroutine-safe random streams for the
// bandit engine. A fixed seed reproduces the same selections.
package rng

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand/v2"
	"sync"
	"time"

	"goexp/domain/bandit"
)

// Rand is a PCG stream guarded by a mutex so one instance can be shared
// by concurrent selections
type Rand struct {
	mu  sync.Mutex
	pcg *rand.PCG
}

// New creates a stream from seed
func New(seed uint64) *Rand {
	return &Rand{pcg: rand.NewPCG(seed, mix(seed))}
}

// NewFromTime seeds from the wall clock, for production use
func NewFromTime() *Rand {
	return New(uint64(time.Now().UnixNano()))
}

// Named derives an independent stream for a named operation from a base
// seed, so that e.g. simulation runs don't perturb live selection.
func Named(baseSeed uint64, name string) *Rand {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], baseSeed)
	sum := sha256.Sum256(append(buf[:], name...))
	return New(binary.BigEndian.Uint64(sum[:8]))
}

func (r *Rand) Uint64() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pcg.Uint64()
}

// Float64 returns a value in [0, 1)
func (r *Rand) Float64() float64 {
	return float64(r.Uint64()<<11>>11) / (1 << 53)
}

func (r *Rand) Seed(seed uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pcg.Seed(seed, mix(seed))
}

// splitmix64 finalizer, gives PCG a decorrelated second word
func mix(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// Factory hands out the live stream and derived named streams from one seed
type Factory struct {
	seed uint64
	live *Rand
}

// NewFactory builds a factory; seed 0 seeds from the clock
func NewFactory(seed uint64) *Factory {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Factory{seed: seed, live: New(seed)}
}

func (f *Factory) Stream() bandit.Source {
	return f.live
}

func (f *Factory) Named(name string) bandit.Source {
	return Named(f.seed, name)
}
