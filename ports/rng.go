package ports

import "goexp/domain/bandit"

// RNGPort provides seeded random streams for stochastic operations
type RNGPort interface {
	// Stream returns the shared stream used for live selections
	Stream() bandit.Source

	// Named derives an independent deterministic stream for an operation
	Named(name string) bandit.Source
}
