package ports

import (
	"context"

	"goexp/domain/bandit"
	"goexp/domain/core"
)

// BanditStore holds per-arm reward counters. Updates are atomic increments.
type BanditStore interface {
	// LoadArms returns one arm per variant of the experiment, in position order
	LoadArms(ctx context.Context, experimentID core.ID) ([]bandit.Arm, error)

	// IncrementPull records that the arm was served
	IncrementPull(ctx context.Context, variantID core.ID) error

	// RecordReward counts a success or failure and returns the updated arm
	RecordReward(ctx context.Context, variantID core.ID, success bool) (*bandit.Arm, error)
}
