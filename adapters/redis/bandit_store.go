// Package redis keeps bandit arm counters in Redis hashes so that pulls and
// rewards from many processes are counted with HINCRBY.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"goexp/domain/bandit"
	"goexp/domain/core"
	"goexp/domain/experiment"
	apperrors "goexp/internal/errors"
	"goexp/ports"

	goredis "github.com/redis/go-redis/v9"
)

const (
	fieldSuccesses = "successes"
	fieldFailures  = "failures"
	fieldPulls     = "pulls"
)

// VariantLister supplies the arm set of an experiment
type VariantLister interface {
	ListVariants(ctx context.Context, experimentID core.ID) ([]experiment.Variant, error)
}

// Config holds Redis connection configuration
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Prefix   string
}

// BanditStore implements ports.BanditStore on Redis
type BanditStore struct {
	client   *goredis.Client
	prefix   string
	variants VariantLister
}

var _ ports.BanditStore = (*BanditStore)(nil)

// NewClient connects and pings Redis
func NewClient(ctx context.Context, cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, apperrors.ExternalServiceError("redis", err)
	}
	return client, nil
}

// NewBanditStore wraps a connected client. Arm membership and order come from variants.
func NewBanditStore(client *goredis.Client, prefix string, variants VariantLister) *BanditStore {
	if prefix == "" {
		prefix = "goexp:"
	}
	return &BanditStore{client: client, prefix: prefix, variants: variants}
}

func (s *BanditStore) key(variantID core.ID) string {
	return s.prefix + "arm:" + variantID.String()
}

// LoadArms reads every arm hash in one round trip
func (s *BanditStore) LoadArms(ctx context.Context, experimentID core.ID) ([]bandit.Arm, error) {
	variants, err := s.variants.ListVariants(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	cmds := make([]*goredis.MapStringStringCmd, len(variants))
	_, err = s.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for i, v := range variants {
			cmds[i] = p.HGetAll(ctx, s.key(v.ID))
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.ExternalServiceError("redis", fmt.Errorf("load arms: %w", err))
	}

	arms := make([]bandit.Arm, len(variants))
	for i, v := range variants {
		arm, err := parseArm(v.ID, cmds[i].Val())
		if err != nil {
			return nil, err
		}
		arms[i] = arm
	}
	return arms, nil
}

func (s *BanditStore) IncrementPull(ctx context.Context, variantID core.ID) error {
	if err := s.client.HIncrBy(ctx, s.key(variantID), fieldPulls, 1).Err(); err != nil {
		return apperrors.ExternalServiceError("redis", fmt.Errorf("increment pull: %w", err))
	}
	return nil
}

// RecordReward increments and reads back inside MULTI so the returned arm includes this reward
func (s *BanditStore) RecordReward(ctx context.Context, variantID core.ID, success bool) (*bandit.Arm, error) {
	field := fieldFailures
	if success {
		field = fieldSuccesses
	}

	var all *goredis.MapStringStringCmd
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.HIncrBy(ctx, s.key(variantID), field, 1)
		all = p.HGetAll(ctx, s.key(variantID))
		return nil
	})
	if err != nil {
		return nil, apperrors.ExternalServiceError("redis", fmt.Errorf("record reward: %w", err))
	}

	arm, err := parseArm(variantID, all.Val())
	if err != nil {
		return nil, err
	}
	return &arm, nil
}

func parseArm(variantID core.ID, fields map[string]string) (bandit.Arm, error) {
	arm := bandit.Arm{VariantID: variantID}
	for name, dst := range map[string]*int64{
		fieldSuccesses: &arm.Successes,
		fieldFailures:  &arm.Failures,
		fieldPulls:     &arm.Pulls,
	} {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return arm, apperrors.ExternalServiceError("redis", fmt.Errorf("arm %s field %s: %w", variantID, name, err))
		}
		*dst = n
	}
	return arm, nil
}
