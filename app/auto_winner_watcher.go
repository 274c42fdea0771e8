package app

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"goexp/domain/experiment"
	"goexp/internal"

	"golang.org/x/sync/semaphore"
)

// AutoWinnerWatcher periodically checks running experiments that opted into
// automatic winner declaration.
type AutoWinnerWatcher struct {
	lifecycle *ExperimentService
	analysis  *AnalysisService
	interval  time.Duration
	sem       *semaphore.Weighted
	logger    *internal.Logger
}

// NewAutoWinnerWatcher creates a watcher that checks at most concurrency
// experiments at once.
func NewAutoWinnerWatcher(lifecycle *ExperimentService, analysis *AnalysisService, interval time.Duration, concurrency int, logger *internal.Logger) *AutoWinnerWatcher {
	if interval <= 0 {
		interval = time.Minute
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = internal.Nop()
	}
	return &AutoWinnerWatcher{
		lifecycle: lifecycle,
		analysis:  analysis,
		interval:  interval,
		sem:       semaphore.NewWeighted(int64(concurrency)),
		logger:    logger,
	}
}

// Run sweeps once immediately and then on every tick until ctx is done
func (w *AutoWinnerWatcher) Run(ctx context.Context) error {
	w.logger.Info("[AutoWinner] watching every %s", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("[AutoWinner] sweep failed: %v", err)
		}
		select {
		case <-ctx.Done():
			w.logger.Info("[AutoWinner] stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep checks every eligible experiment and returns how many were completed
func (w *AutoWinnerWatcher) Sweep(ctx context.Context) (int, error) {
	running, err := w.lifecycle.ListRunning(ctx)
	if err != nil {
		return 0, err
	}

	var (
		wg       sync.WaitGroup
		declared atomic.Int64
	)
	for _, exp := range running {
		if !exp.AutoWinner.Enabled {
			continue
		}
		if err := w.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(exp *experiment.Experiment) {
			defer wg.Done()
			defer w.sem.Release(1)

			_, stopped, err := w.analysis.checkAutoWinner(ctx, exp.ID, exp.AutoWinner.MinConfidence, exp.AutoWinner.MinLift)
			if err != nil {
				w.logger.With("experiment_id", exp.ID.String()).Warn("[AutoWinner] check failed: %v", err)
				return
			}
			if stopped {
				declared.Add(1)
			}
		}(exp)
	}
	wg.Wait()
	return int(declared.Load()), ctx.Err()
}
