// Package scheduler periodically drives the retry engine. The Handle is
// owned by process bootstrap; there is no package-level timer state.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pesabridge/backend/internal/retry"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Runner is the retry engine surface the scheduler drives.
type Runner interface {
	RetryAllFailedTransactions(ctx context.Context) retry.CycleStats
}

const leaseKey = "scheduler:retry-cycle:lease"

// Handle owns the retry timer. Start is idempotent, Stop is safe to call
// when nothing is running, and RunImmediateRetry shares the overlap guard
// with the timer so two cycles never run at once in this process.
type Handle struct {
	runner   Runner
	interval time.Duration
	rdb      *redis.Client // optional cross-replica lease; nil disables it
	log      *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	inCycle atomic.Bool
}

func New(runner Runner, interval time.Duration, rdb *redis.Client, log *zap.Logger) *Handle {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Handle{
		runner:   runner,
		interval: interval,
		rdb:      rdb,
		log:      log,
	}
}

// Start registers the repeating timer. A second Start while running is a
// logged no-op.
func (h *Handle) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel != nil {
		h.log.Warn("scheduler already started")
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})

	go func() {
		defer close(h.done)
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		h.log.Info("retry scheduler started", zap.Duration("interval", h.interval))
		for {
			select {
			case <-ticker.C:
				h.runCycle(runCtx)
			case <-runCtx.Done():
				return
			}
		}
	}()
}

// Stop cancels the timer and waits for an in-flight cycle's goroutine to
// return. Safe to call when the scheduler was never started.
func (h *Handle) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	done := h.done
	h.cancel = nil
	h.done = nil
	h.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	h.log.Info("retry scheduler stopped")
}

// RunImmediateRetry triggers one cycle outside the timer. Errors never reach
// the caller; the engine logs them.
func (h *Handle) RunImmediateRetry(ctx context.Context) retry.CycleStats {
	return h.runCycle(ctx)
}

func (h *Handle) runCycle(ctx context.Context) retry.CycleStats {
	if !h.inCycle.CompareAndSwap(false, true) {
		h.log.Warn("retry cycle still in progress, skipping this firing")
		return retry.CycleStats{}
	}
	defer h.inCycle.Store(false)

	if !h.acquireLease(ctx) {
		h.log.Info("retry cycle lease held by another replica, skipping")
		return retry.CycleStats{}
	}
	defer h.releaseLease(ctx)

	return h.runner.RetryAllFailedTransactions(ctx)
}

// acquireLease takes a best-effort cross-replica lease. Redis being down
// fails open: a duplicated cycle is cheaper than no cycle at all, and the
// store's conditional updates keep duplicates harmless.
func (h *Handle) acquireLease(ctx context.Context) bool {
	if h.rdb == nil {
		return true
	}
	ok, err := h.rdb.SetNX(ctx, leaseKey, "1", h.interval).Result()
	if err != nil {
		h.log.Warn("retry cycle lease check failed", zap.Error(err))
		return true
	}
	return ok
}

func (h *Handle) releaseLease(ctx context.Context) {
	if h.rdb == nil {
		return
	}
	if err := h.rdb.Del(ctx, leaseKey).Err(); err != nil {
		h.log.Warn("retry cycle lease release failed", zap.Error(err))
	}
}
