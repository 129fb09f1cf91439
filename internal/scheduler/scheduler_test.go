package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pesabridge/backend/internal/retry"
	"go.uber.org/zap"
)

type countingRunner struct {
	runs    atomic.Int32
	block   chan struct{} // when non-nil, cycles wait here
	started chan struct{} // signalled once a cycle begins
}

func (r *countingRunner) RetryAllFailedTransactions(_ context.Context) retry.CycleStats {
	r.runs.Add(1)
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.block != nil {
		<-r.block
	}
	return retry.CycleStats{DepositsReinitiated: 1}
}

func TestRunImmediateRetry(t *testing.T) {
	runner := &countingRunner{}
	h := New(runner, time.Hour, nil, zap.NewNop())

	stats := h.RunImmediateRetry(context.Background())
	if runner.runs.Load() != 1 {
		t.Fatalf("expected 1 run, got %d", runner.runs.Load())
	}
	if stats.DepositsReinitiated != 1 {
		t.Errorf("stats not propagated: %+v", stats)
	}
}

func TestTimerFiresRepeatedly(t *testing.T) {
	runner := &countingRunner{}
	h := New(runner, 20*time.Millisecond, nil, zap.NewNop())

	h.Start(context.Background())
	time.Sleep(110 * time.Millisecond)
	h.Stop()

	if n := runner.runs.Load(); n < 2 {
		t.Errorf("expected at least 2 timer firings, got %d", n)
	}
}

func TestStartTwiceRegistersOneTimer(t *testing.T) {
	runner := &countingRunner{}
	h := New(runner, 20*time.Millisecond, nil, zap.NewNop())

	h.Start(context.Background())
	h.Start(context.Background()) // no-op
	time.Sleep(70 * time.Millisecond)
	h.Stop()

	// With a doubled timer this would be roughly twice as many.
	if n := runner.runs.Load(); n > 4 {
		t.Errorf("second Start appears to have registered another timer: %d runs", n)
	}
}

func TestStopWithoutStart(t *testing.T) {
	h := New(&countingRunner{}, time.Hour, nil, zap.NewNop())
	h.Stop() // must not panic or block
}

func TestStopPreventsFurtherRuns(t *testing.T) {
	runner := &countingRunner{}
	h := New(runner, 15*time.Millisecond, nil, zap.NewNop())

	h.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	h.Stop()

	after := runner.runs.Load()
	time.Sleep(60 * time.Millisecond)
	if runner.runs.Load() != after {
		t.Error("cycles continued after Stop")
	}
}

func TestOverlappingCyclesSkipped(t *testing.T) {
	runner := &countingRunner{
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	h := New(runner, time.Hour, nil, zap.NewNop())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.RunImmediateRetry(context.Background())
	}()
	<-runner.started // first cycle is now inside the runner

	// Second trigger while the first is in flight must be skipped.
	stats := h.RunImmediateRetry(context.Background())
	if stats.DepositsReinitiated != 0 {
		t.Error("overlapping cycle was not skipped")
	}
	if runner.runs.Load() != 1 {
		t.Fatalf("expected 1 run while blocked, got %d", runner.runs.Load())
	}

	close(runner.block)
	wg.Wait()

	if runner.runs.Load() != 1 {
		t.Errorf("expected exactly 1 completed run, got %d", runner.runs.Load())
	}
}
