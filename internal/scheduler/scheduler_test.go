package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"shepherd/internal/logging"
	"shepherd/internal/scheduler"
)

var epoch = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestScheduler(t *testing.T) (*scheduler.Scheduler, *scheduler.ManualClock) {
	t.Helper()
	clock := scheduler.NewManualClock(epoch)
	s := scheduler.New(clock, logging.NewNop())
	t.Cleanup(s.Close)
	return s, clock
}

func drain(t *testing.T, s *scheduler.Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Drain(ctx); err != nil {
		t.Fatalf("Drain returned error: %v", err)
	}
}

func TestDoRunsInPostOrder(t *testing.T) {
	s, _ := newTestScheduler(t)
	var order []int
	for i := 0; i < 5; i++ {
		s.Do(func() { order = append(order, i) })
	}
	drain(t, s)
	for i, got := range order {
		if got != i {
			t.Fatalf("unexpected order: %v", order)
		}
	}
	if len(order) != 5 {
		t.Fatalf("expected 5 callbacks, got %d", len(order))
	}
}

func TestDeferredFiresAfterDelay(t *testing.T) {
	s, clock := newTestScheduler(t)
	fired := 0
	s.Deferred(context.Background(), 10*time.Second, func() { fired++ })

	drain(t, s)
	if fired != 0 {
		t.Fatal("callback fired before delay elapsed")
	}
	clock.Advance(9 * time.Second)
	drain(t, s)
	if fired != 0 {
		t.Fatal("callback fired early")
	}
	clock.Advance(time.Second)
	drain(t, s)
	if fired != 1 {
		t.Fatalf("expected one invocation, got %d", fired)
	}
	clock.Advance(time.Hour)
	drain(t, s)
	if fired != 1 {
		t.Fatalf("deferred callback must be one-shot, got %d", fired)
	}
}

func TestDeferredSkippedWhenContextCancelled(t *testing.T) {
	s, clock := newTestScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	fired := false
	s.Deferred(ctx, time.Second, func() { fired = true })
	cancel()
	clock.Advance(2 * time.Second)
	drain(t, s)
	if fired {
		t.Fatal("expected callback to be skipped after cancellation")
	}
	if timers, _ := s.Pending(); timers != 0 {
		t.Fatalf("expected no pending timers, got %d", timers)
	}
}

func TestTaskCancelWithdrawsDeferred(t *testing.T) {
	s, clock := newTestScheduler(t)
	fired := false
	task := s.Deferred(context.Background(), time.Second, func() { fired = true })
	task.Cancel()
	task.Cancel()
	clock.Advance(time.Minute)
	drain(t, s)
	if fired {
		t.Fatal("expected cancelled task not to fire")
	}
	if clock.Pending() != 0 {
		t.Fatalf("expected timer stopped, %d pending", clock.Pending())
	}
}

func TestZeroDelayDeferredRunsImmediately(t *testing.T) {
	s, _ := newTestScheduler(t)
	fired := false
	s.Deferred(context.Background(), 0, func() { fired = true })
	drain(t, s)
	if !fired {
		t.Fatal("expected zero-delay callback to run on next drain")
	}
}

func TestSpawnPostsCompletionOnLoop(t *testing.T) {
	s, _ := newTestScheduler(t)
	release := make(chan struct{})
	var results []scheduler.Result
	s.Spawn(context.Background(), "compress", func(ctx context.Context) (int, error) {
		<-release
		return 2, nil
	}, func(r scheduler.Result) { results = append(results, r) })

	if _, ops := s.Pending(); ops != 1 {
		t.Fatalf("expected 1 in-flight op, got %d", ops)
	}
	close(release)
	drain(t, s)

	if len(results) != 1 {
		t.Fatalf("expected exactly one completion, got %d", len(results))
	}
	if results[0].Name != "compress" || results[0].ExitCode != 2 || results[0].OK() {
		t.Fatalf("unexpected result: %+v", results[0])
	}
}

func TestSpawnRecoversPanics(t *testing.T) {
	s, _ := newTestScheduler(t)
	var got scheduler.Result
	s.Spawn(context.Background(), "boom", func(context.Context) (int, error) {
		panic("kaboom")
	}, func(r scheduler.Result) { got = r })
	drain(t, s)
	if got.Err == nil || got.OK() {
		t.Fatalf("expected panic surfaced as error, got %+v", got)
	}
}

func TestSpawnCancelledByItemContext(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	var got scheduler.Result
	calls := 0
	s.Spawn(ctx, "copy", func(opCtx context.Context) (int, error) {
		<-opCtx.Done()
		return 0, opCtx.Err()
	}, func(r scheduler.Result) {
		calls++
		got = r
	})
	cancel()
	drain(t, s)
	if calls != 1 {
		t.Fatalf("expected completion exactly once, got %d", calls)
	}
	if !got.Cancelled() {
		t.Fatalf("expected cancelled result, got %+v", got)
	}
}

func TestRunShutdownCancelsTimersAndOps(t *testing.T) {
	clock := scheduler.NewManualClock(epoch)
	s := scheduler.New(clock, logging.NewNop())

	var opCancelled atomic.Bool
	started := make(chan struct{})
	fired := false
	s.Deferred(context.Background(), time.Second, func() { fired = true })
	s.Spawn(context.Background(), "stack", func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		opCancelled.Store(true)
		return 0, ctx.Err()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	<-started
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	if !opCancelled.Load() {
		t.Fatal("expected in-flight op to observe cancellation")
	}
	clock.Advance(time.Minute)
	if fired {
		t.Fatal("expected pending timer withdrawn at shutdown")
	}
	timers, ops := s.Pending()
	if timers != 0 || ops != 0 {
		t.Fatalf("expected nothing pending, got timers=%d ops=%d", timers, ops)
	}

	late := s.Spawn(context.Background(), "late", func(context.Context) (int, error) { return 0, nil }, nil)
	if late == nil {
		t.Fatal("expected task handle after shutdown")
	}
}

func TestRunExecutesPostedWork(t *testing.T) {
	s := scheduler.New(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() { _ = s.Run(ctx) }()
	s.Do(func() { close(done) })

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("posted work did not run")
	}
}

func TestResultCancelled(t *testing.T) {
	if !(scheduler.Result{Err: scheduler.ErrStopped}).Cancelled() {
		t.Fatal("ErrStopped should count as cancellation")
	}
	if (scheduler.Result{Err: errors.New("io")}).Cancelled() {
		t.Fatal("plain errors are not cancellation")
	}
}
