package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"shepherd/internal/logging"
)

// ErrStopped is reported to spawned operations that complete after shutdown.
var ErrStopped = errors.New("scheduler stopped")

// Op is a blocking operation run off the loop. It returns the exit code of
// the external process it wraps (0 when not applicable) and an error.
type Op func(ctx context.Context) (int, error)

// Result describes the outcome of a spawned operation.
type Result struct {
	Name     string
	ExitCode int
	Err      error
	Duration time.Duration
}

// OK reports whether the operation succeeded.
func (r Result) OK() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Cancelled reports whether the operation ended because its context was cancelled.
func (r Result) Cancelled() bool {
	return errors.Is(r.Err, context.Canceled) || errors.Is(r.Err, ErrStopped)
}

// Task is a handle on deferred or spawned work.
type Task struct {
	name  string
	sched *Scheduler

	mu     sync.Mutex
	done   bool
	timer  Timer
	cancel context.CancelFunc
}

// Name returns the label the task was created with.
func (t *Task) Name() string { return t.name }

// Cancel withdraws a deferred callback or cancels a spawned operation. It is
// safe to call more than once and after the task has completed.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	timer, cancel := t.timer, t.cancel
	t.mu.Unlock()

	if timer != nil {
		timer.Stop()
		t.sched.forgetTimer(t)
	}
	if cancel != nil {
		cancel()
	}
}

// finish marks the task complete and reports whether this call did so.
func (t *Task) finish() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Scheduler runs posted callbacks one at a time on a single goroutine.
type Scheduler struct {
	clock  Clock
	logger *slog.Logger

	base context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	queue    []func()
	wake     chan struct{}
	closed   bool
	inflight int
	timers   map[*Task]struct{}
	ops      map[*Task]struct{}
	wg       sync.WaitGroup
}

// New constructs a Scheduler. A nil clock selects the real clock.
func New(clock Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = RealClock()
	}
	base, stop := context.WithCancel(context.Background())
	return &Scheduler{
		clock:  clock,
		logger: logging.NewComponentLogger(logger, "scheduler"),
		base:   base,
		stop:   stop,
		wake:   make(chan struct{}, 1),
		timers: make(map[*Task]struct{}),
		ops:    make(map[*Task]struct{}),
	}
}

// Clock returns the clock the scheduler measures delays with.
func (s *Scheduler) Clock() Clock { return s.clock }

// Now is shorthand for Clock().Now().
func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// Do posts fn to run on the loop.
func (s *Scheduler) Do(fn func()) {
	if fn == nil {
		return
	}
	s.post(fn)
}

// Deferred schedules callback to run on the loop after delay. The callback is
// skipped when ctx is done by the time it fires.
func (s *Scheduler) Deferred(ctx context.Context, delay time.Duration, callback func()) *Task {
	task := &Task{name: "deferred", sched: s}
	fire := func() {
		s.forgetTimer(task)
		if ctx.Err() != nil {
			task.finish()
			return
		}
		if !task.finish() {
			return
		}
		callback()
	}
	if delay <= 0 {
		s.post(fire)
		return task
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		task.finish()
		return task
	}
	s.timers[task] = struct{}{}
	s.mu.Unlock()

	timer := s.clock.AfterFunc(delay, func() { s.post(fire) })
	task.mu.Lock()
	task.timer = timer
	task.mu.Unlock()
	return task
}

// Spawn runs op on its own goroutine and posts onComplete with the outcome to
// the loop. The operation context is cancelled when ctx is, when the task is
// cancelled, or when the scheduler shuts down.
func (s *Scheduler) Spawn(ctx context.Context, name string, op Op, onComplete func(Result)) *Task {
	task := &Task{name: name, sched: s}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		task.finish()
		return task
	}
	opCtx, cancel := context.WithCancel(ctx)
	release := context.AfterFunc(s.base, cancel)
	task.cancel = cancel
	s.ops[task] = struct{}{}
	s.inflight++
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer release()
		defer cancel()

		started := s.clock.Now()
		code, err := runOp(opCtx, op)
		if err == nil && opCtx.Err() != nil && s.base.Err() != nil {
			err = ErrStopped
		}
		result := Result{Name: name, ExitCode: code, Err: err, Duration: s.clock.Now().Sub(started)}

		s.mu.Lock()
		delete(s.ops, task)
		s.inflight--
		if !s.closed && onComplete != nil {
			s.queue = append(s.queue, func() {
				task.finish()
				onComplete(result)
			})
		}
		s.mu.Unlock()
		s.signal()
	}()
	return task
}

func runOp(ctx context.Context, op Op) (code int, err error) {
	defer func() {
		if r := recover(); r != nil {
			code, err = -1, fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return op(ctx)
}

// Pending reports outstanding timers and in-flight operations.
func (s *Scheduler) Pending() (timers int, ops int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers), s.inflight
}

// Run drives the loop until ctx is cancelled, then shuts the scheduler down.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Debug("scheduler loop started", logging.String(logging.FieldEventType, "scheduler_start"))
	defer s.shutdown()
	for {
		if fn, ok := s.next(); ok {
			s.invoke(fn)
			continue
		}
		select {
		case <-ctx.Done():
			s.logger.Debug("scheduler loop stopping", logging.String(logging.FieldEventType, "scheduler_stop"))
			return nil
		case <-s.wake:
		}
	}
}

// Drain runs queued callbacks on the calling goroutine until the queue is
// empty and no spawned operation is in flight. Pending timers are not waited
// for. It is intended for tests and must not be combined with Run.
func (s *Scheduler) Drain(ctx context.Context) error {
	for {
		s.mu.Lock()
		var fn func()
		if len(s.queue) > 0 {
			fn = s.queue[0]
			s.queue = s.queue[1:]
		}
		idle := fn == nil && s.inflight == 0
		s.mu.Unlock()

		if fn != nil {
			s.invoke(fn)
			continue
		}
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		}
	}
}

// Close shuts the scheduler down without running the loop.
func (s *Scheduler) Close() {
	s.shutdown()
}

func (s *Scheduler) next() (func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	fn := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return fn, true
}

func (s *Scheduler) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.ErrorWithContext(s.logger, "scheduled callback panicked", "scheduler_panic",
				logging.Any("panic", r),
				logging.String(logging.FieldErrorHint, "report this failure; the affected item stops advancing"),
			)
		}
	}()
	fn()
}

func (s *Scheduler) post(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
	s.signal()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) forgetTimer(task *Task) {
	s.mu.Lock()
	delete(s.timers, task)
	s.mu.Unlock()
}

func (s *Scheduler) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	timers := make([]*Task, 0, len(s.timers))
	for task := range s.timers {
		timers = append(timers, task)
	}
	s.timers = make(map[*Task]struct{})
	s.queue = nil
	s.mu.Unlock()

	for _, task := range timers {
		task.Cancel()
	}
	s.stop()
	s.wg.Wait()
}
