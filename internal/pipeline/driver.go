package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"shepherd/internal/logging"
	"shepherd/internal/scheduler"
)

// ErrWatchFinished is returned by a Watcher that will produce no more paths.
var ErrWatchFinished = errors.New("watch finished")

// Watcher yields batches of newly observed absolute paths.
type Watcher interface {
	Next(ctx context.Context) ([]string, error)
}

// Driver polls the watcher and admits new paths into the pipeline at a
// bounded cadence.
type Driver struct {
	watcher  Watcher
	sched    *scheduler.Scheduler
	pipeline *Pipeline
	interval time.Duration
	logger   *slog.Logger
}

// NewDriver constructs a Driver. interval is the minimum time between polls.
func NewDriver(watcher Watcher, sched *scheduler.Scheduler, p *Pipeline, interval time.Duration, logger *slog.Logger) *Driver {
	if interval <= 0 {
		interval = 20 * time.Second
	}
	return &Driver{
		watcher:  watcher,
		sched:    sched,
		pipeline: p,
		interval: interval,
		logger:   logging.NewComponentLogger(logger, "driver"),
	}
}

// Run polls until ctx is cancelled or the watcher finishes. Admission runs on
// the scheduler loop; Run itself blocks only on the watcher and the interval.
func (d *Driver) Run(ctx context.Context) error {
	for {
		batch, err := d.watcher.Next(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrWatchFinished):
			d.logger.Info("watcher finished; no new files will be admitted",
				logging.String(logging.FieldEventType, "watch_finished"),
				logging.Error(err),
			)
			return nil
		case err != nil:
			logging.WarnWithContext(d.logger, "watcher poll failed", "watch_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check that the watch pattern's directory is mounted"),
				logging.String(logging.FieldImpact, "new files are picked up on the next poll"),
			)
		case len(batch) > 0:
			admitted, err := d.admit(ctx, batch)
			if err != nil {
				return nil
			}
			d.logger.Info("files admitted",
				logging.String(logging.FieldEventType, "files_admitted"),
				logging.Int("observed", len(batch)),
				logging.Int("admitted", admitted),
			)
		}

		timer := time.NewTimer(d.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (d *Driver) admit(ctx context.Context, batch []string) (int, error) {
	done := make(chan int, 1)
	d.sched.Do(func() {
		done <- d.pipeline.Admit(batch)
	})
	select {
	case n := <-done:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
