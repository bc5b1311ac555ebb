package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"shepherd/internal/config"
	"shepherd/internal/deps"
	"shepherd/internal/journal"
	"shepherd/internal/logging"
	"shepherd/internal/metrics"
	"shepherd/internal/pipeline"
	"shepherd/internal/preflight"
	"shepherd/internal/probe"
	"shepherd/internal/scheduler"
	"shepherd/internal/services/lbzip2"
	"shepherd/internal/services/newstack"
	"shepherd/internal/watcher"
)

const idlePollInterval = time.Second

// Option customizes how New assembles the daemon.
type Option func(*builder)

type builder struct {
	clock      scheduler.Clock
	compressor pipeline.Compressor
	stacker    pipeline.Stacker
	probe      pipeline.Probe
	watcher    pipeline.Watcher
	runID      string
}

// WithClock replaces the real clock (primarily for tests).
func WithClock(clock scheduler.Clock) Option {
	return func(b *builder) { b.clock = clock }
}

// WithCompressor replaces the lbzip2 wrapper.
func WithCompressor(c pipeline.Compressor) Option {
	return func(b *builder) { b.compressor = c }
}

// WithStacker replaces the newstack wrapper.
func WithStacker(s pipeline.Stacker) Option {
	return func(b *builder) { b.stacker = s }
}

// WithProbe replaces the configured processing probe.
func WithProbe(p pipeline.Probe) Option {
	return func(b *builder) { b.probe = p }
}

// WithWatcher replaces the pattern monitor.
func WithWatcher(w pipeline.Watcher) Option {
	return func(b *builder) { b.watcher = w }
}

// WithRunID tags the daemon with a run identifier for logs and status.
func WithRunID(id string) Option {
	return func(b *builder) { b.runID = id }
}

// Daemon owns one project's pipeline for the life of the process.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	runID  string

	sched    *scheduler.Scheduler
	pipeline *pipeline.Pipeline
	driver   *pipeline.Driver
	monitor  *watcher.PatternMonitor
	store    *journal.Store
	writer   *journal.Writer
	metrics  *metrics.Collector
	api      *apiServer

	lockPath string
	lock     *flock.Flock

	running       atomic.Bool
	watchFinished atomic.Bool
	startedAt     atomic.Pointer[time.Time]
}

// Status represents daemon runtime information.
type Status struct {
	Running       bool                   `json:"running"`
	PID           int                    `json:"pid"`
	Project       string                 `json:"project"`
	RunID         string                 `json:"run_id,omitempty"`
	StartedAt     time.Time              `json:"started_at,omitzero"`
	WatchPattern  string                 `json:"watch_pattern"`
	WatchFinished bool                   `json:"watch_finished"`
	Active        int                    `json:"active"`
	Failed        int                    `json:"failed"`
	States        map[pipeline.State]int `json:"states"`
	JournalPath   string                 `json:"journal_path"`
	LockFilePath  string                 `json:"lock_path"`
	Dependencies  []deps.Status          `json:"dependencies"`
}

// New builds every component from cfg. The journal is recreated; nothing
// from a previous run is recovered.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires config")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	b := builder{clock: scheduler.RealClock()}
	for _, opt := range opts {
		opt(&b)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		runID:    b.runID,
		lockPath: cfg.LockPath(),
		lock:     flock.New(cfg.LockPath()),
	}
	if err := d.assemble(b, logger); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) assemble(b builder, logger *slog.Logger) error {
	cfg := d.cfg
	var err error

	if b.compressor == nil {
		if b.compressor, err = lbzip2.New(cfg.Compress.Binary, cfg.Compress.Threads,
			lbzip2.WithOverwrite(true), lbzip2.WithLogger(logger)); err != nil {
			return fmt.Errorf("compressor: %w", err)
		}
	}
	if b.stacker == nil && cfg.Project.FramesPerMovie > 1 {
		if b.stacker, err = newstack.New(cfg.Stack.Binary, newstack.WithLogger(logger)); err != nil {
			return fmt.Errorf("stacker: %w", err)
		}
	}
	if b.probe == nil {
		b.probe = probe.FromConfig(cfg.Processing)
	}

	d.store, err = journal.Create(cfg.JournalPath())
	if err != nil {
		return fmt.Errorf("create journal: %w", err)
	}
	d.writer = journal.NewWriter(d.store, logger)
	d.metrics = metrics.New(cfg.Project.Name)
	d.sched = scheduler.New(b.clock, logger)

	opts, err := pipeline.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	d.pipeline, err = pipeline.New(opts, pipeline.Dependencies{
		Scheduler:  d.sched,
		Compressor: b.compressor,
		Stacker:    b.stacker,
		Probe:      b.probe,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	d.pipeline.Machine().Observe(d.writer)
	d.pipeline.Machine().Observe(d.metrics)

	source := b.watcher
	if source == nil {
		d.monitor, err = watcher.New(watcher.Options{
			Pattern:      cfg.Project.WatchPattern,
			PollInterval: seconds(cfg.Workflow.WatchPollInterval),
			Walltime:     seconds(cfg.Workflow.WatchWalltime),
			Logger:       logger,
		})
		if err != nil {
			return fmt.Errorf("watcher: %w", err)
		}
		source = watchSource{monitor: d.monitor}
	}
	d.driver = pipeline.NewDriver(source, d.sched, d.pipeline, seconds(cfg.Workflow.MinImportInterval), logger)

	d.api, err = newAPIServer(cfg, d, logger)
	return err
}

// watchSource adapts the pattern monitor to the driver, reporting walltime
// expiry as the end of watching.
type watchSource struct {
	monitor *watcher.PatternMonitor
}

func (w watchSource) Next(ctx context.Context) ([]string, error) {
	batch, err := w.monitor.Next(ctx)
	if errors.Is(err, watcher.ErrWalltimeExceeded) {
		return nil, fmt.Errorf("%w: %w", pipeline.ErrWatchFinished, err)
	}
	return batch, err
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Run acquires the project lock and drives the scheduler, driver, journal
// writer, and API server until ctx is cancelled. Once the watcher finishes,
// Run keeps going until every admitted item has retired and then returns.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("daemon already running")
	}
	defer d.running.Store(false)

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another shepherd daemon is already running for project %q (lock %s)", d.cfg.Project.Name, d.lockPath)
	}
	defer func() {
		if err := d.lock.Unlock(); err != nil {
			d.logger.Warn("failed to release daemon lock", logging.Error(err))
		}
	}()

	if err := d.api.listen(); err != nil {
		return err
	}

	now := time.Now()
	d.startedAt.Store(&now)
	d.logger.Info("shepherd daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("project", d.cfg.Project.Name),
		logging.String("watch_pattern", d.cfg.Project.WatchPattern),
		logging.String("lock", d.lockPath),
		logging.String("journal", d.store.Path()),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return d.sched.Run(gctx) })
	g.Go(func() error { return d.writer.Run(gctx) })
	if d.api != nil {
		g.Go(func() error { return d.api.serve(gctx) })
	}
	g.Go(func() error {
		if err := d.driver.Run(gctx); err != nil {
			return err
		}
		if gctx.Err() != nil {
			return nil
		}
		d.watchFinished.Store(true)
		d.logger.Info("watching finished; waiting for active items to retire",
			logging.String(logging.FieldEventType, "draining"),
		)
		parked, ok := d.awaitIdle(gctx)
		if !ok {
			return nil
		}
		for _, view := range parked {
			attrs := []logging.Attr{
				logging.String(logging.FieldItemKey, view.Key),
				logging.String(logging.FieldState, string(view.State)),
				logging.String("kind", view.Kind),
				logging.Alert("parked_at_exit"),
				logging.String(logging.FieldImpact, "item was not delivered to storage"),
				logging.String(logging.FieldErrorHint, "inspect the item with shepherd status --failed and rerun after fixing the cause"),
			}
			if view.Failure != nil {
				attrs = append(attrs, logging.String("failed_op", view.Failure.Op), logging.String("reason", view.Failure.Message))
			}
			logging.WarnWithContext(d.logger, "item left unfinished at exit", "item_parked", attrs...)
		}
		d.logger.Info("all items retired or parked",
			logging.String(logging.FieldEventType, "drained"),
			logging.Int("parked", len(parked)),
		)
		cancel()
		return nil
	})

	err = g.Wait()
	d.logger.Info("shepherd daemon stopped",
		logging.String(logging.FieldEventType, "daemon_stopped"),
	)
	return err
}

// awaitIdle blocks until every remaining item is parked, returning those
// items. It returns false when ctx ends first.
func (d *Daemon) awaitIdle(ctx context.Context) ([]pipeline.ItemView, bool) {
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()
	for {
		views, err := d.Snapshot(ctx)
		if err != nil {
			return nil, false
		}
		if settled(views) {
			return views, true
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-ticker.C:
		}
	}
}

// settled reports whether no item in views can still advance on its own.
// Failed items are parked, as are groups waiting for frames that will never
// arrive and the frames attached to such groups.
func settled(views []pipeline.ItemView) bool {
	groups := make(map[string]pipeline.ItemView)
	for _, view := range views {
		if view.Kind == "group" {
			groups[view.Key] = view
		}
	}
	stuck := func(group pipeline.ItemView) bool {
		if group.Failure != nil {
			return true
		}
		return group.State == pipeline.StateStacking && group.Frames < group.Expected
	}
	for _, view := range views {
		switch {
		case view.Failure != nil:
		case view.Kind == "group" && stuck(view):
		case view.Kind == "frame" && view.State == pipeline.StateStacking:
			if group, ok := groups[view.GroupKey]; ok && !stuck(group) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Snapshot returns the active items as seen by the scheduler loop.
func (d *Daemon) Snapshot(ctx context.Context) ([]pipeline.ItemView, error) {
	if !d.running.Load() {
		return nil, errors.New("daemon not running")
	}
	out := make(chan []pipeline.ItemView, 1)
	d.sched.Do(func() { out <- d.pipeline.Machine().Snapshot() })
	select {
	case views := <-out:
		return views, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status returns the current daemon status. Item counts are omitted when the
// loop cannot be reached before ctx ends.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:       d.running.Load(),
		PID:           os.Getpid(),
		Project:       d.cfg.Project.Name,
		RunID:         d.runID,
		WatchPattern:  d.cfg.Project.WatchPattern,
		WatchFinished: d.watchFinished.Load(),
		States:        make(map[pipeline.State]int),
		JournalPath:   d.cfg.JournalPath(),
		LockFilePath:  d.lockPath,
		Dependencies:  preflight.CheckSystemDeps(ctx, d.cfg),
	}
	if started := d.startedAt.Load(); started != nil {
		status.StartedAt = *started
	}
	if views, err := d.Snapshot(ctx); err == nil {
		status.Active = len(views)
		for _, view := range views {
			status.States[view.State]++
			if view.Failure != nil {
				status.Failed++
			}
		}
	}
	return status
}

// Metrics returns the daemon's metrics collector.
func (d *Daemon) Metrics() *metrics.Collector { return d.metrics }

// Close releases resources held by the daemon. Call it after Run returns.
func (d *Daemon) Close() error {
	var errs []error
	if d.monitor != nil {
		errs = append(errs, d.monitor.Close())
	}
	if d.sched != nil {
		d.sched.Close()
	}
	if d.pipeline != nil {
		d.pipeline.Machine().Close()
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	return errors.Join(errs...)
}
