package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"

	"shepherd/internal/fileutil"
	"shepherd/internal/logging"
	"shepherd/internal/scheduler"
	"shepherd/internal/services"
)

// Compressor wraps the external lossless compression tool.
type Compressor interface {
	Compress(ctx context.Context, path string) (int, error)
	Suffix() string
}

// Stacker wraps the external frame assembly tool.
type Stacker interface {
	Stack(ctx context.Context, frames []string, out string) (int, error)
}

// Probe reports whether downstream processing of a stack has completed.
type Probe interface {
	Complete(path string) bool
}

// CopyFunc copies src to dst, creating directories and overwriting dst. It
// returns ctx's error once ctx ends mid-copy.
type CopyFunc func(ctx context.Context, src, dst string) error

// Dependencies are the collaborators the state handlers call out to.
type Dependencies struct {
	Scheduler  *scheduler.Scheduler
	Machine    *Machine
	Compressor Compressor
	Stacker    Stacker
	Probe      Probe
	Copy       CopyFunc
	Logger     *slog.Logger
}

// Pipeline binds the state-entry handlers to a Machine.
type Pipeline struct {
	opts       Options
	sched      *scheduler.Scheduler
	machine    *Machine
	compressor Compressor
	stacker    Stacker
	probe      Probe
	copy       CopyFunc
	copySlots  *semaphore.Weighted
	logger     *slog.Logger
}

// New validates opts, builds a Machine when deps does not supply one, and
// registers every state handler.
func New(opts Options, deps Dependencies) (*Pipeline, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	if deps.Scheduler == nil {
		return nil, errors.New("scheduler required")
	}
	if deps.Compressor == nil {
		return nil, errors.New("compressor required")
	}
	if deps.Stacker == nil && opts.FramesPerMovie > 1 {
		return nil, errors.New("stacker required when frames_per_movie > 1")
	}
	if deps.Probe == nil && opts.ProcessingEnabled {
		return nil, errors.New("processing probe required when processing is enabled")
	}
	if deps.Copy == nil {
		deps.Copy = fileutil.SafeCopyContext
	}
	machine := deps.Machine
	if machine == nil {
		machine = NewMachine(DefaultTable(), deps.Logger, WithClock(deps.Scheduler.Now))
	}

	p := &Pipeline{
		opts:       opts,
		sched:      deps.Scheduler,
		machine:    machine,
		compressor: deps.Compressor,
		stacker:    deps.Stacker,
		probe:      deps.Probe,
		copy:       deps.Copy,
		copySlots:  semaphore.NewWeighted(int64(opts.CopyWorkers)),
		logger:     logging.NewComponentLogger(deps.Logger, "pipeline"),
	}
	p.register()
	return p, nil
}

// Machine returns the state machine the handlers drive.
func (p *Pipeline) Machine() *Machine { return p.machine }

// Options returns the normalized handler options.
func (p *Pipeline) Options() Options { return p.opts }

func (p *Pipeline) register() {
	p.machine.Handle(StateCreating, p.onCreating)
	p.machine.Handle(StateImporting, p.onImporting)
	p.machine.Handle(StateStacking, p.onStacking)
	p.machine.Handle(StateCompressing, p.onCompressing)
	p.machine.Handle(StateExporting, p.onExporting)
	p.machine.Handle(StateProcessing, p.onProcessing)
	p.machine.Handle(StateCleaning, p.onCleaning)
	p.machine.Handle(StateFinished, p.onFinished)
}

// Admit registers one item per new path and applies initialize to each. Paths
// that are already active are skipped. It must run on the scheduler loop.
func (p *Pipeline) Admit(paths []string) int {
	admitted := 0
	for _, path := range paths {
		key := filepath.Clean(path)
		if _, err := p.machine.Lookup(key); err == nil {
			continue
		}
		item := NewItem(key)
		if err := p.machine.AddItem(item, StateInitial); err != nil {
			logging.WarnWithContext(p.logger, "item registration failed; file skipped", "item_register_failed",
				logging.String(logging.FieldItemKey, key),
				logging.Error(err),
				logging.String(logging.FieldImpact, "file will not be imported"),
			)
			continue
		}
		p.apply(item, TransitionInitialize)
		admitted++
	}
	return admitted
}

func (p *Pipeline) onCreating(item *Item) {
	info, err := os.Stat(item.Files.Original)
	if err != nil {
		marker := services.ErrTransient
		if errors.Is(err, os.ErrNotExist) {
			marker = services.ErrNotFound
		}
		p.fail(item, "stat", services.Wrap(marker, string(StateCreating), "stat", "source file unavailable", err))
		return
	}
	elapsed := p.sched.Now().Sub(info.ModTime())
	if elapsed > p.opts.SettleAfter {
		p.apply(item, TransitionImportFile)
		return
	}
	wait := p.opts.SettleAfter + time.Second - elapsed
	p.itemLogger(item).Debug("file still settling",
		logging.Duration("elapsed", elapsed),
		logging.Duration("recheck_in", wait),
	)
	p.after(item, wait, StateCreating, p.onCreating)
}

func (p *Pipeline) onImporting(item *Item) {
	dst := filepath.Join(p.opts.LocalRoot, filepath.Base(item.Files.Original))
	item.Files.LocalOriginal = dst
	p.spawnCopy(item, "import", item.Files.Original, dst, func() {
		if p.opts.FramesPerMovie > 1 {
			p.apply(item, TransitionStack)
			return
		}
		item.Files.LocalStack = item.Files.LocalOriginal
		p.apply(item, TransitionCompress)
	})
}

func (p *Pipeline) onStacking(item *Item) {
	if p.opts.FramesPerMovie == 1 {
		p.apply(item, TransitionCompress)
		return
	}
	if group := item.Group(); group != nil {
		if !group.BeginAssembly() {
			p.itemLogger(item).Debug("group waiting for frames",
				logging.Int("frames", group.Len()),
				logging.Int("expected", group.Expected()),
				logging.Bool("assembling", group.Assembling()),
			)
			return
		}
		p.assemble(item)
		return
	}
	p.attachFrame(item)
}

func (p *Pipeline) attachFrame(frame *Item) {
	key, err := p.opts.GroupKey(frame.Files.LocalOriginal)
	if err != nil {
		p.fail(frame, "group", services.Wrap(services.ErrValidation, string(StateStacking), "group", "derive group key", err))
		return
	}
	groupItem, ok := p.machine.LookupGroup(key)
	if !ok {
		groupItem = NewGroupItem(key, p.opts.FramesPerMovie)
		if err := p.machine.AddItem(groupItem, StateStacking); err != nil {
			p.fail(frame, "group", services.Wrap(services.ErrValidation, string(StateStacking), "group", "register group", err))
			return
		}
		p.itemLogger(groupItem).Info("group created",
			logging.String(logging.FieldEventType, "group_created"),
			logging.Int("expected", p.opts.FramesPerMovie),
		)
	}
	if err := groupItem.Group().Add(frame); err != nil {
		p.fail(frame, "group", services.Wrap(services.ErrValidation, string(StateStacking), "group", "attach frame to "+key, err))
		return
	}
	frame.groupKey = key
	p.apply(groupItem, TransitionStack)
}

func (p *Pipeline) assemble(groupItem *Item) {
	group := groupItem.Group()
	frames := group.FramePaths()
	out := groupItem.Files.LocalStack
	attempt := groupItem.bumpAttempt("stack")
	logger := p.itemLogger(groupItem)
	logger.Info("stack assembly started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.Int("frames", len(frames)),
		logging.Int("attempt", attempt),
	)

	task := p.sched.Spawn(groupItem.Context(), "stack", func(ctx context.Context) (int, error) {
		return p.stacker.Stack(ctx, frames, out)
	}, func(result scheduler.Result) {
		p.machine.notifyOperation(groupItem, "stack", result)
		if result.Cancelled() {
			group.EndAssembly()
			return
		}
		if result.OK() {
			logger.Info("stack assembly completed",
				logging.String(logging.FieldEventType, "stage_complete"),
				logging.Duration("duration", result.Duration),
			)
			members := group.Frames()
			group.Seal()
			for _, frame := range members {
				if frame.Retired() {
					continue
				}
				p.apply(frame, TransitionClean)
			}
			p.apply(groupItem, TransitionCompress)
			return
		}
		group.EndAssembly()
		err := operationError(string(StateStacking), "stack", result)
		if !p.shouldRetry(err, attempt, p.opts.StackMaxAttempts) {
			p.fail(groupItem, "stack", err)
			return
		}
		p.retry(groupItem, "stack", attempt, p.opts.StackRetryDelay, err, func() {
			p.apply(groupItem, TransitionStack)
		})
	})
	groupItem.track(task)
}

func (p *Pipeline) onCompressing(item *Item) {
	src := item.Files.LocalStack
	item.Files.LocalCompressed = src + p.compressor.Suffix()
	attempt := item.bumpAttempt("compress")
	logger := p.itemLogger(item)
	logger.Info("compression started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.Int("attempt", attempt),
	)

	task := p.sched.Spawn(item.Context(), "compress", func(ctx context.Context) (int, error) {
		return p.compressor.Compress(ctx, src)
	}, func(result scheduler.Result) {
		p.machine.notifyOperation(item, "compress", result)
		if result.Cancelled() {
			return
		}
		if result.OK() {
			logger.Info("compression completed",
				logging.String(logging.FieldEventType, "stage_complete"),
				logging.Duration("duration", result.Duration),
			)
			p.apply(item, TransitionExport)
			return
		}
		err := operationError(string(StateCompressing), "compress", result)
		if !p.shouldRetry(err, attempt, p.opts.CompressMaxAttempts) {
			p.fail(item, "compress", err)
			return
		}
		p.retry(item, "compress", attempt, p.opts.CompressRetryDelay, err, func() {
			p.apply(item, TransitionCompress)
		})
	})
	item.track(task)
}

func (p *Pipeline) onExporting(item *Item) {
	dst := p.opts.StoragePath(item.Files.LocalCompressed)
	item.Files.StorageFinal = dst
	p.spawnCopy(item, "export", item.Files.LocalCompressed, dst, func() {
		if p.opts.ProcessingEnabled {
			p.apply(item, TransitionHoldForProcessing)
			return
		}
		p.apply(item, TransitionClean)
	})
}

func (p *Pipeline) onProcessing(item *Item) {
	if p.probe.Complete(item.Files.LocalStack) {
		p.itemLogger(item).Info("downstream processing complete",
			logging.String(logging.FieldEventType, "processing_complete"),
		)
		p.apply(item, TransitionClean)
		return
	}
	p.after(item, p.opts.ProcessingPoll, StateProcessing, p.onProcessing)
}

func (p *Pipeline) onCleaning(item *Item) {
	removed := 0
	for _, path := range p.ownedArtifacts(item) {
		if err := fileutil.RemoveIfExists(path); err != nil {
			logging.WarnWithContext(p.itemLogger(item), "artifact removal failed; file remains", "cleanup_failed",
				logging.String("path", path),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check permissions on the local root"),
				logging.String(logging.FieldImpact, "scratch space is not reclaimed for this file"),
			)
			continue
		}
		removed++
	}
	p.itemLogger(item).Debug("local artifacts removed", logging.Int("count", removed))
	p.apply(item, TransitionFinalize)
}

func (p *Pipeline) onFinished(item *Item) {
	p.itemLogger(item).Info("item finished",
		logging.String(logging.FieldEventType, "item_finished"),
		logging.String("storage_final", item.Files.StorageFinal),
		logging.Int("transitions", len(item.history)),
	)
	p.machine.Remove(item.Key)
}

// ownedArtifacts lists the local files an item may delete. Anything outside
// the local root (the watched original, the storage copy) is never touched.
func (p *Pipeline) ownedArtifacts(item *Item) []string {
	candidates := []string{item.Files.LocalOriginal, item.Files.LocalStack, item.Files.LocalCompressed}
	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, path := range candidates {
		if path == "" || !p.opts.withinLocalRoot(path) {
			continue
		}
		if _, dup := seen[path]; dup {
			continue
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}
	return out
}

func (p *Pipeline) spawnCopy(item *Item, op, src, dst string, next func()) {
	logger := p.itemLogger(item)
	logger.Debug("copy queued", logging.String("op", op), logging.String("src", src), logging.String("dst", dst))
	task := p.sched.Spawn(item.Context(), op, func(ctx context.Context) (int, error) {
		if err := p.copySlots.Acquire(ctx, 1); err != nil {
			return 0, err
		}
		defer p.copySlots.Release(1)
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return 0, p.copy(ctx, src, dst)
	}, func(result scheduler.Result) {
		p.machine.notifyOperation(item, op, result)
		if result.Cancelled() {
			return
		}
		if result.Err != nil {
			marker := services.ErrTransient
			if errors.Is(result.Err, os.ErrNotExist) {
				marker = services.ErrNotFound
			}
			p.fail(item, op, services.Wrap(marker, string(item.State()), op, "copy "+src, result.Err))
			return
		}
		logger.Info(op+" completed",
			logging.String(logging.FieldEventType, "stage_complete"),
			logging.String("dst", dst),
			logging.Duration("duration", result.Duration),
		)
		next()
	})
	item.track(task)
}

// after re-enters handler once delay elapses, provided the item is still in state.
func (p *Pipeline) after(item *Item, delay time.Duration, state State, handler Handler) {
	task := p.sched.Deferred(item.Context(), delay, func() {
		if item.Retired() || item.State() != state {
			return
		}
		handler(item)
	})
	item.track(task)
}

func (p *Pipeline) shouldRetry(err error, attempt, maxAttempts int) bool {
	if !services.Retryable(err) {
		return false
	}
	return maxAttempts <= 0 || attempt < maxAttempts
}

func (p *Pipeline) retry(item *Item, op string, attempt int, delay time.Duration, cause error, again func()) {
	logging.WarnWithContext(p.itemLogger(item), op+" failed; retrying", op+"_retry",
		logging.Error(cause),
		logging.Int("attempt", attempt),
		logging.Duration("retry_in", delay),
		logging.String(logging.FieldErrorHint, "check the "+op+" tool output and free disk space"),
		logging.String(logging.FieldImpact, "item is delayed until the retry succeeds"),
	)
	p.machine.notifyRetry(item, op, attempt)
	state := item.State()
	if delay <= 0 {
		again()
		return
	}
	task := p.sched.Deferred(item.Context(), delay, func() {
		if item.Retired() || item.State() != state {
			return
		}
		again()
	})
	item.track(task)
}

func (p *Pipeline) apply(item *Item, name Transition) {
	if err := p.machine.Apply(item, name); err != nil {
		p.fail(item, string(name), err)
	}
}

func (p *Pipeline) fail(item *Item, op string, err error) {
	p.machine.Fail(item, op, err)
	logging.ErrorWithContext(p.itemLogger(item), "item stopped advancing", "item_failed",
		logging.String("op", op),
		logging.Error(err),
		logging.Int("attempts", item.Attempts(op)),
		logging.Alert("item_failed"),
		logging.String(logging.FieldErrorHint, failureHint(op)),
	)
}

func (p *Pipeline) itemLogger(item *Item) *slog.Logger {
	ctx := services.WithItemKey(context.Background(), item.Key)
	ctx = services.WithState(ctx, string(item.State()))
	return logging.WithContext(ctx, p.logger)
}

func operationError(state, op string, result scheduler.Result) error {
	if result.Err != nil {
		return services.Wrap(services.ErrExternalTool, state, op, "run failed", result.Err)
	}
	return services.Wrap(services.ErrExternalTool, state, op, fmt.Sprintf("exit code %d", result.ExitCode), nil)
}

func failureHint(op string) string {
	switch op {
	case "stat":
		return "the watched file disappeared before import; check the acquisition share"
	case "import", "export":
		return "check free space and permissions on the local and storage roots"
	case "group":
		return "check frame naming against project.frame_suffix_pattern and frames_per_movie"
	case "stack":
		return "inspect the frames and newstack output, then restart to retry"
	case "compress":
		return "check lbzip2 availability and free space on the local root"
	default:
		return "check logs for details"
	}
}
