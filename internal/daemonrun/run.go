package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"shepherd/internal/config"
	"shepherd/internal/daemon"
	"shepherd/internal/logging"
	"shepherd/internal/preflight"
	"shepherd/internal/staging"
)

// staleCopyAge is how old an interrupted copy must be before startup removes it.
const staleCopyAge = time.Hour

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel string
	// Strict refuses to start when a non-advisory preflight check fails.
	Strict bool
}

// Run starts the shepherd daemon and blocks until it drains after the watch
// walltime or the process receives SIGINT/SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if level := strings.TrimSpace(opts.LogLevel); level != "" {
		cfg.Logging.Level = level
	}
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	runID := uuid.NewString()
	logger = logger.With(logging.String(logging.FieldCorrelationID, runID))

	logPath := logging.LogFilePath(cfg)
	if removed := logging.PruneLogs(logger, cfg.Paths.LogDir, "shepherd-*.log", cfg.Logging.RetentionDays, time.Now(), logPath); removed > 0 {
		logger.Info("pruned old log files",
			logging.String(logging.FieldEventType, "logs_pruned"),
			logging.Int("removed", removed),
		)
	}

	results := preflight.RunAll(signalCtx, cfg)
	logPreflight(logger, results)
	if failed := preflight.Failed(results); len(failed) > 0 && opts.Strict {
		names := make([]string, 0, len(failed))
		for _, result := range failed {
			names = append(names, result.Name)
		}
		return fmt.Errorf("preflight failed: %s", strings.Join(names, ", "))
	}

	for _, root := range []string{cfg.Paths.LocalRoot, cfg.Paths.StorageRoot} {
		result := staging.CleanStale(signalCtx, root, staleCopyAge, logger)
		for _, cleanupErr := range result.Errors {
			logging.WarnWithContext(logger, "stale copy cleanup failed", "partial_cleanup_failed",
				logging.String("path", cleanupErr.Path),
				logging.Error(cleanupErr.Error),
				logging.String(logging.FieldImpact, "leftover partial file stays on disk"),
			)
		}
	}

	d, err := daemon.New(cfg, logger, daemon.WithRunID(runID))
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer func() {
		if err := d.Close(); err != nil {
			logger.Warn("daemon close failed", logging.Error(err))
		}
	}()

	if err := d.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
		logging.ErrorWithContext(logger, "daemon stopped with error", "daemon_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the lock file and journal path permissions"),
		)
		return err
	}
	if signalCtx.Err() != nil {
		logger.Info("shepherd daemon shutting down",
			logging.String(logging.FieldEventType, "daemon_shutdown"),
		)
	}
	return nil
}

func logPreflight(logger *slog.Logger, results []preflight.Result) {
	for _, result := range results {
		attrs := []logging.Attr{
			logging.String(logging.FieldEventType, "preflight"),
			logging.String("check", result.Name),
			logging.String("detail", result.Detail),
		}
		switch {
		case result.Passed:
			logger.Info("preflight check passed", logging.Args(attrs...)...)
		case result.Advisory:
			logging.WarnWithContext(logger, "preflight advisory", "preflight_advisory", attrs...)
		default:
			logging.WarnWithContext(logger, "preflight check failed", "preflight_failed",
				append(attrs, logging.String(logging.FieldImpact, "pipeline operations depending on this check will fail"))...)
		}
	}
}
