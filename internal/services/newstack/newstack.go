// Package newstack wraps IMOD's newstack, which concatenates movie frames
// into a single stack file.
package newstack

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"shepherd/internal/logging"
	"shepherd/internal/services"
)

// Option configures the stacker.
type Option func(*Stacker)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec services.Executor) Option {
	return func(s *Stacker) {
		if exec != nil {
			s.exec = exec
		}
	}
}

// WithLogger routes tool output to logger at debug level.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stacker) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Stacker runs newstack.
type Stacker struct {
	binary string
	exec   services.Executor
	logger *slog.Logger
}

// New constructs a Stacker.
func New(binary string, opts ...Option) (*Stacker, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, services.Wrap(services.ErrConfiguration, "", "newstack", "binary required", nil)
	}
	s := &Stacker{
		binary: binary,
		exec:   services.CommandExecutor{},
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.NewComponentLogger(s.logger, "newstack")
	return s, nil
}

// Args returns the argument vector used to stack frames into out.
func Args(frames []string, out string) []string {
	args := make([]string, 0, len(frames)+3)
	args = append(args, "-bytes", "0")
	args = append(args, frames...)
	return append(args, out)
}

// Stack writes the frames, in order, to out. A non-zero exit is returned as a
// code with a nil error.
func (s *Stacker) Stack(ctx context.Context, frames []string, out string) (int, error) {
	if len(frames) == 0 {
		return -1, services.Wrap(services.ErrValidation, "stacking", "newstack", "no frames to stack", nil)
	}
	if strings.TrimSpace(out) == "" {
		return -1, services.Wrap(services.ErrValidation, "stacking", "newstack", "output path required", nil)
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return -1, services.Wrap(services.ErrTransient, "stacking", "newstack", "create output directory", err)
	}

	err := s.exec.Run(ctx, s.binary, Args(frames, out), func(line string) {
		s.logger.Debug("newstack output", logging.String("line", line))
	})
	code, err := services.ExitCode(ctx, err)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return code, err
		}
		return code, services.Wrap(services.ErrExternalTool, "stacking", "newstack", "run failed", err)
	}
	return code, nil
}
