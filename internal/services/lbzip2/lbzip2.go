// Package lbzip2 wraps the lbzip2 parallel compressor.
package lbzip2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"shepherd/internal/logging"
	"shepherd/internal/services"
)

// Suffix is appended to a compressed file's name.
const Suffix = ".bz2"

const decompressThreads = 4

// Option configures the compressor.
type Option func(*Compressor)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec services.Executor) Option {
	return func(c *Compressor) {
		if exec != nil {
			c.exec = exec
		}
	}
}

// WithOverwrite passes -f so a partial archive left by an interrupted attempt
// is replaced instead of failing the retry.
func WithOverwrite(overwrite bool) Option {
	return func(c *Compressor) { c.overwrite = overwrite }
}

// WithLogger routes tool output to logger at debug level.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Compressor) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Compressor runs lbzip2 against single files, keeping the input.
type Compressor struct {
	binary    string
	threads   int
	overwrite bool
	exec      services.Executor
	logger    *slog.Logger
}

// New constructs a Compressor. threads below one selects a single thread.
func New(binary string, threads int, opts ...Option) (*Compressor, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, services.Wrap(services.ErrConfiguration, "", "lbzip2", "binary required", nil)
	}
	if threads < 1 {
		threads = 1
	}
	c := &Compressor{
		binary:  binary,
		threads: threads,
		exec:    services.CommandExecutor{},
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.NewComponentLogger(c.logger, "lbzip2")
	return c, nil
}

// Suffix returns the extension lbzip2 appends to its output.
func (c *Compressor) Suffix() string { return Suffix }

// CompressArgs returns the argument vector used to compress path.
func (c *Compressor) CompressArgs(path string) []string {
	args := []string{"-k", "-n", strconv.Itoa(c.threads), "-z"}
	if c.overwrite {
		args = append(args, "-f")
	}
	return append(args, path)
}

// Compress writes path+".bz2" next to path. A non-zero exit is returned as a
// code with a nil error; the error is reserved for failures to run at all.
func (c *Compressor) Compress(ctx context.Context, path string) (int, error) {
	if strings.TrimSpace(path) == "" {
		return -1, services.Wrap(services.ErrValidation, "compressing", "lbzip2", "input path required", nil)
	}
	return c.run(ctx, c.CompressArgs(path))
}

// Decompress restores path (which must end in .bz2) alongside the archive.
func (c *Compressor) Decompress(ctx context.Context, path string) (int, error) {
	if !strings.HasSuffix(path, Suffix) {
		return -1, services.Wrap(services.ErrValidation, "", "lbzip2", fmt.Sprintf("%s is not a %s archive", path, Suffix), nil)
	}
	args := []string{"-d", "-n", strconv.Itoa(decompressThreads), "-k"}
	if c.overwrite {
		args = append(args, "-f")
	}
	return c.run(ctx, append(args, path))
}

func (c *Compressor) run(ctx context.Context, args []string) (int, error) {
	err := c.exec.Run(ctx, c.binary, args, func(line string) {
		c.logger.Debug("lbzip2 output", logging.String("line", line))
	})
	code, err := services.ExitCode(ctx, err)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return code, err
		}
		return code, services.Wrap(services.ErrExternalTool, "", "lbzip2", "run failed", err)
	}
	return code, nil
}
