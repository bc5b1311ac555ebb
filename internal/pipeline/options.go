package pipeline

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"shepherd/internal/config"
)

// Options carries the project settings the state handlers depend on.
type Options struct {
	LocalRoot      string
	StorageRoot    string
	FramesPerMovie int
	// FrameSuffix is stripped from a frame's file stem to derive its group.
	FrameSuffix *regexp.Regexp
	// SettleAfter is how long a file's mtime must be quiet before import.
	SettleAfter time.Duration

	ProcessingEnabled bool
	ProcessingPoll    time.Duration

	CompressMaxAttempts int
	CompressRetryDelay  time.Duration
	StackMaxAttempts    int
	StackRetryDelay     time.Duration

	CopyWorkers int
}

// OptionsFromConfig derives handler options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	if cfg == nil {
		return Options{}, fmt.Errorf("config required")
	}
	suffix, err := regexp.Compile(cfg.Project.FrameSuffixPattern)
	if err != nil {
		return Options{}, fmt.Errorf("frame suffix pattern: %w", err)
	}
	return Options{
		LocalRoot:           cfg.Paths.LocalRoot,
		StorageRoot:         cfg.Paths.StorageRoot,
		FramesPerMovie:      cfg.Project.FramesPerMovie,
		FrameSuffix:         suffix,
		SettleAfter:         seconds(cfg.Workflow.SettleSeconds),
		ProcessingEnabled:   cfg.Processing.Enabled,
		ProcessingPoll:      seconds(cfg.Processing.PollInterval),
		CompressMaxAttempts: cfg.Compress.MaxAttempts,
		CompressRetryDelay:  seconds(cfg.Compress.RetryDelay),
		StackMaxAttempts:    cfg.Stack.MaxAttempts,
		StackRetryDelay:     seconds(cfg.Stack.RetryDelay),
		CopyWorkers:         cfg.Workflow.CopyWorkers,
	}, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (o *Options) normalize() error {
	if strings.TrimSpace(o.LocalRoot) == "" {
		return fmt.Errorf("local root required")
	}
	if strings.TrimSpace(o.StorageRoot) == "" {
		return fmt.Errorf("storage root required")
	}
	o.LocalRoot = filepath.Clean(o.LocalRoot)
	o.StorageRoot = filepath.Clean(o.StorageRoot)
	if o.FramesPerMovie < 1 {
		o.FramesPerMovie = 1
	}
	if o.FrameSuffix == nil {
		o.FrameSuffix = regexp.MustCompile(`[-_]\d+$`)
	}
	if o.SettleAfter <= 0 {
		o.SettleAfter = 15 * time.Second
	}
	if o.ProcessingPoll <= 0 {
		o.ProcessingPoll = 10 * time.Second
	}
	if o.CopyWorkers < 1 {
		o.CopyWorkers = 1
	}
	return nil
}

// GroupKey derives the group placeholder path for a frame's local copy by
// stripping the frame suffix from the file stem. The extension is kept.
func (o Options) GroupKey(localFrame string) (string, error) {
	dir, name := filepath.Split(localFrame)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	stripped := o.FrameSuffix.ReplaceAllString(stem, "")
	if stripped == stem {
		return "", fmt.Errorf("frame %q carries no frame suffix", name)
	}
	if stripped == "" {
		return "", fmt.Errorf("frame %q has an empty movie name", name)
	}
	return filepath.Join(dir, stripped+ext), nil
}

// StoragePath maps a local artifact under LocalRoot to its cold-storage
// destination, preserving the path relative to LocalRoot.
func (o Options) StoragePath(local string) string {
	rel, err := filepath.Rel(o.LocalRoot, local)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		rel = filepath.Base(local)
	}
	return filepath.Join(o.StorageRoot, rel)
}

// withinLocalRoot reports whether path lives under LocalRoot.
func (o Options) withinLocalRoot(path string) bool {
	rel, err := filepath.Rel(o.LocalRoot, path)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
