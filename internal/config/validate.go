package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateProject(); err != nil {
		return err
	}
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateRetries(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateProject() error {
	if c.Project.Name == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/shepherd/config.toml"
		}
		return fmt.Errorf("project.name is required. Set SHEPHERD_PROJECT env var or edit %s (create with 'shepherd config init')", defaultPath)
	}
	if strings.ContainsAny(c.Project.Name, `/\`) {
		return errors.New("project.name must not contain path separators")
	}
	if c.Project.WatchPattern == "" {
		return errors.New("project.watch_pattern must be set")
	}
	if c.Project.FramesPerMovie < 1 || c.Project.FramesPerMovie >= 100 {
		return errors.New("project.frames_per_movie must be between 1 and 99")
	}
	if _, err := regexp.Compile(c.Project.FrameSuffixPattern); err != nil {
		return fmt.Errorf("project.frame_suffix_pattern: %w", err)
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.LocalRoot == "" {
		return errors.New("paths.local_root must be set")
	}
	if c.Paths.StorageRoot == "" {
		return errors.New("paths.storage_root is required. Set SHEPHERD_STORAGE_ROOT env var or edit the config file")
	}
	local := filepath.Clean(c.Paths.LocalRoot)
	storage := filepath.Clean(c.Paths.StorageRoot)
	if local == storage {
		return errors.New("paths.local_root and paths.storage_root must differ")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositiveMap(map[string]int{
		"workflow.min_import_interval": c.Workflow.MinImportInterval,
		"workflow.settle_seconds":      c.Workflow.SettleSeconds,
		"workflow.watch_poll_interval": c.Workflow.WatchPollInterval,
		"workflow.copy_workers":        c.Workflow.CopyWorkers,
		"compress.threads":             c.Compress.Threads,
	}); err != nil {
		return err
	}
	if c.Workflow.WatchWalltime < 0 {
		return errors.New("workflow.watch_walltime must not be negative")
	}
	if c.Processing.Enabled && c.Processing.PollInterval <= 0 {
		return errors.New("processing.poll_interval must be positive when processing.enabled is true")
	}
	return nil
}

func (c *Config) validateRetries() error {
	for key, value := range map[string]int{
		"compress.max_attempts":  c.Compress.MaxAttempts,
		"compress.retry_delay":   c.Compress.RetryDelay,
		"stack.max_attempts":     c.Stack.MaxAttempts,
		"stack.retry_delay":      c.Stack.RetryDelay,
		"logging.retention_days": c.Logging.RetentionDays,
	} {
		if value < 0 {
			return fmt.Errorf("%s must not be negative", key)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if values[key] <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
