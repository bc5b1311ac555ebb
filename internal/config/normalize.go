package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	c.normalizeProject()
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeWorkflow()
	c.normalizeTools()
	if err := c.normalizeProcessing(); err != nil {
		return err
	}
	c.normalizeLogging()
	c.API.Bind = strings.TrimSpace(c.API.Bind)
	c.API.Token = strings.TrimSpace(c.API.Token)
	if c.API.Token == "" {
		if value, ok := os.LookupEnv("SHEPHERD_API_TOKEN"); ok {
			c.API.Token = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeProject() {
	c.Project.Name = strings.TrimSpace(c.Project.Name)
	if c.Project.Name == "" {
		if value, ok := os.LookupEnv("SHEPHERD_PROJECT"); ok {
			c.Project.Name = strings.TrimSpace(value)
		}
	}
	c.Project.WatchPattern = strings.TrimSpace(c.Project.WatchPattern)
	c.Project.FrameSuffixPattern = strings.TrimSpace(c.Project.FrameSuffixPattern)
	if c.Project.FrameSuffixPattern == "" {
		c.Project.FrameSuffixPattern = defaultFrameSuffixPattern
	}
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StorageRoot) == "" {
		if value, ok := os.LookupEnv("SHEPHERD_STORAGE_ROOT"); ok {
			c.Paths.StorageRoot = strings.TrimSpace(value)
		}
	}
	if strings.TrimSpace(c.Paths.LocalRoot) == "" && c.Project.Name != "" {
		c.Paths.LocalRoot = filepath.Join(os.TempDir(), c.Project.Name)
	}
	if c.Paths.LocalRoot, err = expandPath(c.Paths.LocalRoot); err != nil {
		return fmt.Errorf("paths.local_root: %w", err)
	}
	if c.Paths.StorageRoot, err = expandPath(c.Paths.StorageRoot); err != nil {
		return fmt.Errorf("paths.storage_root: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Project.WatchPattern != "" && strings.HasPrefix(c.Project.WatchPattern, "~") {
		if c.Project.WatchPattern, err = expandPath(c.Project.WatchPattern); err != nil {
			return fmt.Errorf("project.watch_pattern: %w", err)
		}
	}
	return nil
}

func (c *Config) normalizeWorkflow() {
	if c.Workflow.CopyWorkers <= 0 {
		c.Workflow.CopyWorkers = defaultCopyWorkers
	}
}

func (c *Config) normalizeTools() {
	c.Compress.Binary = strings.TrimSpace(c.Compress.Binary)
	if c.Compress.Binary == "" {
		c.Compress.Binary = defaultCompressBinary
	}
	c.Stack.Binary = strings.TrimSpace(c.Stack.Binary)
	if c.Stack.Binary == "" {
		c.Stack.Binary = defaultStackBinary
	}
}

func (c *Config) normalizeProcessing() error {
	c.Processing.MarkerSuffix = strings.TrimSpace(c.Processing.MarkerSuffix)
	if c.Processing.MarkerSuffix == "" {
		c.Processing.MarkerSuffix = defaultMarkerSuffix
	}
	if strings.TrimSpace(c.Processing.MarkerDir) == "" {
		c.Processing.MarkerDir = ""
		return nil
	}
	var err error
	if c.Processing.MarkerDir, err = expandPath(c.Processing.MarkerDir); err != nil {
		return fmt.Errorf("processing.marker_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
