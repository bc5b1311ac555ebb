package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Project describes the acquisition session being shepherded.
type Project struct {
	Name               string `toml:"name"`
	WatchPattern       string `toml:"watch_pattern"`
	FramesPerMovie     int    `toml:"frames_per_movie"`
	FrameSuffixPattern string `toml:"frame_suffix_pattern"`
}

// Paths contains the directories the pipeline reads from and writes to.
type Paths struct {
	LocalRoot   string `toml:"local_root"`
	StorageRoot string `toml:"storage_root"`
	LogDir      string `toml:"log_dir"`
}

// Workflow contains configuration for driver timing and intervals. Values are seconds.
type Workflow struct {
	MinImportInterval int `toml:"min_import_interval"`
	SettleSeconds     int `toml:"settle_seconds"`
	WatchPollInterval int `toml:"watch_poll_interval"`
	WatchWalltime     int `toml:"watch_walltime"`
	CopyWorkers       int `toml:"copy_workers"`
}

// Compress configures the external lbzip2 compressor.
type Compress struct {
	Binary string `toml:"binary"`
	// Threads is passed to lbzip2 -n so the acquisition host is not saturated.
	Threads int `toml:"threads"`
	// MaxAttempts caps compression attempts per item; 0 retries forever.
	MaxAttempts int `toml:"max_attempts"`
	RetryDelay  int `toml:"retry_delay"`
}

// Stack configures the external frame assembly tool (IMOD newstack).
type Stack struct {
	Binary string `toml:"binary"`
	// MaxAttempts caps assembly attempts per group; after that the group is dead-lettered.
	MaxAttempts int `toml:"max_attempts"`
	RetryDelay  int `toml:"retry_delay"`
}

// Processing configures the hold for downstream processing.
type Processing struct {
	Enabled      bool   `toml:"enabled"`
	PollInterval int    `toml:"poll_interval"`
	MarkerSuffix string `toml:"marker_suffix"`
	MarkerDir    string `toml:"marker_dir"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// API configures the optional status and metrics HTTP listener.
type API struct {
	Bind string `toml:"bind"`
	// Token, when set, is required as a bearer token on /api routes.
	Token string `toml:"token"`
}

// Config encapsulates all configuration values for shepherd.
//
// Configuration sections by subsystem:
//   - Project: identity, watch pattern, frames per movie
//   - Paths: local scratch root, cold-storage root, log directory
//   - Workflow: driver cadence, settle window, copy concurrency
//   - Compress / Stack: external tool settings and retry policy
//   - Processing: downstream processing hold
//   - Logging: log format and level
//   - API: status and metrics listener
type Config struct {
	Project    Project    `toml:"project"`
	Paths      Paths      `toml:"paths"`
	Workflow   Workflow   `toml:"workflow"`
	Compress   Compress   `toml:"compress"`
	Stack      Stack      `toml:"stack"`
	Processing Processing `toml:"processing"`
	Logging    Logging    `toml:"logging"`
	API        API        `toml:"api"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/shepherd/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("shepherd.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
// StorageRoot is created on a best-effort basis so the daemon can run when
// cold storage is temporarily unmounted.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.LocalRoot, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Paths.StorageRoot) != "" {
		_ = os.MkdirAll(c.Paths.StorageRoot, 0o755)
	}
	if c.Processing.Enabled && strings.TrimSpace(c.Processing.MarkerDir) != "" {
		if err := os.MkdirAll(c.Processing.MarkerDir, 0o755); err != nil {
			return fmt.Errorf("create marker directory %q: %w", c.Processing.MarkerDir, err)
		}
	}
	return nil
}

// LockPath returns the single-instance lock file for the configured project.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.LogDir, fmt.Sprintf("shepherd-%s.lock", c.Project.Name))
}

// JournalPath returns the location of the transition journal database.
func (c *Config) JournalPath() string {
	return filepath.Join(c.Paths.LogDir, fmt.Sprintf("journal-%s.db", c.Project.Name))
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
