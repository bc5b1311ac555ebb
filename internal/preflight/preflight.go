package preflight

import (
	"context"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"shepherd/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
	// Advisory results are reported but do not fail the run.
	Advisory bool
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result
	results = append(results, CheckWatchBase(cfg.Project.WatchPattern))
	results = append(results, CheckDirectoryAccess("Local root", cfg.Paths.LocalRoot))
	results = append(results, CheckDirectoryAccess("Storage root", cfg.Paths.StorageRoot))
	results = append(results, CheckDirectoryAccess("Log directory", cfg.Paths.LogDir))
	if cfg.Processing.Enabled && cfg.Processing.MarkerDir != "" {
		marker := CheckDirectoryReadable("Processing markers", cfg.Processing.MarkerDir)
		marker.Advisory = true
		results = append(results, marker)
	}
	results = append(results, CheckFreeSpace("Local free space", cfg.Paths.LocalRoot, minLocalFreeBytes))

	for _, status := range CheckSystemDeps(ctx, cfg) {
		result := Result{Name: status.Name, Passed: status.Available, Advisory: status.Optional}
		if status.Available {
			result.Detail = status.Path
		} else {
			result.Detail = status.Detail
		}
		results = append(results, result)
	}
	return results
}

// Failed returns the non-advisory results that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed && !r.Advisory {
			out = append(out, r)
		}
	}
	return out
}

// CheckWatchBase verifies that the static directory prefix of the watch
// pattern exists.
func CheckWatchBase(pattern string) Result {
	const name = "Watch directory"
	if pattern == "" {
		return Result{Name: name, Detail: "watch pattern not configured"}
	}
	base, _ := doublestar.SplitPattern(filepath.ToSlash(pattern))
	result := CheckDirectoryReadable(name, filepath.FromSlash(base))
	result.Name = name
	return result
}
