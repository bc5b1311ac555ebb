package preflight

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"shepherd/internal/config"
	"shepherd/internal/deps"
)

// minLocalFreeBytes is the free space below which the local root is flagged.
const minLocalFreeBytes = 50 << 30

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	return checkDirectory(name, path, unix.R_OK|unix.W_OK|unix.X_OK, "read/write ok")
}

// CheckDirectoryReadable verifies that the directory exists and can be listed.
func CheckDirectoryReadable(name, path string) Result {
	return checkDirectory(name, path, unix.R_OK|unix.X_OK, "readable")
}

func checkDirectory(name, path string, mode uint32, ok string) Result {
	if path == "" {
		return Result{Name: name, Detail: "not configured"}
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, mode); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (%s)", path, ok)}
}

// CheckFreeSpace reports whether the filesystem holding path has at least
// minBytes available. A shortfall is advisory: the pipeline still runs, but
// imports will start failing once the disk fills.
func CheckFreeSpace(name, path string, minBytes uint64) Result {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Result{Name: name, Advisory: true, Detail: fmt.Sprintf("%s (error: statfs: %v)", path, err)}
	}
	free := st.Bavail * uint64(st.Bsize)
	detail := fmt.Sprintf("%s (%.1f GiB free)", path, float64(free)/(1<<30))
	return Result{Name: name, Advisory: true, Passed: free >= minBytes, Detail: detail}
}

// CheckSystemDeps evaluates the external tools the pipeline invokes. Both
// the daemon and the CLI use this so the requirement list lives in one place.
func CheckSystemDeps(_ context.Context, cfg *config.Config) []deps.Status {
	requirements := []deps.Requirement{
		{
			Name:        "lbzip2",
			Command:     cfg.Compress.Binary,
			Description: "Required for compressing movies before export",
		},
	}
	if cfg.Project.FramesPerMovie > 1 {
		requirements = append(requirements, deps.Requirement{
			Name:        "newstack",
			Command:     cfg.Stack.Binary,
			Description: "Required for assembling multi-frame movies",
		})
	}
	return deps.CheckBinaries(requirements)
}
