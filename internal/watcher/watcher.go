// Package watcher detects files arriving under a glob pattern.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"shepherd/internal/logging"
)

// ErrWalltimeExceeded is returned by Next once the configured walltime has elapsed.
var ErrWalltimeExceeded = errors.New("watch walltime exceeded")

const defaultPollInterval = 30 * time.Second

// Options configures a PatternMonitor.
type Options struct {
	// Pattern is an absolute doublestar glob such as /data/krios/**/*.tif.
	Pattern string
	// PollInterval bounds how long Next waits without a filesystem event.
	PollInterval time.Duration
	// Walltime stops the monitor after the given duration; zero disables it.
	Walltime time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// PatternMonitor yields each matching regular file once.
type PatternMonitor struct {
	pattern  string
	base     string
	poll     time.Duration
	deadline time.Time
	now      func() time.Time
	logger   *slog.Logger

	seen map[string]struct{}

	notify *fsnotify.Watcher
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// New validates the pattern and starts filesystem notifications on its
// static base directory. Notifications are best effort; polling still finds
// files on filesystems that do not deliver events.
func New(opts Options) (*PatternMonitor, error) {
	pattern := filepath.Clean(opts.Pattern)
	if !filepath.IsAbs(pattern) {
		return nil, fmt.Errorf("watch pattern %q must be absolute", opts.Pattern)
	}
	if !doublestar.ValidatePathPattern(pattern) {
		return nil, fmt.Errorf("watch pattern %q is not a valid glob", opts.Pattern)
	}
	base, _ := doublestar.SplitPattern(filepath.ToSlash(pattern))

	m := &PatternMonitor{
		pattern: pattern,
		base:    filepath.FromSlash(base),
		poll:    opts.PollInterval,
		now:     opts.Now,
		logger:  logging.NewComponentLogger(opts.Logger, "watcher"),
		seen:    make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if m.poll <= 0 {
		m.poll = defaultPollInterval
	}
	if m.now == nil {
		m.now = time.Now
	}
	if opts.Walltime > 0 {
		m.deadline = m.now().Add(opts.Walltime)
	}
	m.startNotify()
	return m, nil
}

// Base returns the static directory prefix of the pattern.
func (m *PatternMonitor) Base() string { return m.base }

func (m *PatternMonitor) startNotify() {
	notify, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Warn("filesystem notifications unavailable; polling only",
			logging.String(logging.FieldEventType, "watch_notify_unavailable"),
			logging.Error(err),
		)
		return
	}
	if err := notify.Add(m.base); err != nil {
		_ = notify.Close()
		m.logger.Warn("cannot watch pattern base; polling only",
			logging.String(logging.FieldEventType, "watch_notify_unavailable"),
			logging.String("base", m.base),
			logging.Error(err),
		)
		return
	}
	m.notify = notify
	go m.forward()
}

func (m *PatternMonitor) forward() {
	for {
		select {
		case <-m.done:
			return
		case event, ok := <-m.notify.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				select {
				case m.wake <- struct{}{}:
				default:
				}
			}
		case err, ok := <-m.notify.Errors:
			if !ok {
				return
			}
			m.logger.Debug("filesystem notification error", logging.Error(err))
		}
	}
}

// Scan runs one glob pass and returns matches not reported before, sorted.
func (m *PatternMonitor) Scan() ([]string, error) {
	matches, err := doublestar.FilepathGlob(m.pattern, doublestar.WithFilesOnly(), doublestar.WithFailOnIOErrors())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("glob %s: %w", m.pattern, err)
	}
	var fresh []string
	for _, path := range matches {
		if _, ok := m.seen[path]; ok {
			continue
		}
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		m.seen[path] = struct{}{}
		fresh = append(fresh, path)
	}
	sort.Strings(fresh)
	return fresh, nil
}

// Next blocks until at least one new file matches, the poll interval passes
// with nothing new, or the walltime elapses. It is not safe for concurrent use.
func (m *PatternMonitor) Next(ctx context.Context) ([]string, error) {
	if m.expired() {
		return nil, ErrWalltimeExceeded
	}
	fresh, err := m.Scan()
	if err != nil || len(fresh) > 0 {
		return fresh, err
	}

	wait := m.poll
	if !m.deadline.IsZero() {
		if remaining := m.deadline.Sub(m.now()); remaining < wait {
			wait = remaining
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.wake:
	case <-timer.C:
	}
	if m.expired() {
		return nil, ErrWalltimeExceeded
	}
	return m.Scan()
}

func (m *PatternMonitor) expired() bool {
	return !m.deadline.IsZero() && !m.now().Before(m.deadline)
}

// Close stops filesystem notifications.
func (m *PatternMonitor) Close() error {
	var err error
	m.once.Do(func() {
		close(m.done)
		if m.notify != nil {
			err = m.notify.Close()
		}
	})
	return err
}
