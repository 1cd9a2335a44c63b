// Package janitor removes stale job work directories left behind by crashes
// or by KEEP_WORKDIR.
package janitor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"reel/internal/pkg/logger"
)

type Report struct {
	Removed int
	Skipped int
}

type Janitor struct {
	workRoot string
	maxAge   time.Duration
	inUse    func(jobID string) bool
	log      *logger.Logger
	now      func() time.Time
}

// New returns a janitor for workRoot. inUse may be nil; when set, directories
// of jobs it reports are never removed.
func New(workRoot string, maxAge time.Duration, inUse func(string) bool, log *logger.Logger) *Janitor {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Janitor{
		workRoot: workRoot,
		maxAge:   maxAge,
		inUse:    inUse,
		log:      log.WithComponent("janitor"),
		now:      time.Now,
	}
}

// Sweep removes work directories whose mtime is older than maxAge.
func (j *Janitor) Sweep() (Report, error) {
	var rep Report

	entries, err := os.ReadDir(j.workRoot)
	if os.IsNotExist(err) {
		return rep, nil
	}
	if err != nil {
		return rep, err
	}

	cutoff := j.now().Add(-j.maxAge)
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if j.inUse != nil && j.inUse(name) {
			rep.Skipped++
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		p := filepath.Join(j.workRoot, name)
		if err := os.RemoveAll(p); err != nil {
			j.log.Warn("failed to remove stale entry", "path", p, "error", err.Error())
			continue
		}
		j.log.Debug("removed stale entry", "path", p, "age", j.now().Sub(info.ModTime()).String())
		rep.Removed++
	}

	if rep.Removed > 0 {
		j.log.Info("cleanup complete", "removed", rep.Removed, "skipped", rep.Skipped)
	}
	return rep, nil
}

// WipeAll removes every entry under the work root. Only safe while no
// worker is running.
func (j *Janitor) WipeAll() (int, error) {
	entries, err := os.ReadDir(j.workRoot)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	j.log.Warn("deleting all work directories", "root", j.workRoot)
	n := 0
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(j.workRoot, e.Name())); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Run sweeps every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := j.Sweep(); err != nil {
				j.log.Error("cleanup sweep failed", "error", err.Error())
			}
		}
	}
}
