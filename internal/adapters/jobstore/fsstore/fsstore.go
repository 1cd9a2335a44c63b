// Package fsstore keeps one JSON file per job under a directory on local disk.
package fsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"reel/internal/models"
	"reel/internal/pkg/errors"
	"reel/internal/pkg/logger"
	"reel/internal/ports"
)

const ext = ".json"

// Store implements ports.JobStore on the local filesystem.
// Writes go to a temp file that is fsynced and renamed over the record, so a
// crash leaves either the old or the new record, never a torn one.
type Store struct {
	dir string
	log *logger.Logger
	mu  sync.RWMutex
}

var _ ports.JobStore = (*Store)(nil)

// Open creates dir if needed and removes temp files left by a crash.
func Open(dir string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "fsstore.open", "create jobs directory")
	}
	s := &Store{dir: dir, log: log.WithComponent("fsstore")}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "fsstore.open", "read jobs directory")
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			_ = os.Remove(filepath.Join(dir, e.Name()))
			s.log.Warn("removed partial job write", "file", e.Name())
		}
	}
	return s, nil
}

func (s *Store) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return "", errors.Validationf("invalid job id %q", id)
	}
	return filepath.Join(s.dir, id+ext), nil
}

func (s *Store) Put(ctx context.Context, job *models.Job) error {
	p, err := s.path(job.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return errors.Wrap(err, "fsstore.put", "encode job")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, ".tmp-"+job.ID+"-*")
	if err != nil {
		return errors.Wrap(err, "fsstore.put", "create temp file")
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return errors.Wrap(err, "fsstore.put", "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return errors.Wrap(err, "fsstore.put", "fsync temp file")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errors.Wrap(err, "fsstore.put", "close temp file")
	}
	if err := os.Rename(tmpName, p); err != nil {
		cleanup()
		return errors.Wrap(err, "fsstore.put", "rename into place")
	}
	return syncDir(s.dir)
}

func (s *Store) Get(ctx context.Context, id string) (*models.Job, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, errors.NotFound("job", id)
	}

	s.mu.RLock()
	data, err := os.ReadFile(p)
	s.mu.RUnlock()

	if os.IsNotExist(err) {
		return nil, errors.NotFound("job", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "fsstore.get", "read job").WithField("job_id", id)
	}

	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, errors.Wrap(err, "fsstore.get", "decode job").WithField("job_id", id)
	}
	return &job, nil
}

func (s *Store) List(ctx context.Context, filter ports.ListFilter) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(err, "fsstore.list", "read jobs directory")
	}

	jobs := make([]*models.Job, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ext {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			s.log.Warn("skipping unreadable job file", "file", name, "error", err.Error())
			continue
		}
		var job models.Job
		if err := json.Unmarshal(data, &job); err != nil || job.ID == "" {
			s.log.Warn("skipping corrupt job file", "file", name)
			continue
		}
		if filter.Matches(&job) {
			jobs = append(jobs, &job)
		}
	}

	models.SortByCreated(jobs)
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

// Ping checks that the directory is still writable.
func (s *Store) Ping(ctx context.Context) error {
	f, err := os.CreateTemp(s.dir, ".tmp-ping-*")
	if err != nil {
		return errors.Wrap(err, "fsstore.ping", "jobs directory not writable")
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func (s *Store) Close() error { return nil }

// Dir returns the jobs directory.
func (s *Store) Dir() string { return s.dir }

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir for fsync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("fsync dir: %w", err)
	}
	return nil
}
