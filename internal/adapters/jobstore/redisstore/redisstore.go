// Package redisstore keeps job records in Redis. Durability follows the
// server's persistence settings (appendonly with fsync everysec or always).
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"reel/internal/models"
	"reel/internal/pkg/errors"
	"reel/internal/ports"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "reel:"

// Store implements ports.JobStore.
// Layout: <prefix>job:<id> holds the JSON record, <prefix>jobs is a sorted
// set of ids scored by created_at (unix nanos).
type Store struct {
	rdb    *redis.Client
	prefix string
}

var _ ports.JobStore = (*Store)(nil)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Open connects and pings the server.
func Open(ctx context.Context, opts Options) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "redisstore.open", "redis ping failed").WithField("addr", opts.Addr)
	}
	return New(rdb, opts.Prefix), nil
}

// New wraps an existing client.
func New(rdb *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) jobKey(id string) string { return s.prefix + "job:" + id }
func (s *Store) indexKey() string        { return s.prefix + "jobs" }

func (s *Store) Put(ctx context.Context, job *models.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "redisstore.put", "encode job")
	}

	tx := s.rdb.TxPipeline()
	tx.Set(ctx, s.jobKey(job.ID), payload, 0)
	tx.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(job.CreatedAt.UnixNano()),
		Member: job.ID,
	})
	if _, err := tx.Exec(ctx); err != nil {
		return errors.Wrap(err, "redisstore.put", "write job").WithField("job_id", job.ID)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Job, error) {
	data, err := s.rdb.Get(ctx, s.jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, errors.NotFound("job", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "redisstore.get", "read job").WithField("job_id", id)
	}

	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, errors.Wrap(err, "redisstore.get", "decode job").WithField("job_id", id)
	}
	return &job, nil
}

func (s *Store) List(ctx context.Context, filter ports.ListFilter) ([]*models.Job, error) {
	ids, err := s.rdb.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redisstore.list", "read index")
	}
	if len(ids) == 0 {
		return []*models.Job{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redisstore.list", "read jobs")
	}

	jobs := make([]*models.Job, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var job models.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, errors.Wrap(err, "redisstore.list", fmt.Sprintf("decode job %s", ids[i]))
		}
		if filter.Matches(&job) {
			jobs = append(jobs, &job)
		}
	}

	// Equal scores come back in member order already; sort anyway so float
	// rounding of nanosecond scores cannot reorder close timestamps.
	models.SortByCreated(jobs)
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}
