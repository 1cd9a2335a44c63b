package ports

import (
	"context"

	"reel/internal/models"
)

// ListFilter narrows JobStore.List. Zero value lists everything.
type ListFilter struct {
	States []models.State
	Limit  int
}

// Matches reports whether j passes the state filter.
func (f ListFilter) Matches(j *models.Job) bool {
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if j.State == s {
			return true
		}
	}
	return false
}

// JobStore persists job records. Put is an atomic whole-record write that is
// durable before it returns. Get returns a NOT_FOUND service error for
// unknown ids. List orders by created_at, then id.
type JobStore interface {
	Put(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, filter ListFilter) ([]*models.Job, error)
	Ping(ctx context.Context) error
	Close() error
}
