package handlers

import (
	"context"

	"reel/internal/models"
	"reel/internal/pkg/logger"
	"reel/internal/ports"
	"reel/internal/worker"
)

// Jobs is the admission and lookup surface of the job subsystem.
type Jobs interface {
	Submit(ctx context.Context, req models.Request) (string, error)
	Cancel(ctx context.Context, id string) (*models.Job, error)
	Get(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, filter ports.ListFilter) ([]*models.Job, error)
}

type HealthReporter interface {
	Snapshot(ctx context.Context) (worker.HealthSnapshot, error)
}

// ScriptSaver screens and stores inline script code.
type ScriptSaver interface {
	Save(code, sceneName string) (string, error)
}

type Deps struct {
	Jobs    Jobs
	Health  HealthReporter
	Scripts ScriptSaver
	Store   ports.JobStore
	SP      ports.StorageProvider
	Log     *logger.Logger
	Service string
}

type Handler struct {
	jobs    Jobs
	health  HealthReporter
	scripts ScriptSaver
	store   ports.JobStore
	sp      ports.StorageProvider
	log     *logger.Logger
	service string
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	service := d.Service
	if service == "" {
		service = "reel"
	}
	return &Handler{
		jobs:    d.Jobs,
		health:  d.Health,
		scripts: d.Scripts,
		store:   d.Store,
		sp:      d.SP,
		log:     log,
		service: service,
	}
}
