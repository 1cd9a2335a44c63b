package worker

import (
	"reel/internal/metrics"
	"reel/internal/pkg/logger"
	"reel/internal/ports"
	"reel/internal/worker/processor"
)

// Deps wires the job subsystem. Store is the single store instance shared by
// every component.
type Deps struct {
	Store         ports.JobStore
	Processor     JobProcessor
	Checker       RequestChecker
	Notifier      processor.Notifier
	Slots         int
	QueueCapacity int
	Ceiling       RetryCeiling
	Metrics       *metrics.Metrics
	Log           *logger.Logger
}
