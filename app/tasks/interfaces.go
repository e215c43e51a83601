package tasks

import (
	"context"

	"github.com/lysyi3m/rss-warden/app/database"
)

// TaskSchedulerInterface is what the entry point and the HTTP surface need
// from the scheduler.
//
//	scheduler := NewScheduler(c, sourceRepo, poller, seeds, logger)
//	scheduler.Start()
//	defer scheduler.Stop()
//	scheduler.PollNow(sourceID)
type TaskSchedulerInterface interface {
	Start()
	Stop()
	EnqueueTask(task TaskInterface) error
	PollNow(sourceID string) (*ProcessSourceTask, error)
	Stats() Stats
}

// SourcePoller runs one fetch and reconcile cycle and persists the source
type SourcePoller interface {
	Poll(ctx context.Context, src *database.Source) error
}

// Stats is a point-in-time view of the scheduler
type Stats struct {
	Queued    int   `json:"queued"`
	InFlight  int   `json:"in_flight"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
