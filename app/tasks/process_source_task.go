package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lysyi3m/rss-warden/app/database"
)

type ProcessSourceTask struct {
	Task
	SourceID string
	sources  database.SourceRepository
	poller   SourcePoller
	logger   *slog.Logger
}

func NewProcessSourceTask(sourceID string, sources database.SourceRepository, poller SourcePoller, logger *slog.Logger) *ProcessSourceTask {
	return &ProcessSourceTask{
		Task:     NewTask(TaskTypeProcessSource, sourceID),
		SourceID: sourceID,
		sources:  sources,
		poller:   poller,
		logger:   logger,
	}
}

// Execute reloads the source on every attempt so a retry never reapplies a
// half-finished cycle's state.
func (t *ProcessSourceTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	src, err := t.sources.GetSource(ctx, t.SourceID)
	if err != nil {
		return fmt.Errorf("failed to load source: %w", err)
	}

	if src == nil {
		t.logger.Warn("Source not found, skipping", "source", t.SourceID)
		return nil
	}

	if !src.Live {
		t.logger.Debug("Source is dead, skipping", "source", t.SourceID)
		return nil
	}

	if err := t.poller.Poll(ctx, src); err != nil {
		return fmt.Errorf("failed to poll source: %w", err)
	}

	t.logger.Info("Task completed",
		"type", "ProcessSource",
		"source", t.SourceID,
		"duration", t.GetDuration(),
		"status", src.StatusCode,
		"interval", src.Interval)

	return nil
}
