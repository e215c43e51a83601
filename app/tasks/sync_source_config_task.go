package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lysyi3m/rss-warden/app/database"
	"github.com/lysyi3m/rss-warden/app/sources"
)

type SyncSourceConfigTask struct {
	Task
	Seed    *sources.Seed
	sources database.SourceRepository
	logger  *slog.Logger
}

func NewSyncSourceConfigTask(seed *sources.Seed, sourceRepo database.SourceRepository, logger *slog.Logger) *SyncSourceConfigTask {
	return &SyncSourceConfigTask{
		Task:    NewTask(TaskTypeSyncSourceConfig, seed.Key),
		Seed:    seed,
		sources: sourceRepo,
		logger:  logger,
	}
}

func (t *SyncSourceConfigTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	id, changed, err := t.sources.UpsertSourceConfig(ctx,
		t.Seed.Key,
		t.Seed.URL,
		t.Seed.AltURL,
		t.Seed.Settings.Subscribers,
		t.Seed.IsEnabled())
	if err != nil {
		return fmt.Errorf("failed to sync source config to database: %w", err)
	}

	t.logger.Info("Task completed",
		"type", "SyncSourceConfig",
		"seed", t.Seed.Key,
		"source", id,
		"changed", changed,
		"duration", t.GetDuration())

	return nil
}
