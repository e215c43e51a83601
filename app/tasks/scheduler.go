package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lysyi3m/rss-warden/app/cfg"
	"github.com/lysyi3m/rss-warden/app/database"
	"github.com/lysyi3m/rss-warden/app/sources"
)

// ClaimLease pushes a claimed source's due time forward so overlapping sweeps
// skip it. A finished cycle overwrites it with the real next due time.
const ClaimLease = 30 * time.Minute

const (
	queueCapacity = 300
	taskTimeout   = 5 * time.Minute
)

var ErrInFlight = errors.New("source cycle already in flight")

var _ TaskSchedulerInterface = (*Scheduler)(nil)

type Scheduler struct {
	sources     database.SourceRepository
	poller      SourcePoller
	seeds       *sources.Cache
	interval    time.Duration
	batchSize   int
	workerCount int
	logger      *slog.Logger
	now         func() time.Time
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	taskQueue   chan TaskInterface

	mu       sync.Mutex
	inFlight map[string]struct{}

	completed atomic.Int64
	failed    atomic.Int64
}

func NewScheduler(c *cfg.Cfg, sourceRepo database.SourceRepository, poller SourcePoller,
	seeds *sources.Cache, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		sources:     sourceRepo,
		poller:      poller,
		seeds:       seeds,
		interval:    c.GetSchedulerInterval(),
		batchSize:   c.BatchSize,
		workerCount: c.WorkerCount,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		ctx:         ctx,
		cancel:      cancel,
		taskQueue:   make(chan TaskInterface, queueCapacity),
		inFlight:    make(map[string]struct{}),
	}
}

func (s *Scheduler) Start() {
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.enqueueStartupTasks()
		s.enqueueDueSources()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.enqueueDueSources()
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) EnqueueTask(task TaskInterface) error {
	select {
	case s.taskQueue <- task:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
		return fmt.Errorf("task queue is full")
	}
}

// PollNow queues an immediate cycle for a source unless one is already running
func (s *Scheduler) PollNow(sourceID string) (*ProcessSourceTask, error) {
	if !s.acquire(sourceID) {
		return nil, ErrInFlight
	}

	task := NewProcessSourceTask(sourceID, s.sources, s.poller, s.logger)
	if err := s.EnqueueTask(task); err != nil {
		s.release(sourceID)
		return nil, err
	}

	return task, nil
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	inFlight := len(s.inFlight)
	s.mu.Unlock()

	return Stats{
		Queued:    len(s.taskQueue),
		InFlight:  inFlight,
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
	}
}

// RunOnce syncs seed files, claims one batch of due sources and polls it with
// bounded parallelism. It returns the number of sources polled.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	for _, seed := range s.seedList() {
		task := NewSyncSourceConfigTask(seed, s.sources, s.logger)
		task.Start()
		if err := task.Execute(ctx); err != nil {
			s.logger.Warn("Failed to sync source config", "seed", seed.Key, "error", err)
		}
	}

	claimed, err := s.sources.ClaimDueSources(ctx, s.now(), s.batchSize, ClaimLease)
	if err != nil {
		return 0, fmt.Errorf("failed to claim due sources: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(s.workerCount)

	for i := range claimed {
		src := &claimed[i]
		g.Go(func() error {
			pollCtx, cancel := context.WithTimeout(ctx, taskTimeout)
			defer cancel()

			if err := s.poller.Poll(pollCtx, src); err != nil {
				s.failed.Add(1)
				s.logger.Error("Source cycle failed", "source", src.ID, "error", err)
				return nil
			}
			s.completed.Add(1)
			return nil
		})
	}

	_ = g.Wait()

	return len(claimed), nil
}

func (s *Scheduler) seedList() []*sources.Seed {
	if s.seeds == nil {
		return nil
	}
	return s.seeds.All()
}

func (s *Scheduler) enqueueStartupTasks() {
	seeds := s.seedList()
	if len(seeds) == 0 {
		s.logger.Debug("No source seed files found")
		return
	}

	s.logger.Debug("Processing source seed files", "count", len(seeds))

	for _, seed := range seeds {
		syncTask := NewSyncSourceConfigTask(seed, s.sources, s.logger)
		if err := s.EnqueueTask(syncTask); err != nil {
			s.logger.Warn("Failed to enqueue SyncSourceConfigTask", "seed", seed.Key, "error", err)
		}
	}
}

func (s *Scheduler) enqueueDueSources() {
	claimed, err := s.sources.ClaimDueSources(s.ctx, s.now(), s.batchSize, ClaimLease)
	if err != nil {
		s.logger.Error("Failed to claim due sources", "error", err)
		return
	}

	if len(claimed) == 0 {
		s.logger.Debug("No sources due for polling")
		return
	}

	s.logger.Debug("Claimed due sources", "count", len(claimed))

	for _, src := range claimed {
		if !s.acquire(src.ID) {
			s.logger.Debug("Source cycle already in flight, skipping", "source", src.ID)
			continue
		}

		task := NewProcessSourceTask(src.ID, s.sources, s.poller, s.logger)
		if err := s.EnqueueTask(task); err != nil {
			s.release(src.ID)
			s.logger.Warn("Failed to enqueue ProcessSourceTask", "source", src.ID, "error", err)
		}
	}
}

func (s *Scheduler) acquire(sourceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inFlight[sourceID]; ok {
		return false
	}
	s.inFlight[sourceID] = struct{}{}
	return true
}

func (s *Scheduler) release(sourceID string) {
	s.mu.Lock()
	delete(s.inFlight, sourceID)
	s.mu.Unlock()
}

// finish releases the in-flight slot a process task holds
func (s *Scheduler) finish(task TaskInterface) {
	if task.GetType() == TaskTypeProcessSource {
		s.release(task.GetSourceKey())
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case task := <-s.taskQueue:
			s.executeTask(id, task)

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) executeTask(workerID int, task TaskInterface) {
	task.Start()

	taskCtx, cancel := context.WithTimeout(s.ctx, taskTimeout)
	defer cancel()

	err := task.Execute(taskCtx)
	if err == nil {
		s.completed.Add(1)
		s.finish(task)
		return
	}

	s.logger.Error("Worker task execution failed", "worker_id", workerID, "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "error", err)

	if !task.CanRetry() {
		s.failed.Add(1)
		s.finish(task)
		s.logger.Error("Task failed after maximum retries", "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "last_error", err)
		return
	}

	task.IncrementRetryCount()
	delay := retryDelay(task.GetRetryCount())

	s.logger.Warn("Task retry scheduled", "type", string(task.GetType()), "source", task.GetSourceKey(), "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "delay", delay.String())

	go func() {
		select {
		case <-s.ctx.Done():
			s.finish(task)
			s.logger.Debug("Scheduler stopped, skipping task retry", "type", string(task.GetType()), "id", task.GetID())
		case <-time.After(delay):
			if retryErr := s.EnqueueTask(task); retryErr != nil {
				s.failed.Add(1)
				s.finish(task)
				s.logger.Error("Failed to re-enqueue task for retry", "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "error", retryErr)
			}
		}
	}()
}
