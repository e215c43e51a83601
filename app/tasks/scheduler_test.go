package tasks

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/lysyi3m/rss-warden/app/cfg"
	"github.com/lysyi3m/rss-warden/app/database"
	"github.com/lysyi3m/rss-warden/app/sources"
)

type upsertCall struct {
	key         string
	feedURL     string
	altURL      string
	subscribers int
	live        bool
}

type mockSourceRepository struct {
	mu       sync.Mutex
	sources  map[string]*database.Source
	claimed  []database.Source
	claimErr error
	limit    int
	upserts  []upsertCall
}

func newMockSourceRepository(srcs ...*database.Source) *mockSourceRepository {
	m := &mockSourceRepository{sources: make(map[string]*database.Source)}
	for _, s := range srcs {
		m.sources[s.ID] = s
	}
	return m
}

func (m *mockSourceRepository) CreateSource(ctx context.Context, src *database.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[src.ID] = src
	return nil
}

func (m *mockSourceRepository) UpsertSourceConfig(ctx context.Context, key, feedURL, altURL string, subscribers int, live bool) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts = append(m.upserts, upsertCall{key, feedURL, altURL, subscribers, live})
	return "id-" + key, true, nil
}

func (m *mockSourceRepository) GetSource(ctx context.Context, id string) (*database.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok {
		return nil, nil
	}
	copied := *src
	return &copied, nil
}

func (m *mockSourceRepository) GetSourceCount(ctx context.Context) (int, error) {
	return len(m.sources), nil
}

func (m *mockSourceRepository) CountDueSources(ctx context.Context, now time.Time) (int, error) {
	return len(m.claimed), nil
}

func (m *mockSourceRepository) ClaimDueSources(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]database.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limit = limit
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	if len(m.claimed) > limit {
		return m.claimed[:limit], nil
	}
	return m.claimed, nil
}

func (m *mockSourceRepository) UpdateFeedURL(ctx context.Context, id, feedURL string) error {
	return nil
}

func (m *mockSourceRepository) SaveSourceState(ctx context.Context, src *database.Source) error {
	return nil
}

type mockPoller struct {
	mu     sync.Mutex
	polled []string
	err    error
}

func (m *mockPoller) Poll(ctx context.Context, src *database.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polled = append(m.polled, src.ID)
	return m.err
}

func (m *mockPoller) ids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]string(nil), m.polled...)
	sort.Strings(out)
	return out
}

func testCfg() *cfg.Cfg {
	return &cfg.Cfg{
		WorkerCount:       2,
		SchedulerInterval: 1,
		BatchSize:         2,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func liveSource(id string) *database.Source {
	src := database.NewSource("https://example.com/" + id)
	src.ID = id
	return src
}

func TestNewScheduler(t *testing.T) {
	scheduler := NewScheduler(testCfg(), newMockSourceRepository(), &mockPoller{}, nil, testLogger())

	if scheduler.workerCount != 2 {
		t.Errorf("Expected worker count 2, got %d", scheduler.workerCount)
	}
	if scheduler.batchSize != 2 {
		t.Errorf("Expected batch size 2, got %d", scheduler.batchSize)
	}
	if scheduler.interval != time.Second {
		t.Errorf("Expected interval 1s, got %v", scheduler.interval)
	}
}

func TestEnqueueDueSourcesSkipsInFlight(t *testing.T) {
	repo := newMockSourceRepository()
	repo.claimed = []database.Source{*liveSource("a"), *liveSource("b"), *liveSource("c")}

	scheduler := NewScheduler(testCfg(), repo, &mockPoller{}, nil, testLogger())
	scheduler.acquire("a")

	scheduler.enqueueDueSources()

	if repo.limit != 2 {
		t.Errorf("Expected claim limit 2, got %d", repo.limit)
	}

	if len(scheduler.taskQueue) != 1 {
		t.Fatalf("Expected 1 queued task, got %d", len(scheduler.taskQueue))
	}

	task := <-scheduler.taskQueue
	if task.GetType() != TaskTypeProcessSource {
		t.Errorf("Expected type %s, got %s", TaskTypeProcessSource, task.GetType())
	}
	if task.GetSourceKey() != "b" {
		t.Errorf("Expected source 'b', got '%s'", task.GetSourceKey())
	}

	if stats := scheduler.Stats(); stats.InFlight != 2 {
		t.Errorf("Expected 2 in flight, got %d", stats.InFlight)
	}
}

func TestEnqueueDueSourcesClaimError(t *testing.T) {
	repo := newMockSourceRepository()
	repo.claimErr = errors.New("database is locked")

	scheduler := NewScheduler(testCfg(), repo, &mockPoller{}, nil, testLogger())
	scheduler.enqueueDueSources()

	if len(scheduler.taskQueue) != 0 {
		t.Errorf("Expected empty queue, got %d", len(scheduler.taskQueue))
	}
}

func TestPollNowRejectsInFlightSource(t *testing.T) {
	repo := newMockSourceRepository(liveSource("a"))
	poller := &mockPoller{}
	scheduler := NewScheduler(testCfg(), repo, poller, nil, testLogger())

	task, err := scheduler.PollNow("a")
	if err != nil {
		t.Fatal(err)
	}
	if task.SourceID != "a" {
		t.Errorf("Expected source 'a', got '%s'", task.SourceID)
	}

	if _, err := scheduler.PollNow("a"); !errors.Is(err, ErrInFlight) {
		t.Errorf("Expected ErrInFlight, got %v", err)
	}

	scheduler.executeTask(0, <-scheduler.taskQueue)

	if got := poller.ids(); len(got) != 1 || got[0] != "a" {
		t.Errorf("Expected source 'a' polled once, got %v", got)
	}

	stats := scheduler.Stats()
	if stats.InFlight != 0 {
		t.Errorf("Expected 0 in flight, got %d", stats.InFlight)
	}
	if stats.Completed != 1 {
		t.Errorf("Expected 1 completed, got %d", stats.Completed)
	}

	if _, err := scheduler.PollNow("a"); err != nil {
		t.Errorf("Expected source to be pollable again, got %v", err)
	}
}

func TestExecuteTaskFailureReleasesSource(t *testing.T) {
	repo := newMockSourceRepository(liveSource("a"))
	poller := &mockPoller{err: errors.New("disk full")}
	scheduler := NewScheduler(testCfg(), repo, poller, nil, testLogger())

	task, err := scheduler.PollNow("a")
	if err != nil {
		t.Fatal(err)
	}
	<-scheduler.taskQueue
	task.MaxRetries = 0

	scheduler.executeTask(0, task)

	stats := scheduler.Stats()
	if stats.Failed != 1 {
		t.Errorf("Expected 1 failed, got %d", stats.Failed)
	}
	if stats.InFlight != 0 {
		t.Errorf("Expected 0 in flight, got %d", stats.InFlight)
	}
}

func TestProcessSourceTaskSkips(t *testing.T) {
	dead := liveSource("dead")
	dead.Live = false
	repo := newMockSourceRepository(dead)

	tests := []struct {
		name     string
		sourceID string
	}{
		{"missing source", "missing"},
		{"dead source", "dead"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			poller := &mockPoller{}
			task := NewProcessSourceTask(tt.sourceID, repo, poller, testLogger())
			task.Start()

			if err := task.Execute(context.Background()); err != nil {
				t.Errorf("Expected no error, got %v", err)
			}
			if len(poller.ids()) != 0 {
				t.Errorf("Expected no poll, got %v", poller.ids())
			}
		})
	}
}

func TestProcessSourceTaskCancelled(t *testing.T) {
	task := NewProcessSourceTask("a", newMockSourceRepository(liveSource("a")), &mockPoller{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := task.Execute(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestSyncSourceConfigTask(t *testing.T) {
	enabled := false
	seed := &sources.Seed{
		Key:    "podcast",
		URL:    "https://example.com/feed.xml",
		AltURL: "https://mirror.example.com/feed.xml",
		Settings: sources.SeedSettings{
			Enabled:     &enabled,
			Subscribers: 7,
		},
	}

	repo := newMockSourceRepository()
	task := NewSyncSourceConfigTask(seed, repo, testLogger())

	if task.GetType() != TaskTypeSyncSourceConfig {
		t.Errorf("Expected type %s, got %s", TaskTypeSyncSourceConfig, task.GetType())
	}

	if err := task.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(repo.upserts) != 1 {
		t.Fatalf("Expected 1 upsert, got %d", len(repo.upserts))
	}

	want := upsertCall{"podcast", "https://example.com/feed.xml", "https://mirror.example.com/feed.xml", 7, false}
	if repo.upserts[0] != want {
		t.Errorf("Expected %+v, got %+v", want, repo.upserts[0])
	}
}

func TestRunOnce(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "news.yml"), []byte("url: https://example.com/news.xml\n"), 0644); err != nil {
		t.Fatal(err)
	}
	seeds := sources.NewCache(dir, testLogger())
	if err := seeds.Run(); err != nil {
		t.Fatal(err)
	}

	repo := newMockSourceRepository()
	repo.claimed = []database.Source{*liveSource("a"), *liveSource("b"), *liveSource("c")}
	poller := &mockPoller{}

	scheduler := NewScheduler(testCfg(), repo, poller, seeds, testLogger())

	count, err := scheduler.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if count != 2 {
		t.Errorf("Expected 2 sources polled, got %d", count)
	}

	if got := poller.ids(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Expected sources [a b], got %v", got)
	}

	if len(repo.upserts) != 1 || repo.upserts[0].key != "news" || !repo.upserts[0].live {
		t.Errorf("Expected live seed 'news' synced, got %+v", repo.upserts)
	}

	if stats := scheduler.Stats(); stats.Completed != 2 {
		t.Errorf("Expected 2 completed, got %d", stats.Completed)
	}
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{10, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := retryDelay(tt.retry); got != tt.want {
			t.Errorf("Expected delay %v for retry %d, got %v", tt.want, tt.retry, got)
		}
	}
}
