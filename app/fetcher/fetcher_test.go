package fetcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/lysyi3m/rss-warden/app/cfg"
	"github.com/lysyi3m/rss-warden/app/database"
)

type mockURLStore struct {
	updates map[string]string
	err     error
}

func (m *mockURLStore) UpdateFeedURL(ctx context.Context, id, feedURL string) error {
	if m.err != nil {
		return m.err
	}
	if m.updates == nil {
		m.updates = make(map[string]string)
	}
	m.updates[id] = feedURL
	return nil
}

type mockProxyRepository struct {
	proxies []string
	deleted []string
}

func (m *mockProxyRepository) AddProxies(ctx context.Context, addresses []string) (int, error) {
	m.proxies = append(m.proxies, addresses...)
	return len(addresses), nil
}

func (m *mockProxyRepository) RandomProxy(ctx context.Context) (string, error) {
	if len(m.proxies) == 0 {
		return "", nil
	}
	return m.proxies[0], nil
}

func (m *mockProxyRepository) DeleteProxy(ctx context.Context, address string) error {
	m.deleted = append(m.deleted, address)
	for i, p := range m.proxies {
		if p == address {
			m.proxies = append(m.proxies[:i], m.proxies[i+1:]...)
			break
		}
	}
	return nil
}

func (m *mockProxyRepository) CountProxies(ctx context.Context) (int, error) {
	return len(m.proxies), nil
}

// mockClient answers every request with the same response or error
type mockClient struct {
	resp     *Response
	err      error
	requests []*Request
}

func (m *mockClient) Do(ctx context.Context, req *Request) (*Response, error) {
	m.requests = append(m.requests, req)
	return m.resp, m.err
}

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testCfg() *cfg.Cfg {
	return &cfg.Cfg{
		UserAgent:    "Warden",
		ServerURL:    "https://reader.example.com",
		VerifyTLS:    true,
		FetchTimeout: 5,
	}
}

func newTestFetcher(t *testing.T, handler http.HandlerFunc) (*Fetcher, *mockURLStore, *database.Source) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store := &mockURLStore{}
	c := testCfg()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := NewFetcher(NewHTTPClient(c.GetFetchTimeout(), c.VerifyTLS, NewHostLimiter(0)), store, nil, c, logger).
		WithClock(func() time.Time { return testNow })

	src := database.NewSource(srv.URL + "/feed")
	src.ID = "src-1"
	return f, store, src
}

func TestFetchOKCapturesValidators(t *testing.T) {
	var agent string
	f, _, src := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		agent = r.Header.Get("User-Agent")
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Sat, 01 Jun 2024 00:00:00 GMT")
		w.Write([]byte("<rss/>"))
	})
	src.Subscribers = 3

	result, err := f.Fetch(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}

	if result.Response == nil {
		t.Fatal("Expected a response to parse")
	}
	if string(result.Response.Body) != "<rss/>" {
		t.Errorf("Expected body '<rss/>', got '%s'", result.Response.Body)
	}
	if src.ETag != `"v1"` || src.LastModified != "Sat, 01 Jun 2024 00:00:00 GMT" {
		t.Errorf("Expected validators to be captured, got '%s' '%s'", src.ETag, src.LastModified)
	}
	if agent != "Warden (+https://reader.example.com; Updater; 3 subscribers)" {
		t.Errorf("Expected descriptive agent, got '%s'", agent)
	}
	if src.StatusCode != 200 || src.LastPolled == nil {
		t.Errorf("Expected status 200 and last polled stamp, got %d %v", src.StatusCode, src.LastPolled)
	}
}

func TestFetchNotModified(t *testing.T) {
	var ifNoneMatch string
	f, _, src := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		ifNoneMatch = r.Header.Get("If-None-Match")
		w.WriteHeader(http.StatusNotModified)
	})
	src.ETag = `"v1"`
	src.Interval = 60
	lastChange := testNow.Add(-24 * time.Hour)
	src.LastChange = &lastChange

	result, err := f.Fetch(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}

	if ifNoneMatch != `"v1"` {
		t.Errorf("Expected If-None-Match '\"v1\"', got '%s'", ifNoneMatch)
	}
	if result.Response != nil {
		t.Error("Expected nothing to parse on 304")
	}
	if src.Interval != 70 {
		t.Errorf("Expected interval 70, got %d", src.Interval)
	}
	if src.ETag != `"v1"` {
		t.Errorf("Expected etag to be kept, got '%s'", src.ETag)
	}
	if src.LastSuccess == nil || !src.LastSuccess.Equal(testNow) {
		t.Errorf("Expected last success to be stamped, got %v", src.LastSuccess)
	}
}

func TestFetchNotModifiedResetsStaleValidators(t *testing.T) {
	f, _, src := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	})
	src.ETag = `"v1"`
	src.LastModified = "Sat, 01 Jun 2024 00:00:00 GMT"
	lastChange := testNow.Add(-8 * 24 * time.Hour)
	src.LastChange = &lastChange

	if _, err := f.Fetch(context.Background(), src); err != nil {
		t.Fatal(err)
	}

	if src.ETag != "" || src.LastModified != "" {
		t.Errorf("Expected validators to be cleared, got '%s' '%s'", src.ETag, src.LastModified)
	}
}

func TestFetchNotModifiedMeasuresResetFromLastParse(t *testing.T) {
	tests := []struct {
		name    string
		parsed  time.Duration
		changed time.Duration
		cleared bool
	}{
		{"recent full fetch of a stale feed", 2 * 24 * time.Hour, 30 * 24 * time.Hour, false},
		{"full fetch past the window", 8 * 24 * time.Hour, 30 * 24 * time.Hour, true},
		{"last parse wins over last change", 8 * 24 * time.Hour, time.Hour, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, _, src := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotModified)
			})
			src.ETag = `"v1"`
			parsed := testNow.Add(-tt.parsed)
			changed := testNow.Add(-tt.changed)
			src.LastParsed = &parsed
			src.LastChange = &changed

			if _, err := f.Fetch(context.Background(), src); err != nil {
				t.Fatal(err)
			}

			if cleared := src.ETag == ""; cleared != tt.cleared {
				t.Errorf("Expected cleared=%v, got etag '%s'", tt.cleared, src.ETag)
			}
		})
	}
}

func TestFetchStatusDispatch(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		header     map[string]string
		body       string
		interval   int
		live       bool
		cloudflare bool
		result     string
	}{
		{name: "server error", status: 503, interval: 180, live: true, result: "Server error fetching feed (503)"},
		{name: "not found", status: 404, interval: 180, live: true, result: "The feed could not be found"},
		{name: "gone", status: 410, interval: 60, live: false, result: "Feed has gone away and says it isn't coming back."},
		{name: "forbidden", status: 403, interval: 60, live: false, result: "Feed is no longer accessible."},
		{name: "blocked by body", status: 403, body: "Attention Required! | Cloudflare", interval: 60, live: true, cloudflare: true, result: "Blocked by Cloudflare"},
		{name: "blocked by server header", status: 403, header: map[string]string{"Server": "cloudflare"}, interval: 60, live: true, cloudflare: true, result: "Blocked by Cloudflare"},
		{name: "blocked gone", status: 410, header: map[string]string{"Server": "cloudflare"}, interval: 60, live: true, cloudflare: true, result: "Blocked by Cloudflare"},
		{name: "bad request", status: 400, interval: 60, live: false, result: "Bad request (400)"},
		{name: "unhandled", status: 300, interval: 60, live: true, result: "Unhandled Case"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, _, src := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			result, err := f.Fetch(context.Background(), src)
			if err != nil {
				t.Fatal(err)
			}

			if result.Response != nil {
				t.Error("Expected nothing to parse")
			}
			if src.Interval != tt.interval {
				t.Errorf("Expected interval %d, got %d", tt.interval, src.Interval)
			}
			if src.Live != tt.live {
				t.Errorf("Expected live %v, got %v", tt.live, src.Live)
			}
			if src.IsCloudflare != tt.cloudflare {
				t.Errorf("Expected cloudflare %v, got %v", tt.cloudflare, src.IsCloudflare)
			}
			if src.LastResult != tt.result {
				t.Errorf("Expected result '%s', got '%s'", tt.result, src.LastResult)
			}
			if src.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, src.StatusCode)
			}
		})
	}
}

func TestFetchTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	deadURL := srv.URL + "/feed"
	srv.Close()

	c := testCfg()
	f := NewFetcher(NewHTTPClient(time.Second, true, nil), &mockURLStore{}, nil, c, nil)
	src := database.NewSource(deadURL)

	result, err := f.Fetch(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}

	if result.Response != nil {
		t.Error("Expected no response")
	}
	if src.StatusCode != 0 || src.Interval != 180 {
		t.Errorf("Expected status 0 and interval 180, got %d and %d", src.StatusCode, src.Interval)
	}
	if !strings.HasPrefix(src.LastResult, "Fetch error:") {
		t.Errorf("Expected fetch error result, got '%s'", src.LastResult)
	}
}

func TestFetchPermanentRedirect(t *testing.T) {
	f, store, src := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/new-feed")
		w.WriteHeader(http.StatusMovedPermanently)
	})
	origin := strings.TrimSuffix(src.FeedURL, "/feed")

	result, err := f.Fetch(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}

	if result.Response != nil {
		t.Error("Expected nothing to parse on 301")
	}
	if src.FeedURL != origin+"/new-feed" {
		t.Errorf("Expected feed URL '%s/new-feed', got '%s'", origin, src.FeedURL)
	}
	if store.updates["src-1"] != src.FeedURL {
		t.Errorf("Expected rewrite to be persisted, got '%s'", store.updates["src-1"])
	}
	if src.LastResult != "Moved" {
		t.Errorf("Expected result 'Moved', got '%s'", src.LastResult)
	}
}

func TestFetchPermanentRedirectPersistFailure(t *testing.T) {
	f, store, src := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "https://example.com/feed")
		w.WriteHeader(http.StatusPermanentRedirect)
	})
	store.err = errors.New("disk full")

	if _, err := f.Fetch(context.Background(), src); err == nil {
		t.Error("Expected persistence error to be returned")
	}
}

func TestFetchTemporaryRedirectParsesTarget(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	})
	var conditionalSent bool
	mux.HandleFunc("/elsewhere", func(w http.ResponseWriter, r *http.Request) {
		conditionalSent = r.Header.Get("If-None-Match") != ""
		w.Header().Set("ETag", `"v2"`)
		w.Write([]byte("<rss/>"))
	})

	f, store, src := newTestFetcher(t, mux.ServeHTTP)
	feedURL := src.FeedURL
	src.ETag = `"v1"`

	result, err := f.Fetch(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}

	if result.Response == nil || !result.ViaRedirect {
		t.Fatal("Expected redirected content to be parsed")
	}
	if conditionalSent {
		t.Error("Expected follow-up request without conditional headers")
	}
	if src.FeedURL != feedURL || len(store.updates) != 0 {
		t.Errorf("Expected feed URL to be kept, got '%s'", src.FeedURL)
	}
	if src.ETag != "" || src.LastModified != "" {
		t.Errorf("Expected validators to be cleared after a temporary redirect, got '%s'", src.ETag)
	}
	if !strings.HasSuffix(src.Last302URL, "/elsewhere") || src.Last302Start == nil || !src.Last302Start.Equal(testNow) {
		t.Errorf("Expected redirect tracking to start now, got '%s' %v", src.Last302URL, src.Last302Start)
	}
	if !strings.Contains(src.LastResult, "since 01 June") {
		t.Errorf("Expected tracking date in result, got '%s'", src.LastResult)
	}
}

func TestFetchTemporaryRedirectPromotion(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/elsewhere", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<rss/>"))
	})

	tests := []struct {
		name     string
		age      time.Duration
		promoted bool
	}{
		{"within window", 30 * 24 * time.Hour, false},
		{"sustained", 61 * 24 * time.Hour, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, store, src := newTestFetcher(t, mux.ServeHTTP)
			target := strings.TrimSuffix(src.FeedURL, "/feed") + "/elsewhere"
			start := testNow.Add(-tt.age)
			src.Last302URL = target
			src.Last302Start = &start

			if _, err := f.Fetch(context.Background(), src); err != nil {
				t.Fatal(err)
			}

			if tt.promoted {
				if src.FeedURL != target || store.updates["src-1"] != target {
					t.Errorf("Expected promotion to '%s', got '%s'", target, src.FeedURL)
				}
				if src.Last302URL != "" || src.Last302Start != nil {
					t.Errorf("Expected tracking to be cleared, got '%s' %v", src.Last302URL, src.Last302Start)
				}
			} else {
				if src.FeedURL == target {
					t.Error("Expected feed URL not to be rewritten yet")
				}
				if !src.Last302Start.Equal(start) {
					t.Errorf("Expected tracking window to be kept, got %v", src.Last302Start)
				}
			}
		})
	}
}

func TestFetchTemporaryRedirectWithoutLocation(t *testing.T) {
	f, _, src := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusFound)
	})

	if _, err := f.Fetch(context.Background(), src); err != nil {
		t.Fatal(err)
	}

	if src.Interval != 120 {
		t.Errorf("Expected interval 120, got %d", src.Interval)
	}
	if !strings.HasPrefix(src.LastResult, "Failed Redirection") {
		t.Errorf("Expected failed redirection result, got '%s'", src.LastResult)
	}
}

func TestFetchBlockedSourceUsesWorker(t *testing.T) {
	var gotTarget, agent string
	f, _, src := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		gotTarget = r.URL.Query().Get("target")
		agent = r.Header.Get("User-Agent")
		w.Write([]byte("<rss/>"))
	})

	worker := strings.TrimSuffix(src.FeedURL, "/feed")
	f.cfg = &cfg.Cfg{UserAgent: "Warden", ServerURL: "https://reader.example.com", CloudflareWorker: worker}
	src.FeedURL = "https://blocked.example.com/feed?x=1"
	src.IsCloudflare = true

	if _, err := f.Fetch(context.Background(), src); err != nil {
		t.Fatal(err)
	}

	if gotTarget != "https://blocked.example.com/feed?x=1" {
		t.Errorf("Expected worker target to carry the feed URL, got '%s'", gotTarget)
	}
	if strings.Contains(agent, "Updater") {
		t.Errorf("Expected browser agent for a blocked source, got '%s'", agent)
	}
}

func TestFetchBlockedSourceProxyFailure(t *testing.T) {
	repo := &mockProxyRepository{proxies: []string{"http://proxy-1:3128"}}
	client := &mockClient{err: errors.New("connection refused")}
	f := NewFetcher(client, &mockURLStore{}, NewProxyPool(repo, nil, nil), testCfg(), nil)

	src := database.NewSource("https://blocked.example.com/feed")
	src.IsCloudflare = true
	src.Interval = 240

	result, err := f.Fetch(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}

	if result.Proxy != "http://proxy-1:3128" || client.requests[0].Proxy != "http://proxy-1:3128" {
		t.Errorf("Expected request through the pooled proxy, got '%s'", result.Proxy)
	}
	if src.StatusCode != 1 {
		t.Errorf("Expected transient status 1, got %d", src.StatusCode)
	}
	if src.Interval != 120 {
		t.Errorf("Expected interval halved to 120, got %d", src.Interval)
	}
	if len(repo.deleted) != 1 || repo.deleted[0] != "http://proxy-1:3128" {
		t.Errorf("Expected failing proxy to be burned, got %v", repo.deleted)
	}
}

func TestFetchBlockedThroughProxyStaysLive(t *testing.T) {
	repo := &mockProxyRepository{proxies: []string{"http://proxy-1:3128"}}
	client := &mockClient{resp: &Response{StatusCode: 403, Header: http.Header{"Server": {"cloudflare"}}}}
	f := NewFetcher(client, &mockURLStore{}, NewProxyPool(repo, nil, nil), testCfg(), nil)

	src := database.NewSource("https://blocked.example.com/feed")
	src.IsCloudflare = true
	src.Interval = 300

	if _, err := f.Fetch(context.Background(), src); err != nil {
		t.Fatal(err)
	}

	if !src.Live {
		t.Error("Expected source to stay live")
	}
	if src.Interval != 150 {
		t.Errorf("Expected interval 150, got %d", src.Interval)
	}
	if len(repo.deleted) != 1 {
		t.Errorf("Expected blocked proxy to be burned, got %v", repo.deleted)
	}
}

func TestProxyPoolReplenishes(t *testing.T) {
	var logs strings.Builder
	repo := &mockProxyRepository{}
	pool := NewProxyPool(repo, []string{"http://seed:3128"}, slog.New(slog.NewTextHandler(&logs, nil)))

	addr, err := pool.Take(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if addr != "http://seed:3128" {
		t.Errorf("Expected seed proxy, got '%s'", addr)
	}
	if !strings.Contains(logs.String(), "Proxy pool replenished") {
		t.Errorf("Expected replenish line on the pool logger, got %q", logs.String())
	}
}

func TestProbe(t *testing.T) {
	var cacheControl string
	f, _, src := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		cacheControl = r.Header.Get("Cache-Control")
		w.Write([]byte("hello"))
	})
	src.IsCloudflare = true

	result := f.Probe(context.Background(), src, false)

	if !result.OK || result.StatusCode != 200 || result.Size != 5 {
		t.Errorf("Expected reachable feed, got %+v", result)
	}
	if cacheControl != "no-cache,max-age=0" {
		t.Errorf("Expected no-cache request, got '%s'", cacheControl)
	}
}

func TestWorkerURL(t *testing.T) {
	got := WorkerURL("https://worker.example.com", "https://example.com/feed?a=1&b=2")
	u, err := url.Parse(got)
	if err != nil {
		t.Fatal(err)
	}
	if u.Path != "/read/" || u.Query().Get("target") != "https://example.com/feed?a=1&b=2" {
		t.Errorf("Expected worker read URL, got '%s'", got)
	}
}
