package api

import (
	"context"
	"time"

	"github.com/lysyi3m/rss-warden/app/database"
	"github.com/lysyi3m/rss-warden/app/fetcher"
	"github.com/lysyi3m/rss-warden/app/tasks"
)

type ProberInterface interface {
	Probe(ctx context.Context, src *database.Source, useCache bool) *fetcher.ProbeResult
}

var _ ProberInterface = (*fetcher.Fetcher)(nil)

type SeedCounter interface {
	Count() int
}

type Handler struct {
	sourceRepo database.SourceRepository
	postRepo   database.PostRepository
	proxyRepo  database.ProxyRepository
	scheduler  tasks.TaskSchedulerInterface
	prober     ProberInterface
	seeds      SeedCounter
	version    string
	now        func() time.Time
}

type createSourceRequest struct {
	URL         string `json:"url" binding:"required"`
	AltURL      string `json:"alt_url"`
	Subscribers int    `json:"subscribers"`
}

type sourceResponse struct {
	ID           string     `json:"id"`
	ConfigKey    string     `json:"config_key,omitempty"`
	FeedURL      string     `json:"feed_url"`
	AltURL       string     `json:"alt_url,omitempty"`
	SiteURL      string     `json:"site_url,omitempty"`
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	ImageURL     string     `json:"image_url,omitempty"`
	Live         bool       `json:"live"`
	IsCloudflare bool       `json:"is_cloudflare"`
	StatusCode   int        `json:"status_code"`
	LastResult   string     `json:"last_result"`
	Interval     int        `json:"interval"`
	DuePoll      time.Time  `json:"due_poll"`
	NextPoll     string     `json:"next_poll"`
	LastPolled   *time.Time `json:"last_polled,omitempty"`
	LastSuccess  *time.Time `json:"last_success,omitempty"`
	LastChange   *time.Time `json:"last_change,omitempty"`
	MaxIndex     int        `json:"max_index"`
	Subscribers  int        `json:"subscribers"`
}

type enclosureResponse struct {
	Href      string `json:"href"`
	Length    int64  `json:"length"`
	Size      string `json:"size"`
	Type      string `json:"type"`
	Medium    string `json:"medium,omitempty"`
	IsCurrent bool   `json:"is_current"`
}

type postResponse struct {
	Index      int                 `json:"index"`
	GUID       string              `json:"guid"`
	Title      string              `json:"title"`
	Link       string              `json:"link,omitempty"`
	Author     string              `json:"author,omitempty"`
	Created    time.Time           `json:"created"`
	Found      time.Time           `json:"found"`
	Enclosures []enclosureResponse `json:"enclosures"`
}
