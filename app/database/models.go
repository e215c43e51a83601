package database

import (
	"time"
)

// Interval bounds in minutes.
const (
	MinInterval     = 60
	MaxInterval     = 60 * 24
	DefaultInterval = MinInterval
)

// GUIDMaxLength bounds document-supplied ids and links used as a post GUID.
const GUIDMaxLength = 768

// DistantPast is the due time of a source that has never been polled.
var DistantPast = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

type Source struct {
	ID        string
	ConfigKey string // seed file key, empty for sources added at runtime

	FeedURL string // rewritten by permanent redirects
	AltURL  string // bypass URL used while blocked

	// Populated from parsed documents
	SiteURL     string
	Name        string
	Description string
	ImageURL    string

	// Opaque cache validators
	ETag         string
	LastModified string

	Interval    int // minutes
	DuePoll     time.Time
	LastPolled  *time.Time
	LastSuccess *time.Time
	LastChange  *time.Time
	LastParsed  *time.Time // last 2xx body that decoded

	Live       bool
	StatusCode int
	LastResult string

	Last302URL   string
	Last302Start *time.Time

	MaxIndex     int
	Subscribers  int
	IsCloudflare bool

	RawJSON   string
	CreatedAt time.Time
}

// NewSource returns a live source that is due immediately.
func NewSource(feedURL string) *Source {
	return &Source{
		FeedURL:     feedURL,
		Interval:    DefaultInterval,
		DuePoll:     DistantPast,
		Live:        true,
		Subscribers: 1,
	}
}

type Post struct {
	ID       string
	SourceID string
	GUID     string
	Title    string
	Body     string
	Link     string
	Author   string
	ImageURL string
	Created  time.Time // claimed publication time
	Found    time.Time // first seen, never changes
	Index    int       // 0 until assigned
	RawJSON  string
}

type Enclosure struct {
	ID          string
	PostID      string
	Href        string
	Length      int64
	Type        string
	Medium      string
	Description string
	IsCurrent   bool
}

func (e Enclosure) IsImage() bool {
	return classify(e, "image")
}

func (e Enclosure) IsAudio() bool {
	return classify(e, "audio")
}

func (e Enclosure) IsVideo() bool {
	return classify(e, "video")
}

func classify(e Enclosure, medium string) bool {
	if e.Medium != "" {
		return e.Medium == medium
	}
	return len(e.Type) > len(medium) && e.Type[:len(medium)+1] == medium+"/"
}
