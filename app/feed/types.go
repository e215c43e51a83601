package feed

import (
	"time"
)

// Metadata is the feed-level information refreshed on every successful parse
type Metadata struct {
	Name        string
	SiteURL     string
	ImageURL    string
	Description string
}

// Entry is one canonical, sanitized entry ready for reconciliation
type Entry struct {
	GUID       string
	Title      string
	Body       string
	Link       string
	Author     string
	ImageURL   string
	Created    *time.Time // claimed publication time, nil when the document gives none
	Enclosures []Enclosure
	RawJSON    string
}

// Enclosure is a declared attachment, deduplicated by Href
type Enclosure struct {
	Href        string
	Length      *int64
	Type        string
	Medium      string
	Description string
}

// Sanitizer cleans untrusted HTML
type Sanitizer interface {
	Sanitize(html string) string
}
