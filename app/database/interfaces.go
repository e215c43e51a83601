package database

import (
	"context"
	"time"
)

type SourceRepository interface {
	CreateSource(ctx context.Context, src *Source) error
	UpsertSourceConfig(ctx context.Context, key, feedURL, altURL string, subscribers int, live bool) (string, bool, error)
	GetSource(ctx context.Context, id string) (*Source, error)
	GetSourceCount(ctx context.Context) (int, error)
	CountDueSources(ctx context.Context, now time.Time) (int, error)

	// ClaimDueSources atomically selects up to limit live sources due before now,
	// oldest first, and pushes their due time forward by lease so no other sweep
	// picks them up while a cycle is in flight.
	ClaimDueSources(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Source, error)

	UpdateFeedURL(ctx context.Context, id, feedURL string) error

	// SaveSourceState persists everything a cycle mutates except max_index,
	// which only AssignPendingIndices writes.
	SaveSourceState(ctx context.Context, src *Source) error
}

type PostRepository interface {
	GetPostByGUID(ctx context.Context, sourceID, guid string) (*Post, error)
	CreatePost(ctx context.Context, post *Post) error
	UpdatePost(ctx context.Context, post *Post) error
	CountPosts(ctx context.Context, sourceID string) (int, error)
	GetPostsByIndex(ctx context.Context, sourceID string, limit int) ([]Post, error)

	// AssignPendingIndices numbers every post of the source still at index 0 in
	// ascending created order, starting at max_index+1, and stores the new
	// max_index. Returns the new max_index and the number of posts numbered.
	AssignPendingIndices(ctx context.Context, sourceID string) (int, int, error)

	GetEnclosures(ctx context.Context, postID string) ([]Enclosure, error)
	CreateEnclosure(ctx context.Context, enc *Enclosure) error
	UpdateEnclosure(ctx context.Context, enc *Enclosure) error
	DeleteEnclosure(ctx context.Context, id string) error
	CountEnclosures(ctx context.Context, sourceID string) (int, error)
}

type ProxyRepository interface {
	AddProxies(ctx context.Context, addresses []string) (int, error)
	RandomProxy(ctx context.Context) (string, error)
	DeleteProxy(ctx context.Context, address string) error
	CountProxies(ctx context.Context) (int, error)
}
