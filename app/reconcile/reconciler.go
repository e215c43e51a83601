package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lysyi3m/rss-warden/app/database"
	"github.com/lysyi3m/rss-warden/app/feed"
)

// Enclosure type defaults when a declaration gives none
const (
	DefaultNewEnclosureType      = "audio/mpeg"
	DefaultExistingEnclosureType = "unknown"
)

// Stats counts what one merge did
type Stats struct {
	New             int
	Updated         int
	EnclosuresAdded int
	EnclosuresKept  int
	EnclosuresGone  int
}

func (s Stats) Changed() bool {
	return s.New > 0
}

// Reconciler merges normalized entries into the stored history of a source
type Reconciler struct {
	posts             database.PostRepository
	keepOldEnclosures bool
	logger            *slog.Logger
	now               func() time.Time
}

func NewReconciler(posts database.PostRepository, keepOldEnclosures bool, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		posts:             posts,
		keepOldEnclosures: keepOldEnclosures,
		logger:            logger,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source, for tests
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Merge creates or refreshes a post per entry. New posts stay at index 0
// until AssignIndices runs.
func (r *Reconciler) Merge(ctx context.Context, src *database.Source, entries []feed.Entry) (Stats, error) {
	var stats Stats

	for _, entry := range entries {
		if err := r.mergeEntry(ctx, src.ID, entry, &stats); err != nil {
			return stats, err
		}
	}

	return stats, nil
}

// AssignIndices numbers every post of the source still at index 0 in created
// order and stores the new maximum on src. It runs once per cycle, after every
// page has been merged, so backfilled history sorts below newer posts.
func (r *Reconciler) AssignIndices(ctx context.Context, src *database.Source) (int, error) {
	maxIndex, assigned, err := r.posts.AssignPendingIndices(ctx, src.ID)
	if err != nil {
		return 0, err
	}
	src.MaxIndex = maxIndex
	return assigned, nil
}

func (r *Reconciler) mergeEntry(ctx context.Context, sourceID string, entry feed.Entry, stats *Stats) error {
	post, err := r.posts.GetPostByGUID(ctx, sourceID, entry.GUID)
	if err != nil {
		return err
	}

	isNew := post == nil
	if isNew {
		now := r.now()
		post = &database.Post{
			SourceID: sourceID,
			GUID:     entry.GUID,
			Found:    now,
			Created:  now,
			Index:    0,
		}
		if entry.Created != nil {
			post.Created = entry.Created.UTC()
		}
	}

	post.Title = entry.Title
	post.Body = entry.Body
	post.Link = entry.Link
	post.Author = entry.Author
	post.ImageURL = entry.ImageURL
	if entry.RawJSON != "" {
		post.RawJSON = entry.RawJSON
	}

	if isNew {
		if err := r.posts.CreatePost(ctx, post); err != nil {
			return err
		}
		stats.New++
		r.logger.Debug("New post", "source", sourceID, "guid", entry.GUID)
	} else {
		if err := r.posts.UpdatePost(ctx, post); err != nil {
			return err
		}
		stats.Updated++
	}

	if err := r.mergeEnclosures(ctx, post, entry.Enclosures, stats); err != nil {
		return fmt.Errorf("failed to merge enclosures of %s: %w", entry.GUID, err)
	}
	return nil
}

// mergeEnclosures refreshes still-declared enclosures, retires or deletes the
// vanished ones and creates the rest. A stored href seen twice counts as vanished.
func (r *Reconciler) mergeEnclosures(ctx context.Context, post *database.Post, declared []feed.Enclosure, stats *Stats) error {
	existing, err := r.posts.GetEnclosures(ctx, post.ID)
	if err != nil {
		return err
	}

	byHref := make(map[string]feed.Enclosure, len(declared))
	for _, d := range declared {
		byHref[d.Href] = d
	}

	seen := make(map[string]bool, len(existing))
	for _, enc := range existing {
		d, ok := byHref[enc.Href]
		if ok && !seen[enc.Href] {
			enc.Length = lengthOrZero(d.Length)
			enc.Type = typeOr(d.Type, DefaultExistingEnclosureType)
			if d.Medium != "" {
				enc.Medium = d.Medium
			}
			if d.Description != "" {
				enc.Description = d.Description
			}
			enc.IsCurrent = true
			if err := r.posts.UpdateEnclosure(ctx, &enc); err != nil {
				return err
			}
			stats.EnclosuresKept++
		} else if r.keepOldEnclosures {
			if enc.IsCurrent {
				enc.IsCurrent = false
				if err := r.posts.UpdateEnclosure(ctx, &enc); err != nil {
					return err
				}
				stats.EnclosuresGone++
			}
		} else {
			if err := r.posts.DeleteEnclosure(ctx, enc.ID); err != nil {
				return err
			}
			stats.EnclosuresGone++
		}
		seen[enc.Href] = true
	}

	for _, d := range declared {
		if seen[d.Href] {
			continue
		}
		enc := &database.Enclosure{
			PostID:      post.ID,
			Href:        d.Href,
			Length:      lengthOrZero(d.Length),
			Type:        typeOr(d.Type, DefaultNewEnclosureType),
			Medium:      d.Medium,
			Description: d.Description,
			IsCurrent:   true,
		}
		if err := r.posts.CreateEnclosure(ctx, enc); err != nil {
			return err
		}
		seen[d.Href] = true
		stats.EnclosuresAdded++
	}

	return nil
}

func lengthOrZero(n *int64) int64 {
	if n == nil || *n < 0 {
		return 0
	}
	return *n
}

func typeOr(t, fallback string) string {
	if t == "" {
		return fallback
	}
	return t
}
