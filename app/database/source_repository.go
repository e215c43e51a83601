package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

var _ SourceRepository = (*SourceRepo)(nil)

// SourceRepo handles database operations for sources
type SourceRepo struct {
	db *DB
}

// NewSourceRepository creates a new source repository
func NewSourceRepository(db *DB) *SourceRepo {
	return &SourceRepo{db: db}
}

const sourceColumns = `id, COALESCE(config_key, ''), feed_url, alt_url, site_url, name, description, image_url,
	etag, last_modified, interval, due_poll, last_polled, last_success, last_change,
	live, status_code, last_result, last_302_url, last_302_start, max_index, subscribers,
	is_cloudflare, raw_json, created_at, last_parsed`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (*Source, error) {
	var (
		src                      Source
		duePoll, createdAt       int64
		lastPolled, lastSuccess  sql.NullInt64
		lastChange, last302Start sql.NullInt64
		lastParsed               sql.NullInt64
	)

	err := row.Scan(
		&src.ID, &src.ConfigKey, &src.FeedURL, &src.AltURL, &src.SiteURL, &src.Name, &src.Description, &src.ImageURL,
		&src.ETag, &src.LastModified, &src.Interval, &duePoll, &lastPolled, &lastSuccess, &lastChange,
		&src.Live, &src.StatusCode, &src.LastResult, &src.Last302URL, &last302Start, &src.MaxIndex, &src.Subscribers,
		&src.IsCloudflare, &src.RawJSON, &createdAt, &lastParsed,
	)
	if err != nil {
		return nil, err
	}

	src.DuePoll = fromMillis(duePoll)
	src.CreatedAt = fromMillis(createdAt)
	src.LastPolled = timePtr(lastPolled)
	src.LastSuccess = timePtr(lastSuccess)
	src.LastChange = timePtr(lastChange)
	src.LastParsed = timePtr(lastParsed)
	src.Last302Start = timePtr(last302Start)

	return &src, nil
}

// CreateSource inserts a new source, assigning an id when missing
func (r *SourceRepo) CreateSource(ctx context.Context, src *Source) error {
	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now().UTC()
	}
	if src.Subscribers == 0 {
		src.Subscribers = 1
	}

	var configKey sql.NullString
	if src.ConfigKey != "" {
		configKey = sql.NullString{String: src.ConfigKey, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sources (id, config_key, feed_url, alt_url, interval, due_poll, live, subscribers, is_cloudflare, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, src.ID, configKey, src.FeedURL, src.AltURL, src.Interval, toMillis(src.DuePoll), src.Live,
		src.Subscribers, src.IsCloudflare, toMillis(src.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create source: %w", err)
	}

	return nil
}

// UpsertSourceConfig registers a seed-file source by key. The feed URL is only
// written on insert or when the seed file itself changed it, so redirects
// learned at runtime survive restarts. Liveness is treated the same way and only
// follows the seed when its URL or enabled flag changed. Returns the id and
// whether the URL changed.
func (r *SourceRepo) UpsertSourceConfig(ctx context.Context, key, feedURL, altURL string, subscribers int, live bool) (string, bool, error) {
	var (
		id      string
		changed bool
	)

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var (
			seedURL     string
			seedEnabled bool
		)
		err := tx.QueryRowContext(ctx, `SELECT id, seed_url, seed_enabled FROM sources WHERE config_key = ?`, key).
			Scan(&id, &seedURL, &seedEnabled)

		if err == sql.ErrNoRows {
			src := NewSource(feedURL)
			id = uuid.NewString()
			_, err = tx.ExecContext(ctx, `
				INSERT INTO sources (id, config_key, seed_url, seed_enabled, feed_url, alt_url, interval, due_poll, live, subscribers, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, id, key, feedURL, live, feedURL, altURL, src.Interval, toMillis(src.DuePoll), live, max(subscribers, 1), toMillis(time.Now()))
			return err
		}
		if err != nil {
			return err
		}

		// live follows the seed only when the seed itself changed, so a source
		// the fetcher marked dead stays dead across identical syncs
		if seedURL != feedURL {
			changed = true
			_, err = tx.ExecContext(ctx, `
				UPDATE sources SET seed_url = ?, feed_url = ?, seed_enabled = ?, live = ? WHERE id = ?
			`, feedURL, feedURL, live, live, id)
			if err != nil {
				return err
			}
		} else if seedEnabled != live {
			_, err = tx.ExecContext(ctx, `UPDATE sources SET seed_enabled = ?, live = ? WHERE id = ?`, live, live, id)
			if err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `UPDATE sources SET alt_url = ?, subscribers = ? WHERE id = ?`, altURL, max(subscribers, 1), id)
		return err
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to upsert source config: %w", err)
	}

	return id, changed, nil
}

// GetSource retrieves a source by id; returns nil when absent
func (r *SourceRepo) GetSource(ctx context.Context, id string) (*Source, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id)

	src, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get source: %w", err)
	}

	return src, nil
}

// GetSourceCount returns the total number of sources
func (r *SourceRepo) GetSourceCount(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sources`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get source count: %w", err)
	}
	return count, nil
}

// CountDueSources returns the size of the polling queue
func (r *SourceRepo) CountDueSources(ctx context.Context, now time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sources WHERE live = 1 AND due_poll < ?`, toMillis(now)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count due sources: %w", err)
	}
	return count, nil
}

func (r *SourceRepo) ClaimDueSources(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Source, error) {
	var sources []Source

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+sourceColumns+`
			FROM sources
			WHERE live = 1 AND due_poll < ?
			ORDER BY due_poll
			LIMIT ?
		`, toMillis(now), limit)
		if err != nil {
			return err
		}

		for rows.Next() {
			src, err := scanSource(rows)
			if err != nil {
				rows.Close()
				return err
			}
			sources = append(sources, *src)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if len(sources) == 0 {
			return nil
		}

		ids := make([]any, 0, len(sources)+1)
		ids = append(ids, toMillis(now.Add(lease)))
		for _, src := range sources {
			ids = append(ids, src.ID)
		}

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(sources)), ",")
		_, err = tx.ExecContext(ctx, `UPDATE sources SET due_poll = ? WHERE id IN (`+placeholders+`)`, ids...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim due sources: %w", err)
	}

	return sources, nil
}

// UpdateFeedURL persists a permanent move as soon as it is learned
func (r *SourceRepo) UpdateFeedURL(ctx context.Context, id, feedURL string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE sources SET feed_url = ? WHERE id = ?`, feedURL, id)
	if err != nil {
		return fmt.Errorf("failed to update feed url: %w", err)
	}
	return nil
}

func (r *SourceRepo) SaveSourceState(ctx context.Context, src *Source) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sources SET
			feed_url = ?, alt_url = ?, site_url = ?, name = ?, description = ?, image_url = ?,
			etag = ?, last_modified = ?, interval = ?, due_poll = ?,
			last_polled = ?, last_success = ?, last_change = ?, last_parsed = ?,
			live = ?, status_code = ?, last_result = ?,
			last_302_url = ?, last_302_start = ?, is_cloudflare = ?, raw_json = ?
		WHERE id = ?
	`, src.FeedURL, src.AltURL, src.SiteURL, src.Name, src.Description, src.ImageURL,
		src.ETag, src.LastModified, src.Interval, toMillis(src.DuePoll),
		nullMillis(src.LastPolled), nullMillis(src.LastSuccess), nullMillis(src.LastChange), nullMillis(src.LastParsed),
		src.Live, src.StatusCode, truncate(src.LastResult, 255),
		src.Last302URL, nullMillis(src.Last302Start), src.IsCloudflare, src.RawJSON,
		src.ID)
	if err != nil {
		return fmt.Errorf("failed to save source state: %w", err)
	}
	return nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
