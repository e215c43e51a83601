package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

var _ PostRepository = (*PostRepo)(nil)

// PostRepo handles database operations for posts and their enclosures
type PostRepo struct {
	db *DB
}

// NewPostRepository creates a new post repository
func NewPostRepository(db *DB) *PostRepo {
	return &PostRepo{db: db}
}

const postColumns = `id, source_id, guid, title, body, link, author, image_url, created, found, post_index, raw_json`

func scanPost(row rowScanner) (*Post, error) {
	var (
		p              Post
		created, found int64
	)
	err := row.Scan(&p.ID, &p.SourceID, &p.GUID, &p.Title, &p.Body, &p.Link, &p.Author, &p.ImageURL,
		&created, &found, &p.Index, &p.RawJSON)
	if err != nil {
		return nil, err
	}
	p.Created = fromMillis(created)
	p.Found = fromMillis(found)
	return &p, nil
}

// GetPostByGUID looks a post up by its per-source identity; returns nil when absent
func (r *PostRepo) GetPostByGUID(ctx context.Context, sourceID, guid string) (*Post, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE source_id = ? AND guid = ?`, sourceID, guid)

	p, err := scanPost(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get post by guid: %w", err)
	}
	return p, nil
}

func (r *PostRepo) CreatePost(ctx context.Context, p *Post) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO posts (id, source_id, guid, title, body, link, author, image_url, created, found, post_index, raw_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.SourceID, p.GUID, p.Title, p.Body, p.Link, p.Author, p.ImageURL,
		toMillis(p.Created), toMillis(p.Found), p.Index, p.RawJSON)
	if err != nil {
		return fmt.Errorf("failed to create post: %w", err)
	}
	return nil
}

// UpdatePost refreshes the mutable content fields. Identity, found and index are left alone.
func (r *PostRepo) UpdatePost(ctx context.Context, p *Post) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE posts SET title = ?, body = ?, link = ?, author = ?, image_url = ?, raw_json = ?
		WHERE id = ?
	`, p.Title, p.Body, p.Link, p.Author, p.ImageURL, p.RawJSON, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update post: %w", err)
	}
	return nil
}

func (r *PostRepo) CountPosts(ctx context.Context, sourceID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts WHERE source_id = ?`, sourceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count posts: %w", err)
	}
	return count, nil
}

// GetPostsByIndex returns up to limit of the source's posts in read-cursor
// order, unassigned posts last. A limit of 0 or less returns them all.
func (r *PostRepo) GetPostsByIndex(ctx context.Context, sourceID string, limit int) ([]Post, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+postColumns+`
		FROM posts
		WHERE source_id = ?
		ORDER BY post_index = 0, post_index, created
		LIMIT ?
	`, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get posts: %w", err)
	}
	defer rows.Close()

	var posts []Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan post row: %w", err)
		}
		posts = append(posts, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating post rows: %w", err)
	}

	return posts, nil
}

func (r *PostRepo) AssignPendingIndices(ctx context.Context, sourceID string) (int, int, error) {
	var maxIndex, assigned int

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT max_index FROM sources WHERE id = ?`, sourceID).Scan(&maxIndex); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM posts
			WHERE source_id = ? AND post_index = 0
			ORDER BY created, found, id
		`, sourceID)
		if err != nil {
			return err
		}

		var pending []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			pending = append(pending, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, id := range pending {
			maxIndex++
			if _, err := tx.ExecContext(ctx, `UPDATE posts SET post_index = ? WHERE id = ?`, maxIndex, id); err != nil {
				return err
			}
		}
		assigned = len(pending)

		_, err = tx.ExecContext(ctx, `UPDATE sources SET max_index = ? WHERE id = ? AND max_index <= ?`, maxIndex, sourceID, maxIndex)
		return err
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to assign post indices: %w", err)
	}

	return maxIndex, assigned, nil
}

func (r *PostRepo) GetEnclosures(ctx context.Context, postID string) ([]Enclosure, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, post_id, href, length, type, medium, description, is_current
		FROM enclosures
		WHERE post_id = ?
		ORDER BY rowid
	`, postID)
	if err != nil {
		return nil, fmt.Errorf("failed to get enclosures: %w", err)
	}
	defer rows.Close()

	var enclosures []Enclosure
	for rows.Next() {
		var e Enclosure
		if err := rows.Scan(&e.ID, &e.PostID, &e.Href, &e.Length, &e.Type, &e.Medium, &e.Description, &e.IsCurrent); err != nil {
			return nil, fmt.Errorf("failed to scan enclosure row: %w", err)
		}
		enclosures = append(enclosures, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating enclosure rows: %w", err)
	}

	return enclosures, nil
}

func (r *PostRepo) CreateEnclosure(ctx context.Context, e *Enclosure) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO enclosures (id, post_id, href, length, type, medium, description, is_current)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.PostID, e.Href, e.Length, e.Type, e.Medium, e.Description, e.IsCurrent)
	if err != nil {
		return fmt.Errorf("failed to create enclosure: %w", err)
	}
	return nil
}

func (r *PostRepo) UpdateEnclosure(ctx context.Context, e *Enclosure) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE enclosures SET length = ?, type = ?, medium = ?, description = ?, is_current = ?
		WHERE id = ?
	`, e.Length, e.Type, e.Medium, e.Description, e.IsCurrent, e.ID)
	if err != nil {
		return fmt.Errorf("failed to update enclosure: %w", err)
	}
	return nil
}

func (r *PostRepo) DeleteEnclosure(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM enclosures WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete enclosure: %w", err)
	}
	return nil
}

// CountEnclosures counts every enclosure of the source, current or retired
func (r *PostRepo) CountEnclosures(ctx context.Context, sourceID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM enclosures e JOIN posts p ON p.id = e.post_id WHERE p.source_id = ?
	`, sourceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count enclosures: %w", err)
	}
	return count, nil
}
