package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

var _ ProxyRepository = (*ProxyRepo)(nil)

// ProxyRepo stores the pool of web proxies tried against blocked sources
type ProxyRepo struct {
	db *DB
}

func NewProxyRepository(db *DB) *ProxyRepo {
	return &ProxyRepo{db: db}
}

// AddProxies inserts unknown addresses and returns how many were new
func (r *ProxyRepo) AddProxies(ctx context.Context, addresses []string) (int, error) {
	added := 0
	now := toMillis(time.Now())

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, addr := range addresses {
			res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO web_proxies (address, added_at) VALUES (?, ?)`, addr, now)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				added++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to add proxies: %w", err)
	}

	return added, nil
}

// RandomProxy returns any stored address, or "" when the pool is empty
func (r *ProxyRepo) RandomProxy(ctx context.Context) (string, error) {
	var addr string
	err := r.db.QueryRowContext(ctx, `SELECT address FROM web_proxies ORDER BY RANDOM() LIMIT 1`).Scan(&addr)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to pick proxy: %w", err)
	}
	return addr, nil
}

func (r *ProxyRepo) DeleteProxy(ctx context.Context, address string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM web_proxies WHERE address = ?`, address); err != nil {
		return fmt.Errorf("failed to delete proxy: %w", err)
	}
	return nil
}

func (r *ProxyRepo) CountProxies(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM web_proxies`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count proxies: %w", err)
	}
	return count, nil
}
