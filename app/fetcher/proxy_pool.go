package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lysyi3m/rss-warden/app/database"
)

// ProxyPool hands out proxies for blocked sources. Take, Burn and the
// replenish step are serialized so two cycles never race on one address.
type ProxyPool struct {
	repo   database.ProxyRepository
	seeds  []string
	logger *slog.Logger

	mu sync.Mutex
}

func NewProxyPool(repo database.ProxyRepository, seeds []string, logger *slog.Logger) *ProxyPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProxyPool{repo: repo, seeds: seeds, logger: logger}
}

// Take returns a proxy address, or "" when none is available. An empty pool
// is refilled from the configured seeds first.
func (p *ProxyPool) Take(ctx context.Context) (string, error) {
	if p == nil {
		return "", nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	addr, err := p.repo.RandomProxy(ctx)
	if err != nil {
		return "", err
	}
	if addr != "" || len(p.seeds) == 0 {
		return addr, nil
	}

	added, err := p.repo.AddProxies(ctx, p.seeds)
	if err != nil {
		return "", fmt.Errorf("failed to replenish proxy pool: %w", err)
	}
	p.logger.Info("Proxy pool replenished", "added", added)

	return p.repo.RandomProxy(ctx)
}

// Burn discards a proxy that failed or was itself blocked
func (p *ProxyPool) Burn(ctx context.Context, addr string) error {
	if p == nil || addr == "" {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.repo.DeleteProxy(ctx, addr)
}
