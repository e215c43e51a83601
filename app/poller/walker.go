package poller

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/dustin/go-humanize"

	"github.com/lysyi3m/rss-warden/app/database"
	"github.com/lysyi3m/rss-warden/app/feed"
	"github.com/lysyi3m/rss-warden/app/fetcher"
	"github.com/lysyi3m/rss-warden/app/parser"
	"github.com/lysyi3m/rss-warden/app/reconcile"
)

// Walker backfills history by following rel="next" pages
type Walker struct {
	client     fetcher.Client
	parser     *parser.Parser
	normalizer *feed.Normalizer
	reconciler *reconcile.Reconciler
	agent      func(subscribers int) string
	maxPages   int
	retryDelay time.Duration
	logger     *slog.Logger
}

func NewWalker(client fetcher.Client, p *parser.Parser, n *feed.Normalizer, r *reconcile.Reconciler,
	agent func(subscribers int) string, maxPages int, logger *slog.Logger) *Walker {
	return &Walker{
		client:     client,
		parser:     p,
		normalizer: n,
		reconciler: r,
		agent:      agent,
		maxPages:   maxPages,
		retryDelay: time.Second,
		logger:     logger,
	}
}

// Backfill walks from doc's next link until a page has none, a URL repeats,
// a page fails or the page bound is reached. Only persistence errors are returned.
func (w *Walker) Backfill(ctx context.Context, src *database.Source, doc *parser.Document) (int, error) {
	visited := map[string]bool{src.FeedURL: true}
	pages := 0

	for next := doc.NextPage(); next != "" && pages < w.maxPages; {
		pageURL, err := resolveAgainst(src.FeedURL, next)
		if err != nil || visited[pageURL] {
			break
		}
		visited[pageURL] = true

		resp, err := w.fetchPage(ctx, src, pageURL)
		if err != nil {
			w.logger.Warn("Backfill stopped", "source", src.ID, "url", pageURL, "error", err)
			break
		}

		page, err := w.parser.Parse(resp.Body, resp.Header.Get("Content-Type"))
		if err != nil {
			w.logger.Warn("Backfill page unreadable", "source", src.ID, "url", pageURL, "error", err)
			break
		}

		stats, err := w.reconciler.Merge(ctx, src, w.normalizer.Normalize(page, src.SiteURL))
		if err != nil {
			return pages, fmt.Errorf("failed to reconcile backfill page: %w", err)
		}
		pages++

		w.logger.Info("Backfilled page",
			"source", src.ID,
			"page", pages,
			"url", pageURL,
			"size", humanize.Bytes(uint64(len(resp.Body))),
			"new", stats.New)

		next = page.NextPage()
	}

	return pages, nil
}

func (w *Walker) fetchPage(ctx context.Context, src *database.Source, pageURL string) (*fetcher.Response, error) {
	var resp *fetcher.Response

	err := retry.Do(
		func() error {
			r, err := w.client.Do(ctx, &fetcher.Request{
				URL:             pageURL,
				Header:          http.Header{"User-Agent": {w.agent(src.Subscribers)}},
				FollowRedirects: true,
			})
			if err != nil {
				return err
			}
			if r.StatusCode >= 500 {
				return fmt.Errorf("HTTP %d", r.StatusCode)
			}
			if r.StatusCode < 200 || r.StatusCode >= 300 {
				return retry.Unrecoverable(fmt.Errorf("HTTP %d", r.StatusCode))
			}
			resp = r
			return nil
		},
		retry.Attempts(3),
		retry.Delay(w.retryDelay),
		retry.MaxDelay(30*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			w.logger.Debug("Retrying backfill page", "url", pageURL, "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func resolveAgainst(base, ref string) (string, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}
