package poller

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/lysyi3m/rss-warden/app/cfg"
	"github.com/lysyi3m/rss-warden/app/database"
	"github.com/lysyi3m/rss-warden/app/feed"
	"github.com/lysyi3m/rss-warden/app/fetcher"
	"github.com/lysyi3m/rss-warden/app/parser"
	"github.com/lysyi3m/rss-warden/app/reconcile"
)

// Poller runs one fetch and reconcile cycle for a source
type Poller struct {
	fetcher    *fetcher.Fetcher
	parser     *parser.Parser
	normalizer *feed.Normalizer
	reconciler *reconcile.Reconciler
	walker     *Walker
	sources    database.SourceRepository
	posts      database.PostRepository
	saveRaw    bool
	logger     *slog.Logger
	now        func() time.Time
}

// New wires a poller from its collaborators. The same client serves the
// main fetch and backfill pages.
func New(c *cfg.Cfg, client fetcher.Client, sources database.SourceRepository, posts database.PostRepository,
	proxies *fetcher.ProxyPool, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}

	p := parser.NewParser(c.SaveRaw)
	n := feed.NewNormalizer(feed.NewHTMLSanitizer(feed.DeniedAttributes, logger))
	r := reconcile.NewReconciler(posts, c.KeepOldEnclosures, logger)

	return &Poller{
		fetcher:    fetcher.NewFetcher(client, sources, proxies, c, logger),
		parser:     p,
		normalizer: n,
		reconciler: r,
		walker:     NewWalker(client, p, n, r, c.UserAgentFor, c.MaxBackfillPages, logger),
		sources:    sources,
		posts:      posts,
		saveRaw:    c.SaveRaw,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source of the whole cycle, for tests
func (p *Poller) WithClock(now func() time.Time) *Poller {
	p.now = now
	p.fetcher.WithClock(now)
	p.reconciler.WithClock(now)
	return p
}

// Fetcher exposes the fetch state machine for probing
func (p *Poller) Fetcher() *fetcher.Fetcher {
	return p.fetcher
}

// Poll runs the cycle and persists the source. HTTP and parse failures are
// recorded on the source; only storage errors are returned.
func (p *Poller) Poll(ctx context.Context, src *database.Source) error {
	oldInterval := src.Interval

	result, err := p.fetcher.Fetch(ctx, src)
	if err != nil {
		return err
	}

	outcome := OutcomeNone
	if result.Response != nil {
		outcome, err = p.parse(ctx, src, result.Response)
		if err != nil {
			return err
		}
	}

	now := p.now()
	ApplyOutcome(src, outcome, now)

	if err := p.sources.SaveSourceState(ctx, src); err != nil {
		return fmt.Errorf("failed to save source state: %w", err)
	}

	p.logger.Info("Cycle completed",
		"source", src.ID,
		"status", src.StatusCode,
		"outcome", outcome.String(),
		"result", src.LastResult,
		"interval_from", oldInterval,
		"interval_to", src.Interval,
		"due", humanize.RelTime(src.DuePoll, now, "ago", "from now"))

	return nil
}

func (p *Poller) parse(ctx context.Context, src *database.Source, resp *fetcher.Response) (Outcome, error) {
	contentType := resp.Header.Get("Content-Type")

	doc, err := p.parser.Parse(resp.Body, contentType)
	if err != nil {
		switch {
		case errors.Is(err, parser.ErrUnknownFormat):
			src.LastResult = "Unknown Feed Type: " + cmp.Or(contentType, "Not Set")
		case errors.Is(err, parser.ErrEmpty):
			src.LastResult = "Feed is empty"
		default:
			src.LastResult = "Feed Parse Error"
		}
		p.logger.Warn("Parse failed", "source", src.ID, "size", humanize.Bytes(uint64(len(resp.Body))), "error", err)
		return OutcomeFailed, nil
	}

	now := p.now()
	src.LastSuccess = &now
	src.LastParsed = &now

	if doc.Expired {
		src.LastResult = "This feed has expired"
		return OutcomeExpired, nil
	}

	p.applyMetadata(src, doc)

	before, err := p.posts.CountPosts(ctx, src.ID)
	if err != nil {
		return OutcomeNone, fmt.Errorf("failed to count posts: %w", err)
	}

	entries := p.normalizer.Normalize(doc, src.SiteURL)
	stats, err := p.reconciler.Merge(ctx, src, entries)
	if err != nil {
		return OutcomeNone, fmt.Errorf("failed to reconcile entries: %w", err)
	}

	p.logger.Info("Entries reconciled",
		"source", src.ID,
		"format", doc.Format.String(),
		"size", humanize.Bytes(uint64(len(resp.Body))),
		"entries", len(entries),
		"new", stats.New,
		"updated", stats.Updated,
		"enclosures_added", stats.EnclosuresAdded,
		"enclosures_gone", stats.EnclosuresGone)

	if before == 0 && stats.New > 0 {
		pages, err := p.walker.Backfill(ctx, src, doc)
		if err != nil {
			return OutcomeNone, err
		}
		if pages > 0 {
			p.logger.Info("Backfill completed", "source", src.ID, "pages", pages)
		}
	}

	assigned, err := p.reconciler.AssignIndices(ctx, src)
	if err != nil {
		return OutcomeNone, fmt.Errorf("failed to assign indices: %w", err)
	}
	if assigned > 0 {
		p.logger.Debug("Indices assigned", "source", src.ID, "assigned", assigned, "max_index", src.MaxIndex)
	}

	if stats.Changed() {
		return OutcomeChanged, nil
	}
	return OutcomeUnchanged, nil
}

func (p *Poller) applyMetadata(src *database.Source, doc *parser.Document) {
	meta := p.normalizer.Metadata(doc)

	src.Name = cmp.Or(meta.Name, src.Name)
	src.SiteURL = cmp.Or(meta.SiteURL, src.SiteURL)
	src.ImageURL = cmp.Or(meta.ImageURL, src.ImageURL)
	src.Description = cmp.Or(meta.Description, src.Description)

	if p.saveRaw {
		src.RawJSON = doc.RawJSON
	}
}
