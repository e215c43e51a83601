package fetcher

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lysyi3m/rss-warden/app/cfg"
	"github.com/lysyi3m/rss-warden/app/database"
)

const (
	// RedirectPromotion is how long a temporary redirect must point at the
	// same target before it is treated as permanent
	RedirectPromotion = 60 * 24 * time.Hour

	// ValidatorReset is how long a source may answer 304 before its cache
	// validators are dropped to force a full fetch
	ValidatorReset = 7 * 24 * time.Hour
)

// Interval penalties in minutes
const (
	penaltyFailure    = 120
	penaltyRedirect   = 60
	penaltyNotChanged = 10
)

// URLStore persists feed URL rewrites as soon as they are learned
type URLStore interface {
	UpdateFeedURL(ctx context.Context, id, feedURL string) error
}

// Result is what a fetch leaves for the parse step
type Result struct {
	Response    *Response // final 2xx response, nil when there is nothing to parse
	ViaRedirect bool
	Proxy       string
}

// Fetcher runs the HTTP half of a cycle, recording every outcome on the source
type Fetcher struct {
	client  Client
	urls    URLStore
	proxies *ProxyPool
	cfg     *cfg.Cfg
	logger  *slog.Logger
	now     func() time.Time
}

func NewFetcher(client Client, urls URLStore, proxies *ProxyPool, c *cfg.Cfg, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		client:  client,
		urls:    urls,
		proxies: proxies,
		cfg:     c,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source, for tests
func (f *Fetcher) WithClock(now func() time.Time) *Fetcher {
	f.now = now
	return f
}

// Fetch performs the conditional GET and dispatches on the status code. Only
// a failure to persist a feed URL rewrite is returned as an error.
func (f *Fetcher) Fetch(ctx context.Context, src *database.Source) (*Result, error) {
	now := f.now()
	src.LastPolled = &now

	target, proxy := f.target(ctx, src)
	header := f.headers(src)
	conditional(header, src)

	f.logger.Info("Fetching source", "source", src.ID, "url", target, "proxy", proxy != "")

	result := &Result{Proxy: proxy}

	resp, err := f.client.Do(ctx, &Request{URL: target, Header: header, Proxy: proxy})
	if err != nil {
		if proxy != "" {
			src.StatusCode = 1
			src.LastResult = "Proxy failed: " + err.Error()
			src.Interval /= 2
			f.burn(ctx, proxy)
		} else {
			src.StatusCode = 0
			src.LastResult = "Fetch error: " + err.Error()
			src.Interval += penaltyFailure
		}
		f.logger.Warn("Fetch failed", "source", src.ID, "error", err)
		return result, nil
	}

	src.StatusCode = resp.StatusCode
	src.LastResult = "Unhandled Case"
	code := resp.StatusCode

	switch {
	case code < 200 || code >= 500:
		src.Interval += penaltyFailure
		src.LastResult = fmt.Sprintf("Server error fetching feed (%d)", code)

	case code == http.StatusNotFound:
		src.Interval += penaltyFailure
		src.LastResult = "The feed could not be found"

	case code == http.StatusForbidden || code == http.StatusGone:
		switch {
		case isBlocked(resp):
			src.IsCloudflare = true
			src.LastResult = "Blocked by Cloudflare"
			if proxy != "" {
				src.LastResult = "Blocked by Cloudflare through proxy"
				src.Interval /= 2
				f.burn(ctx, proxy)
			}
		case code == http.StatusGone:
			src.Live = false
			src.LastResult = "Feed has gone away and says it isn't coming back."
		default:
			src.Live = false
			src.LastResult = "Feed is no longer accessible."
		}

	case code >= 400 && code < 500:
		src.Live = false
		src.LastResult = fmt.Sprintf("Bad request (%d)", code)

	case code == http.StatusNotModified:
		src.Interval += penaltyNotChanged
		src.LastResult = "Not modified"

		// Measured from the last full body, so the reset happens once per
		// window rather than on every other cycle of a stale feed
		reference := cmp.Or(src.LastParsed, src.LastChange, src.LastSuccess)
		if reference != nil && now.Sub(*reference) > ValidatorReset {
			src.LastResult = "Clearing etag/last modified due to lack of changes"
			src.ETag = ""
			src.LastModified = ""
		}
		src.LastSuccess = &now

	case code == http.StatusMovedPermanently || code == http.StatusPermanentRedirect:
		if err := f.permanentRedirect(ctx, src, resp); err != nil {
			return result, err
		}

	case code == http.StatusFound || code == http.StatusSeeOther || code == http.StatusTemporaryRedirect:
		result.ViaRedirect = true
		followed, err := f.temporaryRedirect(ctx, src, resp, proxy, now)
		if err != nil {
			return result, err
		}
		resp = followed
	}

	// Evaluated again so content reached through a temporary redirect is parsed
	if resp != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if result.ViaRedirect {
			src.ETag = ""
			src.LastModified = ""
		} else {
			src.ETag = resp.Header.Get("ETag")
			src.LastModified = resp.Header.Get("Last-Modified")
		}
		result.Response = resp
	}

	return result, nil
}

func (f *Fetcher) permanentRedirect(ctx context.Context, src *database.Source, resp *Response) error {
	location := resp.Header.Get("Location")
	if location == "" {
		src.LastResult = "Feed has moved but no location provided"
		return nil
	}

	newURL, err := resolve(src.FeedURL, location)
	if err != nil {
		src.LastResult = "Error redirecting feed to " + location
		return nil
	}

	src.FeedURL = newURL
	src.LastResult = "Moved"
	if err := f.urls.UpdateFeedURL(ctx, src.ID, newURL); err != nil {
		return fmt.Errorf("failed to persist permanent redirect: %w", err)
	}

	f.logger.Info("Source moved permanently", "source", src.ID, "url", newURL)
	return nil
}

// temporaryRedirect follows the Location once for this cycle and tracks how
// long the source has pointed there. Returns the followed response, or nil.
func (f *Fetcher) temporaryRedirect(ctx context.Context, src *database.Source, resp *Response, proxy string, now time.Time) (*Response, error) {
	location := resp.Header.Get("Location")
	newURL, err := resolve(src.FeedURL, location)
	if location == "" || err != nil {
		src.LastResult = "Failed Redirection to " + location
		src.Interval += penaltyRedirect
		return nil, nil
	}

	followed, err := f.client.Do(ctx, &Request{
		URL:             newURL,
		Header:          f.headers(src),
		FollowRedirects: true,
		Proxy:           proxy,
	})
	if err != nil {
		src.LastResult = "Failed Redirection to " + newURL + " " + err.Error()
		src.Interval += penaltyRedirect
		return nil, nil
	}

	src.StatusCode = followed.StatusCode

	if src.Last302URL == newURL && src.Last302Start != nil {
		if now.Sub(*src.Last302Start) > RedirectPromotion {
			src.FeedURL = newURL
			src.Last302URL = ""
			src.Last302Start = nil
			src.LastResult = "Permanent Redirect to " + newURL
			if err := f.urls.UpdateFeedURL(ctx, src.ID, newURL); err != nil {
				return nil, fmt.Errorf("failed to persist promoted redirect: %w", err)
			}
			f.logger.Info("Temporary redirect promoted", "source", src.ID, "url", newURL)
			return followed, nil
		}
	} else {
		src.Last302URL = newURL
		src.Last302Start = &now
	}

	src.LastResult = "Temporary Redirect to " + newURL + " since " + src.Last302Start.Format("02 January")
	return followed, nil
}

// target picks where to send the request. Blocked sources go to their
// alternate URL, else the bypass worker, else through a pooled proxy.
func (f *Fetcher) target(ctx context.Context, src *database.Source) (string, string) {
	if !src.IsCloudflare {
		return src.FeedURL, ""
	}
	if src.AltURL != "" {
		return src.AltURL, ""
	}
	if f.cfg.CloudflareWorker != "" {
		return WorkerURL(f.cfg.CloudflareWorker, src.FeedURL), ""
	}

	proxy, err := f.proxies.Take(ctx)
	if err != nil {
		f.logger.Warn("Failed to take proxy", "source", src.ID, "error", err)
		return src.FeedURL, ""
	}
	return src.FeedURL, proxy
}

// headers carries the identity only. Blocked sources get a rotating browser agent.
func (f *Fetcher) headers(src *database.Source) http.Header {
	if !src.IsCloudflare {
		return f.descriptiveHeaders(src)
	}
	header := http.Header{}
	header.Set("User-Agent", BrowserAgent())
	return header
}

func (f *Fetcher) descriptiveHeaders(src *database.Source) http.Header {
	header := http.Header{}
	header.Set("User-Agent", f.cfg.UserAgentFor(src.Subscribers))
	return header
}

func (f *Fetcher) burn(ctx context.Context, proxy string) {
	if err := f.proxies.Burn(ctx, proxy); err != nil {
		f.logger.Warn("Failed to discard proxy", "proxy", proxy, "error", err)
		return
	}
	if c, ok := f.client.(*HTTPClient); ok {
		c.Forget(proxy)
	}
	f.logger.Info("Proxy discarded", "proxy", proxy)
}

func conditional(header http.Header, src *database.Source) {
	if src.ETag != "" {
		header.Set("If-None-Match", src.ETag)
	}
	if src.LastModified != "" {
		header.Set("If-Modified-Since", src.LastModified)
	}
}

// WorkerURL is the bypass endpoint form of a feed URL
func WorkerURL(worker, feedURL string) string {
	return worker + "/read/?target=" + url.QueryEscape(feedURL)
}

func isBlocked(resp *Response) bool {
	if strings.Contains(strings.ToLower(resp.Header.Get("Server")), "cloudflare") {
		return true
	}
	if resp.Header.Get("Cf-Mitigated") != "" {
		return true
	}
	return strings.Contains(string(resp.Body), "Cloudflare")
}

// resolve makes a Location header absolute against the feed URL
func resolve(base, location string) (string, error) {
	loc, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	if loc.IsAbs() {
		return loc.String(), nil
	}

	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(loc).String(), nil
}
