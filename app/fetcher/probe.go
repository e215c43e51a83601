package fetcher

import (
	"context"

	"github.com/lysyi3m/rss-warden/app/database"
)

type ProbeResult struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code"`
	OK         bool   `json:"ok"`
	Size       int    `json:"size"`
	Error      string `json:"error,omitempty"`
}

// Probe checks whether the feed is reachable from here, bypassing every
// anti-bot measure. Without useCache the request asks intermediaries not to
// serve a cached copy. The source is not modified.
func (f *Fetcher) Probe(ctx context.Context, src *database.Source, useCache bool) *ProbeResult {
	header := f.descriptiveHeaders(src)
	if useCache {
		conditional(header, src)
	} else {
		header.Set("Cache-Control", "no-cache,max-age=0")
		header.Set("Pragma", "no-cache")
	}

	result := &ProbeResult{URL: src.FeedURL}

	resp, err := f.client.Do(ctx, &Request{URL: src.FeedURL, Header: header})
	if err != nil {
		result.Error = err.Error()
		f.logger.Info("Probe failed", "source", src.ID, "error", err)
		return result
	}

	result.StatusCode = resp.StatusCode
	result.OK = resp.StatusCode >= 200 && resp.StatusCode < 400
	result.Size = len(resp.Body)

	f.logger.Info("Probe completed", "source", src.ID, "status", resp.StatusCode, "ok", result.OK)
	return result
}
