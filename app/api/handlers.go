package api

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"github.com/lysyi3m/rss-warden/app/database"
	"github.com/lysyi3m/rss-warden/app/tasks"
)

const defaultPostLimit = 50

func NewHandler(sourceRepo database.SourceRepository, postRepo database.PostRepository,
	proxyRepo database.ProxyRepository, scheduler tasks.TaskSchedulerInterface,
	prober ProberInterface, seeds SeedCounter, version string) *Handler {
	return &Handler{
		sourceRepo: sourceRepo,
		postRepo:   postRepo,
		proxyRepo:  proxyRepo,
		scheduler:  scheduler,
		prober:     prober,
		seeds:      seeds,
		version:    version,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) HealthCheck(c *gin.Context) {
	health := map[string]interface{}{
		"status":    "ok",
		"version":   h.version,
		"timestamp": h.now().Format(time.RFC3339),
	}

	if count, err := h.sourceRepo.GetSourceCount(c.Request.Context()); err == nil {
		health["sources"] = count
	} else {
		health["status"] = "degraded"
		slog.Error("Database error", "operation", "get_source_count", "error", err)
	}

	if h.seeds != nil {
		health["loaded_seeds"] = h.seeds.Count()
	}

	c.JSON(http.StatusOK, health)
}

func (h *Handler) GetStats(c *gin.Context) {
	ctx := c.Request.Context()

	sourceCount, err := h.sourceRepo.GetSourceCount(ctx)
	if err != nil {
		slog.Error("Database error", "operation", "get_source_count", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	dueCount, err := h.sourceRepo.CountDueSources(ctx, h.now())
	if err != nil {
		slog.Error("Database error", "operation", "count_due_sources", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	proxyCount, err := h.proxyRepo.CountProxies(ctx)
	if err != nil {
		slog.Error("Database error", "operation", "count_proxies", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sources":   sourceCount,
		"due":       dueCount,
		"proxies":   proxyCount,
		"scheduler": h.scheduler.Stats(),
	})
}

func (h *Handler) CreateSource(c *gin.Context) {
	var req createSourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	if !isFeedURL(req.URL) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url must be an absolute http(s) URL"})
		return
	}
	if req.AltURL != "" && !isFeedURL(req.AltURL) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "alt_url must be an absolute http(s) URL"})
		return
	}
	if req.Subscribers < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subscribers must be non-negative"})
		return
	}

	src := database.NewSource(req.URL)
	src.AltURL = req.AltURL
	if req.Subscribers > 0 {
		src.Subscribers = req.Subscribers
	}

	if err := h.sourceRepo.CreateSource(c.Request.Context(), src); err != nil {
		slog.Error("Database error", "operation", "create_source", "url", req.URL, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create source"})
		return
	}

	slog.Info("Source created", "source", src.ID, "url", src.FeedURL)

	c.JSON(http.StatusCreated, h.toSourceResponse(src))
}

func (h *Handler) GetSourceDetails(c *gin.Context) {
	src, ok := h.loadSource(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	details := gin.H{"source": h.toSourceResponse(src)}

	if count, err := h.postRepo.CountPosts(ctx, src.ID); err == nil {
		details["posts"] = count
	}
	if count, err := h.postRepo.CountEnclosures(ctx, src.ID); err == nil {
		details["enclosures"] = count
	}

	c.JSON(http.StatusOK, details)
}

// ListPosts returns the source's posts in index order, unindexed posts last
func (h *Handler) ListPosts(c *gin.Context) {
	src, ok := h.loadSource(c)
	if !ok {
		return
	}

	limit := defaultPostLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	ctx := c.Request.Context()

	total, err := h.postRepo.CountPosts(ctx, src.ID)
	if err != nil {
		slog.Error("Database error", "operation", "count_posts", "source", src.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	posts, err := h.postRepo.GetPostsByIndex(ctx, src.ID, limit)
	if err != nil {
		slog.Error("Database error", "operation", "get_posts", "source", src.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	out := make([]postResponse, 0, len(posts))
	for _, p := range posts {
		encs, err := h.postRepo.GetEnclosures(ctx, p.ID)
		if err != nil {
			slog.Error("Database error", "operation", "get_enclosures", "post", p.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
			return
		}

		resp := postResponse{
			Index:      p.Index,
			GUID:       p.GUID,
			Title:      p.Title,
			Link:       p.Link,
			Author:     p.Author,
			Created:    p.Created,
			Found:      p.Found,
			Enclosures: make([]enclosureResponse, 0, len(encs)),
		}
		for _, e := range encs {
			resp.Enclosures = append(resp.Enclosures, enclosureResponse{
				Href:      e.Href,
				Length:    e.Length,
				Size:      humanize.Bytes(uint64(max(e.Length, 0))),
				Type:      e.Type,
				Medium:    e.Medium,
				IsCurrent: e.IsCurrent,
			})
		}
		out = append(out, resp)
	}

	c.JSON(http.StatusOK, gin.H{
		"posts": out,
		"total": total,
	})
}

func (h *Handler) PollSource(c *gin.Context) {
	src, ok := h.loadSource(c)
	if !ok {
		return
	}

	if !src.Live {
		c.JSON(http.StatusConflict, gin.H{"error": "Source is dead", "last_result": src.LastResult})
		return
	}

	task, err := h.scheduler.PollNow(src.ID)
	if errors.Is(err, tasks.ErrInFlight) {
		c.JSON(http.StatusConflict, gin.H{"error": "Source cycle already in flight"})
		return
	}
	if err != nil {
		slog.Error("Error enqueueing poll task", "source", src.ID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "Failed to enqueue poll task",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"message": "Poll task enqueued",
		"task": gin.H{
			"id":   task.ID,
			"type": task.Type,
		},
	})
}

// ProbeSource makes one uncached request without any anti-bot bypass.
// ?cache=true sends the stored validators instead.
func (h *Handler) ProbeSource(c *gin.Context) {
	src, ok := h.loadSource(c)
	if !ok {
		return
	}

	result := h.prober.Probe(c.Request.Context(), src, c.Query("cache") == "true")

	c.JSON(http.StatusOK, result)
}

func (h *Handler) loadSource(c *gin.Context) (*database.Source, bool) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing source id parameter"})
		return nil, false
	}

	src, err := h.sourceRepo.GetSource(c.Request.Context(), id)
	if err != nil {
		slog.Error("Database error", "operation", "get_source", "source", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return nil, false
	}

	if src == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Source not found"})
		return nil, false
	}

	return src, true
}

func (h *Handler) toSourceResponse(src *database.Source) sourceResponse {
	return sourceResponse{
		ID:           src.ID,
		ConfigKey:    src.ConfigKey,
		FeedURL:      src.FeedURL,
		AltURL:       src.AltURL,
		SiteURL:      src.SiteURL,
		Name:         src.Name,
		Description:  src.Description,
		ImageURL:     src.ImageURL,
		Live:         src.Live,
		IsCloudflare: src.IsCloudflare,
		StatusCode:   src.StatusCode,
		LastResult:   src.LastResult,
		Interval:     src.Interval,
		DuePoll:      src.DuePoll,
		NextPoll:     humanize.RelTime(src.DuePoll, h.now(), "ago", "from now"),
		LastPolled:   src.LastPolled,
		LastSuccess:  src.LastSuccess,
		LastChange:   src.LastChange,
		MaxIndex:     src.MaxIndex,
		Subscribers:  src.Subscribers,
	}
}

func isFeedURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
