package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/scholarqa/retrieval/internal/analytics"
	"github.com/scholarqa/retrieval/internal/rank/fusion"
	"github.com/scholarqa/retrieval/internal/retriever"
	"github.com/scholarqa/retrieval/internal/retriever/cache"
	apperrors "github.com/scholarqa/retrieval/pkg/errors"
	"github.com/scholarqa/retrieval/pkg/logger"
	"github.com/scholarqa/retrieval/pkg/middleware"
)

// Retriever is the part of the retrieval service the HTTP layer needs.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) (*retriever.Result, error)
	Rerank(ctx context.Context, query string, initial []fusion.Candidate, topK int) ([]fusion.Reranked, error)
	Rebuild(ctx context.Context) error
	CorpusSize() int
}

type Handler struct {
	retriever   Retriever
	cache       *cache.QueryCache
	collector   *analytics.Collector
	defaultTopK int
	maxTopK     int
	logger      *slog.Logger
}

func New(r Retriever, queryCache *cache.QueryCache, collector *analytics.Collector, defaultTopK, maxTopK int) *Handler {
	return &Handler{
		retriever:   r,
		cache:       queryCache,
		collector:   collector,
		defaultTopK: defaultTopK,
		maxTopK:     maxTopK,
		logger:      slog.Default().With("component", "retrieval-handler"),
	}
}

// Retrieve handles GET /api/v1/retrieve?q=...&top_k=N.
func (h *Handler) Retrieve(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	log := logger.FromContext(ctx)

	query := r.URL.Query().Get("q")
	if query == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return
	}
	topK, ok := h.parseTopK(w, r.URL.Query().Get("top_k"))
	if !ok {
		return
	}

	var result *retriever.Result
	var err error
	cacheHit := false

	if h.cache != nil {
		result, cacheHit, err = h.cache.GetOrCompute(ctx, query, topK, func() (*retriever.Result, error) {
			return h.retriever.Retrieve(ctx, query, topK)
		})
	} else {
		result, err = h.retriever.Retrieve(ctx, query, topK)
	}
	if err != nil {
		log.Error("retrieval failed", "query", query, "error", err)
		h.writeError(w, apperrors.HTTPStatusCode(err), "retrieval failed")
		return
	}

	latencyMs := time.Since(start).Milliseconds()
	log.Info("retrieval completed",
		"query", query,
		"top_k", topK,
		"returned", len(result.Passages),
		"degraded", result.Degraded,
		"cache_hit", cacheHit,
		"latency_ms", latencyMs,
	)
	h.track(ctx, query, topK, result, cacheHit, latencyMs)
	h.writeJSON(w, http.StatusOK, result)
}

type rerankRequest struct {
	Query      string             `json:"query"`
	Candidates []fusion.Candidate `json:"candidates"`
	TopK       int                `json:"top_k"`
}

type rerankResponse struct {
	Query   string            `json:"query"`
	Results []fusion.Reranked `json:"results"`
}

// Rerank handles POST /api/v1/rerank: re-orders an upstream semantic
// result set using fresh lexical scores.
func (h *Handler) Rerank(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var req rerankRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Query == "" {
		h.writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if len(req.Candidates) == 0 {
		h.writeError(w, http.StatusBadRequest, "candidates are required")
		return
	}
	topK := req.TopK
	if topK <= 0 {
		topK = h.defaultTopK
	}
	if topK > h.maxTopK {
		topK = h.maxTopK
	}

	start := time.Now()
	results, err := h.retriever.Rerank(ctx, req.Query, req.Candidates, topK)
	if err != nil {
		log.Error("rerank failed", "query", req.Query, "error", err)
		h.writeError(w, apperrors.HTTPStatusCode(err), "rerank failed")
		return
	}
	log.Info("rerank completed", "query", req.Query, "candidates", len(req.Candidates), "returned", len(results))
	if h.collector != nil {
		h.collector.Track(analytics.RetrievalEvent{
			Type:      analytics.EventRerank,
			Query:     req.Query,
			TopK:      topK,
			Returned:  len(results),
			LatencyMs: time.Since(start).Milliseconds(),
			Timestamp: time.Now().UTC(),
			RequestID: middleware.GetRequestID(ctx),
		})
	}
	h.writeJSON(w, http.StatusOK, rerankResponse{Query: req.Query, Results: results})
}

// Reindex handles POST /api/v1/reindex: forces a snapshot reload and
// ranker rebuild.
func (h *Handler) Reindex(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	start := time.Now()
	if err := h.retriever.Rebuild(ctx); err != nil {
		log.Error("reindex failed", "error", err)
		h.writeError(w, apperrors.HTTPStatusCode(err), err.Error())
		return
	}
	if h.collector != nil {
		h.collector.Track(analytics.RebuildEvent{
			Type:       analytics.EventRebuild,
			ChunkCount: h.retriever.CorpusSize(),
			LatencyMs:  time.Since(start).Milliseconds(),
			Timestamp:  time.Now().UTC(),
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "reindexed"})
}

// CacheStats handles GET /api/v1/cache/stats.
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeError(w, http.StatusNotFound, "cache not configured")
		return
	}
	hits, misses := h.cache.Stats()
	h.writeJSON(w, http.StatusOK, map[string]int64{"hits": hits, "misses": misses})
}

// CacheInvalidate handles POST /api/v1/cache/invalidate.
func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeError(w, http.StatusNotFound, "cache not configured")
		return
	}
	if err := h.cache.Invalidate(r.Context()); err != nil {
		h.writeError(w, http.StatusInternalServerError, "cache invalidation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (h *Handler) parseTopK(w http.ResponseWriter, raw string) (int, bool) {
	topK := h.defaultTopK
	if raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "top_k must be a positive integer")
			return 0, false
		}
		topK = parsed
	}
	if topK > h.maxTopK {
		topK = h.maxTopK
	}
	return topK, true
}

func (h *Handler) track(ctx context.Context, query string, topK int, result *retriever.Result, cacheHit bool, latencyMs int64) {
	if h.collector == nil {
		return
	}
	eventType := analytics.EventRetrieve
	if len(result.Passages) == 0 {
		eventType = analytics.EventZeroResult
	}
	h.collector.Track(analytics.RetrievalEvent{
		Type:          eventType,
		Query:         query,
		TopK:          topK,
		Returned:      len(result.Passages),
		Degraded:      result.Degraded,
		CacheHit:      cacheHit,
		CorpusVersion: result.CorpusVersion,
		LatencyMs:     latencyMs,
		Timestamp:     time.Now().UTC(),
		RequestID:     middleware.GetRequestID(ctx),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
