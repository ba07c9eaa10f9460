// Package retriever wires the lexical ranker, the external semantic
// ranker, and score fusion into the hybrid retrieval service. The service
// owns the only reference to the active (snapshot, ranker) pair; a corpus
// change produces an entirely new pair that is swapped in atomically, so
// in-flight queries keep reading the old immutable state.
package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/scholarqa/retrieval/internal/corpus"
	"github.com/scholarqa/retrieval/internal/rank/bm25"
	"github.com/scholarqa/retrieval/internal/rank/fusion"
	"github.com/scholarqa/retrieval/pkg/config"
	apperrors "github.com/scholarqa/retrieval/pkg/errors"
	"github.com/scholarqa/retrieval/pkg/metrics"
	"github.com/scholarqa/retrieval/pkg/middleware"
	"github.com/scholarqa/retrieval/pkg/tracing"
)

// SemanticRanker produces (index, score) pairs over the active corpus
// index space. Implemented by the semantic HTTP client; faked in tests.
type SemanticRanker interface {
	Rank(ctx context.Context, query string, topK int, corpusVersion int64) ([]bm25.ScorePair, error)
}

// SnapshotLoader loads a fresh ordered corpus snapshot. Implemented by the
// corpus store.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context) (*corpus.Snapshot, error)
}

// Passage is one retrieved passage with its per-side and fused scores.
type Passage struct {
	Index         int     `json:"index"`
	PaperID       string  `json:"paper_id"`
	Section       string  `json:"section,omitempty"`
	Text          string  `json:"text"`
	LexicalScore  float64 `json:"lexical_score"`
	SemanticScore float64 `json:"semantic_score"`
	FusedScore    float64 `json:"fused_score"`
}

// Result is the response to one retrieval request.
type Result struct {
	Query         string    `json:"query"`
	Passages      []Passage `json:"passages"`
	CorpusVersion int64     `json:"corpus_version"`
	Degraded      bool      `json:"degraded,omitempty"`
	Took          int64     `json:"took_ms"`
}

// state is the immutable unit the service swaps on rebuild.
type state struct {
	snapshot *corpus.Snapshot
	ranker   *bm25.Ranker
}

// Service coordinates hybrid retrieval over the active corpus snapshot.
type Service struct {
	loader     SnapshotLoader
	semantic   SemanticRanker
	cfg        config.RetrievalConfig
	active     atomic.Pointer[state]
	rebuilding atomic.Bool
	metrics    *metrics.Metrics
	onSwap     func(ctx context.Context)
	logger     *slog.Logger
}

// New creates a Service. metrics and onSwap may be nil; onSwap runs after
// every successful rebuild (the server uses it to invalidate the query
// cache).
func New(loader SnapshotLoader, semantic SemanticRanker, cfg config.RetrievalConfig, m *metrics.Metrics, onSwap func(ctx context.Context)) *Service {
	return &Service{
		loader:   loader,
		semantic: semantic,
		cfg:      cfg,
		metrics:  m,
		onSwap:   onSwap,
		logger:   slog.Default().With("component", "retriever"),
	}
}

// Rebuild loads a fresh snapshot, builds a new ranker over it, and swaps it
// in atomically. Concurrent rebuilds are rejected with
// ErrRebuildInProgress; queries keep running against the old state
// throughout.
func (s *Service) Rebuild(ctx context.Context) error {
	if !s.rebuilding.CompareAndSwap(false, true) {
		return apperrors.ErrRebuildInProgress
	}
	defer s.rebuilding.Store(false)

	start := time.Now()
	snapshot, err := s.loader.LoadSnapshot(ctx)
	if err != nil {
		s.countRebuild("error")
		return fmt.Errorf("loading corpus snapshot: %w", err)
	}

	ranker, err := bm25.New(snapshot.Texts(),
		bm25.WithK1(s.cfg.K1),
		bm25.WithB(s.cfg.B),
		bm25.WithEpsilon(s.cfg.Epsilon),
	)
	if err != nil {
		s.countRebuild("error")
		return fmt.Errorf("building lexical ranker: %w", err)
	}

	s.active.Store(&state{snapshot: snapshot, ranker: ranker})
	elapsed := time.Since(start)
	if s.metrics != nil {
		s.metrics.RankerRebuildSeconds.Observe(elapsed.Seconds())
		s.metrics.CorpusDocuments.Set(float64(snapshot.Len()))
	}
	s.countRebuild("ok")
	s.logger.Info("ranker rebuilt",
		"chunks", snapshot.Len(),
		"version", snapshot.Version,
		"avg_doc_len", ranker.AvgDocLength(),
		"took", elapsed,
	)

	if s.onSwap != nil {
		s.onSwap(ctx)
	}
	return nil
}

// Ready reports whether a snapshot has been loaded.
func (s *Service) Ready() bool {
	return s.active.Load() != nil
}

// CorpusSize returns the active snapshot's chunk count, or 0 before the
// first rebuild.
func (s *Service) CorpusSize() int {
	if st := s.active.Load(); st != nil {
		return st.snapshot.Len()
	}
	return 0
}

// Retrieve runs the hybrid pipeline: both rankers are queried in parallel
// for candidateMultiplier*topK candidates, the two rankings are fused, and
// the top passages are resolved against the snapshot. If the semantic side
// fails the lexical ranking is returned alone and the result is flagged
// degraded.
func (s *Service) Retrieve(ctx context.Context, query string, topK int) (*Result, error) {
	st := s.active.Load()
	if st == nil {
		return nil, apperrors.ErrCorpusNotReady
	}
	if query == "" {
		return nil, fmt.Errorf("%w: query is empty", apperrors.ErrInvalidInput)
	}
	if topK <= 0 {
		topK = s.cfg.DefaultTopK
	}

	start := time.Now()
	candidates := topK * s.cfg.CandidateMultiplier
	if candidates < topK {
		candidates = topK
	}

	ctx, rootSpan := tracing.StartSpan(ctx, "retrieve", middleware.GetRequestID(ctx))
	rootSpan.SetAttr("top_k", topK)
	defer func() {
		rootSpan.End()
		rootSpan.Log()
	}()

	var lexical, semantic []bm25.ScorePair
	var semErr error

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		_, span := tracing.StartChildSpan(groupCtx, "lexical-retrieve")
		defer span.End()
		lexStart := time.Now()
		lexical = st.ranker.Retrieve(query, candidates)
		s.observeStage("lexical", lexStart)
		span.SetAttr("candidates", len(lexical))
		return nil
	})
	group.Go(func() error {
		_, span := tracing.StartChildSpan(groupCtx, "semantic-rank")
		defer span.End()
		semStart := time.Now()
		semantic, semErr = s.semantic.Rank(groupCtx, query, candidates, st.snapshot.Version)
		s.observeStage("semantic", semStart)
		span.SetAttr("candidates", len(semantic))
		// The semantic failure is recorded, not returned: the pipeline
		// degrades to lexical-only instead of failing the request.
		return nil
	})
	_ = group.Wait()

	degraded := false
	if semErr != nil {
		degraded = true
		semantic = nil
		if s.metrics != nil {
			s.metrics.SemanticErrorsTotal.Inc()
		}
		s.logger.Warn("semantic ranking failed, serving lexical-only results",
			"query", query, "error", semErr)
	}

	fuseStart := time.Now()
	var fused []bm25.ScorePair
	var err error
	if degraded {
		fused = lexical
		if topK < len(fused) {
			fused = fused[:topK]
		}
	} else {
		fused, err = fusion.Combine(lexical, semantic, s.cfg.LexicalWeight, s.cfg.SemanticWeight, topK)
		if err != nil {
			return nil, err
		}
	}
	s.observeStage("fusion", fuseStart)

	result := &Result{
		Query:         query,
		Passages:      s.resolve(st, fused, lexical, semantic),
		CorpusVersion: st.snapshot.Version,
		Degraded:      degraded,
		Took:          time.Since(start).Milliseconds(),
	}
	if s.metrics != nil {
		s.metrics.RetrievalResults.Observe(float64(len(result.Passages)))
		mode := "hybrid"
		if degraded {
			mode = "lexical_only"
		}
		s.metrics.RetrievalsTotal.WithLabelValues(mode, "ok").Inc()
	}
	return result, nil
}

// Rerank re-orders an upstream semantic result set by fusing in fresh
// lexical scores from the active ranker.
func (s *Service) Rerank(ctx context.Context, query string, initial []fusion.Candidate, topK int) ([]fusion.Reranked, error) {
	st := s.active.Load()
	if st == nil {
		return nil, apperrors.ErrCorpusNotReady
	}
	if topK <= 0 {
		topK = s.cfg.DefaultTopK
	}
	reranked, err := fusion.Rerank(query, initial, st.ranker, s.cfg.LexicalWeight, s.cfg.SemanticWeight, topK)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RetrievalsTotal.WithLabelValues("rerank", "error").Inc()
		}
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RetrievalsTotal.WithLabelValues("rerank", "ok").Inc()
	}
	return reranked, nil
}

// resolve maps fused score pairs back to passages, attaching the per-side
// scores each document received.
func (s *Service) resolve(st *state, fused, lexical, semantic []bm25.ScorePair) []Passage {
	lexScores := make(map[int]float64, len(lexical))
	for _, pair := range lexical {
		lexScores[pair.Index] = pair.Score
	}
	semScores := make(map[int]float64, len(semantic))
	for _, pair := range semantic {
		semScores[pair.Index] = pair.Score
	}

	passages := make([]Passage, 0, len(fused))
	for _, pair := range fused {
		if pair.Index < 0 || pair.Index >= st.snapshot.Len() {
			s.logger.Error("score pair references index outside snapshot",
				"index", pair.Index, "snapshot_len", st.snapshot.Len())
			continue
		}
		chunk := st.snapshot.Chunks[pair.Index]
		passages = append(passages, Passage{
			Index:         pair.Index,
			PaperID:       chunk.PaperID,
			Section:       chunk.Section,
			Text:          chunk.Text,
			LexicalScore:  lexScores[pair.Index],
			SemanticScore: semScores[pair.Index],
			FusedScore:    pair.Score,
		})
	}
	return passages
}

func (s *Service) observeStage(stage string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RetrievalLatency.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

func (s *Service) countRebuild(status string) {
	if s.metrics != nil {
		s.metrics.RankerRebuildsTotal.WithLabelValues(status).Inc()
	}
}
