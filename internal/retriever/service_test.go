package retriever

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/scholarqa/retrieval/internal/corpus"
	"github.com/scholarqa/retrieval/internal/rank/bm25"
	"github.com/scholarqa/retrieval/internal/rank/fusion"
	"github.com/scholarqa/retrieval/pkg/config"
	apperrors "github.com/scholarqa/retrieval/pkg/errors"
)

type fakeLoader struct {
	snapshot *corpus.Snapshot
	err      error
	calls    int
}

func (f *fakeLoader) LoadSnapshot(ctx context.Context) (*corpus.Snapshot, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.snapshot, nil
}

type fakeSemantic struct {
	pairs []bm25.ScorePair
	err   error
	calls int
}

func (f *fakeSemantic) Rank(ctx context.Context, query string, topK int, corpusVersion int64) ([]bm25.ScorePair, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.pairs, nil
}

func testSnapshot() *corpus.Snapshot {
	texts := []string{
		"深度学习在医学图像分割中的应用",
		"卷积神经网络在计算机视觉中的研究",
		"自然语言处理技术的发展与挑战",
	}
	chunks := make([]corpus.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = corpus.Chunk{
			ID:      int64(i + 1),
			PaperID: "paper-" + string(rune('a'+i)),
			Section: "abstract",
			Text:    text,
		}
	}
	return &corpus.Snapshot{Chunks: chunks, Version: int64(len(texts))}
}

func testConfig() config.RetrievalConfig {
	return config.RetrievalConfig{
		K1:                  1.2,
		B:                   0.75,
		Epsilon:             0.25,
		LexicalWeight:       0.3,
		SemanticWeight:      0.7,
		DefaultTopK:         5,
		MaxTopK:             50,
		CandidateMultiplier: 2,
	}
}

func TestRetrieveBeforeRebuild(t *testing.T) {
	svc := New(&fakeLoader{snapshot: testSnapshot()}, &fakeSemantic{}, testConfig(), nil, nil)
	if _, err := svc.Retrieve(context.Background(), "深度学习", 3); !errors.Is(err, apperrors.ErrCorpusNotReady) {
		t.Errorf("expected ErrCorpusNotReady, got %v", err)
	}
	if svc.Ready() {
		t.Error("service reports ready before first rebuild")
	}
}

func TestRebuildAndRetrieve(t *testing.T) {
	sem := &fakeSemantic{pairs: []bm25.ScorePair{
		{Index: 2, Score: 0.99},
		{Index: 0, Score: 0.40},
	}}
	svc := New(&fakeLoader{snapshot: testSnapshot()}, sem, testConfig(), nil, nil)
	if err := svc.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if !svc.Ready() {
		t.Fatal("service not ready after rebuild")
	}
	if svc.CorpusSize() != 3 {
		t.Errorf("CorpusSize = %d, want 3", svc.CorpusSize())
	}

	result, err := svc.Retrieve(context.Background(), "深度学习医学图像", 3)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if result.Degraded {
		t.Error("result flagged degraded with healthy semantic side")
	}
	if result.CorpusVersion != 3 {
		t.Errorf("CorpusVersion = %d, want 3", result.CorpusVersion)
	}
	if len(result.Passages) != 3 {
		t.Fatalf("len(Passages) = %d, want 3", len(result.Passages))
	}
	for i, p := range result.Passages {
		want := 0.3*p.LexicalScore + 0.7*p.SemanticScore
		if math.Abs(p.FusedScore-want) > 1e-9 {
			t.Errorf("passage %d: fused = %v, want %v", i, p.FusedScore, want)
		}
		if p.Text == "" || p.PaperID == "" {
			t.Errorf("passage %d: text/paper id not resolved", i)
		}
		if i > 0 && result.Passages[i].FusedScore > result.Passages[i-1].FusedScore {
			t.Errorf("passages not in descending fused order at %d", i)
		}
	}
	if sem.calls != 1 {
		t.Errorf("semantic ranker called %d times, want 1", sem.calls)
	}
}

func TestRetrieveDegradedOnSemanticFailure(t *testing.T) {
	sem := &fakeSemantic{err: apperrors.ErrSemanticUnavailable}
	svc := New(&fakeLoader{snapshot: testSnapshot()}, sem, testConfig(), nil, nil)
	if err := svc.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	result, err := svc.Retrieve(context.Background(), "深度学习医学图像", 2)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !result.Degraded {
		t.Error("result not flagged degraded after semantic failure")
	}
	if len(result.Passages) != 2 {
		t.Fatalf("len(Passages) = %d, want 2", len(result.Passages))
	}
	if result.Passages[0].Index != 0 {
		t.Errorf("top degraded passage index = %d, want 0 (highest lexical overlap)", result.Passages[0].Index)
	}
	for i, p := range result.Passages {
		if p.SemanticScore != 0 {
			t.Errorf("passage %d: semantic score = %v, want 0 in degraded mode", i, p.SemanticScore)
		}
	}
}

func TestRetrieveEmptyQuery(t *testing.T) {
	svc := New(&fakeLoader{snapshot: testSnapshot()}, &fakeSemantic{}, testConfig(), nil, nil)
	if err := svc.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if _, err := svc.Retrieve(context.Background(), "", 3); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRebuildSwapsAtomically(t *testing.T) {
	loader := &fakeLoader{snapshot: testSnapshot()}
	swapped := 0
	svc := New(loader, &fakeSemantic{}, testConfig(), nil, func(ctx context.Context) { swapped++ })

	if err := svc.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if swapped != 1 {
		t.Errorf("onSwap called %d times, want 1", swapped)
	}

	bigger := testSnapshot()
	bigger.Chunks = append(bigger.Chunks, corpus.Chunk{
		ID: 4, PaperID: "paper-d", Text: "机器学习算法的比较与分析",
	})
	bigger.Version = 4
	loader.snapshot = bigger

	if err := svc.Rebuild(context.Background()); err != nil {
		t.Fatalf("second Rebuild: %v", err)
	}
	if svc.CorpusSize() != 4 {
		t.Errorf("CorpusSize = %d after swap, want 4", svc.CorpusSize())
	}
	if swapped != 2 {
		t.Errorf("onSwap called %d times, want 2", swapped)
	}
}

func TestRebuildLoaderError(t *testing.T) {
	loader := &fakeLoader{err: apperrors.ErrCorpusEmpty}
	svc := New(loader, &fakeSemantic{}, testConfig(), nil, nil)
	if err := svc.Rebuild(context.Background()); !errors.Is(err, apperrors.ErrCorpusEmpty) {
		t.Errorf("expected ErrCorpusEmpty, got %v", err)
	}
	if svc.Ready() {
		t.Error("service ready after failed rebuild")
	}
}

func TestRerankPreservesFields(t *testing.T) {
	svc := New(&fakeLoader{snapshot: testSnapshot()}, &fakeSemantic{}, testConfig(), nil, nil)
	if err := svc.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	initial := []fusion.Candidate{
		{Index: 1, Score: 0.8, Metadata: map[string]string{"source": "vector-store"}},
		{Index: 0, Score: 0.1, Metadata: map[string]string{"source": "vector-store"}},
	}
	got, err := svc.Rerank(context.Background(), "深度学习医学图像", initial, 2)
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	for _, r := range got {
		if r.Metadata["source"] != "vector-store" {
			t.Errorf("metadata not preserved for index %d", r.Index)
		}
	}
}
