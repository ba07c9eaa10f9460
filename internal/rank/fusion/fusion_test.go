package fusion

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/scholarqa/retrieval/internal/rank/bm25"
	apperrors "github.com/scholarqa/retrieval/pkg/errors"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name   string
		scores []float64
		want   []float64
	}{
		{"empty", []float64{}, []float64{}},
		{"flat distribution", []float64{5, 5, 5}, []float64{1, 1, 1}},
		{"spread", []float64{0, 5, 10}, []float64{0, 0.5, 1}},
		{"negative values", []float64{-2, 0, 2}, []float64{0, 0.5, 1}},
		{"single value", []float64{3.7}, []float64{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.scores)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Normalize(%v) = %v, want %v", tt.scores, got, tt.want)
			}
		})
	}
}

func TestNormalizeRange(t *testing.T) {
	scores := []float64{3.1, -0.4, 12.9, 0, 7.7}
	for i, v := range Normalize(scores) {
		if v < 0 || v > 1 {
			t.Errorf("normalized[%d] = %v outside [0,1]", i, v)
		}
	}
}

func TestCombineScenario(t *testing.T) {
	lexical := []bm25.ScorePair{{Index: 0, Score: 0.95}, {Index: 1, Score: 0.70}}
	semantic := []bm25.ScorePair{{Index: 0, Score: 0.85}, {Index: 2, Score: 0.65}}

	got, err := Combine(lexical, semantic, 0.7, 0.3, 3)
	if err != nil {
		t.Fatalf("Combine: %v", err)
	}
	want := []bm25.ScorePair{
		{Index: 0, Score: 0.7*0.95 + 0.3*0.85},
		{Index: 1, Score: 0.7 * 0.70},
		{Index: 2, Score: 0.3 * 0.65},
	}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Index != want[i].Index {
			t.Errorf("position %d: index %d, want %d", i, got[i].Index, want[i].Index)
		}
		if math.Abs(got[i].Score-want[i].Score) > 1e-12 {
			t.Errorf("position %d: score %v, want %v", i, got[i].Score, want[i].Score)
		}
	}
}

func TestCombineWeightRenormalization(t *testing.T) {
	lexical := []bm25.ScorePair{{Index: 0, Score: 0.9}, {Index: 3, Score: 0.4}}
	semantic := []bm25.ScorePair{{Index: 1, Score: 0.8}, {Index: 3, Score: 0.6}}

	base, err := Combine(lexical, semantic, 0.7, 0.3, 10)
	if err != nil {
		t.Fatalf("Combine: %v", err)
	}
	for _, weights := range [][2]float64{{7, 3}, {0.35, 0.15}, {70, 30}} {
		got, err := Combine(lexical, semantic, weights[0], weights[1], 10)
		if err != nil {
			t.Fatalf("Combine(%v): %v", weights, err)
		}
		if len(got) != len(base) {
			t.Fatalf("weights %v: len = %d, want %d", weights, len(got), len(base))
		}
		for i := range base {
			if got[i].Index != base[i].Index {
				t.Errorf("weights %v: order differs at %d", weights, i)
			}
			if math.Abs(got[i].Score-base[i].Score) > 1e-12 {
				t.Errorf("weights %v: score[%d] = %v, want %v", weights, i, got[i].Score, base[i].Score)
			}
		}
	}
}

func TestCombineZeroWeights(t *testing.T) {
	_, err := Combine(nil, nil, 0, 0, 5)
	if err == nil {
		t.Fatal("expected error for zero weights, got nil")
	}
	if !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCombineIndexUnion(t *testing.T) {
	lexical := []bm25.ScorePair{{Index: 2, Score: 0.5}, {Index: 7, Score: 0.2}}
	semantic := []bm25.ScorePair{{Index: 7, Score: 0.9}, {Index: 11, Score: 0.4}, {Index: 0, Score: 0.1}}

	got, err := Combine(lexical, semantic, 0.5, 0.5, 100)
	if err != nil {
		t.Fatalf("Combine: %v", err)
	}
	seen := make(map[int]bool, len(got))
	for _, pair := range got {
		seen[pair.Index] = true
	}
	for _, idx := range []int{0, 2, 7, 11} {
		if !seen[idx] {
			t.Errorf("index %d missing from combined result", idx)
		}
	}
	if len(got) != 4 {
		t.Errorf("len = %d, want 4 (union of indices)", len(got))
	}
}

func TestCombineTopKBound(t *testing.T) {
	lexical := []bm25.ScorePair{{Index: 0, Score: 1}, {Index: 1, Score: 2}, {Index: 2, Score: 3}}
	got, err := Combine(lexical, nil, 1, 1, 2)
	if err != nil {
		t.Fatalf("Combine: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
}

func TestCombineTieBreakAscendingIndex(t *testing.T) {
	lexical := []bm25.ScorePair{{Index: 9, Score: 0.5}, {Index: 1, Score: 0.5}, {Index: 4, Score: 0.5}}
	got, err := Combine(lexical, nil, 1, 0, 10)
	if err != nil {
		t.Fatalf("Combine: %v", err)
	}
	want := []int{1, 4, 9}
	for i, idx := range want {
		if got[i].Index != idx {
			t.Errorf("position %d: index %d, want %d", i, got[i].Index, idx)
		}
	}
}

func TestCombineDeterministic(t *testing.T) {
	lexical := []bm25.ScorePair{{Index: 0, Score: 0.4}, {Index: 5, Score: 0.4}, {Index: 2, Score: 0.9}}
	semantic := []bm25.ScorePair{{Index: 3, Score: 0.4}, {Index: 5, Score: 0.1}}
	first, err := Combine(lexical, semantic, 0.6, 0.4, 10)
	if err != nil {
		t.Fatalf("Combine: %v", err)
	}
	for i := 0; i < 50; i++ {
		got, err := Combine(lexical, semantic, 0.6, 0.4, 10)
		if err != nil {
			t.Fatalf("Combine: %v", err)
		}
		if !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d differs: %v vs %v", i, got, first)
		}
	}
}

func TestRerank(t *testing.T) {
	docs := []string{
		"深度学习在医学图像分割中的应用",
		"卷积神经网络在计算机视觉中的研究",
		"自然语言处理技术的发展与挑战",
	}
	ranker, err := bm25.New(docs)
	if err != nil {
		t.Fatalf("bm25.New: %v", err)
	}

	initial := []Candidate{
		{Index: 2, Score: 0.9, Document: docs[2], Metadata: map[string]string{"paper_id": "p3"}},
		{Index: 0, Score: 0.2, Document: docs[0], Metadata: map[string]string{"paper_id": "p1"}},
	}
	got, err := Rerank("深度学习医学图像", initial, ranker, 0.5, 0.5, 2)
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	for _, r := range got {
		if r.Index == 0 {
			if r.LexicalScore <= 0 {
				t.Errorf("doc 0 lexical score = %v, want > 0", r.LexicalScore)
			}
			if r.Metadata["paper_id"] != "p1" {
				t.Errorf("opaque metadata not preserved: %v", r.Metadata)
			}
			if r.Document != docs[0] {
				t.Errorf("document field not preserved")
			}
			want := 0.5*r.LexicalScore + 0.5*r.Score
			if math.Abs(r.FusedScore-want) > 1e-12 {
				t.Errorf("fused score = %v, want %v", r.FusedScore, want)
			}
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i].FusedScore > got[i-1].FusedScore {
			t.Errorf("reranked results not in descending fused order")
		}
	}
}

func TestRerankZeroWeights(t *testing.T) {
	ranker, err := bm25.New([]string{"a b c"})
	if err != nil {
		t.Fatalf("bm25.New: %v", err)
	}
	if _, err := Rerank("a", nil, ranker, 0, 0, 5); !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRerankTruncates(t *testing.T) {
	ranker, err := bm25.New([]string{"alpha beta", "beta gamma", "gamma delta"})
	if err != nil {
		t.Fatalf("bm25.New: %v", err)
	}
	initial := []Candidate{
		{Index: 0, Score: 0.1},
		{Index: 1, Score: 0.2},
		{Index: 2, Score: 0.3},
	}
	got, err := Rerank("beta", initial, ranker, 0.5, 0.5, 2)
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
}
