package bm25

import (
	"errors"
	"math"
	"reflect"
	"testing"

	apperrors "github.com/scholarqa/retrieval/pkg/errors"
)

var paperTitles = []string{
	"深度学习在医学图像分割中的应用",
	"卷积神经网络在计算机视觉中的研究",
	"自然语言处理技术的发展与挑战",
	"机器学习算法的比较与分析",
	"强化学习在游戏AI中的应用",
}

func TestNewEmptyCollection(t *testing.T) {
	_, err := New(nil)
	if err == nil {
		t.Fatal("expected error for empty collection, got nil")
	}
	if !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestNewDefaults(t *testing.T) {
	r, err := New(paperTitles)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.k1 != DefaultK1 || r.b != DefaultB || r.epsilon != DefaultEpsilon {
		t.Errorf("defaults not applied: k1=%v b=%v epsilon=%v", r.k1, r.b, r.epsilon)
	}
	if r.Len() != len(paperTitles) {
		t.Errorf("Len() = %d, want %d", r.Len(), len(paperTitles))
	}
	if r.AvgDocLength() <= 0 {
		t.Errorf("AvgDocLength() = %v, want > 0", r.AvgDocLength())
	}
}

func TestNewOptions(t *testing.T) {
	r, err := New(paperTitles, WithK1(2.0), WithB(0.5), WithEpsilon(0.1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.k1 != 2.0 || r.b != 0.5 || r.epsilon != 0.1 {
		t.Errorf("options not applied: k1=%v b=%v epsilon=%v", r.k1, r.b, r.epsilon)
	}
}

func TestIDFFloor(t *testing.T) {
	// "在" and "的" appear in almost every title; without the floor their
	// idf would be near zero.
	r, err := New(paperTitles)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	maxIDF := 0.0
	for _, weight := range r.idf {
		if weight > maxIDF {
			maxIDF = weight
		}
	}
	floor := r.epsilon * maxIDF
	for term, weight := range r.idf {
		if weight < floor-1e-12 {
			t.Errorf("idf(%q) = %v below floor %v", term, weight, floor)
		}
	}
}

func TestRetrieveTopDocument(t *testing.T) {
	r, err := New(paperTitles)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	results := r.Retrieve("深度学习医学图像", 1)
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	if results[0].Index != 0 {
		t.Errorf("top result index = %d, want 0", results[0].Index)
	}
	if results[0].Score <= 0 {
		t.Errorf("top result score = %v, want > 0", results[0].Score)
	}
}

func TestRetrieveOrdering(t *testing.T) {
	r, err := New(paperTitles)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	results := r.Retrieve("深度学习医学图像", len(paperTitles))
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("results not in descending order at %d: %v > %v",
				i, results[i].Score, results[i-1].Score)
		}
		if results[i].Score == results[i-1].Score && results[i].Index < results[i-1].Index {
			t.Errorf("tie at %d not broken by ascending index: %d before %d",
				i, results[i-1].Index, results[i].Index)
		}
	}
}

func TestRetrieveTopKBounds(t *testing.T) {
	r, err := New(paperTitles)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tests := []struct {
		name    string
		topK    int
		wantLen int
	}{
		{"smaller than collection", 2, 2},
		{"equal to collection", 5, 5},
		{"larger than collection", 50, 5},
		{"zero", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Retrieve("学习", tt.topK)
			if len(got) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(got), tt.wantLen)
			}
		})
	}
}

func TestRetrieveNoOverlap(t *testing.T) {
	r, err := New(paperTitles)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, query := range []string{"quantum chromodynamics", "", "1234 !!"} {
		results := r.Retrieve(query, 3)
		if len(results) != 3 {
			t.Fatalf("query %q: len = %d, want 3", query, len(results))
		}
		for i, pair := range results {
			if pair.Score != 0 {
				t.Errorf("query %q: score[%d] = %v, want 0", query, i, pair.Score)
			}
			if pair.Index != i {
				t.Errorf("query %q: index[%d] = %d, want original order", query, i, pair.Index)
			}
		}
	}
}

func TestRetrieveDeterministic(t *testing.T) {
	r, err := New(paperTitles)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first := r.Retrieve("神经网络学习", len(paperTitles))
	for i := 0; i < 20; i++ {
		if got := r.Retrieve("神经网络学习", len(paperTitles)); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d differs from first: %v vs %v", i, got, first)
		}
	}
}

func TestContributionMonotonicInTermFrequency(t *testing.T) {
	const docLen, avgLen = 120.0, 100.0
	prev := 0.0
	for tf := 1.0; tf <= 50; tf++ {
		c := contribution(tf, docLen, avgLen, DefaultK1, DefaultB)
		if c < prev {
			t.Fatalf("contribution decreased at tf=%v: %v < %v", tf, c, prev)
		}
		prev = c
	}
	// Saturation: contribution stays below the k1+1 asymptote.
	if prev >= DefaultK1+1 {
		t.Errorf("contribution %v exceeded saturation bound %v", prev, DefaultK1+1)
	}
}

func TestContributionZeroAvgLength(t *testing.T) {
	if c := contribution(3, 0, 0, DefaultK1, DefaultB); c != 0 {
		t.Errorf("contribution with zero avg length = %v, want 0", c)
	}
}

func TestScoreMatchesFormula(t *testing.T) {
	docs := []string{"deep learning", "deep deep learning retrieval"}
	r, err := New(docs)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	results := r.Retrieve("deep", 2)

	// Recompute the expected score for the second document by hand:
	// N=2, df(deep)=2 -> raw idf ln(0.5/2.5+1), floored at epsilon*maxIDF.
	maxIDF := math.Log((2-1+0.5)/(1+0.5) + 1.0) // df=1 terms
	idf := math.Log((2-2+0.5)/(2+0.5) + 1.0)
	if floor := DefaultEpsilon * maxIDF; idf < floor {
		idf = floor
	}
	tf, docLen, avgLen := 2.0, 4.0, 3.0
	lengthNorm := 1 - DefaultB + DefaultB*(docLen/avgLen)
	want := idf * (tf * (DefaultK1 + 1)) / (tf + DefaultK1*lengthNorm)

	var got float64
	for _, pair := range results {
		if pair.Index == 1 {
			got = pair.Score
		}
	}
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("score for doc 1 = %v, want %v", got, want)
	}
}

func BenchmarkRetrieve(b *testing.B) {
	docs := make([]string, 0, 1000)
	for i := 0; i < 1000; i++ {
		docs = append(docs, paperTitles[i%len(paperTitles)]+" hybrid retrieval ranking evaluation")
	}
	r, err := New(docs)
	if err != nil {
		b.Fatalf("New: %v", err)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = r.Retrieve("深度学习 retrieval", 10)
	}
}
