// Package bm25 implements an in-memory BM25 lexical ranker over a static
// document collection. A Ranker is built once from an ordered snapshot of
// document texts and is immutable afterwards; reflecting a changed corpus
// means building a new Ranker and swapping the reference.
package bm25

import (
	"fmt"
	"math"
	"sort"

	"github.com/scholarqa/retrieval/internal/rank/tokenizer"
	apperrors "github.com/scholarqa/retrieval/pkg/errors"
)

const (
	DefaultK1      = 1.2
	DefaultB       = 0.75
	DefaultEpsilon = 0.25
)

// ScorePair associates a document (by its position in the collection the
// ranker was built from) with a relevance score. Downstream consumers,
// including score fusion, reference documents solely by this index.
type ScorePair struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Ranker holds the immutable index state: tokenised documents, per-document
// term frequencies, floored idf weights, and the average document length.
type Ranker struct {
	k1      float64
	b       float64
	epsilon float64

	docLengths []int
	termFreqs  []map[string]int
	idf        map[string]float64
	avgDocLen  float64
}

// Option configures BM25 tuning parameters at construction.
type Option func(*Ranker)

// WithK1 sets the term-frequency saturation parameter (typically 1.2-2.0).
func WithK1(k1 float64) Option {
	return func(r *Ranker) { r.k1 = k1 }
}

// WithB sets the document-length normalisation parameter (typically 0.75).
func WithB(b float64) Option {
	return func(r *Ranker) { r.b = b }
}

// WithEpsilon sets the idf floor fraction: every term's idf is raised to at
// least epsilon times the maximum idf, so very common terms cannot collapse
// scores to zero.
func WithEpsilon(epsilon float64) Option {
	return func(r *Ranker) { r.epsilon = epsilon }
}

// New builds a Ranker over the given ordered document collection. The
// collection must be non-empty; an empty collection is a precondition
// violation reported as ErrInvalidInput.
func New(documents []string, opts ...Option) (*Ranker, error) {
	if len(documents) == 0 {
		return nil, fmt.Errorf("%w: document collection is empty", apperrors.ErrInvalidInput)
	}

	r := &Ranker{
		k1:      DefaultK1,
		b:       DefaultB,
		epsilon: DefaultEpsilon,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.docLengths = make([]int, len(documents))
	r.termFreqs = make([]map[string]int, len(documents))
	docFreq := make(map[string]int)

	totalLen := 0
	for i, doc := range documents {
		tokens := tokenizer.Tokenize(doc)
		tf := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			tf[tok]++
		}
		for term := range tf {
			docFreq[term]++
		}
		r.termFreqs[i] = tf
		r.docLengths[i] = len(tokens)
		totalLen += len(tokens)
	}
	r.avgDocLen = float64(totalLen) / float64(len(documents))

	r.idf = buildIDF(docFreq, len(documents), r.epsilon)
	return r, nil
}

// buildIDF derives an inverse-document-frequency weight per term and floors
// every weight at epsilon times the maximum idf.
func buildIDF(docFreq map[string]int, totalDocs int, epsilon float64) map[string]float64 {
	idf := make(map[string]float64, len(docFreq))
	maxIDF := 0.0
	for term, df := range docFreq {
		weight := math.Log((float64(totalDocs)-float64(df)+0.5)/(float64(df)+0.5) + 1.0)
		idf[term] = weight
		if weight > maxIDF {
			maxIDF = weight
		}
	}
	floor := epsilon * maxIDF
	for term, weight := range idf {
		if weight < floor {
			idf[term] = floor
		}
	}
	return idf
}

// Len returns the number of documents the ranker was built over.
func (r *Ranker) Len() int {
	return len(r.docLengths)
}

// AvgDocLength returns the collection's average document length in tokens.
func (r *Ranker) AvgDocLength() float64 {
	return r.avgDocLen
}

// Retrieve scores every document against the query and returns the topK
// highest-scoring (index, score) pairs in descending score order. Ties keep
// ascending document-index order. A query with no vocabulary overlap (or an
// empty query) returns all documents with score 0.0 in original order,
// truncated to topK. topK larger than the collection returns everything.
func (r *Ranker) Retrieve(query string, topK int) []ScorePair {
	queryTokens := tokenizer.Tokenize(query)

	pairs := make([]ScorePair, len(r.docLengths))
	for i := range r.docLengths {
		pairs[i] = ScorePair{
			Index: i,
			Score: r.scoreDocument(queryTokens, i),
		}
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].Score > pairs[j].Score
	})

	if topK >= 0 && topK < len(pairs) {
		pairs = pairs[:topK]
	}
	return pairs
}

// scoreDocument sums the BM25 contribution of every query token present in
// document doc. Tokens absent from the vocabulary contribute zero.
func (r *Ranker) scoreDocument(queryTokens []string, doc int) float64 {
	tf := r.termFreqs[doc]
	docLen := float64(r.docLengths[doc])

	score := 0.0
	for _, token := range queryTokens {
		freq, inDoc := tf[token]
		if !inDoc {
			continue
		}
		idf, known := r.idf[token]
		if !known {
			continue
		}
		score += idf * contribution(float64(freq), docLen, r.avgDocLen, r.k1, r.b)
	}
	return score
}

// contribution computes the length-normalised term-frequency factor of the
// BM25 formula for a single term.
func contribution(termFreq, docLen, avgDocLen, k1, b float64) float64 {
	if avgDocLen == 0 {
		return 0
	}
	lengthNorm := 1 - b + b*(docLen/avgDocLen)
	return (termFreq * (k1 + 1)) / (termFreq + k1*lengthNorm)
}
