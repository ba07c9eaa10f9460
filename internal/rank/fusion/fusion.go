// Package fusion merges a lexical (BM25) ranking and a semantic
// (embedding-similarity) ranking over the same document-index space into a
// single ordered result list using weighted score combination.
package fusion

import (
	"fmt"
	"sort"

	"github.com/scholarqa/retrieval/internal/rank/bm25"
	apperrors "github.com/scholarqa/retrieval/pkg/errors"
)

const (
	DefaultLexicalWeight  = 0.3
	DefaultSemanticWeight = 0.7
)

// Candidate is a retrieval result entering Rerank. Score holds the semantic
// score produced upstream; the remaining fields are carried through
// untouched.
type Candidate struct {
	Index    int               `json:"index"`
	Score    float64           `json:"score"`
	Document string            `json:"document,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Reranked is a Candidate augmented with the fresh lexical score and the
// fused score it was re-ordered by.
type Reranked struct {
	Candidate
	LexicalScore float64 `json:"lexical_score"`
	FusedScore   float64 `json:"fused_score"`
}

// Normalize min-max scales scores into [0,1]. An empty input yields an
// empty output. A flat distribution (max == min) maps every value to 1.0
// rather than dividing by zero.
func Normalize(scores []float64) []float64 {
	if len(scores) == 0 {
		return []float64{}
	}
	minScore, maxScore := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < minScore {
			minScore = s
		}
		if s > maxScore {
			maxScore = s
		}
	}
	out := make([]float64, len(scores))
	if maxScore == minScore {
		for i := range out {
			out[i] = 1.0
		}
		return out
	}
	span := maxScore - minScore
	for i, s := range scores {
		out[i] = (s - minScore) / span
	}
	return out
}

// normalizeWeights scales the weight pair so it sums to 1. Only the ratio
// between the weights matters to callers.
func normalizeWeights(lexicalWeight, semanticWeight float64) (float64, float64, error) {
	total := lexicalWeight + semanticWeight
	if total == 0 {
		return 0, 0, fmt.Errorf("%w: fusion weights are both zero", apperrors.ErrInvalidInput)
	}
	return lexicalWeight / total, semanticWeight / total, nil
}

// Combine fuses a lexical and a semantic ranking into one list ordered by
// weighted score. Both inputs reference documents in the same index space.
// A document present in only one list keeps the other side at 0.0 rather
// than being dropped. Results are sorted descending by fused score with
// ties broken by ascending index, then truncated to topK.
func Combine(lexical, semantic []bm25.ScorePair, lexicalWeight, semanticWeight float64, topK int) ([]bm25.ScorePair, error) {
	wLex, wSem, err := normalizeWeights(lexicalWeight, semanticWeight)
	if err != nil {
		return nil, err
	}

	lexScores := make(map[int]float64, len(lexical))
	for _, pair := range lexical {
		lexScores[pair.Index] = pair.Score
	}
	semScores := make(map[int]float64, len(semantic))
	for _, pair := range semantic {
		semScores[pair.Index] = pair.Score
	}

	fused := make([]bm25.ScorePair, 0, len(lexScores)+len(semScores))
	for idx, score := range lexScores {
		sem := semScores[idx]
		fused = append(fused, bm25.ScorePair{Index: idx, Score: wLex*score + wSem*sem})
	}
	for idx, score := range semScores {
		if _, both := lexScores[idx]; both {
			continue
		}
		fused = append(fused, bm25.ScorePair{Index: idx, Score: wSem * score})
	}

	sortPairs(fused)
	if topK >= 0 && topK < len(fused) {
		fused = fused[:topK]
	}
	return fused, nil
}

// Rerank augments an existing semantic result set with fresh lexical scores
// from the given ranker and re-orders it by the fused score. Candidate
// fields other than the scores pass through unchanged. The lexical side is
// queried with twice topK candidates so fusion has enough overlap to work
// with.
func Rerank(query string, initial []Candidate, ranker *bm25.Ranker, lexicalWeight, semanticWeight float64, topK int) ([]Reranked, error) {
	wLex, wSem, err := normalizeWeights(lexicalWeight, semanticWeight)
	if err != nil {
		return nil, err
	}

	lexScores := make(map[int]float64)
	for _, pair := range ranker.Retrieve(query, topK*2) {
		lexScores[pair.Index] = pair.Score
	}

	reranked := make([]Reranked, 0, len(initial))
	for _, cand := range initial {
		lex := lexScores[cand.Index]
		reranked = append(reranked, Reranked{
			Candidate:    cand,
			LexicalScore: lex,
			FusedScore:   wLex*lex + wSem*cand.Score,
		})
	}

	sort.SliceStable(reranked, func(i, j int) bool {
		if reranked[i].FusedScore != reranked[j].FusedScore {
			return reranked[i].FusedScore > reranked[j].FusedScore
		}
		return reranked[i].Index < reranked[j].Index
	})
	if topK >= 0 && topK < len(reranked) {
		reranked = reranked[:topK]
	}
	return reranked, nil
}

func sortPairs(pairs []bm25.ScorePair) {
	sort.SliceStable(pairs, func(i, j int) bool {
		if pairs[i].Score != pairs[j].Score {
			return pairs[i].Score > pairs[j].Score
		}
		return pairs[i].Index < pairs[j].Index
	})
}
