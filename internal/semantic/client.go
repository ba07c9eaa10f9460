// Package semantic calls the external embedding/vector-search service that
// supplies the semantic side of hybrid retrieval. The service ranks
// passages by embedding similarity and returns (index, score) pairs in the
// same document-index space as the corpus snapshot; keeping the two index
// spaces aligned is the caller's responsibility.
package semantic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/scholarqa/retrieval/internal/rank/bm25"
	"github.com/scholarqa/retrieval/pkg/config"
	apperrors "github.com/scholarqa/retrieval/pkg/errors"
	"github.com/scholarqa/retrieval/pkg/resilience"
)

// Client queries the vector-search service over HTTP with retry and a
// circuit breaker in front of it.
type Client struct {
	baseURL string
	http    *http.Client
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

type rankRequest struct {
	Query         string `json:"query"`
	TopK          int    `json:"top_k"`
	CorpusVersion int64  `json:"corpus_version,omitempty"`
}

type rankResponse struct {
	Results []bm25.ScorePair `json:"results"`
}

// NewClient creates a Client from the semantic service configuration.
func NewClient(cfg config.SemanticConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
		retry: resilience.RetryConfig{
			MaxAttempts: cfg.MaxAttempts,
		},
		breaker: resilience.NewCircuitBreaker("semantic", resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.FailureThreshold,
			ResetTimeout:     cfg.ResetTimeout,
		}),
		logger: slog.Default().With("component", "semantic-client"),
	}
}

// Rank returns the topK most similar passages for the query, as scored by
// the vector-search service. corpusVersion lets the service reject requests
// against a stale index. Failures surface as ErrSemanticUnavailable so the
// retriever can degrade to lexical-only results.
func (c *Client) Rank(ctx context.Context, query string, topK int, corpusVersion int64) ([]bm25.ScorePair, error) {
	var pairs []bm25.ScorePair
	err := c.breaker.Execute(func() error {
		return resilience.Retry(ctx, "semantic-rank", c.retry, func() error {
			var err error
			pairs, err = c.rankOnce(ctx, query, topK, corpusVersion)
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrSemanticUnavailable, err)
	}
	return pairs, nil
}

// BreakerState exposes the circuit state for metrics and health checks.
func (c *Client) BreakerState() resilience.State {
	return c.breaker.GetState()
}

func (c *Client) rankOnce(ctx context.Context, query string, topK int, corpusVersion int64) ([]bm25.ScorePair, error) {
	body, err := json.Marshal(rankRequest{Query: query, TopK: topK, CorpusVersion: corpusVersion})
	if err != nil {
		return nil, fmt.Errorf("marshaling rank request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/similarity", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building rank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling semantic service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("semantic service returned %d: %s", resp.StatusCode, snippet)
	}

	var decoded rankResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding rank response: %w", err)
	}
	return decoded.Results, nil
}
