package analytics

import "time"

type EventType string

const (
	EventRetrieve   EventType = "retrieve"
	EventRerank     EventType = "rerank"
	EventZeroResult EventType = "zero_result"
	EventRebuild    EventType = "rebuild"
)

// RetrievalEvent describes one retrieval request, for offline query
// analytics (top queries, zero-result queries, latency distributions).
type RetrievalEvent struct {
	Type          EventType `json:"type"`
	Query         string    `json:"query"`
	TopK          int       `json:"top_k"`
	Returned      int       `json:"returned"`
	Degraded      bool      `json:"degraded"`
	CacheHit      bool      `json:"cache_hit"`
	CorpusVersion int64     `json:"corpus_version"`
	LatencyMs     int64     `json:"latency_ms"`
	Timestamp     time.Time `json:"timestamp"`
	RequestID     string    `json:"request_id"`
}

// RebuildEvent describes one ranker rebuild.
type RebuildEvent struct {
	Type       EventType `json:"type"`
	ChunkCount int       `json:"chunk_count"`
	LatencyMs  int64     `json:"latency_ms"`
	Timestamp  time.Time `json:"timestamp"`
}
