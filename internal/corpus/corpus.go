// Package corpus supplies the retrieval core with ordered, immutable
// snapshots of pre-chunked paper passages. Passages live in PostgreSQL
// (written by the ingestion pipeline); a snapshot fixes their order so that
// lexical and semantic rankers share one document-index space.
package corpus

import "time"

// Chunk is one retrievable passage of a paper.
type Chunk struct {
	ID        int64     `json:"id"`
	PaperID   string    `json:"paper_id"`
	Section   string    `json:"section,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is an ordered, immutable view of the corpus. Chunk positions in
// the slice are the document indices every ranker and score pair refers to;
// the snapshot must never be reordered after rankers are built over it.
type Snapshot struct {
	Chunks  []Chunk
	Version int64
}

// Texts returns the chunk texts in index order, for ranker construction.
func (s *Snapshot) Texts() []string {
	texts := make([]string, len(s.Chunks))
	for i, c := range s.Chunks {
		texts[i] = c.Text
	}
	return texts
}

// Len returns the number of chunks in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.Chunks)
}

// UpdateEvent is published on the corpus-updated topic whenever chunks are
// added, so running retrievers rebuild their rankers.
type UpdateEvent struct {
	PaperID    string    `json:"paper_id"`
	ChunkCount int       `json:"chunk_count"`
	Timestamp  time.Time `json:"timestamp"`
}
