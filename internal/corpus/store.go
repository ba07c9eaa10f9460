package corpus

import (
	"context"
	"fmt"
	"log/slog"

	apperrors "github.com/scholarqa/retrieval/pkg/errors"
	"github.com/scholarqa/retrieval/pkg/postgres"
)

// Store loads corpus snapshots from PostgreSQL.
type Store struct {
	db     *postgres.Client
	logger *slog.Logger
}

// NewStore creates a Store backed by the given database client.
func NewStore(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "corpus-store"),
	}
}

// LoadSnapshot reads every chunk ordered by id and returns it as an
// immutable Snapshot. The id ordering is what pins the document-index
// space: a given snapshot version always yields the same index for the
// same chunk. An empty table is reported as ErrCorpusEmpty.
func (s *Store) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	rows, err := s.db.DB.QueryContext(ctx, `
		SELECT id, paper_id, COALESCE(section, ''), content, created_at
		FROM paper_chunks
		ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying paper chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	var maxID int64
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.PaperID, &c.Section, &c.Text, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning paper chunk: %w", err)
		}
		if c.ID > maxID {
			maxID = c.ID
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating paper chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: paper_chunks table has no rows", apperrors.ErrCorpusEmpty)
	}

	s.logger.Info("corpus snapshot loaded", "chunks", len(chunks), "version", maxID)
	return &Snapshot{Chunks: chunks, Version: maxID}, nil
}

// Count returns the number of chunks currently in the table, for health
// checks without materialising a snapshot.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM paper_chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting paper chunks: %w", err)
	}
	return n, nil
}
