package corpus

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/scholarqa/retrieval/pkg/errors"
	"github.com/scholarqa/retrieval/pkg/kafka"
	"github.com/scholarqa/retrieval/pkg/postgres"
)

// maxChunkBytes caps a single passage; the ingestion pipeline is expected
// to split anything larger before it reaches us.
const maxChunkBytes = 32 * 1024

// Publisher persists pre-chunked passages to PostgreSQL and announces the
// corpus change on Kafka so running retrievers rebuild their rankers.
type Publisher struct {
	db       *postgres.Client
	producer *kafka.Producer
	logger   *slog.Logger
}

// NewPublisher creates a Publisher with the given database client and
// corpus-updated topic producer.
func NewPublisher(db *postgres.Client, producer *kafka.Producer) *Publisher {
	return &Publisher{
		db:       db,
		producer: producer,
		logger:   slog.Default().With("component", "corpus-publisher"),
	}
}

// AddChunks validates and inserts the chunks for one paper in a single
// transaction, then publishes an UpdateEvent. Chunks arrive pre-split and
// in reading order; insertion order preserves that order in the snapshot's
// index space.
func (p *Publisher) AddChunks(ctx context.Context, paperID string, chunks []Chunk) (int, error) {
	if strings.TrimSpace(paperID) == "" {
		return 0, fmt.Errorf("%w: paper id is required", apperrors.ErrInvalidInput)
	}
	if len(chunks) == 0 {
		return 0, fmt.Errorf("%w: no chunks provided", apperrors.ErrInvalidInput)
	}
	for i, c := range chunks {
		if err := validateChunk(c); err != nil {
			return 0, fmt.Errorf("chunk %d: %w", i, err)
		}
	}

	err := p.db.InTx(ctx, func(tx *sql.Tx) error {
		for _, c := range chunks {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO paper_chunks (paper_id, section, content, created_at)
				VALUES ($1, $2, $3, $4)`,
				paperID, c.Section, c.Text, time.Now().UTC()); err != nil {
				return fmt.Errorf("inserting chunk: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	event := UpdateEvent{
		PaperID:    paperID,
		ChunkCount: len(chunks),
		Timestamp:  time.Now().UTC(),
	}
	if err := p.producer.Publish(ctx, kafka.Event{Key: paperID, Value: event}); err != nil {
		// The rows are committed; the next periodic rebuild will pick them
		// up even though the notification was lost.
		p.logger.Error("failed to publish corpus update", "paper_id", paperID, "error", err)
	}

	p.logger.Info("chunks ingested", "paper_id", paperID, "count", len(chunks))
	return len(chunks), nil
}

func validateChunk(c Chunk) error {
	if strings.TrimSpace(c.Text) == "" {
		return fmt.Errorf("%w: chunk text is empty", apperrors.ErrInvalidInput)
	}
	if len(c.Text) > maxChunkBytes {
		return fmt.Errorf("%w: chunk text exceeds %d bytes", apperrors.ErrInvalidInput, maxChunkBytes)
	}
	if !utf8.ValidString(c.Text) {
		return fmt.Errorf("%w: chunk text is not valid UTF-8", apperrors.ErrInvalidInput)
	}
	return nil
}
