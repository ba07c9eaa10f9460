package corpus

import (
	"context"
	"log/slog"
	"time"

	"github.com/scholarqa/retrieval/pkg/config"
	"github.com/scholarqa/retrieval/pkg/kafka"
)

// debounceWindow coalesces bursts of corpus updates (e.g. one event per
// ingested paper) into a single rebuild.
const debounceWindow = 5 * time.Second

// Watcher consumes corpus-updated events and invokes a rebuild callback.
// Events arriving while a rebuild is pending are coalesced.
type Watcher struct {
	consumer *kafka.Consumer
	rebuild  func(ctx context.Context) error
	pending  chan struct{}
	logger   *slog.Logger
}

// NewWatcher creates a Watcher that listens on the corpus-updated topic and
// calls rebuild when the corpus changes.
func NewWatcher(cfg config.KafkaConfig, rebuild func(ctx context.Context) error) *Watcher {
	w := &Watcher{
		rebuild: rebuild,
		pending: make(chan struct{}, 1),
		logger:  slog.Default().With("component", "corpus-watcher"),
	}
	w.consumer = kafka.NewConsumer(cfg, cfg.Topics.CorpusUpdated, w.handleMessage)
	return w
}

// Start runs the consume loop and the debounced rebuild loop until ctx is
// cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	go w.rebuildLoop(ctx)
	return w.consumer.Start(ctx)
}

// Close closes the underlying Kafka consumer.
func (w *Watcher) Close() error {
	return w.consumer.Close()
}

func (w *Watcher) handleMessage(ctx context.Context, key, value []byte) error {
	event, err := kafka.DecodeJSON[UpdateEvent](value)
	if err != nil {
		w.logger.Error("malformed corpus update event", "error", err)
		return nil // drop, do not re-deliver
	}
	w.logger.Info("corpus update received", "paper_id", event.PaperID, "chunks", event.ChunkCount)
	select {
	case w.pending <- struct{}{}:
	default:
	}
	return nil
}

func (w *Watcher) rebuildLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.pending:
		}

		timer := time.NewTimer(debounceWindow)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		// Drain anything that arrived during the window.
		select {
		case <-w.pending:
		default:
		}

		if err := w.rebuild(ctx); err != nil {
			w.logger.Error("corpus rebuild failed", "error", err)
		}
	}
}
