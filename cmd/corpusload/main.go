// Command corpusload bulk-loads pre-chunked paper passages from a JSONL
// file into the corpus store and announces the update on Kafka so running
// retrieval services rebuild their rankers.
//
// Each input line is one chunk:
//
//	{"paper_id": "arxiv:2401.01234", "section": "abstract", "text": "..."}
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/scholarqa/retrieval/internal/corpus"
	"github.com/scholarqa/retrieval/pkg/config"
	"github.com/scholarqa/retrieval/pkg/kafka"
	"github.com/scholarqa/retrieval/pkg/logger"
	"github.com/scholarqa/retrieval/pkg/postgres"
)

type chunkRecord struct {
	PaperID string `json:"paper_id"`
	Section string `json:"section"`
	Text    string `json:"text"`
}

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	inputPath := flag.String("input", "", "path to JSONL chunk file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging)

	if *inputPath == "" {
		fmt.Fprintln(os.Stderr, "usage: corpusload -input chunks.jsonl")
		os.Exit(2)
	}

	file, err := os.Open(*inputPath)
	if err != nil {
		slog.Error("failed to open input file", "path", *inputPath, "error", err)
		os.Exit(1)
	}
	defer file.Close()

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.CorpusUpdated)
	defer producer.Close()
	publisher := corpus.NewPublisher(db, producer)

	// Group consecutive lines by paper so each paper's chunks land in one
	// transaction and one update event.
	byPaper := make(map[string][]corpus.Chunk)
	var order []string

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		var rec chunkRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			slog.Error("skipping malformed line", "line", lineNo, "error", err)
			continue
		}
		if _, seen := byPaper[rec.PaperID]; !seen {
			order = append(order, rec.PaperID)
		}
		byPaper[rec.PaperID] = append(byPaper[rec.PaperID], corpus.Chunk{
			Section: rec.Section,
			Text:    rec.Text,
		})
	}
	if err := scanner.Err(); err != nil {
		slog.Error("failed to read input file", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	total := 0
	for _, paperID := range order {
		n, err := publisher.AddChunks(ctx, paperID, byPaper[paperID])
		if err != nil {
			slog.Error("failed to load paper", "paper_id", paperID, "error", err)
			os.Exit(1)
		}
		total += n
	}

	slog.Info("corpus load complete", "papers", len(order), "chunks", total)
}
