package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/johnayoung/go-candle-pipeline/internal/config"
	apperrors "github.com/johnayoung/go-candle-pipeline/internal/errors"
	"github.com/johnayoung/go-candle-pipeline/internal/models"
)

// Open builds the sink selected by cfg.Type
func Open(ctx context.Context, cfg config.SinkConfig, logger *slog.Logger) (Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "storage", "sink", cfg.Type)

	var (
		sink Sink
		err  error
	)
	switch strings.ToLower(cfg.Type) {
	case "cassandra":
		sink, err = NewCassandraSink(cfg.Cassandra, logger)
	case "duckdb":
		sink, err = NewDuckDBSink(cfg.DuckDB.Path, logger)
	case "clickhouse":
		sink, err = NewClickHouseSink(ctx, cfg.ClickHouse, logger)
	case "kafka":
		sink, err = NewKafkaSink(cfg.Kafka, logger)
	case "memory":
		sink = NewMemorySink()
	default:
		return nil, fmt.Errorf("%w: unknown sink type %q", apperrors.ErrConfiguration, cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return sink, nil
}

// Prepare creates the destination tables when the sink supports it. DuckDB
// goes through its migration history, other sinks create the tables directly.
func Prepare(ctx context.Context, sink Sink, tables ...models.Table) error {
	if d, ok := sink.(*DuckDBSink); ok {
		return d.Initialize(ctx, tables...)
	}
	creator, ok := sink.(TableCreator)
	if !ok {
		return nil
	}
	for _, t := range tables {
		if err := creator.CreateTable(ctx, t); err != nil {
			return err
		}
	}
	return nil
}
