// Package storage defines the sinks normalized candle rows are written to and
// the batching contract every pipeline uses to reach them. Backends: Cassandra
// (the production wide-column store), DuckDB (local runs), ClickHouse, Kafka,
// and an in-memory sink for tests.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/johnayoung/go-candle-pipeline/internal/errors"
	"github.com/johnayoung/go-candle-pipeline/internal/metrics"
	"github.com/johnayoung/go-candle-pipeline/internal/models"
)

// DefaultBatchSize is the number of rows per sink call
const DefaultBatchSize = 100

// Sink receives normalized rows. InsertBatch writes one batch in a single
// backend call; a failure leaves the batch unwritten or partially written
// depending on the backend, and is always fatal to the caller.
type Sink interface {
	InsertBatch(ctx context.Context, table models.Table, rows []models.StorageRow) error
	Close() error
}

// TableCreator is implemented by sinks that can create their destination tables
type TableCreator interface {
	CreateTable(ctx context.Context, table models.Table) error
}

// LatestDateReader is implemented by sinks that can report the newest business
// date stored in a table.
type LatestDateReader interface {
	LatestDate(ctx context.Context, table models.Table) (time.Time, error)
}

// HealthChecker verifies that the backend is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// BatchWriter splits rows into batches and sends each batch exactly once
type BatchWriter struct {
	Sink      Sink
	BatchSize int
	Logger    *slog.Logger
	Metrics   *metrics.Registry
}

// Write sends rows in consecutive batches of BatchSize followed by one
// remainder batch, and returns the number of batches sent. The first failing
// batch stops the write; its error wraps ErrSink.
func (w BatchWriter) Write(ctx context.Context, table models.Table, rows []models.StorageRow) (int, error) {
	size := w.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	log := w.Logger
	if log == nil {
		log = slog.Default()
	}

	batches := 0
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}

		if err := ctx.Err(); err != nil {
			return batches, err
		}
		if err := w.Sink.InsertBatch(ctx, table, rows[start:end]); err != nil {
			log.Error("batch insert failed",
				"table", table.Name,
				"batch", batches+1,
				"rows", end-start,
				"error", err)
			return batches, asStorageError("insert", table.Name, err)
		}

		batches++
		w.Metrics.Add(metrics.BatchesWritten, 1)
		w.Metrics.Add(metrics.RowsWritten, int64(end-start))
		log.Debug("batch inserted", "table", table.Name, "batch", batches, "rows", end-start)
	}

	log.Info("rows inserted", "table", table.Name, "rows", len(rows), "batches", batches, "batch_size", size)
	return batches, nil
}

// InsertData writes rows to sink in batches of batchSize. See BatchWriter.Write.
func InsertData(ctx context.Context, sink Sink, table models.Table, rows []models.StorageRow, batchSize int) (int, error) {
	return BatchWriter{Sink: sink, BatchSize: batchSize}.Write(ctx, table, rows)
}

// StorageError represents errors that occur during storage operations.
// It always matches apperrors.ErrSink.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "insert", "query")
	Operation string

	// Table is the table involved in the operation
	Table string

	// Query is the statement involved (may be empty)
	Query string

	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is reports sink failures as apperrors.ErrSink
func (e *StorageError) Is(target error) bool {
	return target == apperrors.ErrSink
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, table, query string, err error) *StorageError {
	return &StorageError{
		Operation: operation,
		Table:     table,
		Query:     query,
		Err:       err,
	}
}

// NewInsertError creates a StorageError for insert operations.
func NewInsertError(table string, err error) *StorageError {
	return &StorageError{Operation: "insert", Table: table, Err: err}
}

// NewQueryError creates a StorageError for query operations.
func NewQueryError(table, query string, err error) *StorageError {
	return &StorageError{Operation: "query", Table: table, Query: query, Err: err}
}

func asStorageError(operation, table string, err error) error {
	if se, ok := err.(*StorageError); ok {
		return se
	}
	return &StorageError{Operation: operation, Table: table, Err: err}
}
