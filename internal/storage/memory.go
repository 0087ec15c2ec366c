package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/johnayoung/go-candle-pipeline/internal/models"
)

// MemorySink keeps every batch it receives. It is used by tests and by dry
// runs of the pipelines.
type MemorySink struct {
	mu sync.RWMutex

	// batches per table name, in arrival order
	batches map[string][][]models.StorageRow
	tables  map[string]models.Table
	closed  bool

	// FailAfter makes InsertBatch fail once that many batches were accepted;
	// zero disables it.
	FailAfter int
	calls     int
}

// NewMemorySink creates an empty in-memory sink
func NewMemorySink() *MemorySink {
	return &MemorySink{
		batches: make(map[string][][]models.StorageRow),
		tables:  make(map[string]models.Table),
	}
}

// InsertBatch stores a copy of rows
func (m *MemorySink) InsertBatch(ctx context.Context, table models.Table, rows []models.StorageRow) error {
	if ctx.Err() != nil {
		return NewInsertError(table.Name, ctx.Err())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewInsertError(table.Name, errors.New("storage is closed"))
	}
	if m.FailAfter > 0 && m.calls >= m.FailAfter {
		return NewInsertError(table.Name, fmt.Errorf("injected failure after %d batches", m.FailAfter))
	}
	m.calls++

	batch := make([]models.StorageRow, len(rows))
	copy(batch, rows)
	m.batches[table.Name] = append(m.batches[table.Name], batch)
	return nil
}

// CreateTable registers the table
func (m *MemorySink) CreateTable(ctx context.Context, table models.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[table.Name] = table
	return nil
}

// LatestDate returns the newest candle start time stored in table, or the zero
// time when the table is empty.
func (m *MemorySink) LatestDate(ctx context.Context, table models.Table) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest int64
	for _, batch := range m.batches[table.Name] {
		for _, r := range batch {
			if r.StartTime > latest {
				latest = r.StartTime
			}
		}
	}
	if latest == 0 {
		return time.Time{}, nil
	}
	return time.Unix(latest, 0).UTC(), nil
}

// Batches returns the sizes of the batches received for table
func (m *MemorySink) Batches(table string) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sizes := make([]int, 0, len(m.batches[table]))
	for _, b := range m.batches[table] {
		sizes = append(sizes, len(b))
	}
	return sizes
}

// Rows returns every row received for table in arrival order
func (m *MemorySink) Rows(table string) []models.StorageRow {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var rows []models.StorageRow
	for _, b := range m.batches[table] {
		rows = append(rows, b...)
	}
	return rows
}

// Tables returns the tables created through CreateTable
func (m *MemorySink) Tables() map[string]models.Table {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]models.Table, len(m.tables))
	for k, v := range m.tables {
		out[k] = v
	}
	return out
}

// HealthCheck fails once the sink is closed
func (m *MemorySink) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return NewStorageError("health_check", "", "", errors.New("storage is closed"))
	}
	return nil
}

// Close marks the sink closed
func (m *MemorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var (
	_ Sink             = (*MemorySink)(nil)
	_ TableCreator     = (*MemorySink)(nil)
	_ LatestDateReader = (*MemorySink)(nil)
	_ HealthChecker    = (*MemorySink)(nil)
)
