package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/johnayoung/go-candle-pipeline/internal/models"
	"github.com/marcboeker/go-duckdb/v2"
	"github.com/shopspring/decimal"
)

// DuckDBSink stores rows in a local DuckDB file using the Appender API. It is
// the sink for local runs and for the indicator pipeline's development loop.
type DuckDBSink struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewDuckDBSink opens the database at dbPath; ":memory:" gives a throwaway
// in-memory database.
func NewDuckDBSink(dbPath string, logger *slog.Logger) (*DuckDBSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dbPath == "" {
		dbPath = ":memory:"
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// DuckDB allows a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBSink{db: db, dbPath: dbPath, logger: logger}, nil
}

// Initialize applies the candle table migrations for tables
func (d *DuckDBSink) Initialize(ctx context.Context, tables ...models.Table) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.logger.Info("initializing DuckDB storage", "db_path", d.dbPath, "tables", len(tables))
	mm := NewMigrationManager(d.db, CandleMigrations(tables...), d.logger)
	if err := mm.MigrateToLatest(ctx); err != nil {
		return NewStorageError("initialize", "", "", err)
	}
	return nil
}

// Migrations returns a migration manager bound to this database
func (d *DuckDBSink) Migrations(tables ...models.Table) *MigrationManager {
	return NewMigrationManager(d.db, CandleMigrations(tables...), d.logger)
}

// CreateTable creates table outside of the migration history
func (d *DuckDBSink) CreateTable(ctx context.Context, table models.Table) error {
	stmt := sqlCreateTable(table)
	if _, err := d.db.ExecContext(ctx, stmt); err != nil {
		return NewStorageError("create_table", table.Name, stmt, err)
	}
	return nil
}

// InsertBatch appends rows through a DuckDB appender and flushes once
func (d *DuckDBSink) InsertBatch(ctx context.Context, table models.Table, rows []models.StorageRow) error {
	if len(rows) == 0 {
		return nil
	}
	start := time.Now()

	d.mu.RLock()
	db := d.db
	d.mu.RUnlock()
	if db == nil {
		return NewInsertError(table.Name, fmt.Errorf("database connection is closed"))
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return NewInsertError(table.Name, fmt.Errorf("failed to get connection: %w", err))
	}
	defer conn.Close()

	var driverConn *duckdb.Conn
	err = conn.Raw(func(dc any) error {
		var ok bool
		driverConn, ok = dc.(*duckdb.Conn)
		if !ok {
			return fmt.Errorf("underlying connection is not a DuckDB connection")
		}
		return nil
	})
	if err != nil {
		return NewInsertError(table.Name, fmt.Errorf("failed to get DuckDB connection: %w", err))
	}

	appender, err := duckdb.NewAppenderFromConn(driverConn, "", table.Name)
	if err != nil {
		return NewInsertError(table.Name, fmt.Errorf("failed to create appender: %w", err))
	}
	defer appender.Close()

	for _, r := range rows {
		if err := appender.AppendRow(duckdbValues(r)...); err != nil {
			return NewInsertError(table.Name, fmt.Errorf("failed to append row %s@%d: %w", r.ID, r.StartTime, err))
		}
	}
	if err := appender.Flush(); err != nil {
		return NewInsertError(table.Name, fmt.Errorf("failed to flush appender: %w", err))
	}

	d.logger.Debug("stored rows batch", "table", table.Name, "count", len(rows), "duration", time.Since(start))
	return nil
}

// LatestDate returns the newest business date stored in table
func (d *DuckDBSink) LatestDate(ctx context.Context, table models.Table) (time.Time, error) {
	column := table.Columns()[15]
	query := fmt.Sprintf("SELECT MAX(%s) FROM %s", column, table.Name)

	var latest sql.NullString
	if err := d.db.QueryRowContext(ctx, query).Scan(&latest); err != nil {
		return time.Time{}, NewQueryError(table.Name, query, err)
	}
	if !latest.Valid || latest.String == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(models.DateTimeLayout, latest.String, time.UTC)
	if err != nil {
		return time.Time{}, NewQueryError(table.Name, query, err)
	}
	return t, nil
}

// Count returns the number of rows in table
func (d *DuckDBSink) Count(ctx context.Context, table models.Table) (int64, error) {
	query := "SELECT COUNT(*) FROM " + table.Name
	var n int64
	if err := d.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, NewQueryError(table.Name, query, err)
	}
	return n, nil
}

// DB exposes the underlying database
func (d *DuckDBSink) DB() *sql.DB {
	return d.db
}

// HealthCheck performs a lightweight query
func (d *DuckDBSink) HealthCheck(ctx context.Context) error {
	d.mu.RLock()
	db := d.db
	d.mu.RUnlock()

	if db == nil {
		return NewStorageError("health_check", "", "", fmt.Errorf("database connection is closed"))
	}
	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return NewStorageError("health_check", "", "SELECT 1", err)
	}
	return nil
}

// Close closes the database
func (d *DuckDBSink) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db != nil {
		if err := d.db.Close(); err != nil {
			return NewStorageError("close", "", "", fmt.Errorf("failed to close database: %w", err))
		}
		d.db = nil
	}
	return nil
}

func duckdbValues(r models.StorageRow) []any {
	values := r.Values()
	for i, v := range values {
		if dec, ok := v.(decimal.Decimal); ok {
			values[i] = dec.String()
		}
	}
	return values
}

var (
	_ Sink             = (*DuckDBSink)(nil)
	_ TableCreator     = (*DuckDBSink)(nil)
	_ LatestDateReader = (*DuckDBSink)(nil)
	_ HealthChecker    = (*DuckDBSink)(nil)
)
