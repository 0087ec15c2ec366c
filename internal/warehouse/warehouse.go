// Package warehouse maintains the analytical copies of the candle tables. The
// raw sink table is copied into a partitioned warehouse table with a full
// refresh, and the indicator mart is read from and written to through the
// same SQL connection.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/johnayoung/go-candle-pipeline/internal/config"
	apperrors "github.com/johnayoung/go-candle-pipeline/internal/errors"
	"github.com/johnayoung/go-candle-pipeline/internal/logger"
	"github.com/johnayoung/go-candle-pipeline/internal/metrics"
	"github.com/johnayoung/go-candle-pipeline/internal/models"

	_ "github.com/lib/pq"
	_ "github.com/marcboeker/go-duckdb/v2"
	_ "github.com/trinodb/trino-go-client/trino"
)

// Dialect captures the SQL differences between the supported warehouses
type Dialect struct {
	Driver string
	// DatePart renders an expression extracting part ("year", "month" or
	// "day") from a column holding seconds since epoch.
	DatePart func(part, column string) string
	// Transactions is false for engines whose driver cannot begin one.
	Transactions bool
}

var dialects = map[string]Dialect{
	"trino": {
		Driver: "trino",
		DatePart: func(part, column string) string {
			return fmt.Sprintf("%s(from_unixtime(%s))", part, column)
		},
	},
	"postgres": {
		Driver: "postgres",
		DatePart: func(part, column string) string {
			return fmt.Sprintf("CAST(EXTRACT(%s FROM to_timestamp(%s)) AS INTEGER)", strings.ToUpper(part), column)
		},
		Transactions: true,
	},
	"duckdb": {
		Driver: "duckdb",
		DatePart: func(part, column string) string {
			return fmt.Sprintf("%s(epoch_ms(%s * 1000))", part, column)
		},
		Transactions: true,
	},
}

// DialectFor returns the dialect registered for driver
func DialectFor(driver string) (Dialect, error) {
	d, ok := dialects[strings.ToLower(driver)]
	if !ok {
		return Dialect{}, fmt.Errorf("%w: unsupported warehouse driver %q", apperrors.ErrConfiguration, driver)
	}
	return d, nil
}

// Open connects to the warehouse described by cfg and verifies the connection
func Open(ctx context.Context, cfg config.WarehouseConfig) (*sqlx.DB, Dialect, error) {
	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, Dialect{}, err
	}

	db, err := sqlx.Open(dialect.Driver, cfg.DSN)
	if err != nil {
		return nil, Dialect{}, fmt.Errorf("failed to open %s warehouse: %w", dialect.Driver, err)
	}
	if dialect.Driver == "duckdb" {
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, Dialect{}, fmt.Errorf("failed to reach %s warehouse: %w", dialect.Driver, err)
	}
	return db, dialect, nil
}

// Execer is the part of *sqlx.DB the refresher needs
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// RefreshSpec names the tables of a full refresh
type RefreshSpec struct {
	Source string
	Target string
	// Table supplies the column list of the source table
	Table models.Table
	// PartitionColumn is the epoch-seconds column year/month/day derive from.
	// Defaults to closeTime.
	PartitionColumn string
}

// RefreshResult summarizes a completed refresh
type RefreshResult struct {
	Statements int
	// Inserted is -1 when the driver does not report affected rows
	Inserted int64
	Duration time.Duration
}

// Refresher replaces the contents of a warehouse table with its source
type Refresher struct {
	db      Execer
	dialect Dialect
	logger  *slog.Logger
	metrics *metrics.Registry
}

// NewRefresher creates a refresher issuing statements through db
func NewRefresher(db Execer, dialect Dialect, log *slog.Logger, reg *metrics.Registry) *Refresher {
	if log == nil {
		log = slog.Default()
	}
	return &Refresher{
		db:      db,
		dialect: dialect,
		logger:  log.With("component", "warehouse"),
		metrics: reg,
	}
}

// FullRefresh deletes every row of the target and re-inserts the whole source.
// The statements run in order; the first failure aborts the refresh and leaves
// the target empty or partially loaded until the next run.
func (r *Refresher) FullRefresh(ctx context.Context, spec RefreshSpec) (*RefreshResult, error) {
	if spec.Source == "" || spec.Target == "" {
		return nil, fmt.Errorf("%w: refresh needs both source and target tables", apperrors.ErrConfiguration)
	}

	log := logger.FromContext(ctx, r.logger)
	start := time.Now()
	result := &RefreshResult{Inserted: -1}

	for i, query := range RefreshStatements(r.dialect, spec) {
		log.Info("running warehouse statement", "target", spec.Target, "query", query)

		res, err := r.db.ExecContext(ctx, query)
		if err != nil {
			return nil, apperrors.WrapError(err, "warehouse", "full_refresh",
				fmt.Sprintf("statement %d on %s failed", i+1, spec.Target))
		}
		result.Statements++

		if i == 1 && res != nil {
			if n, err := res.RowsAffected(); err == nil {
				result.Inserted = n
			}
		}
	}

	result.Duration = time.Since(start)
	r.metrics.Add(metrics.WarehouseRefreshes, 1)
	log.Info("warehouse refresh completed",
		"source", spec.Source,
		"target", spec.Target,
		"inserted", result.Inserted,
		"duration", result.Duration)
	return result, nil
}

// RefreshStatements returns the DELETE and INSERT ... SELECT pair of a full
// refresh. The source "interval" column (quoted, it is a keyword) lands in
// "interval_type"; year, month and day are derived from the partition column.
func RefreshStatements(d Dialect, spec RefreshSpec) []string {
	partition := spec.PartitionColumn
	if partition == "" {
		partition = "closeTime"
	}

	source := spec.Table.Columns()
	target := make([]string, len(source))
	selects := make([]string, len(source), len(source)+3)
	for i, col := range source {
		target[i], selects[i] = col, col
		if col == "interval" {
			target[i], selects[i] = "interval_type", `"interval"`
		}
	}
	target = append(target, "year", "month", "day")

	for _, part := range []string{"year", "month", "day"} {
		selects = append(selects, d.DatePart(part, partition))
	}

	return []string{
		"DELETE FROM " + spec.Target,
		fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
			spec.Target,
			strings.Join(target, ","),
			strings.Join(selects, ", "),
			spec.Source),
	}
}
