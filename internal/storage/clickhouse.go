package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/johnayoung/go-candle-pipeline/internal/config"
	"github.com/johnayoung/go-candle-pipeline/internal/models"
)

// ClickHouseSink writes each batch with one native-protocol batch insert
type ClickHouseSink struct {
	conn   driver.Conn
	logger *slog.Logger
}

// NewClickHouseSink connects to the servers in cfg.Addr
func NewClickHouseSink(ctx context.Context, cfg config.ClickHouseConfig, logger *slog.Logger) (*ClickHouseSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Addr) == 0 {
		return nil, NewStorageError("open", "", "", fmt.Errorf("no clickhouse address configured"))
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open clickhouse: %w", err))
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, NewStorageError("open", "", "", fmt.Errorf("clickhouse ping failed: %w", err))
	}

	logger.Info("connected to clickhouse", "addr", cfg.Addr, "database", cfg.Database)
	return &ClickHouseSink{conn: conn, logger: logger}, nil
}

// InsertBatch appends rows to a prepared batch and sends it
func (c *ClickHouseSink) InsertBatch(ctx context.Context, table models.Table, rows []models.StorageRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := fmt.Sprintf("INSERT INTO %s (%s)", table.Name, strings.Join(table.Columns(), ", "))
	batch, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		return NewStorageError("insert", table.Name, query, fmt.Errorf("prepare batch: %w", err))
	}

	for _, r := range rows {
		if err := batch.Append(r.Values()...); err != nil {
			_ = batch.Abort()
			return NewStorageError("insert", table.Name, query, fmt.Errorf("append row %s@%d: %w", r.ID, r.StartTime, err))
		}
	}
	if err := batch.Send(); err != nil {
		return NewStorageError("insert", table.Name, query, fmt.Errorf("send batch: %w", err))
	}
	return nil
}

// CreateTable creates a MergeTree table ordered by asset and start time
func (c *ClickHouseSink) CreateTable(ctx context.Context, table models.Table) error {
	stmt := clickhouseCreateTable(table)
	if err := c.conn.Exec(ctx, stmt); err != nil {
		return NewStorageError("create_table", table.Name, stmt, err)
	}
	return nil
}

// HealthCheck pings the server
func (c *ClickHouseSink) HealthCheck(ctx context.Context) error {
	if err := c.conn.Ping(ctx); err != nil {
		return NewStorageError("health_check", "", "", err)
	}
	return nil
}

// Close closes the connection
func (c *ClickHouseSink) Close() error {
	return c.conn.Close()
}

func clickhouseCreateTable(table models.Table) string {
	types := []string{
		"String",
		"Decimal(38, 18)", "Decimal(38, 18)", "Decimal(38, 18)", "Decimal(38, 18)",
		"Decimal(38, 18)", "Decimal(38, 18)", "Decimal(38, 18)", "Decimal(38, 18)",
		"Int64", "Int64", "Decimal(38, 18)", "LowCardinality(String)",
		"Int64", "Int64", "String", "DateTime64(3, 'UTC')",
	}
	cols := table.Columns()
	defs := make([]string, len(cols))
	for i, col := range cols {
		defs[i] = fmt.Sprintf("`%s` %s", col, types[i])
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n) ENGINE = MergeTree ORDER BY (`%s`, `%s`)",
		table.Name, strings.Join(defs, ",\n\t"), cols[0], cols[13])
}

var (
	_ Sink          = (*ClickHouseSink)(nil)
	_ TableCreator  = (*ClickHouseSink)(nil)
	_ HealthChecker = (*ClickHouseSink)(nil)
)
