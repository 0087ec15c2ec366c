package warehouse

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/johnayoung/go-candle-pipeline/internal/logger"
	"github.com/johnayoung/go-candle-pipeline/internal/models"
)

// insertChunk bounds the rows of one multi-row INSERT
const insertChunk = 200

// Bar is one row of a candle series as read for indicator computation
type Bar struct {
	ID        string  `db:"id"`
	Date      string  `db:"dt"`
	Open      float64 `db:"open"`
	High      float64 `db:"high"`
	Low       float64 `db:"low"`
	Close     float64 `db:"close"`
	Volume    float64 `db:"volume"`
	CloseTime int64   `db:"close_time"`
}

// MartWriter reads candle series from the warehouse and overwrites mart tables
type MartWriter struct {
	db      *sqlx.DB
	dialect Dialect
	logger  *slog.Logger
}

// NewMartWriter creates a mart writer on db
func NewMartWriter(db *sqlx.DB, dialect Dialect, log *slog.Logger) *MartWriter {
	if log == nil {
		log = slog.Default()
	}
	return &MartWriter{db: db, dialect: dialect, logger: log.With("component", "mart")}
}

// Assets lists the distinct asset ids present in source
func (m *MartWriter) Assets(ctx context.Context, source string) ([]string, error) {
	var ids []string
	query := fmt.Sprintf("SELECT DISTINCT id FROM %s ORDER BY id", source)
	if err := m.db.SelectContext(ctx, &ids, query); err != nil {
		return nil, fmt.Errorf("failed to list assets in %s: %w", source, err)
	}
	return ids, nil
}

// LoadSeries returns the candles of asset in source ordered by closeTime.
// table names the date column to read; volume is the quote quantity.
func (m *MartWriter) LoadSeries(ctx context.Context, source string, table models.Table, asset string) ([]Bar, error) {
	dateColumn := table.Columns()[15]
	query := m.db.Rebind(fmt.Sprintf(
		"SELECT id, CAST(%s AS VARCHAR) AS dt, open, high, low, close, quantity AS volume, closeTime AS close_time FROM %s WHERE id = ? ORDER BY closeTime",
		dateColumn, source))

	var bars []Bar
	if err := m.db.SelectContext(ctx, &bars, query, asset); err != nil {
		return nil, fmt.Errorf("failed to load %s series from %s: %w", asset, source, err)
	}
	return bars, nil
}

// Overwrite replaces the contents of table with rows. On engines with
// transactions the delete and the inserts commit together.
func (m *MartWriter) Overwrite(ctx context.Context, table string, columns []string, rows [][]any) (int, error) {
	log := logger.FromContext(ctx, m.logger)

	if !m.dialect.Transactions {
		n, err := overwrite(ctx, m.db, m.db.Rebind, table, columns, rows)
		if err != nil {
			return 0, err
		}
		log.Info("mart table overwritten", "table", table, "rows", n)
		return n, nil
	}

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin overwrite of %s: %w", table, err)
	}
	defer tx.Rollback()

	n, err := overwrite(ctx, tx, tx.Rebind, table, columns, rows)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit overwrite of %s: %w", table, err)
	}

	log.Info("mart table overwritten", "table", table, "rows", n)
	return n, nil
}

func overwrite(ctx context.Context, db Execer, rebind func(string) string, table string, columns []string, rows [][]any) (int, error) {
	if _, err := db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
		return 0, fmt.Errorf("failed to clear %s: %w", table, err)
	}

	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	written := 0
	for start := 0; start < len(rows); start += insertChunk {
		end := min(start+insertChunk, len(rows))
		chunk := rows[start:end]

		values := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)*len(columns))
		for i, row := range chunk {
			if len(row) != len(columns) {
				return written, fmt.Errorf("row %d of %s has %d values, want %d", start+i, table, len(row), len(columns))
			}
			values[i] = placeholders
			args = append(args, row...)
		}

		query := rebind(fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
			table, strings.Join(columns, ", "), strings.Join(values, ", ")))
		if _, err := db.ExecContext(ctx, query, args...); err != nil {
			return written, fmt.Errorf("failed to insert rows %d-%d into %s: %w", start, end, table, err)
		}
		written += len(chunk)
	}
	return written, nil
}
