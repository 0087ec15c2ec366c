package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/johnayoung/go-candle-pipeline/internal/models"
)

// Migration represents a single schema change with version and implementation
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, tx *sql.Tx) error
	Down        func(ctx context.Context, tx *sql.Tx) error
}

// MigrationStatus reports which migrations were applied
type MigrationStatus struct {
	CurrentVersion    int
	LatestVersion     int
	PendingMigrations int
	AppliedMigrations []AppliedMigration
}

// AppliedMigration is one row of schema_migrations
type AppliedMigration struct {
	Version       int
	Description   string
	AppliedAt     time.Time
	ExecutionTime time.Duration
}

// MigrationManager applies versioned schema migrations to a SQL database
type MigrationManager struct {
	db         *sql.DB
	logger     *slog.Logger
	migrations []Migration
}

// NewMigrationManager creates a manager for migrations, which must be sorted
// by ascending version.
func NewMigrationManager(db *sql.DB, migrations []Migration, logger *slog.Logger) *MigrationManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &MigrationManager{db: db, logger: logger, migrations: migrations}
}

// Initialize creates the migrations table if it doesn't exist
func (m *MigrationManager) Initialize(ctx context.Context) error {
	createMigrationsTable := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description VARCHAR NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			execution_time BIGINT NOT NULL DEFAULT 0
		)`

	if _, err := m.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// Migrate runs all pending migrations up to the target version
func (m *MigrationManager) Migrate(ctx context.Context, targetVersion int) error {
	if err := m.Initialize(ctx); err != nil {
		return err
	}

	currentVersion, err := m.currentVersion(ctx)
	if err != nil {
		return err
	}
	if currentVersion >= targetVersion {
		m.logger.Debug("schema up to date", "current_version", currentVersion)
		return nil
	}

	applied := 0
	for _, migration := range m.migrations {
		if migration.Version <= currentVersion || migration.Version > targetVersion {
			continue
		}
		if err := m.runMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", migration.Version, err)
		}
		applied++
	}

	m.logger.Info("migrations completed", "from_version", currentVersion, "to_version", targetVersion, "applied", applied)
	return nil
}

// MigrateToLatest runs all available migrations
func (m *MigrationManager) MigrateToLatest(ctx context.Context) error {
	if len(m.migrations) == 0 {
		return nil
	}
	return m.Migrate(ctx, m.migrations[len(m.migrations)-1].Version)
}

// Rollback undoes migrations above targetVersion, newest first
func (m *MigrationManager) Rollback(ctx context.Context, targetVersion int) error {
	currentVersion, err := m.currentVersion(ctx)
	if err != nil {
		return err
	}

	for i := len(m.migrations) - 1; i >= 0; i-- {
		migration := m.migrations[i]
		if migration.Version <= targetVersion || migration.Version > currentVersion {
			continue
		}
		if err := m.rollbackMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to rollback migration %d: %w", migration.Version, err)
		}
	}
	return nil
}

// GetStatus returns the current migration status
func (m *MigrationManager) GetStatus(ctx context.Context) (*MigrationStatus, error) {
	if err := m.Initialize(ctx); err != nil {
		return nil, err
	}
	currentVersion, err := m.currentVersion(ctx)
	if err != nil {
		return nil, err
	}
	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	status := &MigrationStatus{CurrentVersion: currentVersion, AppliedMigrations: applied}
	for _, migration := range m.migrations {
		if migration.Version > status.LatestVersion {
			status.LatestVersion = migration.Version
		}
		if migration.Version > currentVersion {
			status.PendingMigrations++
		}
	}
	return status, nil
}

func (m *MigrationManager) runMigration(ctx context.Context, migration Migration) error {
	start := time.Now()
	m.logger.Info("applying migration", "version", migration.Version, "description", migration.Description)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := migration.Up(ctx, tx); err != nil {
		return fmt.Errorf("migration execution failed: %w", err)
	}

	insertQuery := `
		INSERT INTO schema_migrations (version, description, applied_at, execution_time)
		VALUES ($1, $2, $3, $4)`
	if _, err := tx.ExecContext(ctx, insertQuery,
		migration.Version,
		migration.Description,
		start,
		time.Since(start).Nanoseconds()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

func (m *MigrationManager) rollbackMigration(ctx context.Context, migration Migration) error {
	if migration.Down == nil {
		return fmt.Errorf("migration %d has no rollback function", migration.Version)
	}
	m.logger.Info("rolling back migration", "version", migration.Version, "description", migration.Description)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start rollback transaction: %w", err)
	}
	defer tx.Rollback()

	if err := migration.Down(ctx, tx); err != nil {
		return fmt.Errorf("rollback execution failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = $1", migration.Version); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}
	return tx.Commit()
}

func (m *MigrationManager) currentVersion(ctx context.Context) (int, error) {
	var version int
	if err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

func (m *MigrationManager) appliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT version, description, applied_at, execution_time
		FROM schema_migrations
		ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	var migrations []AppliedMigration
	for rows.Next() {
		var (
			migration     AppliedMigration
			executionTime int64
		)
		if err := rows.Scan(&migration.Version, &migration.Description, &migration.AppliedAt, &executionTime); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		migration.ExecutionTime = time.Duration(executionTime)
		migrations = append(migrations, migration)
	}
	return migrations, rows.Err()
}

// CandleMigrations creates the candle tables used by the pipelines in a SQL
// database: one migration for the tables and one for their lookup indexes.
func CandleMigrations(tables ...models.Table) []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Candle tables",
			Up: func(ctx context.Context, tx *sql.Tx) error {
				for _, t := range tables {
					if _, err := tx.ExecContext(ctx, sqlCreateTable(t)); err != nil {
						return fmt.Errorf("create %s: %w", t.Name, err)
					}
				}
				return nil
			},
			Down: func(ctx context.Context, tx *sql.Tx) error {
				for _, t := range tables {
					if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+t.Name); err != nil {
						return fmt.Errorf("drop %s: %w", t.Name, err)
					}
				}
				return nil
			},
		},
		{
			Version:     2,
			Description: "Asset and start time indexes",
			Up: func(ctx context.Context, tx *sql.Tx) error {
				for _, t := range tables {
					stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_id_start ON %s (id, startTime)", t.Name, t.Name)
					if _, err := tx.ExecContext(ctx, stmt); err != nil {
						return fmt.Errorf("index %s: %w", t.Name, err)
					}
				}
				return nil
			},
			Down: func(ctx context.Context, tx *sql.Tx) error {
				for _, t := range tables {
					if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP INDEX IF EXISTS idx_%s_id_start", t.Name)); err != nil {
						return fmt.Errorf("drop index %s: %w", t.Name, err)
					}
				}
				return nil
			},
		},
	}
}

// sqlCreateTable keeps decimals as VARCHAR so values round-trip without
// rescaling.
func sqlCreateTable(table models.Table) string {
	types := []string{
		"VARCHAR NOT NULL",
		"VARCHAR", "VARCHAR", "VARCHAR", "VARCHAR",
		"VARCHAR", "VARCHAR", "VARCHAR", "VARCHAR",
		"BIGINT", "BIGINT", "VARCHAR", "VARCHAR",
		"BIGINT NOT NULL", "BIGINT", "VARCHAR", "TIMESTAMP",
	}
	cols := table.Columns()
	defs := make([]string, len(cols))
	for i, c := range cols {
		if c == "interval" {
			c = `"interval"`
		}
		defs[i] = c + " " + types[i]
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", table.Name, strings.Join(defs, ",\n\t"))
}
