package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"github.com/johnayoung/go-candle-pipeline/internal/config"
	"github.com/johnayoung/go-candle-pipeline/internal/models"
	"github.com/shopspring/decimal"
	"gopkg.in/inf.v0"
)

const defaultCassandraTimeout = 10 * time.Second

// CassandraSink writes rows to a Cassandra keyspace, one unlogged batch per
// InsertBatch call.
type CassandraSink struct {
	session  *gocql.Session
	keyspace string
	logger   *slog.Logger
}

// NewCassandraSink connects to the cluster described by cfg
func NewCassandraSink(cfg config.CassandraConfig, logger *slog.Logger) (*CassandraSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Hosts) == 0 {
		return nil, NewStorageError("open", "", "", fmt.Errorf("no cassandra hosts configured"))
	}

	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Timeout = config.ParseDurationOr(cfg.Timeout, defaultCassandraTimeout)
	cluster.ConnectTimeout = cluster.Timeout
	if cfg.Consistency != "" {
		consistency, err := gocql.ParseConsistencyWrapper(cfg.Consistency)
		if err != nil {
			return nil, NewStorageError("open", "", "", fmt.Errorf("invalid consistency: %w", err))
		}
		cluster.Consistency = consistency
	}
	if cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to connect to cassandra %v: %w", cfg.Hosts, err))
	}

	logger.Info("connected to cassandra", "hosts", cfg.Hosts, "keyspace", cfg.Keyspace)
	return &CassandraSink{session: session, keyspace: cfg.Keyspace, logger: logger}, nil
}

// InsertBatch writes rows with one parameterized INSERT per row inside an
// unlogged batch.
func (c *CassandraSink) InsertBatch(ctx context.Context, table models.Table, rows []models.StorageRow) error {
	if len(rows) == 0 {
		return nil
	}

	stmt := InsertStatement(table, "?")
	batch := c.session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	for _, r := range rows {
		batch.Query(stmt, cassandraValues(r)...)
	}

	if err := c.session.ExecuteBatch(batch); err != nil {
		return NewStorageError("insert", table.Name, stmt, err)
	}
	return nil
}

// CreateTable creates the destination table when it does not exist
func (c *CassandraSink) CreateTable(ctx context.Context, table models.Table) error {
	stmt := cassandraCreateTable(table)
	if err := c.session.Query(stmt).WithContext(ctx).Exec(); err != nil {
		return NewStorageError("create_table", table.Name, stmt, err)
	}
	c.logger.Info("table ready", "keyspace", c.keyspace, "table", table.Name)
	return nil
}

// LatestDate returns the newest business date stored in table
func (c *CassandraSink) LatestDate(ctx context.Context, table models.Table) (time.Time, error) {
	column := table.Columns()[15]
	stmt := fmt.Sprintf("SELECT MAX(%s) FROM %s", column, table.Name)

	var latest string
	if err := c.session.Query(stmt).WithContext(ctx).Scan(&latest); err != nil {
		if err == gocql.ErrNotFound {
			return time.Time{}, nil
		}
		return time.Time{}, NewQueryError(table.Name, stmt, err)
	}
	if latest == "" {
		return time.Time{}, nil
	}

	t, err := time.ParseInLocation(models.DateTimeLayout, latest, time.UTC)
	if err != nil {
		return time.Time{}, NewQueryError(table.Name, stmt, fmt.Errorf("unexpected %s value %q: %w", column, latest, err))
	}
	return t, nil
}

// HealthCheck queries the server release version
func (c *CassandraSink) HealthCheck(ctx context.Context) error {
	var version string
	if err := c.session.Query("SELECT release_version FROM system.local").WithContext(ctx).Scan(&version); err != nil {
		return NewStorageError("health_check", "system.local", "", err)
	}
	return nil
}

// Close closes the session
func (c *CassandraSink) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return nil
}

// InsertStatement builds the INSERT for table with placeholder as the bind
// marker of every column.
func InsertStatement(table models.Table, placeholder string) string {
	cols := table.Columns()
	marks := make([]string, len(cols))
	for i := range marks {
		if placeholder == "$" {
			marks[i] = fmt.Sprintf("$%d", i+1)
		} else {
			marks[i] = placeholder
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table.Name, strings.Join(cols, ","), strings.Join(marks, ","))
}

func cassandraCreateTable(table models.Table) string {
	cols := table.Columns()
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s text,
	%s decimal, %s decimal, %s decimal, %s decimal,
	%s decimal, %s decimal, %s decimal, %s decimal,
	%s bigint, %s bigint, %s decimal, %s text,
	%s bigint, %s bigint, %s text, %s timestamp,
	PRIMARY KEY ((%s), %s)
) WITH CLUSTERING ORDER BY (%s DESC)`,
		table.Name,
		cols[0], cols[1], cols[2], cols[3], cols[4], cols[5], cols[6], cols[7], cols[8],
		cols[9], cols[10], cols[11], cols[12], cols[13], cols[14], cols[15], cols[16],
		cols[0], cols[13], cols[13])
}

// cassandraValues converts decimals to *inf.Dec, the type gocql marshals to
// the CQL decimal type.
func cassandraValues(r models.StorageRow) []any {
	values := r.Values()
	for i, v := range values {
		if d, ok := v.(decimal.Decimal); ok {
			values[i] = toInfDec(d)
		}
	}
	return values
}

func toInfDec(d decimal.Decimal) *inf.Dec {
	return inf.NewDecBig(d.Coefficient(), inf.Scale(-d.Exponent()))
}

var (
	_ Sink             = (*CassandraSink)(nil)
	_ TableCreator     = (*CassandraSink)(nil)
	_ LatestDateReader = (*CassandraSink)(nil)
	_ HealthChecker    = (*CassandraSink)(nil)
)
