package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "candle-pipeline", config.AppName)
	assert.Equal(t, "poloniex", config.Exchange.Type)
	assert.Equal(t, "cassandra", config.Sink.Type)
	assert.Equal(t, 100, config.Sink.BatchSize)
	assert.Equal(t, "crypto", config.Sink.Cassandra.Keyspace)

	minute := config.Pipelines.CandlesMinute
	assert.Len(t, minute.Assets, 13)
	assert.Contains(t, minute.Assets, "TRX_USDD")
	assert.Equal(t, "backward", minute.Mode)
	assert.Equal(t, 4, minute.WindowCount)
	assert.Equal(t, "500m", minute.WindowSpan)
	assert.Equal(t, "10s", minute.Pause)
	assert.Equal(t, "dt", minute.DateColumn)

	day := config.Pipelines.CandlesDay
	assert.Len(t, day.Assets, 11)
	assert.Equal(t, "forward", day.Mode)
	assert.Equal(t, 1000, day.TargetDays)
	assert.Equal(t, "5s", day.Pause)
	assert.Equal(t, 1, day.Retries)
	assert.Equal(t, "dt_create_utc", day.DateColumn)
	assert.True(t, day.RefreshWarehouse)

	check := config.Pipelines.ContainerCheck
	assert.Equal(t, "10 3 * * 1-5", check.Schedule)
	assert.Equal(t, 5, check.Retries)
	assert.Equal(t, "10m", check.RetryDelay)
}

func TestConfigValidation(t *testing.T) {
	cm := NewConfigManager("", slog.Default())

	t.Run("valid config passes validation", func(t *testing.T) {
		assert.NoError(t, cm.validateConfig(DefaultConfig()))
	})

	t.Run("invalid sink type fails", func(t *testing.T) {
		config := DefaultConfig()
		config.Sink.Type = "hbase"
		err := cm.validateConfig(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sink.type must be one of")
	})

	t.Run("invalid batch size fails", func(t *testing.T) {
		config := DefaultConfig()
		config.Sink.BatchSize = 0
		err := cm.validateConfig(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sink.batch_size must be greater than 0")
	})

	t.Run("cassandra sink requires keyspace", func(t *testing.T) {
		config := DefaultConfig()
		config.Sink.Cassandra.Keyspace = ""
		err := cm.validateConfig(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sink.cassandra.keyspace is required")
	})

	t.Run("backward pipeline needs a window count", func(t *testing.T) {
		config := DefaultConfig()
		config.Pipelines.CandlesMinute.WindowCount = 0
		err := cm.validateConfig(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pipelines.candles_minute.window_count must be greater than 0")
	})

	t.Run("forward pipeline needs target days", func(t *testing.T) {
		config := DefaultConfig()
		config.Pipelines.CandlesDay.TargetDays = 0
		err := cm.validateConfig(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pipelines.candles_day.target_days must be greater than 0")
	})

	t.Run("disabled pipeline skips content checks", func(t *testing.T) {
		config := DefaultConfig()
		config.Pipelines.CandlesDay.Enabled = false
		config.Pipelines.CandlesDay.Assets = nil
		assert.NoError(t, cm.validateConfig(config))
	})

	t.Run("invalid pause fails", func(t *testing.T) {
		config := DefaultConfig()
		config.Pipelines.CandlesMinute.Pause = "soon"
		err := cm.validateConfig(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pipelines.candles_minute.pause must be a non-negative duration")
	})

	t.Run("webhook notifier requires url", func(t *testing.T) {
		config := DefaultConfig()
		config.Notify.Type = "log,webhook"
		err := cm.validateConfig(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "notify.webhook_url is required")
	})

	t.Run("unknown timezone fails", func(t *testing.T) {
		config := DefaultConfig()
		config.Notify.Timezone = "Mars/Olympus"
		err := cm.validateConfig(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "notify.timezone is not a valid location")
	})

	t.Run("multiple errors are reported together", func(t *testing.T) {
		config := DefaultConfig()
		config.Logging.Level = "verbose"
		config.Logging.Format = "xml"
		config.Warehouse.Driver = "oracle"
		err := cm.validateConfig(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logging.level must be one of")
		assert.Contains(t, err.Error(), "logging.format must be one of")
		assert.Contains(t, err.Error(), "warehouse.driver must be one of")
	})
}

func TestLoadConfigFromFile(t *testing.T) {
	tempDir := t.TempDir()

	t.Run("json file overrides defaults", func(t *testing.T) {
		path := filepath.Join(tempDir, "config.json")
		content := `{
			"sink": {"type": "duckdb", "batch_size": 50, "duckdb": {"path": "/tmp/c.db"}},
			"pipelines": {"candles_minute": {"assets": ["BTC_USDT"], "pause": "7s"}}
		}`
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		cm := NewConfigManager(path, slog.Default())
		config, err := cm.LoadConfig(context.Background())
		require.NoError(t, err)

		assert.Equal(t, "duckdb", config.Sink.Type)
		assert.Equal(t, 50, config.Sink.BatchSize)
		assert.Equal(t, []string{"BTC_USDT"}, config.Pipelines.CandlesMinute.Assets)
		assert.Equal(t, "7s", config.Pipelines.CandlesMinute.Pause)
		assert.Equal(t, 4, config.Pipelines.CandlesMinute.WindowCount)
		assert.Equal(t, path, config.ConfigPath)
	})

	t.Run("yaml file overrides defaults", func(t *testing.T) {
		path := filepath.Join(tempDir, "config.yaml")
		content := `
sink:
  type: kafka
  kafka:
    brokers: ["localhost:9092"]
    topic: candles
pipelines:
  candles_day:
    target_days: 90
    retries: 2
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		cm := NewConfigManager(path, slog.Default())
		config, err := cm.LoadConfig(context.Background())
		require.NoError(t, err)

		assert.Equal(t, "kafka", config.Sink.Type)
		assert.Equal(t, []string{"localhost:9092"}, config.Sink.Kafka.Brokers)
		assert.Equal(t, 90, config.Pipelines.CandlesDay.TargetDays)
		assert.Equal(t, 2, config.Pipelines.CandlesDay.Retries)
		assert.Equal(t, "DAY_1", config.Pipelines.CandlesDay.Interval)
	})

	t.Run("missing file falls back to defaults", func(t *testing.T) {
		cm := NewConfigManager(filepath.Join(tempDir, "absent.json"), slog.Default())
		config, err := cm.LoadConfig(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "cassandra", config.Sink.Type)
	})

	t.Run("malformed file fails", func(t *testing.T) {
		path := filepath.Join(tempDir, "broken.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

		cm := NewConfigManager(path, slog.Default())
		_, err := cm.LoadConfig(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse config file")
	})
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Run("environment overrides file values", func(t *testing.T) {
		t.Setenv("CANDLES_SINK_TYPE", "memory")
		t.Setenv("CANDLES_SINK_BATCH_SIZE", "25")
		t.Setenv("CANDLES_MINUTE_ASSETS", "BTC_USDT, ETH_USDT ,")
		t.Setenv("CANDLES_DAY_TARGET_DAYS", "30")

		cm := NewConfigManager("", slog.Default())
		config, err := cm.LoadConfig(context.Background())
		require.NoError(t, err)

		assert.Equal(t, "memory", config.Sink.Type)
		assert.Equal(t, 25, config.Sink.BatchSize)
		assert.Equal(t, []string{"BTC_USDT", "ETH_USDT"}, config.Pipelines.CandlesMinute.Assets)
		assert.Equal(t, 30, config.Pipelines.CandlesDay.TargetDays)
	})

	t.Run("non numeric value fails", func(t *testing.T) {
		t.Setenv("CANDLES_SINK_BATCH_SIZE", "lots")

		cm := NewConfigManager("", slog.Default())
		_, err := cm.LoadConfig(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "CANDLES_SINK_BATCH_SIZE")
	})

	t.Run("dotenv file is loaded", func(t *testing.T) {
		envPath := filepath.Join(t.TempDir(), ".env")
		require.NoError(t, os.WriteFile(envPath, []byte("CANDLES_KAFKA_TOPIC=from-dotenv\n"), 0644))
		t.Cleanup(func() { os.Unsetenv("CANDLES_KAFKA_TOPIC") })

		cm := NewConfigManager("", slog.Default(), envPath)
		config, err := cm.LoadConfig(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "from-dotenv", config.Sink.Kafka.Topic)
	})
}

func TestSaveConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cm := NewConfigManager(path, slog.Default())

	_, err := cm.LoadConfig(context.Background())
	require.NoError(t, err)
	require.NoError(t, cm.SaveConfig(context.Background()))

	reloaded, err := NewConfigManager(path, slog.Default()).LoadConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cm.GetConfig().Pipelines.CandlesDay.Assets, reloaded.Pipelines.CandlesDay.Assets)
	assert.Equal(t, cm.GetConfig().Sink.BatchSize, reloaded.Sink.BatchSize)
}

func TestConfigStringRedactsSecrets(t *testing.T) {
	config := DefaultConfig()
	config.Sink.Cassandra.Password = "hunter2"
	config.Notify.WebhookToken = "line-token"
	config.Warehouse.DSN = "postgres://etl:s3cret@db:5432/dwh"

	out := config.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "line-token")
	assert.NotContains(t, out, "s3cret")
	assert.Contains(t, out, "postgres://etl:[REDACTED]@db:5432/dwh")
}

func TestParseDurationOr(t *testing.T) {
	assert.Equal(t, 5*time.Minute, ParseDurationOr("5m", time.Second))
	assert.Equal(t, time.Second, ParseDurationOr("", time.Second))
	assert.Equal(t, time.Second, ParseDurationOr("bogus", time.Second))
}
