// Package config provides centralized configuration for the candle pipelines.
// Configuration is layered: defaults, then a JSON or YAML file, then a .env file,
// then process environment variables. The merged result is validated as a whole
// so that every problem is reported at once.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable the loader reads.
const EnvPrefix = "CANDLES_"

// AppConfig represents the complete application configuration
type AppConfig struct {
	AppName    string `json:"app_name" yaml:"app_name"`
	Version    string `json:"version" yaml:"version"`
	ConfigPath string `json:"-" yaml:"-"`

	Exchange    ExchangeConfig    `json:"exchange" yaml:"exchange"`
	Pipelines   PipelinesConfig   `json:"pipelines" yaml:"pipelines"`
	Sink        SinkConfig        `json:"sink" yaml:"sink"`
	Warehouse   WarehouseConfig   `json:"warehouse" yaml:"warehouse"`
	Notify      NotifyConfig      `json:"notify" yaml:"notify"`
	HealthCheck HealthCheckConfig `json:"healthcheck" yaml:"healthcheck"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
	Metrics     MetricsConfig     `json:"metrics" yaml:"metrics"`
}

// ExchangeConfig configures the upstream candle API
type ExchangeConfig struct {
	Type        string            `json:"type" yaml:"type"`             // "poloniex"
	BaseURL     string            `json:"base_url" yaml:"base_url"`     // API root
	RateLimit   int               `json:"rate_limit" yaml:"rate_limit"` // Requests per second
	Timeout     string            `json:"timeout" yaml:"timeout"`       // HTTP request timeout
	RetryPolicy RetryPolicyConfig `json:"retry_policy" yaml:"retry_policy"`
}

// RetryPolicyConfig configures transport-level retry behavior
type RetryPolicyConfig struct {
	MaxAttempts  int    `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay string `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay     string `json:"max_delay" yaml:"max_delay"`
}

// PipelinesConfig groups the pipelines the binary knows how to run
type PipelinesConfig struct {
	CandlesMinute  CandlePipelineConfig `json:"candles_minute" yaml:"candles_minute"`
	CandlesDay     CandlePipelineConfig `json:"candles_day" yaml:"candles_day"`
	Indicators     IndicatorsConfig     `json:"indicators" yaml:"indicators"`
	ContainerCheck TaskPolicyConfig     `json:"container_check" yaml:"container_check"`
	Refresh        TaskPolicyConfig     `json:"warehouse_refresh" yaml:"warehouse_refresh"`
}

// TaskPolicyConfig holds the scheduling and retry knobs shared by every pipeline
type TaskPolicyConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	Schedule   string   `json:"schedule" yaml:"schedule"` // cron expression, empty for manual runs
	Tags       []string `json:"tags" yaml:"tags"`
	Retries    int      `json:"retries" yaml:"retries"`
	RetryDelay string   `json:"retry_delay" yaml:"retry_delay"`
	Timeout    string   `json:"timeout" yaml:"timeout"`
}

// CandlePipelineConfig configures a fetch -> normalize -> insert pipeline
type CandlePipelineConfig struct {
	TaskPolicyConfig `yaml:",inline"`

	Assets      []string `json:"assets" yaml:"assets"`
	Interval    string   `json:"interval" yaml:"interval"`         // MINUTE_1, DAY_1, ...
	Mode        string   `json:"mode" yaml:"mode"`                 // "backward" or "forward"
	WindowSpan  string   `json:"window_span" yaml:"window_span"`   // duration of one fetch window
	WindowCount int      `json:"window_count" yaml:"window_count"` // backward mode only
	TargetDays  int      `json:"target_days" yaml:"target_days"`   // forward mode only
	Pause       string   `json:"pause" yaml:"pause"`               // minimum pause after each upstream call
	Table       string   `json:"table" yaml:"table"`
	DateColumn  string   `json:"date_column" yaml:"date_column"`
	// RefreshWarehouse appends a full warehouse refresh task to the pipeline.
	RefreshWarehouse bool `json:"refresh_warehouse" yaml:"refresh_warehouse"`
}

// IndicatorsConfig configures the indicator mart build
type IndicatorsConfig struct {
	TaskPolicyConfig `yaml:",inline"`

	SourceTable string  `json:"source_table" yaml:"source_table"`
	TargetTable string  `json:"target_table" yaml:"target_table"`
	NMultiple   float64 `json:"n_multiple" yaml:"n_multiple"`
}

// SinkConfig configures where normalized rows are written
type SinkConfig struct {
	Type       string           `json:"type" yaml:"type"` // "cassandra", "duckdb", "clickhouse", "kafka", "memory"
	BatchSize  int              `json:"batch_size" yaml:"batch_size"`
	Cassandra  CassandraConfig  `json:"cassandra" yaml:"cassandra"`
	DuckDB     DuckDBConfig     `json:"duckdb" yaml:"duckdb"`
	ClickHouse ClickHouseConfig `json:"clickhouse" yaml:"clickhouse"`
	Kafka      KafkaConfig      `json:"kafka" yaml:"kafka"`
}

// CassandraConfig configures the wide-column sink
type CassandraConfig struct {
	Hosts       []string `json:"hosts" yaml:"hosts"`
	Keyspace    string   `json:"keyspace" yaml:"keyspace"`
	Username    string   `json:"username" yaml:"username"`
	Password    string   `json:"password" yaml:"password"`
	Consistency string   `json:"consistency" yaml:"consistency"`
	Timeout     string   `json:"timeout" yaml:"timeout"`
}

// DuckDBConfig configures the local columnar sink
type DuckDBConfig struct {
	Path string `json:"path" yaml:"path"`
}

// ClickHouseConfig configures the ClickHouse sink
type ClickHouseConfig struct {
	Addr     []string `json:"addr" yaml:"addr"`
	Database string   `json:"database" yaml:"database"`
	Username string   `json:"username" yaml:"username"`
	Password string   `json:"password" yaml:"password"`
}

// KafkaConfig configures the row stream sink
type KafkaConfig struct {
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

// WarehouseConfig configures the analytical warehouse connection
type WarehouseConfig struct {
	Driver      string `json:"driver" yaml:"driver"` // "trino", "postgres", "duckdb"
	DSN         string `json:"dsn" yaml:"dsn"`
	SourceTable string `json:"source_table" yaml:"source_table"`
	TargetTable string `json:"target_table" yaml:"target_table"`
}

// NotifyConfig configures the alert channel
type NotifyConfig struct {
	Type         string `json:"type" yaml:"type"` // comma separated list of "log", "webhook", "redis"
	Timezone     string `json:"timezone" yaml:"timezone"`
	WebhookURL   string `json:"webhook_url" yaml:"webhook_url"`
	WebhookToken string `json:"webhook_token" yaml:"webhook_token"`
	RedisAddr    string `json:"redis_addr" yaml:"redis_addr"`
	RedisDB      int    `json:"redis_db" yaml:"redis_db"`
	RedisChannel string `json:"redis_channel" yaml:"redis_channel"`
}

// HealthCheckConfig configures the SSH container check
type HealthCheckConfig struct {
	Host           string `json:"host" yaml:"host"`
	Port           int    `json:"port" yaml:"port"`
	User           string `json:"user" yaml:"user"`
	PrivateKeyPath string `json:"private_key_path" yaml:"private_key_path"`
	KnownHostsPath string `json:"known_hosts_path" yaml:"known_hosts_path"`
	Container      string `json:"container" yaml:"container"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `json:"level" yaml:"level"`         // Log level: debug, info, warn, error
	Format        string            `json:"format" yaml:"format"`       // Log format: json, text
	Output        string            `json:"output" yaml:"output"`       // Output: stdout, stderr, file
	FilePath      string            `json:"file_path" yaml:"file_path"` // Log file path
	MaxSize       int               `json:"max_size" yaml:"max_size"`   // Maximum log file size in MB
	MaxBackups    int               `json:"max_backups" yaml:"max_backups"`
	MaxAge        int               `json:"max_age" yaml:"max_age"` // Maximum log file age in days
	Compress      bool              `json:"compress" yaml:"compress"`
	ContextFields map[string]string `json:"context_fields" yaml:"context_fields"`
}

// MetricsConfig configures the metrics endpoint of the scheduler daemon
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	config     *AppConfig
	configPath string
	envFiles   []string
	logger     *slog.Logger
}

// NewConfigManager creates a new configuration manager. envFiles are optional
// dotenv files loaded before the environment is read; missing files are ignored.
func NewConfigManager(configPath string, logger *slog.Logger, envFiles ...string) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConfigManager{
		configPath: configPath,
		envFiles:   envFiles,
		logger:     logger,
	}
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables, including values from .env files (highest priority)
// 2. Configuration file (.json, .yaml or .yml)
// 3. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config := DefaultConfig()

	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		config.ConfigPath = cm.configPath
	}

	if err := cm.loadEnvFiles(); err != nil {
		return nil, fmt.Errorf("failed to load env files: %w", err)
	}

	if err := cm.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cm.validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.config = config
	cm.logger.Info("configuration loaded successfully",
		"config_path", cm.configPath,
		"sink_type", config.Sink.Type,
		"exchange_type", config.Exchange.Type,
		"log_level", config.Logging.Level)

	return config, nil
}

// loadFromFile loads configuration from a JSON or YAML file
func (cm *ConfigManager) loadFromFile(config *AppConfig) error {
	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	switch strings.ToLower(filepath.Ext(cm.configPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

// loadEnvFiles populates the process environment from dotenv files without
// overriding variables that are already set.
func (cm *ConfigManager) loadEnvFiles() error {
	for _, path := range cm.envFiles {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
		cm.logger.Debug("loaded env file", "path", path)
	}
	return nil
}

func getEnv(key string) (string, bool) {
	val, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

func getEnvList(key string) ([]string, bool) {
	val, ok := getEnv(key)
	if !ok {
		return nil, false
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, true
}

// loadFromEnv loads configuration from environment variables
func (cm *ConfigManager) loadFromEnv(config *AppConfig) error {
	var errs []string

	setString := func(key string, dst *string) {
		if val, ok := getEnv(key); ok {
			*dst = val
		}
	}
	setInt := func(key string, dst *int) {
		if val, ok := getEnv(key); ok {
			n, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	setBool := func(key string, dst *bool) {
		if val, ok := getEnv(key); ok {
			b, err := strconv.ParseBool(val)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	setList := func(key string, dst *[]string) {
		if val, ok := getEnvList(key); ok {
			*dst = val
		}
	}

	setString("APP_NAME", &config.AppName)

	// Exchange
	setString("EXCHANGE_BASE_URL", &config.Exchange.BaseURL)
	setInt("EXCHANGE_RATE_LIMIT", &config.Exchange.RateLimit)
	setString("EXCHANGE_TIMEOUT", &config.Exchange.Timeout)

	// Pipelines
	setList("MINUTE_ASSETS", &config.Pipelines.CandlesMinute.Assets)
	setString("MINUTE_PAUSE", &config.Pipelines.CandlesMinute.Pause)
	setString("MINUTE_SCHEDULE", &config.Pipelines.CandlesMinute.Schedule)
	setList("DAY_ASSETS", &config.Pipelines.CandlesDay.Assets)
	setString("DAY_PAUSE", &config.Pipelines.CandlesDay.Pause)
	setInt("DAY_TARGET_DAYS", &config.Pipelines.CandlesDay.TargetDays)
	setString("CONTAINER_CHECK_SCHEDULE", &config.Pipelines.ContainerCheck.Schedule)

	// Sink
	setString("SINK_TYPE", &config.Sink.Type)
	setInt("SINK_BATCH_SIZE", &config.Sink.BatchSize)
	setList("CASSANDRA_HOSTS", &config.Sink.Cassandra.Hosts)
	setString("CASSANDRA_KEYSPACE", &config.Sink.Cassandra.Keyspace)
	setString("CASSANDRA_USERNAME", &config.Sink.Cassandra.Username)
	setString("CASSANDRA_PASSWORD", &config.Sink.Cassandra.Password)
	setString("DUCKDB_PATH", &config.Sink.DuckDB.Path)
	setList("CLICKHOUSE_ADDR", &config.Sink.ClickHouse.Addr)
	setString("CLICKHOUSE_DATABASE", &config.Sink.ClickHouse.Database)
	setString("CLICKHOUSE_USERNAME", &config.Sink.ClickHouse.Username)
	setString("CLICKHOUSE_PASSWORD", &config.Sink.ClickHouse.Password)
	setList("KAFKA_BROKERS", &config.Sink.Kafka.Brokers)
	setString("KAFKA_TOPIC", &config.Sink.Kafka.Topic)

	// Warehouse
	setString("WAREHOUSE_DRIVER", &config.Warehouse.Driver)
	setString("WAREHOUSE_DSN", &config.Warehouse.DSN)

	// Notify
	setString("NOTIFY_TYPE", &config.Notify.Type)
	setString("NOTIFY_TIMEZONE", &config.Notify.Timezone)
	setString("NOTIFY_WEBHOOK_URL", &config.Notify.WebhookURL)
	setString("NOTIFY_WEBHOOK_TOKEN", &config.Notify.WebhookToken)
	setString("NOTIFY_REDIS_ADDR", &config.Notify.RedisAddr)
	setInt("NOTIFY_REDIS_DB", &config.Notify.RedisDB)
	setString("NOTIFY_REDIS_CHANNEL", &config.Notify.RedisChannel)

	// Health check
	setString("SSH_HOST", &config.HealthCheck.Host)
	setInt("SSH_PORT", &config.HealthCheck.Port)
	setString("SSH_USER", &config.HealthCheck.User)
	setString("SSH_PRIVATE_KEY", &config.HealthCheck.PrivateKeyPath)
	setString("SSH_KNOWN_HOSTS", &config.HealthCheck.KnownHostsPath)
	setString("SSH_CONTAINER", &config.HealthCheck.Container)

	// Logging
	setString("LOG_LEVEL", &config.Logging.Level)
	setString("LOG_FORMAT", &config.Logging.Format)
	setString("LOG_OUTPUT", &config.Logging.Output)
	setString("LOG_FILE_PATH", &config.Logging.FilePath)

	// Metrics
	setBool("METRICS_ENABLED", &config.Metrics.Enabled)
	setInt("METRICS_PORT", &config.Metrics.Port)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment values:\n- %s", strings.Join(errs, "\n- "))
	}
	return nil
}

// validateConfig validates the complete configuration
func (cm *ConfigManager) validateConfig(config *AppConfig) error {
	var errors []string

	if config.Exchange.BaseURL == "" {
		errors = append(errors, "exchange.base_url is required")
	}
	if config.Exchange.RateLimit <= 0 {
		errors = append(errors, "exchange.rate_limit must be greater than 0")
	}
	if _, err := time.ParseDuration(config.Exchange.Timeout); err != nil {
		errors = append(errors, fmt.Sprintf("exchange.timeout is not a valid duration: %v", err))
	}

	errors = append(errors, validateCandlePipeline("pipelines.candles_minute", config.Pipelines.CandlesMinute)...)
	errors = append(errors, validateCandlePipeline("pipelines.candles_day", config.Pipelines.CandlesDay)...)
	errors = append(errors, validateTaskPolicy("pipelines.indicators", config.Pipelines.Indicators.TaskPolicyConfig)...)
	errors = append(errors, validateTaskPolicy("pipelines.container_check", config.Pipelines.ContainerCheck)...)
	errors = append(errors, validateTaskPolicy("pipelines.warehouse_refresh", config.Pipelines.Refresh)...)

	validSinks := map[string]bool{"cassandra": true, "duckdb": true, "clickhouse": true, "kafka": true, "memory": true}
	if !validSinks[config.Sink.Type] {
		errors = append(errors, "sink.type must be one of: cassandra, duckdb, clickhouse, kafka, memory")
	}
	if config.Sink.BatchSize <= 0 {
		errors = append(errors, "sink.batch_size must be greater than 0")
	}
	switch config.Sink.Type {
	case "cassandra":
		if len(config.Sink.Cassandra.Hosts) == 0 {
			errors = append(errors, "sink.cassandra.hosts is required for the cassandra sink")
		}
		if config.Sink.Cassandra.Keyspace == "" {
			errors = append(errors, "sink.cassandra.keyspace is required for the cassandra sink")
		}
	case "clickhouse":
		if len(config.Sink.ClickHouse.Addr) == 0 {
			errors = append(errors, "sink.clickhouse.addr is required for the clickhouse sink")
		}
	case "kafka":
		if len(config.Sink.Kafka.Brokers) == 0 || config.Sink.Kafka.Topic == "" {
			errors = append(errors, "sink.kafka.brokers and sink.kafka.topic are required for the kafka sink")
		}
	}

	validDrivers := map[string]bool{"trino": true, "postgres": true, "duckdb": true}
	if !validDrivers[config.Warehouse.Driver] {
		errors = append(errors, "warehouse.driver must be one of: trino, postgres, duckdb")
	}

	if _, err := time.LoadLocation(config.Notify.Timezone); err != nil {
		errors = append(errors, fmt.Sprintf("notify.timezone is not a valid location: %v", err))
	}
	for _, kind := range strings.Split(config.Notify.Type, ",") {
		switch strings.TrimSpace(kind) {
		case "log", "":
		case "webhook":
			if config.Notify.WebhookURL == "" {
				errors = append(errors, "notify.webhook_url is required for the webhook notifier")
			}
		case "redis":
			if config.Notify.RedisAddr == "" {
				errors = append(errors, "notify.redis_addr is required for the redis notifier")
			}
		default:
			errors = append(errors, fmt.Sprintf("notify.type contains unknown notifier %q", kind))
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[config.Logging.Level] {
		errors = append(errors, "logging.level must be one of: debug, info, warn, error")
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[config.Logging.Format] {
		errors = append(errors, "logging.format must be one of: json, text")
	}

	if config.Metrics.Enabled {
		if config.Metrics.Port <= 0 || config.Metrics.Port > 65535 {
			errors = append(errors, "metrics.port must be between 1 and 65535")
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

func validateTaskPolicy(name string, p TaskPolicyConfig) []string {
	var errors []string
	if p.Retries < 0 {
		errors = append(errors, name+".retries must not be negative")
	}
	if p.RetryDelay != "" {
		if _, err := time.ParseDuration(p.RetryDelay); err != nil {
			errors = append(errors, fmt.Sprintf("%s.retry_delay is not a valid duration: %v", name, err))
		}
	}
	if p.Timeout != "" {
		if _, err := time.ParseDuration(p.Timeout); err != nil {
			errors = append(errors, fmt.Sprintf("%s.timeout is not a valid duration: %v", name, err))
		}
	}
	return errors
}

func validateCandlePipeline(name string, p CandlePipelineConfig) []string {
	errors := validateTaskPolicy(name, p.TaskPolicyConfig)
	if !p.Enabled {
		return errors
	}

	if len(p.Assets) == 0 {
		errors = append(errors, name+".assets must not be empty")
	}
	if p.Interval == "" {
		errors = append(errors, name+".interval is required")
	}
	if p.Table == "" {
		errors = append(errors, name+".table is required")
	}
	span, err := time.ParseDuration(p.WindowSpan)
	if err != nil || span <= 0 {
		errors = append(errors, name+".window_span must be a positive duration")
	}
	pause, err := time.ParseDuration(p.Pause)
	if err != nil || pause < 0 {
		errors = append(errors, name+".pause must be a non-negative duration")
	}

	switch p.Mode {
	case "backward":
		if p.WindowCount <= 0 {
			errors = append(errors, name+".window_count must be greater than 0 in backward mode")
		}
	case "forward":
		if p.TargetDays <= 0 {
			errors = append(errors, name+".target_days must be greater than 0 in forward mode")
		}
	default:
		errors = append(errors, name+".mode must be one of: backward, forward")
	}
	return errors
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// SaveConfig writes the current configuration to the config file, choosing the
// encoding from the file extension.
func (cm *ConfigManager) SaveConfig(ctx context.Context) error {
	if cm.configPath == "" {
		return fmt.Errorf("no config path specified")
	}
	if cm.config == nil {
		return fmt.Errorf("no configuration loaded")
	}

	if err := os.MkdirAll(filepath.Dir(cm.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(cm.configPath)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cm.config)
	default:
		data, err = json.MarshalIndent(cm.config, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(cm.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	cm.logger.Info("configuration saved", "path", cm.configPath)
	return nil
}

// DefaultConfig returns a configuration that mirrors the production pipelines
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "candle-pipeline",
		Version: "1.0.0",
		Exchange: ExchangeConfig{
			Type:      "poloniex",
			BaseURL:   "https://api.poloniex.com",
			RateLimit: 10,
			Timeout:   "30s",
			RetryPolicy: RetryPolicyConfig{
				MaxAttempts:  3,
				InitialDelay: "1s",
				MaxDelay:     "30s",
			},
		},
		Pipelines: PipelinesConfig{
			CandlesMinute: CandlePipelineConfig{
				TaskPolicyConfig: TaskPolicyConfig{
					Enabled: true,
					Tags:    []string{"D_Load", "crypto"},
				},
				Assets: []string{
					"BTC_USDT", "ETH_USDT", "BNB_USDT", "XRP_USDT", "ADA_USDT",
					"DOGE_USDT", "SOL_USDT", "TRX_USDD", "UNI_USDT", "ATOM_USDT",
					"GMX_USDT", "SHIB_USDT", "MKR_USDT",
				},
				Interval:    "MINUTE_1",
				Mode:        "backward",
				WindowSpan:  "500m",
				WindowCount: 4,
				Pause:       "10s",
				Table:       "candles_minute",
				DateColumn:  "dt",
			},
			CandlesDay: CandlePipelineConfig{
				TaskPolicyConfig: TaskPolicyConfig{
					Enabled:    true,
					Tags:       []string{"onetime", "load", "crypto"},
					Retries:    1,
					RetryDelay: "5m",
				},
				Assets: []string{
					"ADA_USDT", "BCH_USDT", "BNB_USDT", "BTC_USDT", "DOGE_USDT",
					"ETH_USDT", "LTC_USDT", "MKR_USDT", "SHIB_USDT", "TRX_USDT", "XRP_USDT",
				},
				Interval:         "DAY_1",
				Mode:             "forward",
				WindowSpan:       "720h",
				TargetDays:       1000,
				Pause:            "5s",
				Table:            "candles_day",
				DateColumn:       "dt_create_utc",
				RefreshWarehouse: true,
			},
			Indicators: IndicatorsConfig{
				TaskPolicyConfig: TaskPolicyConfig{
					Enabled:    true,
					Tags:       []string{"mart", "crypto"},
					Retries:    1,
					RetryDelay: "5m",
				},
				SourceTable: "hive.crypto_raw.candles_day",
				TargetTable: "hive.crypto_mart.candles_indicator_day",
				NMultiple:   1.0,
			},
			ContainerCheck: TaskPolicyConfig{
				Enabled:    true,
				Schedule:   "10 3 * * 1-5",
				Tags:       []string{"PREP"},
				Retries:    5,
				RetryDelay: "10m",
			},
			Refresh: TaskPolicyConfig{
				Enabled:    true,
				Tags:       []string{"load", "crypto"},
				Retries:    1,
				RetryDelay: "5m",
			},
		},
		Sink: SinkConfig{
			Type:      "cassandra",
			BatchSize: 100,
			Cassandra: CassandraConfig{
				Hosts:       []string{"127.0.0.1"},
				Keyspace:    "crypto",
				Consistency: "quorum",
				Timeout:     "10s",
			},
			DuckDB: DuckDBConfig{Path: "./data/candles.db"},
			ClickHouse: ClickHouseConfig{
				Addr:     []string{"127.0.0.1:9000"},
				Database: "crypto",
			},
			Kafka: KafkaConfig{Topic: "crypto.candles"},
		},
		Warehouse: WarehouseConfig{
			Driver:      "trino",
			DSN:         "http://trino@localhost:8080?catalog=hive&schema=crypto_raw",
			SourceTable: "cassandra.crypto.candles_day",
			TargetTable: "hive.crypto_raw.candles_day",
		},
		Notify: NotifyConfig{
			Type:         "log",
			Timezone:     "Asia/Tokyo",
			RedisChannel: "candles:alerts",
		},
		HealthCheck: HealthCheckConfig{
			Port:      22,
			Container: "airflow-webserver",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
			Compress:   true,
			ContextFields: map[string]string{
				"service": "candle-pipeline",
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// ParseDurationOr parses s, falling back to def when s is empty or invalid
func ParseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// String returns a string representation of the configuration (excluding sensitive data)
func (c *AppConfig) String() string {
	sanitized := *c
	if sanitized.Sink.Cassandra.Password != "" {
		sanitized.Sink.Cassandra.Password = "[REDACTED]"
	}
	if sanitized.Sink.ClickHouse.Password != "" {
		sanitized.Sink.ClickHouse.Password = "[REDACTED]"
	}
	if sanitized.Notify.WebhookToken != "" {
		sanitized.Notify.WebhookToken = "[REDACTED]"
	}
	sanitized.Warehouse.DSN = redactDSN(sanitized.Warehouse.DSN)

	data, _ := json.MarshalIndent(&sanitized, "", "  ")
	return string(data)
}

// redactDSN hides the password portion of user:password@host style DSNs
func redactDSN(dsn string) string {
	at := strings.Index(dsn, "@")
	if at < 0 {
		return dsn
	}
	prefix := dsn[:at]
	colon := strings.LastIndex(prefix, ":")
	scheme := strings.Index(prefix, "://")
	if colon < 0 || colon == scheme {
		return dsn
	}
	return prefix[:colon+1] + "[REDACTED]" + dsn[at:]
}
