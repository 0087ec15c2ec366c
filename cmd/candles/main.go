// Candle pipeline CLI
// This application runs the crypto candle pipelines: windowed fetches from the
// exchange into the raw sink, warehouse refreshes, the daily indicator mart and
// the scheduler container check. Pipelines run once on demand or on their cron
// schedules under the scheduler daemon.
//
// Usage:
//
//	candles run candles-minute
//	candles run candles-day-backfill
//	candles refresh
//	candles check
//	candles schedule
//	candles list
//
// For detailed help on any command, use: candles <command> --help
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/johnayoung/go-candle-pipeline/internal/config"
	apperrors "github.com/johnayoung/go-candle-pipeline/internal/errors"
	"github.com/johnayoung/go-candle-pipeline/internal/exchange"
	"github.com/johnayoung/go-candle-pipeline/internal/healthcheck"
	"github.com/johnayoung/go-candle-pipeline/internal/logger"
	"github.com/johnayoung/go-candle-pipeline/internal/metrics"
	"github.com/johnayoung/go-candle-pipeline/internal/models"
	"github.com/johnayoung/go-candle-pipeline/internal/notify"
	"github.com/johnayoung/go-candle-pipeline/internal/pipeline"
	"github.com/johnayoung/go-candle-pipeline/internal/scheduler"
	"github.com/johnayoung/go-candle-pipeline/internal/storage"
	"github.com/johnayoung/go-candle-pipeline/internal/warehouse"
)

// CLI version information
const (
	Version    = "1.0.0"
	AppName    = "candles"
	ConfigFile = "candles.yaml"
	EnvFile    = ".env"
)

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
	ExitDataError     = 4
	ExitInterrupt     = 130
)

const shutdownTimeout = 30 * time.Second

// CLI holds the application state shared by the commands
type CLI struct {
	config  *config.AppConfig
	logs    *logger.LoggerManager
	logger  *slog.Logger
	metrics *metrics.Registry
	closers []io.Closer
}

// connectionError marks failures to reach an external system
type connectionError struct{ err error }

func (e connectionError) Error() string { return e.err.Error() }
func (e connectionError) Unwrap() error { return e.err }

func main() {
	configPath, args := splitConfigFlag(os.Args[1:])
	if len(args) < 1 {
		printUsage()
		os.Exit(ExitUsageError)
	}

	command := args[0]
	args = args[1:]

	switch command {
	case "--version", "-v":
		fmt.Printf("%s version %s\n", AppName, Version)
		return
	case "--help", "-h", "help":
		if len(args) > 0 {
			printCommandHelp(args[0])
		} else {
			printUsage()
		}
		return
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cli := &CLI{}
	if err := cli.initialize(ctx, configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to initialize CLI: %v\n", err)
		os.Exit(ExitConfigError)
	}

	var err error
	switch command {
	case "run":
		err = cli.handleRun(ctx, args)
	case "refresh":
		err = cli.handleRun(ctx, append([]string{pipeline.WarehouseRefreshID}, args...))
	case "check":
		err = cli.handleRun(ctx, append([]string{pipeline.ContainerCheckID}, args...))
	case "schedule":
		err = cli.handleSchedule(ctx, args)
	case "list":
		err = cli.handleList(args)
	default:
		fmt.Fprintf(os.Stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage()
		cli.close()
		os.Exit(ExitUsageError)
	}

	code := exitCode(ctx, err)
	if err != nil {
		cli.logger.Error("command failed", "command", command, "error", err, "exit_code", code)
	}
	cli.close()
	os.Exit(code)
}

// splitConfigFlag extracts --config/-c from anywhere in args. Without one the
// CANDLES_CONFIG environment variable, then ConfigFile, is used.
func splitConfigFlag(args []string) (string, []string) {
	path := os.Getenv(config.EnvPrefix + "CONFIG")
	if path == "" {
		path = ConfigFile
	}
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch {
		case (args[i] == "--config" || args[i] == "-c") && i+1 < len(args):
			path = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--config="):
			path = strings.TrimPrefix(args[i], "--config=")
		default:
			rest = append(rest, args[i])
		}
	}
	return path, rest
}

func exitCode(ctx context.Context, err error) int {
	var connErr connectionError
	switch {
	case err == nil:
		return ExitSuccess
	case ctx.Err() != nil:
		return ExitInterrupt
	case errors.Is(err, errUsage):
		return ExitUsageError
	case errors.Is(err, apperrors.ErrConfiguration), errors.Is(err, pipeline.ErrUnknownPipeline):
		return ExitConfigError
	case errors.As(err, &connErr):
		return ExitConnectionErr
	default:
		return ExitDataError
	}
}

var errUsage = errors.New("usage error")

// initialize loads configuration and sets up logging
func (cli *CLI) initialize(ctx context.Context, configPath string) error {
	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := config.NewConfigManager(configPath, bootstrap, EnvFile).LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cli.config = cfg

	logs, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	cli.logs = logs
	cli.logger = logs.GetLogger()
	slog.SetDefault(cli.logger)

	cli.metrics = metrics.NewRegistry()
	return nil
}

func (cli *CLI) close() {
	for i := len(cli.closers) - 1; i >= 0; i-- {
		if err := cli.closers[i].Close(); err != nil {
			cli.logger.Warn("failed to close resource", "error", err)
		}
	}
	cli.closers = nil
	if cli.logs != nil {
		cli.logs.Close()
	}
}

// connect opens every connection the pipelines in ids need
func (cli *CLI) connect(ctx context.Context, ids []string) (pipeline.Deps, error) {
	cfg := cli.config
	deps := pipeline.Deps{
		Metrics: cli.metrics,
		Logger:  cli.logger,
	}

	var needs pipeline.Needs
	for _, id := range ids {
		n, err := pipeline.NeedsFor(cfg, id)
		if err != nil {
			return deps, err
		}
		needs.Exchange = needs.Exchange || n.Exchange
		needs.Sink = needs.Sink || n.Sink
		needs.Warehouse = needs.Warehouse || n.Warehouse
		needs.SSH = needs.SSH || n.SSH
	}

	if needs.Exchange {
		deps.Source = createExchange(cfg.Exchange, cli.logs.GetComponentLogger("exchange"))
	}

	if needs.Sink {
		sink, err := storage.Open(ctx, cfg.Sink, cli.logs.GetComponentLogger("storage"))
		if err != nil {
			return deps, connectionError{fmt.Errorf("failed to open sink: %w", err)}
		}
		cli.closers = append(cli.closers, sink)

		tables := []models.Table{
			{Name: cfg.Pipelines.CandlesMinute.Table, DateColumn: cfg.Pipelines.CandlesMinute.DateColumn},
			{Name: cfg.Pipelines.CandlesDay.Table, DateColumn: cfg.Pipelines.CandlesDay.DateColumn},
		}
		if err := storage.Prepare(ctx, sink, tables...); err != nil {
			return deps, connectionError{fmt.Errorf("failed to prepare sink tables: %w", err)}
		}
		deps.Sink = sink
	}

	if needs.Warehouse {
		db, dialect, err := warehouse.Open(ctx, cfg.Warehouse)
		if err != nil {
			return deps, connectionError{err}
		}
		cli.closers = append(cli.closers, db)
		whLog := cli.logs.GetComponentLogger("warehouse")
		deps.Refresher = warehouse.NewRefresher(db, dialect, whLog, cli.metrics)
		deps.Mart = warehouse.NewMartWriter(db, dialect, whLog)
	}

	if needs.SSH {
		hcLog := cli.logs.GetComponentLogger("healthcheck")
		runner, err := healthcheck.NewSSHRunner(cfg.HealthCheck, hcLog)
		if err != nil {
			return deps, err
		}
		checker, err := healthcheck.NewContainerChecker(runner, cfg.HealthCheck.Container, hcLog)
		if err != nil {
			return deps, err
		}
		deps.Checker = checker
	}

	return deps, nil
}

func createExchange(cfg config.ExchangeConfig, log *slog.Logger) exchange.CandleSource {
	opts := []exchange.PoloniexOption{exchange.WithLogger(log)}
	if cfg.BaseURL != "" {
		opts = append(opts, exchange.WithBaseURL(cfg.BaseURL))
	}
	if cfg.RateLimit > 0 {
		opts = append(opts, exchange.WithRateLimit(cfg.RateLimit))
	}
	if timeout := config.ParseDurationOr(cfg.Timeout, 0); timeout > 0 {
		opts = append(opts, exchange.WithHTTPClient(&http.Client{Timeout: timeout}))
	}
	rp := cfg.RetryPolicy
	if rp.MaxAttempts > 0 {
		opts = append(opts, exchange.WithRetry(rp.MaxAttempts,
			config.ParseDurationOr(rp.InitialDelay, time.Second),
			config.ParseDurationOr(rp.MaxDelay, 30*time.Second)))
	}
	return exchange.NewPoloniexAdapter(opts...)
}

func (cli *CLI) newRunner() (*pipeline.Runner, error) {
	notifier, err := notify.New(cli.config.Notify, cli.logs.GetComponentLogger("notify"))
	if err != nil {
		return nil, err
	}
	if c, ok := notifier.(io.Closer); ok {
		cli.closers = append(cli.closers, c)
	}

	tz := cli.config.Notify.Timezone
	if tz == "" {
		tz = notify.DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: notify timezone %q: %v", apperrors.ErrConfiguration, tz, err)
	}

	return pipeline.NewRunner(notifier,
		pipeline.WithRunnerLogger(cli.logger),
		pipeline.WithRunnerMetrics(cli.metrics),
		pipeline.WithLocation(loc),
	), nil
}

// handleRun runs one pipeline to completion
func (cli *CLI) handleRun(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printCommandHelp("run")
		return fmt.Errorf("%w: pipeline id is required", errUsage)
	}
	if args[0] == "--help" || args[0] == "-h" {
		printCommandHelp("run")
		return nil
	}
	id := args[0]

	policy, err := pipeline.PolicyFor(cli.config, id)
	if err != nil {
		return err
	}
	if !policy.Enabled {
		return fmt.Errorf("%w: pipeline %s is disabled", apperrors.ErrConfiguration, id)
	}

	deps, err := cli.connect(ctx, []string{id})
	if err != nil {
		return err
	}
	catalog, err := pipeline.Build(cli.config, deps)
	if err != nil {
		return err
	}
	p, err := catalog.Get(id)
	if err != nil {
		return err
	}
	runner, err := cli.newRunner()
	if err != nil {
		return err
	}

	report, err := runner.Run(ctx, p)
	if report != nil {
		printReport(report)
	}
	return err
}

// handleSchedule runs the cron daemon until interrupted
func (cli *CLI) handleSchedule(ctx context.Context, args []string) error {
	if len(args) > 0 && (args[0] == "--help" || args[0] == "-h") {
		printCommandHelp("schedule")
		return nil
	}

	var ids []string
	for _, id := range pipeline.IDs() {
		policy, err := pipeline.PolicyFor(cli.config, id)
		if err != nil {
			return err
		}
		if policy.Enabled && policy.Schedule != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return fmt.Errorf("%w: no enabled pipeline has a schedule", apperrors.ErrConfiguration)
	}

	deps, err := cli.connect(ctx, ids)
	if err != nil {
		return err
	}
	catalog, err := pipeline.Build(cli.config, deps)
	if err != nil {
		return err
	}
	runner, err := cli.newRunner()
	if err != nil {
		return err
	}

	sched, err := scheduler.New(runner, catalog.All(), cli.logs.GetComponentLogger("scheduler"))
	if err != nil {
		return err
	}

	server := metrics.NewServer(cli.config.Metrics, cli.metrics, sinkHealth(deps.Sink), cli.logs.GetComponentLogger("metrics"))
	if err := server.Start(); err != nil {
		return err
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}
	for _, e := range sched.Entries() {
		cli.logger.Info("pipeline scheduled", "pipeline", e.PipelineID, "schedule", e.Schedule, "next_run", e.Next)
	}
	fmt.Printf("Scheduler running %d pipelines, press Ctrl+C to stop\n", len(sched.Entries()))

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	stopErr := sched.Stop(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		cli.logger.Warn("metrics server shutdown failed", "error", err)
	}
	return stopErr
}

// sinkHealth reports the sink's health when the sink can check itself
func sinkHealth(sink storage.Sink) metrics.HealthFunc {
	type healthChecker interface {
		HealthCheck(ctx context.Context) error
	}
	return func(ctx context.Context) error {
		if hc, ok := sink.(healthChecker); ok {
			return hc.HealthCheck(ctx)
		}
		return nil
	}
}

// handleList prints the pipelines and their policies
func (cli *CLI) handleList(args []string) error {
	if len(args) > 0 && (args[0] == "--help" || args[0] == "-h") {
		printCommandHelp("list")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PIPELINE\tENABLED\tSCHEDULE\tRETRIES\tRETRY DELAY\tTAGS")
	for _, id := range pipeline.IDs() {
		policy, err := pipeline.PolicyFor(cli.config, id)
		if err != nil {
			return err
		}
		schedule := policy.Schedule
		if schedule == "" {
			schedule = "manual"
		}
		delay := policy.RetryDelay
		if delay == "" {
			delay = "-"
		}
		fmt.Fprintf(w, "%s\t%t\t%s\t%d\t%s\t%s\n",
			id, policy.Enabled, schedule, policy.Retries, delay, strings.Join(policy.Tags, ","))
	}
	return w.Flush()
}

func printReport(r *pipeline.Report) {
	fmt.Printf("Pipeline %s run %s %s in %s\n", r.PipelineID, r.RunID, r.Status, r.Duration().Round(time.Millisecond))
	s := r.State
	if s == nil {
		return
	}
	if s.Fetch != nil {
		fmt.Printf("  fetched:   %d candles in %d calls (%d windows skipped, %d records dropped)\n",
			s.Fetch.Total(), s.Fetch.Calls, len(s.Fetch.Skipped), s.Fetch.Dropped)
	}
	if len(s.Rows) > 0 {
		fmt.Printf("  inserted:  %d rows in %d batches\n", len(s.Rows), s.Batches)
	}
	if s.Refresh != nil {
		fmt.Printf("  warehouse: %d statements, %d rows\n", s.Refresh.Statements, s.Refresh.Inserted)
	}
	if s.MartRows > 0 {
		fmt.Printf("  mart:      %d rows\n", s.MartRows)
	}
	if s.Container != "" {
		fmt.Printf("  container: %s\n", s.Container)
	}
	if r.FailedTask != "" {
		fmt.Printf("  failed:    %s after %d attempts: %v\n", r.FailedTask, r.Attempts[r.FailedTask], r.Err)
	}
}

// printUsage prints the main usage information
func printUsage() {
	fmt.Printf(`%s - Crypto candle pipeline CLI v%s

USAGE:
    %s [--config FILE] <command> [options]

COMMANDS:
    run <pipeline>  Run one pipeline now
    refresh         Run the warehouse full refresh
    check           Check that the scheduler container is running
    schedule        Run scheduled pipelines until interrupted
    list            List pipelines and their schedules

PIPELINES:
    %s

GLOBAL OPTIONS:
    --config, -c   Configuration file (default %s, or $%sCONFIG)
    --help, -h     Show help information
    --version, -v  Show version information

CONFIGURATION:
    Configuration is read from the config file (JSON or YAML), then from
    %s and the environment. Environment variables use the %s prefix,
    e.g. %sSINK_TYPE=duckdb.

For detailed help on any command, use: %s <command> --help
`, AppName, Version, AppName, strings.Join(pipeline.IDs(), "\n    "),
		ConfigFile, config.EnvPrefix, EnvFile, config.EnvPrefix, config.EnvPrefix, AppName)
}

// printCommandHelp prints detailed help for a specific command
func printCommandHelp(command string) {
	switch command {
	case "run":
		fmt.Printf(`%s run - Run one pipeline now

USAGE:
    %s run <pipeline>

The run fails when a task still fails after its retries. A failed run sends
one alert through the configured notifiers.

EXAMPLES:
    %s run candles-minute
    %s run candles-day-backfill
    %s run indicators-day
`, AppName, AppName, AppName, AppName, AppName)
	case "refresh":
		fmt.Printf(`%s refresh - Replace the warehouse candle table with the raw table

USAGE:
    %s refresh
`, AppName, AppName)
	case "check":
		fmt.Printf(`%s check - Check the scheduler container over SSH

USAGE:
    %s check

Fails unless docker reports the container as running.
`, AppName, AppName)
	case "schedule":
		fmt.Printf(`%s schedule - Run the pipelines that have a cron schedule

USAGE:
    %s schedule

Serves metrics and health on the configured metrics port while running.
`, AppName, AppName)
	case "list":
		fmt.Printf(`%s list - List pipelines

USAGE:
    %s list
`, AppName, AppName)
	default:
		fmt.Printf("No help available for command: %s\n", command)
		printUsage()
	}
}
