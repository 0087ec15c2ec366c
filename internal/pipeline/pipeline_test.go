package pipeline

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/johnayoung/go-candle-pipeline/internal/config"
	apperrors "github.com/johnayoung/go-candle-pipeline/internal/errors"
	"github.com/johnayoung/go-candle-pipeline/internal/exchange"
	"github.com/johnayoung/go-candle-pipeline/internal/logger"
	"github.com/johnayoung/go-candle-pipeline/internal/metrics"
	"github.com/johnayoung/go-candle-pipeline/internal/models"
	"github.com/johnayoung/go-candle-pipeline/internal/storage"
	"github.com/johnayoung/go-candle-pipeline/internal/warehouse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

type alert struct {
	pipeline string
	severity apperrors.Severity
	message  string
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []alert
}

func (r *recordingNotifier) Notify(ctx context.Context, pipelineID string, severity apperrors.Severity, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert{pipelineID, severity, message})
	return nil
}

func newTestRunner(n *recordingNotifier, reg *metrics.Registry) *Runner {
	return NewRunner(n,
		WithRunnerLogger(logger.Discard()),
		WithRunnerMetrics(reg),
		WithRunnerClock(fixedClock),
		WithLocation(time.UTC),
	)
}

func TestRunnerRunsTasksInOrder(t *testing.T) {
	var order []string
	step := func(id string) Task {
		return Task{ID: id, Run: func(ctx context.Context, s *State) error {
			assert.NotEmpty(t, s.RunID)
			assert.Equal(t, s.RunID, logger.GetRunID(ctx))
			assert.Equal(t, "ordered", logger.GetPipeline(ctx))
			order = append(order, id)
			return nil
		}}
	}
	p := &Pipeline{ID: "ordered", Tasks: []Task{step("a"), step("b"), step("c")}}

	n := &recordingNotifier{}
	reg := metrics.NewRegistry()
	report, err := newTestRunner(n, reg).Run(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, RunSucceeded, report.Status)
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, report.Attempts)
	assert.Empty(t, n.alerts)
	assert.Equal(t, float64(1), reg.Value(metrics.PipelineRuns))
	assert.Zero(t, reg.Value(metrics.PipelineFailures))
}

func TestRunnerRetriesThenAlertsOnce(t *testing.T) {
	var laterRan bool
	p := &Pipeline{
		ID:   "candles-day-backfill",
		Tags: []string{"onetime", "load", "crypto"},
		Tasks: []Task{
			{ID: "get_candle_data", Retries: 2, Run: func(ctx context.Context, s *State) error {
				return errors.New("exchange unavailable")
			}},
			{ID: "insert_data", Run: func(ctx context.Context, s *State) error {
				laterRan = true
				return nil
			}},
		},
	}

	n := &recordingNotifier{}
	reg := metrics.NewRegistry()
	report, err := newTestRunner(n, reg).Run(context.Background(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exchange unavailable")

	assert.False(t, laterRan, "tasks after a failed task must not run")
	assert.Equal(t, RunFailed, report.Status)
	assert.Equal(t, "get_candle_data", report.FailedTask)
	assert.Equal(t, 3, report.Attempts["get_candle_data"])

	require.Len(t, n.alerts, 1)
	assert.Equal(t, alert{
		pipeline: "candles-day-backfill",
		severity: apperrors.SeverityHigh,
		message:  "2024-05-31 00:00:00 [Failed]onetime,load,crypto\nAirflow Dags: candles-day-backfill",
	}, n.alerts[0])

	assert.Equal(t, float64(1), reg.Value(metrics.PipelineFailures))
	assert.Equal(t, float64(2), reg.Value(metrics.TaskRetries))
	assert.Equal(t, float64(1), reg.Value(metrics.AlertsSent))
}

func TestRunnerRetrySucceeds(t *testing.T) {
	calls := 0
	p := &Pipeline{ID: "flaky", Tasks: []Task{{ID: "flaky", Retries: 1, Run: func(ctx context.Context, s *State) error {
		calls++
		if calls == 1 {
			return errors.New("timeout")
		}
		return nil
	}}}}

	n := &recordingNotifier{}
	report, err := newTestRunner(n, nil).Run(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Attempts["flaky"])
	assert.Empty(t, n.alerts)
}

func TestRunnerDoesNotRetryConfigurationErrors(t *testing.T) {
	calls := 0
	p := &Pipeline{ID: "misconfigured", Tasks: []Task{{ID: "fetch", Retries: 5, Run: func(ctx context.Context, s *State) error {
		calls++
		return apperrors.ErrConfiguration
	}}}}

	n := &recordingNotifier{}
	_, err := newTestRunner(n, nil).Run(context.Background(), p)
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)
	assert.Equal(t, 1, calls)
	assert.Len(t, n.alerts, 1)
}

func TestRunnerRejectsConcurrentRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	p := &Pipeline{ID: "slow", Tasks: []Task{{ID: "wait", Run: func(ctx context.Context, s *State) error {
		close(started)
		<-release
		return nil
	}}}}

	runner := newTestRunner(&recordingNotifier{}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := runner.Run(context.Background(), p)
		done <- err
	}()
	<-started

	assert.Equal(t, []string{"slow"}, runner.Active())
	_, err := runner.Run(context.Background(), p)
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.Empty(t, runner.Active())

	// the slot is free again; a fresh definition runs normally
	again := &Pipeline{ID: "slow", Tasks: []Task{{ID: "noop", Run: func(ctx context.Context, s *State) error { return nil }}}}
	_, err = runner.Run(context.Background(), again)
	assert.NoError(t, err)
}

func TestRunnerCanceledRunDoesNotAlert(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{ID: "canceled", Tasks: []Task{{ID: "wait", Retries: 3, Run: func(ctx context.Context, s *State) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}}}}

	n := &recordingNotifier{}
	report, err := newTestRunner(n, nil).Run(ctx, p)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, RunCanceled, report.Status)
	assert.Empty(t, n.alerts)
}

func TestRunnerRejectsInvalidPipeline(t *testing.T) {
	runner := newTestRunner(&recordingNotifier{}, nil)

	_, err := runner.Run(context.Background(), &Pipeline{ID: "empty"})
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)

	noop := func(ctx context.Context, s *State) error { return nil }
	_, err = runner.Run(context.Background(), &Pipeline{ID: "dup", Tasks: []Task{{ID: "a", Run: noop}, {ID: "a", Run: noop}}})
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)
}

// stepSource answers every call with one candle per interval step of the window
type stepSource struct {
	mu    sync.Mutex
	calls int
}

func (s *stepSource) GetCandleData(ctx context.Context, asset string, interval models.Interval, start, end time.Time) ([]exchange.RawCandle, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	step := interval.Duration()
	var out []exchange.RawCandle
	for t := start; t.Before(end); t = t.Add(step) {
		ms := t.UnixMilli()
		out = append(out, exchange.RawCandle{
			Low: "99", High: "105", Open: "100", Close: "104",
			Amount: "1000", Quantity: "10", BuyTakerAmount: "400", BuyTakerQuantity: "4",
			TradeCount: "12", Ts: strconv.FormatInt(ms+step.Milliseconds(), 10),
			WeightedAverage: "102", Interval: string(interval),
			StartTime: strconv.FormatInt(ms, 10),
			CloseTime: strconv.FormatInt(ms+step.Milliseconds()-1, 10),
		})
	}
	return out, nil
}

// gridSource answers like the exchange does: candles sit on the interval grid
// and every candle overlapping [start, end) is returned, including the one
// already open at start. stray adds one record far outside the window.
type gridSource struct {
	stray bool
	calls int
}

func (s *gridSource) GetCandleData(ctx context.Context, asset string, interval models.Interval, start, end time.Time) ([]exchange.RawCandle, error) {
	s.calls++
	step := interval.Duration()
	var out []exchange.RawCandle
	for t := start.Truncate(step); t.Before(end); t = t.Add(step) {
		out = append(out, rawCandle(t, interval))
	}
	if s.stray {
		out = append(out, rawCandle(start.AddDate(-1, 0, 0).Truncate(step), interval))
	}
	return out, nil
}

func rawCandle(start time.Time, interval models.Interval) exchange.RawCandle {
	ms := start.UnixMilli()
	step := interval.Duration().Milliseconds()
	return exchange.RawCandle{
		Low: "99", High: "105", Open: "100", Close: "104",
		Amount: "1000", Quantity: "10", BuyTakerAmount: "400", BuyTakerQuantity: "4",
		TradeCount: "12", Ts: strconv.FormatInt(ms+step, 10),
		WeightedAverage: "102", Interval: string(interval),
		StartTime: strconv.FormatInt(ms, 10),
		CloseTime: strconv.FormatInt(ms+step-1, 10),
	}
}

type fakeRefresher struct {
	specs []warehouse.RefreshSpec
	err   error
}

func (f *fakeRefresher) FullRefresh(ctx context.Context, spec warehouse.RefreshSpec) (*warehouse.RefreshResult, error) {
	f.specs = append(f.specs, spec)
	if f.err != nil {
		return nil, f.err
	}
	return &warehouse.RefreshResult{Statements: 2, Inserted: 42}, nil
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func testConfig() *config.AppConfig {
	cfg := config.DefaultConfig()
	cfg.Pipelines.CandlesMinute.Assets = []string{"BTC_USDT", "ETH_USDT"}
	cfg.Pipelines.CandlesDay.Assets = []string{"BTC_USDT", "ETH_USDT", "SOL_USDT"}
	cfg.Pipelines.CandlesDay.TargetDays = 60
	cfg.Pipelines.CandlesDay.RetryDelay = "0s"
	cfg.Pipelines.ContainerCheck.RetryDelay = "0s"
	return cfg
}

func TestCandlesMinutePipeline(t *testing.T) {
	source := &stepSource{}
	sink := storage.NewMemorySink()
	reg := metrics.NewRegistry()

	catalog, err := Build(testConfig(), Deps{
		Source:  source,
		Sink:    sink,
		Metrics: reg,
		Logger:  logger.Discard(),
		Sleep:   noSleep,
		Clock:   fixedClock,
	})
	require.NoError(t, err)

	p, err := catalog.Get(CandlesMinuteID)
	require.NoError(t, err)
	require.Len(t, p.Tasks, 3)

	report, err := newTestRunner(&recordingNotifier{}, reg).Run(context.Background(), p)
	require.NoError(t, err)

	// 2 assets x 4 windows of 500 minutes
	assert.Equal(t, 8, source.calls)
	assert.Equal(t, 4000, report.State.Fetch.Total())
	assert.Len(t, report.State.Rows, 4000)
	assert.Equal(t, 40, report.State.Batches)

	rows := sink.Rows("candles_minute")
	require.Len(t, rows, 4000)
	assert.Equal(t, fixedNow.Add(-2000*time.Minute).Unix(), rows[0].StartTime)
	assert.Equal(t, "BTC_USDT", rows[0].ID)
	assert.Equal(t, "ETH_USDT", rows[3999].ID)
	assert.Equal(t, float64(4000), reg.Value(metrics.RowsWritten))
}

func TestCandlesDayPipelineRefreshesWarehouse(t *testing.T) {
	source := &stepSource{}
	sink := storage.NewMemorySink()
	refresher := &fakeRefresher{}

	cfg := testConfig()
	catalog, err := Build(cfg, Deps{
		Source:    source,
		Sink:      sink,
		Refresher: refresher,
		Logger:    logger.Discard(),
		Sleep:     noSleep,
		Clock:     fixedClock,
	})
	require.NoError(t, err)

	p, err := catalog.Get(CandlesDayID)
	require.NoError(t, err)
	require.Len(t, p.Tasks, 4)
	assert.Equal(t, "load_to_warehouse", p.Tasks[3].ID)

	report, err := newTestRunner(&recordingNotifier{}, nil).Run(context.Background(), p)
	require.NoError(t, err)

	// 3 assets x 2 windows of 30 days
	assert.Equal(t, 6, source.calls)
	assert.Len(t, sink.Rows("candles_day"), 180)
	assert.Equal(t, []int{100, 80}, sink.Batches("candles_day"))

	require.Len(t, refresher.specs, 1)
	assert.Equal(t, cfg.Warehouse.SourceTable, refresher.specs[0].Source)
	assert.Equal(t, cfg.Warehouse.TargetTable, refresher.specs[0].Target)
	assert.Equal(t, "dt_create_utc", refresher.specs[0].Table.DateColumn)
	assert.Equal(t, int64(42), report.State.Refresh.Inserted)
}

func TestCandlesDayPipelineMidDayRunHasNoGaps(t *testing.T) {
	midDay := time.Date(2024, 5, 31, 14, 23, 0, 0, time.UTC)

	for _, stray := range []bool{false, true} {
		source := &gridSource{stray: stray}
		cfg := testConfig()
		cfg.Pipelines.CandlesDay.RefreshWarehouse = false
		cfg.Pipelines.CandlesDay.TargetDays = 100

		catalog, err := Build(cfg, Deps{
			Source: source,
			Sink:   storage.NewMemorySink(),
			Logger: logger.Discard(),
			Sleep:  noSleep,
			Clock:  func() time.Time { return midDay },
		})
		require.NoError(t, err)
		p, err := catalog.Get(CandlesDayID)
		require.NoError(t, err)

		report, err := newTestRunner(&recordingNotifier{}, nil).Run(context.Background(), p)
		require.NoError(t, err)

		// 3 assets x 4 windows (30+30+30+10 days)
		assert.Equal(t, 12, source.calls)
		result := report.State.Fetch
		for _, asset := range cfg.Pipelines.CandlesDay.Assets {
			candles := result.Candles[asset]
			require.Len(t, candles, 100, asset)
			assert.Equal(t, time.Date(2024, 2, 21, 0, 0, 0, 0, time.UTC), candles[0].StartTime)
			assert.Equal(t, time.Date(2024, 5, 30, 0, 0, 0, 0, time.UTC), candles[99].StartTime)
			for i := 1; i < len(candles); i++ {
				assert.Equal(t, 24*time.Hour, candles[i].StartTime.Sub(candles[i-1].StartTime),
					"%s gap after %s", asset, candles[i-1].StartTime)
			}
		}
		if stray {
			assert.Equal(t, source.calls, result.Dropped)
		} else {
			assert.Zero(t, result.Dropped)
		}
	}
}

func TestLookbackPlanAlignsToInterval(t *testing.T) {
	midDay := time.Date(2024, 5, 31, 14, 23, 0, 0, time.UTC)
	windows, err := LookbackPlan(models.IntervalDay1, 1000, 30*24*time.Hour)(midDay)
	require.NoError(t, err)
	require.Len(t, windows, 34)

	for _, w := range windows {
		assert.Equal(t, w.Start, w.Start.Truncate(24*time.Hour), w.String())
		assert.Equal(t, w.End, w.End.Truncate(24*time.Hour), w.String())
	}
	assert.Equal(t, time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC), windows[33].End)
}

func TestCandlesDayPipelineRefreshFailureAlerts(t *testing.T) {
	refresher := &fakeRefresher{err: errors.New("trino: QUERY_FAILED")}
	catalog, err := Build(testConfig(), Deps{
		Source:    &stepSource{},
		Sink:      storage.NewMemorySink(),
		Refresher: refresher,
		Logger:    logger.Discard(),
		Sleep:     noSleep,
		Clock:     fixedClock,
	})
	require.NoError(t, err)
	p, err := catalog.Get(CandlesDayID)
	require.NoError(t, err)

	n := &recordingNotifier{}
	report, err := newTestRunner(n, nil).Run(context.Background(), p)
	require.Error(t, err)
	assert.Equal(t, "load_to_warehouse", report.FailedTask)
	assert.Equal(t, 2, report.Attempts["load_to_warehouse"], "day pipeline retries once")
	assert.Len(t, refresher.specs, 2)
	assert.Len(t, n.alerts, 1)
}

func TestBuildSkipsPipelinesWithoutDeps(t *testing.T) {
	catalog, err := Build(testConfig(), Deps{Logger: logger.Discard()})
	require.NoError(t, err)
	assert.Empty(t, catalog.All())

	_, err = catalog.Get(CandlesMinuteID)
	assert.ErrorIs(t, err, ErrUnknownPipeline)

	// the day backfill needs a warehouse when it refreshes one
	catalog, err = Build(testConfig(), Deps{Source: &stepSource{}, Sink: storage.NewMemorySink()})
	require.NoError(t, err)
	ids := make([]string, 0)
	for _, p := range catalog.All() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{CandlesMinuteID}, ids)
}

func TestBuildRejectsBadCandleConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Pipelines.CandlesMinute.Interval = "MINUTE_2"

	_, err := Build(cfg, Deps{Source: &stepSource{}, Sink: storage.NewMemorySink()})
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)

	// a 36h span puts every other window boundary at noon
	cfg = testConfig()
	cfg.Pipelines.CandlesDay.WindowSpan = "36h"
	_, err = Build(cfg, Deps{Source: &stepSource{}, Sink: storage.NewMemorySink(), Refresher: &fakeRefresher{}})
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)
	assert.Contains(t, err.Error(), "not a multiple")
}

func TestNeedsFor(t *testing.T) {
	cfg := testConfig()

	needs, err := NeedsFor(cfg, CandlesDayID)
	require.NoError(t, err)
	assert.Equal(t, Needs{Exchange: true, Sink: true, Warehouse: true}, needs)

	needs, err = NeedsFor(cfg, ContainerCheckID)
	require.NoError(t, err)
	assert.Equal(t, Needs{SSH: true}, needs)

	_, err = NeedsFor(cfg, "nope")
	assert.ErrorIs(t, err, ErrUnknownPipeline)
}

type fakeMart struct {
	series  map[string][]warehouse.Bar
	table   string
	columns []string
	rows    [][]any
}

func (f *fakeMart) Assets(ctx context.Context, source string) ([]string, error) {
	return []string{"BTC_USDT", "ETH_USDT"}, nil
}

func (f *fakeMart) LoadSeries(ctx context.Context, source string, table models.Table, asset string) ([]warehouse.Bar, error) {
	return f.series[asset], nil
}

func (f *fakeMart) Overwrite(ctx context.Context, table string, columns []string, rows [][]any) (int, error) {
	f.table, f.columns, f.rows = table, columns, rows
	return len(rows), nil
}

func bars(n int, base float64) []warehouse.Bar {
	out := make([]warehouse.Bar, n)
	for i := range out {
		c := base + float64(i%7)
		out[i] = warehouse.Bar{
			Date:   fixedNow.AddDate(0, 0, i-n).Format(models.DateTimeLayout),
			Open:   c - 1,
			High:   c + 2,
			Low:    c - 2,
			Close:  c,
			Volume: 100,
		}
	}
	return out
}

func TestIndicatorsPipeline(t *testing.T) {
	mart := &fakeMart{series: map[string][]warehouse.Bar{
		"BTC_USDT": bars(60, 42000),
		"ETH_USDT": bars(55, 2300),
	}}
	cfg := testConfig()

	catalog, err := Build(cfg, Deps{Mart: mart, Logger: logger.Discard()})
	require.NoError(t, err)
	p, err := catalog.Get(IndicatorsDayID)
	require.NoError(t, err)

	report, err := newTestRunner(&recordingNotifier{}, nil).Run(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, cfg.Pipelines.Indicators.TargetTable, mart.table)
	assert.Equal(t, "dt_", mart.columns[1])
	assert.Len(t, mart.rows, 115)
	assert.Equal(t, 115, report.State.MartRows)
	assert.Equal(t, "BTC_USDT", mart.rows[0][0])
	assert.Equal(t, "ETH_USDT", mart.rows[114][0])
}

type fakeChecker struct {
	status string
	err    error
	calls  int
}

func (f *fakeChecker) Check(ctx context.Context) (string, error) {
	f.calls++
	return f.status, f.err
}

func TestContainerCheckPipeline(t *testing.T) {
	checker := &fakeChecker{status: "exited", err: errors.New("container is not running")}
	cfg := testConfig()

	catalog, err := Build(cfg, Deps{Checker: checker, Logger: logger.Discard()})
	require.NoError(t, err)
	p, err := catalog.Get(ContainerCheckID)
	require.NoError(t, err)
	assert.Equal(t, "10 3 * * 1-5", p.Schedule)

	n := &recordingNotifier{}
	_, err = newTestRunner(n, nil).Run(context.Background(), p)
	require.Error(t, err)
	assert.Equal(t, 6, checker.calls, "five retries after the first attempt")
	require.Len(t, n.alerts, 1)
	assert.Contains(t, n.alerts[0].message, "[Failed]PREP\nAirflow Dags: container-check")
}

func TestPolicyFor(t *testing.T) {
	cfg := testConfig()
	for _, id := range IDs() {
		policy, err := PolicyFor(cfg, id)
		require.NoError(t, err, id)
		assert.True(t, policy.Enabled, id)
	}

	policy, err := PolicyFor(cfg, ContainerCheckID)
	require.NoError(t, err)
	assert.Equal(t, "10 3 * * 1-5", policy.Schedule)
	assert.Equal(t, 5, policy.Retries)

	_, err = PolicyFor(cfg, "nope")
	assert.ErrorIs(t, err, ErrUnknownPipeline)
}
