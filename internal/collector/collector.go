// Package collector implements the windowed historical fetcher. It walks a set
// of assets across fixed-size time windows, one upstream call per
// (asset, window) pair, sequentially and with a fixed pause after every call.
//
// A failed call is logged and that (asset, window) pair is skipped. Nothing is
// retried at this layer: a gap left by a failed window stays a gap until the
// pipeline runs again, and callers can inspect Result.Skipped to see which
// ranges are incomplete.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	apperrors "github.com/johnayoung/go-candle-pipeline/internal/errors"
	"github.com/johnayoung/go-candle-pipeline/internal/exchange"
	"github.com/johnayoung/go-candle-pipeline/internal/logger"
	"github.com/johnayoung/go-candle-pipeline/internal/metrics"
	"github.com/johnayoung/go-candle-pipeline/internal/models"
)

// ErrNoData is recorded for a window the exchange answered with no candles,
// which is what happens for an asset that was not listed yet.
var ErrNoData = fmt.Errorf("no candles returned: %w", apperrors.ErrMissingAsset)

// Order selects how a plan is walked. The output does not depend on it.
type Order int

const (
	// AssetMajor fetches every window of one asset before moving to the next asset.
	AssetMajor Order = iota
	// WindowMajor fetches one window for every asset before moving to the next window.
	WindowMajor
)

func (o Order) String() string {
	if o == WindowMajor {
		return "window-major"
	}
	return "asset-major"
}

// Plan is a fetch request: every asset across every window.
type Plan struct {
	Assets   []string
	Interval models.Interval
	Windows  []models.FetchWindow
	Order    Order
	// MaxCandles is the per-call response cap; 0 means exchange.MaxCandlesPerRequest.
	MaxCandles int
}

// Validate checks the plan before any call is made
func (p Plan) Validate() error {
	if len(p.Assets) == 0 {
		return fmt.Errorf("%w: plan has no assets", apperrors.ErrConfiguration)
	}
	for _, a := range p.Assets {
		if a == "" {
			return fmt.Errorf("%w: empty asset identifier", apperrors.ErrConfiguration)
		}
	}
	if !p.Interval.Valid() {
		return fmt.Errorf("%w: unsupported interval %q", apperrors.ErrConfiguration, p.Interval)
	}
	if len(p.Windows) == 0 {
		return fmt.Errorf("%w: plan has no windows", apperrors.ErrConfiguration)
	}

	limit := p.MaxCandles
	if limit <= 0 {
		limit = exchange.MaxCandlesPerRequest
	}
	if err := checkWindows(p.Windows, p.Interval.MaxWindow(limit)); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrConfiguration, err)
	}
	return nil
}

// Sleeper pauses for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Config configures a Fetcher
type Config struct {
	// Pause is the minimum interval between two upstream calls.
	Pause   time.Duration
	Logger  *slog.Logger
	Sleep   Sleeper
	Metrics *metrics.Registry
}

// SkippedWindow is an (asset, window) pair that produced no candles
type SkippedWindow struct {
	Asset  string
	Window models.FetchWindow
	Err    error
}

// Result is the outcome of one Fetch
type Result struct {
	// Candles holds, per asset, the fetched candles in strictly ascending
	// start time. Assets without a single candle are absent.
	Candles map[string][]models.Candle
	Skipped []SkippedWindow
	// Dropped counts upstream records rejected at conversion or lying outside
	// their window.
	Dropped int
	Calls   int
}

// Total returns the number of candles across all assets
func (r *Result) Total() int {
	n := 0
	for _, cs := range r.Candles {
		n += len(cs)
	}
	return n
}

// Assets returns the assets present in the result, sorted
func (r *Result) Assets() []string {
	assets := make([]string, 0, len(r.Candles))
	for a := range r.Candles {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	return assets
}

// Fetcher runs fetch plans against a CandleSource
type Fetcher struct {
	source  exchange.CandleSource
	pause   time.Duration
	sleep   Sleeper
	metrics *metrics.Registry
	logger  *slog.Logger
}

// NewFetcher creates a Fetcher
func NewFetcher(source exchange.CandleSource, cfg Config) *Fetcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = SleepContext
	}
	return &Fetcher{
		source:  source,
		pause:   cfg.Pause,
		sleep:   cfg.Sleep,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With("component", "collector"),
	}
}

type call struct {
	asset  string
	window models.FetchWindow
}

func (p Plan) calls() []call {
	calls := make([]call, 0, len(p.Assets)*len(p.Windows))
	if p.Order == WindowMajor {
		for _, w := range p.Windows {
			for _, a := range p.Assets {
				calls = append(calls, call{asset: a, window: w})
			}
		}
		return calls
	}
	for _, a := range p.Assets {
		for _, w := range p.Windows {
			calls = append(calls, call{asset: a, window: w})
		}
	}
	return calls
}

// Fetch issues one call per (asset, window) of plan. Per-call failures are
// recorded in Result.Skipped and do not fail the fetch. The returned error is
// non-nil only for an invalid plan or a done context, in which case the
// partial result collected so far is returned with it.
func (f *Fetcher) Fetch(ctx context.Context, plan Plan) (*Result, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	ctx = logger.WithInterval(ctx, plan.Interval.String())
	log := logger.FromContext(ctx, f.logger)
	calls := plan.calls()
	log.Info("starting fetch",
		"assets", len(plan.Assets),
		"windows", len(plan.Windows),
		"calls", len(calls),
		"order", plan.Order.String(),
		"pause", f.pause)

	started := time.Now()
	acc := make(map[string][]models.Candle)
	result := &Result{Candles: acc}

	for i, c := range calls {
		if err := ctx.Err(); err != nil {
			result.Candles = finalize(acc)
			return result, err
		}

		if err := f.fetchWindow(ctx, log, plan.Interval, c, acc, result); err != nil {
			result.Candles = finalize(acc)
			return result, err
		}

		if err := f.sleep(ctx, f.pause); err != nil {
			result.Candles = finalize(acc)
			return result, err
		}

		if (i+1)%50 == 0 {
			log.Debug("fetch progress", "completed", i+1, "calls", len(calls))
		}
	}

	result.Candles = finalize(acc)
	log.Info("fetch completed",
		"calls", result.Calls,
		"candles", result.Total(),
		"assets_with_data", len(result.Candles),
		"skipped_windows", len(result.Skipped),
		"dropped_records", result.Dropped,
		"duration", time.Since(started))
	return result, nil
}

// fetchWindow performs one upstream call and accumulates its candles. It
// returns an error only when ctx is done.
func (f *Fetcher) fetchWindow(ctx context.Context, log *slog.Logger, interval models.Interval, c call, acc map[string][]models.Candle, result *Result) error {
	records, err := f.source.GetCandleData(logger.WithAsset(ctx, c.asset), c.asset, interval, c.window.Start, c.window.End)
	result.Calls++
	f.metrics.Add(metrics.UpstreamCalls, 1)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		f.skip(log, result, c, err)
		return nil
	}
	if len(records) == 0 {
		f.skip(log, result, c, ErrNoData)
		return nil
	}

	kept := 0
	for _, rec := range records {
		candle, err := rec.ToCandle(c.asset)
		if err != nil {
			result.Dropped++
			f.metrics.Add(metrics.RecordsDropped, 1)
			log.Warn("dropping malformed record", "asset", c.asset, "window", c.window.String(), "error", err)
			continue
		}
		if !c.window.Contains(candle.StartTime) || candle.CloseTime.After(c.window.End) {
			result.Dropped++
			f.metrics.Add(metrics.RecordsDropped, 1)
			log.Warn("dropping candle outside its window",
				"asset", c.asset,
				"window", c.window.String(),
				"start_time", candle.StartTime,
				"close_time", candle.CloseTime)
			continue
		}
		acc[c.asset] = append(acc[c.asset], candle)
		kept++
	}
	f.metrics.Add(metrics.CandlesFetched, int64(kept))

	log.Debug("window fetched", "asset", c.asset, "window", c.window.String(), "records", len(records), "kept", kept)
	return nil
}

func (f *Fetcher) skip(log *slog.Logger, result *Result, c call, err error) {
	result.Skipped = append(result.Skipped, SkippedWindow{Asset: c.asset, Window: c.window, Err: err})
	f.metrics.Add(metrics.WindowsSkipped, 1)

	log.Error("skipping window",
		"asset", c.asset,
		"window", c.window.String(),
		"error_type", apperrors.GetErrorType(err),
		"error", err)
}

// finalize sorts each series by start time and drops repeated start times,
// keeping the first occurrence.
func finalize(acc map[string][]models.Candle) map[string][]models.Candle {
	out := make(map[string][]models.Candle, len(acc))
	for asset, candles := range acc {
		if len(candles) == 0 {
			continue
		}
		sort.SliceStable(candles, func(i, j int) bool {
			return candles[i].StartTime.Before(candles[j].StartTime)
		})

		deduped := candles[:1]
		for _, c := range candles[1:] {
			if c.StartTime.Equal(deduped[len(deduped)-1].StartTime) {
				continue
			}
			deduped = append(deduped, c)
		}
		out[asset] = deduped
	}
	return out
}
