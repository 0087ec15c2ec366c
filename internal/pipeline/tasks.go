package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/go-candle-pipeline/internal/collector"
	"github.com/johnayoung/go-candle-pipeline/internal/exchange"
	"github.com/johnayoung/go-candle-pipeline/internal/indicators"
	"github.com/johnayoung/go-candle-pipeline/internal/logger"
	"github.com/johnayoung/go-candle-pipeline/internal/models"
	"github.com/johnayoung/go-candle-pipeline/internal/normalizer"
	"github.com/johnayoung/go-candle-pipeline/internal/storage"
	"github.com/johnayoung/go-candle-pipeline/internal/warehouse"
)

// State carries the output of one task to the next within a run
type State struct {
	RunID      string
	PipelineID string
	Started    time.Time

	Fetch     *collector.Result
	Rows      []models.StorageRow
	Batches   int
	Refresh   *warehouse.RefreshResult
	MartRows  int
	Container string
}

// WarehouseRefresher copies the raw table into the warehouse
type WarehouseRefresher interface {
	FullRefresh(ctx context.Context, spec warehouse.RefreshSpec) (*warehouse.RefreshResult, error)
}

// MartStore reads candle series and overwrites mart tables
type MartStore interface {
	Assets(ctx context.Context, source string) ([]string, error)
	LoadSeries(ctx context.Context, source string, table models.Table, asset string) ([]warehouse.Bar, error)
	Overwrite(ctx context.Context, table string, columns []string, rows [][]any) (int, error)
}

// ContainerChecker reports whether the scheduler container is running
type ContainerChecker interface {
	Check(ctx context.Context) (string, error)
}

// PlanFunc builds the fetch windows of a run at time now
type PlanFunc func(now time.Time) ([]models.FetchWindow, error)

// BackwardPlan returns count windows of span ending at now, aligned down to
// the candle interval.
func BackwardPlan(interval models.Interval, span time.Duration, count int) PlanFunc {
	return func(now time.Time) ([]models.FetchWindow, error) {
		return collector.PlanBackward(now.UTC().Truncate(interval.Duration()), span, count)
	}
}

// LookbackPlan returns windows of span covering the targetDays days before
// now, aligned down to the candle interval like BackwardPlan.
func LookbackPlan(interval models.Interval, targetDays int, span time.Duration) PlanFunc {
	return func(now time.Time) ([]models.FetchWindow, error) {
		return collector.PlanLookback(now.UTC().Truncate(interval.Duration()), targetDays, span)
	}
}

// FetchTask fetches every asset over the windows plan returns
func FetchTask(source exchange.CandleSource, assets []string, interval models.Interval, order collector.Order, plan PlanFunc, cfg collector.Config, clock func() time.Time) func(context.Context, *State) error {
	fetcher := collector.NewFetcher(source, cfg)
	return func(ctx context.Context, s *State) error {
		windows, err := plan(clock())
		if err != nil {
			return err
		}
		result, err := fetcher.Fetch(ctx, collector.Plan{
			Assets:   assets,
			Interval: interval,
			Windows:  windows,
			Order:    order,
		})
		if err != nil {
			return err
		}
		s.Fetch = result
		return nil
	}
}

// NormalizeTask turns the fetched candles into storage rows
func NormalizeTask(n *normalizer.Normalizer) func(context.Context, *State) error {
	return func(ctx context.Context, s *State) error {
		if s.Fetch == nil {
			return fmt.Errorf("nothing fetched to normalize")
		}
		s.Rows = n.Normalize(s.Fetch.Candles)
		return nil
	}
}

// InsertTask writes the normalized rows to the sink. A retry writes every
// batch again; sinks keyed by (id, startTime) absorb the repeats.
func InsertTask(w storage.BatchWriter, table models.Table) func(context.Context, *State) error {
	return func(ctx context.Context, s *State) error {
		batches, err := w.Write(ctx, table, s.Rows)
		s.Batches = batches
		return err
	}
}

// RefreshTask runs a full warehouse refresh
func RefreshTask(r WarehouseRefresher, spec warehouse.RefreshSpec) func(context.Context, *State) error {
	return func(ctx context.Context, s *State) error {
		res, err := r.FullRefresh(ctx, spec)
		if err != nil {
			return err
		}
		s.Refresh = res
		return nil
	}
}

// IndicatorsTask computes the indicator mart for every asset of source and
// overwrites target with the result.
func IndicatorsTask(store MartStore, source string, table models.Table, target string, nMultiple float64, log *slog.Logger) func(context.Context, *State) error {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx context.Context, s *State) error {
		assets, err := store.Assets(ctx, source)
		if err != nil {
			return err
		}

		var values [][]any
		for _, asset := range assets {
			bars, err := store.LoadSeries(ctx, source, table, asset)
			if err != nil {
				return err
			}
			rows, err := indicators.Compute(seriesFromBars(asset, bars), nMultiple)
			if err != nil {
				return err
			}
			for _, r := range rows {
				values = append(values, r.Values())
			}
			logger.FromContext(ctx, log).Info("indicators computed", "asset", asset, "bars", len(bars))
		}

		return logger.TimedOperation(ctx, log, "overwrite "+target, func() error {
			n, err := store.Overwrite(ctx, target, indicators.Columns(), values)
			s.MartRows = n
			return err
		})
	}
}

func seriesFromBars(asset string, bars []warehouse.Bar) indicators.Series {
	s := indicators.Series{
		Asset:  asset,
		Dates:  make([]string, len(bars)),
		Open:   make([]float64, len(bars)),
		High:   make([]float64, len(bars)),
		Low:    make([]float64, len(bars)),
		Close:  make([]float64, len(bars)),
		Volume: make([]float64, len(bars)),
	}
	for i, b := range bars {
		s.Dates[i] = b.Date
		s.Open[i] = b.Open
		s.High[i] = b.High
		s.Low[i] = b.Low
		s.Close[i] = b.Close
		s.Volume[i] = b.Volume
	}
	return s
}

// ContainerCheckTask fails unless the container is running
func ContainerCheckTask(c ContainerChecker) func(context.Context, *State) error {
	return func(ctx context.Context, s *State) error {
		status, err := c.Check(ctx)
		s.Container = status
		return err
	}
}
