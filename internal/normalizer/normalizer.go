// Package normalizer turns fetched candles into positional storage rows in the
// column order of the destination table.
package normalizer

import (
	"log/slog"
	"sort"
	"time"

	"github.com/johnayoung/go-candle-pipeline/internal/exchange"
	"github.com/johnayoung/go-candle-pipeline/internal/metrics"
	"github.com/johnayoung/go-candle-pipeline/internal/models"
)

// Clock returns the current time
type Clock func() time.Time

// Normalizer converts candles to storage rows. With a fixed Clock it is pure:
// the same input always yields the same rows.
type Normalizer struct {
	clock   Clock
	logger  *slog.Logger
	metrics *metrics.Registry
}

// Option configures a Normalizer
type Option func(*Normalizer)

// WithClock replaces the wall clock used for ts_insert_utc
func WithClock(clock Clock) Option {
	return func(n *Normalizer) { n.clock = clock }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(n *Normalizer) { n.logger = logger }
}

// WithMetrics sets the metrics registry
func WithMetrics(reg *metrics.Registry) Option {
	return func(n *Normalizer) { n.metrics = reg }
}

// New creates a Normalizer
func New(opts ...Option) *Normalizer {
	n := &Normalizer{clock: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With("component", "normalizer")
	return n
}

// Normalize flattens candles into rows. Assets are emitted in sorted order and
// each asset's candles in the order given. Every row of the call shares one
// ts_insert_utc. Candles failing validation are dropped with a warning.
func (n *Normalizer) Normalize(candles map[string][]models.Candle) []models.StorageRow {
	insertedAt := n.now()

	total := 0
	for _, cs := range candles {
		total += len(cs)
	}
	rows := make([]models.StorageRow, 0, total)

	for _, asset := range sortedKeys(candles) {
		for i := range candles[asset] {
			c := candles[asset][i]
			if err := c.Validate(); err != nil {
				n.drop(asset, c.StartTime, err)
				continue
			}
			rows = append(rows, ToRow(c, insertedAt))
		}
	}

	n.metrics.Add(metrics.RowsNormalized, int64(len(rows)))
	n.logger.Info("normalized candles", "assets", len(candles), "candles", total, "rows", len(rows))
	return rows
}

// NormalizeRaw converts raw upstream records keyed by asset. Records that fail
// conversion are dropped with a warning and never reach the output.
func (n *Normalizer) NormalizeRaw(records map[string][]exchange.RawCandle) []models.StorageRow {
	candles := make(map[string][]models.Candle, len(records))
	for asset, recs := range records {
		for _, rec := range recs {
			c, err := rec.ToCandle(asset)
			if err != nil {
				n.drop(asset, time.Time{}, err)
				continue
			}
			candles[asset] = append(candles[asset], c)
		}
	}
	return n.Normalize(candles)
}

func (n *Normalizer) drop(asset string, start time.Time, err error) {
	n.metrics.Add(metrics.RecordsDropped, 1)
	attrs := []any{"asset", asset, "error", err}
	if !start.IsZero() {
		attrs = append(attrs, "start_time", start)
	}
	n.logger.Warn("dropping record", attrs...)
}

func (n *Normalizer) now() time.Time {
	return n.clock().UTC().Truncate(time.Millisecond)
}

// ToRow maps one candle to its storage row. Business times come from the
// candle, insertedAt is the ingestion time.
func ToRow(c models.Candle, insertedAt time.Time) models.StorageRow {
	return models.StorageRow{
		ID:               c.Asset,
		Low:              c.Low,
		High:             c.High,
		Open:             c.Open,
		Close:            c.Close,
		Amount:           c.Amount,
		Quantity:         c.Quantity,
		BuyTakerAmount:   c.BuyTakerAmount,
		BuyTakerQuantity: c.BuyTakerQuantity,
		TradeCount:       c.TradeCount,
		Ts:               c.Ts,
		WeightedAverage:  c.WeightedAverage,
		Interval:         c.Interval.String(),
		StartTime:        c.StartTime.Unix(),
		CloseTime:        c.CloseTime.Unix(),
		Date:             c.StartTime.UTC().Format(models.DateTimeLayout),
		InsertedAt:       insertedAt,
	}
}

func sortedKeys(m map[string][]models.Candle) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
