package collector

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	apperrors "github.com/johnayoung/go-candle-pipeline/internal/errors"
	"github.com/johnayoung/go-candle-pipeline/internal/exchange"
	"github.com/johnayoung/go-candle-pipeline/internal/logger"
	"github.com/johnayoung/go-candle-pipeline/internal/metrics"
	"github.com/johnayoung/go-candle-pipeline/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var anchor = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func rawAt(start time.Time, iv models.Interval) exchange.RawCandle {
	ms := start.UnixMilli()
	return exchange.RawCandle{
		Low:              "100.5",
		High:             "110.25",
		Open:             "101",
		Close:            "109.75",
		Amount:           "1500.123456789",
		Quantity:         "14.2",
		BuyTakerAmount:   "700",
		BuyTakerQuantity: "6.6",
		TradeCount:       "42",
		Ts:               strconv.FormatInt(ms+iv.Duration().Milliseconds(), 10),
		WeightedAverage:  "105.6",
		Interval:         string(iv),
		StartTime:        strconv.FormatInt(ms, 10),
		CloseTime:        strconv.FormatInt(ms+iv.Duration().Milliseconds()-1, 10),
	}
}

type recordedCall struct {
	asset      string
	start, end time.Time
}

// fakeSource answers every call with one candle per interval step unless
// respond overrides it.
type fakeSource struct {
	mu      sync.Mutex
	calls   []recordedCall
	respond func(asset string, start, end time.Time) ([]exchange.RawCandle, error)
}

func (s *fakeSource) GetCandleData(ctx context.Context, asset string, iv models.Interval, start, end time.Time) ([]exchange.RawCandle, error) {
	s.mu.Lock()
	s.calls = append(s.calls, recordedCall{asset: asset, start: start, end: end})
	s.mu.Unlock()

	if s.respond != nil {
		return s.respond(asset, start, end)
	}
	var out []exchange.RawCandle
	for t := start; t.Before(end); t = t.Add(iv.Duration()) {
		out = append(out, rawAt(t, iv))
	}
	return out, nil
}

type recordingSleeper struct {
	pauses []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.pauses = append(r.pauses, d)
	return ctx.Err()
}

func newTestFetcher(src exchange.CandleSource, pause time.Duration) (*Fetcher, *recordingSleeper) {
	sleeper := &recordingSleeper{}
	return NewFetcher(src, Config{Pause: pause, Logger: logger.Discard(), Sleep: sleeper.Sleep}), sleeper
}

func TestPlanBackward(t *testing.T) {
	windows, err := PlanBackward(anchor, 500*time.Minute, 4)
	require.NoError(t, err)
	require.Len(t, windows, 4)

	for i, w := range windows {
		offset := time.Duration(4-i) * 500 * time.Minute
		assert.Equal(t, anchor.Add(-offset), w.Start, "window %d start", i)
		assert.Equal(t, anchor.Add(-offset+500*time.Minute), w.End, "window %d end", i)
	}
	assert.Equal(t, anchor.Add(-2000*time.Minute), windows[0].Start)
	assert.Equal(t, anchor, windows[3].End)
	assert.NoError(t, checkWindows(windows, 500*time.Minute))

	_, err = PlanBackward(anchor, 0, 4)
	assert.Error(t, err)
	_, err = PlanBackward(anchor, time.Minute, 0)
	assert.Error(t, err)
}

func TestPlanForward(t *testing.T) {
	day := 24 * time.Hour

	t.Run("1000 days in 30 day windows", func(t *testing.T) {
		windows, err := PlanLookback(anchor, 1000, 30*day)
		require.NoError(t, err)
		require.Len(t, windows, 34)

		from := anchor.AddDate(0, 0, -1000)
		assert.Equal(t, from, windows[0].Start)
		assert.Equal(t, anchor, windows[33].End)
		assert.Equal(t, 10*day, windows[33].Span())
		assert.NoError(t, checkWindows(windows, 30*day))
	})

	t.Run("exact multiple has no empty tail window", func(t *testing.T) {
		windows, err := PlanForward(anchor, anchor.Add(90*day), 30*day)
		require.NoError(t, err)
		require.Len(t, windows, 3)
		assert.Equal(t, anchor.Add(90*day), windows[2].End)
	})

	t.Run("range shorter than span", func(t *testing.T) {
		windows, err := PlanForward(anchor, anchor.Add(time.Hour), 30*day)
		require.NoError(t, err)
		require.Len(t, windows, 1)
		assert.Equal(t, time.Hour, windows[0].Span())
	})

	t.Run("coverage has no gaps or overlaps", func(t *testing.T) {
		for _, tc := range []struct {
			days int
			span time.Duration
		}{{1, day}, {7, 3 * day}, {365, 30 * day}, {1000, 30 * day}, {45, 500 * time.Minute}} {
			windows, err := PlanLookback(anchor, tc.days, tc.span)
			require.NoError(t, err)

			var covered time.Duration
			for _, w := range windows {
				covered += w.Span()
			}
			assert.Equal(t, anchor.Sub(anchor.AddDate(0, 0, -tc.days)), covered)
			assert.NoError(t, checkWindows(windows, tc.span))
		}
	})

	t.Run("invalid input", func(t *testing.T) {
		_, err := PlanForward(anchor, anchor, day)
		assert.Error(t, err)
		_, err = PlanForward(anchor, anchor.Add(day), 0)
		assert.Error(t, err)
		_, err = PlanLookback(anchor, 0, day)
		assert.Error(t, err)
	})
}

func TestFetchBackwardWindows(t *testing.T) {
	src := &fakeSource{}
	fetcher, sleeper := newTestFetcher(src, 10*time.Second)

	windows, err := PlanBackward(anchor, 500*time.Minute, 4)
	require.NoError(t, err)

	result, err := fetcher.Fetch(context.Background(), Plan{
		Assets:   []string{"BTC_USDT"},
		Interval: models.IntervalMinute1,
		Windows:  windows,
	})
	require.NoError(t, err)

	require.Len(t, src.calls, 4)
	for i, c := range src.calls {
		offset := time.Duration(4-i) * 500 * time.Minute
		assert.Equal(t, "BTC_USDT", c.asset)
		assert.Equal(t, anchor.Add(-offset), c.start)
		assert.Equal(t, anchor.Add(-offset+500*time.Minute), c.end)
	}
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second}, sleeper.pauses)

	candles := result.Candles["BTC_USDT"]
	require.Len(t, candles, 2000)
	assert.Equal(t, anchor.Add(-2000*time.Minute), candles[0].StartTime)
	assert.Equal(t, anchor.Add(-time.Minute), candles[len(candles)-1].StartTime)
	for i := 1; i < len(candles); i++ {
		require.True(t, candles[i-1].StartTime.Before(candles[i].StartTime), "candles must be strictly ascending at %d", i)
	}
	assert.Equal(t, 4, result.Calls)
	assert.Empty(t, result.Skipped)
	assert.Equal(t, 2000, result.Total())
}

func TestFetchEmptyResponseExcludesAsset(t *testing.T) {
	src := &fakeSource{respond: func(asset string, start, end time.Time) ([]exchange.RawCandle, error) {
		if asset == "TRX_USDD" {
			return nil, nil
		}
		return []exchange.RawCandle{rawAt(start, models.IntervalDay1)}, nil
	}}

	fetcher, _ := newTestFetcher(src, 5*time.Second)
	windows, err := PlanForward(anchor, anchor.Add(3*24*time.Hour), 24*time.Hour)
	require.NoError(t, err)

	result, err := fetcher.Fetch(context.Background(), Plan{
		Assets:   []string{"BTC_USDT", "TRX_USDD"},
		Interval: models.IntervalDay1,
		Windows:  windows,
		Order:    WindowMajor,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"BTC_USDT"}, result.Assets())
	assert.Len(t, result.Candles["BTC_USDT"], 3)
	require.Len(t, result.Skipped, 3)
	for _, s := range result.Skipped {
		assert.Equal(t, "TRX_USDD", s.Asset)
		assert.ErrorIs(t, s.Err, ErrNoData)
		assert.ErrorIs(t, s.Err, apperrors.ErrMissingAsset)
	}
	assert.Equal(t, 6, result.Calls)
}

func TestFetchFailedWindowIsSkippedNotRetried(t *testing.T) {
	windows, err := PlanBackward(anchor, 500*time.Minute, 4)
	require.NoError(t, err)
	failing := windows[1]

	src := &fakeSource{}
	src.respond = func(asset string, start, end time.Time) ([]exchange.RawCandle, error) {
		if asset == "ETH_USDT" && start.Equal(failing.Start) {
			return nil, errors.New("server error 502: bad gateway")
		}
		if asset == "NEW_USDT" && start.Before(windows[3].Start) {
			return nil, exchange.ErrSymbolNotFound
		}
		return []exchange.RawCandle{rawAt(start, models.IntervalMinute1)}, nil
	}

	reg := metrics.NewRegistry()
	sleeper := &recordingSleeper{}
	fetcher := NewFetcher(src, Config{Pause: 10 * time.Second, Logger: logger.Discard(), Sleep: sleeper.Sleep, Metrics: reg})

	result, err := fetcher.Fetch(context.Background(), Plan{
		Assets:   []string{"BTC_USDT", "ETH_USDT", "NEW_USDT"},
		Interval: models.IntervalMinute1,
		Windows:  windows,
	})
	require.NoError(t, err)

	assert.Equal(t, 12, result.Calls)
	assert.Len(t, src.calls, 12)
	assert.Len(t, sleeper.pauses, 12, "a failed call is still followed by a pause")

	assert.Len(t, result.Candles["BTC_USDT"], 4)
	assert.Len(t, result.Candles["ETH_USDT"], 3)
	assert.Len(t, result.Candles["NEW_USDT"], 1)

	require.Len(t, result.Skipped, 4)
	assert.Equal(t, "ETH_USDT", result.Skipped[0].Asset)
	assert.Equal(t, failing, result.Skipped[0].Window)
	assert.True(t, apperrors.IsRetryable(result.Skipped[0].Err))
	for _, s := range result.Skipped[1:] {
		assert.Equal(t, "NEW_USDT", s.Asset)
		assert.True(t, apperrors.IsLocallyHandled(s.Err))
	}

	assert.Equal(t, float64(12), reg.Value(metrics.UpstreamCalls))
	assert.Equal(t, float64(4), reg.Value(metrics.WindowsSkipped))
	assert.Equal(t, float64(8), reg.Value(metrics.CandlesFetched))
}

func TestFetchDropsInvalidRecords(t *testing.T) {
	windows, err := PlanBackward(anchor, time.Hour, 1)
	require.NoError(t, err)
	w := windows[0]

	src := &fakeSource{respond: func(asset string, start, end time.Time) ([]exchange.RawCandle, error) {
		missingClose := rawAt(start.Add(2*time.Minute), models.IntervalMinute1)
		missingClose.Close = ""
		badHigh := rawAt(start.Add(3*time.Minute), models.IntervalMinute1)
		badHigh.High = "1"

		return []exchange.RawCandle{
			rawAt(start.Add(time.Minute), models.IntervalMinute1),
			rawAt(start, models.IntervalMinute1),
			rawAt(start, models.IntervalMinute1), // repeated
			missingClose,
			badHigh,
			rawAt(end, models.IntervalMinute1),                     // next window
			rawAt(start.Add(-time.Minute), models.IntervalMinute1), // previous window
		}, nil
	}}

	fetcher, _ := newTestFetcher(src, 0)
	result, err := fetcher.Fetch(context.Background(), Plan{
		Assets:   []string{"BTC_USDT"},
		Interval: models.IntervalMinute1,
		Windows:  windows,
	})
	require.NoError(t, err)

	candles := result.Candles["BTC_USDT"]
	require.Len(t, candles, 2)
	assert.Equal(t, w.Start, candles[0].StartTime)
	assert.Equal(t, w.Start.Add(time.Minute), candles[1].StartTime)
	for _, c := range candles {
		assert.True(t, w.Contains(c.StartTime))
		assert.False(t, c.CloseTime.After(w.End))
	}
	assert.Equal(t, 4, result.Dropped)
	assert.Empty(t, result.Skipped)
}

func TestFetchOrderDoesNotChangeOutput(t *testing.T) {
	windows, err := PlanBackward(anchor, 30*time.Minute, 3)
	require.NoError(t, err)
	assets := []string{"BTC_USDT", "ETH_USDT"}

	run := func(order Order) (*Result, []recordedCall) {
		src := &fakeSource{}
		fetcher, _ := newTestFetcher(src, 0)
		result, err := fetcher.Fetch(context.Background(), Plan{
			Assets: assets, Interval: models.IntervalMinute1, Windows: windows, Order: order,
		})
		require.NoError(t, err)
		return result, src.calls
	}

	byAsset, assetCalls := run(AssetMajor)
	byWindow, windowCalls := run(WindowMajor)

	assert.Equal(t, byAsset.Candles, byWindow.Candles)
	assert.Equal(t, "BTC_USDT", assetCalls[1].asset)
	assert.Equal(t, "ETH_USDT", windowCalls[1].asset)
	assert.Equal(t, windows[0].Start, windowCalls[1].start)
}

func TestFetchStopsOnCancel(t *testing.T) {
	windows, err := PlanBackward(anchor, 500*time.Minute, 4)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &fakeSource{}
	pauses := 0
	fetcher := NewFetcher(src, Config{
		Pause:  10 * time.Second,
		Logger: logger.Discard(),
		Sleep: func(ctx context.Context, d time.Duration) error {
			pauses++
			if pauses == 2 {
				cancel()
			}
			return ctx.Err()
		},
	})

	result, err := fetcher.Fetch(ctx, Plan{Assets: []string{"BTC_USDT"}, Interval: models.IntervalMinute1, Windows: windows})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)
	assert.Len(t, src.calls, 2)
	assert.Len(t, result.Candles["BTC_USDT"], 1000)
}

func TestFetchRejectsInvalidPlan(t *testing.T) {
	fetcher, _ := newTestFetcher(&fakeSource{}, 0)
	good, err := PlanBackward(anchor, 500*time.Minute, 2)
	require.NoError(t, err)
	tooWide, err := PlanBackward(anchor, 501*time.Minute, 1)
	require.NoError(t, err)

	tests := []struct {
		name string
		plan Plan
	}{
		{"no assets", Plan{Interval: models.IntervalMinute1, Windows: good}},
		{"empty asset", Plan{Assets: []string{""}, Interval: models.IntervalMinute1, Windows: good}},
		{"bad interval", Plan{Assets: []string{"BTC_USDT"}, Interval: "SECOND_1", Windows: good}},
		{"no windows", Plan{Assets: []string{"BTC_USDT"}, Interval: models.IntervalMinute1}},
		{"window above response cap", Plan{Assets: []string{"BTC_USDT"}, Interval: models.IntervalMinute1, Windows: tooWide}},
		{"non contiguous", Plan{Assets: []string{"BTC_USDT"}, Interval: models.IntervalMinute1, Windows: []models.FetchWindow{good[1], good[0]}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fetcher.Fetch(context.Background(), tt.plan)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrConfiguration)
		})
	}
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, SleepContext(context.Background(), time.Millisecond))
	assert.NoError(t, SleepContext(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
}
