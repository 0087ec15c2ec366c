// Package exchange defines the upstream candle API contract and its Poloniex
// implementation. Raw records are decoded here and converted to typed candles
// at a single validation point, RawCandle.ToCandle.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/johnayoung/go-candle-pipeline/internal/errors"
	"github.com/johnayoung/go-candle-pipeline/internal/models"
	"github.com/shopspring/decimal"
)

// ErrSymbolNotFound is returned when the exchange does not know the asset,
// typically because it was not listed yet at the requested time.
var ErrSymbolNotFound = fmt.Errorf("symbol not found: %w", apperrors.ErrMissingAsset)

// CandleSource is the upstream candle API. GetCandleData returns the raw
// records for asset within [start, end). A nil slice with a nil error means the
// exchange had nothing for that range.
type CandleSource interface {
	GetCandleData(ctx context.Context, asset string, interval models.Interval, start, end time.Time) ([]RawCandle, error)
}

// CandleSourceFunc adapts a function to CandleSource
type CandleSourceFunc func(ctx context.Context, asset string, interval models.Interval, start, end time.Time) ([]RawCandle, error)

// GetCandleData calls f
func (f CandleSourceFunc) GetCandleData(ctx context.Context, asset string, interval models.Interval, start, end time.Time) ([]RawCandle, error) {
	return f(ctx, asset, interval, start, end)
}

// RawCandle is one upstream record with every field kept as text. Poloniex
// sends a positional array:
//
//	[low, high, open, close, amount, quantity, buyTakerAmount, buyTakerQuantity,
//	 tradeCount, ts, weightedAverage, interval, startTime, closeTime]
//
// with ts, startTime and closeTime in milliseconds. An object with the same
// field names is accepted too. Absent fields stay empty.
type RawCandle struct {
	Low              string `json:"low"`
	High             string `json:"high"`
	Open             string `json:"open"`
	Close            string `json:"close"`
	Amount           string `json:"amount"`
	Quantity         string `json:"quantity"`
	BuyTakerAmount   string `json:"buyTakerAmount"`
	BuyTakerQuantity string `json:"buyTakerQuantity"`
	TradeCount       string `json:"tradeCount"`
	Ts               string `json:"ts"`
	WeightedAverage  string `json:"weightedAverage"`
	Interval         string `json:"interval"`
	StartTime        string `json:"startTime"`
	CloseTime        string `json:"closeTime"`
}

func (r *RawCandle) fields() []*string {
	return []*string{
		&r.Low, &r.High, &r.Open, &r.Close, &r.Amount, &r.Quantity,
		&r.BuyTakerAmount, &r.BuyTakerQuantity, &r.TradeCount, &r.Ts,
		&r.WeightedAverage, &r.Interval, &r.StartTime, &r.CloseTime,
	}
}

// UnmarshalJSON decodes either the positional array or the keyed object form
func (r *RawCandle) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty candle record")
	}

	var values []any
	if data[0] == '{' {
		var obj map[string]any
		if err := decodeNumbers(data, &obj); err != nil {
			return err
		}
		names := []string{
			"low", "high", "open", "close", "amount", "quantity",
			"buyTakerAmount", "buyTakerQuantity", "tradeCount", "ts",
			"weightedAverage", "interval", "startTime", "closeTime",
		}
		values = make([]any, len(names))
		for i, name := range names {
			values[i] = obj[name]
		}
	} else if err := decodeNumbers(data, &values); err != nil {
		return err
	}

	*r = RawCandle{}
	for i, dst := range r.fields() {
		if i >= len(values) || values[i] == nil {
			continue
		}
		switch v := values[i].(type) {
		case string:
			*dst = v
		case json.Number:
			*dst = v.String()
		default:
			*dst = fmt.Sprint(v)
		}
	}
	return nil
}

func decodeNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// ToCandle validates the record and converts it to a typed candle for asset.
// Any missing or unparsable field yields an error wrapping ErrMalformedRecord.
func (r RawCandle) ToCandle(asset string) (models.Candle, error) {
	var (
		c    models.Candle
		errs []string
	)

	dec := func(name, s string) decimal.Decimal {
		if strings.TrimSpace(s) == "" {
			errs = append(errs, name+" is missing")
			return decimal.Zero
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s %q is not a decimal", name, s))
		}
		return d
	}
	integer := func(name, s string) int64 {
		if strings.TrimSpace(s) == "" {
			errs = append(errs, name+" is missing")
			return 0
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s %q is not an integer", name, s))
		}
		return n
	}

	c.Asset = asset
	c.Low = dec("low", r.Low)
	c.High = dec("high", r.High)
	c.Open = dec("open", r.Open)
	c.Close = dec("close", r.Close)
	c.Amount = dec("amount", r.Amount)
	c.Quantity = dec("quantity", r.Quantity)
	c.BuyTakerAmount = dec("buyTakerAmount", r.BuyTakerAmount)
	c.BuyTakerQuantity = dec("buyTakerQuantity", r.BuyTakerQuantity)
	c.TradeCount = integer("tradeCount", r.TradeCount)
	c.Ts = integer("ts", r.Ts)
	c.WeightedAverage = dec("weightedAverage", r.WeightedAverage)
	startMs := integer("startTime", r.StartTime)
	closeMs := integer("closeTime", r.CloseTime)

	interval, err := models.ParseInterval(r.Interval)
	if err != nil {
		errs = append(errs, err.Error())
	}
	c.Interval = interval

	if len(errs) > 0 {
		return models.Candle{}, fmt.Errorf("%w: %s", apperrors.ErrMalformedRecord, strings.Join(errs, "; "))
	}

	c.StartTime = time.UnixMilli(startMs).UTC()
	c.CloseTime = time.UnixMilli(closeMs).UTC()

	if err := c.Validate(); err != nil {
		return models.Candle{}, fmt.Errorf("%w: %v", apperrors.ErrMalformedRecord, err)
	}
	return c, nil
}
