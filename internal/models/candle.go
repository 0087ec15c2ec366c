// Package models provides the data structures shared by the candle pipelines:
// typed candles, fetch windows, and the positional storage rows written to sinks.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV observation for one asset at one interval. Candles are
// created from upstream records, never mutated, and turned into StorageRows by
// the normalizer.
type Candle struct {
	Asset    string   `json:"id"`
	Interval Interval `json:"interval"`

	Low              decimal.Decimal `json:"low"`
	High             decimal.Decimal `json:"high"`
	Open             decimal.Decimal `json:"open"`
	Close            decimal.Decimal `json:"close"`
	Amount           decimal.Decimal `json:"amount"`   // quote currency volume
	Quantity         decimal.Decimal `json:"quantity"` // base currency volume
	BuyTakerAmount   decimal.Decimal `json:"buyTakerAmount"`
	BuyTakerQuantity decimal.Decimal `json:"buyTakerQuantity"`
	TradeCount       int64           `json:"tradeCount"`
	WeightedAverage  decimal.Decimal `json:"weightedAverage"`

	// Ts is the upstream record timestamp in milliseconds.
	Ts        int64     `json:"ts"`
	StartTime time.Time `json:"startTime"`
	CloseTime time.Time `json:"closeTime"`
}

// ValidationError represents a candle validation error with specific field context.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks the invariants every stored candle must satisfy:
// start < close, low <= open, close <= high, and a non-negative trade count.
func (c *Candle) Validate() error {
	if c.Asset == "" {
		return &ValidationError{Field: "id", Message: "asset cannot be empty"}
	}
	if !c.Interval.Valid() {
		return &ValidationError{Field: "interval", Message: fmt.Sprintf("unsupported interval %q", c.Interval)}
	}
	if c.StartTime.IsZero() || c.CloseTime.IsZero() {
		return &ValidationError{Field: "startTime", Message: "start and close time are required"}
	}
	if !c.StartTime.Before(c.CloseTime) {
		return &ValidationError{
			Field:   "closeTime",
			Message: fmt.Sprintf("close time %d must be after start time %d", c.CloseTime.Unix(), c.StartTime.Unix()),
		}
	}

	if c.Low.GreaterThan(c.High) {
		return &ValidationError{Field: "low", Message: fmt.Sprintf("low (%s) must not exceed high (%s)", c.Low, c.High)}
	}
	for _, p := range []struct {
		name  string
		value decimal.Decimal
	}{{"open", c.Open}, {"close", c.Close}} {
		if p.value.LessThan(c.Low) || p.value.GreaterThan(c.High) {
			return &ValidationError{
				Field:   p.name,
				Message: fmt.Sprintf("%s (%s) must lie within [low %s, high %s]", p.name, p.value, c.Low, c.High),
			}
		}
	}

	if c.TradeCount < 0 {
		return &ValidationError{Field: "tradeCount", Message: "trade count must be greater than or equal to 0"}
	}
	return nil
}

// String returns a compact representation for log messages
func (c Candle) String() string {
	return fmt.Sprintf("Candle{%s %s %s O:%s H:%s L:%s C:%s}",
		c.Asset, c.Interval, c.StartTime.UTC().Format(time.RFC3339), c.Open, c.High, c.Low, c.Close)
}
