package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DateTimeLayout formats the business date column (dt / dt_create_utc)
const DateTimeLayout = "2006-01-02 15:04:05"

// Table describes a destination table for normalized rows
type Table struct {
	Name       string
	DateColumn string // "dt" for minute candles, "dt_create_utc" for daily candles
}

// Columns returns the destination column list in insertion order
func (t Table) Columns() []string {
	dateColumn := t.DateColumn
	if dateColumn == "" {
		dateColumn = "dt"
	}
	return []string{
		"id", "low", "high", "open", "close", "amount", "quantity",
		"buyTakerAmount", "buyTakerQuantity", "tradeCount", "ts",
		"weightedAverage", "interval", "startTime", "closeTime",
		dateColumn, "ts_insert_utc",
	}
}

// StorageRow is one normalized candle in destination column order. Business
// time (StartTime, CloseTime, Date) comes from the exchange; InsertedAt is the
// local wall clock at normalization and is shared by every row of a batch.
type StorageRow struct {
	ID               string          `json:"id"`
	Low              decimal.Decimal `json:"low"`
	High             decimal.Decimal `json:"high"`
	Open             decimal.Decimal `json:"open"`
	Close            decimal.Decimal `json:"close"`
	Amount           decimal.Decimal `json:"amount"`
	Quantity         decimal.Decimal `json:"quantity"`
	BuyTakerAmount   decimal.Decimal `json:"buyTakerAmount"`
	BuyTakerQuantity decimal.Decimal `json:"buyTakerQuantity"`
	TradeCount       int64           `json:"tradeCount"`
	Ts               int64           `json:"ts"`
	WeightedAverage  decimal.Decimal `json:"weightedAverage"`
	Interval         string          `json:"interval"`
	StartTime        int64           `json:"startTime"` // seconds since epoch
	CloseTime        int64           `json:"closeTime"` // seconds since epoch
	Date             string          `json:"dt"`
	InsertedAt       time.Time       `json:"ts_insert_utc"`
}

// Values returns the row as a positional tuple matching Table.Columns
func (r StorageRow) Values() []any {
	return []any{
		r.ID, r.Low, r.High, r.Open, r.Close, r.Amount, r.Quantity,
		r.BuyTakerAmount, r.BuyTakerQuantity, r.TradeCount, r.Ts,
		r.WeightedAverage, r.Interval, r.StartTime, r.CloseTime,
		r.Date, r.InsertedAt,
	}
}
