// Package indicators derives the technical indicator mart from a daily candle
// series. The math comes from github.com/cinar/indicator; this package lines
// the inputs up, masks each indicator's warm-up period, and shapes the output
// into mart rows.
package indicators

import (
	"fmt"
	"math"

	"github.com/cinar/indicator"
)

// Periods of the indicators the library computes with fixed defaults. They
// bound the warm-up rows that are emitted as NULL.
const (
	macdSlow      = 26
	macdSignal    = 9
	rsiPeriod     = 14
	bollinger     = 20
	obvSMAPeriod  = 20
	tenkanPeriod  = 9
	kijunPeriod   = 26
	senkouBPeriod = 52
	chikouShift   = 26
	stochKPeriod  = 14
	stochDPeriod  = 3
	aroonPeriod   = 25
)

// Series is one asset's candles in ascending time order
type Series struct {
	Asset  string
	Dates  []string
	Open   []float64
	High   []float64
	Low    []float64
	Close  []float64
	Volume []float64
}

// Len returns the number of bars
func (s Series) Len() int {
	return len(s.Close)
}

// Validate checks that every column has one value per bar
func (s Series) Validate() error {
	n := len(s.Close)
	columns := []struct {
		name string
		len  int
	}{
		{"dates", len(s.Dates)},
		{"open", len(s.Open)},
		{"high", len(s.High)},
		{"low", len(s.Low)},
		{"volume", len(s.Volume)},
	}
	for _, col := range columns {
		if col.len != n {
			return fmt.Errorf("series %s: %s has %d values, close has %d", s.Asset, col.name, col.len, n)
		}
	}
	return nil
}

// Row is one mart row: the source bar plus every indicator value on that
// bar. Nil indicator fields are inside the warm-up period or undefined.
type Row struct {
	ID     string
	Date   string
	Low    float64
	High   float64
	Open   float64
	Close  float64
	Volume float64

	MACD       *float64
	MACDSignal *float64
	RSI        *float64

	BollingerSMA   *float64
	BollingerLower *float64
	BollingerUpper *float64

	OBV    *float64
	OBVSMA *float64

	IchimokuChikou *float64
	IchimokuKijun  *float64
	IchimokuTenkan *float64
	IchimokuSpanA  *float64
	IchimokuSpanB  *float64

	StochOscillator *float64
	StochSignal     *float64
	StochPercentJ   *float64

	AroonUp         *float64
	AroonDown       *float64
	AroonOscillator *float64

	SMA5  *float64
	SMA10 *float64
	SMA30 *float64
	EMA5  *float64
	EMA10 *float64
	EMA30 *float64

	NMultiple float64
}

// Columns returns the mart column list in the order of Row.Values
func Columns() []string {
	return []string{
		"id", "dt_", "low", "high", "open", "close", "volume",
		"macd", "macd_single", "rsi",
		"bollinger_bands_sma", "bollinger_bands_lower_band", "bollinger_bands_upper_band",
		"obv", "obv_sma",
		"ichimoku_chikou_span", "ichimoku_kijun_sen", "ichimoku_tenkan_sen",
		"ichimoku_senkou_span_a", "ichimoku_senkou_span_b",
		"stoch_oscillator", "stoch_signal", "stoch_percent_j",
		"aroon_up", "aroon_down", "aroon_oscillator",
		"sma5", "sma10", "sma30", "ema5", "ema10", "ema30",
		"N_multiple",
	}
}

// Values returns the row as a positional tuple; nil indicators become NULL
func (r Row) Values() []any {
	return []any{
		r.ID, r.Date, r.Low, r.High, r.Open, r.Close, r.Volume,
		nullable(r.MACD), nullable(r.MACDSignal), nullable(r.RSI),
		nullable(r.BollingerSMA), nullable(r.BollingerLower), nullable(r.BollingerUpper),
		nullable(r.OBV), nullable(r.OBVSMA),
		nullable(r.IchimokuChikou), nullable(r.IchimokuKijun), nullable(r.IchimokuTenkan),
		nullable(r.IchimokuSpanA), nullable(r.IchimokuSpanB),
		nullable(r.StochOscillator), nullable(r.StochSignal), nullable(r.StochPercentJ),
		nullable(r.AroonUp), nullable(r.AroonDown), nullable(r.AroonOscillator),
		nullable(r.SMA5), nullable(r.SMA10), nullable(r.SMA30),
		nullable(r.EMA5), nullable(r.EMA10), nullable(r.EMA30),
		r.NMultiple,
	}
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// Compute returns one row per bar of s. Prices are scaled by nMultiple before
// the indicators are computed; the bar columns of each row keep the source
// values. A zero nMultiple means 1.
func Compute(s Series, nMultiple float64) ([]Row, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	n := s.Len()
	if n == 0 {
		return nil, nil
	}
	if nMultiple == 0 {
		nMultiple = 1
	}

	high := scale(s.High, nMultiple)
	low := scale(s.Low, nMultiple)
	closing := scale(s.Close, nMultiple)

	macd, signal := indicator.Macd(closing)
	_, rsi := indicator.Rsi(closing)
	bbMiddle, bbUpper, bbLower := indicator.BollingerBands(closing)
	obv := indicator.Obv(closing, s.Volume)
	obvSMA := indicator.Sma(obvSMAPeriod, obv)
	tenkan, kijun, spanA, spanB, chikou := indicator.IchimokuCloud(high, low, closing)
	k, d := indicator.StochasticOscillator(high, low, closing)
	aroonUp, aroonDown := indicator.Aroon(high, low)

	sma5 := indicator.Sma(5, closing)
	sma10 := indicator.Sma(10, closing)
	sma30 := indicator.Sma(30, closing)
	ema5 := indicator.Ema(5, closing)
	ema10 := indicator.Ema(10, closing)
	ema30 := indicator.Ema(30, closing)

	rows := make([]Row, n)
	for i := range rows {
		r := Row{
			ID:        s.Asset,
			Date:      s.Dates[i],
			Low:       s.Low[i],
			High:      s.High[i],
			Open:      s.Open[i],
			Close:     s.Close[i],
			Volume:    s.Volume[i],
			NMultiple: nMultiple,

			MACD:       at(macd, i, macdSlow-1),
			MACDSignal: at(signal, i, macdSlow+macdSignal-2),
			RSI:        at(rsi, i, rsiPeriod),

			BollingerSMA:   at(bbMiddle, i, bollinger-1),
			BollingerLower: at(bbLower, i, bollinger-1),
			BollingerUpper: at(bbUpper, i, bollinger-1),

			OBV:    at(obv, i, 0),
			OBVSMA: at(obvSMA, i, obvSMAPeriod-1),

			IchimokuChikou: at(chikou, i, chikouShift),
			IchimokuKijun:  at(kijun, i, kijunPeriod-1),
			IchimokuTenkan: at(tenkan, i, tenkanPeriod-1),
			IchimokuSpanA:  at(spanA, i, kijunPeriod-1),
			IchimokuSpanB:  at(spanB, i, senkouBPeriod-1),

			StochOscillator: at(k, i, stochKPeriod-1),
			StochSignal:     at(d, i, stochKPeriod+stochDPeriod-2),

			AroonUp:   at(aroonUp, i, aroonPeriod-1),
			AroonDown: at(aroonDown, i, aroonPeriod-1),

			SMA5:  at(sma5, i, 4),
			SMA10: at(sma10, i, 9),
			SMA30: at(sma30, i, 29),
			EMA5:  at(ema5, i, 4),
			EMA10: at(ema10, i, 9),
			EMA30: at(ema30, i, 29),
		}
		if r.StochOscillator != nil && r.StochSignal != nil {
			j := 3*(*r.StochOscillator) - 2*(*r.StochSignal)
			r.StochPercentJ = finite(j)
		}
		if r.AroonUp != nil && r.AroonDown != nil {
			r.AroonOscillator = finite(*r.AroonUp - *r.AroonDown)
		}
		rows[i] = r
	}
	return rows, nil
}

// at returns values[i] unless i is inside the warm-up or the value is not finite
func at(values []float64, i, warmup int) *float64 {
	if i < warmup || i >= len(values) {
		return nil
	}
	return finite(values[i])
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func scale(values []float64, k float64) []float64 {
	if k == 1 {
		return values
	}
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = v * k
	}
	return out
}
