package models

import (
	"fmt"
	"strings"
	"time"
)

// Interval is the time granularity of a candle series, named the way the
// upstream exchange names it.
type Interval string

const (
	IntervalMinute1  Interval = "MINUTE_1"
	IntervalMinute5  Interval = "MINUTE_5"
	IntervalMinute15 Interval = "MINUTE_15"
	IntervalMinute30 Interval = "MINUTE_30"
	IntervalHour1    Interval = "HOUR_1"
	IntervalHour4    Interval = "HOUR_4"
	IntervalDay1     Interval = "DAY_1"
	IntervalWeek1    Interval = "WEEK_1"
)

var intervalDurations = map[Interval]time.Duration{
	IntervalMinute1:  time.Minute,
	IntervalMinute5:  5 * time.Minute,
	IntervalMinute15: 15 * time.Minute,
	IntervalMinute30: 30 * time.Minute,
	IntervalHour1:    time.Hour,
	IntervalHour4:    4 * time.Hour,
	IntervalDay1:     24 * time.Hour,
	IntervalWeek1:    7 * 24 * time.Hour,
}

// ParseInterval accepts the exchange name in any case, e.g. "minute_1" or "DAY_1".
func ParseInterval(s string) (Interval, error) {
	iv := Interval(strings.ToUpper(strings.TrimSpace(s)))
	if !iv.Valid() {
		return "", fmt.Errorf("unsupported interval %q", s)
	}
	return iv, nil
}

// Valid reports whether the interval is one the exchange recognizes
func (i Interval) Valid() bool {
	_, ok := intervalDurations[i]
	return ok
}

// Duration returns the length of one candle, or 0 for an unknown interval
func (i Interval) Duration() time.Duration {
	return intervalDurations[i]
}

// MaxWindow returns the widest fetch window that stays within limit candles
func (i Interval) MaxWindow(limit int) time.Duration {
	return time.Duration(limit) * i.Duration()
}

func (i Interval) String() string {
	return string(i)
}
