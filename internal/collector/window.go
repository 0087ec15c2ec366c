package collector

import (
	"fmt"
	"time"

	"github.com/johnayoung/go-candle-pipeline/internal/models"
)

// PlanBackward returns count contiguous windows of length span ending at end,
// oldest first. The minute refresh uses 4 windows of 500 minutes.
func PlanBackward(end time.Time, span time.Duration, count int) ([]models.FetchWindow, error) {
	if span <= 0 {
		return nil, fmt.Errorf("window span must be positive, got %s", span)
	}
	if count <= 0 {
		return nil, fmt.Errorf("window count must be positive, got %d", count)
	}

	windows := make([]models.FetchWindow, 0, count)
	for i := count; i >= 1; i-- {
		start := end.Add(-time.Duration(i) * span)
		windows = append(windows, models.FetchWindow{Start: start, End: start.Add(span)})
	}
	return windows, nil
}

// PlanForward walks from from towards to in steps of span until the cursor
// passes to. The last window is clamped to to, so the windows cover [from, to]
// exactly.
func PlanForward(from, to time.Time, span time.Duration) ([]models.FetchWindow, error) {
	if span <= 0 {
		return nil, fmt.Errorf("window span must be positive, got %s", span)
	}
	if !to.After(from) {
		return nil, fmt.Errorf("range end %s must be after range start %s", to, from)
	}

	var windows []models.FetchWindow
	for cur := from; !cur.After(to); cur = cur.Add(span) {
		end := cur.Add(span)
		if end.After(to) {
			end = to
		}
		if !end.After(cur) {
			break
		}
		windows = append(windows, models.FetchWindow{Start: cur, End: end})
	}
	return windows, nil
}

// PlanLookback is PlanForward over the targetDays days before now. The range
// is used as given: callers align now to the candle interval (and pick a span
// that is a multiple of it) so that every window boundary is a candle
// boundary. Otherwise the candle straddling a boundary closes after the end
// of one window and starts before the next, and neither keeps it.
func PlanLookback(now time.Time, targetDays int, span time.Duration) ([]models.FetchWindow, error) {
	if targetDays <= 0 {
		return nil, fmt.Errorf("target days must be positive, got %d", targetDays)
	}
	return PlanForward(now.AddDate(0, 0, -targetDays), now, span)
}

// checkWindows verifies that windows are contiguous, ascending and no wider
// than maxSpan (when maxSpan > 0).
func checkWindows(windows []models.FetchWindow, maxSpan time.Duration) error {
	for i, w := range windows {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("window %d %s: %w", i, w, err)
		}
		if maxSpan > 0 && w.Span() > maxSpan {
			return fmt.Errorf("window %d %s spans %s, more than the %s the exchange returns per call", i, w, w.Span(), maxSpan)
		}
		if i > 0 && !windows[i-1].End.Equal(w.Start) {
			return fmt.Errorf("window %d %s does not start where window %d %s ends", i, w, i-1, windows[i-1])
		}
	}
	return nil
}
