package models

import (
	"fmt"
	"time"
)

// FetchWindow is a half-open time range [Start, End) requested for one asset
// in a single upstream call.
type FetchWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Span returns End - Start
func (w FetchWindow) Span() time.Duration {
	return w.End.Sub(w.Start)
}

// Contains reports whether t falls inside [Start, End)
func (w FetchWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Validate checks that the window is non-empty
func (w FetchWindow) Validate() error {
	if !w.End.After(w.Start) {
		return &ValidationError{Field: "end", Message: "window end must be after window start"}
	}
	return nil
}

func (w FetchWindow) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
}
