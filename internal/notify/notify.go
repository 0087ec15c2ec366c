// Package notify delivers pipeline failure alerts. A failed run produces one
// alert; every configured channel receives it.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/johnayoung/go-candle-pipeline/internal/config"
	apperrors "github.com/johnayoung/go-candle-pipeline/internal/errors"
)

// DefaultTimezone is the location alert timestamps are rendered in
const DefaultTimezone = "Asia/Tokyo"

// FailureLayout formats the timestamp at the head of a failure alert
const FailureLayout = "2006-01-02 15:04:05"

// Notifier sends an alert about a pipeline
type Notifier interface {
	Notify(ctx context.Context, pipelineID string, severity apperrors.Severity, message string) error
}

// FormatFailure renders the failure alert of pipelineID:
//
//	2024-05-31 12:10:00 [Failed]load,crypto
//	Airflow Dags: candles-day-backfill
//
// now is converted to loc; a nil loc means DefaultTimezone.
func FormatFailure(now time.Time, loc *time.Location, tags []string, pipelineID string) string {
	if loc == nil {
		loc = defaultLocation()
	}
	return fmt.Sprintf("%s [Failed]%s\nAirflow Dags: %s",
		now.In(loc).Format(FailureLayout), strings.Join(tags, ","), pipelineID)
}

func defaultLocation() *time.Location {
	loc, err := time.LoadLocation(DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LogNotifier writes alerts to a structured logger
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier logging through logger
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify")}
}

// Notify logs the alert at a level matching its severity
func (n *LogNotifier) Notify(ctx context.Context, pipelineID string, severity apperrors.Severity, message string) error {
	level := slog.LevelWarn
	if severity >= apperrors.SeverityHigh {
		level = slog.LevelError
	}
	n.logger.Log(ctx, level, "pipeline alert",
		"pipeline", pipelineID,
		"severity", severity.String(),
		"message", message)
	return nil
}

// MultiNotifier fans an alert out to several notifiers. Every notifier is
// tried; the errors of those that failed are joined.
type MultiNotifier []Notifier

// Notify sends the alert to every notifier
func (m MultiNotifier) Notify(ctx context.Context, pipelineID string, severity apperrors.Severity, message string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, pipelineID, severity, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases the notifiers that hold connections
func (m MultiNotifier) Close() error {
	var errs []error
	for _, n := range m {
		if c, ok := n.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// New builds the notifier chain named by cfg.Type, a comma separated list of
// "log", "webhook" and "redis". An empty list means log only.
func New(cfg config.NotifyConfig, logger *slog.Logger) (Notifier, error) {
	var chain MultiNotifier
	for _, kind := range strings.Split(cfg.Type, ",") {
		switch strings.TrimSpace(kind) {
		case "log", "":
			chain = append(chain, NewLogNotifier(logger))
		case "webhook":
			w, err := NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookToken, nil)
			if err != nil {
				return nil, err
			}
			chain = append(chain, w)
		case "redis":
			r, err := NewRedisNotifier(cfg.RedisAddr, cfg.RedisDB, cfg.RedisChannel)
			if err != nil {
				return nil, err
			}
			chain = append(chain, r)
		default:
			return nil, fmt.Errorf("%w: unknown notifier %q", apperrors.ErrConfiguration, kind)
		}
	}

	// "log,log" or ",log" should not log twice
	chain = dedupeLog(chain)
	if len(chain) == 1 {
		return chain[0], nil
	}
	return chain, nil
}

func dedupeLog(chain MultiNotifier) MultiNotifier {
	out := chain[:0]
	seenLog := false
	for _, n := range chain {
		if _, ok := n.(*LogNotifier); ok {
			if seenLog {
				continue
			}
			seenLog = true
		}
		out = append(out, n)
	}
	return out
}

var (
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = MultiNotifier(nil)
)
