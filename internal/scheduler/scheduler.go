// Package scheduler triggers pipelines on their cron schedules.
//
// Each pipeline with a non-empty Schedule gets one cron entry. A trigger that
// fires while the previous run of the same pipeline is still going is skipped,
// both by the cron chain and by the runner's own one-run-per-pipeline guard.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	apperrors "github.com/johnayoung/go-candle-pipeline/internal/errors"
	"github.com/johnayoung/go-candle-pipeline/internal/pipeline"
)

// PipelineRunner executes one pipeline run
type PipelineRunner interface {
	Run(ctx context.Context, p *pipeline.Pipeline) (*pipeline.Report, error)
}

// Entry describes a scheduled pipeline
type Entry struct {
	PipelineID string
	Schedule   string
	Next       time.Time
	Prev       time.Time
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLocation evaluates schedules in loc instead of UTC
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) { s.location = loc }
}

// Scheduler owns the cron loop
type Scheduler struct {
	runner   PipelineRunner
	logger   *slog.Logger
	location *time.Location
	cron     *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
	specs   map[string]string

	isRunning int32
	ctx       context.Context
	cancel    context.CancelFunc
}

// New registers every scheduled pipeline. Pipelines without a schedule are
// left for manual runs. An invalid cron expression is a configuration error.
func New(runner PipelineRunner, pipelines []*pipeline.Pipeline, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		runner:   runner,
		logger:   logger.With("component", "scheduler"),
		location: time.UTC,
		entries:  make(map[string]cron.EntryID),
		specs:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}

	cronLog := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithLocation(s.location),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for _, p := range pipelines {
		if p.Schedule == "" {
			continue
		}
		id, err := s.cron.AddFunc(p.Schedule, s.job(p))
		if err != nil {
			return nil, fmt.Errorf("%w: pipeline %s schedule %q: %v", apperrors.ErrConfiguration, p.ID, p.Schedule, err)
		}
		s.entries[p.ID] = id
		s.specs[p.ID] = p.Schedule
	}
	return s, nil
}

// job returns the cron callback of p
func (s *Scheduler) job(p *pipeline.Pipeline) func() {
	return func() {
		report, err := s.runner.Run(s.ctx, p)
		switch {
		case errors.Is(err, pipeline.ErrRunInProgress):
			s.logger.Warn("scheduled run skipped, previous run still active", "pipeline", p.ID)
		case err != nil:
			attrs := []any{"pipeline", p.ID, "error", err}
			if report != nil {
				attrs = append(attrs, "run_id", report.RunID, "status", report.Status)
			}
			s.logger.Error("scheduled run failed", attrs...)
		default:
			s.logger.Info("scheduled run finished", "pipeline", p.ID, "run_id", report.RunID, "duration", report.Duration())
		}
	}
}

// Start begins firing schedules. ctx cancellation stops the scheduler the
// same way Stop does, without waiting for running pipelines.
func (s *Scheduler) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.isRunning, 0, 1) {
		return fmt.Errorf("scheduler is already running")
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "pipelines", len(s.entries), "location", s.location.String())

	go func() {
		select {
		case <-ctx.Done():
			s.cancel()
			s.cron.Stop()
		case <-s.ctx.Done():
		}
	}()
	return nil
}

// Stop stops firing schedules, cancels running pipelines, and waits for them
// to return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.isRunning, 1, 0) {
		return fmt.Errorf("scheduler is not running")
	}
	s.logger.Info("stopping scheduler")

	// the cron context is done once every running job has returned
	done := s.cron.Stop().Done()
	s.cancel()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out", "error", ctx.Err())
		return ctx.Err()
	}
}

// IsRunning reports whether Start was called without a matching Stop
func (s *Scheduler) IsRunning() bool {
	return atomic.LoadInt32(&s.isRunning) == 1
}

// Entries lists the scheduled pipelines sorted by id. Next is zero until the
// scheduler has been started.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for pipelineID, id := range s.entries {
		e := s.cron.Entry(id)
		out = append(out, Entry{
			PipelineID: pipelineID,
			Schedule:   s.specs[pipelineID],
			Next:       e.Next,
			Prev:       e.Prev,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PipelineID < out[j].PipelineID })
	return out
}

// NextRun returns the first time after now the schedule of pipelineID fires
func (s *Scheduler) NextRun(pipelineID string, now time.Time) (time.Time, error) {
	s.mu.Lock()
	id, ok := s.entries[pipelineID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s is not scheduled", pipeline.ErrUnknownPipeline, pipelineID)
	}
	return s.cron.Entry(id).Schedule.Next(now.In(s.location)), nil
}

// cronLogger routes cron's own logging to slog
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
