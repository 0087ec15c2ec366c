// Package pipeline runs the scheduled jobs: an ordered list of tasks with
// per-task retries, one run at a time per pipeline, and a single failure
// alert when a run gives up.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	apperrors "github.com/johnayoung/go-candle-pipeline/internal/errors"
	"github.com/johnayoung/go-candle-pipeline/internal/logger"
	"github.com/johnayoung/go-candle-pipeline/internal/metrics"
	"github.com/johnayoung/go-candle-pipeline/internal/notify"
)

// ErrRunInProgress is returned when a pipeline is started while a run of the
// same pipeline is still active.
var ErrRunInProgress = errors.New("pipeline run already in progress")

// ErrUnknownPipeline is returned for a pipeline id that is not registered
var ErrUnknownPipeline = errors.New("unknown pipeline")

// Task is one step of a pipeline. A failed task is retried Retries times,
// RetryDelay apart, before the run fails.
type Task struct {
	ID         string
	Run        func(ctx context.Context, state *State) error
	Retries    int
	RetryDelay time.Duration
}

// Pipeline is a named, linear list of tasks
type Pipeline struct {
	ID          string
	Description string
	Tags        []string
	// Schedule is a cron expression; empty for pipelines run on demand.
	Schedule string
	Timeout  time.Duration
	Tasks    []Task
}

// Validate checks the pipeline definition
func (p *Pipeline) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: pipeline id is required", apperrors.ErrConfiguration)
	}
	if len(p.Tasks) == 0 {
		return fmt.Errorf("%w: pipeline %s has no tasks", apperrors.ErrConfiguration, p.ID)
	}
	seen := make(map[string]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		if t.ID == "" || t.Run == nil {
			return fmt.Errorf("%w: pipeline %s has an incomplete task", apperrors.ErrConfiguration, p.ID)
		}
		if seen[t.ID] {
			return fmt.Errorf("%w: pipeline %s has duplicate task %s", apperrors.ErrConfiguration, p.ID, t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}

// RunStatus is the final state of a run
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// Report describes a finished run
type Report struct {
	RunID      string
	PipelineID string
	Status     RunStatus
	Started    time.Time
	Finished   time.Time
	// Attempts counts the attempts of every task that ran
	Attempts   map[string]int
	FailedTask string
	Err        error
	State      *State
}

// Duration returns how long the run took
func (r *Report) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Runner executes pipelines
type Runner struct {
	notifier notify.Notifier
	location *time.Location
	metrics  *metrics.Registry
	logger   *slog.Logger
	clock    func() time.Time

	mu     sync.Mutex
	active map[string]string // pipeline id -> run id
}

// RunnerOption configures a Runner
type RunnerOption func(*Runner)

// WithRunnerLogger sets the logger
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithRunnerMetrics sets the metrics registry
func WithRunnerMetrics(reg *metrics.Registry) RunnerOption {
	return func(r *Runner) { r.metrics = reg }
}

// WithLocation sets the time zone of alert timestamps
func WithLocation(loc *time.Location) RunnerOption {
	return func(r *Runner) { r.location = loc }
}

// WithRunnerClock replaces time.Now
func WithRunnerClock(clock func() time.Time) RunnerOption {
	return func(r *Runner) { r.clock = clock }
}

// NewRunner creates a runner alerting through notifier
func NewRunner(notifier notify.Notifier, opts ...RunnerOption) *Runner {
	r := &Runner{
		notifier: notifier,
		clock:    time.Now,
		active:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "pipeline")
	if r.notifier == nil {
		r.notifier = notify.NewLogNotifier(r.logger)
	}
	return r
}

// Active returns the ids of the pipelines currently running, sorted
func (r *Runner) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Runner) acquire(pipelineID, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.active[pipelineID]; ok {
		return fmt.Errorf("%w: %s (run %s)", ErrRunInProgress, pipelineID, current)
	}
	r.active[pipelineID] = runID
	return nil
}

func (r *Runner) release(pipelineID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, pipelineID)
}

// Run executes the tasks of p in order. The first task that fails after its
// retries fails the run: the remaining tasks are skipped and one alert is
// sent. A run stopped by cancellation of ctx is reported as canceled and does
// not alert.
func (r *Runner) Run(ctx context.Context, p *Pipeline) (*Report, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	if err := r.acquire(p.ID, runID); err != nil {
		r.logger.Warn("pipeline run skipped", "pipeline", p.ID, "error", err)
		return nil, err
	}
	defer r.release(p.ID)

	parent := ctx
	ctx = logger.WithPipeline(logger.WithRunID(ctx, runID), p.ID)
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	log := logger.FromContext(ctx, r.logger)

	report := &Report{
		RunID:      runID,
		PipelineID: p.ID,
		Started:    r.clock(),
		Attempts:   make(map[string]int, len(p.Tasks)),
		State:      &State{RunID: runID, PipelineID: p.ID},
	}
	report.State.Started = report.Started
	r.metrics.Add(metrics.PipelineRuns, 1)
	log.Info("pipeline run started", "tasks", len(p.Tasks), "tags", p.Tags)

	for _, task := range p.Tasks {
		err := r.runTask(ctx, log, task, report)
		if err == nil {
			continue
		}

		report.FailedTask = task.ID
		report.Err = err
		report.Finished = r.clock()
		r.metrics.Set(metrics.LastRunDurationSecs, report.Duration().Seconds())

		if parent.Err() != nil {
			report.Status = RunCanceled
			log.Warn("pipeline run canceled", "task", task.ID, "error", err)
			return report, err
		}

		report.Status = RunFailed
		r.metrics.Add(metrics.PipelineFailures, 1)
		log.Error("pipeline run failed",
			"task", task.ID,
			"attempts", report.Attempts[task.ID],
			"error_type", apperrors.GetErrorType(err),
			"error", err)
		r.alert(ctx, log, p)
		return report, err
	}

	report.Status = RunSucceeded
	report.Finished = r.clock()
	r.metrics.Set(metrics.LastRunDurationSecs, report.Duration().Seconds())
	log.Info("pipeline run succeeded", "duration", report.Duration())
	return report, nil
}

func (r *Runner) runTask(ctx context.Context, log *slog.Logger, task Task, report *Report) error {
	ctx = logger.WithTask(ctx, task.ID)
	log = log.With("task", task.ID)
	start := time.Now()

	policy := apperrors.RetryPolicy{Retries: task.Retries, Delay: task.RetryDelay}
	err := apperrors.Retry(ctx, policy, func() error {
		report.Attempts[task.ID]++
		err := task.Run(ctx, report.State)
		if errors.Is(err, apperrors.ErrConfiguration) {
			return backoff.Permanent(err)
		}
		return err
	}, func(attempt int, err error, wait time.Duration) {
		r.metrics.Add(metrics.TaskRetries, 1)
		log.Warn("task failed, retrying",
			"attempt", attempt,
			"max_attempts", policy.Attempts(),
			"retry_in", wait,
			"error", err)
	})
	if err != nil {
		return fmt.Errorf("task %s: %w", task.ID, err)
	}

	log.Info("task completed", "attempts", report.Attempts[task.ID], "duration", time.Since(start))
	return nil
}

// alert sends the failure alert of p. Delivery problems are logged; they do
// not change the outcome of the run.
func (r *Runner) alert(ctx context.Context, log *slog.Logger, p *Pipeline) {
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	message := notify.FormatFailure(r.clock(), r.location, p.Tags, p.ID)
	if err := r.notifier.Notify(alertCtx, p.ID, apperrors.SeverityHigh, message); err != nil {
		log.Error("failed to send failure alert", "error", err)
		return
	}
	r.metrics.Add(metrics.AlertsSent, 1)
}
