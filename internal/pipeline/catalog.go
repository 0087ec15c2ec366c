package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/johnayoung/go-candle-pipeline/internal/collector"
	"github.com/johnayoung/go-candle-pipeline/internal/config"
	apperrors "github.com/johnayoung/go-candle-pipeline/internal/errors"
	"github.com/johnayoung/go-candle-pipeline/internal/exchange"
	"github.com/johnayoung/go-candle-pipeline/internal/metrics"
	"github.com/johnayoung/go-candle-pipeline/internal/models"
	"github.com/johnayoung/go-candle-pipeline/internal/normalizer"
	"github.com/johnayoung/go-candle-pipeline/internal/storage"
	"github.com/johnayoung/go-candle-pipeline/internal/warehouse"
)

// Pipeline ids
const (
	CandlesMinuteID    = "candles-minute"
	CandlesDayID       = "candles-day-backfill"
	WarehouseRefreshID = "warehouse-refresh"
	IndicatorsDayID    = "indicators-day"
	ContainerCheckID   = "container-check"
)

// Deps are the connections pipelines run against. A pipeline whose
// dependencies are nil is left out of the catalog.
type Deps struct {
	Source    exchange.CandleSource
	Sink      storage.Sink
	Refresher WarehouseRefresher
	Mart      MartStore
	Checker   ContainerChecker
	Metrics   *metrics.Registry
	Logger    *slog.Logger
	Sleep     collector.Sleeper
	Clock     func() time.Time
}

// Needs lists the connections a pipeline requires
type Needs struct {
	Exchange  bool
	Sink      bool
	Warehouse bool
	SSH       bool
}

// NeedsFor returns what pipeline id requires under cfg
func NeedsFor(cfg *config.AppConfig, id string) (Needs, error) {
	switch id {
	case CandlesMinuteID:
		return Needs{Exchange: true, Sink: true, Warehouse: cfg.Pipelines.CandlesMinute.RefreshWarehouse}, nil
	case CandlesDayID:
		return Needs{Exchange: true, Sink: true, Warehouse: cfg.Pipelines.CandlesDay.RefreshWarehouse}, nil
	case WarehouseRefreshID, IndicatorsDayID:
		return Needs{Warehouse: true}, nil
	case ContainerCheckID:
		return Needs{SSH: true}, nil
	default:
		return Needs{}, fmt.Errorf("%w: %s", ErrUnknownPipeline, id)
	}
}

// PolicyFor returns the scheduling and retry policy configured for id
func PolicyFor(cfg *config.AppConfig, id string) (config.TaskPolicyConfig, error) {
	pc := cfg.Pipelines
	switch id {
	case CandlesMinuteID:
		return pc.CandlesMinute.TaskPolicyConfig, nil
	case CandlesDayID:
		return pc.CandlesDay.TaskPolicyConfig, nil
	case WarehouseRefreshID:
		return pc.Refresh, nil
	case IndicatorsDayID:
		return pc.Indicators.TaskPolicyConfig, nil
	case ContainerCheckID:
		return pc.ContainerCheck, nil
	default:
		return config.TaskPolicyConfig{}, fmt.Errorf("%w: %s", ErrUnknownPipeline, id)
	}
}

// IDs returns every pipeline id the binary knows
func IDs() []string {
	return []string{CandlesMinuteID, CandlesDayID, WarehouseRefreshID, IndicatorsDayID, ContainerCheckID}
}

// Catalog holds the pipelines built from configuration
type Catalog struct {
	pipelines map[string]*Pipeline
}

// Get returns the pipeline with id
func (c *Catalog) Get(id string) (*Pipeline, error) {
	p, ok := c.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPipeline, id)
	}
	return p, nil
}

// All returns the pipelines sorted by id
func (c *Catalog) All() []*Pipeline {
	out := make([]*Pipeline, 0, len(c.pipelines))
	for _, p := range c.pipelines {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Catalog) add(p *Pipeline) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.pipelines[p.ID] = p
	return nil
}

// Build creates every enabled pipeline whose dependencies are present
func Build(cfg *config.AppConfig, deps Deps) (*Catalog, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	catalog := &Catalog{pipelines: make(map[string]*Pipeline)}
	pc := cfg.Pipelines

	candles := []struct {
		id   string
		desc string
		cfg  config.CandlePipelineConfig
	}{
		{CandlesMinuteID, "Load candles minute data", pc.CandlesMinute},
		{CandlesDayID, "Load the past data for crypto candles day", pc.CandlesDay},
	}
	for _, c := range candles {
		if !c.cfg.Enabled || deps.Source == nil || deps.Sink == nil {
			continue
		}
		if c.cfg.RefreshWarehouse && deps.Refresher == nil {
			continue
		}
		p, err := CandlePipeline(c.id, c.desc, c.cfg, cfg.Sink.BatchSize, cfg.Warehouse, deps)
		if err != nil {
			return nil, err
		}
		if err := catalog.add(p); err != nil {
			return nil, err
		}
	}

	if pc.Refresh.Enabled && deps.Refresher != nil {
		p := newPipeline(WarehouseRefreshID, "Full refresh of the warehouse candle table", pc.Refresh)
		p.Tasks = []Task{task("load_to_warehouse", pc.Refresh,
			RefreshTask(deps.Refresher, refreshSpec(cfg.Warehouse, pc.CandlesDay)))}
		if err := catalog.add(p); err != nil {
			return nil, err
		}
	}

	if pc.Indicators.Enabled && deps.Mart != nil {
		ic := pc.Indicators
		p := newPipeline(IndicatorsDayID, "Create the daily candle indicator mart", ic.TaskPolicyConfig)
		table := models.Table{Name: ic.SourceTable, DateColumn: pc.CandlesDay.DateColumn}
		p.Tasks = []Task{task("create_indicators", ic.TaskPolicyConfig,
			IndicatorsTask(deps.Mart, ic.SourceTable, table, ic.TargetTable, ic.NMultiple, deps.Logger))}
		if err := catalog.add(p); err != nil {
			return nil, err
		}
	}

	if pc.ContainerCheck.Enabled && deps.Checker != nil {
		p := newPipeline(ContainerCheckID, "Check if the scheduler container is stopped", pc.ContainerCheck)
		p.Tasks = []Task{task("ssh_operation", pc.ContainerCheck, ContainerCheckTask(deps.Checker))}
		if err := catalog.add(p); err != nil {
			return nil, err
		}
	}

	return catalog, nil
}

// CandlePipeline builds a fetch, normalize and insert pipeline, followed by a
// warehouse refresh when cfg asks for one.
func CandlePipeline(id, description string, cfg config.CandlePipelineConfig, batchSize int, wh config.WarehouseConfig, deps Deps) (*Pipeline, error) {
	interval, err := models.ParseInterval(cfg.Interval)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", apperrors.ErrConfiguration, id, err)
	}
	span := config.ParseDurationOr(cfg.WindowSpan, 0)
	if span <= 0 {
		return nil, fmt.Errorf("%w: %s: window span %q is not a positive duration", apperrors.ErrConfiguration, id, cfg.WindowSpan)
	}
	// window boundaries must fall on candle boundaries
	if span%interval.Duration() != 0 {
		return nil, fmt.Errorf("%w: %s: window span %s is not a multiple of %s", apperrors.ErrConfiguration, id, span, interval)
	}

	var (
		plan  PlanFunc
		order collector.Order
	)
	switch cfg.Mode {
	case "backward":
		plan, order = BackwardPlan(interval, span, cfg.WindowCount), collector.AssetMajor
	case "forward":
		plan, order = LookbackPlan(interval, cfg.TargetDays, span), collector.WindowMajor
	default:
		return nil, fmt.Errorf("%w: %s: unknown mode %q", apperrors.ErrConfiguration, id, cfg.Mode)
	}

	table := models.Table{Name: cfg.Table, DateColumn: cfg.DateColumn}
	fetchCfg := collector.Config{
		Pause:   config.ParseDurationOr(cfg.Pause, 0),
		Logger:  deps.Logger,
		Sleep:   deps.Sleep,
		Metrics: deps.Metrics,
	}
	norm := normalizer.New(
		normalizer.WithClock(deps.Clock),
		normalizer.WithLogger(deps.Logger),
		normalizer.WithMetrics(deps.Metrics),
	)
	writer := storage.BatchWriter{
		Sink:      deps.Sink,
		BatchSize: batchSize,
		Logger:    deps.Logger.With("component", "storage"),
		Metrics:   deps.Metrics,
	}

	p := newPipeline(id, description, cfg.TaskPolicyConfig)
	p.Tasks = []Task{
		task("get_candle_data", cfg.TaskPolicyConfig,
			FetchTask(deps.Source, cfg.Assets, interval, order, plan, fetchCfg, deps.Clock)),
		task("process_candle_data", cfg.TaskPolicyConfig, NormalizeTask(norm)),
		task("insert_data", cfg.TaskPolicyConfig, InsertTask(writer, table)),
	}
	if cfg.RefreshWarehouse {
		p.Tasks = append(p.Tasks, task("load_to_warehouse", cfg.TaskPolicyConfig,
			RefreshTask(deps.Refresher, refreshSpec(wh, cfg))))
	}
	return p, nil
}

func newPipeline(id, description string, policy config.TaskPolicyConfig) *Pipeline {
	return &Pipeline{
		ID:          id,
		Description: description,
		Tags:        policy.Tags,
		Schedule:    policy.Schedule,
		Timeout:     config.ParseDurationOr(policy.Timeout, 0),
	}
}

func task(id string, policy config.TaskPolicyConfig, run func(context.Context, *State) error) Task {
	return Task{
		ID:         id,
		Run:        run,
		Retries:    policy.Retries,
		RetryDelay: config.ParseDurationOr(policy.RetryDelay, 0),
	}
}

func refreshSpec(wh config.WarehouseConfig, cfg config.CandlePipelineConfig) warehouse.RefreshSpec {
	return warehouse.RefreshSpec{
		Source: wh.SourceTable,
		Target: wh.TargetTable,
		Table:  models.Table{Name: cfg.Table, DateColumn: cfg.DateColumn},
	}
}
