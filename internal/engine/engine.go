// Package engine drives the batch evaluation of alert rules: grouping by
// instrument, fetching series, running the crossing detector, and handing
// triggers to the dispatcher.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"indicator-alerts/internal/alert"
	"indicator-alerts/internal/indicator"
	"indicator-alerts/internal/market"
	"indicator-alerts/internal/metrics"
	"indicator-alerts/internal/storage"
)

// SeriesProvider yields one candle series per fetch group. The bool reports
// a cache hit; the provider spaces its own upstream traffic.
type SeriesProvider interface {
	GetSeries(ctx context.Context, symbol string, tf market.Timeframe, limit int) (market.Series, bool, error)
}

// TriggerDispatcher consumes the triggers collected in a cycle.
type TriggerDispatcher interface {
	Dispatch(ctx context.Context, triggers []alert.Trigger)
}

// Options bound one evaluation cycle.
type Options struct {
	CandleLimit        int
	MaxGroupsPerCycle  int
	RateLimitBackoff   time.Duration
	DispatchBatchSize  int
	DispatchBatchPause time.Duration
	EventRetention     time.Duration
}

// Engine orchestrates one evaluation cycle at a time. Groups are processed
// sequentially to bound external request rate; failures are isolated per
// group and per rule and never abort the cycle.
type Engine struct {
	opts       Options
	rules      storage.RuleStore
	states     storage.StateStore
	events     storage.EventStore
	provider   SeriesProvider
	dispatcher TriggerDispatcher
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs the engine. dispatcher and m may be nil.
func New(opts Options, rules storage.RuleStore, states storage.StateStore, events storage.EventStore, provider SeriesProvider, dispatcher TriggerDispatcher, m *metrics.Metrics, logger zerolog.Logger) *Engine {
	if opts.CandleLimit <= 0 {
		opts.CandleLimit = 120
	}
	if opts.DispatchBatchSize <= 0 {
		opts.DispatchBatchSize = 20
	}

	return &Engine{
		opts:       opts,
		rules:      rules,
		states:     states,
		events:     events,
		provider:   provider,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger.With().Str("component", "engine").Logger(),
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// group is one (symbol, timeframe) fetch unit.
type group struct {
	symbol    string
	timeframe market.Timeframe
	rules     []alert.Rule
}

// RunCycle evaluates all active rules once. It satisfies scheduler.TickFunc.
func (e *Engine) RunCycle(ctx context.Context, started time.Time) error {
	rules, err := e.rules.ListActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("load active rules: %w", err)
	}
	if len(rules) == 0 {
		return nil
	}

	if e.metrics != nil {
		e.metrics.CyclesTotal.Inc()
		defer func(begin time.Time) {
			e.metrics.CycleDuration.Observe(e.now().Sub(begin).Seconds())
		}(e.now())
	}

	groups := groupRules(rules)
	deferred := 0
	if e.opts.MaxGroupsPerCycle > 0 && len(groups) > e.opts.MaxGroupsPerCycle {
		deferred = len(groups) - e.opts.MaxGroupsPerCycle
		groups = groups[:e.opts.MaxGroupsPerCycle]
	}
	if deferred > 0 {
		// Selection is re-derived fresh each cycle, so the cut groups are
		// only delayed, never lost.
		e.logger.Warn().Int("deferred", deferred).Msg("group budget exceeded, deferring remainder")
		if e.metrics != nil {
			e.metrics.GroupsDeferred.Add(float64(deferred))
		}
	}

	var triggers []alert.Trigger
	for _, g := range groups {
		if ctx.Err() != nil {
			break
		}
		collected, err := e.processGroup(ctx, g)
		if err != nil {
			e.logger.Error().Err(err).
				Str("symbol", g.symbol).
				Str("timeframe", string(g.timeframe)).
				Msg("group evaluation failed")
			continue
		}
		triggers = append(triggers, collected...)
	}

	e.logger.Info().
		Time("cycle", started).
		Int("rules", len(rules)).
		Int("groups", len(groups)).
		Int("triggers", len(triggers)).
		Msg("cycle complete")

	e.dispatchBatches(ctx, triggers)
	e.pruneEvents(ctx)
	return nil
}

func (e *Engine) processGroup(ctx context.Context, g group) ([]alert.Trigger, error) {
	series, cacheHit, err := e.provider.GetSeries(ctx, g.symbol, g.timeframe, e.opts.CandleLimit)
	if err != nil {
		if errors.Is(err, market.ErrRateLimited) {
			e.logger.Warn().Str("symbol", g.symbol).Msg("upstream rate limited, backing off")
			if e.metrics != nil {
				e.metrics.RateLimitHits.Inc()
			}
			if sleepErr := e.sleep(ctx, e.opts.RateLimitBackoff); sleepErr != nil {
				return nil, sleepErr
			}
		}
		return nil, err
	}

	if e.metrics != nil {
		if cacheHit {
			e.metrics.CacheHits.Inc()
		} else {
			e.metrics.CacheMisses.Inc()
			e.metrics.UpstreamFetches.WithLabelValues(series.Source).Inc()
		}
	}

	if len(series.Candles) == 0 {
		e.logger.Debug().Str("symbol", g.symbol).Msg("empty series, skipping group")
		return nil, nil
	}

	var triggers []alert.Trigger
	for _, rule := range g.rules {
		trigger, err := e.evaluateRule(ctx, rule, series)
		if err != nil {
			e.logger.Error().Err(err).Int64("rule_id", rule.ID).Msg("rule evaluation failed")
			continue
		}
		if trigger != nil {
			triggers = append(triggers, *trigger)
		}
	}
	return triggers, nil
}

func (e *Engine) evaluateRule(ctx context.Context, rule alert.Rule, series market.Series) (*alert.Trigger, error) {
	if e.metrics != nil {
		e.metrics.Evaluations.Inc()
	}

	now := e.now().UTC()
	candles := series.Candles
	if rule.FireOnClose {
		candles = dropFormingBar(candles, rule.Timeframe, now)
	}
	if len(candles) == 0 {
		return nil, nil
	}

	prev, err := e.states.GetState(ctx, rule.ID)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	lastBar := candles[len(candles)-1].Time
	if prev != nil && !lastBar.After(prev.LastBarTime) {
		// Bar already processed; skip before recomputing anything.
		return nil, nil
	}

	points, calcState := indicator.Compute(rule.Indicator, candles)
	if len(points) == 0 {
		// Not enough history yet; not an error.
		e.logger.Debug().Int64("rule_id", rule.ID).Msg("indicator not ready")
		return nil, nil
	}

	result := alert.Evaluate(rule, prev, points[len(points)-1], calcState, now)
	if result.Skipped {
		return nil, nil
	}

	if err := e.states.UpsertState(ctx, result.State); err != nil {
		return nil, fmt.Errorf("persist state: %w", err)
	}

	if result.Suppressed {
		e.logger.Debug().Int64("rule_id", rule.ID).Msg("transition suppressed by cooldown")
		if e.metrics != nil {
			e.metrics.TriggersSuppressed.Inc()
		}
		return nil, nil
	}
	if result.Event == nil {
		return nil, nil
	}

	if err := e.events.InsertEvent(ctx, *result.Event); err != nil {
		return nil, fmt.Errorf("persist event: %w", err)
	}
	if e.metrics != nil {
		e.metrics.TriggersTotal.Inc()
	}

	e.logger.Info().
		Int64("rule_id", rule.ID).
		Str("symbol", rule.Symbol).
		Str("transition", string(result.Event.Transition)).
		Float64("value", result.Event.Value).
		Msg("alert fired")

	return &alert.Trigger{Event: *result.Event, Rule: rule, Created: now}, nil
}

// dispatchBatches hands triggers over in small batches with a pause between
// them, avoiding bursty delivery.
func (e *Engine) dispatchBatches(ctx context.Context, triggers []alert.Trigger) {
	if e.dispatcher == nil || len(triggers) == 0 {
		return
	}

	size := e.opts.DispatchBatchSize
	for start := 0; start < len(triggers); start += size {
		end := start + size
		if end > len(triggers) {
			end = len(triggers)
		}
		e.dispatcher.Dispatch(ctx, triggers[start:end])

		if end < len(triggers) && e.opts.DispatchBatchPause > 0 {
			if err := e.sleep(ctx, e.opts.DispatchBatchPause); err != nil {
				return
			}
		}
	}
}

func (e *Engine) pruneEvents(ctx context.Context) {
	if e.opts.EventRetention <= 0 {
		return
	}
	cutoff := e.now().UTC().Add(-e.opts.EventRetention)
	if err := e.events.DeleteEventsBefore(ctx, cutoff); err != nil {
		e.logger.Warn().Err(err).Msg("event retention prune failed")
	}
}

// groupRules buckets rules by (symbol, timeframe) in a deterministic order
// so N rules sharing an instrument share exactly one fetch.
func groupRules(rules []alert.Rule) []group {
	byKey := make(map[string]*group)
	keys := make([]string, 0)
	for _, rule := range rules {
		key := rule.GroupKey()
		g, ok := byKey[key]
		if !ok {
			g = &group{symbol: rule.Symbol, timeframe: rule.Timeframe}
			byKey[key] = g
			keys = append(keys, key)
		}
		g.rules = append(g.rules, rule)
	}
	sort.Strings(keys)

	groups := make([]group, 0, len(keys))
	for _, key := range keys {
		groups = append(groups, *byKey[key])
	}
	return groups
}

// dropFormingBar removes the newest candle when its interval has not fully
// elapsed, for rules that fire only on bar close.
func dropFormingBar(candles []market.Candle, tf market.Timeframe, now time.Time) []market.Candle {
	if len(candles) == 0 {
		return candles
	}
	width, err := tf.Duration()
	if err != nil {
		return candles
	}
	last := candles[len(candles)-1]
	if last.Time.Add(width).After(now) {
		return candles[:len(candles)-1]
	}
	return candles
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
