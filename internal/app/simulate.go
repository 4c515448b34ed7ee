package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"indicator-alerts/internal/alert"
	"indicator-alerts/internal/indicator"
	"indicator-alerts/internal/market"
)

// SimulateOptions describe one ad-hoc rule to replay against live history.
type SimulateOptions struct {
	Symbol    string
	Timeframe string
	Indicator string
	Period    int
	Lower     *float64
	Upper     *float64
	Mode      string
	Limit     int
}

// Simulate evaluates a rule spec against fetched history and prints every
// firing it would have produced. Nothing is persisted or dispatched, and
// cooldown is ignored so all qualifying transitions show up.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	kind, err := indicator.ParseKind(opts.Indicator)
	if err != nil {
		return err
	}
	mode, err := alert.ParseMode(opts.Mode)
	if err != nil {
		return err
	}

	rule := alert.Rule{
		ID:        0,
		Symbol:    opts.Symbol,
		Timeframe: market.Timeframe(opts.Timeframe),
		Indicator: indicator.Spec{Kind: kind, Period: opts.Period},
		Lower:     opts.Lower,
		Upper:     opts.Upper,
		Mode:      mode,
	}
	if err := rule.Validate(); err != nil {
		return err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = a.Config.MarketData.CandleLimit
	}

	provider := a.newProvider(nil)
	series, _, err := provider.GetSeries(ctx, opts.Symbol, rule.Timeframe, limit)
	if err != nil {
		return err
	}

	points, _ := indicator.Compute(rule.Indicator, series.Candles)
	if len(points) == 0 {
		fmt.Fprintln(os.Stdout, "not enough history for this indicator")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Bar (UTC)\tValue\tLevel\tTransition")

	fired := 0
	var state *alert.State
	for _, point := range points {
		result := alert.Evaluate(rule, state, point, indicator.State{}, point.Time)
		next := result.State
		state = &next
		// Replay ignores cooldown: the detector only suppresses after a
		// real fire, and we clear the marker between steps.
		state.LastFiredAt = time.Time{}

		if result.Event != nil {
			fired++
			fmt.Fprintf(writer, "%s\t%.2f\t%.2f\t%s\n",
				result.Event.BarTime.UTC().Format(time.RFC3339),
				result.Event.Value,
				result.Event.Level,
				result.Event.Transition,
			)
		}
	}
	writer.Flush()

	fmt.Fprintf(os.Stdout, "%d firing(s) across %d bars (%s %s, source %s)\n",
		fired, len(points), rule.Indicator.Kind, opts.Symbol, series.Source)
	return nil
}
