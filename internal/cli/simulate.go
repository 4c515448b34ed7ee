package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"indicator-alerts/internal/app"
)

var (
	simulateSymbol    string
	simulateTimeframe string
	simulateIndicator string
	simulatePeriod    int
	simulateLower     float64
	simulateUpper     float64
	simulateMode      string
	simulateLimit     int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Replay a rule against fetched history without persisting anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateSymbol == "" {
			return errors.New("--symbol is required")
		}

		opts := app.SimulateOptions{
			Symbol:    simulateSymbol,
			Timeframe: simulateTimeframe,
			Indicator: simulateIndicator,
			Period:    simulatePeriod,
			Mode:      simulateMode,
			Limit:     simulateLimit,
		}
		if cmd.Flags().Changed("lower") {
			lower := simulateLower
			opts.Lower = &lower
		}
		if cmd.Flags().Changed("upper") {
			upper := simulateUpper
			opts.Upper = &upper
		}

		return getApp().Simulate(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "", "Instrument symbol, e.g. AAPL or BTC-USD")
	simulateCmd.Flags().StringVar(&simulateTimeframe, "timeframe", "1h", "Bar timeframe (1m, 5m, 15m, 1h, 4h, 1d)")
	simulateCmd.Flags().StringVar(&simulateIndicator, "indicator", "rsi", "Indicator kind (rsi, stochastic, williams_r)")
	simulateCmd.Flags().IntVar(&simulatePeriod, "period", 14, "Indicator look-back period")
	simulateCmd.Flags().Float64Var(&simulateLower, "lower", 0, "Lower alert level")
	simulateCmd.Flags().Float64Var(&simulateUpper, "upper", 0, "Upper alert level")
	simulateCmd.Flags().StringVar(&simulateMode, "mode", "cross", "Alert mode (cross, enter_zone, exit_zone)")
	simulateCmd.Flags().IntVar(&simulateLimit, "limit", 0, "Number of bars to fetch (defaults to config)")
}
