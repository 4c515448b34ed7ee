package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"indicator-alerts/internal/app"
)

var (
	exportSymbol    string
	exportTimeframe string
	exportIndicator string
	exportPeriod    int
	exportLower     float64
	exportUpper     float64
	exportLimit     int
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export an indicator series as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportSymbol == "" {
			return errors.New("--symbol is required")
		}

		opts := app.ExportOptions{
			Symbol:    exportSymbol,
			Timeframe: exportTimeframe,
			Indicator: exportIndicator,
			Period:    exportPeriod,
			Limit:     exportLimit,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}
		if cmd.Flags().Changed("lower") {
			lower := exportLower
			opts.Lower = &lower
		}
		if cmd.Flags().Changed("upper") {
			upper := exportUpper
			opts.Upper = &upper
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportSymbol, "symbol", "", "Instrument symbol, e.g. AAPL or BTC-USD")
	exportCmd.Flags().StringVar(&exportTimeframe, "timeframe", "1h", "Bar timeframe (1m, 5m, 15m, 1h, 4h, 1d)")
	exportCmd.Flags().StringVar(&exportIndicator, "indicator", "rsi", "Indicator kind (rsi, stochastic, williams_r)")
	exportCmd.Flags().IntVar(&exportPeriod, "period", 14, "Indicator look-back period")
	exportCmd.Flags().Float64Var(&exportLower, "lower", 0, "Lower level to draw on the chart")
	exportCmd.Flags().Float64Var(&exportUpper, "upper", 0, "Upper level to draw on the chart")
	exportCmd.Flags().IntVar(&exportLimit, "limit", 0, "Number of bars to fetch (defaults to config)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
}
