package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"indicator-alerts/internal/indicator"
	"indicator-alerts/internal/market"
)

// ExportOptions describe one indicator series to render.
type ExportOptions struct {
	Symbol    string
	Timeframe string
	Indicator string
	Period    int
	Lower     *float64
	Upper     *float64
	Limit     int
	CSVPath   string
	PNGPath   string
	MaxPoints int
}

// Export fetches history, computes the indicator, and writes CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	kind, err := indicator.ParseKind(opts.Indicator)
	if err != nil {
		return err
	}
	spec := indicator.Spec{Kind: kind, Period: opts.Period}
	if err := spec.Validate(); err != nil {
		return err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = a.Config.MarketData.CandleLimit
	}

	provider := a.newProvider(nil)
	series, _, err := provider.GetSeries(ctx, opts.Symbol, market.Timeframe(opts.Timeframe), limit)
	if err != nil {
		return err
	}

	points, _ := indicator.Compute(spec, series.Candles)
	if len(points) == 0 {
		a.Logger.Info().Msg("not enough history to compute the indicator")
		return nil
	}

	rows := buildExportRows(series.Candles, points)
	downsampled := downsampleRows(rows, opts.MaxPoints)
	a.Logger.Info().Int("total", len(rows)).Int("exported", len(downsampled)).Msg("exporting indicator series")

	if opts.CSVPath != "" {
		if err := writeIndicatorCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		title := fmt.Sprintf("%s %s(%d)", opts.Symbol, kind, spec.Period)
		if err := writeIndicatorPNG(opts.PNGPath, title, downsampled, opts.Lower, opts.Upper); err != nil {
			return err
		}
	}

	return nil
}

// exportRow joins a closing price with the indicator computed for its bar.
type exportRow struct {
	Time  time.Time
	Close float64
	Value float64
}

func buildExportRows(candles []market.Candle, points []indicator.Point) []exportRow {
	closes := make(map[time.Time]float64, len(candles))
	for _, candle := range candles {
		closes[candle.Time] = candle.Close
	}

	rows := make([]exportRow, 0, len(points))
	for _, point := range points {
		rows = append(rows, exportRow{
			Time:  point.Time,
			Close: closes[point.Time],
			Value: point.Value,
		})
	}
	return rows
}

func downsampleRows(rows []exportRow, max int) []exportRow {
	if max <= 0 || len(rows) <= max {
		return rows
	}

	result := make([]exportRow, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeIndicatorCSV(path string, rows []exportRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"bar_ts", "close", "indicator"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range rows {
		record := []string{
			row.Time.UTC().Format(time.RFC3339),
			strconv.FormatFloat(row.Close, 'f', -1, 64),
			strconv.FormatFloat(row.Value, 'f', 4, 64),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeIndicatorPNG(path, title string, rows []exportRow, lower, upper *float64) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(rows))
	closes := make([]float64, len(rows))
	values := make([]float64, len(rows))
	for i, row := range rows {
		x[i] = row.Time
		closes[i] = row.Close
		values[i] = row.Value
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  title,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Close",
			ValueFormatter: valueFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Indicator",
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Close",
				XValues: x,
				YValues: closes,
			},
			chart.TimeSeries{
				Name:    "Indicator",
				XValues: x,
				YValues: values,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}

	for _, level := range []*float64{lower, upper} {
		if level == nil {
			continue
		}
		flat := make([]float64, len(rows))
		for i := range flat {
			flat[i] = *level
		}
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    fmt.Sprintf("Level %.1f", *level),
			XValues: x,
			YValues: flat,
			YAxis:   chart.YAxisSecondary,
			Style: chart.Style{
				StrokeDashArray: []float64{4, 4},
			},
		})
	}

	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
