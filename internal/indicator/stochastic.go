package indicator

import "indicator-alerts/internal/market"

// stochasticSeries computes %K over a rolling period window and applies the
// configured smoothing stages (slow %K, %D, optional extra smoothing). The
// published series is the most-smoothed stage.
func stochasticSeries(candles []market.Candle, period int, params StochParams) ([]Point, State) {
	if len(candles) < period {
		return nil, State{}
	}

	raw := make([]Point, 0, len(candles)-period+1)
	for i := period - 1; i < len(candles); i++ {
		hi, lo := windowRange(candles[i-period+1 : i+1])
		value := 50.0 // zero-range window is neutral
		if hi > lo {
			value = (candles[i].Close - lo) / (hi - lo) * 100
		}
		raw = append(raw, Point{Time: candles[i].Time, Value: clamp(value, 0, 100)})
	}

	slowed := smooth(raw, params.SlowPeriod)
	d := smooth(slowed, params.DPeriod)
	published := smooth(d, params.SmoothPeriod)
	if len(published) == 0 {
		return nil, State{}
	}

	state := State{
		Kind: KindStochastic,
		Stoch: &StochState{
			Highs: tailHighs(candles, period-1),
			Lows:  tailLows(candles, period-1),
			RawK:  tailValues(raw, params.SlowPeriod-1),
			SlowK: tailValues(slowed, params.DPeriod-1),
			SlowD: tailValues(d, params.SmoothPeriod-1),
		},
	}
	return published, state
}

// smooth applies a simple moving average of width n. Widths below two are a
// pass-through.
func smooth(points []Point, n int) []Point {
	if n <= 1 {
		return points
	}
	if len(points) < n {
		return nil
	}
	out := make([]Point, 0, len(points)-n+1)
	var sum float64
	for i, p := range points {
		sum += p.Value
		if i >= n {
			sum -= points[i-n].Value
		}
		if i >= n-1 {
			out = append(out, Point{Time: p.Time, Value: sum / float64(n)})
		}
	}
	return out
}

func windowRange(window []market.Candle) (hi, lo float64) {
	hi, lo = window[0].High, window[0].Low
	for _, c := range window[1:] {
		if c.High > hi {
			hi = c.High
		}
		if c.Low < lo {
			lo = c.Low
		}
	}
	return hi, lo
}

func tailHighs(candles []market.Candle, n int) []float64 {
	if n <= 0 {
		return nil
	}
	if n > len(candles) {
		n = len(candles)
	}
	out := make([]float64, 0, n)
	for _, c := range candles[len(candles)-n:] {
		out = append(out, c.High)
	}
	return out
}

func tailLows(candles []market.Candle, n int) []float64 {
	if n <= 0 {
		return nil
	}
	if n > len(candles) {
		n = len(candles)
	}
	out := make([]float64, 0, n)
	for _, c := range candles[len(candles)-n:] {
		out = append(out, c.Low)
	}
	return out
}

func tailValues(points []Point, n int) []float64 {
	if n <= 0 || len(points) == 0 {
		return nil
	}
	if n > len(points) {
		n = len(points)
	}
	out := make([]float64, 0, n)
	for _, p := range points[len(points)-n:] {
		out = append(out, p.Value)
	}
	return out
}
