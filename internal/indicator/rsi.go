package indicator

import "indicator-alerts/internal/market"

// rsiSeries computes the Relative Strength Index with Wilder's smoothing.
// Requires at least period+1 closes; the first point lands on the bar at
// index period.
func rsiSeries(candles []market.Candle, period int) ([]Point, State) {
	if len(candles) < period+1 {
		return nil, State{}
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		delta := candles[i].Close - candles[i-1].Close
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss -= delta
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	points := make([]Point, 0, len(candles)-period)
	points = append(points, Point{Time: candles[period].Time, Value: rsiValue(avgGain, avgLoss)})

	p := float64(period)
	for i := period + 1; i < len(candles); i++ {
		delta := candles[i].Close - candles[i-1].Close
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*(p-1) + gain) / p
		avgLoss = (avgLoss*(p-1) + loss) / p
		points = append(points, Point{Time: candles[i].Time, Value: rsiValue(avgGain, avgLoss)})
	}

	state := State{
		Kind: KindRSI,
		RSI: &RSIState{
			PrevClose: candles[len(candles)-1].Close,
			AvgGain:   avgGain,
			AvgLoss:   avgLoss,
		},
	}
	return points, state
}

// rsiValue folds smoothed averages into the bounded oscillator. A zero
// average loss means an uninterrupted up-move: RSI pegs at 100.
func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return clamp(100-100/(1+rs), 0, 100)
}
