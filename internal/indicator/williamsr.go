package indicator

import "indicator-alerts/internal/market"

// williamsRSeries computes Williams %R over a rolling period window,
// bounded to [-100, 0].
func williamsRSeries(candles []market.Candle, period int) ([]Point, State) {
	if len(candles) < period {
		return nil, State{}
	}

	points := make([]Point, 0, len(candles)-period+1)
	for i := period - 1; i < len(candles); i++ {
		hi, lo := windowRange(candles[i-period+1 : i+1])
		value := -50.0 // zero-range window is neutral
		if hi > lo {
			value = (hi - candles[i].Close) / (hi - lo) * -100
		}
		points = append(points, Point{Time: candles[i].Time, Value: clamp(value, -100, 0)})
	}

	state := State{
		Kind: KindWilliamsR,
		WilliamsR: &WilliamsRState{
			Highs: tailHighs(candles, period-1),
			Lows:  tailLows(candles, period-1),
		},
	}
	return points, state
}
