package market

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe is the bar interval of a candle series, e.g. "5m", "1h", "1d".
type Timeframe string

// Duration converts the timeframe label into a bar width.
func (tf Timeframe) Duration() (time.Duration, error) {
	switch string(tf) {
	case "1m":
		return time.Minute, nil
	case "5m":
		return 5 * time.Minute, nil
	case "15m":
		return 15 * time.Minute, nil
	case "30m":
		return 30 * time.Minute, nil
	case "1h":
		return time.Hour, nil
	case "4h":
		return 4 * time.Hour, nil
	case "1d":
		return 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unknown timeframe %q", tf)
}

// Candle is one aggregated OHLCV bar.
type Candle struct {
	Time   time.Time `json:"t"`
	Open   float64   `json:"o"`
	High   float64   `json:"h"`
	Low    float64   `json:"l"`
	Close  float64   `json:"c"`
	Volume float64   `json:"v"`
}

// Series is a candle list ordered ascending by time.
type Series struct {
	Symbol    string
	Timeframe Timeframe
	Candles   []Candle
	FetchedAt time.Time
	Source    string
}

// LastBarTime returns the timestamp of the newest candle, zero when empty.
func (s Series) LastBarTime() time.Time {
	if len(s.Candles) == 0 {
		return time.Time{}
	}
	return s.Candles[len(s.Candles)-1].Time
}

// Closes extracts the close column.
func (s Series) Closes() []float64 {
	out := make([]float64, len(s.Candles))
	for i, c := range s.Candles {
		out[i] = c.Close
	}
	return out
}

// IsCryptoPair reports whether a symbol looks like a dash-separated crypto
// pair such as "BTC-USD".
func IsCryptoPair(symbol string) bool {
	base, quote, ok := strings.Cut(symbol, "-")
	return ok && base != "" && quote != ""
}
