// Package indicator computes bounded technical oscillators over candle
// series. All computations are pure: candles in, oscillator points out, no
// I/O and no shared state.
package indicator

import (
	"fmt"
	"strings"
	"time"

	"indicator-alerts/internal/market"
)

// Kind enumerates the supported oscillators.
type Kind int

const (
	KindRSI Kind = iota
	KindStochastic
	KindWilliamsR
)

// String returns the canonical lowercase name.
func (k Kind) String() string {
	switch k {
	case KindRSI:
		return "rsi"
	case KindStochastic:
		return "stochastic"
	case KindWilliamsR:
		return "williams_r"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a stored name back to its Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rsi":
		return KindRSI, nil
	case "stochastic", "stoch":
		return KindStochastic, nil
	case "williams_r", "williamsr", "%r":
		return KindWilliamsR, nil
	}
	return 0, fmt.Errorf("unknown indicator kind %q", s)
}

// StochParams hold the smoothing stages of the Stochastic Oscillator. Any
// stage left at zero or one is skipped.
type StochParams struct {
	SlowPeriod   int `json:"slow_period"`
	DPeriod      int `json:"d_period"`
	SmoothPeriod int `json:"smooth_period"`
}

// Spec identifies one oscillator and its parameters.
type Spec struct {
	Kind   Kind
	Period int
	Stoch  StochParams
}

// Validate rejects parameter combinations that can never produce a value.
func (s Spec) Validate() error {
	if s.Period <= 0 {
		return fmt.Errorf("indicator period must be positive, got %d", s.Period)
	}
	if s.Kind == KindStochastic {
		if s.Stoch.SlowPeriod < 0 || s.Stoch.DPeriod < 0 || s.Stoch.SmoothPeriod < 0 {
			return fmt.Errorf("stochastic smoothing periods cannot be negative")
		}
	}
	return nil
}

// Point is one oscillator observation aligned to its source bar.
type Point struct {
	Time  time.Time
	Value float64
}

// Compute maps a candle series to an oscillator series plus a continuation
// state usable for incremental recomputation. Insufficient input yields an
// empty series, never an error: the caller treats that as "not ready".
func Compute(spec Spec, candles []market.Candle) ([]Point, State) {
	if spec.Period <= 0 {
		return nil, State{}
	}
	switch spec.Kind {
	case KindRSI:
		return rsiSeries(candles, spec.Period)
	case KindStochastic:
		return stochasticSeries(candles, spec.Period, spec.Stoch)
	case KindWilliamsR:
		return williamsRSeries(candles, spec.Period)
	}
	panic("indicator: unhandled kind " + spec.Kind.String())
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
