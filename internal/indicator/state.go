package indicator

import (
	"encoding/json"
	"fmt"
)

// State is the typed continuation of an oscillator computation: the minimum
// carried forward to resume incrementally from the last processed bar.
// Exactly one variant is set, matching Kind. It is serialized only at the
// persistence boundary via MarshalState/UnmarshalState.
type State struct {
	Kind      Kind            `json:"-"`
	RSI       *RSIState       `json:"rsi,omitempty"`
	Stoch     *StochState     `json:"stoch,omitempty"`
	WilliamsR *WilliamsRState `json:"williams_r,omitempty"`
}

// RSIState carries Wilder's smoothed averages.
type RSIState struct {
	PrevClose float64 `json:"prev_close"`
	AvgGain   float64 `json:"avg_gain"`
	AvgLoss   float64 `json:"avg_loss"`
}

// StochState carries the rolling window tails of each smoothing stage.
type StochState struct {
	Highs []float64 `json:"highs,omitempty"`
	Lows  []float64 `json:"lows,omitempty"`
	RawK  []float64 `json:"raw_k,omitempty"`
	SlowK []float64 `json:"slow_k,omitempty"`
	SlowD []float64 `json:"slow_d,omitempty"`
}

// WilliamsRState carries the rolling high/low window tail.
type WilliamsRState struct {
	Highs []float64 `json:"highs,omitempty"`
	Lows  []float64 `json:"lows,omitempty"`
}

// IsZero reports whether no computation has completed yet.
func (s State) IsZero() bool {
	return s.RSI == nil && s.Stoch == nil && s.WilliamsR == nil
}

// MarshalState encodes the state for storage.
func MarshalState(s State) ([]byte, error) {
	if s.IsZero() {
		return nil, nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal indicator state: %w", err)
	}
	return raw, nil
}

// UnmarshalState decodes a stored continuation blob. Empty input yields the
// zero state.
func UnmarshalState(raw []byte) (State, error) {
	if len(raw) == 0 {
		return State{}, nil
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return State{}, fmt.Errorf("unmarshal indicator state: %w", err)
	}
	switch {
	case s.RSI != nil:
		s.Kind = KindRSI
	case s.Stoch != nil:
		s.Kind = KindStochastic
	case s.WilliamsR != nil:
		s.Kind = KindWilliamsR
	}
	return s, nil
}
