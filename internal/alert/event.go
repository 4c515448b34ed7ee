package alert

import (
	"fmt"
	"strings"
	"time"

	"indicator-alerts/internal/indicator"
)

// Zone classifies an indicator value relative to a rule's level pair.
type Zone string

const (
	ZoneBelow   Zone = "below"
	ZoneBetween Zone = "between"
	ZoneAbove   Zone = "above"
)

// Transition names the qualifying movement that fired an event.
type Transition string

const (
	TransitionCrossDown Transition = "cross_down"
	TransitionCrossUp   Transition = "cross_up"
	TransitionEnterZone Transition = "enter_zone"
	TransitionExitZone  Transition = "exit_zone"
)

// ParseTransition maps a stored transition name back to its Transition.
func ParseTransition(s string) (Transition, error) {
	switch Transition(strings.ToLower(strings.TrimSpace(s))) {
	case TransitionCrossDown:
		return TransitionCrossDown, nil
	case TransitionCrossUp:
		return TransitionCrossUp, nil
	case TransitionEnterZone:
		return TransitionEnterZone, nil
	case TransitionExitZone:
		return TransitionExitZone, nil
	}
	return "", fmt.Errorf("unknown transition %q", s)
}

// State is the 1:1 evaluation continuation for a rule. It exists only after
// the rule's first evaluation and is mutated exclusively by the detector.
type State struct {
	RuleID      int64
	LastValue   float64
	CalcState   indicator.State
	LastBarTime time.Time
	LastFiredAt time.Time
	LastZone    Zone
	UpdatedAt   time.Time
}

// Event is an immutable record of one firing.
type Event struct {
	ID         string
	RuleID     int64
	Time       time.Time
	Value      float64
	Level      float64
	Transition Transition
	BarTime    time.Time
}

// Trigger pairs a firing with everything the dispatcher needs to deliver it.
type Trigger struct {
	Event   Event
	Rule    Rule
	Created time.Time
}

// CollapseKey returns the per-rule key under which an offline device keeps
// only the latest notification.
func (t Trigger) CollapseKey() string {
	return fmt.Sprintf("rule-%d", t.Rule.ID)
}
