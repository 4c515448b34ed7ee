package alert

import (
	"math"
	"time"

	"github.com/oklog/ulid/v2"

	"indicator-alerts/internal/indicator"
)

// Result is the outcome of evaluating one new oscillator point for a rule.
type Result struct {
	// State is the continuation to persist. Always populated unless Skipped.
	State State
	// Event is non-nil only for a qualifying, non-suppressed transition.
	Event *Event
	// Suppressed marks a qualifying transition swallowed by cooldown.
	Suppressed bool
	// Skipped marks an already-processed source bar; nothing changed.
	Skipped bool
}

// Evaluate advances a rule's crossing state machine by one oscillator point.
//
// A nil prev means the rule has never been evaluated: the point becomes the
// baseline, the machine arms, and no event is emitted. Re-evaluating a bar
// at or before the last processed bar timestamp is a no-op.
func Evaluate(rule Rule, prev *State, point indicator.Point, calc indicator.State, now time.Time) Result {
	if prev == nil {
		return Result{State: State{
			RuleID:      rule.ID,
			LastValue:   point.Value,
			CalcState:   calc,
			LastBarTime: point.Time,
			LastZone:    classifyZone(rule, point.Value),
			UpdatedAt:   now,
		}}
	}

	if !point.Time.After(prev.LastBarTime) {
		return Result{State: *prev, Skipped: true}
	}

	next := State{
		RuleID:      rule.ID,
		LastValue:   point.Value,
		CalcState:   calc,
		LastBarTime: point.Time,
		LastFiredAt: prev.LastFiredAt,
		LastZone:    classifyZone(rule, point.Value),
		UpdatedAt:   now,
	}

	transition, level, ok := qualify(rule, prev.LastValue, point.Value)
	if !ok {
		return Result{State: next}
	}

	if !prev.LastFiredAt.IsZero() && now.Sub(prev.LastFiredAt) < rule.Cooldown {
		return Result{State: next, Suppressed: true}
	}

	next.LastFiredAt = now
	event := &Event{
		ID:         ulid.Make().String(),
		RuleID:     rule.ID,
		Time:       now,
		Value:      point.Value,
		Level:      level,
		Transition: transition,
		BarTime:    point.Time,
	}
	return Result{State: next, Event: event}
}

// qualify applies the rule's evaluation mode to a previous/current value
// pair and reports the transition and crossed level when one fired.
func qualify(rule Rule, prev, cur float64) (Transition, float64, bool) {
	switch rule.Mode {
	case ModeCross:
		// One-way semantics: each level is sensitive to a single direction.
		if rule.Lower != nil && prev >= *rule.Lower && cur < *rule.Lower {
			return TransitionCrossDown, *rule.Lower, true
		}
		if rule.Upper != nil && prev <= *rule.Upper && cur > *rule.Upper {
			return TransitionCrossUp, *rule.Upper, true
		}
	case ModeEnterZone:
		if !insideZone(rule, prev) && insideZone(rule, cur) {
			return TransitionEnterZone, boundaryCrossed(rule, prev), true
		}
	case ModeExitZone:
		if insideZone(rule, prev) && !insideZone(rule, cur) {
			return TransitionExitZone, boundaryCrossed(rule, cur), true
		}
	}
	return "", 0, false
}

// insideZone treats absent levels as unbounded sides.
func insideZone(rule Rule, v float64) bool {
	if rule.Lower != nil && v < *rule.Lower {
		return false
	}
	if rule.Upper != nil && v > *rule.Upper {
		return false
	}
	return true
}

// boundaryCrossed picks the zone boundary on the outside value's side.
func boundaryCrossed(rule Rule, outside float64) float64 {
	if rule.Lower != nil && outside < *rule.Lower {
		return *rule.Lower
	}
	if rule.Upper != nil && outside > *rule.Upper {
		return *rule.Upper
	}
	// Outside value sits exactly on a boundary; report the nearest one.
	if rule.Lower != nil && (rule.Upper == nil || math.Abs(outside-*rule.Lower) <= math.Abs(outside-*rule.Upper)) {
		return *rule.Lower
	}
	if rule.Upper != nil {
		return *rule.Upper
	}
	return 0
}

func classifyZone(rule Rule, v float64) Zone {
	if rule.Lower != nil && v < *rule.Lower {
		return ZoneBelow
	}
	if rule.Upper != nil && v > *rule.Upper {
		return ZoneAbove
	}
	return ZoneBetween
}
