// Package alert holds the rule/state/event model and the per-rule crossing
// state machine.
package alert

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"indicator-alerts/internal/indicator"
	"indicator-alerts/internal/market"
)

// Mode selects how a rule's levels are interpreted.
type Mode int

const (
	// ModeCross fires on one-way level crossings: the lower level only on a
	// downward crossing, the upper level only on an upward crossing.
	ModeCross Mode = iota
	// ModeEnterZone fires when the value moves from outside [lower, upper]
	// to inside.
	ModeEnterZone
	// ModeExitZone fires when the value moves from inside [lower, upper] to
	// outside.
	ModeExitZone
)

func (m Mode) String() string {
	switch m {
	case ModeCross:
		return "cross"
	case ModeEnterZone:
		return "enter-zone"
	case ModeExitZone:
		return "exit-zone"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode maps a stored mode name back to its Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cross":
		return ModeCross, nil
	case "enter-zone", "enter_zone":
		return ModeEnterZone, nil
	case "exit-zone", "exit_zone":
		return ModeExitZone, nil
	}
	return 0, fmt.Errorf("unknown evaluation mode %q", s)
}

// Rule is one user-configured alert. Rules are created and validated outside
// this core and are read-only here.
type Rule struct {
	ID          int64
	OwnerID     string
	Symbol      string
	Timeframe   market.Timeframe
	Indicator   indicator.Spec
	Lower       *float64
	Upper       *float64
	Mode        Mode
	Cooldown    time.Duration
	Active      bool
	FireOnClose bool
	CreatedAt   time.Time
}

// Validate enforces the level-pair invariant.
func (r Rule) Validate() error {
	if r.Lower == nil && r.Upper == nil {
		return errors.New("rule must configure at least one of lower/upper level")
	}
	return r.Indicator.Validate()
}

// GroupKey identifies the (symbol, timeframe) fetch group a rule belongs to.
func (r Rule) GroupKey() string {
	return r.Symbol + "|" + string(r.Timeframe)
}

// AnonymousOwnerPrefix marks ephemeral identities minted by the rule
// service. Owners carrying it are garbage-collected once their last device
// binding disappears.
const AnonymousOwnerPrefix = "anon:"

// IsAnonymousOwner reports whether an owner id is an ephemeral identity.
func IsAnonymousOwner(ownerID string) bool {
	return strings.HasPrefix(ownerID, AnonymousOwnerPrefix)
}
