package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"indicator-alerts/internal/alert"
	"indicator-alerts/internal/indicator"
	"indicator-alerts/internal/market"
)

const (
	listActiveRulesSQL = `SELECT
        id,
        owner_id,
        symbol,
        timeframe,
        indicator,
        period,
        stoch_slow_period,
        stoch_d_period,
        stoch_smooth_period,
        level_lower,
        level_upper,
        mode,
        cooldown_sec,
        fire_on_close,
        created_at
    FROM alert_rules
    WHERE active
    ORDER BY symbol, timeframe, id;`

	getStateSQL = `SELECT
        rule_id,
        last_value,
        calc_state,
        last_bar_ts,
        last_fired_at,
        last_zone,
        updated_at
    FROM alert_state
    WHERE rule_id = $1;`

	upsertStateSQL = `INSERT INTO alert_state (
        rule_id,
        last_value,
        calc_state,
        last_bar_ts,
        last_fired_at,
        last_zone,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (rule_id) DO UPDATE
    SET
        last_value    = EXCLUDED.last_value,
        calc_state    = EXCLUDED.calc_state,
        last_bar_ts   = EXCLUDED.last_bar_ts,
        last_fired_at = EXCLUDED.last_fired_at,
        last_zone     = EXCLUDED.last_zone,
        updated_at    = EXCLUDED.updated_at;`

	insertEventSQL = `INSERT INTO alert_events (
        id,
        rule_id,
        fired_at,
        value,
        level,
        transition,
        bar_ts
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    );`

	listRecentEventsSQL = `SELECT
        id,
        rule_id,
        fired_at,
        value,
        level,
        transition,
        bar_ts
    FROM alert_events
    ORDER BY fired_at DESC
    LIMIT $1;`

	deleteEventsBeforeSQL = `DELETE FROM alert_events WHERE fired_at < $1;`
)

// ListActiveRules loads every active rule ordered by its fetch group.
func (s *Store) ListActiveRules(ctx context.Context) ([]alert.Rule, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listActiveRulesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list active rules: %w", queryErr)
	}
	defer rows.Close()

	rules := make([]alert.Rule, 0)
	for rows.Next() {
		rule, scanErr := scanRule(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		rules = append(rules, rule)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rules, nil
}

// GetState loads the continuation for one rule. A rule that was never
// evaluated has no row; the result is nil, not an error.
func (s *Store) GetState(ctx context.Context, ruleID int64) (*alert.State, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var (
		state       alert.State
		calcState   []byte
		lastFiredAt sql.NullTime
		zone        string
	)
	row := pool.QueryRow(ctx, getStateSQL, ruleID)
	if scanErr := row.Scan(
		&state.RuleID,
		&state.LastValue,
		&calcState,
		&state.LastBarTime,
		&lastFiredAt,
		&zone,
		&state.UpdatedAt,
	); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get alert state: %w", scanErr)
	}

	if lastFiredAt.Valid {
		state.LastFiredAt = lastFiredAt.Time
	}
	state.LastZone = alert.Zone(zone)

	state.CalcState, err = indicator.UnmarshalState(calcState)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// UpsertState writes the continuation for one rule.
func (s *Store) UpsertState(ctx context.Context, state alert.State) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	calcState, err := indicator.MarshalState(state.CalcState)
	if err != nil {
		return err
	}

	var lastFired interface{}
	if !state.LastFiredAt.IsZero() {
		lastFired = state.LastFiredAt
	}

	if _, execErr := pool.Exec(ctx, upsertStateSQL,
		state.RuleID,
		state.LastValue,
		calcState,
		state.LastBarTime,
		lastFired,
		string(state.LastZone),
		state.UpdatedAt,
	); execErr != nil {
		return fmt.Errorf("upsert alert state: %w", execErr)
	}
	return nil
}

// InsertEvent appends one immutable firing record.
func (s *Store) InsertEvent(ctx context.Context, event alert.Event) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	level := decimal.NewFromFloat(event.Level).String()

	if _, execErr := pool.Exec(ctx, insertEventSQL,
		event.ID,
		event.RuleID,
		event.Time,
		event.Value,
		level,
		string(event.Transition),
		event.BarTime,
	); execErr != nil {
		return fmt.Errorf("insert alert event: %w", execErr)
	}
	return nil
}

// ListRecentEvents lists the newest firings first.
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]alert.Event, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentEventsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent events: %w", queryErr)
	}
	defer rows.Close()

	events := make([]alert.Event, 0, limit)
	for rows.Next() {
		var (
			event      alert.Event
			levelStr   string
			transition string
		)
		if err := rows.Scan(
			&event.ID,
			&event.RuleID,
			&event.Time,
			&event.Value,
			&levelStr,
			&transition,
			&event.BarTime,
		); err != nil {
			return nil, err
		}

		level, convErr := decimal.NewFromString(levelStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse event level: %w", convErr)
		}
		event.Level = level.InexactFloat64()
		event.Transition = alert.Transition(transition)

		events = append(events, event)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// DeleteEventsBefore prunes historical firings.
func (s *Store) DeleteEventsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteEventsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete events before: %w", execErr)
	}
	return nil
}

func scanRule(rows pgx.Rows) (alert.Rule, error) {
	var (
		rule        alert.Rule
		kindStr     string
		stochSlow   int
		stochD      int
		stochSmooth int
		lower       sql.NullString
		upper       sql.NullString
		modeStr     string
		cooldownSec int64
		timeframe   string
	)

	if err := rows.Scan(
		&rule.ID,
		&rule.OwnerID,
		&rule.Symbol,
		&timeframe,
		&kindStr,
		&rule.Indicator.Period,
		&stochSlow,
		&stochD,
		&stochSmooth,
		&lower,
		&upper,
		&modeStr,
		&cooldownSec,
		&rule.FireOnClose,
		&rule.CreatedAt,
	); err != nil {
		return alert.Rule{}, err
	}

	rule.Timeframe = market.Timeframe(timeframe)
	rule.Active = true
	rule.Cooldown = time.Duration(cooldownSec) * time.Second
	rule.Indicator.Stoch = indicator.StochParams{
		SlowPeriod:   stochSlow,
		DPeriod:      stochD,
		SmoothPeriod: stochSmooth,
	}

	kind, err := indicator.ParseKind(kindStr)
	if err != nil {
		return alert.Rule{}, err
	}
	rule.Indicator.Kind = kind

	mode, err := alert.ParseMode(modeStr)
	if err != nil {
		return alert.Rule{}, err
	}
	rule.Mode = mode

	if lower.Valid {
		v, convErr := decimal.NewFromString(lower.String)
		if convErr != nil {
			return alert.Rule{}, fmt.Errorf("parse level_lower: %w", convErr)
		}
		f := v.InexactFloat64()
		rule.Lower = &f
	}
	if upper.Valid {
		v, convErr := decimal.NewFromString(upper.String)
		if convErr != nil {
			return alert.Rule{}, fmt.Errorf("parse level_upper: %w", convErr)
		}
		f := v.InexactFloat64()
		rule.Upper = &f
	}

	return rule, nil
}
