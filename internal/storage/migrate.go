package storage

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS alert_rules (
    id                  BIGSERIAL PRIMARY KEY,
    owner_id            TEXT        NOT NULL,
    symbol              TEXT        NOT NULL,
    timeframe           TEXT        NOT NULL,
    indicator           TEXT        NOT NULL,
    period              INT         NOT NULL,
    stoch_slow_period   INT         NOT NULL DEFAULT 0,
    stoch_d_period      INT         NOT NULL DEFAULT 0,
    stoch_smooth_period INT         NOT NULL DEFAULT 0,
    level_lower         NUMERIC,
    level_upper         NUMERIC,
    mode                TEXT        NOT NULL DEFAULT 'cross',
    cooldown_sec        BIGINT      NOT NULL DEFAULT 0,
    active              BOOLEAN     NOT NULL DEFAULT TRUE,
    fire_on_close       BOOLEAN     NOT NULL DEFAULT FALSE,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    CHECK (level_lower IS NOT NULL OR level_upper IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS alert_rules_group_idx
    ON alert_rules (symbol, timeframe) WHERE active;

CREATE TABLE IF NOT EXISTS alert_state (
    rule_id       BIGINT PRIMARY KEY REFERENCES alert_rules (id) ON DELETE CASCADE,
    last_value    DOUBLE PRECISION NOT NULL,
    calc_state    JSONB,
    last_bar_ts   TIMESTAMPTZ NOT NULL,
    last_fired_at TIMESTAMPTZ,
    last_zone     TEXT        NOT NULL DEFAULT 'between',
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS alert_events (
    id         TEXT PRIMARY KEY,
    rule_id    BIGINT      NOT NULL,
    fired_at   TIMESTAMPTZ NOT NULL,
    value      DOUBLE PRECISION NOT NULL,
    level      NUMERIC     NOT NULL,
    transition TEXT        NOT NULL,
    bar_ts     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS alert_events_fired_idx ON alert_events (fired_at DESC);

CREATE TABLE IF NOT EXISTS series_cache (
    symbol     TEXT        NOT NULL,
    timeframe  TEXT        NOT NULL,
    candles    JSONB       NOT NULL,
    fetched_at TIMESTAMPTZ NOT NULL,
    source     TEXT        NOT NULL DEFAULT '',
    PRIMARY KEY (symbol, timeframe)
);

CREATE TABLE IF NOT EXISTS device_bindings (
    device_id      TEXT PRIMARY KEY,
    owner_id       TEXT        NOT NULL,
    push_token     TEXT        NOT NULL,
    platform       TEXT        NOT NULL DEFAULT '',
    last_active_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS device_bindings_owner_idx ON device_bindings (owner_id);
`

const legacyThresholdCheckSQL = `SELECT EXISTS (
    SELECT 1 FROM information_schema.columns
    WHERE table_name = 'alert_rules' AND column_name = 'threshold'
);`

// Early deployments stored a single threshold column with a direction flag.
// Fold it into the canonical (level_lower, level_upper) pair and drop the
// legacy columns so only one representation reaches live code paths.
const legacyThresholdMigrateSQL = `
UPDATE alert_rules
SET level_lower = CASE WHEN direction = 'below' THEN threshold ELSE level_lower END,
    level_upper = CASE WHEN direction = 'above' THEN threshold ELSE level_upper END
WHERE threshold IS NOT NULL
  AND level_lower IS NULL
  AND level_upper IS NULL;

ALTER TABLE alert_rules DROP COLUMN threshold;
ALTER TABLE alert_rules DROP COLUMN IF EXISTS direction;
`

// Migrate bootstraps the canonical schema and runs the one-shot legacy
// threshold migration when an old deployment is detected.
func (s *Store) Migrate(ctx context.Context, logger zerolog.Logger) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	if _, execErr := pool.Exec(ctx, schemaSQL); execErr != nil {
		return fmt.Errorf("apply schema: %w", execErr)
	}

	var hasLegacy bool
	if scanErr := pool.QueryRow(ctx, legacyThresholdCheckSQL).Scan(&hasLegacy); scanErr != nil {
		return fmt.Errorf("check legacy schema: %w", scanErr)
	}
	if hasLegacy {
		logger.Info().Msg("migrating legacy threshold columns into level pair")
		if _, execErr := pool.Exec(ctx, legacyThresholdMigrateSQL); execErr != nil {
			return fmt.Errorf("migrate legacy threshold: %w", execErr)
		}
	}

	return nil
}
