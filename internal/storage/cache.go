package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"indicator-alerts/internal/market"
)

const (
	getSeriesSQL = `SELECT
        symbol,
        timeframe,
        candles,
        fetched_at,
        source
    FROM series_cache
    WHERE symbol = $1
      AND timeframe = $2;`

	putSeriesSQL = `INSERT INTO series_cache (
        symbol,
        timeframe,
        candles,
        fetched_at,
        source
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (symbol, timeframe) DO UPDATE
    SET
        candles    = EXCLUDED.candles,
        fetched_at = EXCLUDED.fetched_at,
        source     = EXCLUDED.source;`

	pruneSeriesSQL = `DELETE FROM series_cache WHERE fetched_at < $1;`
)

// GetSeries reads the freshest cached fetch for a (symbol, timeframe) key.
// Absence is nil, not an error.
func (s *Store) GetSeries(ctx context.Context, symbol string, tf market.Timeframe) (*market.Series, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var (
		series    market.Series
		timeframe string
		candles   []byte
	)
	row := pool.QueryRow(ctx, getSeriesSQL, symbol, string(tf))
	if scanErr := row.Scan(
		&series.Symbol,
		&timeframe,
		&candles,
		&series.FetchedAt,
		&series.Source,
	); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get cached series: %w", scanErr)
	}

	series.Timeframe = market.Timeframe(timeframe)
	if err := json.Unmarshal(candles, &series.Candles); err != nil {
		return nil, fmt.Errorf("decode cached candles: %w", err)
	}
	return &series, nil
}

// PutSeries upserts one cache row; the key always reflects the freshest
// known fetch.
func (s *Store) PutSeries(ctx context.Context, series market.Series) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	candles, err := json.Marshal(series.Candles)
	if err != nil {
		return fmt.Errorf("encode candles: %w", err)
	}

	if _, execErr := pool.Exec(ctx, putSeriesSQL,
		series.Symbol,
		string(series.Timeframe),
		candles,
		series.FetchedAt,
		series.Source,
	); execErr != nil {
		return fmt.Errorf("put cached series: %w", execErr)
	}
	return nil
}

// PruneSeries drops cache rows fetched before the cutoff.
func (s *Store) PruneSeries(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, pruneSeriesSQL, olderThan); execErr != nil {
		return fmt.Errorf("prune cached series: %w", execErr)
	}
	return nil
}
