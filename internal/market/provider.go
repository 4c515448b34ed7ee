package market

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// SeriesCache persists the freshest known fetch per (symbol, timeframe).
// Last-writer-wins is safe here: staleness is bounded by a short TTL.
type SeriesCache interface {
	GetSeries(ctx context.Context, symbol string, tf Timeframe) (*Series, error)
	PutSeries(ctx context.Context, series Series) error
	PruneSeries(ctx context.Context, olderThan time.Time) error
}

// ProviderOptions tune caching behaviour.
type ProviderOptions struct {
	// TTL is the cache freshness window, measured from wall-clock fetch
	// time.
	TTL time.Duration
	// PruneAfter evicts cache rows older than this; defaults to 5×TTL.
	PruneAfter time.Duration
	// FetchDelay is the minimum spacing between upstream fetches. Cache
	// hits are never delayed. Zero disables throttling.
	FetchDelay time.Duration
	// FetchBurst allows that many unspaced fetches before the delay kicks
	// in.
	FetchBurst int
}

// Provider answers series requests from the cache when fresh, otherwise from
// an upstream source. Crypto pairs prefer the exchange upstream and fall
// back to the primary when translation or the exchange fails.
type Provider struct {
	primary Source
	crypto  Source
	cache   SeriesCache
	opts    ProviderOptions
	limiter *Limiter
	logger  zerolog.Logger
	now     func() time.Time
}

// NewProvider wires sources and cache into a provider. crypto may be nil.
func NewProvider(primary, crypto Source, cache SeriesCache, opts ProviderOptions, logger zerolog.Logger) *Provider {
	if opts.TTL <= 0 {
		opts.TTL = 45 * time.Second
	}
	if opts.PruneAfter <= 0 {
		opts.PruneAfter = 5 * opts.TTL
	}
	return &Provider{
		primary: primary,
		crypto:  crypto,
		cache:   cache,
		opts:    opts,
		limiter: NewLimiter(opts.FetchDelay, opts.FetchBurst),
		logger:  logger.With().Str("component", "market_provider").Logger(),
		now:     time.Now,
	}
}

// GetSeries returns the candle series for a symbol/timeframe pair. The
// second return reports whether the cache answered. Misses pay the fetch
// limiter before going upstream; hits never do.
func (p *Provider) GetSeries(ctx context.Context, symbol string, tf Timeframe, limit int) (Series, bool, error) {
	symbol = NormalizeSymbol(symbol)
	now := p.now().UTC()

	if p.cache != nil {
		cached, err := p.cache.GetSeries(ctx, symbol, tf)
		if err != nil {
			p.logger.Warn().Err(err).Str("symbol", symbol).Msg("series cache read failed")
		} else if cached != nil && len(cached.Candles) > 0 && now.Sub(cached.FetchedAt) < p.opts.TTL {
			return *cached, true, nil
		}
	}

	// The spacing token is taken only once the cache has declined to
	// answer, so every upstream call pays it and hits never do.
	if err := p.limiter.Wait(ctx); err != nil {
		return Series{}, false, err
	}

	candles, sourceName, err := p.fetch(ctx, symbol, tf, limit)
	if err != nil {
		return Series{}, false, err
	}

	series := Series{
		Symbol:    symbol,
		Timeframe: tf,
		Candles:   candles,
		FetchedAt: now,
		Source:    sourceName,
	}

	if p.cache != nil {
		if err := p.cache.PutSeries(ctx, series); err != nil {
			p.logger.Warn().Err(err).Str("symbol", symbol).Msg("series cache write failed")
		}
		if err := p.cache.PruneSeries(ctx, now.Add(-p.opts.PruneAfter)); err != nil {
			p.logger.Warn().Err(err).Msg("series cache prune failed")
		}
	}

	return series, false, nil
}

func (p *Provider) fetch(ctx context.Context, symbol string, tf Timeframe, limit int) ([]Candle, string, error) {
	if p.crypto != nil && IsCryptoPair(symbol) {
		candles, err := p.crypto.Fetch(ctx, symbol, tf, limit)
		if err == nil {
			return candles, p.crypto.Name(), nil
		}
		p.logger.Warn().Err(err).Str("symbol", symbol).Msg("crypto upstream failed, falling back to primary")
	}

	if p.primary == nil {
		return nil, "", fmt.Errorf("no upstream source configured")
	}
	candles, err := p.primary.Fetch(ctx, symbol, tf, limit)
	if err != nil {
		return nil, "", err
	}
	return candles, p.primary.Name(), nil
}
