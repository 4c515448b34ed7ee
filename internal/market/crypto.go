package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const cryptoKlinesPath = "/api/v3/klines"

// CryptoOptions parameterise the exchange upstream used for crypto pairs.
type CryptoOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Crypto fetches klines from an exchange REST API. It only understands
// dash-separated pairs quoted in USD, which it translates to the exchange's
// concatenated USDT format (BTC-USD ↔ BTCUSDT).
type Crypto struct {
	opts    CryptoOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewCrypto constructs the crypto pair source.
func NewCrypto(opts CryptoOptions, logger zerolog.Logger) *Crypto {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Crypto{
		opts:    opts,
		logger:  logger.With().Str("component", "crypto_source").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// Name identifies the source in cache tags and logs.
func (c *Crypto) Name() string { return "crypto" }

// Fetch retrieves exchange klines for a canonical "BASE-USD" symbol.
func (c *Crypto) Fetch(ctx context.Context, symbol string, tf Timeframe, limit int) ([]Candle, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("crypto base url not configured")
	}

	upstream, err := toUpstreamSymbol(symbol)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("symbol", upstream)
	query.Set("interval", string(tf))
	query.Set("limit", strconv.Itoa(limit))

	endpoint := c.baseURL + cryptoKlinesPath + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crypto request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(c.Name(), resp.StatusCode, payload)
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, fmt.Errorf("decode kline response: %w", err)
	}

	candles := make([]Candle, 0, len(rows))
	for _, row := range rows {
		candle, ok := parseKline(row)
		if !ok {
			continue
		}
		candles = append(candles, candle)
	}

	sort.Slice(candles, func(i, j int) bool { return candles[i].Time.Before(candles[j].Time) })
	return candles, nil
}

// parseKline decodes one exchange kline row:
// [openTimeMs, "open", "high", "low", "close", "volume", ...].
func parseKline(row []json.RawMessage) (Candle, bool) {
	if len(row) < 6 {
		return Candle{}, false
	}

	var openTimeMs int64
	if err := json.Unmarshal(row[0], &openTimeMs); err != nil || openTimeMs == 0 {
		return Candle{}, false
	}

	fields := make([]float64, 5)
	for i := 1; i <= 5; i++ {
		var raw string
		if err := json.Unmarshal(row[i], &raw); err != nil {
			return Candle{}, false
		}
		v, err := parsePrice(raw)
		if err != nil {
			return Candle{}, false
		}
		fields[i-1] = v
	}

	return Candle{
		Time:   time.UnixMilli(openTimeMs).UTC(),
		Open:   fields[0],
		High:   fields[1],
		Low:    fields[2],
		Close:  fields[3],
		Volume: fields[4],
	}, true
}

// toUpstreamSymbol translates "BASE-USD" into the exchange's "BASEUSDT".
func toUpstreamSymbol(symbol string) (string, error) {
	base, quote, ok := strings.Cut(symbol, "-")
	if !ok || base == "" {
		return "", fmt.Errorf("%q: %w", symbol, ErrUntranslatable)
	}
	switch strings.ToUpper(quote) {
	case "USD", "USDT":
		return strings.ToUpper(base) + "USDT", nil
	}
	return "", fmt.Errorf("%q: %w", symbol, ErrUntranslatable)
}

// fromUpstreamSymbol is the reverse translation, "BASEUSDT" → "BASE-USD".
func fromUpstreamSymbol(upstream string) (string, error) {
	u := strings.ToUpper(strings.TrimSpace(upstream))
	if base, found := strings.CutSuffix(u, "USDT"); found && base != "" {
		return base + "-USD", nil
	}
	return "", fmt.Errorf("%q: %w", upstream, ErrUntranslatable)
}

// NormalizeSymbol maps exchange-format pair symbols onto the canonical
// dash form, so "BTCUSDT" and "BTC-USD" name the same series and cache
// entry. Anything untranslatable passes through unchanged.
func NormalizeSymbol(symbol string) string {
	if strings.Contains(symbol, "-") {
		return symbol
	}
	if canonical, err := fromUpstreamSymbol(symbol); err == nil {
		return canonical
	}
	return symbol
}

var _ Source = (*Crypto)(nil)
