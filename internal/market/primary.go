package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const primaryOHLCVPath = "/v1/ohlcv"

// PrimaryOptions parameterise the primary OHLCV upstream.
type PrimaryOptions struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
}

// Primary fetches OHLCV series from the primary market-data API.
type Primary struct {
	opts    PrimaryOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewPrimary constructs the primary source.
func NewPrimary(opts PrimaryOptions, logger zerolog.Logger) *Primary {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Primary{
		opts:    opts,
		logger:  logger.With().Str("component", "primary_source").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// Name identifies the source in cache tags and logs.
func (p *Primary) Name() string { return "primary" }

// Fetch retrieves up to limit candles for a symbol/timeframe. Points missing
// open or close are discarded.
func (p *Primary) Fetch(ctx context.Context, symbol string, tf Timeframe, limit int) ([]Candle, error) {
	if p.baseURL == "" {
		return nil, fmt.Errorf("primary base url not configured")
	}

	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("interval", string(tf))
	query.Set("limit", strconv.Itoa(limit))

	endpoint := p.baseURL + primaryOHLCVPath + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if p.opts.APIKey != "" {
		req.Header.Set("X-Api-Key", p.opts.APIKey)
	}
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("primary request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(p.Name(), resp.StatusCode, payload)
	}

	var body ohlcvResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("decode primary response: %w", err)
	}

	candles := make([]Candle, 0, len(body.Candles))
	dropped := 0
	for _, point := range body.Candles {
		candle, ok := point.toCandle()
		if !ok {
			dropped++
			continue
		}
		candles = append(candles, candle)
	}
	if dropped > 0 {
		p.logger.Debug().Str("symbol", symbol).Int("dropped", dropped).Msg("discarded incomplete candles")
	}

	sort.Slice(candles, func(i, j int) bool { return candles[i].Time.Before(candles[j].Time) })
	return candles, nil
}

type ohlcvResponse struct {
	Candles []ohlcvPoint `json:"candles"`
}

// ohlcvPoint mirrors one upstream bar. Prices arrive as decimal strings;
// open and close are required, the rest optional.
type ohlcvPoint struct {
	Time   int64   `json:"t"`
	Open   *string `json:"o"`
	High   *string `json:"h"`
	Low    *string `json:"l"`
	Close  *string `json:"c"`
	Volume *string `json:"v"`
}

func (pt ohlcvPoint) toCandle() (Candle, bool) {
	if pt.Open == nil || pt.Close == nil || pt.Time == 0 {
		return Candle{}, false
	}
	open, err := parsePrice(*pt.Open)
	if err != nil {
		return Candle{}, false
	}
	closing, err := parsePrice(*pt.Close)
	if err != nil {
		return Candle{}, false
	}

	// Missing high/low collapse to the open/close envelope so a bar never
	// claims a narrower range than its own endpoints.
	candle := Candle{
		Time:  time.Unix(pt.Time, 0).UTC(),
		Open:  open,
		Close: closing,
		High:  math.Max(open, closing),
		Low:   math.Min(open, closing),
	}
	if pt.High != nil {
		if v, err := parsePrice(*pt.High); err == nil {
			candle.High = v
		}
	}
	if pt.Low != nil {
		if v, err := parsePrice(*pt.Low); err == nil {
			candle.Low = v
		}
	}
	if pt.Volume != nil {
		if v, err := parsePrice(*pt.Volume); err == nil {
			candle.Volume = v
		}
	}
	return candle, true
}

// parsePrice decodes an upstream decimal string without binary round-trip
// surprises, then narrows to float64 for indicator math.
func parsePrice(s string) (float64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}

var _ Source = (*Primary)(nil)
