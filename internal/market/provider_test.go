package market

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

// memoryCache is an in-memory SeriesCache for provider tests.
type memoryCache struct {
	mu     sync.Mutex
	series map[string]Series
}

func newMemoryCache() *memoryCache {
	return &memoryCache{series: make(map[string]Series)}
}

func cacheKey(symbol string, tf Timeframe) string {
	return symbol + "|" + string(tf)
}

func (m *memoryCache) GetSeries(ctx context.Context, symbol string, tf Timeframe) (*Series, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.series[cacheKey(symbol, tf)]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *memoryCache) PutSeries(ctx context.Context, series Series) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.series[cacheKey(series.Symbol, series.Timeframe)] = series
	return nil
}

func (m *memoryCache) PruneSeries(ctx context.Context, olderThan time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, s := range m.series {
		if s.FetchedAt.Before(olderThan) {
			delete(m.series, k)
		}
	}
	return nil
}

func primaryPayload(times ...int64) string {
	out := `{"candles":[`
	for i, ts := range times {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf(`{"t":%d,"o":"100.5","h":"101","l":"99","c":"100.8","v":"1200"}`, ts)
	}
	return out + `]}`
}

func TestProviderCachesWithinTTL(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, primaryPayload(1717200000, 1717203600))
	}))
	defer srv.Close()

	primary := NewPrimary(PrimaryOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	provider := NewProvider(primary, nil, newMemoryCache(), ProviderOptions{TTL: 45 * time.Second}, noopLogger())

	clock := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	provider.now = func() time.Time { return clock }

	series, hit, err := provider.GetSeries(context.Background(), "AAPL", Timeframe("1h"), 100)
	if err != nil {
		t.Fatalf("first fetch failed: %v", err)
	}
	if hit {
		t.Fatal("first fetch cannot be a cache hit")
	}
	if len(series.Candles) != 2 {
		t.Fatalf("expected 2 candles, got %d", len(series.Candles))
	}

	clock = clock.Add(30 * time.Second)
	_, hit, err = provider.GetSeries(context.Background(), "AAPL", Timeframe("1h"), 100)
	if err != nil {
		t.Fatalf("second fetch failed: %v", err)
	}
	if !hit {
		t.Fatal("fetch within TTL should be served from cache")
	}
	if calls != 1 {
		t.Fatalf("expected one upstream call, got %d", calls)
	}

	clock = clock.Add(time.Minute)
	_, hit, err = provider.GetSeries(context.Background(), "AAPL", Timeframe("1h"), 100)
	if err != nil {
		t.Fatalf("third fetch failed: %v", err)
	}
	if hit {
		t.Fatal("fetch past TTL must go upstream")
	}
	if calls != 2 {
		t.Fatalf("expected two upstream calls, got %d", calls)
	}
}

func TestProviderSpacesCacheMissFetches(t *testing.T) {
	// Records how many limiter sleeps have happened by the time each
	// upstream request arrives: the spacing must precede the call.
	clock := newLimiterClock()
	var sleepsAtFetch []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sleepsAtFetch = append(sleepsAtFetch, len(clock.sleeps))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, primaryPayload(1717200000))
	}))
	defer srv.Close()

	primary := NewPrimary(PrimaryOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	provider := NewProvider(primary, nil, newMemoryCache(), ProviderOptions{
		TTL:        45 * time.Second,
		FetchDelay: time.Second,
		FetchBurst: 1,
	}, noopLogger())
	provider.now = func() time.Time { return clock.now }
	clock.install(provider.limiter)

	ctx := context.Background()
	for _, symbol := range []string{"AAPL", "MSFT", "NVDA"} {
		if _, _, err := provider.GetSeries(ctx, symbol, Timeframe("1h"), 100); err != nil {
			t.Fatalf("fetch %s failed: %v", symbol, err)
		}
	}

	// The first miss rides the burst token; every later miss pays one
	// interval before its upstream call goes out.
	if len(clock.sleeps) != 2 || clock.sleeps[0] != time.Second || clock.sleeps[1] != time.Second {
		t.Fatalf("expected two one-interval sleeps, got %v", clock.sleeps)
	}
	if len(sleepsAtFetch) != 3 || sleepsAtFetch[0] != 0 || sleepsAtFetch[1] != 1 || sleepsAtFetch[2] != 2 {
		t.Fatalf("spacing must happen before each upstream call, got %v", sleepsAtFetch)
	}

	// Cache hits bypass the limiter entirely.
	if _, hit, err := provider.GetSeries(ctx, "AAPL", Timeframe("1h"), 100); err != nil || !hit {
		t.Fatalf("expected a cache hit, got hit=%v err=%v", hit, err)
	}
	if len(clock.sleeps) != 2 {
		t.Fatalf("cache hit must not sleep, got %v", clock.sleeps)
	}
}

func TestProviderCryptoFallsBackToPrimary(t *testing.T) {
	cryptoSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer cryptoSrv.Close()

	primaryCalls := 0
	primarySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryCalls++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, primaryPayload(1717200000))
	}))
	defer primarySrv.Close()

	primary := NewPrimary(PrimaryOptions{BaseURL: primarySrv.URL, Timeout: time.Second}, noopLogger())
	crypto := NewCrypto(CryptoOptions{BaseURL: cryptoSrv.URL, Timeout: time.Second}, noopLogger())
	provider := NewProvider(primary, crypto, nil, ProviderOptions{}, noopLogger())

	series, _, err := provider.GetSeries(context.Background(), "BTC-USD", Timeframe("1h"), 50)
	if err != nil {
		t.Fatalf("fallback fetch failed: %v", err)
	}
	if primaryCalls != 1 {
		t.Fatalf("expected the primary to serve the fallback, got %d calls", primaryCalls)
	}
	if series.Source != "primary" {
		t.Fatalf("expected primary source tag, got %q", series.Source)
	}
}

func TestProviderPrefersCryptoForPairs(t *testing.T) {
	var gotSymbol string
	cryptoSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSymbol = r.URL.Query().Get("symbol")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[[1717200000000,"65000.1","65100","64900","65050.5","12.5",0]]`)
	}))
	defer cryptoSrv.Close()

	crypto := NewCrypto(CryptoOptions{BaseURL: cryptoSrv.URL, Timeout: time.Second}, noopLogger())
	provider := NewProvider(nil, crypto, nil, ProviderOptions{}, noopLogger())

	series, _, err := provider.GetSeries(context.Background(), "BTC-USD", Timeframe("1h"), 50)
	if err != nil {
		t.Fatalf("crypto fetch failed: %v", err)
	}
	if gotSymbol != "BTCUSDT" {
		t.Fatalf("expected translated symbol BTCUSDT, got %q", gotSymbol)
	}
	if series.Source != "crypto" {
		t.Fatalf("expected crypto source tag, got %q", series.Source)
	}
	if len(series.Candles) != 1 || series.Candles[0].Close != 65050.5 {
		t.Fatalf("unexpected candles: %+v", series.Candles)
	}
}

func TestProviderNormalizesExchangeSymbols(t *testing.T) {
	var gotSymbol string
	cryptoSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSymbol = r.URL.Query().Get("symbol")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[[1717200000000,"65000.1","65100","64900","65050.5","12.5",0]]`)
	}))
	defer cryptoSrv.Close()

	crypto := NewCrypto(CryptoOptions{BaseURL: cryptoSrv.URL, Timeout: time.Second}, noopLogger())
	provider := NewProvider(nil, crypto, newMemoryCache(), ProviderOptions{TTL: 45 * time.Second}, noopLogger())

	clock := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	provider.now = func() time.Time { return clock }

	// An exchange-format request resolves to the canonical pair.
	series, hit, err := provider.GetSeries(context.Background(), "BTCUSDT", Timeframe("1h"), 50)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if hit {
		t.Fatal("first fetch cannot be a cache hit")
	}
	if series.Symbol != "BTC-USD" {
		t.Fatalf("expected canonical symbol BTC-USD, got %q", series.Symbol)
	}
	if gotSymbol != "BTCUSDT" {
		t.Fatalf("upstream still sees the exchange symbol, got %q", gotSymbol)
	}

	// Both spellings share one cache entry.
	_, hit, err = provider.GetSeries(context.Background(), "BTC-USD", Timeframe("1h"), 50)
	if err != nil {
		t.Fatalf("canonical fetch failed: %v", err)
	}
	if !hit {
		t.Fatal("canonical spelling should hit the cache entry of the exchange spelling")
	}

	if got := NormalizeSymbol("AAPL"); got != "AAPL" {
		t.Fatalf("equity symbols pass through, got %q", got)
	}
	if got := NormalizeSymbol("BTC-USD"); got != "BTC-USD" {
		t.Fatalf("canonical pairs pass through, got %q", got)
	}
}

func TestPrimaryDropsIncompleteCandles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"candles":[
			{"t":1717200000,"o":"100","h":"101","l":"99","c":"100.5","v":"10"},
			{"t":1717203600,"o":null,"c":"100.2"},
			{"t":1717207200,"o":"100.2","c":null},
			{"t":1717210800,"o":"100.3","c":"100.9"},
			{"t":1717214400,"o":"101.2","c":"100.6"}
		]}`)
	}))
	defer srv.Close()

	primary := NewPrimary(PrimaryOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	candles, err := primary.Fetch(context.Background(), "AAPL", Timeframe("1h"), 100)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(candles) != 3 {
		t.Fatalf("expected incomplete candles to be dropped, got %d", len(candles))
	}
	if !candles[0].Time.Before(candles[1].Time) {
		t.Fatal("candles must be ordered ascending")
	}
	// A bar without high/low spans its open/close envelope: up bar first,
	// then a down bar, where a bare close would invert the range.
	if candles[1].High != 100.9 || candles[1].Low != 100.3 {
		t.Fatalf("expected high/low to span open and close, got %+v", candles[1])
	}
	if candles[2].High != 101.2 || candles[2].Low != 100.6 {
		t.Fatalf("down bar high/low must span open and close, got %+v", candles[2])
	}
}

func TestPrimaryRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	primary := NewPrimary(PrimaryOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	_, err := primary.Fetch(context.Background(), "AAPL", Timeframe("1h"), 100)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("HTTP 429 should map to ErrRateLimited, got %v", err)
	}
}

func TestSymbolTranslation(t *testing.T) {
	upstream, err := toUpstreamSymbol("BTC-USD")
	if err != nil {
		t.Fatalf("translation failed: %v", err)
	}
	if upstream != "BTCUSDT" {
		t.Fatalf("expected BTCUSDT, got %q", upstream)
	}

	upstream, err = toUpstreamSymbol("eth-usdt")
	if err != nil {
		t.Fatalf("translation failed: %v", err)
	}
	if upstream != "ETHUSDT" {
		t.Fatalf("expected ETHUSDT, got %q", upstream)
	}

	if _, err := toUpstreamSymbol("BTC-EUR"); !errors.Is(err, ErrUntranslatable) {
		t.Fatalf("non-USD quote should be untranslatable, got %v", err)
	}
	if _, err := toUpstreamSymbol("AAPL"); !errors.Is(err, ErrUntranslatable) {
		t.Fatalf("equity symbol should be untranslatable, got %v", err)
	}

	canonical, err := fromUpstreamSymbol("BTCUSDT")
	if err != nil {
		t.Fatalf("reverse translation failed: %v", err)
	}
	if canonical != "BTC-USD" {
		t.Fatalf("expected BTC-USD, got %q", canonical)
	}
	if _, err := fromUpstreamSymbol("USDT"); !errors.Is(err, ErrUntranslatable) {
		t.Fatalf("bare quote should be untranslatable, got %v", err)
	}
}

func TestIsCryptoPair(t *testing.T) {
	if !IsCryptoPair("BTC-USD") {
		t.Fatal("BTC-USD is a pair")
	}
	if IsCryptoPair("AAPL") {
		t.Fatal("AAPL is not a pair")
	}
	if IsCryptoPair("-USD") {
		t.Fatal("missing base is not a pair")
	}
}
