package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"indicator-alerts/internal/alert"
	"indicator-alerts/internal/indicator"
	"indicator-alerts/internal/market"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

type fakeRuleStore struct {
	rules []alert.Rule
}

func (f *fakeRuleStore) ListActiveRules(ctx context.Context) ([]alert.Rule, error) {
	return f.rules, nil
}

type fakeStateStore struct {
	states  map[int64]alert.State
	upserts int
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{states: make(map[int64]alert.State)}
}

func (f *fakeStateStore) GetState(ctx context.Context, ruleID int64) (*alert.State, error) {
	s, ok := f.states[ruleID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (f *fakeStateStore) UpsertState(ctx context.Context, state alert.State) error {
	f.upserts++
	f.states[state.RuleID] = state
	return nil
}

type fakeEventStore struct {
	events  []alert.Event
	cutoffs []time.Time
}

func (f *fakeEventStore) InsertEvent(ctx context.Context, event alert.Event) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeEventStore) ListRecentEvents(ctx context.Context, limit int) ([]alert.Event, error) {
	return f.events, nil
}

func (f *fakeEventStore) DeleteEventsBefore(ctx context.Context, olderThan time.Time) error {
	f.cutoffs = append(f.cutoffs, olderThan)
	return nil
}

type fakeProvider struct {
	series map[string]market.Series
	errs   map[string]error
	calls  map[string]int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		series: make(map[string]market.Series),
		errs:   make(map[string]error),
		calls:  make(map[string]int),
	}
}

func (f *fakeProvider) GetSeries(ctx context.Context, symbol string, tf market.Timeframe, limit int) (market.Series, bool, error) {
	key := symbol + "|" + string(tf)
	f.calls[key]++
	if err, ok := f.errs[key]; ok {
		return market.Series{}, false, err
	}
	return f.series[key], false, nil
}

type fakeDispatcher struct {
	batches [][]alert.Trigger
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, triggers []alert.Trigger) {
	batch := make([]alert.Trigger, len(triggers))
	copy(batch, triggers)
	f.batches = append(f.batches, batch)
}

func seriesFromCloses(symbol string, tf market.Timeframe, closes ...float64) market.Series {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]market.Candle, 0, len(closes))
	for i, c := range closes {
		candles = append(candles, market.Candle{
			Time:  base.Add(time.Duration(i) * time.Hour),
			Open:  c,
			High:  c,
			Low:   c,
			Close: c,
		})
	}
	return market.Series{Symbol: symbol, Timeframe: tf, Candles: candles, Source: "primary"}
}

func engineRule(id int64, symbol string, upper float64) alert.Rule {
	u := upper
	return alert.Rule{
		ID:        id,
		OwnerID:   "user-1",
		Symbol:    symbol,
		Timeframe: market.Timeframe("1h"),
		Indicator: indicator.Spec{Kind: indicator.KindRSI, Period: 2},
		Upper:     &u,
		Mode:      alert.ModeCross,
		Active:    true,
	}
}

func newTestEngine(opts Options, rules *fakeRuleStore, states *fakeStateStore, events *fakeEventStore, provider *fakeProvider, dispatcher TriggerDispatcher) *Engine {
	eng := New(opts, rules, states, events, provider, dispatcher, nil, noopLogger())
	eng.now = func() time.Time { return time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC) }
	eng.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return eng
}

func TestEngineGroupsShareOneFetch(t *testing.T) {
	rules := &fakeRuleStore{rules: []alert.Rule{
		engineRule(1, "AAPL", 70),
		engineRule(2, "AAPL", 50),
		engineRule(3, "BTC-USD", 70),
	}}
	states := newFakeStateStore()
	events := &fakeEventStore{}
	provider := newFakeProvider()
	provider.series["AAPL|1h"] = seriesFromCloses("AAPL", "1h", 10, 9, 8)
	provider.series["BTC-USD|1h"] = seriesFromCloses("BTC-USD", "1h", 10, 9, 8)

	eng := newTestEngine(Options{}, rules, states, events, provider, nil)
	if err := eng.RunCycle(context.Background(), time.Now()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	if provider.calls["AAPL|1h"] != 1 {
		t.Fatalf("rules sharing an instrument must share one fetch, got %d", provider.calls["AAPL|1h"])
	}
	if provider.calls["BTC-USD|1h"] != 1 {
		t.Fatalf("expected one BTC-USD fetch, got %d", provider.calls["BTC-USD|1h"])
	}

	// First cycle only arms: states persisted, nothing fired.
	if len(states.states) != 3 {
		t.Fatalf("expected a state per rule, got %d", len(states.states))
	}
	if len(events.events) != 0 {
		t.Fatalf("first cycle must not fire, got %d events", len(events.events))
	}
}

func TestEngineFiresOnUpwardCross(t *testing.T) {
	rules := &fakeRuleStore{rules: []alert.Rule{engineRule(1, "AAPL", 70)}}
	states := newFakeStateStore()
	events := &fakeEventStore{}
	provider := newFakeProvider()
	dispatcher := &fakeDispatcher{}

	eng := newTestEngine(Options{}, rules, states, events, provider, dispatcher)

	// Falling closes: RSI(2) sits at 0 and the machine arms there.
	provider.series["AAPL|1h"] = seriesFromCloses("AAPL", "1h", 10, 9, 8)
	if err := eng.RunCycle(context.Background(), time.Now()); err != nil {
		t.Fatalf("arming cycle failed: %v", err)
	}
	if len(events.events) != 0 {
		t.Fatal("arming cycle must not fire")
	}

	// A strong up bar pushes RSI above the level.
	provider.series["AAPL|1h"] = seriesFromCloses("AAPL", "1h", 10, 9, 8, 20)
	if err := eng.RunCycle(context.Background(), time.Now()); err != nil {
		t.Fatalf("firing cycle failed: %v", err)
	}

	if len(events.events) != 1 {
		t.Fatalf("expected one event, got %d", len(events.events))
	}
	event := events.events[0]
	if event.Transition != alert.TransitionCrossUp {
		t.Fatalf("expected cross_up, got %s", event.Transition)
	}
	if event.Level != 70 {
		t.Fatalf("expected level 70, got %.2f", event.Level)
	}

	if len(dispatcher.batches) != 1 || len(dispatcher.batches[0]) != 1 {
		t.Fatalf("expected one dispatched trigger, got %+v", dispatcher.batches)
	}
	if dispatcher.batches[0][0].Rule.ID != 1 {
		t.Fatal("trigger must carry its rule")
	}
}

func TestEngineUnchangedBarIsIdempotent(t *testing.T) {
	rules := &fakeRuleStore{rules: []alert.Rule{engineRule(1, "AAPL", 70)}}
	states := newFakeStateStore()
	events := &fakeEventStore{}
	provider := newFakeProvider()

	eng := newTestEngine(Options{}, rules, states, events, provider, nil)

	provider.series["AAPL|1h"] = seriesFromCloses("AAPL", "1h", 10, 9, 8)
	if err := eng.RunCycle(context.Background(), time.Now()); err != nil {
		t.Fatalf("arming cycle failed: %v", err)
	}

	provider.series["AAPL|1h"] = seriesFromCloses("AAPL", "1h", 10, 9, 8, 20)
	if err := eng.RunCycle(context.Background(), time.Now()); err != nil {
		t.Fatalf("firing cycle failed: %v", err)
	}

	upserts := states.upserts
	// Same newest bar again: the rule must not be re-evaluated.
	if err := eng.RunCycle(context.Background(), time.Now()); err != nil {
		t.Fatalf("repeat cycle failed: %v", err)
	}
	if len(events.events) != 1 {
		t.Fatalf("repeat cycle produced new events: %d", len(events.events))
	}
	if states.upserts != upserts {
		t.Fatal("repeat cycle must not rewrite state")
	}
}

func TestDropFormingBar(t *testing.T) {
	series := seriesFromCloses("AAPL", "1h", 10, 9, 8)
	candles := series.Candles
	lastOpen := candles[len(candles)-1].Time // 02:00

	// Mid-bar: the newest candle has not closed yet.
	got := dropFormingBar(candles, market.Timeframe("1h"), lastOpen.Add(30*time.Minute))
	if len(got) != 2 {
		t.Fatalf("forming bar must be dropped, got %d candles", len(got))
	}

	// Exactly at close the bar counts as complete.
	got = dropFormingBar(candles, market.Timeframe("1h"), lastOpen.Add(time.Hour))
	if len(got) != 3 {
		t.Fatalf("closed bar must be kept, got %d candles", len(got))
	}

	if got := dropFormingBar(nil, market.Timeframe("1h"), lastOpen); len(got) != 0 {
		t.Fatalf("empty input stays empty, got %d", len(got))
	}
	// An unparseable timeframe leaves the series alone.
	if got := dropFormingBar(candles, market.Timeframe("bogus"), lastOpen); len(got) != 3 {
		t.Fatalf("unknown timeframe must not drop bars, got %d", len(got))
	}
}

func TestEngineFireOnCloseWaitsForBarClose(t *testing.T) {
	rule := engineRule(1, "AAPL", 70)
	rule.FireOnClose = true
	rules := &fakeRuleStore{rules: []alert.Rule{rule}}
	states := newFakeStateStore()
	events := &fakeEventStore{}
	provider := newFakeProvider()

	eng := newTestEngine(Options{}, rules, states, events, provider, nil)

	// Arm on the closed bars first.
	provider.series["AAPL|1h"] = seriesFromCloses("AAPL", "1h", 10, 9, 8)
	eng.now = func() time.Time { return time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC) }
	if err := eng.RunCycle(context.Background(), time.Now()); err != nil {
		t.Fatalf("arming cycle failed: %v", err)
	}

	// The crossing bar opens at 03:00 and is still forming at 03:30: it
	// must be ignored, leaving the armed state untouched.
	provider.series["AAPL|1h"] = seriesFromCloses("AAPL", "1h", 10, 9, 8, 20)
	eng.now = func() time.Time { return time.Date(2025, 6, 1, 3, 30, 0, 0, time.UTC) }
	if err := eng.RunCycle(context.Background(), time.Now()); err != nil {
		t.Fatalf("mid-bar cycle failed: %v", err)
	}
	if len(events.events) != 0 {
		t.Fatalf("a forming bar must not fire, got %d events", len(events.events))
	}
	if got := states.states[1].LastBarTime; !got.Equal(time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)) {
		t.Fatalf("state must sit on the last closed bar, got %s", got)
	}

	// Once the interval has elapsed the same bar is evaluated and fires.
	eng.now = func() time.Time { return time.Date(2025, 6, 1, 4, 0, 0, 0, time.UTC) }
	if err := eng.RunCycle(context.Background(), time.Now()); err != nil {
		t.Fatalf("closed-bar cycle failed: %v", err)
	}
	if len(events.events) != 1 {
		t.Fatalf("expected one event after the bar closed, got %d", len(events.events))
	}
	if events.events[0].Transition != alert.TransitionCrossUp {
		t.Fatalf("expected cross_up, got %s", events.events[0].Transition)
	}
}

func TestEngineGroupFailureIsIsolated(t *testing.T) {
	rules := &fakeRuleStore{rules: []alert.Rule{
		engineRule(1, "AAPL", 70),
		engineRule(2, "MSFT", 70),
	}}
	states := newFakeStateStore()
	events := &fakeEventStore{}
	provider := newFakeProvider()
	provider.errs["AAPL|1h"] = errors.New("upstream down")
	provider.series["MSFT|1h"] = seriesFromCloses("MSFT", "1h", 10, 9, 8)

	eng := newTestEngine(Options{}, rules, states, events, provider, nil)
	if err := eng.RunCycle(context.Background(), time.Now()); err != nil {
		t.Fatalf("cycle must survive a failing group: %v", err)
	}

	if _, ok := states.states[2]; !ok {
		t.Fatal("the healthy group must still be evaluated")
	}
	if _, ok := states.states[1]; ok {
		t.Fatal("the failing group must not produce state")
	}
}

func TestEngineRateLimitBackoff(t *testing.T) {
	rules := &fakeRuleStore{rules: []alert.Rule{engineRule(1, "AAPL", 70)}}
	provider := newFakeProvider()
	provider.errs["AAPL|1h"] = market.ErrRateLimited

	var slept []time.Duration
	eng := newTestEngine(Options{RateLimitBackoff: 5 * time.Second}, rules, newFakeStateStore(), &fakeEventStore{}, provider, nil)
	eng.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	if err := eng.RunCycle(context.Background(), time.Now()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	if len(slept) != 1 || slept[0] != 5*time.Second {
		t.Fatalf("expected one backoff sleep, got %v", slept)
	}
}

func TestEngineGroupBudgetDefersRemainder(t *testing.T) {
	rules := &fakeRuleStore{rules: []alert.Rule{
		engineRule(1, "AAPL", 70),
		engineRule(2, "BTC-USD", 70),
		engineRule(3, "MSFT", 70),
	}}
	provider := newFakeProvider()
	provider.series["AAPL|1h"] = seriesFromCloses("AAPL", "1h", 10, 9, 8)
	provider.series["BTC-USD|1h"] = seriesFromCloses("BTC-USD", "1h", 10, 9, 8)
	provider.series["MSFT|1h"] = seriesFromCloses("MSFT", "1h", 10, 9, 8)

	eng := newTestEngine(Options{MaxGroupsPerCycle: 2}, rules, newFakeStateStore(), &fakeEventStore{}, provider, nil)
	if err := eng.RunCycle(context.Background(), time.Now()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	total := 0
	for _, n := range provider.calls {
		total += n
	}
	if total != 2 {
		t.Fatalf("expected exactly two fetches under the group budget, got %d", total)
	}
}

func TestEngineDispatchesInBatches(t *testing.T) {
	rules := &fakeRuleStore{rules: []alert.Rule{
		engineRule(1, "AAPL", 70),
		engineRule(2, "AAPL", 50),
	}}
	states := newFakeStateStore()
	provider := newFakeProvider()
	dispatcher := &fakeDispatcher{}

	var slept []time.Duration
	eng := newTestEngine(Options{DispatchBatchSize: 1, DispatchBatchPause: time.Second}, rules, states, &fakeEventStore{}, provider, dispatcher)
	eng.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	provider.series["AAPL|1h"] = seriesFromCloses("AAPL", "1h", 10, 9, 8)
	if err := eng.RunCycle(context.Background(), time.Now()); err != nil {
		t.Fatalf("arming cycle failed: %v", err)
	}

	provider.series["AAPL|1h"] = seriesFromCloses("AAPL", "1h", 10, 9, 8, 20)
	if err := eng.RunCycle(context.Background(), time.Now()); err != nil {
		t.Fatalf("firing cycle failed: %v", err)
	}

	if len(dispatcher.batches) != 2 {
		t.Fatalf("expected two batches of one, got %+v", dispatcher.batches)
	}
	if len(slept) != 1 || slept[0] != time.Second {
		t.Fatalf("expected one inter-batch pause, got %v", slept)
	}
}

func TestEnginePrunesOldEvents(t *testing.T) {
	rules := &fakeRuleStore{rules: []alert.Rule{engineRule(1, "AAPL", 70)}}
	events := &fakeEventStore{}
	provider := newFakeProvider()
	provider.series["AAPL|1h"] = seriesFromCloses("AAPL", "1h", 10, 9, 8)

	eng := newTestEngine(Options{EventRetention: 24 * time.Hour}, rules, newFakeStateStore(), events, provider, nil)
	if err := eng.RunCycle(context.Background(), time.Now()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}

	if len(events.cutoffs) != 1 {
		t.Fatalf("expected one retention prune, got %d", len(events.cutoffs))
	}
	want := eng.now().UTC().Add(-24 * time.Hour)
	if !events.cutoffs[0].Equal(want) {
		t.Fatalf("expected cutoff %s, got %s", want, events.cutoffs[0])
	}
}
