package trader

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/config"
	"autotrader/internal/execution"
	"autotrader/internal/reconcile"
	"autotrader/internal/request"
	"autotrader/internal/signal"
	"autotrader/internal/vendors"
)

type fakeBroker struct {
	mu          sync.Mutex
	ledger      vendor.Ledger
	refreshErr  error
	refreshes   int
	liveCalls   int
	orders      []vendor.Order
	cancelled   []string
	positions   []vendor.Position
	positionErr error
}

func (b *fakeBroker) Name() string { return "fake" }

func (b *fakeBroker) Refresh(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshes++
	return b.refreshErr
}

func (b *fakeBroker) Ledger() vendor.Ledger { return b.ledger }

func (b *fakeBroker) MinimumOrderFee() decimal.Decimal { return decimal.NewFromInt(1) }

func (b *fakeBroker) LookupSymbol(_ context.Context, name string) (vendor.Symbol, error) {
	return vendor.Symbol{Name: name}, nil
}

func (b *fakeBroker) LiveOrders(context.Context) ([]vendor.Order, error) {
	b.liveCalls++
	return b.orders, nil
}

func (b *fakeBroker) CancelOrder(_ context.Context, order vendor.Order) (vendor.CancelResult, error) {
	b.cancelled = append(b.cancelled, order.ID)
	return vendor.CancelResult{OrderID: order.ID}, nil
}

func (b *fakeBroker) Positions(context.Context) ([]vendor.Position, error) {
	return b.positions, b.positionErr
}

func (b *fakeBroker) NetPositions(ctx context.Context) ([]vendor.Position, error) {
	return b.Positions(ctx)
}

func (b *fakeBroker) PlaceOrder(context.Context, vendor.OrderRequest) (vendor.Order, error) {
	return vendor.Order{}, errors.New("fakeBroker: orders go through the placer")
}

type fakeMarket struct {
	delay   time.Duration
	listing map[string]map[string]vendor.Symbol
	quotes  map[string]decimal.Decimal

	invalidations int
}

func (m *fakeMarket) InvalidateSymbols() { m.invalidations++ }

func (m *fakeMarket) Name() string { return "fake-market" }

func (m *fakeMarket) Refresh(context.Context) error { return nil }

func (m *fakeMarket) IntervalDelay() time.Duration { return m.delay }

func (m *fakeMarket) ListSymbols(_ context.Context, exchange, _ string) (map[string]vendor.Symbol, error) {
	listing, ok := m.listing[exchange]
	if !ok {
		return nil, errors.New("no listing")
	}
	return listing, nil
}

func (m *fakeMarket) LookupSymbol(_ context.Context, name string) (vendor.Symbol, error) {
	return vendor.Symbol{Name: name, Currency: "NOK"}, nil
}

func (m *fakeMarket) Quote(_ context.Context, symbol vendor.Symbol, _ vendor.PriceType) (decimal.Decimal, error) {
	price, ok := m.quotes[symbol.Name]
	if !ok {
		return decimal.Zero, vendor.ErrNoData
	}
	return price, nil
}

func (m *fakeMarket) PriceHistory(context.Context, vendor.Symbol, vendor.Resolution, int) ([]vendor.Candle, error) {
	return nil, vendor.ErrNoData
}

func (m *fakeMarket) AveragePrice(context.Context, vendor.Symbol, vendor.Side, int) (vendor.AveragePrice, error) {
	return vendor.AveragePrice{}, vendor.ErrNoData
}

type signalOutcome struct {
	score float64
	err   error
}

type fakeSignals struct {
	outcomes map[string]signalOutcome
	calls    []string
}

func (s *fakeSignals) Produce(_ context.Context, _ signal.HistorySource, symbol vendor.Symbol, _ vendor.Resolution, _ int) (signal.Result, error) {
	s.calls = append(s.calls, symbol.Name)
	outcome := s.outcomes[symbol.Name]
	if outcome.err != nil {
		return signal.Result{}, outcome.err
	}
	return signal.Result{Symbol: symbol.Name, Score: outcome.score, Labels: []string{"test"}}, nil
}

func (s *fakeSignals) called(name string) bool {
	for _, c := range s.calls {
		if c == name {
			return true
		}
	}
	return false
}

type fakeCalendar map[string]bool

func (c fakeCalendar) IsOpen(code string) (bool, error) {
	open, ok := c[code]
	if !ok {
		return false, fmt.Errorf("unknown exchange %s", code)
	}
	return open, nil
}

type fakePlacer struct {
	plans []execution.Plan
}

func (p *fakePlacer) Execute(_ context.Context, plan execution.Plan) (execution.Result, error) {
	p.plans = append(p.plans, plan)
	return execution.Result{Plan: plan, Executed: true, Order: vendor.Order{ID: "ord"}}, nil
}

type fixture struct {
	broker  *fakeBroker
	market  *fakeMarket
	signals *fakeSignals
	placer  *fakePlacer
	trader  *Trader
	now     time.Time
}

func boolPtr(v bool) *bool { return &v }

func baseConfig() config.TraderConfig {
	return config.TraderConfig{
		Name:                  "test",
		Broker:                config.VendorConfig{Vendor: "fake"},
		BuyFraction:           0.1,
		MinBuyAmount:          500,
		MaxPositionValue:      3,
		OrderLifetime:         time.Hour,
		SleepDuration:         5 * time.Minute,
		CandlestickResolution: "D",
		CandlestickIntervals:  30,
		ProfitCheck:           config.ProfitCheckConfig{Enabled: true, MinProfitFraction: 0.02},
		Exchanges:             map[string][]string{"ose": {"AAA", "BBB"}},
	}
}

func newFixture(t *testing.T, cfg config.TraderConfig, calendar fakeCalendar) *fixture {
	t.Helper()
	f := &fixture{
		broker: &fakeBroker{ledger: vendor.Ledger{Currency: "NOK", CashBalance: decimal.NewFromInt(10000)}},
		market: &fakeMarket{
			delay: 15 * time.Minute,
			listing: map[string]map[string]vendor.Symbol{
				"OSE": {
					"AAA": {Name: "AAA", Currency: "NOK"},
					"BBB": {Name: "BBB", Currency: "NOK"},
				},
			},
			quotes: map[string]decimal.Decimal{
				"AAA": decimal.RequireFromString("33.33"),
				"BBB": decimal.RequireFromString("33.33"),
			},
		},
		signals: &fakeSignals{outcomes: map[string]signalOutcome{}},
		placer:  &fakePlacer{},
		now:     time.Date(2024, 5, 8, 10, 7, 30, 0, time.UTC),
	}
	tr, err := New(cfg, Deps{
		Broker:     f.broker,
		Market:     f.market,
		Signals:    f.signals,
		Calendar:   calendar,
		Reconciler: reconcile.NewEngine(nil),
		Placer:     f.placer,
	}, WithClock(func() time.Time { return f.now }), WithRand(rand.New(rand.NewPCG(1, 2))))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	f.trader = tr
	return f
}

func TestRun_NoDataSkipsSymbolOnly(t *testing.T) {
	cfg := baseConfig()
	cfg.Sell = boolPtr(false)
	f := newFixture(t, cfg, fakeCalendar{"OSE": true})
	f.signals.outcomes["AAA"] = signalOutcome{err: fmt.Errorf("finnhub: %w", vendor.ErrNoData)}
	f.signals.outcomes["BBB"] = signalOutcome{score: 1.5}

	if err := f.trader.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(f.placer.plans) != 1 {
		t.Fatalf("expected one buy order, got %d", len(f.placer.plans))
	}
	plan := f.placer.plans[0]
	if plan.Symbol.Name != "BBB" || plan.Side != vendor.SideBuy || !plan.Quantity.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("unexpected plan %+v", plan)
	}
	if plan.Symbol.Exchange != "OSE" {
		t.Fatalf("expected exchange code attached, got %q", plan.Symbol.Exchange)
	}
	// 周期开始、买入前、下单后各刷新一次
	if f.broker.refreshes != 3 {
		t.Fatalf("expected 3 ledger refreshes, got %d", f.broker.refreshes)
	}
}

func TestRun_UnauthorizedLedgerAbortsCycle(t *testing.T) {
	f := newFixture(t, baseConfig(), fakeCalendar{"OSE": true})
	f.broker.refreshErr = fmt.Errorf("ibkr: 获取账户失败: %w", request.ErrUnauthorized)

	if err := f.trader.Run(context.Background()); err != nil {
		t.Fatalf("expected cycle aborted without error, got %v", err)
	}
	if f.broker.liveCalls != 0 || len(f.placer.plans) != 0 {
		t.Fatalf("expected nothing after unauthorized refresh")
	}
	want := f.trader.CalculateNextRun(f.now)
	if !f.trader.NextRun().Equal(want) {
		t.Fatalf("expected rescheduled at %v, got %v", want, f.trader.NextRun())
	}
}

func TestRun_OtherRefreshErrorsFailCycle(t *testing.T) {
	f := newFixture(t, baseConfig(), fakeCalendar{"OSE": true})
	f.broker.refreshErr = errors.New("connection reset")

	if err := f.trader.Run(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if f.trader.Due(f.now) {
		t.Fatalf("expected trader rescheduled after failure")
	}
}

func TestRun_SellHonorsProfitGateAndFilters(t *testing.T) {
	cfg := baseConfig()
	cfg.Buy = boolPtr(false)
	cfg.Exchanges = map[string][]string{"OSE": {"AAA", "BBB"}, "NYSE": {"CCC"}}
	f := newFixture(t, cfg, fakeCalendar{"OSE": true, "NYSE": false})
	f.broker.positions = []vendor.Position{
		{Symbol: "AAA", Quantity: decimal.NewFromInt(5), MarketValue: decimal.NewFromInt(1000), PnL: decimal.NewFromInt(1), Currency: "NOK"},
		{Symbol: "BBB", Quantity: decimal.NewFromInt(10), MarketValue: decimal.NewFromInt(1000), PnL: decimal.NewFromInt(100), Currency: "NOK"},
		{Symbol: "CCC", Quantity: decimal.NewFromInt(1), MarketValue: decimal.NewFromInt(100), PnL: decimal.NewFromInt(50), Currency: "USD"},
		{Symbol: "DDD", Quantity: decimal.NewFromInt(1), MarketValue: decimal.NewFromInt(100), PnL: decimal.NewFromInt(50), Currency: "NOK"},
	}
	f.signals.outcomes["AAA"] = signalOutcome{score: -1}
	f.signals.outcomes["BBB"] = signalOutcome{score: -1}
	f.signals.outcomes["CCC"] = signalOutcome{score: -1}
	f.signals.outcomes["DDD"] = signalOutcome{score: -1}

	if err := f.trader.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	for _, name := range []string{"AAA", "CCC", "DDD"} {
		if f.signals.called(name) {
			t.Fatalf("expected %s filtered before signal evaluation", name)
		}
	}
	if len(f.placer.plans) != 1 {
		t.Fatalf("expected one sell order, got %d", len(f.placer.plans))
	}
	plan := f.placer.plans[0]
	if plan.Symbol.Name != "BBB" || plan.Side != vendor.SideSell || !plan.Quantity.Equal(decimal.NewFromInt(10)) || plan.Position == nil {
		t.Fatalf("unexpected plan %+v", plan)
	}
}

func TestRun_BuySkipsSymbolAboveMaxPosition(t *testing.T) {
	cfg := baseConfig()
	cfg.Sell = boolPtr(false)
	f := newFixture(t, cfg, fakeCalendar{"OSE": true})
	// 限额 = max(10000*0.1, 500)*3 = 3000，两笔持仓合计 3200
	f.broker.positions = []vendor.Position{
		{Symbol: "AAA", Quantity: decimal.NewFromInt(1), MarketValue: decimal.NewFromInt(1600), Currency: "NOK"},
		{Symbol: "AAA", Quantity: decimal.NewFromInt(1), MarketValue: decimal.NewFromInt(1600), Currency: "NOK"},
	}
	f.signals.outcomes["AAA"] = signalOutcome{score: 1}
	f.signals.outcomes["BBB"] = signalOutcome{score: 1}

	if err := f.trader.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if f.signals.called("AAA") {
		t.Fatalf("expected AAA skipped by max position check")
	}
	if len(f.placer.plans) != 1 || f.placer.plans[0].Symbol.Name != "BBB" {
		t.Fatalf("expected only BBB bought, got %+v", f.placer.plans)
	}
}

func TestRun_BuyGateSkipsWhenCashLow(t *testing.T) {
	cfg := baseConfig()
	cfg.Sell = boolPtr(false)
	cfg.MinBrokerCashBalance = 100
	f := newFixture(t, cfg, fakeCalendar{"OSE": true})
	f.broker.ledger.CashBalance = decimal.NewFromInt(600)
	f.signals.outcomes["AAA"] = signalOutcome{score: 1}

	if err := f.trader.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(f.signals.calls) != 0 || len(f.placer.plans) != 0 {
		t.Fatalf("expected buy evaluation skipped")
	}
}

func TestRun_CancelsStaleOrders(t *testing.T) {
	cfg := baseConfig()
	cfg.Buy = boolPtr(false)
	cfg.Sell = boolPtr(false)
	f := newFixture(t, cfg, fakeCalendar{"OSE": true})
	f.broker.orders = []vendor.Order{
		{ID: "old", Status: vendor.OrderStatusActive, PlacedAt: time.Now().Add(-2 * time.Hour)},
		{ID: "new", Status: vendor.OrderStatusActive, PlacedAt: time.Now().Add(-time.Minute)},
		{ID: "done", Status: vendor.OrderStatusOther, PlacedAt: time.Now().Add(-3 * time.Hour)},
	}

	if err := f.trader.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(f.broker.cancelled) != 1 || f.broker.cancelled[0] != "old" {
		t.Fatalf("expected only stale active order cancelled, got %v", f.broker.cancelled)
	}
}

func TestCalculateNextRun_AlignsAndAddsDelay(t *testing.T) {
	f := newFixture(t, baseConfig(), fakeCalendar{"OSE": true})
	next := f.trader.CalculateNextRun(time.Date(2024, 5, 8, 10, 7, 30, 0, time.UTC))
	want := time.Date(2024, 5, 8, 10, 25, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}

func TestCalculateNextRun_AlignsToLocalWallClock(t *testing.T) {
	cet := time.FixedZone("CET", 3600)
	cases := []struct {
		name  string
		sleep time.Duration
		now   time.Time
		want  time.Time
	}{
		{"seven minutes within hour", 7 * time.Minute, time.Date(2024, 5, 8, 10, 50, 10, 0, cet), time.Date(2024, 5, 8, 11, 11, 0, 0, cet)},
		{"odd hours align to top of hour", 2 * time.Hour, time.Date(2024, 5, 8, 11, 7, 30, 0, cet), time.Date(2024, 5, 8, 13, 15, 0, 0, cet)},
		{"quarter hour in local zone", 15 * time.Minute, time.Date(2024, 5, 8, 23, 59, 0, 0, cet), time.Date(2024, 5, 9, 0, 15, 0, 0, cet)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := baseConfig()
			cfg.SleepDuration = tc.sleep
			f := newFixture(t, cfg, fakeCalendar{"OSE": true})
			next := f.trader.CalculateNextRun(tc.now)
			if !next.Equal(tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, next)
			}
		})
	}
}

func TestUniverse_RandomSamplingExcludesConfigured(t *testing.T) {
	cfg := baseConfig()
	cfg.Exchanges = map[string][]string{"OSE": {"AAA", "_random_2"}}
	f := newFixture(t, cfg, fakeCalendar{"OSE": true})
	f.market.listing["OSE"] = map[string]vendor.Symbol{
		"AAA": {Name: "AAA"},
		"X1":  {Name: "X1"},
		"X2":  {Name: "X2"},
		"X3":  {Name: "X3"},
	}

	symbols := f.trader.universe(context.Background())
	if len(symbols) != 3 {
		t.Fatalf("expected 3 symbols, got %d", len(symbols))
	}
	seen := map[string]int{}
	for _, s := range symbols {
		seen[s.Name]++
		if s.Exchange != "OSE" {
			t.Fatalf("expected exchange set on %s", s.Name)
		}
	}
	if seen["AAA"] != 1 {
		t.Fatalf("configured symbol must appear exactly once, got %v", seen)
	}
}

func TestUniverse_SkipsClosedAndUnknownExchanges(t *testing.T) {
	cfg := baseConfig()
	cfg.Exchanges = map[string][]string{"OSE": {"AAA"}, "XYZ": {"BBB"}}
	f := newFixture(t, cfg, fakeCalendar{"OSE": false})
	if symbols := f.trader.universe(context.Background()); len(symbols) != 0 {
		t.Fatalf("expected no symbols, got %+v", symbols)
	}
}

func TestUniverse_MissingConfiguredSymbolInvalidatesListing(t *testing.T) {
	cfg := baseConfig()
	cfg.Exchanges = map[string][]string{"OSE": {"AAA", "NEW"}}
	f := newFixture(t, cfg, fakeCalendar{"OSE": true})

	symbols := f.trader.universe(context.Background())
	if len(symbols) != 1 || symbols[0].Name != "AAA" {
		t.Fatalf("expected only AAA, got %+v", symbols)
	}
	if f.market.invalidations != 1 {
		t.Fatalf("expected listing cache invalidated once, got %d", f.market.invalidations)
	}

	cfg.Exchanges = map[string][]string{"OSE": {"AAA"}}
	f = newFixture(t, cfg, fakeCalendar{"OSE": true})
	f.trader.universe(context.Background())
	if f.market.invalidations != 0 {
		t.Fatalf("complete listing must stay cached")
	}
}

func TestRandomCount(t *testing.T) {
	cases := map[string]int{"_random_3": 3, "_RANDOM_10": 10}
	for name, want := range cases {
		if n, ok := randomCount(name); !ok || n != want {
			t.Fatalf("randomCount(%q) = %d,%v", name, n, ok)
		}
	}
	for _, name := range []string{"AAA", "_random_", "_random_x", "_random_0"} {
		if _, ok := randomCount(name); ok {
			t.Fatalf("randomCount(%q) should not match", name)
		}
	}
}

func TestPickRandom_CapsAtAvailable(t *testing.T) {
	listing := map[string]vendor.Symbol{"A": {Name: "A"}, "B": {Name: "B"}}
	picked := pickRandom(rand.New(rand.NewPCG(1, 1)), 5, listing, []string{"A"})
	if len(picked) != 1 || picked[0].Name != "B" {
		t.Fatalf("unexpected pick %+v", picked)
	}
}
