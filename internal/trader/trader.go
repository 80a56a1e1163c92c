// Package trader 实现单个交易实例的交易周期：刷新账户、撤销过期订单、评估卖出与买入候选。
package trader

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"autotrader/internal/config"
	"autotrader/internal/execution"
	"autotrader/internal/metrics"
	"autotrader/internal/monitor"
	"autotrader/internal/reconcile"
	"autotrader/internal/request"
	"autotrader/internal/risk"
	"autotrader/internal/session"
	"autotrader/internal/vendors"
)

const symbolType = "Common Stock"

// 交易周期结果。
const (
	RunOK      = "ok"
	RunAborted = "aborted"
	RunFailed  = "failed"
)

// Deps 为交易实例依赖的组件。Placer、Recorder 为空时使用默认实现。
type Deps struct {
	Broker     vendor.Broker
	Market     vendor.Market
	Signals    Signals
	Calendar   Calendar
	Converter  risk.Converter
	Reconciler Reconciler
	Placer     execution.Placer
	Recorder   Recorder
	Logger     *zap.Logger
}

// Option 调整 Trader。
type Option func(*Trader)

// WithClock 替换时钟。
func WithClock(now func() time.Time) Option {
	return func(t *Trader) {
		t.now = now
	}
}

// WithRand 替换随机源，用于抽取随机代码。
func WithRand(rnd *rand.Rand) Option {
	return func(t *Trader) {
		t.rnd = rnd
	}
}

// Trader 为单个交易实例，每个实例持有独立的券商会话。
type Trader struct {
	id         uuid.UUID
	name       string
	cfg        config.TraderConfig
	resolution vendor.Resolution
	sizing     execution.SizingRules

	broker     vendor.Broker
	market     vendor.Market
	signals    Signals
	calendar   Calendar
	converter  risk.Converter
	reconciler Reconciler
	placer     execution.Placer
	recorder   Recorder
	risk       *risk.Manager
	logger     *zap.Logger
	now        func() time.Time
	rnd        *rand.Rand

	mu      sync.Mutex
	nextRun time.Time
}

// New 创建交易实例，下一次运行时间为当前时间。
func New(cfg config.TraderConfig, deps Deps, opts ...Option) (*Trader, error) {
	if deps.Broker == nil || deps.Market == nil {
		return nil, errors.New("trader: broker 与 market 不能为空")
	}
	if deps.Signals == nil || deps.Calendar == nil || deps.Reconciler == nil {
		return nil, errors.New("trader: signals、calendar 与 reconciler 不能为空")
	}
	resolution, err := vendor.ParseResolution(cfg.CandlestickResolution)
	if err != nil {
		return nil, fmt.Errorf("trader: %w", err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.New()
	logger = logger.With(
		zap.String("trader", cfg.Label()),
		zap.String("trader_id", id.String()),
		zap.String("broker", deps.Broker.Name()),
	)

	t := &Trader{
		id:         id,
		name:       cfg.Label(),
		cfg:        cfg,
		resolution: resolution,
		sizing: execution.SizingRules{
			BuyFraction:  decimal.NewFromFloat(cfg.BuyFraction),
			MinBuyAmount: decimal.NewFromFloat(cfg.MinBuyAmount),
			MaxBuyAmount: decimal.NewFromFloat(cfg.MaxBuyAmount),
		},
		broker:     deps.Broker,
		market:     deps.Market,
		signals:    deps.Signals,
		calendar:   deps.Calendar,
		converter:  deps.Converter,
		reconciler: deps.Reconciler,
		placer:     deps.Placer,
		recorder:   deps.Recorder,
		risk:       risk.NewManager(cfg, deps.Converter, logger),
		logger:     logger,
		now:        time.Now,
		rnd:        rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.placer == nil {
		t.placer = execution.NewExecutor(deps.Broker, logger)
	}
	if t.recorder == nil {
		t.recorder = nopRecorder{}
	}
	t.nextRun = t.now()
	return t, nil
}

// ID 返回实例标识。
func (t *Trader) ID() uuid.UUID {
	return t.id
}

// Name 返回实例名称。
func (t *Trader) Name() string {
	return t.name
}

// NextRun 返回下一次运行时间。
func (t *Trader) NextRun() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextRun
}

// Due 判断是否到达运行时间。
func (t *Trader) Due(now time.Time) bool {
	return !now.Before(t.NextRun())
}

// Reschedule 根据 now 重新计算下一次运行时间。
func (t *Trader) Reschedule(now time.Time) time.Time {
	next := t.CalculateNextRun(now)
	t.mu.Lock()
	t.nextRun = next
	t.mu.Unlock()
	return next
}

// CalculateNextRun 返回 now+休眠时长，按 now 所在时区的墙上时间向下对齐，再加上行情延迟。
//
// 休眠时长小于一小时时对齐到该小时内休眠时长的整数倍，否则对齐到整点。
func (t *Trader) CalculateNextRun(now time.Time) time.Time {
	sleep := t.cfg.SleepDuration
	next := now.Add(sleep)
	if sleep > 0 {
		next = alignWallClock(next, sleep)
	}
	return next.Add(t.market.IntervalDelay())
}

func alignWallClock(t time.Time, step time.Duration) time.Time {
	hour := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
	if step >= time.Hour {
		return hour
	}
	return hour.Add(t.Sub(hour).Truncate(step))
}

// Run 执行一次交易周期。券商返回未授权时放弃本周期并返回 nil，其余错误返回给调度方。
// 无论结果如何，返回前都会重新计算下一次运行时间。
func (t *Trader) Run(ctx context.Context) (err error) {
	result := RunOK
	defer func() {
		if err != nil {
			result = RunFailed
		}
		next := t.Reschedule(t.now())
		metrics.TradingRuns.WithLabelValues(t.name, result).Inc()
		t.recorder.RecordRun(ctx, t.name, monitor.RunPayload{Result: result, NextRun: next})
		t.logger.Info("交易周期结束", zap.String("result", result), zap.Time("next_run", next))
	}()

	t.logger.Info("开始交易周期")

	if err := t.market.Refresh(ctx); err != nil {
		return fmt.Errorf("trader: 刷新行情连接失败: %w", err)
	}
	if err := t.refreshLedger(ctx); err != nil {
		if unauthorized(err) {
			t.logger.Error("无权刷新券商账户，请检查授权或网关", zap.Error(err))
			t.recorder.RecordError(ctx, t.name, "刷新券商账户未授权", err, nil)
			result = RunAborted
			return nil
		}
		return fmt.Errorf("trader: 刷新券商账户失败: %w", err)
	}

	t.cancelStaleOrders(ctx)

	if t.cfg.SellEnabled() {
		t.checkSellCandidates(ctx)
	}

	if t.cfg.BuyEnabled() {
		ledger := t.broker.Ledger()
		check := t.risk.BuyAllowed(ledger.CashBalance)
		if !check.Allowed() {
			t.logger.Info("现金余额不足，跳过买入候选评估",
				zap.String("cash", ledger.CashBalance.StringFixed(2)),
				zap.String("currency", ledger.Currency),
				zap.Strings("notes", check.Notes),
			)
			return nil
		}
		if err := t.refreshLedger(ctx); err != nil {
			t.logger.Error("刷新券商账户失败，跳过买入候选评估", zap.Error(err))
			return nil
		}
		t.checkBuyCandidates(ctx)
	}

	return nil
}

func unauthorized(err error) bool {
	return errors.Is(err, request.ErrUnauthorized) || errors.Is(err, session.ErrAuthExpired)
}

func (t *Trader) refreshLedger(ctx context.Context) error {
	if err := t.broker.Refresh(ctx); err != nil {
		return err
	}
	ledger := t.broker.Ledger()
	cash, _ := ledger.CashBalance.Float64()
	metrics.CashBalance.WithLabelValues(t.name, ledger.Currency).Set(cash)
	t.recorder.RecordLedger(ctx, t.name, monitor.LedgerPayload{
		Broker:      t.broker.Name(),
		Currency:    ledger.Currency,
		CashBalance: ledger.CashBalance,
		TotalValue:  ledger.TotalValue,
	})
	t.logger.Debug("券商账户已刷新",
		zap.String("cash", ledger.CashBalance.StringFixed(2)),
		zap.String("currency", ledger.Currency),
	)
	return nil
}

func (t *Trader) cancelStaleOrders(ctx context.Context) {
	orders, err := t.broker.LiveOrders(ctx)
	if err != nil {
		t.logger.Error("获取在途订单失败", zap.Error(err))
		t.recorder.RecordError(ctx, t.name, "获取在途订单失败", err, nil)
		return
	}
	if orders == nil {
		orders = []vendor.Order{}
	}
	t.logger.Debug("在途订单", zap.Int("count", len(orders)))

	results, err := t.reconciler.CancelStaleOrders(ctx, t.broker, orders, t.cfg.OrderLifetime)
	if err != nil {
		t.logger.Error("撤销过期订单失败", zap.Error(err))
		t.recorder.RecordError(ctx, t.name, "撤销过期订单失败", err, nil)
	}
	if len(results) == 0 {
		return
	}
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.OrderID)
	}
	t.recorder.RecordCancellation(ctx, t.name, monitor.CancellationPayload{Broker: t.broker.Name(), Orders: ids})
}

// configuredExchanges 返回配置代码到交易所代码的映射，不含随机占位符。
func (t *Trader) configuredExchanges() map[string]string {
	out := make(map[string]string)
	for _, code := range t.cfg.ExchangeCodes() {
		for _, name := range t.cfg.ExchangeSymbols(code) {
			if _, random := randomCount(name); random {
				continue
			}
			out[name] = code
		}
	}
	return out
}

// exchangeOpen 判断交易所是否开市，未知交易所视为不可交易。
func (t *Trader) exchangeOpen(code string, logged map[string]struct{}) bool {
	open, err := t.calendar.IsOpen(code)
	_, seen := logged[code]
	switch {
	case err != nil:
		if !seen {
			t.logger.Error("未知交易所代码", zap.String("exchange", code), zap.Error(err))
		}
	case !open:
		if !seen {
			t.logger.Info("交易所已休市，跳过相关代码", zap.String("exchange", code))
		}
	default:
		return true
	}
	logged[code] = struct{}{}
	return false
}

func (t *Trader) checkSellCandidates(ctx context.Context) {
	t.logger.Info("评估持仓中的卖出候选")

	positions, err := t.broker.Positions(ctx)
	if err != nil {
		t.logger.Error("获取持仓失败", zap.Error(err))
		t.recorder.RecordError(ctx, t.name, "获取持仓失败", err, nil)
		return
	}

	exchanges := t.configuredExchanges()
	logged := make(map[string]struct{})
	fee := t.broker.MinimumOrderFee()

	for _, position := range positions {
		code, configured := exchanges[position.Symbol]
		if !configured {
			continue
		}
		if !t.exchangeOpen(code, logged) {
			continue
		}

		if check := t.risk.ProfitCheck(position, fee); !check.Allowed() {
			t.logger.Info("未通过盈利检查，跳过卖出评估",
				zap.String("symbol", position.Symbol),
				zap.Strings("notes", check.Notes),
			)
			continue
		}

		symbol := vendor.Symbol{Name: position.Symbol, Exchange: code, Currency: position.Currency}
		result, ok := t.evaluate(ctx, symbol, vendor.SideSell)
		if !ok || result.Score >= 0 {
			continue
		}

		plan := execution.Plan{
			Symbol:   symbol,
			Side:     vendor.SideSell,
			Quantity: position.Quantity,
			Score:    result.Score,
			Labels:   result.Labels,
			Position: &position,
		}
		if !t.priceAllowed(ctx, &plan, vendor.PriceBid) {
			continue
		}
		plan.Amount = plan.Price.Mul(plan.Quantity)
		t.place(ctx, plan)
	}
}

func (t *Trader) checkBuyCandidates(ctx context.Context) {
	t.logger.Info("评估市场中的买入候选")

	symbols := t.universe(ctx)
	positions, err := t.broker.Positions(ctx)
	if err != nil {
		t.logger.Error("获取持仓失败，无法检查持仓上限", zap.Error(err))
		t.recorder.RecordError(ctx, t.name, "获取持仓失败", err, nil)
		return
	}
	sums := reconcile.SumBySymbol(positions)

	for _, symbol := range symbols {
		ledger := t.broker.Ledger()
		if position, ok := sums[symbol.Name]; ok {
			check, err := t.risk.PositionLimit(ctx, position, ledger.CashBalance, ledger.Currency)
			if err != nil {
				t.logger.Error("无法检查持仓上限，跳过代码", zap.String("symbol", symbol.Name), zap.Error(err))
				continue
			}
			if !check.Allowed() {
				t.logger.Info("持仓市值超过上限，跳过代码",
					zap.String("symbol", symbol.Name),
					zap.Strings("notes", check.Notes),
				)
				continue
			}
		}

		result, ok := t.evaluate(ctx, symbol, vendor.SideBuy)
		if !ok || result.Score <= 0 {
			continue
		}

		t.placeBuy(ctx, symbol, result.Score, result.Labels)
		if err := t.refreshLedger(ctx); err != nil {
			t.logger.Error("刷新券商账户失败，停止评估买入候选", zap.Error(err))
			return
		}
	}
}

func (t *Trader) placeBuy(ctx context.Context, symbol vendor.Symbol, score float64, labels []string) {
	plan := execution.Plan{
		Symbol: symbol,
		Side:   vendor.SideBuy,
		Score:  score,
		Labels: labels,
	}
	if !t.priceAllowed(ctx, &plan, vendor.PriceAsk) {
		return
	}

	ledger := t.broker.Ledger()
	accountPrice, err := t.accountPrice(ctx, plan.Price, symbol.Currency, ledger.Currency)
	if err != nil {
		t.logger.Error("换算报价失败", zap.String("symbol", symbol.Name), zap.Error(err))
		return
	}

	sizing, err := execution.Size(ledger.CashBalance, accountPrice, t.sizing)
	if err != nil {
		if errors.Is(err, execution.ErrExceedsMaxAmount) {
			t.logger.Warn("单位价格超过最大买入金额，不下单", zap.String("symbol", symbol.Name), zap.Error(err))
		} else {
			t.logger.Info("无法计算买入数量", zap.String("symbol", symbol.Name), zap.Error(err))
		}
		return
	}
	t.logger.Debug("买入数量",
		zap.String("symbol", symbol.Name),
		zap.String("buy_amount", sizing.BuyAmount.StringFixed(2)),
		zap.String("quantity", sizing.Quantity.String()),
		zap.String("amount", sizing.Amount.StringFixed(2)),
		zap.String("adjusted", sizing.Adjusted),
		zap.String("currency", ledger.Currency),
	)

	if check := t.risk.FundsCheck(symbol.Name, sizing.Amount, ledger.CashBalance); !check.Allowed() {
		t.logger.Info("资金不足，不下单", zap.String("symbol", symbol.Name), zap.Strings("notes", check.Notes))
		return
	}

	plan.Quantity = sizing.Quantity
	plan.Amount = sizing.Amount
	t.place(ctx, plan)
}

// priceAllowed 获取报价写入 plan，并在启用时与近期均价比较。
func (t *Trader) priceAllowed(ctx context.Context, plan *execution.Plan, priceType vendor.PriceType) bool {
	price, err := t.market.Quote(ctx, plan.Symbol, priceType)
	if err != nil {
		t.logSymbolError(ctx, plan.Symbol.Name, "获取报价失败", err)
		return false
	}
	plan.Price = price

	if !t.risk.PriceCheckEnabled() {
		return true
	}
	avg, err := t.market.AveragePrice(ctx, plan.Symbol, plan.Side, t.cfg.PriceCheck.Days)
	if err != nil {
		t.logSymbolError(ctx, plan.Symbol.Name, "获取均价失败", err)
		return false
	}
	if check := t.risk.PriceCheck(plan.Symbol.Name, plan.Side, price, avg); !check.Allowed() {
		t.logger.Info("价格不理想，不下单", zap.String("symbol", plan.Symbol.Name), zap.Strings("notes", check.Notes))
		return false
	}
	return true
}

func (t *Trader) accountPrice(ctx context.Context, price decimal.Decimal, from, to string) (decimal.Decimal, error) {
	if from == "" || to == "" || strings.EqualFold(from, to) {
		return price, nil
	}
	if t.converter == nil {
		return decimal.Zero, fmt.Errorf("trader: 缺少汇率换算 %s -> %s", from, to)
	}
	return t.converter.Convert(ctx, price, from, to)
}

func (t *Trader) place(ctx context.Context, plan execution.Plan) {
	result, err := t.placer.Execute(ctx, plan)
	if err != nil {
		t.logger.Error("下单失败", zap.String("symbol", plan.Symbol.Name), zap.String("side", string(plan.Side)), zap.Error(err))
		t.recorder.RecordError(ctx, t.name, "下单失败", err, map[string]interface{}{
			"symbol": plan.Symbol.Name,
			"side":   string(plan.Side),
		})
		return
	}
	t.recorder.RecordOrder(ctx, t.name, monitor.OrderPayload{
		Broker:   t.broker.Name(),
		Symbol:   plan.Symbol.Name,
		Exchange: plan.Symbol.Exchange,
		Side:     string(plan.Side),
		Quantity: plan.Quantity,
		Price:    plan.Price,
		Amount:   plan.Amount,
		OrderID:  result.Order.ID,
		Key:      result.Key,
		Notes:    result.Notes,
	})
}

// logSymbolError 记录单个代码的错误，无数据按预期情况处理。
func (t *Trader) logSymbolError(ctx context.Context, symbol, msg string, err error) {
	if errors.Is(err, vendor.ErrNoData) {
		t.logger.Warn(msg, zap.String("symbol", symbol), zap.Error(err))
		return
	}
	t.logger.Error(msg, zap.String("symbol", symbol), zap.Error(err))
	t.recorder.RecordError(ctx, t.name, msg, err, map[string]interface{}{"symbol": symbol})
}
