package app

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"autotrader/internal/ai"
	"autotrader/internal/config"
	"autotrader/internal/currency"
	"autotrader/internal/exchange"
	"autotrader/internal/monitor"
	"autotrader/internal/reconcile"
	"autotrader/internal/session"
	"autotrader/internal/signal"
	"autotrader/internal/store"
	"autotrader/internal/trader"
	"autotrader/internal/vendors"
	"autotrader/internal/vendors/finnhub"
	"autotrader/internal/vendors/ibkr"
	"autotrader/internal/vendors/saxo"
)

// buildKey 为决定是否重建交易实例的配置子集。
type buildKey struct {
	MarketData config.VendorConfig
	Traders    []config.TraderConfig
	Signal     config.SignalConfig
	Currency   config.CurrencyConfig
}

func buildKeyOf(cfg *config.Config) buildKey {
	return buildKey{
		MarketData: cfg.MarketData,
		Traders:    cfg.Traders,
		Signal:     cfg.Signal,
		Currency:   cfg.Currency,
	}
}

// orchestrator 根据配置组装行情、券商与信号组件，生成交易实例。
type orchestrator struct {
	registry  *vendor.Registry
	store     *store.Store
	monitor   *monitor.Service
	authorize session.AuthorizationCallback
	calendar  *exchange.Calendar
	logger    *zap.Logger

	mu       sync.Mutex
	tokens   map[string]*store.TokenStore
	sessions map[string]*session.Manager
}

func newOrchestrator(st *store.Store, monitorSvc *monitor.Service, authorize session.AuthorizationCallback, logger *zap.Logger) *orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := vendor.NewRegistry()
	saxo.Register(registry)
	ibkr.Register(registry)
	finnhub.Register(registry)

	return &orchestrator{
		registry:  registry,
		store:     st,
		monitor:   monitorSvc,
		authorize: authorize,
		calendar:  exchange.NewCalendar(),
		logger:    logger,
		tokens:    make(map[string]*store.TokenStore),
		sessions:  make(map[string]*session.Manager),
	}
}

// tokenStore 按供应商复用令牌存储，同一供应商的行情与券商共享一行令牌。
func (o *orchestrator) tokenStore(ctx context.Context) func(string) (session.TokenStore, error) {
	return func(name string) (session.TokenStore, error) {
		o.mu.Lock()
		defer o.mu.Unlock()
		if ts, ok := o.tokens[name]; ok {
			return ts, nil
		}
		ts, err := store.NewTokenStore(ctx, o.store, name)
		if err != nil {
			return nil, err
		}
		o.tokens[name] = ts
		return ts, nil
	}
}

// sharedSession 按 key 复用会话管理器，跨重建保留内存中的令牌。
func (o *orchestrator) sharedSession(key string, build func() *session.Manager) *session.Manager {
	o.mu.Lock()
	defer o.mu.Unlock()
	if m, ok := o.sessions[key]; ok {
		return m
	}
	m := build()
	o.sessions[key] = m
	return m
}

func (o *orchestrator) deps(ctx context.Context) vendor.Deps {
	return vendor.Deps{
		Logger:    o.logger,
		Tokens:    o.tokenStore(ctx),
		Authorize: o.authorize,
		Sessions:  o.sharedSession,
	}
}

// Build 创建全部交易实例。行情或信号组件失败时返回错误；单个交易实例失败只记录日志并跳过。
func (o *orchestrator) Build(ctx context.Context, cfg *config.Config) ([]runner, error) {
	market, err := o.registry.Market(cfg.MarketData, o.deps(ctx))
	if err != nil {
		return nil, fmt.Errorf("初始化行情客户端失败: %w", err)
	}

	var signalOpts []signal.Option
	if cfg.Signal.AI.Enabled {
		aiClient, err := ai.NewClient(cfg.Signal.AI, o.logger)
		if err != nil {
			return nil, fmt.Errorf("初始化AI客户端失败: %w", err)
		}
		signalOpts = append(signalOpts, signal.WithReviewer(aiClient))
	}
	producer := signal.NewProducer(cfg.Signal, o.logger, signalOpts...)
	converter := currency.NewConverter(cfg.Currency, o.logger)
	reconciler := reconcile.NewEngine(o.logger)

	var recorder trader.Recorder
	if o.monitor != nil {
		recorder = o.monitor
	}

	runners := make([]runner, 0, len(cfg.Traders))
	for i, traderCfg := range cfg.Traders {
		broker, err := o.registry.Broker(traderCfg.Broker, o.deps(ctx))
		if err != nil {
			o.logger.Error("初始化券商客户端失败，跳过交易实例",
				zap.Int("index", i),
				zap.String("trader", traderCfg.Label()),
				zap.Error(err),
			)
			continue
		}
		t, err := trader.New(traderCfg, trader.Deps{
			Broker:     broker,
			Market:     market,
			Signals:    producer,
			Calendar:   o.calendar,
			Converter:  converter,
			Reconciler: reconciler,
			Recorder:   recorder,
			Logger:     o.logger,
		})
		if err != nil {
			o.logger.Error("创建交易实例失败，跳过",
				zap.Int("index", i),
				zap.String("trader", traderCfg.Label()),
				zap.Error(err),
			)
			continue
		}
		o.logger.Info("交易实例已创建",
			zap.String("trader", t.Name()),
			zap.String("trader_id", t.ID().String()),
			zap.String("broker", broker.Name()),
			zap.String("market", market.Name()),
		)
		runners = append(runners, t)
	}
	return runners, nil
}
