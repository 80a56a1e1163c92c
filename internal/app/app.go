package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"autotrader/internal/config"
	"autotrader/internal/log"
	"autotrader/internal/monitor"
	"autotrader/internal/session"
	"autotrader/internal/store"
)

// runner 为调度器驱动的交易实例。
type runner interface {
	Name() string
	Due(now time.Time) bool
	Run(ctx context.Context) error
	Reschedule(now time.Time) time.Time
}

type buildFunc func(ctx context.Context, cfg *config.Config) ([]runner, error)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	loader *config.Loader
	level  zap.AtomicLevel
	logger *zap.Logger
	store  *store.Store

	monitor *monitor.Service
	build   buildFunc
	now     func() time.Time

	mu      sync.Mutex
	cfg     *config.Config
	key     buildKey
	runners []runner
}

// New 创建 App 实例。cfg 为启动时已加载的配置，之后每个周期通过 loader 重新读取。
func New(loader *config.Loader, cfg *config.Config, logger *zap.Logger, level zap.AtomicLevel, st *store.Store, authorize session.AuthorizationCallback) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	monitorSvc, err := monitor.NewService(st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}
	orch := newOrchestrator(st, monitorSvc, authorize, logger)

	return &App{
		loader:  loader,
		level:   level,
		logger:  logger,
		store:   st,
		monitor: monitorSvc,
		build:   orch.Build,
		now:     time.Now,
		cfg:     cfg,
	}, nil
}

// Run 构建交易实例后按 poll_interval 驱动主循环，直到 ctx 结束。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("market_data", a.cfg.MarketData.Vendor),
		zap.Int("traders", len(a.cfg.Traders)),
	)

	if err := a.rebuild(ctx, a.cfg); err != nil {
		return err
	}

	if a.cfg.Monitor.Enabled && a.monitor != nil {
		if err := startMonitorServer(ctx, newMonitorHandler(a.monitor, a.logger), a.cfg.Monitor.Port, a.logger); err != nil {
			a.logger.Warn("启动监控接口失败", zap.Error(err))
		}
	}

	pollInterval := a.cfg.Scheduler.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	a.runDue(ctx)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("系统异常退出: %w", err)
			}
			a.logger.Info("系统收到退出信号，正在停止")
			return nil
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *App) tick(ctx context.Context) {
	a.reload(ctx)
	a.runDue(ctx)
}

// reload 重新读取配置文件。日志级别立即生效；交易相关配置变化时重建全部交易实例。
// 读取或重建失败时沿用当前配置与实例。
func (a *App) reload(ctx context.Context) {
	if a.loader == nil {
		return
	}
	cfg, err := a.loader.Load()
	if err != nil {
		a.logger.Error("重新读取配置失败，沿用当前配置", zap.String("path", a.loader.Path()), zap.Error(err))
		return
	}
	a.applyLevel(cfg.Logging.Level)

	a.mu.Lock()
	unchanged := reflect.DeepEqual(a.key, buildKeyOf(cfg))
	a.mu.Unlock()
	if unchanged {
		return
	}

	a.logger.Info("交易配置已变化，重建交易实例")
	if err := a.rebuild(ctx, cfg); err != nil {
		a.logger.Error("重建交易实例失败，沿用当前实例", zap.Error(err))
	}
}

func (a *App) rebuild(ctx context.Context, cfg *config.Config) error {
	runners, err := a.build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("构建交易实例失败: %w", err)
	}
	a.mu.Lock()
	a.cfg = cfg
	a.key = buildKeyOf(cfg)
	a.runners = runners
	a.mu.Unlock()
	return nil
}

func (a *App) applyLevel(value string) {
	level, err := log.ParseLevel(value)
	if err != nil {
		a.logger.Warn("日志级别无效，保持不变", zap.String("level", value), zap.Error(err))
		return
	}
	if a.level.Level() != level {
		a.level.SetLevel(level)
		a.logger.Info("日志级别已更新", zap.String("level", level.String()))
	}
}

// runDue 并行运行到期的交易实例，等待全部完成后返回。
func (a *App) runDue(ctx context.Context) {
	a.mu.Lock()
	runners := a.runners
	a.mu.Unlock()

	now := a.now()
	var g errgroup.Group
	for _, r := range runners {
		if !r.Due(now) {
			continue
		}
		g.Go(func() error {
			a.runOne(ctx, r)
			return nil
		})
	}
	_ = g.Wait()
}

// runOne 运行单个交易实例，错误与 panic 只记录日志并重新排期。
func (a *App) runOne(ctx context.Context, r runner) {
	defer func() {
		if rec := recover(); rec != nil {
			next := r.Reschedule(a.now())
			a.logger.Error("交易实例发生 panic",
				zap.String("trader", r.Name()),
				zap.Any("panic", rec),
				zap.Time("next_run", next),
				zap.Stack("stack"),
			)
			if a.monitor != nil {
				a.monitor.RecordError(ctx, r.Name(), "交易实例发生 panic", fmt.Errorf("panic: %v", rec), nil)
			}
		}
	}()

	if err := r.Run(ctx); err != nil {
		a.logger.Error("交易周期失败", zap.String("trader", r.Name()), zap.Error(err))
		if a.monitor != nil {
			a.monitor.RecordError(ctx, r.Name(), "交易周期失败", err, nil)
		}
	}
}
