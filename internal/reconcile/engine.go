// Package reconcile 负责过期订单撤销、分页持仓收集与按代码聚合。
package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"autotrader/internal/metrics"
	"autotrader/internal/vendors"
)

// Engine 撤销超过存活时间的在途订单。
type Engine struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine 创建对账引擎。
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{logger: logger, now: time.Now}
}

// StaleOrders 返回状态为在途且挂出时间超过 maxAge 的订单，相同 ID 只保留一次。
func StaleOrders(orders []vendor.Order, maxAge time.Duration, now time.Time) []vendor.Order {
	stale := make([]vendor.Order, 0)
	seen := make(map[string]struct{}, len(orders))
	for _, order := range orders {
		if order.Status != vendor.OrderStatusActive {
			continue
		}
		if order.Age(now) <= maxAge {
			continue
		}
		if _, dup := seen[order.ID]; dup {
			continue
		}
		seen[order.ID] = struct{}{}
		stale = append(stale, order)
	}
	return stale
}

// CancelStaleOrders 撤销过期订单。orders 为 nil 时先从券商拉取在途订单。
// 券商支持批量撤单时一次提交，否则逐笔撤销；单笔失败不影响其余订单。
func (e *Engine) CancelStaleOrders(ctx context.Context, broker vendor.Broker, orders []vendor.Order, maxAge time.Duration) ([]vendor.CancelResult, error) {
	if orders == nil {
		live, err := broker.LiveOrders(ctx)
		if err != nil {
			return nil, fmt.Errorf("reconcile: 获取在途订单失败: %w", err)
		}
		orders = live
	}

	stale := StaleOrders(orders, maxAge, e.now())
	if len(stale) == 0 {
		return []vendor.CancelResult{}, nil
	}

	ids := make([]string, 0, len(stale))
	for _, order := range stale {
		ids = append(ids, order.ID)
	}
	e.logger.Info("撤销过期订单",
		zap.String("broker", broker.Name()),
		zap.Strings("orders", ids),
		zap.Duration("max_age", maxAge),
	)

	if batch, ok := broker.(vendor.BatchCanceller); ok {
		results, err := batch.CancelOrders(ctx, stale)
		if err != nil {
			return nil, fmt.Errorf("reconcile: 批量撤单失败: %w", err)
		}
		metrics.OrdersCancelled.WithLabelValues(broker.Name()).Add(float64(len(results)))
		return results, nil
	}

	results := make([]vendor.CancelResult, 0, len(stale))
	var errs error
	for _, order := range stale {
		result, err := broker.CancelOrder(ctx, order)
		if err != nil {
			e.logger.Error("撤单失败", zap.String("order_id", order.ID), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("撤销订单 %s: %w", order.ID, err))
			continue
		}
		results = append(results, result)
	}
	metrics.OrdersCancelled.WithLabelValues(broker.Name()).Add(float64(len(results)))
	if errs != nil {
		return results, fmt.Errorf("reconcile: 部分订单撤销失败: %w", errs)
	}
	return results, nil
}
