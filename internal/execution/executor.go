package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"autotrader/internal/metrics"
	"autotrader/internal/vendors"
)

// Executor 把下单计划提交给券商。
type Executor struct {
	broker vendor.Broker
	logger *zap.Logger
	now    func() time.Time
}

// NewExecutor 创建执行器。
func NewExecutor(broker vendor.Broker, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		broker: broker,
		logger: logger,
		now:    time.Now,
	}
}

// Execute 生成幂等键并提交市价单。供应商返回的未确认提示记录在 Notes 中。
func (e *Executor) Execute(ctx context.Context, plan Plan) (Result, error) {
	result := Result{
		Plan:          plan,
		ExecutionTime: e.now().UTC(),
		Notes:         make([]string, 0),
	}

	if err := validatePlan(plan); err != nil {
		return result, err
	}

	result.Key = vendor.IdempotencyKey(plan.Side, plan.Symbol.Name, result.ExecutionTime)
	e.logger.Info("提交市价单",
		zap.String("broker", e.broker.Name()),
		zap.String("symbol", plan.Symbol.Name),
		zap.String("exchange", plan.Symbol.Exchange),
		zap.String("side", string(plan.Side)),
		zap.String("quantity", plan.Quantity.String()),
		zap.String("price", plan.Price.String()),
		zap.String("amount", plan.Amount.StringFixed(2)),
		zap.Float64("score", plan.Score),
	)

	order, err := e.broker.PlaceOrder(ctx, vendor.OrderRequest{
		Symbol:   plan.Symbol,
		Side:     plan.Side,
		Quantity: plan.Quantity,
		Type:     vendor.OrderTypeMarket,
		Position: plan.Position,
		Key:      result.Key,
	})
	if err != nil {
		result.Notes = append(result.Notes, fmt.Sprintf("下单失败: %v", err))
		return result, fmt.Errorf("execution: %s %s 下单失败: %w", plan.Side, plan.Symbol.Name, err)
	}

	for _, msg := range order.Messages {
		note := fmt.Sprintf("未确认提示 %s: %s", msg.ID, strings.Join(msg.Content, " "))
		result.Notes = append(result.Notes, note)
		e.logger.Error("订单存在未确认提示",
			zap.String("symbol", plan.Symbol.Name),
			zap.String("reply_id", msg.ID),
			zap.Strings("message", msg.Content),
		)
	}

	metrics.OrdersPlaced.WithLabelValues(e.broker.Name(), string(plan.Side)).Inc()
	e.logger.Info("订单已提交",
		zap.String("symbol", plan.Symbol.Name),
		zap.String("order_id", order.ID),
		zap.String("side", string(plan.Side)),
	)

	result.Order = order
	result.Executed = true
	return result, nil
}

func validatePlan(plan Plan) error {
	if plan.Symbol.Name == "" {
		return errors.New("execution: 代码不能为空")
	}
	if plan.Side != vendor.SideBuy && plan.Side != vendor.SideSell {
		return fmt.Errorf("execution: 不支持的方向 %q", plan.Side)
	}
	if !plan.Quantity.IsPositive() {
		return fmt.Errorf("execution: 下单数量无效 %s", plan.Quantity)
	}
	return nil
}
