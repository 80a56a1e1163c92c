package execution

import "context"

// Placer 抽象下单执行，方便在交易循环中替换为模拟实现。
type Placer interface {
	Execute(ctx context.Context, plan Plan) (Result, error)
}

var _ Placer = (*Executor)(nil)
