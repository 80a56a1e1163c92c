package risk

import (
	"context"

	"github.com/shopspring/decimal"
)

// StatusType 描述风险评估结果状态。
type StatusType string

const (
	StatusProceed StatusType = "proceed"
	StatusDeny    StatusType = "deny"
)

// Converter 把金额从一种币种换算为另一种。
type Converter interface {
	Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error)
}

// EvaluationResult 为单项检查的结果。
type EvaluationResult struct {
	Symbol string
	Status StatusType
	Notes  []string
}

// Allowed 判断是否允许继续。
func (r EvaluationResult) Allowed() bool {
	return r.Status == StatusProceed
}

func proceed(symbol string) EvaluationResult {
	return EvaluationResult{Symbol: symbol, Status: StatusProceed}
}

func deny(symbol, note string) EvaluationResult {
	return EvaluationResult{Symbol: symbol, Status: StatusDeny, Notes: []string{note}}
}
