package execution

import (
	"time"

	"github.com/shopspring/decimal"

	"autotrader/internal/vendors"
)

// SizingRules 为买入数量计算参数，金额均以账户币种计。
type SizingRules struct {
	BuyFraction  decimal.Decimal
	MinBuyAmount decimal.Decimal
	// MaxBuyAmount 为零表示不设上限。
	MaxBuyAmount decimal.Decimal
}

// Sizing 为数量计算结果。
type Sizing struct {
	Quantity decimal.Decimal
	Amount   decimal.Decimal
	// BuyAmount 为 现金×买入比例，调整前的目标金额。
	BuyAmount decimal.Decimal
	Adjusted  string
}

// Plan 描述一次待提交的下单。
type Plan struct {
	Symbol   vendor.Symbol
	Side     vendor.Side
	Quantity decimal.Decimal
	// Price 为报价，仅用于日志与事件记录。
	Price    decimal.Decimal
	Amount   decimal.Decimal
	Score    float64
	Labels   []string
	Position *vendor.Position
}

// Result 为执行结果摘要。
type Result struct {
	Plan          Plan
	Order         vendor.Order
	Key           string
	Executed      bool
	ExecutionTime time.Time
	Notes         []string
}
