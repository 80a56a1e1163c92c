package execution

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidPrice 表示报价无效。
	ErrInvalidPrice = errors.New("execution: 价格必须大于0")
	// ErrExceedsMaxAmount 表示单位数量的金额已超过最大买入金额。
	ErrExceedsMaxAmount = errors.New("execution: 单位价格超过最大买入金额")
	// ErrZeroQuantity 表示计算出的数量为零。
	ErrZeroQuantity = errors.New("execution: 买入数量为零")
)

// Size 计算买入数量：先按 现金×买入比例/价格 向下取整，
// 再向上补足到最小买入金额，最后向下收缩到最大买入金额。
func Size(cash, price decimal.Decimal, rules SizingRules) (Sizing, error) {
	if !price.IsPositive() {
		return Sizing{}, ErrInvalidPrice
	}

	buyAmount := cash.Mul(rules.BuyFraction)
	quantity := buyAmount.Div(price).Floor()
	if quantity.IsNegative() {
		quantity = decimal.Zero
	}
	sizing := Sizing{BuyAmount: buyAmount}

	if quantity.Mul(price).LessThan(rules.MinBuyAmount) {
		quantity = rules.MinBuyAmount.Div(price).Ceil()
		sizing.Adjusted = "min"
	}

	if rules.MaxBuyAmount.IsPositive() && quantity.Mul(price).GreaterThan(rules.MaxBuyAmount) {
		if price.GreaterThan(rules.MaxBuyAmount) {
			return Sizing{}, fmt.Errorf("%w: %s > %s", ErrExceedsMaxAmount, price, rules.MaxBuyAmount)
		}
		quantity = rules.MaxBuyAmount.Div(price).Floor()
		sizing.Adjusted = "max"
	}

	if !quantity.IsPositive() {
		return Sizing{}, ErrZeroQuantity
	}

	sizing.Quantity = quantity
	sizing.Amount = quantity.Mul(price)
	return sizing, nil
}
