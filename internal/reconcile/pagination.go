package reconcile

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"autotrader/internal/vendors"
)

const maxPages = 1000

// Page 为一页结果，Next 为空表示没有更多数据。
type Page[T any] struct {
	Items []T
	Next  string
}

// PageFunc 根据续页令牌获取一页，首页令牌为空字符串。
type PageFunc[T any] func(ctx context.Context, token string) (Page[T], error)

// Collect 依次获取所有页，遇到空页或缺少续页令牌时结束。
func Collect[T any](ctx context.Context, fetch PageFunc[T]) ([]T, error) {
	items := make([]T, 0)
	token := ""
	for page := 1; page <= maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := fetch(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("reconcile: 获取第 %d 页失败: %w", page, err)
		}
		if len(p.Items) == 0 {
			return items, nil
		}
		items = append(items, p.Items...)
		if p.Next == "" || p.Next == token {
			return items, nil
		}
		token = p.Next
	}
	return nil, fmt.Errorf("reconcile: 分页超过 %d 页", maxPages)
}

// CollectPositions 获取所有持仓并丢弃数量为零的记录。
func CollectPositions(ctx context.Context, fetch PageFunc[vendor.Position]) ([]vendor.Position, error) {
	all, err := Collect(ctx, fetch)
	if err != nil {
		return nil, err
	}
	positions := make([]vendor.Position, 0, len(all))
	for _, p := range all {
		if p.Quantity.IsZero() {
			continue
		}
		positions = append(positions, p)
	}
	return positions, nil
}

// SumBySymbol 按代码合并持仓的数量、市值与盈亏，净数量为零的代码被丢弃。
func SumBySymbol(positions []vendor.Position) map[string]vendor.Position {
	sums := make(map[string]vendor.Position, len(positions))
	for _, p := range positions {
		agg, ok := sums[p.Symbol]
		if !ok {
			agg = vendor.Position{
				ID:           p.Symbol,
				Symbol:       p.Symbol,
				Currency:     p.Currency,
				ExchangeRate: p.ExchangeRate,
				Quantity:     decimal.Zero,
				MarketValue:  decimal.Zero,
				PnL:          decimal.Zero,
			}
		}
		agg.Quantity = agg.Quantity.Add(p.Quantity)
		agg.MarketValue = agg.MarketValue.Add(p.MarketValue)
		agg.PnL = agg.PnL.Add(p.PnL)
		sums[p.Symbol] = agg
	}
	for symbol, p := range sums {
		if p.Quantity.IsZero() {
			delete(sums, symbol)
		}
	}
	return sums
}
