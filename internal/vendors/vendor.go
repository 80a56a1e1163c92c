// Package vendor 定义券商与行情供应商的能力接口和通用实体。
package vendor

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNoData 表示供应商在请求窗口内没有数据，调用方应跳过该代码。
	ErrNoData = errors.New("vendor: no data available")
	// ErrSymbolNotFound 表示查找不到代码。
	ErrSymbolNotFound = errors.New("vendor: symbol not found")
	// ErrUnknownVendor 表示注册表中不存在该供应商。
	ErrUnknownVendor = errors.New("vendor: unknown vendor")
)

// Market 提供行情数据。
type Market interface {
	Name() string
	Refresh(ctx context.Context) error
	// IntervalDelay 为行情数据的延迟，用于推迟下一次运行。
	IntervalDelay() time.Duration
	ListSymbols(ctx context.Context, exchange, symbolType string) (map[string]Symbol, error)
	LookupSymbol(ctx context.Context, name string) (Symbol, error)
	Quote(ctx context.Context, symbol Symbol, priceType PriceType) (decimal.Decimal, error)
	PriceHistory(ctx context.Context, symbol Symbol, resolution Resolution, intervals int) ([]Candle, error)
	AveragePrice(ctx context.Context, symbol Symbol, side Side, days int) (AveragePrice, error)
}

// Broker 提供账户、订单与持仓操作。
type Broker interface {
	Name() string
	// Refresh 拉取现金余额，结果通过 Ledger 读取。
	Refresh(ctx context.Context) error
	Ledger() Ledger
	MinimumOrderFee() decimal.Decimal
	LookupSymbol(ctx context.Context, name string) (Symbol, error)
	LiveOrders(ctx context.Context) ([]Order, error)
	CancelOrder(ctx context.Context, order Order) (CancelResult, error)
	Positions(ctx context.Context) ([]Position, error)
	NetPositions(ctx context.Context) ([]Position, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)
}

// DefaultSymbolCacheTTL 为代码表缓存的默认有效期。
const DefaultSymbolCacheTTL = 24 * time.Hour

// SymbolCacheInvalidator 由缓存代码表的供应商实现。
// 缓存超过有效期后在 Refresh 中自动失效，调用方也可以主动失效。
type SymbolCacheInvalidator interface {
	InvalidateSymbols()
}

// BatchCanceller 由支持一次请求撤销多笔订单的券商实现。
type BatchCanceller interface {
	CancelOrders(ctx context.Context, orders []Order) ([]CancelResult, error)
}
