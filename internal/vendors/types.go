package vendor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side 表示订单方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PriceType 表示报价类型。
type PriceType string

const (
	PriceBid PriceType = "bid"
	PriceMid PriceType = "mid"
	PriceAsk PriceType = "ask"
)

// OrderType 表示订单类型，默认为市价单。
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// OrderStatus 为归一化后的订单状态。
// 各供应商的在途状态（Saxo 的 Working、IBKR 的 Active）统一为 OrderStatusActive。
type OrderStatus string

const (
	OrderStatusActive OrderStatus = "active"
	OrderStatusOther  OrderStatus = "other"
)

// Symbol 为供应商无关的证券代码，供应商特有字段放在 Attrs 中。
type Symbol struct {
	Name        string
	Exchange    string
	Currency    string
	DisplayName string
	Type        string
	Attrs       map[string]any
}

// Attr 读取字符串形式的扩展字段。
func (s Symbol) Attr(key string) string {
	return attrString(s.Attrs, key)
}

// Candle 为单根 K 线。
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Message 为下单后供应商返回的确认提示。
type Message struct {
	ID      string
	Content []string
}

// Order 为在途或刚提交的订单。
type Order struct {
	ID        string
	Symbol    string
	Side      Side
	Quantity  decimal.Decimal
	Status    OrderStatus
	RawStatus string
	PlacedAt  time.Time
	// Messages 保存未被自动确认的提示。
	Messages []Message
	Attrs    map[string]any
}

// Age 返回订单挂出时长。
func (o Order) Age(now time.Time) time.Duration {
	if o.PlacedAt.IsZero() {
		return 0
	}
	return now.Sub(o.PlacedAt)
}

// Position 为持仓，数量为零的持仓不会被构造。
type Position struct {
	ID          string
	Symbol      string
	Quantity    decimal.Decimal
	MarketValue decimal.Decimal
	PnL         decimal.Decimal
	Currency    string
	// ExchangeRate 为持仓币种到账户币种的汇率，供应商未提供时为空。
	ExchangeRate decimal.NullDecimal
	Attrs        map[string]any
}

// Attr 读取字符串形式的扩展字段。
func (p Position) Attr(key string) string {
	return attrString(p.Attrs, key)
}

// Ledger 为最近一次刷新得到的账户资金快照。
type Ledger struct {
	Currency      string
	CashBalance   decimal.Decimal
	TotalValue    decimal.Decimal
	UnrealizedPnL decimal.Decimal
	ExchangeRate  decimal.Decimal
	UpdatedAt     time.Time
}

// OrderRequest 描述一次下单。
type OrderRequest struct {
	Symbol   Symbol
	Side     Side
	Quantity decimal.Decimal
	Type     OrderType
	// Price 为限价或止损价，市价单为零。
	Price decimal.Decimal
	// Position 为卖出时对应的持仓。
	Position *Position
	// Key 为幂等键，为空时由供应商实现生成。
	Key string
}

// CancelResult 为撤单结果。
type CancelResult struct {
	OrderID string
	Message string
}

// AveragePrice 为近期成交均价与成交量。
type AveragePrice struct {
	Price  decimal.Decimal
	Volume decimal.Decimal
}

// IdempotencyKey 生成客户端订单幂等键，同一次下单的重试必须复用同一个键。
func IdempotencyKey(side Side, symbol string, now time.Time) string {
	return fmt.Sprintf("autotrader_%s_%s_%d", side, symbol, now.Unix())
}

// KeyTime 解析幂等键末尾的时间戳。
func KeyTime(key string) (time.Time, bool) {
	idx := strings.LastIndex(key, "_")
	if idx < 0 || idx == len(key)-1 {
		return time.Time{}, false
	}
	unix, err := strconv.ParseInt(key[idx+1:], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(unix, 0), true
}

// KeySymbol 解析幂等键中的代码。
func KeySymbol(key string) (string, bool) {
	parts := strings.Split(key, "_")
	if len(parts) < 4 {
		return "", false
	}
	return strings.Join(parts[2:len(parts)-1], "_"), true
}

// QuantityNumber 返回提交给供应商的数量：整数值以整数表示，否则保留小数。
func QuantityNumber(q decimal.Decimal) json.Number {
	if q.Equal(q.Truncate(0)) {
		return json.Number(q.Truncate(0).String())
	}
	return json.Number(q.String())
}

func attrString(attrs map[string]any, key string) string {
	v, ok := attrs[key]
	if !ok || v == nil {
		return ""
	}
	switch value := v.(type) {
	case string:
		return value
	case json.Number:
		return value.String()
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	default:
		return fmt.Sprint(value)
	}
}
