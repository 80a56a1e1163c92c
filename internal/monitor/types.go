package monitor

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventLedger       EventType = "ledger"
	EventSignal       EventType = "signal"
	EventOrder        EventType = "order"
	EventCancellation EventType = "cancellation"
	EventRun          EventType = "run"
	EventError        EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Trader    string      `json:"trader,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// LedgerPayload 记录现金余额快照。
type LedgerPayload struct {
	Broker      string          `json:"broker"`
	Currency    string          `json:"currency"`
	CashBalance decimal.Decimal `json:"cash_balance"`
	TotalValue  decimal.Decimal `json:"total_value"`
}

// SignalPayload 记录信号得分。
type SignalPayload struct {
	Symbol string   `json:"symbol"`
	Side   string   `json:"side"`
	Score  float64  `json:"score"`
	Labels []string `json:"labels,omitempty"`
}

// OrderPayload 记录下单结果。
type OrderPayload struct {
	Broker   string          `json:"broker"`
	Symbol   string          `json:"symbol"`
	Exchange string          `json:"exchange,omitempty"`
	Side     string          `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Amount   decimal.Decimal `json:"amount"`
	OrderID  string          `json:"order_id"`
	Key      string          `json:"key"`
	Notes    []string        `json:"notes,omitempty"`
}

// CancellationPayload 记录撤销的过期订单。
type CancellationPayload struct {
	Broker string   `json:"broker"`
	Orders []string `json:"orders"`
}

// RunPayload 记录一次交易周期的结果。
type RunPayload struct {
	Result  string    `json:"result"`
	NextRun time.Time `json:"next_run"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
