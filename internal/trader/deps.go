package trader

import (
	"context"
	"time"

	"autotrader/internal/monitor"
	"autotrader/internal/signal"
	"autotrader/internal/vendors"
)

// Signals 为代码计算信号得分。
type Signals interface {
	Produce(ctx context.Context, source signal.HistorySource, symbol vendor.Symbol, resolution vendor.Resolution, intervals int) (signal.Result, error)
}

// Calendar 判断交易所是否开市。
type Calendar interface {
	IsOpen(code string) (bool, error)
}

// Reconciler 撤销过期订单。
type Reconciler interface {
	CancelStaleOrders(ctx context.Context, broker vendor.Broker, orders []vendor.Order, maxAge time.Duration) ([]vendor.CancelResult, error)
}

// Recorder 记录交易事件，monitor.Service 实现该接口。
type Recorder interface {
	RecordLedger(ctx context.Context, trader string, payload monitor.LedgerPayload)
	RecordSignal(ctx context.Context, trader string, payload monitor.SignalPayload)
	RecordOrder(ctx context.Context, trader string, payload monitor.OrderPayload)
	RecordCancellation(ctx context.Context, trader string, payload monitor.CancellationPayload)
	RecordRun(ctx context.Context, trader string, payload monitor.RunPayload)
	RecordError(ctx context.Context, trader, msg string, err error, ctxMap map[string]interface{})
}

var _ Recorder = (*monitor.Service)(nil)

type nopRecorder struct{}

func (nopRecorder) RecordLedger(context.Context, string, monitor.LedgerPayload) {}

func (nopRecorder) RecordSignal(context.Context, string, monitor.SignalPayload) {}

func (nopRecorder) RecordOrder(context.Context, string, monitor.OrderPayload) {}

func (nopRecorder) RecordCancellation(context.Context, string, monitor.CancellationPayload) {}

func (nopRecorder) RecordRun(context.Context, string, monitor.RunPayload) {}

func (nopRecorder) RecordError(context.Context, string, string, error, map[string]interface{}) {}
