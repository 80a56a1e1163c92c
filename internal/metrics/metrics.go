// Package metrics 定义 Prometheus 指标，由监控服务在 /metrics 暴露。
//
//   - autotrader_http_requests_total{vendor,operation,status}  供应商 HTTP 调用次数
//   - autotrader_http_retries_total{vendor,reason}             重试次数（transient|unauthorized|rate_limited）
//   - autotrader_session_events_total{vendor,event}            会话刷新/重新授权/失效
//   - autotrader_orders_total{broker,side}                     已提交订单
//   - autotrader_orders_cancelled_total{broker}                已撤销的过期订单
//   - autotrader_signals_total{direction}                      信号方向分布
//   - autotrader_trading_runs_total{trader,result}             交易周期结果
//   - autotrader_cash_balance{trader,currency}                 最近一次刷新的现金余额
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autotrader_http_requests_total",
			Help: "Vendor HTTP requests by final status",
		},
		[]string{"vendor", "operation", "status"},
	)

	HTTPRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autotrader_http_retries_total",
			Help: "Vendor HTTP retries by reason",
		},
		[]string{"vendor", "reason"},
	)

	SessionEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autotrader_session_events_total",
			Help: "Credential refreshes, interactive authorizations and invalidations",
		},
		[]string{"vendor", "event"},
	)

	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autotrader_orders_total",
			Help: "Orders submitted to brokers",
		},
		[]string{"broker", "side"},
	)

	OrdersCancelled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autotrader_orders_cancelled_total",
			Help: "Stale orders cancelled",
		},
		[]string{"broker"},
	)

	Signals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autotrader_signals_total",
			Help: "Signal scores by direction (buy|sell|flat)",
		},
		[]string{"direction"},
	)

	TradingRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autotrader_trading_runs_total",
			Help: "Trading runs by result (ok|aborted|failed)",
		},
		[]string{"trader", "result"},
	)

	CashBalance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "autotrader_cash_balance",
			Help: "Broker cash balance after the latest ledger refresh",
		},
		[]string{"trader", "currency"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequests,
		HTTPRetries,
		SessionEvents,
		OrdersPlaced,
		OrdersCancelled,
		Signals,
		TradingRuns,
		CashBalance,
	)
}

// Handler 返回 Prometheus 文本格式的指标处理器。
func Handler() http.Handler {
	return promhttp.Handler()
}
