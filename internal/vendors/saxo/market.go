package saxo

import (
	"time"

	"autotrader/internal/config"
	"autotrader/internal/vendors"
)

// Market 为 Saxo 行情客户端。
type Market struct {
	*Client
	intervalDelay time.Duration
}

var _ vendor.Market = (*Market)(nil)

// NewMarket 创建行情客户端，首次请求时才建立会话。
func NewMarket(cfg config.VendorConfig, deps vendor.Deps) (*Market, error) {
	client, err := newClient(cfg, deps)
	if err != nil {
		return nil, err
	}
	return &Market{Client: client, intervalDelay: cfg.IntervalDelay}, nil
}

// IntervalDelay 返回行情延迟。
func (m *Market) IntervalDelay() time.Duration {
	return m.intervalDelay
}
