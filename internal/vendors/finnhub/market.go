// Package finnhub 实现 Finnhub 行情接口。
package finnhub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"autotrader/internal/config"
	"autotrader/internal/request"
	"autotrader/internal/vendors"
)

const (
	// Name 为注册表中的供应商名称。
	Name = "finnhub"

	defaultRoot = "https://finnhub.io/api/v1"
	tokenHeader = "X-Finnhub-Token"
)

// exchangeRemap 把交易所代码转换为 Finnhub 的代码。
var exchangeRemap = map[string]string{
	"NASDAQ": "US",
	"NYSE":   "US",
	"OSE":    "OL",
}

// Register 在注册表中登记 Finnhub 行情实现。
func Register(r *vendor.Registry) {
	r.RegisterMarket(Name, func(cfg config.VendorConfig, deps vendor.Deps) (vendor.Market, error) {
		return NewMarket(cfg, deps)
	})
}

// Market 为 Finnhub 行情客户端。
type Market struct {
	root          string
	header        http.Header
	exec          *request.Executor
	logger        *zap.Logger
	intervalDelay time.Duration
	symbolsTTL    time.Duration
	now           func() time.Time

	mu       sync.RWMutex
	listings map[string]map[string]vendor.Symbol
	listedAt time.Time
}

var (
	_ vendor.Market                 = (*Market)(nil)
	_ vendor.SymbolCacheInvalidator = (*Market)(nil)
)

// NewMarket 创建行情客户端，api_key 通过请求头传递。
func NewMarket(cfg config.VendorConfig, deps vendor.Deps) (*Market, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("finnhub: api_key 不能为空")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("vendor", Name))

	root := defaultRoot
	if cfg.BaseURL != "" {
		root = strings.TrimRight(cfg.BaseURL, "/")
	}
	reqCfg := request.DefaultConfig(Name)
	if cfg.Timeout > 0 {
		reqCfg.Timeout = cfg.Timeout
	}
	var opts []request.Option
	if deps.HTTPClient != nil {
		opts = append(opts, request.WithHTTPClient(deps.HTTPClient))
	}

	header := http.Header{}
	header.Set(tokenHeader, cfg.APIKey)

	ttl := cfg.SymbolCacheTTL
	if ttl <= 0 {
		ttl = vendor.DefaultSymbolCacheTTL
	}

	return &Market{
		root:          root,
		header:        header,
		exec:          request.New(reqCfg, nil, logger, opts...),
		logger:        logger,
		intervalDelay: cfg.IntervalDelay,
		symbolsTTL:    ttl,
		now:           time.Now,
		listings:      make(map[string]map[string]vendor.Symbol),
	}, nil
}

// Name 返回供应商名称。
func (m *Market) Name() string {
	return Name
}

// Refresh Finnhub 使用静态 API key，只需让过期的代码表缓存失效。
func (m *Market) Refresh(context.Context) error {
	m.mu.RLock()
	expired := !m.listedAt.IsZero() && m.now().Sub(m.listedAt) >= m.symbolsTTL
	m.mu.RUnlock()
	if expired {
		m.logger.Debug("代码表缓存过期", zap.Duration("ttl", m.symbolsTTL))
		m.InvalidateSymbols()
	}
	return nil
}

// InvalidateSymbols 清空代码表缓存，下次 ListSymbols 重新读取。
func (m *Market) InvalidateSymbols() {
	m.mu.Lock()
	m.listings = make(map[string]map[string]vendor.Symbol)
	m.listedAt = time.Time{}
	m.mu.Unlock()
}

// IntervalDelay 返回行情延迟。
func (m *Market) IntervalDelay() time.Duration {
	return m.intervalDelay
}

func (m *Market) get(ctx context.Context, operation, path string, query url.Values, out interface{}) error {
	return m.exec.DoJSON(ctx, request.Request{
		Operation: operation,
		URL:       m.root + path,
		Query:     query,
		Header:    m.header,
	}, out)
}

// ListSymbols 列出交易所的全部代码，结果按交易所与类型缓存。
func (m *Market) ListSymbols(ctx context.Context, exchange, symbolType string) (map[string]vendor.Symbol, error) {
	cacheKey := exchange + "|" + symbolType
	m.mu.RLock()
	cached, ok := m.listings[cacheKey]
	m.mu.RUnlock()
	if ok {
		return cached, nil
	}

	code := exchange
	if remapped, ok := exchangeRemap[strings.ToUpper(exchange)]; ok {
		code = remapped
	}
	query := url.Values{"exchange": {code}}
	if symbolType != "" {
		query.Set("securityType", symbolType)
	}

	var raw []struct {
		Symbol        string `json:"symbol"`
		DisplaySymbol string `json:"displaySymbol"`
		Description   string `json:"description"`
		Currency      string `json:"currency"`
		Figi          string `json:"figi"`
		Mic           string `json:"mic"`
		Type          string `json:"type"`
	}
	if err := m.get(ctx, "list_symbols", "/stock/symbol", query, &raw); err != nil {
		return nil, fmt.Errorf("finnhub: 列出 %s 代码失败: %w", exchange, err)
	}

	symbols := make(map[string]vendor.Symbol, len(raw))
	for _, s := range raw {
		symbols[s.Symbol] = vendor.Symbol{
			Name:        s.Symbol,
			Exchange:    exchange,
			Currency:    s.Currency,
			DisplayName: s.DisplaySymbol,
			Type:        s.Type,
			Attrs: map[string]any{
				"description": s.Description,
				"figi":        s.Figi,
				"mic":         s.Mic,
			},
		}
	}

	m.mu.Lock()
	m.listings[cacheKey] = symbols
	if m.listedAt.IsZero() {
		m.listedAt = m.now()
	}
	m.mu.Unlock()
	return symbols, nil
}

// LookupSymbol 通过 /search 查找完全匹配的代码。
func (m *Market) LookupSymbol(ctx context.Context, name string) (vendor.Symbol, error) {
	var result struct {
		Result []struct {
			Symbol        string `json:"symbol"`
			DisplaySymbol string `json:"displaySymbol"`
			Description   string `json:"description"`
			Type          string `json:"type"`
		} `json:"result"`
	}
	if err := m.get(ctx, "lookup_symbol", "/search", url.Values{"q": {name}}, &result); err != nil {
		return vendor.Symbol{}, fmt.Errorf("finnhub: 查找代码 %s 失败: %w", name, err)
	}
	for _, s := range result.Result {
		if s.Symbol != name {
			continue
		}
		return vendor.Symbol{
			Name:        s.Symbol,
			DisplayName: s.DisplaySymbol,
			Type:        s.Type,
			Attrs:       map[string]any{"description": s.Description},
		}, nil
	}
	return vendor.Symbol{}, fmt.Errorf("finnhub: %w: %s", vendor.ErrSymbolNotFound, name)
}

// Quote 返回最新成交价，Finnhub 不区分买卖价。
func (m *Market) Quote(ctx context.Context, symbol vendor.Symbol, _ vendor.PriceType) (decimal.Decimal, error) {
	var quote struct {
		Current decimal.Decimal `json:"c"`
	}
	if err := m.get(ctx, "quote", "/quote", url.Values{"symbol": {symbol.Name}}, &quote); err != nil {
		return decimal.Zero, fmt.Errorf("finnhub: 获取 %s 报价失败: %w", symbol.Name, err)
	}
	if quote.Current.IsZero() {
		return decimal.Zero, fmt.Errorf("finnhub: %s 无报价数据: %w", symbol.Name, vendor.ErrNoData)
	}
	return quote.Current, nil
}

// PriceHistory 获取 [now-resolution*intervals, now] 区间的 K 线。
func (m *Market) PriceHistory(ctx context.Context, symbol vendor.Symbol, resolution vendor.Resolution, intervals int) ([]vendor.Candle, error) {
	now := m.now()
	from := now.Add(-resolution.Window(intervals))
	query := url.Values{
		"symbol":     {symbol.Name},
		"resolution": {resolution.String()},
		"from":       {strconv.FormatInt(from.Unix()-1, 10)},
		"to":         {strconv.FormatInt(now.Unix()+1, 10)},
	}

	var data struct {
		Status string    `json:"s"`
		Open   []float64 `json:"o"`
		High   []float64 `json:"h"`
		Low    []float64 `json:"l"`
		Close  []float64 `json:"c"`
		Volume []float64 `json:"v"`
		Time   []int64   `json:"t"`
	}
	if err := m.get(ctx, "price_history", "/stock/candle", query, &data); err != nil {
		return nil, fmt.Errorf("finnhub: 获取 %s K线失败: %w", symbol.Name, err)
	}
	switch data.Status {
	case "ok":
	case "no_data":
		return nil, fmt.Errorf("finnhub: %s 在 %s 区间无K线: %w", symbol.Name, resolution, vendor.ErrNoData)
	default:
		return nil, fmt.Errorf("finnhub: %s K线状态异常: %q", symbol.Name, data.Status)
	}

	n := len(data.Close)
	if len(data.Open) != n || len(data.High) != n || len(data.Low) != n || len(data.Volume) != n || len(data.Time) != n {
		return nil, fmt.Errorf("finnhub: %s K线字段长度不一致", symbol.Name)
	}
	candles := make([]vendor.Candle, n)
	for i := 0; i < n; i++ {
		candles[i] = vendor.Candle{
			Timestamp: time.Unix(data.Time[i], 0),
			Open:      data.Open[i],
			High:      data.High[i],
			Low:       data.Low[i],
			Close:     data.Close[i],
			Volume:    data.Volume[i],
		}
	}
	if n > 0 {
		m.logger.Debug("最新K线时间",
			zap.String("symbol", symbol.Name),
			zap.Time("timestamp", candles[n-1].Timestamp),
		)
	}
	return candles, nil
}

// AveragePrice 基于最近 days 根日线的收盘价计算均价，方向不影响结果。
func (m *Market) AveragePrice(ctx context.Context, symbol vendor.Symbol, _ vendor.Side, days int) (vendor.AveragePrice, error) {
	if days <= 0 {
		days = 7
	}
	candles, err := m.PriceHistory(ctx, symbol, vendor.MustResolution("D"), days)
	if err != nil {
		return vendor.AveragePrice{}, err
	}
	if len(candles) == 0 {
		return vendor.AveragePrice{}, fmt.Errorf("finnhub: %s 无日线: %w", symbol.Name, vendor.ErrNoData)
	}

	total := decimal.Zero
	volume := decimal.Zero
	for _, candle := range candles {
		total = total.Add(decimal.NewFromFloat(candle.Close))
		volume = volume.Add(decimal.NewFromFloat(candle.Volume))
	}
	return vendor.AveragePrice{
		Price:  total.Div(decimal.NewFromInt(int64(len(candles)))),
		Volume: volume,
	}, nil
}
