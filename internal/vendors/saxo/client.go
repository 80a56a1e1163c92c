// Package saxo 实现 Saxo Bank OpenAPI 的行情与券商接口。
package saxo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"autotrader/internal/config"
	"autotrader/internal/reconcile"
	"autotrader/internal/request"
	"autotrader/internal/session"
	"autotrader/internal/vendors"
)

const (
	// Name 为注册表中的供应商名称。
	Name = "saxo"

	simRoot   = "https://gateway.saxobank.com/sim/openapi"
	liveRoot  = "https://gateway.saxobank.com/openapi"
	simLogon  = "https://sim.logonvalidation.net"
	liveLogon = "https://live.logonvalidation.net"

	pageSize       = 500
	defaultTimeout = 60 * time.Second
)

var securityTypeRemap = map[string]string{
	"Common Stock": "Stock",
}

// Register 在注册表中登记 Saxo 行情与券商实现。
func Register(r *vendor.Registry) {
	r.RegisterMarket(Name, func(cfg config.VendorConfig, deps vendor.Deps) (vendor.Market, error) {
		return NewMarket(cfg, deps)
	})
	r.RegisterBroker(Name, func(cfg config.VendorConfig, deps vendor.Deps) (vendor.Broker, error) {
		return NewBroker(cfg, deps)
	})
}

// Client 为 Saxo 行情与券商共享的基础客户端。
type Client struct {
	root    string
	exec    *request.Executor
	session *session.Manager
	logger  *zap.Logger

	symbolsTTL time.Duration
	clock      func() time.Time

	mu          sync.RWMutex
	instruments map[string]vendor.Symbol
	listings    map[string]map[string]vendor.Symbol
	listedAt    time.Time
}

var _ vendor.SymbolCacheInvalidator = (*Client)(nil)

func newClient(cfg config.VendorConfig, deps vendor.Deps) (*Client, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("vendor", Name))

	root, logon := liveRoot, liveLogon
	if cfg.SimMode {
		root, logon = simRoot, simLogon
	}
	if cfg.BaseURL != "" {
		root = strings.TrimRight(cfg.BaseURL, "/")
		logon = root
	}

	reqCfg := request.DefaultConfig(Name)
	reqCfg.Timeout = defaultTimeout
	if cfg.Timeout > 0 {
		reqCfg.Timeout = cfg.Timeout
	}

	var opts []request.Option
	if deps.HTTPClient != nil {
		opts = append(opts, request.WithHTTPClient(deps.HTTPClient))
	}

	var tokens session.TokenStore
	if deps.Tokens != nil {
		store, err := deps.Tokens(Name)
		if err != nil {
			return nil, fmt.Errorf("saxo: 初始化令牌存储失败: %w", err)
		}
		tokens = store
	}

	// 行情与各券商实例共享同一个会话，一次性刷新令牌只由一处轮换。
	manager := deps.Session(Name+"|"+logon+"|"+cfg.AppKey, func() *session.Manager {
		oauth := session.NewOAuth2Client(session.OAuth2Config{
			AuthURL:      logon + "/authorize",
			TokenURL:     logon + "/token",
			ClientID:     cfg.AppKey,
			ClientSecret: cfg.AppSecret,
			RedirectURI:  cfg.RedirectURI,
		}, request.New(reqCfg, nil, logger, opts...))
		return session.NewManager(Name, tokens, oauth, deps.Authorize, logger)
	})

	opts = append(opts, request.WithRateLimitDetector(rateLimited))

	ttl := cfg.SymbolCacheTTL
	if ttl <= 0 {
		ttl = vendor.DefaultSymbolCacheTTL
	}

	return &Client{
		root:        root,
		exec:        request.New(reqCfg, manager, logger, opts...),
		session:     manager,
		logger:      logger,
		symbolsTTL:  ttl,
		clock:       time.Now,
		instruments: make(map[string]vendor.Symbol),
		listings:    make(map[string]map[string]vendor.Symbol),
	}, nil
}

// rateLimited 识别 2xx 响应体中的限流错误码。
func rateLimited(resp *request.Response) bool {
	var body struct {
		ErrorCode string `json:"ErrorCode"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return false
	}
	return body.ErrorCode == "RateLimitExceeded"
}

// Name 返回供应商名称。
func (c *Client) Name() string {
	return Name
}

// Refresh 校验令牌，必要时刷新或重新授权；代码表缓存过期时一并失效。
func (c *Client) Refresh(ctx context.Context) error {
	if _, err := c.session.Credential(ctx); err != nil {
		return fmt.Errorf("saxo: 刷新会话失败: %w", err)
	}

	c.mu.RLock()
	expired := !c.listedAt.IsZero() && c.clock().Sub(c.listedAt) >= c.symbolsTTL
	c.mu.RUnlock()
	if expired {
		c.logger.Debug("代码表缓存过期", zap.Duration("ttl", c.symbolsTTL))
		c.InvalidateSymbols()
	}
	return nil
}

// InvalidateSymbols 清空代码与代码表缓存。
func (c *Client) InvalidateSymbols() {
	c.mu.Lock()
	c.instruments = make(map[string]vendor.Symbol)
	c.listings = make(map[string]map[string]vendor.Symbol)
	c.listedAt = time.Time{}
	c.mu.Unlock()
}

type instrument struct {
	Symbol       string      `json:"Symbol"`
	Description  string      `json:"Description"`
	CurrencyCode string      `json:"CurrencyCode"`
	ExchangeID   string      `json:"ExchangeId"`
	Identifier   json.Number `json:"Identifier"`
	AssetType    string      `json:"AssetType"`
}

type instrumentPage struct {
	Data []instrument `json:"Data"`
	Next string       `json:"__next"`
}

func (i instrument) symbol() vendor.Symbol {
	name := strings.SplitN(i.Symbol, ":", 2)[0]
	return vendor.Symbol{
		Name:        name,
		Exchange:    i.ExchangeID,
		Currency:    i.CurrencyCode,
		DisplayName: i.Symbol,
		Type:        i.AssetType,
		Attrs: map[string]any{
			"Identifier":  i.Identifier.String(),
			"AssetType":   i.AssetType,
			"Description": i.Description,
		},
	}
}

// LookupSymbol 按关键字搜索代码并返回最佳匹配，结果按名称缓存。
func (c *Client) LookupSymbol(ctx context.Context, name string) (vendor.Symbol, error) {
	c.mu.RLock()
	cached, ok := c.instruments[name]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	var page instrumentPage
	err := c.exec.DoJSON(ctx, request.Request{
		Operation: "lookup_symbol",
		URL:       c.root + "/ref/v1/instruments",
		Query:     url.Values{"Keywords": {name}},
	}, &page)
	if err != nil {
		return vendor.Symbol{}, fmt.Errorf("saxo: 查找代码 %s 失败: %w", name, err)
	}
	if len(page.Data) == 0 {
		return vendor.Symbol{}, fmt.Errorf("saxo: %w: %s", vendor.ErrSymbolNotFound, name)
	}

	symbol := page.Data[0].symbol()
	c.mu.Lock()
	c.instruments[name] = symbol
	if c.listedAt.IsZero() {
		c.listedAt = c.clock()
	}
	c.mu.Unlock()
	return symbol, nil
}

// ListSymbols 列出交易所的全部代码，分页读取 __next。
func (c *Client) ListSymbols(ctx context.Context, exchange, symbolType string) (map[string]vendor.Symbol, error) {
	if remapped, ok := securityTypeRemap[symbolType]; ok {
		symbolType = remapped
	}
	cacheKey := exchange + "|" + symbolType

	c.mu.RLock()
	cached, ok := c.listings[cacheKey]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	query := url.Values{}
	query.Set("$top", strconv.Itoa(pageSize))
	query.Set("ExchangeId", exchange)
	query.Set("IncludeNonTradable", "false")
	if symbolType != "" {
		query.Set("AssetTypes", symbolType)
	}

	items, err := reconcile.Collect(ctx, func(ctx context.Context, token string) (reconcile.Page[instrument], error) {
		req := request.Request{Operation: "list_symbols", URL: token}
		if token == "" {
			req.URL = c.root + "/ref/v1/instruments"
			req.Query = query
		}
		var page instrumentPage
		if err := c.exec.DoJSON(ctx, req, &page); err != nil {
			return reconcile.Page[instrument]{}, err
		}
		return reconcile.Page[instrument]{Items: page.Data, Next: page.Next}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("saxo: 列出 %s 代码失败: %w", exchange, err)
	}

	symbols := make(map[string]vendor.Symbol, len(items))
	for _, item := range items {
		symbol := item.symbol()
		symbols[symbol.Name] = symbol
	}

	c.mu.Lock()
	c.listings[cacheKey] = symbols
	if c.listedAt.IsZero() {
		c.listedAt = c.clock()
	}
	c.mu.Unlock()
	return symbols, nil
}

func (c *Client) resolve(ctx context.Context, symbol vendor.Symbol) (vendor.Symbol, error) {
	if symbol.Attr("Identifier") != "" {
		return symbol, nil
	}
	return c.LookupSymbol(ctx, symbol.Name)
}

func assetType(symbol vendor.Symbol) string {
	if t := symbol.Attr("AssetType"); t != "" {
		return t
	}
	return "Stock"
}

// Quote 返回代码的当前报价。
func (c *Client) Quote(ctx context.Context, symbol vendor.Symbol, priceType vendor.PriceType) (decimal.Decimal, error) {
	symbol, err := c.resolve(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if priceType == "" {
		priceType = vendor.PriceAsk
	}

	var result struct {
		Quote map[string]any `json:"Quote"`
	}
	err = c.exec.DoJSON(ctx, request.Request{
		Operation: "quote",
		URL:       c.root + "/trade/v1/infoprices",
		Query: url.Values{
			"AssetType":     {assetType(symbol)},
			"Uic":           {symbol.Attr("Identifier")},
			"QuoteCurrency": {"false"},
		},
	}, &result)
	if err != nil {
		return decimal.Zero, fmt.Errorf("saxo: 获取 %s 报价失败: %w", symbol.Name, err)
	}

	key := titleCase(string(priceType))
	raw, ok := result.Quote[key].(float64)
	if !ok || result.Quote["PriceTypeAsk"] == "NoAccess" {
		return decimal.Zero, fmt.Errorf("saxo: %s 无报价数据: %w", symbol.Name, vendor.ErrNoData)
	}
	amount, _ := result.Quote["Amount"].(float64)
	if amount == 0 {
		amount = 1
	}
	return decimal.NewFromFloat(raw).Div(decimal.NewFromFloat(amount)), nil
}

// PriceHistory 获取 K 线，默认使用卖价。
func (c *Client) PriceHistory(ctx context.Context, symbol vendor.Symbol, resolution vendor.Resolution, intervals int) ([]vendor.Candle, error) {
	return c.candles(ctx, symbol, resolution, intervals, vendor.PriceAsk)
}

func (c *Client) candles(ctx context.Context, symbol vendor.Symbol, resolution vendor.Resolution, intervals int, priceType vendor.PriceType) ([]vendor.Candle, error) {
	symbol, err := c.resolve(ctx, symbol)
	if err != nil {
		return nil, err
	}

	var result struct {
		Data []map[string]any `json:"Data"`
	}
	err = c.exec.DoJSON(ctx, request.Request{
		Operation: "price_history",
		URL:       c.root + "/chart/v1/charts",
		Query: url.Values{
			"AssetType":   {assetType(symbol)},
			"Count":       {strconv.Itoa(intervals)},
			"Horizon":     {strconv.Itoa(resolution.Minutes())},
			"Uic":         {symbol.Attr("Identifier")},
			"FieldGroups": {"ChartInfo,Data"},
		},
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("saxo: 获取 %s K线失败: %w", symbol.Name, err)
	}
	if len(result.Data) == 0 {
		return nil, fmt.Errorf("saxo: %s K线为空: %w", symbol.Name, vendor.ErrNoData)
	}

	suffix := titleCase(string(priceType))
	candles := make([]vendor.Candle, 0, len(result.Data))
	for _, bar := range result.Data {
		raw, _ := bar["Time"].(string)
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("saxo: 解析K线时间 %q 失败: %w", raw, err)
		}
		candles = append(candles, vendor.Candle{
			Timestamp: ts,
			Open:      field(bar, "Open", suffix),
			High:      field(bar, "High", suffix),
			Low:       field(bar, "Low", suffix),
			Close:     field(bar, "Close", suffix),
			Volume:    field(bar, "Volume", ""),
		})
	}
	return candles, nil
}

// AveragePrice 基于最近 days 根日线计算均价，卖出使用买价，买入使用卖价。
func (c *Client) AveragePrice(ctx context.Context, symbol vendor.Symbol, side vendor.Side, days int) (vendor.AveragePrice, error) {
	if days <= 0 {
		days = 7
	}
	priceType := vendor.PriceAsk
	if side == vendor.SideSell {
		priceType = vendor.PriceBid
	}
	candles, err := c.candles(ctx, symbol, vendor.MustResolution("D"), days, priceType)
	if err != nil {
		return vendor.AveragePrice{}, err
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

func field(bar map[string]any, name, suffix string) float64 {
	if suffix != "" {
		if v, ok := bar[name+suffix].(float64); ok {
			return v
		}
	}
	v, _ := bar[name].(float64)
	return v
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}
