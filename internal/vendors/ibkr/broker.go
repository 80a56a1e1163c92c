// Package ibkr 通过本地 Client Portal 网关实现 Interactive Brokers 券商接口。
//
// 网关负责登录，本包不维护会话；网关使用自签名证书，因此关闭 TLS 校验。
package ibkr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"autotrader/internal/config"
	"autotrader/internal/reconcile"
	"autotrader/internal/request"
	"autotrader/internal/vendors"
)

const (
	// Name 为注册表中的供应商名称。
	Name = "ibkr"

	defaultHost    = "localhost"
	defaultPort    = 5000
	defaultTimeout = 120 * time.Second
	contractType   = "STK"
	referrer       = "autotrader"
)

var orderTypeRemap = map[vendor.OrderType]string{
	vendor.OrderTypeMarket:    "MKT",
	vendor.OrderTypeLimit:     "LMT",
	vendor.OrderTypeStop:      "STP",
	vendor.OrderTypeStopLimit: "STP_LIMIT",
}

// 网关在途订单的状态取值。
var activeStatuses = map[string]struct{}{
	"Active":        {},
	"PendingSubmit": {},
	"PreSubmitted":  {},
	"Submitted":     {},
}

const (
	missingMarketDataPrompt = "You are trying to submit an order without having market data for this instrument"
	capPricePrompt          = "<h4>Confirm Mandatory Cap Price</h4>"
)

var minimumOrderFee = decimal.NewFromInt(1)

// Register 在注册表中登记 IBKR 券商实现。
func Register(r *vendor.Registry) {
	r.RegisterBroker(Name, func(cfg config.VendorConfig, deps vendor.Deps) (vendor.Broker, error) {
		return NewBroker(cfg, deps)
	})
}

// Broker 为 IBKR 券商客户端。
type Broker struct {
	root      string
	accountID string
	exec      *request.Executor
	logger    *zap.Logger
	now       func() time.Time

	mu        sync.RWMutex
	ledger    vendor.Ledger
	contracts map[string]string
	symbols   map[string]vendor.Symbol
}

var _ vendor.Broker = (*Broker)(nil)

// NewBroker 创建券商客户端。account_id 为必填项。
func NewBroker(cfg config.VendorConfig, deps vendor.Deps) (*Broker, error) {
	if cfg.AccountID == "" {
		return nil, errors.New("ibkr: account_id 不能为空")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("vendor", Name))

	root := cfg.BaseURL
	if root == "" {
		host, port := cfg.GatewayURL, cfg.GatewayPort
		if host == "" {
			host = defaultHost
		}
		if port == 0 {
			port = defaultPort
		}
		root = fmt.Sprintf("https://%s:%d/v1/api", host, port)
	}

	reqCfg := request.DefaultConfig(Name)
	reqCfg.Timeout = defaultTimeout
	if cfg.Timeout > 0 {
		reqCfg.Timeout = cfg.Timeout
	}
	reqCfg.RetryStatusCodes = []int{http.StatusInternalServerError}
	reqCfg.InsecureSkipVerify = true

	var opts []request.Option
	if deps.HTTPClient != nil {
		opts = append(opts, request.WithHTTPClient(deps.HTTPClient))
	}

	return &Broker{
		root:      strings.TrimRight(root, "/"),
		accountID: cfg.AccountID,
		exec:      request.New(reqCfg, nil, logger, opts...),
		logger:    logger,
		now:       time.Now,
		contracts: make(map[string]string),
		symbols:   make(map[string]vendor.Symbol),
	}, nil
}

// Name 返回供应商名称。
func (b *Broker) Name() string {
	return Name
}

// MinimumOrderFee 返回单笔最低佣金。
func (b *Broker) MinimumOrderFee() decimal.Decimal {
	return minimumOrderFee
}

// Ledger 返回最近一次刷新的资金快照。
func (b *Broker) Ledger() vendor.Ledger {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ledger
}

type portfolioAccount struct {
	AccountID string `json:"accountId"`
	Currency  string `json:"currency"`
}

// portfolioAccounts 网关要求在读取账本与持仓前先访问该接口。
func (b *Broker) portfolioAccounts(ctx context.Context) ([]portfolioAccount, error) {
	var accounts []portfolioAccount
	err := b.exec.DoJSON(ctx, request.Request{
		Operation: "portfolio_accounts",
		URL:       b.root + "/portfolio/accounts",
	}, &accounts)
	if err != nil {
		return nil, fmt.Errorf("ibkr: 获取组合账户失败: %w", err)
	}
	return accounts, nil
}

// Refresh 拉取账户 BASE 账本。
func (b *Broker) Refresh(ctx context.Context) error {
	accounts, err := b.portfolioAccounts(ctx)
	if err != nil {
		return err
	}

	var ledgers map[string]struct {
		Currency            string          `json:"currency"`
		CashBalance         decimal.Decimal `json:"cashbalance"`
		NetLiquidationValue decimal.Decimal `json:"netliquidationvalue"`
		ExchangeRate        decimal.Decimal `json:"exchangerate"`
		UnrealizedPnL       decimal.Decimal `json:"unrealizedpnl"`
	}
	err = b.exec.DoJSON(ctx, request.Request{
		Operation: "ledger",
		URL:       request.JoinPath(b.root, "portfolio", b.accountID, "ledger"),
	}, &ledgers)
	if err != nil {
		return fmt.Errorf("ibkr: 获取账本失败: %w", err)
	}
	base, ok := ledgers["BASE"]
	if !ok {
		return errors.New("ibkr: 账本缺少 BASE 项")
	}

	currency := base.Currency
	if currency == "BASE" {
		for _, acct := range accounts {
			if acct.AccountID == b.accountID && acct.Currency != "" {
				currency = acct.Currency
				break
			}
		}
	}

	b.mu.Lock()
	b.ledger = vendor.Ledger{
		Currency:      currency,
		CashBalance:   base.CashBalance,
		TotalValue:    base.NetLiquidationValue,
		UnrealizedPnL: base.UnrealizedPnL,
		ExchangeRate:  base.ExchangeRate,
		UpdatedAt:     b.now(),
	}
	b.mu.Unlock()
	return nil
}

type gatewayOrder struct {
	OrderID   json.Number     `json:"orderId"`
	OrderRef  string          `json:"order_ref"`
	Status    string          `json:"status"`
	Side      string          `json:"side"`
	Ticker    string          `json:"ticker"`
	Conid     json.Number     `json:"conid"`
	TotalSize decimal.Decimal `json:"totalSize"`
}

// LiveOrders 返回带 order_ref 的订单，订单 ID 即幂等键，挂单时间取自键中的时间戳。
func (b *Broker) LiveOrders(ctx context.Context) ([]vendor.Order, error) {
	var result struct {
		Orders []gatewayOrder `json:"orders"`
	}
	err := b.exec.DoJSON(ctx, request.Request{
		Operation: "live_orders",
		URL:       b.root + "/iserver/account/orders",
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("ibkr: 获取在途订单失败: %w", err)
	}

	orders := make([]vendor.Order, 0, len(result.Orders))
	for _, o := range result.Orders {
		if o.OrderRef == "" {
			continue
		}
		status := vendor.OrderStatusOther
		if _, ok := activeStatuses[o.Status]; ok {
			status = vendor.OrderStatusActive
		}
		placedAt, _ := vendor.KeyTime(o.OrderRef)
		symbol, ok := vendor.KeySymbol(o.OrderRef)
		if !ok {
			symbol = o.Ticker
		}
		orders = append(orders, vendor.Order{
			ID:        o.OrderRef,
			Symbol:    symbol,
			Side:      vendor.Side(strings.ToUpper(o.Side)),
			Quantity:  o.TotalSize,
			Status:    status,
			RawStatus: o.Status,
			PlacedAt:  placedAt,
			Attrs: map[string]any{
				"orderId": o.OrderID.String(),
				"conid":   o.Conid.String(),
			},
		})
	}
	return orders, nil
}

// CancelOrder 按网关订单号撤单。
func (b *Broker) CancelOrder(ctx context.Context, order vendor.Order) (vendor.CancelResult, error) {
	orderID := attr(order.Attrs, "orderId")
	if orderID == "" {
		orderID = order.ID
	}

	var result struct {
		OrderID json.Number `json:"order_id"`
		Msg     string      `json:"msg"`
		Error   string      `json:"error"`
	}
	err := b.exec.DoJSON(ctx, request.Request{
		Operation: "cancel_order",
		Method:    http.MethodDelete,
		URL:       request.JoinPath(b.root, "iserver", "account", b.accountID, "order", orderID),
	}, &result)
	if err != nil {
		return vendor.CancelResult{}, fmt.Errorf("ibkr: 撤销订单 %s 失败: %w", order.ID, err)
	}
	message := result.Msg
	if result.Error != "" {
		message = result.Error
	}
	b.logger.Debug("撤单结果", zap.String("order_id", orderID), zap.String("message", message))
	return vendor.CancelResult{OrderID: order.ID, Message: message}, nil
}

type gatewayPosition struct {
	Conid         json.Number     `json:"conid"`
	Position      decimal.Decimal `json:"position"`
	MktValue      decimal.Decimal `json:"mktValue"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	Currency      string          `json:"currency"`
	ContractDesc  string          `json:"contractDesc"`
}

// Positions 先使网关持仓缓存失效，再按页码读取直到空页。
func (b *Broker) Positions(ctx context.Context) ([]vendor.Position, error) {
	err := b.exec.DoJSON(ctx, request.Request{
		Operation: "invalidate_positions",
		Method:    http.MethodPost,
		URL:       request.JoinPath(b.root, "portfolio", b.accountID, "positions", "invalidate"),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("ibkr: 刷新持仓缓存失败: %w", err)
	}

	positions, err := reconcile.CollectPositions(ctx, func(ctx context.Context, token string) (reconcile.Page[vendor.Position], error) {
		page := 0
		if token != "" {
			page, _ = strconv.Atoi(token)
		}
		if _, err := b.portfolioAccounts(ctx); err != nil {
			return reconcile.Page[vendor.Position]{}, err
		}

		var raw []gatewayPosition
		err := b.exec.DoJSON(ctx, request.Request{
			Operation: "positions",
			URL:       request.JoinPath(b.root, "portfolio", b.accountID, "positions", strconv.Itoa(page)),
		}, &raw)
		if err != nil {
			return reconcile.Page[vendor.Position]{}, err
		}

		items := make([]vendor.Position, 0, len(raw))
		for _, p := range raw {
			if p.Position.IsZero() {
				continue
			}
			symbol, err := b.localSymbol(ctx, p.Conid.String())
			if err != nil {
				return reconcile.Page[vendor.Position]{}, err
			}
			items = append(items, vendor.Position{
				ID:          p.Conid.String(),
				Symbol:      symbol,
				Quantity:    p.Position,
				MarketValue: p.MktValue,
				PnL:         p.UnrealizedPnL,
				Currency:    p.Currency,
				Attrs:       map[string]any{"conid": p.Conid.String(), "contractDesc": p.ContractDesc},
			})
		}
		next := ""
		if len(raw) > 0 {
			next = strconv.Itoa(page + 1)
		}
		return reconcile.Page[vendor.Position]{Items: items, Next: next}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("ibkr: 获取持仓失败: %w", err)
	}
	return positions, nil
}

// NetPositions 网关持仓已按合约合并。
func (b *Broker) NetPositions(ctx context.Context) ([]vendor.Position, error) {
	return b.Positions(ctx)
}

func (b *Broker) localSymbol(ctx context.Context, conid string) (string, error) {
	b.mu.RLock()
	symbol, ok := b.contracts[conid]
	b.mu.RUnlock()
	if ok {
		return symbol, nil
	}

	var info struct {
		LocalSymbol string `json:"local_symbol"`
		Symbol      string `json:"symbol"`
	}
	err := b.exec.DoJSON(ctx, request.Request{
		Operation: "contract_info",
		URL:       request.JoinPath(b.root, "iserver", "contract", conid, "info"),
	}, &info)
	if err != nil {
		return "", fmt.Errorf("ibkr: 获取合约 %s 失败: %w", conid, err)
	}
	symbol = info.LocalSymbol
	if symbol == "" {
		symbol = info.Symbol
	}

	b.mu.Lock()
	b.contracts[conid] = symbol
	b.mu.Unlock()
	return symbol, nil
}

type secdefSection struct {
	SecType  string `json:"secType"`
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
}

type secdefContract struct {
	Conid       json.Number     `json:"conid"`
	Symbol      string          `json:"symbol"`
	CompanyName string          `json:"companyName"`
	Description string          `json:"description"`
	Sections    []secdefSection `json:"sections"`
}

// LookupSymbol 通过 secdef 搜索股票合约，结果按名称缓存。
func (b *Broker) LookupSymbol(ctx context.Context, name string) (vendor.Symbol, error) {
	b.mu.RLock()
	cached, ok := b.symbols[name]
	b.mu.RUnlock()
	if ok {
		return cached, nil
	}

	var contracts []secdefContract
	err := b.exec.DoJSON(ctx, request.Request{
		Operation: "secdef_search",
		Method:    http.MethodPost,
		URL:       b.root + "/iserver/secdef/search",
		JSON:      map[string]string{"symbol": name},
	}, &contracts)
	if err != nil {
		return vendor.Symbol{}, fmt.Errorf("ibkr: 搜索合约 %s 失败: %w", name, err)
	}

	for _, contract := range contracts {
		if contract.Symbol != name {
			continue
		}
		for _, section := range contract.Sections {
			if section.Symbol != "" && section.Symbol != name {
				continue
			}
			if section.SecType != contractType {
				continue
			}
			symbol := vendor.Symbol{
				Name:        name,
				DisplayName: contract.CompanyName,
				Type:        contractType,
				Attrs: map[string]any{
					"conid":       contract.Conid.String(),
					"description": contract.Description,
				},
			}
			b.mu.Lock()
			b.symbols[name] = symbol
			b.mu.Unlock()
			return symbol, nil
		}
	}
	return vendor.Symbol{}, fmt.Errorf("ibkr: %w: 无 %s 合约 %s", vendor.ErrSymbolNotFound, contractType, name)
}

type promptReply struct {
	ID      string   `json:"id"`
	Message []string `json:"message"`
}

// PlaceOrder 提交当日有效订单。cOID 为幂等键；已知的确认提示会被自动确认，
// 其他提示保留在 Order.Messages 中并记录错误日志。
func (b *Broker) PlaceOrder(ctx context.Context, req vendor.OrderRequest) (vendor.Order, error) {
	symbol := req.Symbol
	if symbol.Attr("conid") == "" {
		found, err := b.LookupSymbol(ctx, symbol.Name)
		if err != nil {
			return vendor.Order{}, err
		}
		found.Exchange = symbol.Exchange
		symbol = found
	}
	conid := symbol.Attr("conid")

	key := req.Key
	if key == "" {
		key = vendor.IdempotencyKey(req.Side, symbol.Name, b.now())
	}
	orderType, ok := orderTypeRemap[req.Type]
	if !ok {
		orderType = "MKT"
	}

	body := map[string]any{
		"acctId":      b.accountID,
		"conid":       json.Number(conid),
		"secType":     conid + ":" + contractType,
		"cOID":        key,
		"orderType":   orderType,
		"side":        string(req.Side),
		"tif":         "DAY",
		"referrer":    referrer,
		"quantity":    vendor.QuantityNumber(req.Quantity),
		"useAdaptive": true,
	}
	if symbol.Exchange != "" {
		body["listingExchange"] = symbol.Exchange
	}
	if orderType != "MKT" && !req.Price.IsZero() {
		body["price"] = json.Number(req.Price.String())
	}

	b.logger.Debug("提交订单",
		zap.String("symbol", symbol.Name),
		zap.String("side", string(req.Side)),
		zap.String("quantity", req.Quantity.String()),
		zap.String("key", key),
	)

	var replies []promptReply
	err := b.exec.DoJSON(ctx, request.Request{
		Operation: "place_order",
		Method:    http.MethodPost,
		URL:       request.JoinPath(b.root, "iserver", "account", b.accountID, "order"),
		JSON:      body,
	}, &replies)
	if err != nil {
		return vendor.Order{}, fmt.Errorf("ibkr: %s %s 下单失败: %w", req.Side, symbol.Name, err)
	}

	var unhandled []vendor.Message
	for _, reply := range replies {
		if reply.ID == "" || len(reply.Message) == 0 {
			continue
		}
		msg := vendor.Message{ID: reply.ID, Content: reply.Message}
		if !autoConfirmable(msg) {
			unhandled = append(unhandled, msg)
			continue
		}
		if err := b.confirm(ctx, msg); err != nil {
			return vendor.Order{}, err
		}
	}
	if len(unhandled) > 0 {
		b.logger.Error("存在未处理的下单提示",
			zap.String("key", key),
			zap.Any("messages", unhandled),
		)
	}

	return vendor.Order{
		ID:        key,
		Symbol:    symbol.Name,
		Side:      req.Side,
		Quantity:  req.Quantity,
		Status:    vendor.OrderStatusActive,
		RawStatus: "Submitted",
		PlacedAt:  b.now(),
		Messages:  unhandled,
		Attrs:     map[string]any{"conid": conid},
	}, nil
}

func autoConfirmable(msg vendor.Message) bool {
	for _, content := range msg.Content {
		if strings.HasPrefix(content, missingMarketDataPrompt) || strings.Contains(content, capPricePrompt) {
			return true
		}
	}
	return false
}

func (b *Broker) confirm(ctx context.Context, msg vendor.Message) error {
	b.logger.Debug("自动确认下单提示", zap.String("reply_id", msg.ID), zap.Strings("message", msg.Content))
	err := b.exec.DoJSON(ctx, request.Request{
		Operation: "order_reply",
		Method:    http.MethodPost,
		URL:       request.JoinPath(b.root, "iserver", "reply", msg.ID),
		JSON:      map[string]bool{"confirmed": true},
	}, nil)
	if err != nil {
		return fmt.Errorf("ibkr: 确认提示 %s 失败: %w", msg.ID, err)
	}
	return nil
}

func attr(attrs map[string]any, key string) string {
	if v, ok := attrs[key].(string); ok {
		return v
	}
	return ""
}
