package saxo

import (
	"context"
	"encoding/json"
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
	"autotrader/internal/reconcile"
	"autotrader/internal/request"
	"autotrader/internal/vendors"
)

var orderTypeRemap = map[vendor.OrderType]string{
	vendor.OrderTypeMarket:    "Market",
	vendor.OrderTypeLimit:     "Limit",
	vendor.OrderTypeStop:      "Stop",
	vendor.OrderTypeStopLimit: "StopLimit",
}

var minimumOrderFee = decimal.NewFromInt(7)

// Broker 为 Saxo 券商客户端，同时具备行情能力。
type Broker struct {
	*Client
	now func() time.Time

	mu         sync.RWMutex
	clientKey  string
	accountKey string
	ledger     vendor.Ledger
}

var (
	_ vendor.Broker         = (*Broker)(nil)
	_ vendor.Market         = (*Broker)(nil)
	_ vendor.BatchCanceller = (*Broker)(nil)
)

// NewBroker 创建券商客户端，账户信息在首次 Refresh 时获取。
func NewBroker(cfg config.VendorConfig, deps vendor.Deps) (*Broker, error) {
	client, err := newClient(cfg, deps)
	if err != nil {
		return nil, err
	}
	return &Broker{Client: client, now: time.Now}, nil
}

// IntervalDelay Saxo 行情无额外延迟。
func (b *Broker) IntervalDelay() time.Duration {
	return 0
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

func (b *Broker) account(ctx context.Context) (string, string, error) {
	b.mu.RLock()
	clientKey, accountKey := b.clientKey, b.accountKey
	b.mu.RUnlock()
	if accountKey != "" {
		return clientKey, accountKey, nil
	}

	var accounts struct {
		Data []struct {
			ClientKey  string `json:"ClientKey"`
			AccountKey string `json:"AccountKey"`
			Currency   string `json:"Currency"`
		} `json:"Data"`
	}
	if err := b.exec.DoJSON(ctx, request.Request{Operation: "accounts", URL: b.root + "/port/v1/accounts/me"}, &accounts); err != nil {
		return "", "", fmt.Errorf("saxo: 获取账户失败: %w", err)
	}
	if len(accounts.Data) == 0 {
		return "", "", errors.New("saxo: 当前用户没有账户")
	}

	acct := accounts.Data[0]
	b.mu.Lock()
	b.clientKey, b.accountKey = acct.ClientKey, acct.AccountKey
	b.mu.Unlock()
	b.logger.Info("已获取 Saxo 账户",
		zap.String("client_key", acct.ClientKey),
		zap.String("account_key", acct.AccountKey),
	)
	return acct.ClientKey, acct.AccountKey, nil
}

// Refresh 校验会话并拉取余额。
func (b *Broker) Refresh(ctx context.Context) error {
	if err := b.Client.Refresh(ctx); err != nil {
		return err
	}
	clientKey, accountKey, err := b.account(ctx)
	if err != nil {
		return err
	}

	var balance struct {
		Currency    string          `json:"Currency"`
		CashBalance decimal.Decimal `json:"CashBalance"`
		TotalValue  decimal.Decimal `json:"TotalValue"`
	}
	err = b.exec.DoJSON(ctx, request.Request{
		Operation: "balance",
		URL:       b.root + "/port/v1/balances/me",
		Query:     url.Values{"AccountKey": {accountKey}, "ClientKey": {clientKey}},
	}, &balance)
	if err != nil {
		return fmt.Errorf("saxo: 获取余额失败: %w", err)
	}

	b.mu.Lock()
	b.ledger = vendor.Ledger{
		Currency:     balance.Currency,
		CashBalance:  balance.CashBalance,
		TotalValue:   balance.TotalValue,
		ExchangeRate: decimal.NewFromInt(1),
		UpdatedAt:    b.now(),
	}
	b.mu.Unlock()
	return nil
}

type saxoOrder struct {
	OrderID           string          `json:"OrderId"`
	Status            string          `json:"Status"`
	OrderTime         string          `json:"OrderTime"`
	BuySell           string          `json:"BuySell"`
	Amount            decimal.Decimal `json:"Amount"`
	ExternalReference string          `json:"ExternalReference"`
	Uic               int64           `json:"Uic"`
	AssetType         string          `json:"AssetType"`
}

func (o saxoOrder) order() vendor.Order {
	status := vendor.OrderStatusOther
	if o.Status == "Working" {
		status = vendor.OrderStatusActive
	}
	placedAt, _ := time.Parse(time.RFC3339Nano, o.OrderTime)
	symbol, _ := vendor.KeySymbol(o.ExternalReference)
	return vendor.Order{
		ID:        o.OrderID,
		Symbol:    symbol,
		Side:      vendor.Side(strings.ToUpper(o.BuySell)),
		Quantity:  o.Amount,
		Status:    status,
		RawStatus: o.Status,
		PlacedAt:  placedAt,
		Attrs: map[string]any{
			"ExternalReference": o.ExternalReference,
			"Uic":               o.Uic,
			"AssetType":         o.AssetType,
		},
	}
}

// LiveOrders 返回在途订单。
func (b *Broker) LiveOrders(ctx context.Context) ([]vendor.Order, error) {
	raw, err := reconcile.Collect(ctx, func(ctx context.Context, token string) (reconcile.Page[saxoOrder], error) {
		req := request.Request{Operation: "live_orders", URL: token}
		if token == "" {
			req.URL = b.root + "/port/v1/orders/me"
			req.Query = url.Values{"$top": {strconv.Itoa(pageSize)}}
		}
		var page struct {
			Data []saxoOrder `json:"Data"`
			Next string      `json:"__next"`
		}
		if err := b.exec.DoJSON(ctx, req, &page); err != nil {
			return reconcile.Page[saxoOrder]{}, err
		}
		return reconcile.Page[saxoOrder]{Items: page.Data, Next: page.Next}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("saxo: 获取在途订单失败: %w", err)
	}

	orders := make([]vendor.Order, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, o.order())
	}
	return orders, nil
}

// CancelOrder 撤销单笔订单。
func (b *Broker) CancelOrder(ctx context.Context, order vendor.Order) (vendor.CancelResult, error) {
	results, err := b.CancelOrders(ctx, []vendor.Order{order})
	if err != nil {
		return vendor.CancelResult{}, err
	}
	return results[0], nil
}

// CancelOrders 用一次请求撤销多笔订单。
func (b *Broker) CancelOrders(ctx context.Context, orders []vendor.Order) ([]vendor.CancelResult, error) {
	if len(orders) == 0 {
		return []vendor.CancelResult{}, nil
	}
	_, accountKey, err := b.account(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(orders))
	for _, order := range orders {
		ids = append(ids, order.ID)
	}
	target := fmt.Sprintf("%s/trade/v2/orders/%s/?AccountKey=%s", b.root, strings.Join(ids, ","), url.QueryEscape(accountKey))

	var result struct {
		Orders []struct {
			OrderID   string `json:"OrderId"`
			ErrorInfo *struct {
				Message string `json:"Message"`
			} `json:"ErrorInfo"`
		} `json:"Orders"`
	}
	err = b.exec.DoJSON(ctx, request.Request{
		Operation: "cancel_orders",
		Method:    http.MethodDelete,
		URL:       target,
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("saxo: 撤单失败: %w", err)
	}

	results := make([]vendor.CancelResult, 0, len(orders))
	if len(result.Orders) == 0 {
		for _, id := range ids {
			results = append(results, vendor.CancelResult{OrderID: id, Message: "cancelled"})
		}
		return results, nil
	}
	for _, o := range result.Orders {
		message := "cancelled"
		if o.ErrorInfo != nil {
			message = o.ErrorInfo.Message
		}
		results = append(results, vendor.CancelResult{OrderID: o.OrderID, Message: message})
	}
	return results, nil
}

type positionBase struct {
	Amount            decimal.Decimal `json:"Amount"`
	ExternalReference string          `json:"ExternalReference"`
	Uic               int64           `json:"Uic"`
	AssetType         string          `json:"AssetType"`
}

type positionView struct {
	CurrentPrice          decimal.Decimal `json:"CurrentPrice"`
	ConversionRateCurrent decimal.Decimal `json:"ConversionRateCurrent"`
	ProfitLossOnTrade     decimal.Decimal `json:"ProfitLossOnTrade"`
	ExposureCurrency      string          `json:"ExposureCurrency"`
}

type saxoPosition struct {
	PositionID      string        `json:"PositionId"`
	NetPositionID   string        `json:"NetPositionId"`
	PositionBase    *positionBase `json:"PositionBase"`
	PositionView    *positionView `json:"PositionView"`
	NetPositionBase *positionBase `json:"NetPositionBase"`
	NetPositionView *positionView `json:"NetPositionView"`
	SinglePosition  *saxoPosition `json:"SinglePosition"`
}

func (p saxoPosition) position(net bool) vendor.Position {
	if net && p.SinglePosition != nil {
		single := *p.SinglePosition
		if single.NetPositionID == "" {
			single.NetPositionID = p.NetPositionID
		}
		p = single
	}

	id, base, view := p.PositionID, p.PositionBase, p.PositionView
	if net {
		id, base, view = p.NetPositionID, p.NetPositionBase, p.NetPositionView
	}
	if base == nil {
		base = &positionBase{}
	}
	if view == nil {
		view = &positionView{}
	}

	symbol, ok := vendor.KeySymbol(base.ExternalReference)
	if !ok {
		symbol = strings.SplitN(strings.SplitN(p.NetPositionID, "_", 2)[0], ":", 2)[0]
	}

	pos := vendor.Position{
		ID:          id,
		Symbol:      symbol,
		Quantity:    base.Amount,
		MarketValue: view.CurrentPrice.Mul(base.Amount),
		PnL:         view.ProfitLossOnTrade,
		Currency:    view.ExposureCurrency,
		Attrs: map[string]any{
			"Uic":               base.Uic,
			"AssetType":         base.AssetType,
			"ExternalReference": base.ExternalReference,
			"NetPositionId":     p.NetPositionID,
		},
	}
	if !view.ConversionRateCurrent.IsZero() {
		pos.ExchangeRate = decimal.NullDecimal{Decimal: view.ConversionRateCurrent, Valid: true}
	}
	return pos
}

// Positions 返回逐笔持仓。
func (b *Broker) Positions(ctx context.Context) ([]vendor.Position, error) {
	return b.positions(ctx, "/port/v1/positions/me", false)
}

// NetPositions 返回按代码合并的净持仓。
func (b *Broker) NetPositions(ctx context.Context) ([]vendor.Position, error) {
	return b.positions(ctx, "/port/v1/netpositions/me", true)
}

func (b *Broker) positions(ctx context.Context, path string, net bool) ([]vendor.Position, error) {
	operation := "positions"
	if net {
		operation = "net_positions"
	}
	positions, err := reconcile.CollectPositions(ctx, func(ctx context.Context, token string) (reconcile.Page[vendor.Position], error) {
		req := request.Request{Operation: operation, URL: token}
		if token == "" {
			req.URL = b.root + path
			req.Query = url.Values{"$top": {strconv.Itoa(pageSize)}}
		}
		var page struct {
			Data []saxoPosition `json:"Data"`
			Next string         `json:"__next"`
		}
		if err := b.exec.DoJSON(ctx, req, &page); err != nil {
			return reconcile.Page[vendor.Position]{}, err
		}
		items := make([]vendor.Position, 0, len(page.Data))
		for _, p := range page.Data {
			items = append(items, p.position(net))
		}
		return reconcile.Page[vendor.Position]{Items: items, Next: page.Next}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("saxo: 获取持仓失败: %w", err)
	}
	return positions, nil
}

// PlaceOrder 提交当日有效订单，ExternalReference 携带幂等键。
func (b *Broker) PlaceOrder(ctx context.Context, req vendor.OrderRequest) (vendor.Order, error) {
	_, accountKey, err := b.account(ctx)
	if err != nil {
		return vendor.Order{}, err
	}
	symbol, err := b.resolve(ctx, req.Symbol)
	if err != nil {
		return vendor.Order{}, err
	}

	key := req.Key
	if key == "" {
		key = vendor.IdempotencyKey(req.Side, symbol.Name, b.now())
	}
	orderType, ok := orderTypeRemap[req.Type]
	if !ok {
		orderType = "Market"
	}

	body := map[string]any{
		"AccountKey":        accountKey,
		"Amount":            vendor.QuantityNumber(req.Quantity),
		"ExternalReference": key,
		"AssetType":         assetType(symbol),
		"BuySell":           titleCase(string(req.Side)),
		"ManualOrder":       true,
		"OrderDuration":     map[string]string{"DurationType": "DayOrder"},
		"OrderType":         orderType,
		"Uic":               json.Number(symbol.Attr("Identifier")),
	}
	if orderType != "Market" && !req.Price.IsZero() {
		if orderType == "StopLimit" {
			body["StopLimitPrice"] = json.Number(req.Price.String())
		} else {
			body["OrderPrice"] = json.Number(req.Price.String())
		}
	}

	b.logger.Debug("提交订单",
		zap.String("symbol", symbol.Name),
		zap.String("side", string(req.Side)),
		zap.String("quantity", req.Quantity.String()),
		zap.String("key", key),
	)

	var result struct {
		OrderID string `json:"OrderId"`
	}
	err = b.exec.DoJSON(ctx, request.Request{
		Operation: "place_order",
		Method:    http.MethodPost,
		URL:       b.root + "/trade/v2/orders",
		JSON:      body,
	}, &result)
	if err != nil {
		return vendor.Order{}, fmt.Errorf("saxo: %s %s 下单失败: %w", req.Side, symbol.Name, err)
	}

	return vendor.Order{
		ID:        result.OrderID,
		Symbol:    symbol.Name,
		Side:      req.Side,
		Quantity:  req.Quantity,
		Status:    vendor.OrderStatusActive,
		RawStatus: "Working",
		PlacedAt:  b.now(),
		Attrs:     map[string]any{"ExternalReference": key},
	}, nil
}
