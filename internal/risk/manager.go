// Package risk 实现买卖前的资金与持仓门槛检查。
package risk

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"autotrader/internal/config"
	"autotrader/internal/vendors"
)

const defaultMinOrders = 5

// Manager 负责执行风控检查，金额均以账户币种计。
type Manager struct {
	buyFraction       decimal.Decimal
	minBuyAmount      decimal.Decimal
	minBrokerBalance  decimal.Decimal
	maxPositionFactor decimal.Decimal
	profitCheck       bool
	minProfitFraction decimal.Decimal
	priceCheck        bool
	minOrders         decimal.Decimal
	converter         Converter
	logger            *zap.Logger
}

// NewManager 根据交易实例配置创建风险管理器。
func NewManager(cfg config.TraderConfig, converter Converter, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	minOrders := cfg.PriceCheck.MinOrders
	if minOrders <= 0 {
		minOrders = defaultMinOrders
	}
	return &Manager{
		buyFraction:       decimal.NewFromFloat(cfg.BuyFraction),
		minBuyAmount:      decimal.NewFromFloat(cfg.MinBuyAmount),
		minBrokerBalance:  decimal.NewFromFloat(cfg.MinBrokerCashBalance),
		maxPositionFactor: decimal.NewFromFloat(cfg.MaxPositionValue),
		profitCheck:       cfg.ProfitCheck.Enabled,
		minProfitFraction: decimal.NewFromFloat(cfg.ProfitCheck.MinProfitFraction),
		priceCheck:        cfg.PriceCheck.Enabled,
		minOrders:         decimal.NewFromInt(int64(minOrders)),
		converter:         converter,
		logger:            logger,
	}
}

// BuyAllowed 现金需高于 最小买入金额+券商最低余额 才会评估买入候选。
func (m *Manager) BuyAllowed(cash decimal.Decimal) EvaluationResult {
	threshold := m.minBuyAmount.Add(m.minBrokerBalance)
	if cash.GreaterThan(threshold) {
		return proceed("")
	}
	return deny("", fmt.Sprintf("现金余额低于最小买入金额与最低余额之和 (%s <= %s)", cash.StringFixed(2), threshold.StringFixed(2)))
}

// ProfitCheck 未达到 市值×最小盈利比例+手续费×2 的持仓不参与卖出评估，盈亏为零时不检查。
func (m *Manager) ProfitCheck(position vendor.Position, fee decimal.Decimal) EvaluationResult {
	if !m.profitCheck || position.PnL.IsZero() {
		return proceed(position.Symbol)
	}
	target := position.MarketValue.Mul(m.minProfitFraction).Add(fee.Mul(decimal.NewFromInt(2)))
	if position.PnL.LessThan(target) {
		return deny(position.Symbol, fmt.Sprintf("盈利未达到目标 (%s < %s %s)",
			position.PnL.StringFixed(2), target.StringFixed(2), position.Currency))
	}
	return proceed(position.Symbol)
}

// MaxPositionValue 返回单个代码允许的最大持仓市值，零表示不限制。
func (m *Manager) MaxPositionValue(cash decimal.Decimal) decimal.Decimal {
	buyAmount := decimal.Max(cash.Mul(m.buyFraction), m.minBuyAmount)
	return buyAmount.Mul(m.maxPositionFactor)
}

// AccountValue 把持仓市值换算为账户币种。
// 持仓市值始终以持仓币种计；有券商汇率时使用券商汇率，否则查询汇率服务。
func (m *Manager) AccountValue(ctx context.Context, position vendor.Position, accountCurrency string) (decimal.Decimal, error) {
	if position.ExchangeRate.Valid {
		return position.MarketValue.Mul(position.ExchangeRate.Decimal), nil
	}
	if position.Currency == "" || strings.EqualFold(position.Currency, accountCurrency) {
		return position.MarketValue, nil
	}
	if m.converter == nil {
		return decimal.Zero, fmt.Errorf("risk: 缺少汇率换算 %s -> %s", position.Currency, accountCurrency)
	}
	value, err := m.converter.Convert(ctx, position.MarketValue, position.Currency, accountCurrency)
	if err != nil {
		return decimal.Zero, fmt.Errorf("risk: 换算 %s 持仓市值失败: %w", position.Symbol, err)
	}
	m.logger.Debug("持仓市值换算",
		zap.String("symbol", position.Symbol),
		zap.String("from", position.Currency),
		zap.String("to", accountCurrency),
		zap.String("value", value.StringFixed(2)),
	)
	return value, nil
}

// PositionLimit 已有持仓的账户币种市值超过上限时拒绝买入。
func (m *Manager) PositionLimit(ctx context.Context, position vendor.Position, cash decimal.Decimal, accountCurrency string) (EvaluationResult, error) {
	limit := m.MaxPositionValue(cash)
	if !limit.IsPositive() {
		return proceed(position.Symbol), nil
	}
	value, err := m.AccountValue(ctx, position, accountCurrency)
	if err != nil {
		return EvaluationResult{}, err
	}
	if value.GreaterThan(limit) {
		return deny(position.Symbol, fmt.Sprintf("持仓市值超过上限 (%s > %s %s)",
			value.StringFixed(2), limit.StringFixed(2), accountCurrency)), nil
	}
	return proceed(position.Symbol), nil
}

// FundsCheck 下单后现金需保留券商最低余额。
func (m *Manager) FundsCheck(symbol string, amount, cash decimal.Decimal) EvaluationResult {
	required := amount.Add(m.minBrokerBalance)
	if required.GreaterThan(cash) {
		return deny(symbol, fmt.Sprintf("资金不足 (%s + %s > %s)",
			amount.StringFixed(2), m.minBrokerBalance.StringFixed(2), cash.StringFixed(2)))
	}
	return proceed(symbol)
}

// PriceCheckEnabled 返回是否启用均价检查。
func (m *Manager) PriceCheckEnabled() bool {
	return m.priceCheck
}

// PriceCheck 近期成交量足够时，拒绝高于均价的买入与低于均价的卖出。
func (m *Manager) PriceCheck(symbol string, side vendor.Side, price decimal.Decimal, avg vendor.AveragePrice) EvaluationResult {
	if !m.priceCheck || avg.Volume.LessThan(m.minOrders) {
		return proceed(symbol)
	}
	switch {
	case side == vendor.SideBuy && price.GreaterThan(avg.Price):
		return deny(symbol, fmt.Sprintf("买入价高于近期均价 (%s > %s)", price, avg.Price.StringFixed(4)))
	case side == vendor.SideSell && price.LessThan(avg.Price):
		return deny(symbol, fmt.Sprintf("卖出价低于近期均价 (%s < %s)", price, avg.Price.StringFixed(4)))
	}
	return proceed(symbol)
}
