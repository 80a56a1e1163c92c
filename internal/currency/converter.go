// Package currency 通过 frankfurter 查询汇率并按基准币种缓存。
package currency

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"autotrader/internal/config"
	"autotrader/internal/request"
)

// Converter 为不同币种之间的金额换算。
type Converter struct {
	baseURL string
	ttl     time.Duration
	exec    *request.Executor
	logger  *zap.Logger
	now     func() time.Time

	mu    sync.RWMutex
	rates map[string]rateTable
	group singleflight.Group
}

type rateTable struct {
	rates     map[string]decimal.Decimal
	fetchedAt time.Time
}

// Option 调整 Converter。
type Option func(*Converter)

// WithClock 替换时钟。
func WithClock(now func() time.Time) Option {
	return func(c *Converter) {
		c.now = now
	}
}

// WithExecutor 替换请求执行器。
func WithExecutor(exec *request.Executor) Option {
	return func(c *Converter) {
		c.exec = exec
	}
}

// NewConverter 创建汇率换算器。
func NewConverter(cfg config.CurrencyConfig, logger *zap.Logger, opts ...Option) *Converter {
	if logger == nil {
		logger = zap.NewNop()
	}
	reqCfg := request.DefaultConfig("frankfurter")
	if cfg.Timeout > 0 {
		reqCfg.Timeout = cfg.Timeout
	}
	c := &Converter{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		ttl:     cfg.TTL,
		exec:    request.New(reqCfg, nil, logger),
		logger:  logger.With(zap.String("component", "currency")),
		now:     time.Now,
		rates:   make(map[string]rateTable),
	}
	if c.ttl <= 0 {
		c.ttl = 24 * time.Hour
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Convert 把 amount 从 from 币种换算为 to 币种。
func (c *Converter) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	rate, err := c.Rate(ctx, from, to)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(rate), nil
}

// Rate 返回 1 单位 from 币种折合的 to 币种数量，同币种为 1。
func (c *Converter) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return decimal.NewFromInt(1), nil
	}

	table, err := c.table(ctx, from)
	if err != nil {
		return decimal.Zero, err
	}
	rate, ok := table.rates[to]
	if !ok {
		return decimal.Zero, fmt.Errorf("currency: 缺少 %s/%s 汇率", from, to)
	}
	return rate, nil
}

func (c *Converter) table(ctx context.Context, base string) (rateTable, error) {
	c.mu.RLock()
	cached, ok := c.rates[base]
	c.mu.RUnlock()
	if ok && c.now().Sub(cached.fetchedAt) < c.ttl {
		return cached, nil
	}

	v, err, _ := c.group.Do(base, func() (interface{}, error) {
		return c.fetch(ctx, base)
	})
	if err != nil {
		return rateTable{}, err
	}
	return v.(rateTable), nil
}

func (c *Converter) fetch(ctx context.Context, base string) (rateTable, error) {
	var result struct {
		Base  string                     `json:"base"`
		Rates map[string]decimal.Decimal `json:"rates"`
	}
	err := c.exec.DoJSON(ctx, request.Request{
		Operation: "latest",
		URL:       c.baseURL + "/latest",
		Query:     url.Values{"from": {base}},
	}, &result)
	if err != nil {
		return rateTable{}, fmt.Errorf("currency: 获取 %s 汇率失败: %w", base, err)
	}

	table := rateTable{rates: result.Rates, fetchedAt: c.now()}
	c.mu.Lock()
	c.rates[base] = table
	c.mu.Unlock()
	c.logger.Debug("已更新汇率", zap.String("base", base), zap.Int("count", len(result.Rates)))
	return table, nil
}
