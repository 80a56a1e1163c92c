// Package signal 根据K线计算买卖信号得分。
//
// 得分为各子信号加权之和：大于 0 为买入候选，小于 0 为卖出候选。
package signal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"autotrader/internal/ai"
	"autotrader/internal/config"
	"autotrader/internal/indicator"
	"autotrader/internal/metrics"
	"autotrader/internal/vendors"
)

var (
	// ErrInsufficientBars 表示K线数量不足。
	ErrInsufficientBars = errors.New("signal: insufficient bars")
	// ErrStale 表示最新K线过旧。
	ErrStale = errors.New("signal: latest bar is stale")
)

// 子信号名称，同时是 signal.weights 的键。
const (
	SubRSI       = "rsi"
	SubMACD      = "macd"
	SubEMACross  = "ema_cross"
	SubBollinger = "bollinger"
)

const (
	defaultMinBars    = 5
	defaultMultiplier = 2
	reviewCloses      = 20
)

// DefaultWeights 为未配置权重时使用的子信号权重。
var DefaultWeights = map[string]float64{
	SubRSI:       1.0,
	SubMACD:      1.0,
	SubEMACross:  0.5,
	SubBollinger: 0.5,
}

// HistorySource 提供K线。
type HistorySource interface {
	PriceHistory(ctx context.Context, symbol vendor.Symbol, resolution vendor.Resolution, intervals int) ([]vendor.Candle, error)
}

// Reviewer 对非零信号进行复核。
type Reviewer interface {
	Review(ctx context.Context, snapshot ai.Snapshot) (ai.Review, error)
}

// Result 为单个代码的信号。
type Result struct {
	Symbol   string
	Score    float64
	Labels   []string
	Bars     int
	LatestAt time.Time
}

// Direction 返回 buy、sell 或 flat。
func (r Result) Direction() string {
	switch {
	case r.Score > 0:
		return "buy"
	case r.Score < 0:
		return "sell"
	default:
		return "flat"
	}
}

// Producer 计算信号得分。
type Producer struct {
	minBars    int
	multiplier int
	weights    map[string]float64
	calc       *indicator.Calculator
	reviewer   Reviewer
	logger     *zap.Logger
	now        func() time.Time
}

// Option 调整 Producer。
type Option func(*Producer)

// WithClock 替换时钟。
func WithClock(now func() time.Time) Option {
	return func(p *Producer) {
		p.now = now
	}
}

// WithReviewer 启用模型复核。
func WithReviewer(reviewer Reviewer) Option {
	return func(p *Producer) {
		p.reviewer = reviewer
	}
}

// NewProducer 创建信号生成器。
func NewProducer(cfg config.SignalConfig, logger *zap.Logger, opts ...Option) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Producer{
		minBars:    cfg.MinBars,
		multiplier: cfg.StalenessMultiplier,
		weights:    make(map[string]float64, len(DefaultWeights)),
		calc:       indicator.NewCalculator(),
		logger:     logger.With(zap.String("component", "signal")),
		now:        time.Now,
	}
	if p.minBars <= 0 {
		p.minBars = defaultMinBars
	}
	if p.multiplier <= 0 {
		p.multiplier = defaultMultiplier
	}
	for name, weight := range DefaultWeights {
		p.weights[name] = weight
	}
	for name, weight := range cfg.Weights {
		p.weights[name] = weight
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Produce 拉取K线并计算信号。K线不足或过旧返回对应错误，供应商无数据返回 vendor.ErrNoData。
func (p *Producer) Produce(ctx context.Context, source HistorySource, symbol vendor.Symbol, resolution vendor.Resolution, intervals int) (Result, error) {
	candles, err := source.PriceHistory(ctx, symbol, resolution, intervals)
	if err != nil {
		return Result{}, err
	}
	return p.Evaluate(ctx, symbol.Name, resolution, candles)
}

// Evaluate 对已获取的K线计算信号。
func (p *Producer) Evaluate(ctx context.Context, name string, resolution vendor.Resolution, candles []vendor.Candle) (Result, error) {
	if len(candles) < p.minBars {
		return Result{}, fmt.Errorf("%w: %s 仅有 %d 根K线，至少需要 %d 根", ErrInsufficientBars, name, len(candles), p.minBars)
	}
	sorted := make([]vendor.Candle, len(candles))
	copy(sorted, candles)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	latest := sorted[len(sorted)-1].Timestamp
	if !latest.IsZero() && !p.fresh(latest, resolution) {
		return Result{}, fmt.Errorf("%w: %s 最新K线时间 %s", ErrStale, name, latest.Format(time.RFC3339))
	}

	ind, err := p.calc.Compute(name+":"+resolution.String(), sorted)
	if err != nil {
		return Result{}, err
	}

	result := Result{Symbol: name, Bars: len(sorted), LatestAt: latest}
	for _, sub := range subSignals(ind) {
		if sub.value == 0 {
			continue
		}
		weight := p.weights[sub.name]
		if weight == 0 {
			continue
		}
		result.Score += sub.value * weight
		result.Labels = append(result.Labels, sub.label)
	}

	if p.reviewer != nil && result.Score != 0 {
		result = p.review(ctx, result, resolution, ind)
	}

	metrics.Signals.WithLabelValues(result.Direction()).Inc()
	p.logger.Debug("信号计算完成",
		zap.String("symbol", name),
		zap.Float64("score", result.Score),
		zap.Strings("labels", result.Labels),
		zap.Int("bars", result.Bars),
	)
	return result, nil
}

// fresh 判断最新K线是否在允许的时效内。
// 日线及以上允许相差 1 个自然日，周一允许 3 天；分钟线允许 周期×倍数。
func (p *Producer) fresh(latest time.Time, resolution vendor.Resolution) bool {
	now := p.now()
	if resolution.Categorical() {
		loc := now.Location()
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
		l := latest.In(loc)
		barDay := time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, loc)
		days := int(today.Sub(barDay).Hours() / 24)
		allowed := 1
		if now.Weekday() == time.Monday {
			allowed = 3
		}
		return days <= allowed
	}
	return now.Sub(latest) <= resolution.Duration()*time.Duration(p.multiplier)
}

func (p *Producer) review(ctx context.Context, result Result, resolution vendor.Resolution, ind indicator.Result) Result {
	snapshot := ai.Snapshot{
		Symbol:     result.Symbol,
		Resolution: resolution.String(),
		Score:      result.Score,
		Labels:     result.Labels,
		Indicators: map[string]float64{
			"rsi":            ind.RSI,
			"macd":           ind.MACD.Value,
			"macd_signal":    ind.MACD.Signal,
			"macd_histogram": ind.MACD.Histogram,
			"ema12":          ind.EMA12,
			"ema26":          ind.EMA26,
			"ema50":          ind.EMA50,
			"bb_upper":       ind.Bollinger.Upper,
			"bb_lower":       ind.Bollinger.Lower,
			"bb_position":    ind.Bollinger.Position,
			"atr_relative":   ind.ATR.Relative,
			"adx":            ind.ADX,
			"volume_ratio":   ind.Volume.Ratio,
		},
		Closes: indicator.SliceTail(ind.Series.Close, reviewCloses),
	}

	review, err := p.reviewer.Review(ctx, snapshot)
	if err != nil {
		p.logger.Warn("模型复核失败，保留原信号", zap.String("symbol", result.Symbol), zap.Error(err))
		return result
	}
	if review.Vetoed() {
		p.logger.Info("模型否决信号",
			zap.String("symbol", result.Symbol),
			zap.Float64("score", result.Score),
			zap.String("reasoning", review.Reasoning),
		)
		result.Score = 0
		result.Labels = append(result.Labels, "ai_veto")
	}
	return result
}
