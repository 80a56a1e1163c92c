package trader

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"autotrader/internal/monitor"
	"autotrader/internal/signal"
	"autotrader/internal/vendors"
)

const randomPrefix = "_RANDOM_"

// randomCount 解析 _random_N 占位符。
func randomCount(name string) (int, bool) {
	upper := strings.ToUpper(name)
	if !strings.HasPrefix(upper, randomPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(upper[len(randomPrefix):])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// pickRandom 从交易所代码表中随机抽取 n 个未配置的代码。
func pickRandom(rnd *rand.Rand, n int, listing map[string]vendor.Symbol, exclude []string) []vendor.Symbol {
	excluded := make(map[string]struct{}, len(exclude))
	for _, name := range exclude {
		excluded[name] = struct{}{}
	}
	names := make([]string, 0, len(listing))
	for name := range listing {
		if _, skip := excluded[name]; skip {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	rnd.Shuffle(len(names), func(i, j int) {
		names[i], names[j] = names[j], names[i]
	})
	if n > len(names) {
		n = len(names)
	}
	picked := make([]vendor.Symbol, 0, n)
	for _, name := range names[:n] {
		picked = append(picked, listing[name])
	}
	return picked
}

// universe 生成买入候选：开市交易所中配置的代码，加上随机抽取的代码。
func (t *Trader) universe(ctx context.Context) []vendor.Symbol {
	symbols := make([]vendor.Symbol, 0)
	logged := make(map[string]struct{})

	for _, code := range t.cfg.ExchangeCodes() {
		if !t.exchangeOpen(code, logged) {
			continue
		}
		names := t.cfg.ExchangeSymbols(code)

		listing, err := t.market.ListSymbols(ctx, code, symbolType)
		if err != nil {
			t.logger.Warn("无法获取交易所代码表，改为逐个查找", zap.String("exchange", code), zap.Error(err))
			listing = nil
		}
		stale := false

		for _, name := range names {
			if n, ok := randomCount(name); ok {
				if listing == nil {
					t.logger.Warn("行情供应商未提供代码表，无法抽取随机代码", zap.String("exchange", code))
					continue
				}
				picked := pickRandom(t.rnd, n, listing, names)
				pickedNames := make([]string, 0, len(picked))
				for i := range picked {
					picked[i].Exchange = code
					pickedNames = append(pickedNames, picked[i].Name)
				}
				t.logger.Info("加入随机代码", zap.String("exchange", code), zap.Strings("symbols", pickedNames))
				symbols = append(symbols, picked...)
				continue
			}

			if listing != nil {
				symbol, ok := listing[name]
				if !ok {
					t.logger.Error("交易所中找不到代码，跳过", zap.String("exchange", code), zap.String("symbol", name))
					stale = true
					continue
				}
				symbol.Exchange = code
				symbols = append(symbols, symbol)
				continue
			}

			symbol, err := t.market.LookupSymbol(ctx, name)
			if err != nil {
				t.logger.Error("查找代码失败，跳过", zap.String("symbol", name), zap.Error(err))
				continue
			}
			symbol.Exchange = code
			symbols = append(symbols, symbol)
		}

		// 缓存的代码表缺少配置的代码时可能已过时，下次运行重新读取。
		if stale {
			if invalidator, ok := t.market.(vendor.SymbolCacheInvalidator); ok {
				invalidator.InvalidateSymbols()
			}
		}
	}
	return symbols
}

// evaluate 计算信号，无数据、K线不足或过旧时跳过代码，不视为错误。
func (t *Trader) evaluate(ctx context.Context, symbol vendor.Symbol, side vendor.Side) (signal.Result, bool) {
	result, err := t.signals.Produce(ctx, t.market, symbol, t.resolution, t.cfg.CandlestickIntervals)
	switch {
	case err == nil:
	case errors.Is(err, vendor.ErrNoData):
		t.logger.Warn("无K线数据，跳过代码", zap.String("symbol", symbol.Name), zap.Error(err))
		return signal.Result{}, false
	case errors.Is(err, signal.ErrInsufficientBars), errors.Is(err, signal.ErrStale):
		t.logger.Info("K线不满足要求，跳过代码", zap.String("symbol", symbol.Name), zap.Error(err))
		return signal.Result{}, false
	default:
		t.logger.Error("计算信号失败", zap.String("symbol", symbol.Name), zap.Error(err))
		t.recorder.RecordError(ctx, t.name, "计算信号失败", err, map[string]interface{}{"symbol": symbol.Name})
		return signal.Result{}, false
	}

	if result.Score == 0 {
		t.logger.Info("未识别到信号", zap.String("symbol", symbol.Name))
		return result, false
	}

	t.logger.Info("识别到信号",
		zap.String("symbol", symbol.Name),
		zap.String("candidate", string(side)),
		zap.Float64("score", result.Score),
		zap.Strings("labels", result.Labels),
	)
	t.recorder.RecordSignal(ctx, t.name, monitor.SignalPayload{
		Symbol: symbol.Name,
		Side:   result.Direction(),
		Score:  result.Score,
		Labels: result.Labels,
	})
	return result, true
}
