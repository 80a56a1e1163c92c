package indicator

import (
	"container/list"
	"errors"
	"fmt"
	"math"
	"sync"

	talib "github.com/markcheno/go-talib"

	"autotrader/internal/vendors"
)

// 各指标所需的最少K线数量，go-talib 在输入不足时会越界。
const (
	emaFastPeriod  = 12
	emaSlowPeriod  = 26
	emaTrendPeriod = 50
	macdSignal     = 9
	bbandsPeriod   = 20
	rsiPeriod      = 14
	atrPeriod      = 14
	adxPeriod      = 14
	volumePeriod   = 20
)

// ErrNoCandles 表示输入K线为空。
var ErrNoCandles = errors.New("indicator: 输入K线为空")

// MACDResult 保存 MACD 关键值。
type MACDResult struct {
	Value         float64
	Signal        float64
	Histogram     float64
	PrevHistogram float64
}

// BollingerResult 保存布林带数据。
type BollingerResult struct {
	Upper     float64
	Middle    float64
	Lower     float64
	Bandwidth float64
	Position  float64
}

// ATRResult 保存 ATR 指标。
type ATRResult struct {
	Absolute     float64
	Relative     float64
	PrevAbsolute float64
}

// VolumeResult 保存成交量相关统计。
type VolumeResult struct {
	Current   float64
	Average20 float64
	Ratio     float64
}

// Result 为一次指标计算的汇总，K线不足的指标为 NaN。
type Result struct {
	Key           string
	Series        Series
	EMA12         float64
	EMA26         float64
	EMA50         float64
	PrevEMA12     float64
	PrevEMA26     float64
	MACD          MACDResult
	Bollinger     BollingerResult
	RSI           float64
	ATR           ATRResult
	ADX           float64
	Volume        VolumeResult
	Close         float64
	PreviousClose float64
}

// maxCacheEntries 限制缓存的代码数量，随机抽样会不断带来新代码。
const maxCacheEntries = 1024

type cacheEntry struct {
	key    string
	stamp  string
	result Result
}

// Calculator 提供技术指标计算，并按最近使用保留有限数量的结果。
type Calculator struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	cache    map[string]*list.Element
}

// NewCalculator 创建 Calculator。
func NewCalculator() *Calculator {
	return &Calculator{
		capacity: maxCacheEntries,
		order:    list.New(),
		cache:    make(map[string]*list.Element),
	}
}

// Compute 依据给定K线计算常用技术指标，key 通常为“代码:周期”。
// 同一 key 的最新K线未变化时直接返回缓存结果。
func (c *Calculator) Compute(key string, candles []vendor.Candle) (Result, error) {
	if len(candles) == 0 {
		return Result{}, fmt.Errorf("%s: %w", key, ErrNoCandles)
	}

	series := NewSeries(candles)
	if series.Len() == 0 {
		return Result{}, fmt.Errorf("%s: %w", key, ErrNoCandles)
	}
	stamp := fmt.Sprintf("%d:%d", series.Len(), series.Latest.Unix())

	c.mu.Lock()
	if elem, ok := c.cache[key]; ok {
		if entry := elem.Value.(*cacheEntry); entry.stamp == stamp {
			c.order.MoveToFront(elem)
			c.mu.Unlock()
			return entry.result, nil
		}
	}
	c.mu.Unlock()

	result := calculate(key, series)
	c.store(key, stamp, result)
	return result, nil
}

func (c *Calculator) store(key, stamp string, result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		elem.Value = &cacheEntry{key: key, stamp: stamp, result: result}
		c.order.MoveToFront(elem)
		return
	}
	c.cache[key] = c.order.PushFront(&cacheEntry{key: key, stamp: stamp, result: result})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.cache, oldest.Value.(*cacheEntry).key)
	}
}

// Len 返回缓存中的结果数量。
func (c *Calculator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func calculate(key string, series Series) Result {
	closePrices := series.Close
	n := len(closePrices)

	result := Result{
		Key:           key,
		Series:        series,
		EMA12:         math.NaN(),
		EMA26:         math.NaN(),
		EMA50:         math.NaN(),
		PrevEMA12:     math.NaN(),
		PrevEMA26:     math.NaN(),
		MACD:          MACDResult{Value: math.NaN(), Signal: math.NaN(), Histogram: math.NaN(), PrevHistogram: math.NaN()},
		Bollinger:     BollingerResult{Upper: math.NaN(), Middle: math.NaN(), Lower: math.NaN(), Position: math.NaN()},
		RSI:           math.NaN(),
		ATR:           ATRResult{Absolute: math.NaN(), Relative: math.NaN(), PrevAbsolute: math.NaN()},
		ADX:           math.NaN(),
		Close:         Last(closePrices),
		PreviousClose: Prev(closePrices),
	}

	if n > emaFastPeriod {
		ema12 := talib.Ema(closePrices, emaFastPeriod)
		result.EMA12, result.PrevEMA12 = Last(ema12), Prev(ema12)
	}
	if n > emaSlowPeriod {
		ema26 := talib.Ema(closePrices, emaSlowPeriod)
		result.EMA26, result.PrevEMA26 = Last(ema26), Prev(ema26)
	}
	if n > emaTrendPeriod {
		result.EMA50 = Last(talib.Ema(closePrices, emaTrendPeriod))
	}
	if n > emaSlowPeriod+macdSignal {
		macd, signal, hist := talib.Macd(closePrices, emaFastPeriod, emaSlowPeriod, macdSignal)
		result.MACD = buildMACD(macd, signal, hist)
	}
	if n >= bbandsPeriod {
		upper, middle, lower := talib.BBands(closePrices, bbandsPeriod, 2, 2, talib.EMA)
		result.Bollinger = buildBollinger(closePrices, upper, middle, lower)
	}
	if n > rsiPeriod {
		result.RSI = Last(talib.Rsi(closePrices, rsiPeriod))
	}
	if n > atrPeriod {
		atr := talib.Atr(series.High, series.Low, closePrices, atrPeriod)
		abs := Last(atr)
		result.ATR = ATRResult{Absolute: abs, Relative: SafeDivide(abs, result.Close), PrevAbsolute: Prev(atr)}
	}
	if n > 2*adxPeriod {
		result.ADX = Last(talib.Adx(series.High, series.Low, closePrices, adxPeriod))
	}

	volumeAvg := average(SliceTail(series.Volume, volumePeriod))
	volumeCurrent := Last(series.Volume)
	result.Volume = VolumeResult{Current: volumeCurrent, Average20: volumeAvg, Ratio: SafeDivide(volumeCurrent, volumeAvg)}

	return result
}

func buildMACD(macd, signal, hist []float64) MACDResult {
	return MACDResult{
		Value:         Last(macd),
		Signal:        Last(signal),
		Histogram:     Last(hist),
		PrevHistogram: Prev(hist),
	}
}

func buildBollinger(close, upper, middle, lower []float64) BollingerResult {
	u := Last(upper)
	m := Last(middle)
	l := Last(lower)
	histWidth := u - l
	bandwidth := SafeDivide(histWidth, m)

	position := 0.0
	if histWidth > 0 {
		position = SafeDivide(Last(close)-l, histWidth)
	}

	// 将位置限制在[0,1]区间，便于后续使用。
	position = math.Max(0, math.Min(1, position))

	return BollingerResult{
		Upper:     u,
		Middle:    m,
		Lower:     l,
		Bandwidth: bandwidth,
		Position:  position,
	}
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
