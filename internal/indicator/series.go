package indicator

import (
	"math"
	"time"

	"autotrader/internal/vendors"
)

// Series 为按时间升序排列的 HLCV 序列，go-talib 的输入。
type Series struct {
	High   []float64
	Low    []float64
	Close  []float64
	Volume []float64
	// Latest 为最后一根有效K线的时间。
	Latest time.Time
}

// NewSeries 从供应商K线创建 Series，调用方保证按时间升序排列。
// 收盘价非正或非有限值的K线视为供应商缺失数据，直接丢弃。
func NewSeries(candles []vendor.Candle) Series {
	series := Series{
		High:   make([]float64, 0, len(candles)),
		Low:    make([]float64, 0, len(candles)),
		Close:  make([]float64, 0, len(candles)),
		Volume: make([]float64, 0, len(candles)),
	}
	for _, candle := range candles {
		if !(candle.Close > 0) || math.IsInf(candle.Close, 0) {
			continue
		}
		series.High = append(series.High, candle.High)
		series.Low = append(series.Low, candle.Low)
		series.Close = append(series.Close, candle.Close)
		series.Volume = append(series.Volume, candle.Volume)
		series.Latest = candle.Timestamp.UTC()
	}
	return series
}

// Len 返回有效K线数量。
func (s Series) Len() int {
	return len(s.Close)
}

// Last 返回最后一个值，空序列返回 NaN。
func Last(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}

// Prev 返回倒数第二个值，不足两个时返回 NaN。
func Prev(values []float64) float64 {
	if len(values) < 2 {
		return math.NaN()
	}
	return values[len(values)-2]
}

// SliceTail 复制末尾 n 个值。
func SliceTail(values []float64, n int) []float64 {
	if n <= 0 || len(values) == 0 {
		return nil
	}
	if n > len(values) {
		n = len(values)
	}
	return append([]float64(nil), values[len(values)-n:]...)
}

// SafeDivide 除数为0时返回0。
func SafeDivide(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
