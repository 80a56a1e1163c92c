package signal

import "autotrader/internal/indicator"

const (
	rsiOversold   = 30
	rsiOverbought = 70
)

type subSignal struct {
	name  string
	label string
	value float64
}

// subSignals 计算各子信号，取值为 +1、-1 或 0。未计算的指标为 NaN，比较结果恒为假。
func subSignals(ind indicator.Result) []subSignal {
	return []subSignal{
		rsiSignal(ind),
		macdSignal(ind),
		emaCrossSignal(ind),
		bollingerSignal(ind),
	}
}

func rsiSignal(ind indicator.Result) subSignal {
	switch {
	case ind.RSI < rsiOversold:
		return subSignal{name: SubRSI, label: "rsi_oversold", value: 1}
	case ind.RSI > rsiOverbought:
		return subSignal{name: SubRSI, label: "rsi_overbought", value: -1}
	}
	return subSignal{name: SubRSI}
}

func macdSignal(ind indicator.Result) subSignal {
	m := ind.MACD
	switch {
	case m.PrevHistogram <= 0 && m.Histogram > 0:
		return subSignal{name: SubMACD, label: "macd_bullish_cross", value: 1}
	case m.PrevHistogram >= 0 && m.Histogram < 0:
		return subSignal{name: SubMACD, label: "macd_bearish_cross", value: -1}
	}
	return subSignal{name: SubMACD}
}

func emaCrossSignal(ind indicator.Result) subSignal {
	switch {
	case ind.PrevEMA12 <= ind.PrevEMA26 && ind.EMA12 > ind.EMA26:
		return subSignal{name: SubEMACross, label: "ema_golden_cross", value: 1}
	case ind.PrevEMA12 >= ind.PrevEMA26 && ind.EMA12 < ind.EMA26:
		return subSignal{name: SubEMACross, label: "ema_death_cross", value: -1}
	}
	return subSignal{name: SubEMACross}
}

func bollingerSignal(ind indicator.Result) subSignal {
	b := ind.Bollinger
	switch {
	case ind.Close < b.Lower:
		return subSignal{name: SubBollinger, label: "bollinger_below_lower", value: 1}
	case ind.Close > b.Upper:
		return subSignal{name: SubBollinger, label: "bollinger_above_upper", value: -1}
	}
	return subSignal{name: SubBollinger}
}
