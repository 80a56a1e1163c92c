package exchange

import "errors"

var (
	// ErrUnknownExchange 表示交易所没有配置开市时间，上层应记录并跳过。
	ErrUnknownExchange = errors.New("exchange: unknown exchange")
)
