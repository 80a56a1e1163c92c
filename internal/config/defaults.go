package config

import "time"

// 交易实例的默认参数。
const (
	defaultOrderLifetime       = 120 * time.Second
	defaultResolution          = "5"
	defaultIntervals           = 50
	defaultPriceCheckDays      = 7
	defaultPriceCheckMinOrders = 5
)
