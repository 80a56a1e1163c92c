package vendor

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Resolution 为 K 线周期：分钟数，或 D/W/M 分类周期。
type Resolution struct {
	minutes int
	period  string
}

// ParseResolution 解析配置中的周期字符串。
func ParseResolution(value string) (Resolution, error) {
	switch p := strings.ToUpper(strings.TrimSpace(value)); p {
	case "D", "W", "M":
		return Resolution{period: p}, nil
	}
	minutes, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || minutes <= 0 {
		return Resolution{}, fmt.Errorf("vendor: 无效的K线周期 %q", value)
	}
	return Resolution{minutes: minutes}, nil
}

// MustResolution 用于常量周期。
func MustResolution(value string) Resolution {
	r, err := ParseResolution(value)
	if err != nil {
		panic(err)
	}
	return r
}

// Categorical 判断是否为 D/W/M 周期。
func (r Resolution) Categorical() bool {
	return r.period != ""
}

// Period 返回 D/W/M，分钟周期返回空字符串。
func (r Resolution) Period() string {
	return r.period
}

// Minutes 返回周期的分钟数，M 按 30 天计。
func (r Resolution) Minutes() int {
	switch r.period {
	case "D":
		return 1440
	case "W":
		return 10080
	case "M":
		return 43200
	}
	return r.minutes
}

// Duration 返回单根 K 线的时长。
func (r Resolution) Duration() time.Duration {
	return time.Duration(r.Minutes()) * time.Minute
}

// Window 返回获取 intervals 根 K 线需要回溯的时长。
func (r Resolution) Window(intervals int) time.Duration {
	return r.Duration() * time.Duration(intervals)
}

func (r Resolution) String() string {
	if r.period != "" {
		return r.period
	}
	return strconv.Itoa(r.minutes)
}
