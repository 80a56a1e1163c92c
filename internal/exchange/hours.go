// Package exchange 维护交易所开市时间。
package exchange

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // 容器内可能缺少时区数据库。
)

// Session 为交易所单日开市时段（当地时间，左闭右开）。
type Session struct {
	Location *time.Location
	Open     time.Duration
	Close    time.Duration
	Weekdays []time.Weekday
}

func (s Session) contains(t time.Time) bool {
	local := t.In(s.Location)
	weekday := false
	for _, d := range s.Weekdays {
		if local.Weekday() == d {
			weekday = true
			break
		}
	}
	if !weekday {
		return false
	}
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.Location)
	offset := local.Sub(midnight)
	return offset >= s.Open && offset < s.Close
}

var weekdays = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}

func clock(hour, minute int) time.Duration {
	return time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute
}

// DefaultSessions 返回内置交易所时段，US 为 NASDAQ 的别名。
func DefaultSessions() map[string]Session {
	newYork := mustLocation("America/New_York")
	oslo := mustLocation("Europe/Oslo")
	us := Session{Location: newYork, Open: clock(9, 30), Close: clock(16, 0), Weekdays: weekdays}
	return map[string]Session{
		"NASDAQ": us,
		"NYSE":   us,
		"US":     us,
		"OSE":    {Location: oslo, Open: clock(7, 0), Close: clock(14, 20), Weekdays: weekdays},
	}
}

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("exchange: 加载时区 %s 失败: %v", name, err))
	}
	return loc
}

// Calendar 判断交易所是否开市。
type Calendar struct {
	sessions map[string]Session
	now      func() time.Time
}

// Option 调整 Calendar。
type Option func(*Calendar)

// WithClock 替换时钟，便于测试。
func WithClock(now func() time.Time) Option {
	return func(c *Calendar) {
		c.now = now
	}
}

// WithSession 新增或覆盖交易所时段。
func WithSession(code string, session Session) Option {
	return func(c *Calendar) {
		c.sessions[strings.ToUpper(code)] = session
	}
}

// NewCalendar 创建带内置时段的日历。
func NewCalendar(opts ...Option) *Calendar {
	c := &Calendar{sessions: DefaultSessions(), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsOpen 判断交易所当前是否开市，未知交易所返回 ErrUnknownExchange。
func (c *Calendar) IsOpen(code string) (bool, error) {
	return c.IsOpenAt(code, c.now())
}

// IsOpenAt 判断交易所在 t 时刻是否开市。
func (c *Calendar) IsOpenAt(code string, t time.Time) (bool, error) {
	session, ok := c.sessions[strings.ToUpper(code)]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownExchange, code)
	}
	return session.contains(t), nil
}
