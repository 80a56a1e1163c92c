package config

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App        AppConfig       `mapstructure:"app"`
	MarketData VendorConfig    `mapstructure:"market_data"`
	Traders    []TraderConfig  `mapstructure:"traders"`
	Signal     SignalConfig    `mapstructure:"signal"`
	Currency   CurrencyConfig  `mapstructure:"currency"`
	Database   DatabaseConfig  `mapstructure:"database"`
	Logging    LoggingConfig   `mapstructure:"logging"`
	Scheduler  SchedulerConfig `mapstructure:"scheduler"`
	Monitor    MonitorConfig   `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// VendorConfig 描述券商或行情数据供应商的连接参数，不同供应商只使用其中一部分字段。
type VendorConfig struct {
	Vendor        string        `mapstructure:"vendor"`
	APIKey        string        `mapstructure:"api_key"`
	AppKey        string        `mapstructure:"app_key"`
	AppSecret     string        `mapstructure:"app_secret"`
	RedirectURI   string        `mapstructure:"redirect_uri"`
	SimMode       bool          `mapstructure:"sim_mode"`
	AccountID     string        `mapstructure:"account_id"`
	GatewayURL    string        `mapstructure:"gateway_url"`
	GatewayPort   int           `mapstructure:"gateway_port"`
	BaseURL       string        `mapstructure:"base_url"`
	IntervalDelay time.Duration `mapstructure:"interval_delay"`
	Timeout       time.Duration `mapstructure:"timeout"`

	// SymbolCacheTTL 为代码表缓存有效期，0 使用默认值。
	SymbolCacheTTL time.Duration `mapstructure:"symbol_cache_ttl"`
}

// TraderConfig 描述单个交易实例。
type TraderConfig struct {
	Name                  string              `mapstructure:"name"`
	Broker                VendorConfig        `mapstructure:"broker"`
	Buy                   *bool               `mapstructure:"buy"`
	Sell                  *bool               `mapstructure:"sell"`
	BuyFraction           float64             `mapstructure:"buy_fraction"`
	MinBuyAmount          float64             `mapstructure:"min_buy_amount"`
	MaxBuyAmount          float64             `mapstructure:"max_buy_amount"`
	MinBrokerCashBalance  float64             `mapstructure:"min_broker_cash_balance"`
	MaxPositionValue      float64             `mapstructure:"max_position_value"`
	OrderLifetime         time.Duration       `mapstructure:"order_lifetime"`
	SleepDuration         time.Duration       `mapstructure:"sleep_duration"`
	CandlestickResolution string              `mapstructure:"candlestick_resolution"`
	CandlestickIntervals  int                 `mapstructure:"candlestick_intervals"`
	ProfitCheck           ProfitCheckConfig   `mapstructure:"profit_check"`
	PriceCheck            PriceCheckConfig    `mapstructure:"price_check"`
	Exchanges             map[string][]string `mapstructure:"exchanges"`
}

// ProfitCheckConfig 控制卖出前的盈利门槛。
type ProfitCheckConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	MinProfitFraction float64 `mapstructure:"min_profit_fraction"`
}

// PriceCheckConfig 控制与近期均价的比较。
type PriceCheckConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	Days      int  `mapstructure:"days"`
	MinOrders int  `mapstructure:"min_orders"`
}

// SignalConfig 控制信号评分。
type SignalConfig struct {
	MinBars             int                `mapstructure:"min_bars"`
	StalenessMultiplier int                `mapstructure:"staleness_multiplier"`
	Weights             map[string]float64 `mapstructure:"weights"`
	AI                  AIConfig           `mapstructure:"ai"`
}

// AIConfig 描述大模型复核参数。
type AIConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// CurrencyConfig 控制汇率查询。
type CurrencyConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	TTL     time.Duration `mapstructure:"ttl"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// SchedulerConfig 控制主循环节奏。
type SchedulerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// MonitorConfig 控制监控接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// ExchangeCodes 返回按字母排序的交易所代码（统一为大写）。
func (t TraderConfig) ExchangeCodes() []string {
	codes := make([]string, 0, len(t.Exchanges))
	for code := range t.Exchanges {
		codes = append(codes, strings.ToUpper(code))
	}
	sort.Strings(codes)
	return codes
}

// ExchangeSymbols 返回指定交易所配置的代码列表。
// viper 会把 map 键转为小写，这里忽略大小写查找。
func (t TraderConfig) ExchangeSymbols(code string) []string {
	for key, symbols := range t.Exchanges {
		if strings.EqualFold(key, code) {
			return symbols
		}
	}
	return nil
}

// SymbolNames 返回所有交易所中配置的代码（含 _random_N 占位符）。
func (t TraderConfig) SymbolNames() []string {
	names := make([]string, 0)
	for _, code := range t.ExchangeCodes() {
		names = append(names, t.ExchangeSymbols(code)...)
	}
	return names
}

// BuyEnabled 未配置时默认允许买入。
func (t TraderConfig) BuyEnabled() bool {
	return t.Buy == nil || *t.Buy
}

// SellEnabled 未配置时默认允许卖出。
func (t TraderConfig) SellEnabled() bool {
	return t.Sell == nil || *t.Sell
}

// Label 返回用于日志的交易实例名称。
func (t TraderConfig) Label() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Broker.Vendor
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.MarketData.Vendor == "" {
		err = multierr.Append(err, errors.New("market_data.vendor 不能为空"))
	}
	if c.MarketData.IntervalDelay < 0 {
		err = multierr.Append(err, errors.New("market_data.interval_delay 不能为负"))
	}
	if c.MarketData.SymbolCacheTTL < 0 {
		err = multierr.Append(err, errors.New("market_data.symbol_cache_ttl 不能为负"))
	}
	for i, trader := range c.Traders {
		err = multierr.Append(err, trader.validate(fmt.Sprintf("traders[%d]", i)))
	}
	if c.Signal.MinBars < 1 {
		err = multierr.Append(err, errors.New("signal.min_bars 必须大于0"))
	}
	if c.Signal.StalenessMultiplier < 1 {
		err = multierr.Append(err, errors.New("signal.staleness_multiplier 必须大于0"))
	}
	if c.Signal.AI.Enabled {
		if c.Signal.AI.APIKey == "" {
			err = multierr.Append(err, errors.New("signal.ai.api_key 不能为空"))
		}
		if c.Signal.AI.Model == "" {
			err = multierr.Append(err, errors.New("signal.ai.model 不能为空"))
		}
		if c.Signal.AI.Timeout <= 0 {
			err = multierr.Append(err, errors.New("signal.ai.timeout 必须大于0"))
		}
	}
	if c.Currency.BaseURL == "" {
		err = multierr.Append(err, errors.New("currency.base_url 不能为空"))
	}
	if c.Currency.TTL <= 0 {
		err = multierr.Append(err, errors.New("currency.ttl 必须大于0"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Scheduler.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.poll_interval 必须大于0"))
	}
	if c.Monitor.Enabled && (c.Monitor.Port < 1 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, fmt.Errorf("monitor.port 必须位于[1,65535]，当前为 %d", c.Monitor.Port))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

func (t TraderConfig) validate(prefix string) error {
	var err error

	if t.Broker.Vendor == "" {
		err = multierr.Append(err, fmt.Errorf("%s.broker.vendor 不能为空", prefix))
	}
	if t.BuyFraction <= 0 || t.BuyFraction > 1 {
		err = multierr.Append(err, fmt.Errorf("%s.buy_fraction 必须位于(0,1]", prefix))
	}
	if t.MinBuyAmount < 0 {
		err = multierr.Append(err, fmt.Errorf("%s.min_buy_amount 不能为负", prefix))
	}
	if t.MaxBuyAmount < 0 {
		err = multierr.Append(err, fmt.Errorf("%s.max_buy_amount 不能为负", prefix))
	}
	if t.MaxBuyAmount > 0 && t.MaxBuyAmount < t.MinBuyAmount {
		err = multierr.Append(err, fmt.Errorf("%s.max_buy_amount 不能小于 min_buy_amount", prefix))
	}
	if t.MaxPositionValue < 0 {
		err = multierr.Append(err, fmt.Errorf("%s.max_position_value 不能为负", prefix))
	}
	if t.OrderLifetime <= 0 {
		err = multierr.Append(err, fmt.Errorf("%s.order_lifetime 必须大于0", prefix))
	}
	if t.SleepDuration < time.Minute {
		err = multierr.Append(err, fmt.Errorf("%s.sleep_duration 不应小于1分钟", prefix))
	}
	if !validResolution(t.CandlestickResolution) {
		err = multierr.Append(err, fmt.Errorf("%s.candlestick_resolution 无效: %q", prefix, t.CandlestickResolution))
	}
	if t.CandlestickIntervals <= 0 {
		err = multierr.Append(err, fmt.Errorf("%s.candlestick_intervals 必须大于0", prefix))
	}
	if t.ProfitCheck.MinProfitFraction < 0 {
		err = multierr.Append(err, fmt.Errorf("%s.profit_check.min_profit_fraction 不能为负", prefix))
	}
	if t.PriceCheck.Enabled && t.PriceCheck.Days <= 0 {
		err = multierr.Append(err, fmt.Errorf("%s.price_check.days 必须大于0", prefix))
	}
	if len(t.Exchanges) == 0 {
		err = multierr.Append(err, fmt.Errorf("%s.exchanges 至少包含一个交易所", prefix))
	}

	return err
}

func validResolution(value string) bool {
	switch strings.ToUpper(value) {
	case "D", "W", "M":
		return true
	}
	minutes, err := strconv.Atoi(value)
	return err == nil && minutes > 0
}
