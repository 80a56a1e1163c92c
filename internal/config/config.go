package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "autotrader"
)

// Loader 持有 viper 实例，主循环每个周期通过它重新读取配置文件。
type Loader struct {
	v    *viper.Viper
	path string
}

// NewLoader 创建配置加载器。
func NewLoader(path string) *Loader {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	return &Loader{v: v, path: path}
}

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Load 重新读取配置文件，校验失败时返回错误且不影响调用方持有的旧配置。
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", l.path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyTraderDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Path 返回配置文件路径。
func (l *Loader) Path() string {
	return l.path
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("market_data.vendor", "finnhub")
	v.SetDefault("market_data.interval_delay", "0s")
	v.SetDefault("market_data.symbol_cache_ttl", "24h")

	v.SetDefault("signal.min_bars", 5)
	v.SetDefault("signal.staleness_multiplier", 2)
	v.SetDefault("signal.weights", map[string]float64{
		"rsi":       1.0,
		"macd":      1.0,
		"ema_cross": 0.5,
		"bollinger": 0.5,
	})
	v.SetDefault("signal.ai.enabled", false)
	v.SetDefault("signal.ai.base_url", "https://api.openai.com/v1")
	v.SetDefault("signal.ai.model", "gpt-4.1")
	v.SetDefault("signal.ai.timeout", "15s")

	v.SetDefault("currency.base_url", "https://api.frankfurter.app")
	v.SetDefault("currency.ttl", "24h")
	v.SetDefault("currency.timeout", "15s")

	v.SetDefault("database.path", "data/autotrader.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("scheduler.poll_interval", "1s")

	v.SetDefault("monitor.enabled", false)
	v.SetDefault("monitor.port", 9090)
}

// applyTraderDefaults 为列表中的交易实例补齐默认值，viper 的默认值无法作用于数组元素。
func applyTraderDefaults(cfg *Config) {
	for i := range cfg.Traders {
		t := &cfg.Traders[i]
		if t.OrderLifetime == 0 {
			t.OrderLifetime = defaultOrderLifetime
		}
		if t.CandlestickResolution == "" {
			t.CandlestickResolution = defaultResolution
		}
		if t.CandlestickIntervals == 0 {
			t.CandlestickIntervals = defaultIntervals
		}
		if t.PriceCheck.Days == 0 {
			t.PriceCheck.Days = defaultPriceCheckDays
		}
		if t.PriceCheck.MinOrders == 0 {
			t.PriceCheck.MinOrders = defaultPriceCheckMinOrders
		}
	}
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
