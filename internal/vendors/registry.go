package vendor

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"autotrader/internal/config"
	"autotrader/internal/session"
)

// Deps 为构造供应商客户端时注入的依赖。
type Deps struct {
	Logger *zap.Logger
	// Tokens 按供应商名称返回令牌存储，OAuth 供应商使用。
	Tokens func(vendor string) (session.TokenStore, error)
	// Authorize 为交互式授权回调。
	Authorize session.AuthorizationCallback
	// Sessions 按 key 返回共享的会话管理器，不存在时调用 build 创建。
	Sessions func(key string, build func() *session.Manager) *session.Manager
	// HTTPClient 非空时替换默认客户端，测试使用。
	HTTPClient *http.Client
}

// Session 返回 key 对应的会话管理器，未配置 Sessions 时每次新建。
func (d Deps) Session(key string, build func() *session.Manager) *session.Manager {
	if d.Sessions == nil {
		return build()
	}
	return d.Sessions(key, build)
}

// MarketFactory 根据配置构造行情客户端。
type MarketFactory func(cfg config.VendorConfig, deps Deps) (Market, error)

// BrokerFactory 根据配置构造券商客户端。
type BrokerFactory func(cfg config.VendorConfig, deps Deps) (Broker, error)

// Registry 按名称查找供应商实现。
type Registry struct {
	mu      sync.RWMutex
	markets map[string]MarketFactory
	brokers map[string]BrokerFactory
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{
		markets: make(map[string]MarketFactory),
		brokers: make(map[string]BrokerFactory),
	}
}

// RegisterMarket 注册行情供应商。
func (r *Registry) RegisterMarket(name string, factory MarketFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markets[strings.ToLower(name)] = factory
}

// RegisterBroker 注册券商。
func (r *Registry) RegisterBroker(name string, factory BrokerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.brokers[strings.ToLower(name)] = factory
}

// Market 构造 cfg.Vendor 对应的行情客户端。
func (r *Registry) Market(cfg config.VendorConfig, deps Deps) (Market, error) {
	r.mu.RLock()
	factory, ok := r.markets[strings.ToLower(cfg.Vendor)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: market %q (可用: %s)", ErrUnknownVendor, cfg.Vendor, strings.Join(r.marketNames(), ", "))
	}
	return factory(cfg, deps)
}

// Broker 构造 cfg.Vendor 对应的券商客户端。
func (r *Registry) Broker(cfg config.VendorConfig, deps Deps) (Broker, error) {
	r.mu.RLock()
	factory, ok := r.brokers[strings.ToLower(cfg.Vendor)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: broker %q (可用: %s)", ErrUnknownVendor, cfg.Vendor, strings.Join(r.brokerNames(), ", "))
	}
	return factory(cfg, deps)
}

func (r *Registry) marketNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.markets)
}

func (r *Registry) brokerNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.brokers)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
