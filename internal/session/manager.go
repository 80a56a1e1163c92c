package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"autotrader/internal/metrics"
)

// Option 调整 Manager。
type Option func(*Manager)

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithStateGenerator 替换 OAuth state 生成函数。
func WithStateGenerator(gen func() string) Option {
	return func(m *Manager) {
		m.newState = gen
	}
}

// Manager 管理单个供应商的令牌生命周期。
//
// 同一时刻最多只有一个刷新或重新授权在进行，其余调用方等待并共享其结果。
// 每次续期前都会重新读取 store，同一令牌行被其他 Manager 轮换后直接采用新令牌。
type Manager struct {
	name      string
	store     TokenStore
	exchanger TokenExchanger
	callback  AuthorizationCallback
	logger    *zap.Logger

	now      func() time.Time
	newState func() string

	group singleflight.Group

	mu   sync.Mutex
	cred *Credential
	// rejected 为最近一次收到 401 的访问令牌，不再被采用。
	rejected string
}

// NewManager 创建会话管理器。store 为空时令牌只保存在内存中。
func NewManager(name string, store TokenStore, exchanger TokenExchanger, callback AuthorizationCallback, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		name:      name,
		store:     store,
		exchanger: exchanger,
		callback:  callback,
		logger:    logger.With(zap.String("vendor", name)),
		now:       time.Now,
		newState:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

const authKey = "auth"

// Credential 返回有效的令牌，必要时刷新或发起交互式授权。
func (m *Manager) Credential(ctx context.Context) (Credential, error) {
	m.mu.Lock()
	if m.cred != nil && !m.cred.AccessExpired(m.now()) {
		cred := *m.cred
		m.mu.Unlock()
		return cred, nil
	}
	m.mu.Unlock()

	// 加入的进行中续期可能在 Invalidate 之前开始，其结果若已被拒绝则再续期一次。
	for attempt := 0; attempt < 2; attempt++ {
		v, err, _ := m.group.Do(authKey, func() (interface{}, error) {
			return m.ensure(ctx)
		})
		if err != nil {
			return Credential{}, err
		}
		cred := v.(Credential)
		if !m.isRejected(cred.AccessToken) {
			return cred, nil
		}
	}
	return Credential{}, fmt.Errorf("%w: %s 令牌已被拒绝", ErrAuthExpired, m.name)
}

// AuthHeader 返回 Authorization 请求头，供 request.Executor 使用。
func (m *Manager) AuthHeader(ctx context.Context) (string, error) {
	cred, err := m.Credential(ctx)
	if err != nil {
		return "", err
	}
	return cred.Header(), nil
}

// Invalidate 丢弃收到 401 的令牌，下一次使用时重新授权。
//
// header 为被拒绝请求携带的认证头；内存中的令牌已经更换时不做处理，
// 避免并发的 401 让新令牌失效。header 为空时无条件失效。
func (m *Manager) Invalidate(header string) {
	m.mu.Lock()
	if m.cred == nil || (header != "" && m.cred.Header() != header) {
		m.mu.Unlock()
		m.logger.Debug("令牌已更换，忽略失效请求")
		return
	}
	m.rejected = m.cred.AccessToken
	m.cred = nil
	m.mu.Unlock()

	metrics.SessionEvents.WithLabelValues(m.name, "invalidate").Inc()
	m.logger.Info("会话已失效，下次请求将重新授权")
}

func (m *Manager) ensure(ctx context.Context) (Credential, error) {
	m.mu.Lock()
	cred := m.cred
	rejected := m.rejected
	m.mu.Unlock()

	if stored := m.load(ctx); adoptable(stored, cred, rejected) {
		if cred != nil {
			m.logger.Debug("采用已保存的较新令牌")
		}
		cred = stored
	}

	now := m.now()
	if cred != nil && !cred.AccessExpired(now) {
		m.set(cred)
		return *cred, nil
	}

	if cred != nil && !cred.RefreshExpired(now) {
		m.logger.Debug("访问令牌过期，使用刷新令牌续期",
			zap.Duration("age", now.Sub(cred.IssuedAt)),
		)
		refreshed, err := m.exchanger.Refresh(ctx, cred.RefreshToken)
		if err == nil {
			metrics.SessionEvents.WithLabelValues(m.name, "refresh").Inc()
			return m.install(ctx, refreshed), nil
		}
		m.logger.Warn("刷新令牌失败，转为交互式授权", zap.Error(err))
	}

	return m.authorize(ctx)
}

// adoptable 判断已保存的令牌是否应替换内存中的令牌。
func adoptable(stored, current *Credential, rejected string) bool {
	if stored == nil {
		return false
	}
	if rejected != "" && stored.AccessToken == rejected {
		return false
	}
	return current == nil || stored.IssuedAt.After(current.IssuedAt)
}

func (m *Manager) load(ctx context.Context) *Credential {
	if m.store == nil {
		return nil
	}
	stored, err := m.store.Token(ctx)
	if err != nil {
		m.logger.Warn("读取已保存令牌失败", zap.Error(err))
		return nil
	}
	return stored
}

func (m *Manager) isRejected(accessToken string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rejected != "" && accessToken == m.rejected
}

func (m *Manager) authorize(ctx context.Context) (Credential, error) {
	if m.callback == nil {
		return Credential{}, fmt.Errorf("%w: %s 需要重新授权", ErrAuthExpired, m.name)
	}

	state := m.newState()
	authURL := m.exchanger.AuthorizationURL(state)
	m.logger.Warn("需要交互式授权")

	redirect, err := m.callback.Authorize(ctx, authURL)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %w", ErrAuthExpired, err)
	}

	code, err := parseRedirect(redirect, state)
	if err != nil {
		return Credential{}, err
	}

	issued, err := m.exchanger.ExchangeCode(ctx, code)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: 交换授权码失败: %w", ErrAuthExpired, err)
	}

	metrics.SessionEvents.WithLabelValues(m.name, "authorize").Inc()
	m.logger.Info("交互式授权完成")
	return m.install(ctx, issued), nil
}

// install 记录签发时间并持久化，持久化失败只记录日志。
func (m *Manager) install(ctx context.Context, cred Credential) Credential {
	cred.IssuedAt = m.now()
	m.set(&cred)

	if m.store != nil {
		if err := m.store.StoreToken(ctx, cred); err != nil {
			m.logger.Error("保存令牌失败", zap.Error(err))
		}
	}
	return cred
}

// set 更新内存中的令牌，已被拒绝的令牌不会重新装入。
func (m *Manager) set(cred *Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rejected != "" && cred.AccessToken == m.rejected {
		return
	}
	m.cred = cred
}

func parseRedirect(redirect, state string) (string, error) {
	u, err := url.Parse(redirect)
	if err != nil {
		return "", fmt.Errorf("%w: 解析回调地址失败: %w", ErrAuthExpired, err)
	}
	params := u.Query()
	if got := params.Get("state"); got != state {
		return "", fmt.Errorf("%w: 期望 %q，实际 %q", ErrStateMismatch, state, got)
	}
	code := params.Get("code")
	if code == "" {
		reason := params.Get("error")
		if reason == "" {
			reason = "回调地址缺少 code"
		}
		return "", fmt.Errorf("%w: %w", ErrAuthExpired, errors.New(reason))
	}
	return code, nil
}
