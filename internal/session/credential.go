package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAuthExpired 表示访问令牌与刷新令牌均不可用，且交互式授权失败或无法进行。
	ErrAuthExpired = errors.New("session: authorization expired")
	// ErrStateMismatch 表示回调地址中的 state 与请求时生成的不一致。
	ErrStateMismatch = errors.New("session: oauth state mismatch")
)

// Credential 为供应商签发的 OAuth2 令牌，IssuedAt 由 Manager 在签发或刷新时记录。
type Credential struct {
	AccessToken           string    `json:"access_token"`
	TokenType             string    `json:"token_type"`
	ExpiresIn             int64     `json:"expires_in"`
	RefreshToken          string    `json:"refresh_token"`
	RefreshTokenExpiresIn int64     `json:"refresh_token_expires_in"`
	BaseURI               string    `json:"base_uri"`
	IssuedAt              time.Time `json:"-"`
}

// AccessExpired 判断访问令牌是否过期。
func (c Credential) AccessExpired(now time.Time) bool {
	if c.AccessToken == "" || c.IssuedAt.IsZero() {
		return true
	}
	return now.Sub(c.IssuedAt) >= time.Duration(c.ExpiresIn)*time.Second
}

// RefreshExpired 判断刷新令牌是否过期。
func (c Credential) RefreshExpired(now time.Time) bool {
	if c.RefreshToken == "" || c.IssuedAt.IsZero() {
		return true
	}
	return now.Sub(c.IssuedAt) >= time.Duration(c.RefreshTokenExpiresIn)*time.Second
}

// Header 返回 Authorization 请求头的值。
func (c Credential) Header() string {
	tokenType := c.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return tokenType + " " + c.AccessToken
}

// TokenStore 持久化最近一次签发的令牌。
type TokenStore interface {
	// Token 返回已保存的令牌，不存在时返回 nil。
	Token(ctx context.Context) (*Credential, error)
	// StoreToken 原子地替换已保存的令牌。
	StoreToken(ctx context.Context, cred Credential) error
}

// TokenExchanger 与供应商的授权服务交互。
type TokenExchanger interface {
	AuthorizationURL(state string) string
	ExchangeCode(ctx context.Context, code string) (Credential, error)
	Refresh(ctx context.Context, refreshToken string) (Credential, error)
}
