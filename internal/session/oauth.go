package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"autotrader/internal/request"
)

// OAuth2Config 描述授权码流程的端点与应用凭据。
type OAuth2Config struct {
	AuthURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// OAuth2Client 通过 request.Executor 访问令牌端点，令牌请求与普通请求共享重试策略。
type OAuth2Client struct {
	cfg  OAuth2Config
	exec *request.Executor
}

// NewOAuth2Client 创建令牌客户端。
func NewOAuth2Client(cfg OAuth2Config, exec *request.Executor) *OAuth2Client {
	return &OAuth2Client{cfg: cfg, exec: exec}
}

// AuthorizationURL 构造用户需要打开的授权地址。
func (c *OAuth2Client) AuthorizationURL(state string) string {
	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", c.cfg.ClientID)
	params.Set("state", state)
	params.Set("redirect_uri", c.cfg.RedirectURI)
	return c.cfg.AuthURL + "?" + params.Encode()
}

// ExchangeCode 用授权码换取令牌。
func (c *OAuth2Client) ExchangeCode(ctx context.Context, code string) (Credential, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("redirect_uri", c.cfg.RedirectURI)
	form.Set("code", code)
	return c.token(ctx, "oauth_code", form)
}

// Refresh 使用刷新令牌续期。
func (c *OAuth2Client) Refresh(ctx context.Context, refreshToken string) (Credential, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("redirect_uri", c.cfg.RedirectURI)
	return c.token(ctx, "oauth_refresh", form)
}

func (c *OAuth2Client) token(ctx context.Context, operation string, form url.Values) (Credential, error) {
	var cred Credential
	err := c.exec.DoJSON(ctx, request.Request{
		Operation:       operation,
		Method:          http.MethodPost,
		URL:             c.cfg.TokenURL,
		Form:            form,
		BasicAuth:       &request.BasicAuth{Username: c.cfg.ClientID, Password: c.cfg.ClientSecret},
		Unauthenticated: true,
	}, &cred)
	if err != nil {
		return Credential{}, fmt.Errorf("session: 获取令牌失败: %w", err)
	}
	if cred.AccessToken == "" {
		return Credential{}, errors.New("session: 令牌响应缺少 access_token")
	}
	return cred, nil
}
