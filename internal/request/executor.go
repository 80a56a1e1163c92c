package request

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"autotrader/internal/metrics"
)

// AuthProvider 为请求提供认证头，并在收到 401 时使会话失效。
type AuthProvider interface {
	AuthHeader(ctx context.Context) (string, error)
	Invalidate(header string)
}

// RateLimitDetector 判断 2xx 响应体中是否包含供应商自定义的限流信号。
type RateLimitDetector func(resp *Response) bool

// Config 描述单个供应商的请求策略。
type Config struct {
	Name               string
	Timeout            time.Duration
	RetryStatusCodes   []int
	Retries            int
	RetryDelay         time.Duration
	RateLimitCooldown  time.Duration
	InsecureSkipVerify bool
}

// DefaultConfig 返回默认请求策略：60 秒超时，可重试状态最多重试 2 次，间隔 5 秒，限流冷却 2 分钟。
func DefaultConfig(name string) Config {
	return Config{
		Name:              name,
		Timeout:           60 * time.Second,
		Retries:           2,
		RetryDelay:        5 * time.Second,
		RateLimitCooldown: 2 * time.Minute,
	}
}

// BasicAuth 为请求设置 HTTP Basic 认证。
type BasicAuth struct {
	Username string
	Password string
}

// Request 描述一次逻辑请求，重试时请求体保持不变。
type Request struct {
	Operation       string
	Method          string
	URL             string
	Query           url.Values
	Form            url.Values
	JSON            interface{}
	Header          http.Header
	BasicAuth       *BasicAuth
	Unauthenticated bool
}

// Response 保存已读取的响应。
type Response struct {
	Status int
	Header http.Header
	Body   []byte

	// authorization 为本次请求实际携带的认证头。
	authorization string
}

// Decode 将响应体解析为 JSON。
func (r *Response) Decode(v interface{}) error {
	if v == nil || len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("request: 解析响应失败: %w", err)
	}
	return nil
}

// Option 调整 Executor。
type Option func(*Executor)

// WithHTTPClient 替换底层 HTTP 客户端。
func WithHTTPClient(hc *http.Client) Option {
	return func(e *Executor) {
		e.httpClient = hc
	}
}

// WithRateLimitDetector 设置供应商的限流检测函数。
func WithRateLimitDetector(detector RateLimitDetector) Option {
	return func(e *Executor) {
		e.rateLimit = detector
	}
}

// Executor 执行带重试、401 重新认证与限流冷却的 HTTP 调用。
type Executor struct {
	cfg        Config
	auth       AuthProvider
	httpClient *http.Client
	rateLimit  RateLimitDetector
	retryable  map[int]struct{}
	logger     *zap.Logger
}

// New 创建 Executor。auth 为空时所有请求都不附带认证头。
func New(cfg Config, auth AuthProvider, logger *zap.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		// 本地网关使用自签名证书。
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	e := &Executor{
		cfg:  cfg,
		auth: auth,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		retryable: make(map[int]struct{}, len(cfg.RetryStatusCodes)),
		logger:    logger.With(zap.String("vendor", cfg.Name)),
	}
	for _, code := range cfg.RetryStatusCodes {
		e.retryable[code] = struct{}{}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DoJSON 执行请求并把响应解析到 out（out 可为空）。
func (e *Executor) DoJSON(ctx context.Context, req Request, out interface{}) error {
	resp, err := e.Do(ctx, req)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// Do 执行请求。
//
// 可重试状态码按固定间隔重试，最多 cfg.Retries 次；401 使会话失效后仅重试一次；
// 限流信号冷却后仅重试一次且不消耗重试预算；其他非 2xx 立即返回 *RequestError。
func (e *Executor) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Operation == "" {
		req.Operation = req.Method
	}

	payload, contentType, err := encodeBody(req)
	if err != nil {
		return nil, err
	}

	budget := e.cfg.Retries
	reauthenticated := false
	cooledDown := false
	attempt := 0

	for {
		attempt++
		start := time.Now()
		resp, err := e.send(ctx, req, payload, contentType)
		latency := time.Since(start)
		if err != nil {
			metrics.HTTPRequests.WithLabelValues(e.cfg.Name, req.Operation, "error").Inc()
			e.logger.Error("供应商调用失败",
				zap.String("operation", req.Operation),
				zap.Int("attempt", attempt),
				zap.Duration("latency", latency),
				zap.Error(err),
			)
			return nil, err
		}

		switch {
		case resp.Status == http.StatusUnauthorized && e.authenticates(req):
			if reauthenticated {
				return nil, e.fail(req, resp, false, false)
			}
			reauthenticated = true
			metrics.HTTPRetries.WithLabelValues(e.cfg.Name, "unauthorized").Inc()
			e.logger.Info("收到 HTTP 401，使会话失效并重新认证",
				zap.String("operation", req.Operation),
			)
			e.auth.Invalidate(resp.authorization)
			continue

		case e.isRateLimited(resp):
			if cooledDown {
				return nil, e.fail(req, resp, false, true)
			}
			cooledDown = true
			metrics.HTTPRetries.WithLabelValues(e.cfg.Name, "rate_limited").Inc()
			e.logger.Warn("触发供应商限流，冷却后重试",
				zap.String("operation", req.Operation),
				zap.Int("status", resp.Status),
				zap.Duration("wait", e.cfg.RateLimitCooldown),
			)
			if err := sleep(ctx, e.cfg.RateLimitCooldown); err != nil {
				return nil, err
			}
			continue

		case e.isRetryable(resp.Status):
			if budget <= 0 {
				return nil, e.fail(req, resp, true, false)
			}
			budget--
			metrics.HTTPRetries.WithLabelValues(e.cfg.Name, "transient").Inc()
			e.logger.Warn("供应商返回可重试状态，等待重试",
				zap.String("operation", req.Operation),
				zap.Int("status", resp.Status),
				zap.Int("remaining", budget),
				zap.Duration("wait", e.cfg.RetryDelay),
			)
			if err := sleep(ctx, e.cfg.RetryDelay); err != nil {
				return nil, err
			}
			continue

		case resp.Status < 200 || resp.Status >= 300:
			return nil, e.fail(req, resp, false, false)
		}

		metrics.HTTPRequests.WithLabelValues(e.cfg.Name, req.Operation, strconv.Itoa(resp.Status)).Inc()
		if attempt > 1 {
			e.logger.Info("供应商调用重试后成功",
				zap.String("operation", req.Operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", latency),
			)
		}
		return resp, nil
	}
}

func (e *Executor) send(ctx context.Context, req Request, payload []byte, contentType string) (*Response, error) {
	target, err := buildURL(req.URL, req.Query)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("request: 构造请求失败: %w", err)
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if req.BasicAuth != nil {
		httpReq.SetBasicAuth(req.BasicAuth.Username, req.BasicAuth.Password)
	}
	if e.authenticates(req) {
		header, err := e.auth.AuthHeader(ctx)
		if err != nil {
			return nil, fmt.Errorf("request: %s 获取认证信息失败: %w", req.Operation, err)
		}
		httpReq.Header.Set("Authorization", header)
	}

	e.logger.Debug("发送供应商请求",
		zap.String("operation", req.Operation),
		zap.String("method", req.Method),
		zap.String("url", target),
	)

	httpResp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request: %s 请求失败: %w", req.Operation, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("request: %s 读取响应失败: %w", req.Operation, err)
	}

	return &Response{
		Status:        httpResp.StatusCode,
		Header:        httpResp.Header,
		Body:          data,
		authorization: httpReq.Header.Get("Authorization"),
	}, nil
}

func (e *Executor) fail(req Request, resp *Response, transient, rateLimited bool) error {
	metrics.HTTPRequests.WithLabelValues(e.cfg.Name, req.Operation, strconv.Itoa(resp.Status)).Inc()
	err := &RequestError{
		Operation:   req.Operation,
		Status:      resp.Status,
		Body:        resp.Body,
		transient:   transient,
		rateLimited: rateLimited,
	}
	e.logger.Debug("供应商返回错误响应",
		zap.String("operation", req.Operation),
		zap.Int("status", resp.Status),
		zap.ByteString("body", truncate(resp.Body, 1024)),
	)
	return err
}

func (e *Executor) authenticates(req Request) bool {
	return e.auth != nil && !req.Unauthenticated
}

func (e *Executor) isRetryable(status int) bool {
	_, ok := e.retryable[status]
	return ok
}

func (e *Executor) isRateLimited(resp *Response) bool {
	if resp.Status == http.StatusTooManyRequests {
		return true
	}
	if e.rateLimit == nil || resp.Status < 200 || resp.Status >= 300 {
		return false
	}
	return e.rateLimit(resp)
}

func encodeBody(req Request) ([]byte, string, error) {
	switch {
	case req.JSON != nil:
		data, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, "", fmt.Errorf("request: 序列化请求体失败: %w", err)
		}
		return data, "application/json", nil
	case req.Form != nil:
		return []byte(req.Form.Encode()), "application/x-www-form-urlencoded", nil
	default:
		return nil, "", nil
	}
}

func buildURL(raw string, query url.Values) (string, error) {
	if len(query) == 0 {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("request: 解析地址失败: %w", err)
	}
	merged := u.Query()
	for key, values := range query {
		for _, value := range values {
			merged.Add(key, value)
		}
	}
	u.RawQuery = merged.Encode()
	return u.String(), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(body []byte, n int) []byte {
	if len(body) <= n {
		return body
	}
	return body[:n]
}

// JoinPath 拼接基础地址与路径片段。
func JoinPath(base string, parts ...string) string {
	trimmed := strings.TrimRight(base, "/")
	for _, part := range parts {
		trimmed += "/" + strings.Trim(part, "/")
	}
	return trimmed
}
