package request

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthorized 表示重新认证后仍返回 401。
	ErrUnauthorized = errors.New("request: unauthorized")
	// ErrTransient 表示可重试状态码在重试预算耗尽后仍然出现。
	ErrTransient = errors.New("request: transient server error")
	// ErrRateLimited 表示冷却并重试一次后仍被限流。
	ErrRateLimited = errors.New("request: rate limited")
)

// RequestError 表示供应商返回了非 2xx 响应（或被限流的 2xx 响应）。
type RequestError struct {
	Operation string
	Status    int
	Body      []byte

	transient   bool
	rateLimited bool
}

func (e *RequestError) Error() string {
	body := string(e.Body)
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("request: %s 返回状态码 %d (%s): %s", e.Operation, e.Status, http.StatusText(e.Status), body)
}

// Is 支持 errors.Is 对错误分类进行判断。
func (e *RequestError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	case ErrTransient:
		return e.transient
	case ErrRateLimited:
		return e.rateLimited || e.Status == http.StatusTooManyRequests
	default:
		return false
	}
}

// StatusCode 提取错误链中的 HTTP 状态码。
func StatusCode(err error) (int, bool) {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Status, true
	}
	return 0, false
}
