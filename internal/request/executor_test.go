package request

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type stubAuth struct {
	header      string
	invalidated int32
	rejected    string
}

func (s *stubAuth) AuthHeader(context.Context) (string, error) {
	if atomic.LoadInt32(&s.invalidated) > 0 {
		return "Bearer fresh", nil
	}
	return s.header, nil
}

func (s *stubAuth) Invalidate(header string) {
	atomic.AddInt32(&s.invalidated, 1)
	s.rejected = header
}

func testConfig() Config {
	cfg := DefaultConfig("test")
	cfg.RetryDelay = time.Millisecond
	cfg.RateLimitCooldown = time.Millisecond
	cfg.RetryStatusCodes = []int{http.StatusInternalServerError}
	return cfg
}

func TestExecutorDo_RetriesTransientStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	exec := New(testConfig(), nil, nil)
	var out struct {
		OK bool `json:"ok"`
	}
	if err := exec.DoJSON(context.Background(), Request{Operation: "ping", URL: srv.URL}, &out); err != nil {
		t.Fatalf("DoJSON returned error: %v", err)
	}
	if !out.OK {
		t.Fatalf("expected decoded body")
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}
}

func TestExecutorDo_TransientBudgetExhausted(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	exec := New(testConfig(), nil, nil)
	_, err := exec.Do(context.Background(), Request{Operation: "ping", URL: srv.URL})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	if status, ok := StatusCode(err); !ok || status != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", status)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 1 call plus 2 retries, got %d", got)
	}
}

func TestExecutorDo_ReauthenticatesOnceOn401(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	auth := &stubAuth{header: "Bearer stale"}
	exec := New(testConfig(), auth, nil)
	if _, err := exec.Do(context.Background(), Request{Operation: "ping", URL: srv.URL}); err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if auth.invalidated != 1 {
		t.Fatalf("expected one invalidation, got %d", auth.invalidated)
	}
	if auth.rejected != "Bearer stale" {
		t.Fatalf("expected rejected header passed to Invalidate, got %q", auth.rejected)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestExecutorDo_SecondUnauthorizedIsFatal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	auth := &stubAuth{header: "Bearer stale"}
	exec := New(testConfig(), auth, nil)
	_, err := exec.Do(context.Background(), Request{Operation: "ping", URL: srv.URL})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if auth.invalidated != 1 {
		t.Fatalf("expected exactly one invalidation, got %d", auth.invalidated)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestExecutorDo_UnauthenticatedSkipsAuthProvider(t *testing.T) {
	var sawAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	auth := &stubAuth{header: "Bearer stale"}
	exec := New(testConfig(), auth, nil)
	_, err := exec.Do(context.Background(), Request{
		Operation:       "token",
		Method:          http.MethodPost,
		URL:             srv.URL,
		BasicAuth:       &BasicAuth{Username: "key", Password: "secret"},
		Unauthenticated: true,
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if auth.invalidated != 0 {
		t.Fatalf("unauthenticated request must not invalidate session")
	}
	if !strings.HasPrefix(sawAuth, "Basic ") {
		t.Fatalf("expected basic auth header, got %q", sawAuth)
	}
}

func TestExecutorDo_RateLimitBodyCoolsDownWithoutBudget(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			_, _ = w.Write([]byte(`{"ErrorCode":"RateLimitExceeded"}`))
		default:
			_, _ = w.Write([]byte(`{"ErrorCode":""}`))
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Retries = 0
	detector := func(resp *Response) bool {
		return strings.Contains(string(resp.Body), "RateLimitExceeded")
	}
	exec := New(cfg, nil, nil, WithRateLimitDetector(detector))
	if _, err := exec.Do(context.Background(), Request{Operation: "ping", URL: srv.URL}); err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestExecutorDo_RepeatedRateLimitFails(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	exec := New(testConfig(), nil, nil)
	_, err := exec.Do(context.Background(), Request{Operation: "ping", URL: srv.URL})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestExecutorDo_OtherStatusFailsImmediately(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad order"))
	}))
	defer srv.Close()

	exec := New(testConfig(), nil, nil)
	_, err := exec.Do(context.Background(), Request{Operation: "ping", URL: srv.URL})
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected *RequestError, got %v", err)
	}
	if reqErr.Status != http.StatusBadRequest || string(reqErr.Body) != "bad order" {
		t.Fatalf("unexpected error contents: %+v", reqErr)
	}
	if errors.Is(err, ErrTransient) {
		t.Fatalf("400 must not be transient")
	}
	if calls != 1 {
		t.Fatalf("expected single call, got %d", calls)
	}
}

func TestExecutorDo_ResendsSameBody(t *testing.T) {
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		bodies = append(bodies, string(buf))
		if len(bodies) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exec := New(testConfig(), nil, nil)
	_, err := exec.Do(context.Background(), Request{
		Operation: "order",
		Method:    http.MethodPost,
		URL:       srv.URL,
		JSON:      map[string]string{"cOID": "autotrader_BUY_AAPL_1"},
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if len(bodies) != 2 || bodies[0] != bodies[1] {
		t.Fatalf("expected identical bodies across attempts, got %v", bodies)
	}
}

func TestBuildURL_MergesExistingQuery(t *testing.T) {
	got, err := buildURL("https://example.com/orders/1/?AccountKey=abc", map[string][]string{"x": {"1"}})
	if err != nil {
		t.Fatalf("buildURL returned error: %v", err)
	}
	if !strings.Contains(got, "AccountKey=abc") || !strings.Contains(got, "x=1") {
		t.Fatalf("unexpected url %s", got)
	}
}
