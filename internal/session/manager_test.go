package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type memoryStore struct {
	mu     sync.Mutex
	cred   *Credential
	stores int
}

func (s *memoryStore) Token(context.Context) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return nil, nil
	}
	c := *s.cred
	return &c, nil
}

func (s *memoryStore) StoreToken(_ context.Context, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = &cred
	s.stores++
	return nil
}

type fakeExchanger struct {
	refreshes  int32
	exchanges  int32
	release    chan struct{}
	refreshErr error
	lastCode   string
}

func (f *fakeExchanger) AuthorizationURL(state string) string {
	return "https://auth.example.com/authorize?state=" + state
}

func (f *fakeExchanger) ExchangeCode(_ context.Context, code string) (Credential, error) {
	atomic.AddInt32(&f.exchanges, 1)
	f.lastCode = code
	return Credential{AccessToken: "issued", TokenType: "Bearer", ExpiresIn: 1200, RefreshToken: "r2", RefreshTokenExpiresIn: 3600}, nil
}

func (f *fakeExchanger) Refresh(context.Context, string) (Credential, error) {
	atomic.AddInt32(&f.refreshes, 1)
	if f.release != nil {
		<-f.release
	}
	if f.refreshErr != nil {
		return Credential{}, f.refreshErr
	}
	return Credential{AccessToken: "refreshed", TokenType: "Bearer", ExpiresIn: 1200, RefreshToken: "r1", RefreshTokenExpiresIn: 3600}, nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestManagerCredential_ConcurrentCallersShareOneRefresh(t *testing.T) {
	now := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	store := &memoryStore{cred: &Credential{
		AccessToken:           "old",
		ExpiresIn:             1200,
		RefreshToken:          "r0",
		RefreshTokenExpiresIn: 3600,
		IssuedAt:              now.Add(-30 * time.Minute),
	}}
	exchanger := &fakeExchanger{release: make(chan struct{})}
	m := NewManager("saxo", store, exchanger, nil, nil, WithClock(fixedClock(now)))

	const callers = 8
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred, err := m.Credential(context.Background())
			results[i] = cred.AccessToken
			errs[i] = err
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(exchanger.release)
	wg.Wait()

	if got := atomic.LoadInt32(&exchanger.refreshes); got != 1 {
		t.Fatalf("expected single refresh, got %d", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d returned error: %v", i, errs[i])
		}
		if results[i] != "refreshed" {
			t.Fatalf("caller %d got token %q", i, results[i])
		}
	}
	if store.cred == nil || !store.cred.IssuedAt.Equal(now) {
		t.Fatalf("expected refreshed credential persisted with issued_at, got %+v", store.cred)
	}
}

func TestManagerCredential_ValidStoredTokenIsReused(t *testing.T) {
	now := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	store := &memoryStore{cred: &Credential{AccessToken: "stored", ExpiresIn: 1200, IssuedAt: now.Add(-time.Minute)}}
	exchanger := &fakeExchanger{}
	m := NewManager("saxo", store, exchanger, nil, nil, WithClock(fixedClock(now)))

	header, err := m.AuthHeader(context.Background())
	if err != nil {
		t.Fatalf("AuthHeader returned error: %v", err)
	}
	if header != "Bearer stored" {
		t.Fatalf("unexpected header %q", header)
	}
	if exchanger.refreshes != 0 || exchanger.exchanges != 0 {
		t.Fatalf("expected no token calls")
	}
}

func TestManagerCredential_InteractiveAuthorization(t *testing.T) {
	now := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	store := &memoryStore{}
	exchanger := &fakeExchanger{}
	var sawURL string
	callback := AuthorizationFunc(func(_ context.Context, authURL string) (string, error) {
		sawURL = authURL
		return "https://localhost/callback?code=abc&state=fixed-state", nil
	})
	m := NewManager("saxo", store, exchanger, callback, nil,
		WithClock(fixedClock(now)),
		WithStateGenerator(func() string { return "fixed-state" }),
	)

	cred, err := m.Credential(context.Background())
	if err != nil {
		t.Fatalf("Credential returned error: %v", err)
	}
	if cred.AccessToken != "issued" || !cred.IssuedAt.Equal(now) {
		t.Fatalf("unexpected credential %+v", cred)
	}
	if !strings.Contains(sawURL, "state=fixed-state") {
		t.Fatalf("callback received %q", sawURL)
	}
	if exchanger.lastCode != "abc" {
		t.Fatalf("expected code abc, got %q", exchanger.lastCode)
	}
	if store.stores != 1 {
		t.Fatalf("expected credential persisted once, got %d", store.stores)
	}
}

func TestManagerCredential_StateMismatch(t *testing.T) {
	callback := AuthorizationFunc(func(context.Context, string) (string, error) {
		return "https://localhost/callback?code=abc&state=other", nil
	})
	m := NewManager("saxo", &memoryStore{}, &fakeExchanger{}, callback, nil,
		WithStateGenerator(func() string { return "expected" }),
	)

	_, err := m.Credential(context.Background())
	if !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("expected ErrStateMismatch, got %v", err)
	}
}

func TestManagerCredential_RefreshFailureFallsBackToAuthorization(t *testing.T) {
	now := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	store := &memoryStore{cred: &Credential{
		AccessToken: "old", ExpiresIn: 60, RefreshToken: "r0", RefreshTokenExpiresIn: 3600,
		IssuedAt: now.Add(-10 * time.Minute),
	}}
	exchanger := &fakeExchanger{refreshErr: errors.New("invalid_grant")}
	callback := AuthorizationFunc(func(context.Context, string) (string, error) {
		return "https://localhost/callback?code=xyz&state=s", nil
	})
	m := NewManager("saxo", store, exchanger, callback, nil,
		WithClock(fixedClock(now)),
		WithStateGenerator(func() string { return "s" }),
	)

	cred, err := m.Credential(context.Background())
	if err != nil {
		t.Fatalf("Credential returned error: %v", err)
	}
	if cred.AccessToken != "issued" {
		t.Fatalf("expected interactive credential, got %q", cred.AccessToken)
	}
}

func TestManagerInvalidate_ForcesInteractiveAuthorization(t *testing.T) {
	now := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	store := &memoryStore{cred: &Credential{AccessToken: "stored", ExpiresIn: 1200, IssuedAt: now}}
	exchanger := &fakeExchanger{}
	var prompts int32
	callback := AuthorizationFunc(func(context.Context, string) (string, error) {
		atomic.AddInt32(&prompts, 1)
		return "https://localhost/callback?code=c&state=s", nil
	})
	m := NewManager("saxo", store, exchanger, callback, nil,
		WithClock(fixedClock(now)),
		WithStateGenerator(func() string { return "s" }),
	)

	if _, err := m.Credential(context.Background()); err != nil {
		t.Fatalf("Credential returned error: %v", err)
	}
	m.Invalidate("")
	cred, err := m.Credential(context.Background())
	if err != nil {
		t.Fatalf("Credential after invalidate returned error: %v", err)
	}
	if cred.AccessToken != "issued" || prompts != 1 {
		t.Fatalf("expected one interactive authorization, got token=%q prompts=%d", cred.AccessToken, prompts)
	}
}

func TestManagerCredential_NoCallbackReturnsAuthExpired(t *testing.T) {
	m := NewManager("saxo", &memoryStore{}, &fakeExchanger{}, nil, nil)
	_, err := m.Credential(context.Background())
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// rotatingExchanger 模拟一次性刷新令牌：每次刷新签发新的刷新令牌，旧令牌立即作废。
type rotatingExchanger struct {
	mu       sync.Mutex
	current  int
	rejected int
}

func (r *rotatingExchanger) AuthorizationURL(state string) string {
	return "https://auth.example.com/authorize?state=" + state
}

func (r *rotatingExchanger) ExchangeCode(context.Context, string) (Credential, error) {
	return Credential{}, errors.New("unexpected interactive authorization")
}

func (r *rotatingExchanger) Refresh(_ context.Context, refreshToken string) (Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if refreshToken != fmt.Sprintf("r%d", r.current) {
		r.rejected++
		return Credential{}, errors.New("invalid_grant")
	}
	r.current++
	return Credential{
		AccessToken:           fmt.Sprintf("a%d", r.current),
		TokenType:             "Bearer",
		ExpiresIn:             60,
		RefreshToken:          fmt.Sprintf("r%d", r.current),
		RefreshTokenExpiresIn: 3600,
	}, nil
}

func TestManagerCredential_ManagersSharingStoreFollowRotatedRefreshToken(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)}
	store := &memoryStore{cred: &Credential{
		AccessToken:           "a0",
		ExpiresIn:             60,
		RefreshToken:          "r0",
		RefreshTokenExpiresIn: 3600,
		IssuedAt:              clock.Now().Add(-2 * time.Minute),
	}}
	exchanger := &rotatingExchanger{}
	market := NewManager("saxo", store, exchanger, nil, nil, WithClock(clock.Now))
	broker := NewManager("saxo", store, exchanger, nil, nil, WithClock(clock.Now))

	ctx := context.Background()
	steps := []struct {
		m    *Manager
		want string
	}{
		{market, "a1"},
		{broker, "a1"},
		{market, "a1"},
	}
	for i, step := range steps {
		cred, err := step.m.Credential(ctx)
		if err != nil {
			t.Fatalf("step %d returned error: %v", i, err)
		}
		if cred.AccessToken != step.want {
			t.Fatalf("step %d got %q, want %q", i, cred.AccessToken, step.want)
		}
	}

	for round := 0; round < 3; round++ {
		clock.Advance(2 * time.Minute)
		for _, m := range []*Manager{broker, market} {
			if _, err := m.Credential(ctx); err != nil {
				t.Fatalf("round %d returned error: %v", round, err)
			}
		}
	}

	if exchanger.rejected != 0 {
		t.Fatalf("expected no stale refresh tokens, got %d rejected", exchanger.rejected)
	}
	if exchanger.current != 4 {
		t.Fatalf("expected one refresh per expiry, got %d", exchanger.current)
	}
	marketCred, _ := market.Credential(ctx)
	brokerCred, _ := broker.Credential(ctx)
	if marketCred.AccessToken != "a4" || brokerCred.AccessToken != "a4" {
		t.Fatalf("expected both managers on a4, got %q and %q", marketCred.AccessToken, brokerCred.AccessToken)
	}
}

func TestManagerInvalidate_DuringInFlightEnsureIsNotOverwritten(t *testing.T) {
	now := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	store := &memoryStore{cred: &Credential{AccessToken: "stored", ExpiresIn: 1200, IssuedAt: now}}
	var prompts int32
	entered := make(chan struct{})
	release := make(chan struct{})
	blocking := &blockingStore{memoryStore: store, entered: entered, release: release}
	callback := AuthorizationFunc(func(context.Context, string) (string, error) {
		atomic.AddInt32(&prompts, 1)
		return "https://localhost/callback?code=c&state=s", nil
	})
	m := NewManager("saxo", blocking, &fakeExchanger{}, callback, nil,
		WithClock(fixedClock(now)),
		WithStateGenerator(func() string { return "s" }),
	)
	m.set(&Credential{AccessToken: "stored", ExpiresIn: 1200, IssuedAt: now.Add(-time.Hour)})

	type result struct {
		cred Credential
		err  error
	}
	done := make(chan result, 1)
	go func() {
		cred, err := m.Credential(context.Background())
		done <- result{cred, err}
	}()

	<-entered
	m.Invalidate("Bearer stored")
	close(release)

	res := <-done
	if res.err != nil {
		t.Fatalf("Credential returned error: %v", res.err)
	}
	if res.cred.AccessToken != "issued" || atomic.LoadInt32(&prompts) != 1 {
		t.Fatalf("expected reauthorization after invalidate, got token=%q prompts=%d", res.cred.AccessToken, prompts)
	}
	cred, err := m.Credential(context.Background())
	if err != nil || cred.AccessToken != "issued" {
		t.Fatalf("expected issued credential kept, got %q err=%v", cred.AccessToken, err)
	}
}

func TestManagerInvalidate_IgnoresStaleHeader(t *testing.T) {
	now := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	store := &memoryStore{cred: &Credential{AccessToken: "current", ExpiresIn: 1200, IssuedAt: now}}
	m := NewManager("saxo", store, &fakeExchanger{}, nil, nil, WithClock(fixedClock(now)))

	if _, err := m.Credential(context.Background()); err != nil {
		t.Fatalf("Credential returned error: %v", err)
	}
	m.Invalidate("Bearer previous")
	cred, err := m.Credential(context.Background())
	if err != nil || cred.AccessToken != "current" {
		t.Fatalf("stale 401 must not drop current token, got %q err=%v", cred.AccessToken, err)
	}
}

// blockingStore 在第一次读取时暂停，模拟续期进行中。
type blockingStore struct {
	*memoryStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) Token(ctx context.Context) (*Credential, error) {
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
	return b.memoryStore.Token(ctx)
}

func TestConsoleCallback_ReadsRedirect(t *testing.T) {
	var out strings.Builder
	cb := &ConsoleCallback{In: strings.NewReader("https://localhost/cb?code=1&state=2\n"), Out: &out}
	got, err := cb.Authorize(context.Background(), "https://auth.example.com")
	if err != nil {
		t.Fatalf("Authorize returned error: %v", err)
	}
	if got != "https://localhost/cb?code=1&state=2" {
		t.Fatalf("unexpected redirect %q", got)
	}
	if !strings.Contains(out.String(), "https://auth.example.com") {
		t.Fatalf("authorization url not printed")
	}
}

func TestConsoleCallback_ConcurrentCallersReadOwnLines(t *testing.T) {
	var out strings.Builder
	cb := &ConsoleCallback{In: strings.NewReader("https://localhost/cb?state=a\nhttps://localhost/cb?state=b\n"), Out: &out}

	var wg sync.WaitGroup
	got := make([]string, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], errs[i] = cb.Authorize(context.Background(), "https://auth.example.com")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d returned error: %v", i, err)
		}
	}
	sort.Strings(got)
	if got[0] != "https://localhost/cb?state=a" || got[1] != "https://localhost/cb?state=b" {
		t.Fatalf("expected each caller to read its own line, got %q", got)
	}
	if n := strings.Count(out.String(), "https://auth.example.com"); n != 2 {
		t.Fatalf("expected two prompts, got %d", n)
	}
}

func TestConsoleCallback_CancelledCallDoesNotSwallowNextLine(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	cb := &ConsoleCallback{In: pr, Out: io.Discard}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := cb.Authorize(ctx, "https://auth.example.com"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	go func() {
		_, _ = io.WriteString(pw, "https://localhost/cb?code=next\n")
	}()
	got, err := cb.Authorize(context.Background(), "https://auth.example.com")
	if err != nil {
		t.Fatalf("Authorize returned error: %v", err)
	}
	if got != "https://localhost/cb?code=next" {
		t.Fatalf("unexpected redirect %q", got)
	}
}

func TestConsoleCallback_EOFReturnsError(t *testing.T) {
	cb := &ConsoleCallback{In: strings.NewReader(""), Out: io.Discard}
	if _, err := cb.Authorize(context.Background(), "https://auth.example.com"); err == nil {
		t.Fatalf("expected error on empty input")
	}
	if _, err := cb.Authorize(context.Background(), "https://auth.example.com"); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after input closed, got %v", err)
	}
}
