//go:build integration

// 运行测试需要 Docker: go test ./idem/... -tags=integration -v
package idem

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ceyewan/idemgate/testkit"
	"github.com/ceyewan/idemgate/xerrors"
)

func newRedisEngine(t *testing.T, mutate func(*Config)) Idempotency {
	t.Helper()
	redisConn := testkit.NewRedisContainerConnector(t)

	cfg := &Config{
		Driver:          DriverRedis,
		Prefix:          "test:idem:" + testkit.NewID() + ":",
		Expiration:      time.Hour,
		ClaimTimeout:    5 * time.Second,
		ConcurrencyMode: ModeWait,
	}
	if mutate != nil {
		mutate(cfg)
	}

	eng, err := New(cfg, WithRedisConnector(redisConn), WithLogger(testkit.NewLogger()))
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func TestRedisEngineReplay(t *testing.T) {
	eng := newRedisEngine(t, nil)
	ctx := context.Background()

	execCount := 0
	handler := func(ctx context.Context) (*Response, error) {
		execCount++
		return &Response{StatusCode: 201, Body: []byte(`{"id":"r-1"}`), ContentType: "application/json"}, nil
	}

	first, err := eng.Do(ctx, "/orders", "POST", "redis-key", nil, handler)
	if err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	second, err := eng.Do(ctx, "/orders", "POST", "redis-key", nil, handler)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	if execCount != 1 {
		t.Fatalf("expected one execution, got %d", execCount)
	}
	if string(first.Body) != string(second.Body) {
		t.Fatal("expected replay to match the original response")
	}
}

func TestRedisEngineConcurrent(t *testing.T) {
	eng := newRedisEngine(t, nil)
	ctx := context.Background()

	var execCount int32
	const workers = 8

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for n := 0; n < workers; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = eng.Do(ctx, "/orders", "POST", "redis-concurrent", nil,
				func(ctx context.Context) (*Response, error) {
					atomic.AddInt32(&execCount, 1)
					time.Sleep(50 * time.Millisecond)
					return &Response{StatusCode: 200, Body: []byte("winner")}, nil
				})
		}(n)
	}
	wg.Wait()

	for n, err := range errs {
		if err != nil {
			t.Fatalf("worker %d failed: %v", n, err)
		}
	}
	if got := atomic.LoadInt32(&execCount); got != 1 {
		t.Fatalf("expected exactly one execution, got %d", got)
	}
}

func TestRedisEngineFailureRelease(t *testing.T) {
	eng := newRedisEngine(t, nil)
	ctx := context.Background()

	boom := xerrors.New("downstream failure")
	attempts := 0

	_, err := eng.Do(ctx, "/orders", "POST", "redis-retry", nil,
		func(ctx context.Context) (*Response, error) {
			attempts++
			return nil, boom
		})
	if !xerrors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}

	if _, err := eng.Do(ctx, "/orders", "POST", "redis-retry", nil,
		func(ctx context.Context) (*Response, error) {
			attempts++
			return &Response{StatusCode: 200}, nil
		}); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected two attempts, got %d", attempts)
	}
}

func TestRedisStoreCompletedKeyStaysCompleted(t *testing.T) {
	redisConn := testkit.NewRedisContainerConnector(t)
	store := newRedisStore(redisConn, "test:idem:"+testkit.NewID()+":", 5*time.Second, time.Hour)
	ctx := context.Background()
	key := Key{Route: "/orders", Method: "POST", Canonical: "C1"}

	claim, err := store.TryClaim(ctx, key)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	original := &Response{StatusCode: 201, Body: []byte(`{"id":"o1"}`), ContentType: "application/json", ExpiresAt: time.Now().Add(time.Hour)}
	if err := store.Complete(ctx, key, claim.Token, original); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	// 结果写入后的 TryClaim 必须返回 StateCompleted，决不能再次占位
	replay, err := store.TryClaim(ctx, key)
	if err != nil {
		t.Fatalf("claim after completion failed: %v", err)
	}
	if replay.State != StateCompleted {
		t.Fatalf("expected StateCompleted, got %v", replay.State)
	}
	if string(replay.Response.Body) != `{"id":"o1"}` {
		t.Fatalf("unexpected replayed body: %s", replay.Response.Body)
	}

	// 迟到的 Complete 不能覆盖已存在的结果
	late := &Response{StatusCode: 201, Body: []byte(`{"id":"DIFFERENT"}`), ContentType: "application/json", ExpiresAt: time.Now().Add(time.Hour)}
	if err := store.Complete(ctx, key, Token("stale"), late); err != nil {
		t.Fatalf("late complete should be idempotent, got %v", err)
	}
	resp, err := store.Read(ctx, key)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(resp.Body) != `{"id":"o1"}` {
		t.Fatalf("stored body was overwritten: %s", resp.Body)
	}
}

func TestRedisStoreTokenSafety(t *testing.T) {
	redisConn := testkit.NewRedisContainerConnector(t)
	store := newRedisStore(redisConn, "test:idem:"+testkit.NewID()+":", 5*time.Second, time.Hour)
	ctx := context.Background()
	key := Key{Route: "/orders", Method: "POST", Canonical: "R1"}

	claim, err := store.TryClaim(ctx, key)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if claim.State != StateClaimed {
		t.Fatalf("expected StateClaimed, got %v", claim.State)
	}

	// Lua 脚本保证错误令牌不能完成
	if err := store.Complete(ctx, key, Token("stolen"), testResponse(time.Hour)); !xerrors.Is(err, ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost for wrong token, got %v", err)
	}

	if err := store.Complete(ctx, key, claim.Token, testResponse(time.Hour)); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	// 同一 token 的 Complete 重试是幂等的
	if err := store.Complete(ctx, key, claim.Token, testResponse(time.Hour)); err != nil {
		t.Fatalf("idempotent complete retry failed: %v", err)
	}

	resp, err := store.Read(ctx, key)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected cached status 200, got %d", resp.StatusCode)
	}
}
