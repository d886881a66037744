package idem

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ceyewan/idemgate/xerrors"
)

func testResponse(ttl time.Duration) *Response {
	now := time.Now()
	return &Response{
		StatusCode:  200,
		Body:        []byte(`{"ok":true}`),
		ContentType: "application/json",
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := newMemoryStore("test:idem:", 5*time.Second)
	ctx := context.Background()
	key := Key{Route: "/orders", Method: "POST", Canonical: "K1"}

	// 首次占位成功
	claim, err := store.TryClaim(ctx, key)
	if err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if claim.State != StateClaimed || claim.Token == "" {
		t.Fatalf("expected StateClaimed with token, got %+v", claim)
	}

	// 占位期间的并发请求看到进行中
	second, err := store.TryClaim(ctx, key)
	if err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	if second.State != StateInProgress {
		t.Fatalf("expected StateInProgress, got %v", second.State)
	}

	// 结果尚不存在
	if _, err := store.Read(ctx, key); !xerrors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected ErrResultNotFound before completion, got %v", err)
	}

	// 完成后再次占位应回放
	if err := store.Complete(ctx, key, claim.Token, testResponse(time.Hour)); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	replay, err := store.TryClaim(ctx, key)
	if err != nil {
		t.Fatalf("claim after completion failed: %v", err)
	}
	if replay.State != StateCompleted || replay.Response == nil {
		t.Fatalf("expected StateCompleted with response, got %+v", replay)
	}
	if replay.Response.StatusCode != 200 {
		t.Fatalf("expected cached status 200, got %d", replay.Response.StatusCode)
	}
}

func TestMemoryStoreTokenOwnership(t *testing.T) {
	store := newMemoryStore("test:idem:", 5*time.Second)
	ctx := context.Background()
	key := Key{Route: "/orders", Method: "POST", Canonical: "K2"}

	claim, err := store.TryClaim(ctx, key)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	// 错误令牌不能完成
	if err := store.Complete(ctx, key, Token("stolen"), testResponse(time.Hour)); !xerrors.Is(err, ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost for wrong token, got %v", err)
	}

	// 错误令牌的释放是空操作
	if err := store.Release(ctx, key, Token("stolen")); err != nil {
		t.Fatalf("release with wrong token should be a no-op, got %v", err)
	}
	inProgress, err := store.TryClaim(ctx, key)
	if err != nil {
		t.Fatalf("claim after foreign release failed: %v", err)
	}
	if inProgress.State != StateInProgress {
		t.Fatalf("expected claim to survive foreign release, got %v", inProgress.State)
	}

	// 正确令牌的释放允许重新占位
	if err := store.Release(ctx, key, claim.Token); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	reclaimed, err := store.TryClaim(ctx, key)
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if reclaimed.State != StateClaimed {
		t.Fatalf("expected StateClaimed after release, got %v", reclaimed.State)
	}
}

func TestMemoryStoreStaleClaimTakeover(t *testing.T) {
	store := newMemoryStore("test:idem:", 20*time.Millisecond)
	ctx := context.Background()
	key := Key{Route: "/orders", Method: "POST", Canonical: "K3"}

	first, err := store.TryClaim(ctx, key)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	// 占位超时后其他调用接管
	second, err := store.TryClaim(ctx, key)
	if err != nil {
		t.Fatalf("takeover claim failed: %v", err)
	}
	if second.State != StateClaimed {
		t.Fatalf("expected takeover after claim timeout, got %v", second.State)
	}

	// 被接管的旧令牌失效
	if err := store.Complete(ctx, key, first.Token, testResponse(time.Hour)); !xerrors.Is(err, ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost for superseded token, got %v", err)
	}

	// 新令牌正常完成
	if err := store.Complete(ctx, key, second.Token, testResponse(time.Hour)); err != nil {
		t.Fatalf("complete with new token failed: %v", err)
	}
}

func TestMemoryStoreExpiredResult(t *testing.T) {
	store := newMemoryStore("test:idem:", 5*time.Second)
	ctx := context.Background()
	key := Key{Route: "/orders", Method: "POST", Canonical: "K4"}

	claim, err := store.TryClaim(ctx, key)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := store.Complete(ctx, key, claim.Token, testResponse(10*time.Millisecond)); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	// 过期结果视为不存在，键可以重新占位执行
	if _, err := store.Read(ctx, key); !xerrors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected ErrResultNotFound for expired result, got %v", err)
	}
	reclaimed, err := store.TryClaim(ctx, key)
	if err != nil {
		t.Fatalf("reclaim after expiry failed: %v", err)
	}
	if reclaimed.State != StateClaimed {
		t.Fatalf("expected StateClaimed after expiry, got %v", reclaimed.State)
	}
}

func TestMemoryStoreConcurrentClaims(t *testing.T) {
	store := newMemoryStore("test:idem:", 5*time.Second)
	ctx := context.Background()
	key := Key{Route: "/orders", Method: "POST", Canonical: "K5"}

	const workers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := 0

	for n := 0; n < workers; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claim, err := store.TryClaim(ctx, key)
			if err != nil {
				t.Errorf("claim failed: %v", err)
				return
			}
			if claim.State == StateClaimed {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if claimed != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", claimed)
	}
}
