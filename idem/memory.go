package idem

import (
	"context"
	"sync"
	"time"
)

type memoryRecord struct {
	token     Token
	claimedAt time.Time
	response  *Response
}

// memoryStore 内存存储实现（非导出，仅用于单机）
// 占位与结果共用一条记录，response 非空即表示已完成
type memoryStore struct {
	mu           sync.Mutex
	prefix       string
	claimTimeout time.Duration
	records      map[string]*memoryRecord
}

func newMemoryStore(prefix string, claimTimeout time.Duration) Store {
	return &memoryStore{
		prefix:       prefix,
		claimTimeout: claimTimeout,
		records:      make(map[string]*memoryRecord),
	}
}

func (ms *memoryStore) storageKey(key Key) string {
	return ms.prefix + key.String()
}

func (ms *memoryStore) TryClaim(ctx context.Context, key Key) (Claim, error) {
	if err := ctx.Err(); err != nil {
		return Claim{}, err
	}

	sk := ms.storageKey(key)
	now := time.Now()

	ms.mu.Lock()
	defer ms.mu.Unlock()

	rec, ok := ms.records[sk]
	if ok {
		if rec.response != nil {
			if !rec.response.expired(now) {
				return Claim{State: StateCompleted, Response: rec.response.clone()}, nil
			}
			// 结果过期，当作不存在
			delete(ms.records, sk)
		} else if now.Sub(rec.claimedAt) < ms.claimTimeout {
			return Claim{State: StateInProgress}, nil
		}
		// 占位超时，允许接管
	}

	token, err := newToken()
	if err != nil {
		return Claim{}, err
	}
	ms.records[sk] = &memoryRecord{token: token, claimedAt: now}
	return Claim{State: StateClaimed, Token: token}, nil
}

func (ms *memoryStore) Complete(ctx context.Context, key Key, token Token, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sk := ms.storageKey(key)

	ms.mu.Lock()
	defer ms.mu.Unlock()

	rec, ok := ms.records[sk]
	if !ok || rec.token != token {
		return ErrClaimLost
	}
	if rec.response != nil {
		// 同一 token 的重试是幂等的
		return nil
	}
	rec.response = resp.clone()
	return nil
}

func (ms *memoryStore) Read(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sk := ms.storageKey(key)
	now := time.Now()

	ms.mu.Lock()
	defer ms.mu.Unlock()

	rec, ok := ms.records[sk]
	if !ok || rec.response == nil {
		return nil, ErrResultNotFound
	}
	if rec.response.expired(now) {
		delete(ms.records, sk)
		return nil, ErrResultNotFound
	}
	return rec.response.clone(), nil
}

func (ms *memoryStore) Release(ctx context.Context, key Key, token Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sk := ms.storageKey(key)

	ms.mu.Lock()
	defer ms.mu.Unlock()

	rec, ok := ms.records[sk]
	if ok && rec.token == token && rec.response == nil {
		delete(ms.records, sk)
	}
	return nil
}

// Refresh 延长占位有效期
func (ms *memoryStore) Refresh(ctx context.Context, key Key, token Token, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sk := ms.storageKey(key)

	ms.mu.Lock()
	defer ms.mu.Unlock()

	rec, ok := ms.records[sk]
	if !ok || rec.token != token || rec.response != nil {
		return ErrClaimLost
	}
	rec.claimedAt = time.Now()
	return nil
}
