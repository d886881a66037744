package idem

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/ceyewan/idemgate/xerrors"
)

// ========================================
// 存储接口 (Store Interface)
// ========================================

// Key 幂等记录的复合键
// 同一 Canonical 键在不同的 Route/Method 作用域下互不影响
type Key struct {
	Route     string
	Method    string
	Canonical string
}

// String 返回键的存储表示
func (k Key) String() string {
	return k.Route + ":" + k.Method + ":" + k.Canonical
}

// Token 占位令牌，用于保证释放和完成操作的所有权安全
type Token string

// State 幂等记录状态
type State int

const (
	// StateClaimed 本次调用成功占位，调用方负责执行业务逻辑
	StateClaimed State = iota + 1
	// StateInProgress 其他调用已占位，正在执行
	StateInProgress
	// StateCompleted 已有完成的缓存结果
	StateCompleted
)

// Claim 占位结果
// StateCompleted 时 Response 非空；StateClaimed 时 Token 非空
type Claim struct {
	State    State
	Token    Token
	Response *Response
}

// Store 幂等性存储接口
//
// 存储后端需要支持三种状态：
//  1. 占位中（claimed/in-progress）: TryClaim() 成功后、Complete() 之前
//  2. 已完成（completed）: Complete() 后，持有可回放的响应
//  3. 不存在（absent）: 初始状态或过期清理后
//
// 同一键的 TryClaim 必须是线性化的：并发调用恰好一个得到 StateClaimed。
// 默认提供 Redis / GORM / Memory 实现。
type Store interface {
	// TryClaim 尝试为键占位
	// 已完成 → Claim{StateCompleted, Response}；已被占位 → Claim{StateInProgress}；
	// 占位成功 → Claim{StateClaimed, Token}
	TryClaim(ctx context.Context, key Key) (Claim, error)

	// Complete 保存执行结果并标记完成，释放占位
	// 由 token 保护：令牌不符时返回 ErrClaimLost。对同一 token 重试是幂等的。
	Complete(ctx context.Context, key Key, token Token, resp *Response) error

	// Read 获取已完成的结果
	// 结果不存在或已过期时返回 ErrResultNotFound
	Read(ctx context.Context, key Key) (*Response, error)

	// Release 释放占位（执行失败时清理，允许后续重试）
	// 由 token 保护，释放他人的占位是空操作
	Release(ctx context.Context, key Key, token Token) error
}

// RefreshableStore 可延长占位 TTL 的存储实现
// 用于长时间执行时保持占位不失效
type RefreshableStore interface {
	Store
	Refresh(ctx context.Context, key Key, token Token, ttl time.Duration) error
}

// SweepableStore 支持主动清理过期记录的存储实现
// 仅删除已过期的行，清理在请求路径之外进行
type SweepableStore interface {
	Store
	Sweep(ctx context.Context) (int64, error)
}

// ========================================
// 存储键后缀
// ========================================

const (
	// claimSuffix 占位的 Redis key 后缀
	claimSuffix = ":claim"

	// resultSuffix 结果的 Redis key 后缀
	resultSuffix = ":result"
)

const tokenSize = 16

func newToken() (Token, error) {
	b := make([]byte, tokenSize)
	if _, err := rand.Read(b); err != nil {
		return "", xerrors.Wrap(err, "idem: generate claim token")
	}
	return Token(hex.EncodeToString(b)), nil
}
