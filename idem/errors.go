package idem

import "github.com/ceyewan/idemgate/xerrors"

// 错误定义
var (
	// ErrConfigNil 配置为空
	ErrConfigNil = xerrors.New("idem: config is nil")

	// ErrKeyMissing 幂等键为空或仅含空白字符
	ErrKeyMissing = xerrors.New("idem: idempotency key is missing")

	// ErrKeyInvalid 幂等键非法（超长或清洗后为空）
	ErrKeyInvalid = xerrors.New("idem: idempotency key is invalid")

	// ErrConcurrentRequest 同一幂等键的请求正在处理中
	ErrConcurrentRequest = xerrors.New("idem: concurrent request detected")

	// ErrFingerprintMismatch 幂等键复用但请求内容不一致
	ErrFingerprintMismatch = xerrors.New("idem: request fingerprint mismatch")

	// ErrStoreUnavailable 存储后端不可用（FailOpen=false 时返回）
	ErrStoreUnavailable = xerrors.New("idem: store backend unavailable")

	// ErrResponseInvalid 待缓存的响应不合法
	ErrResponseInvalid = xerrors.New("idem: response is invalid")

	// ErrClaimLost 持有的占位令牌已失效（被接管或过期）
	ErrClaimLost = xerrors.New("idem: claim token lost")

	// ErrResultNotFound 结果未找到（内部使用）
	ErrResultNotFound = xerrors.New("idem: result not found")
)
