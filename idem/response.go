package idem

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ceyewan/idemgate/xerrors"
)

// DefaultMaxBodySize 缓存响应体大小上限（1 MiB）
const DefaultMaxBodySize = 1 << 20

// Response 缓存的响应模型
//
// 一旦写入存储即视为不可变，回放时逐字节还原。
// Fingerprint 为首次执行时请求载荷的指纹，用于检测幂等键复用。
type Response struct {
	StatusCode  int       `msgpack:"status_code" json:"status_code"`
	Body        []byte    `msgpack:"body" json:"body"`
	ContentType string    `msgpack:"content_type" json:"content_type"`
	Fingerprint string    `msgpack:"fingerprint" json:"fingerprint"`
	CreatedAt   time.Time `msgpack:"created_at" json:"created_at"`
	ExpiresAt   time.Time `msgpack:"expires_at" json:"expires_at"`
}

// validate 检查响应是否可以缓存
func (r *Response) validate(maxBodySize int) error {
	if r == nil {
		return ErrResponseInvalid
	}
	if r.StatusCode < 100 || r.StatusCode > 599 {
		return xerrors.Wrapf(ErrResponseInvalid, "status code %d out of range", r.StatusCode)
	}
	if maxBodySize > 0 && len(r.Body) > maxBodySize {
		return xerrors.Wrapf(ErrResponseInvalid, "body size %d exceeds limit %d", len(r.Body), maxBodySize)
	}
	if !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(r.CreatedAt) {
		return xerrors.Wrap(ErrResponseInvalid, "expires_at must be after created_at")
	}
	return nil
}

// expired 判断响应是否已过期
func (r *Response) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now)
}

// clone 返回响应的深拷贝，防止调用方修改缓存内容
func (r *Response) clone() *Response {
	if r == nil {
		return nil
	}
	dup := *r
	dup.Body = append([]byte(nil), r.Body...)
	return &dup
}

// encodeResponse 使用 msgpack 序列化响应（用于 redis/memory 后端）
func encodeResponse(r *Response) ([]byte, error) {
	data, err := msgpack.Marshal(r)
	if err != nil {
		return nil, xerrors.Wrap(err, "idem: encode response")
	}
	return data, nil
}

// decodeResponse 反序列化响应
func decodeResponse(data []byte) (*Response, error) {
	var r Response
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return nil, xerrors.Wrapf(ErrResponseInvalid, "decode response: %v", err)
	}
	return &r, nil
}
