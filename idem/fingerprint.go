package idem

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint 计算请求载荷的 SHA-256 十六进制指纹
// 空载荷也会得到稳定的指纹值
func Fingerprint(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
