package idem

import "strings"

// DefaultMaxKeyLength 幂等键原始长度上限
const DefaultMaxKeyLength = 128

// Normalize 将客户端提供的幂等键归一化为规范形式
//
// 规则：
//  1. 空串或仅含空白字符 → ErrKeyMissing
//  2. 原始长度超过 maxLen → ErrKeyInvalid
//  3. 移除 [A-Za-z0-9-_] 之外的所有字符，结果为空 → ErrKeyInvalid
//  4. 剩余字符统一大写
//
// 归一化是幂等的：Normalize(Normalize(k)) == Normalize(k)。
func Normalize(raw string) (string, error) {
	return normalizeKey(raw, DefaultMaxKeyLength)
}

func normalizeKey(raw string, maxLen int) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", ErrKeyMissing
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxKeyLength
	}
	if len(raw) > maxLen {
		return "", ErrKeyInvalid
	}

	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_':
			b.WriteRune(r)
		}
	}

	if b.Len() == 0 {
		return "", ErrKeyInvalid
	}
	return b.String(), nil
}
