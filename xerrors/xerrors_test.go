package xerrors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapPreservesChain(t *testing.T) {
	base := New("base failure")
	wrapped := Wrap(base, "context")

	assert.True(t, Is(wrapped, base))
	assert.Equal(t, "context: base failure", wrapped.Error())
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, Wrapf(nil, "context %d", 1))
	assert.Nil(t, WithCode(nil, "CODE"))
}

func TestWithCode(t *testing.T) {
	base := New("boom")
	coded := WithCode(base, "STORE_FAILED")

	assert.Equal(t, "STORE_FAILED", GetCode(coded))
	assert.True(t, Is(coded, base))

	// 包装后错误码仍可提取
	wrapped := Wrap(coded, "outer")
	assert.Equal(t, "STORE_FAILED", GetCode(wrapped))
}

func TestCombine(t *testing.T) {
	assert.Nil(t, Combine(nil, nil))

	e1 := New("first")
	assert.Equal(t, e1, Combine(nil, e1))

	e2 := New("second")
	combined := Combine(e1, e2)
	assert.True(t, Is(combined, e1))
	assert.True(t, Is(combined, e2))
}
