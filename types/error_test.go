package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("connection refused")
	err := NewError(ErrStoreUnavailable, "coordination store unreachable").
		WithCause(root).
		WithHTTPStatus(503).
		WithRetryable(true)

	assert.Equal(t, ErrStoreUnavailable, GetErrorCode(err))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, root)
	assert.Contains(t, err.Error(), "STORE_UNAVAILABLE")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestError_WrappedLookup(t *testing.T) {
	t.Parallel()

	inner := NewError(ErrRequestTimeout, "no result").WithRetryable(true)
	wrapped := fmt.Errorf("await: %w", inner)

	assert.Equal(t, ErrRequestTimeout, GetErrorCode(wrapped))
	assert.True(t, IsRetryable(wrapped))
	assert.Same(t, inner, AsError(wrapped))
}

func TestAsError_Foreign(t *testing.T) {
	t.Parallel()

	plain := errors.New("boom")
	e := AsError(plain)
	assert.Equal(t, ErrInternalError, e.Code)
	assert.ErrorIs(t, e, plain)
	assert.Equal(t, ErrorCode(""), GetErrorCode(plain))
	assert.False(t, IsRetryable(plain))
}
