package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorWrapping(t *testing.T) {
	original := errors.New("original error")
	wrapped := NewError("TEST_CODE", "test message", original)

	assert.Equal(t, "[TEST_CODE] test message: original error", wrapped.Error())
	assert.Same(t, original, wrapped.Unwrap())
	assert.True(t, errors.Is(wrapped, original))

	bare := NewError("BARE", "no cause", nil)
	assert.Equal(t, "[BARE] no cause", bare.Error())
}

func TestCommandErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		command bool
	}{
		{"missing container", NewCommandError("c1", ErrContainerNotFound), true},
		{"duplicate", fmt.Errorf("start: %w", NewCommandError("dup", ErrAlreadyExists)), true},
		{"malformed", NewCommandError("bad", ErrInvalidCommand), true},
		{"engine load", NewEngineError("x.so", "open failed", ErrEngineLoad), false},
		{"transport", NewTransportError("a:b", "send failed", ErrPublishFailed), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.command, IsCommandError(tt.err))
		})
	}
}

func TestEngineErrorKeepsSentinel(t *testing.T) {
	err := NewEngineError("echo", "missing author", ErrEngineValidation)

	var structured *Error
	require.True(t, errors.As(err, &structured))
	assert.Equal(t, "ENGINE_FAILED", structured.Code)
	assert.True(t, errors.Is(err, ErrEngineValidation))
	assert.False(t, IsNotConnected(err))
	assert.True(t, IsNotConnected(fmt.Errorf("send: %w", ErrNotConnected)))
}
