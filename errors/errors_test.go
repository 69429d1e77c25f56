package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			assert.Equal(t, test.expected, test.class.String())
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"transport", ErrTransport, true},
		{"idle timeout", ErrIdleTimeout, true},
		{"frame error", fmt.Errorf("decode: %w", ErrFrameMalformed), true},
		{"sink failed", ErrSinkFailed, true},
		{"context canceled", context.Canceled, true},
		{"auth rejected", ErrAuthFailed, false},
		{"dead clause", ErrDeadClause, false},
		{"plain error", fmt.Errorf("network is unreachable"), false},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("x")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsTransient(test.err))
		})
	}
}

func TestIsInvalid(t *testing.T) {
	assert.True(t, IsInvalid(ErrDeadClause))
	assert.True(t, IsInvalid(ErrUnknownDestination))
	assert.True(t, IsInvalid(fmt.Errorf("login: %w", ErrAuthFailed)))
	assert.False(t, IsInvalid(ErrTransport))
	assert.False(t, IsInvalid(nil))
}

func TestKindHelpers(t *testing.T) {
	authErr := WrapInvalid(ErrAuthFailed, "session", "login", "authenticate")
	assert.True(t, IsAuth(authErr))
	assert.False(t, IsFrame(authErr))

	frameErr := WrapTransient(fmt.Errorf("line 3: %w", ErrFrameMalformed), "session", "stream", "decode")
	assert.True(t, IsFrame(frameErr))
	assert.False(t, IsAuth(frameErr))
}

func TestClassifiedWins(t *testing.T) {
	err := WrapInvalid(fmt.Errorf("bad column: %w", ErrStorageUnavailable), "Store", "InsertBatch", "insert")
	assert.False(t, IsTransient(err))
	assert.True(t, IsInvalid(err))

	var ce *ClassifiedError
	assert.True(t, errors.As(err, &ce))
	assert.Equal(t, "Store", ce.Component)
	assert.Equal(t, "InsertBatch", ce.Operation)
	assert.Equal(t, "invalid", ce.Class.String())
}

func TestWrap(t *testing.T) {
	base := errors.New("refused")
	err := Wrap(base, "Session", "connect", "dial")
	assert.EqualError(t, err, "Session.connect: dial failed: refused")
	assert.ErrorIs(t, err, base)
	assert.Nil(t, Wrap(nil, "a", "b", "c"))
	assert.Nil(t, WrapTransient(nil, "a", "b", "c"))
}

func TestInvalidf(t *testing.T) {
	err := Invalidf(ErrDeadClause, "rule", "Compile", "clause %q", "hangups")
	assert.ErrorIs(t, err, ErrDeadClause)
	assert.True(t, IsInvalid(err))
	assert.Contains(t, err.Error(), `clause "hangups"`)
}
