package cerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndKindOf(t *testing.T) {
	err := New("memory.Set", InvalidArgument, "nil key")
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, InvalidArgument, kind)
	assert.Contains(t, err.Error(), "memory.Set")
	assert.Contains(t, err.Error(), "nil key")
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap("op", BackendFailure, "msg", nil))
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap("objectstore.Set", BackendFailure, "put failed", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "boom")
}

func TestKindOfOnPlainError(t *testing.T) {
	_, ok := KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestIsHelpers(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"invalid argument", New("op", InvalidArgument, "m"), IsInvalidArgument},
		{"not supported", New("op", NotSupported, "m"), IsNotSupported},
		{"backend failure", New("op", BackendFailure, "m"), IsBackendFailure},
		{"cancelled", New("op", Cancelled, "m"), IsCancelled},
		{"timeout", New("op", Timeout, "m"), IsTimeout},
		{"invalid operation", New("op", InvalidOperation, "m"), IsInvalidOperation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(tt.err))
		})
	}
}

func TestIsHelpersRejectWrongKind(t *testing.T) {
	err := New("op", Timeout, "m")
	assert.False(t, IsInvalidArgument(err))
	assert.False(t, IsBackendFailure(err))
}

func TestErrorStringWithoutCause(t *testing.T) {
	err := &Error{Op: "x.Y", Kind: NotFound, Message: "missing"}
	assert.Equal(t, "x.Y: NOT_FOUND: missing", err.Error())
}
