package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	plain := New(ErrorTypeTransmit, "send failed")
	assert.Equal(t, "transmit: send failed", plain.Error())

	cause := fmt.Errorf("connection refused")
	wrapped := Wrap(cause, ErrorTypeConnection, "dial failed")
	assert.Equal(t, "connection: dial failed: connection refused", wrapped.Error())
	assert.Equal(t, cause, wrapped.Unwrap())
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrorTypeInternal, "ignored"))
}

func TestIsType(t *testing.T) {
	err := Newf(ErrorTypeInsufficientData, "channel %d short", 3)
	assert.True(t, IsType(err, ErrorTypeInsufficientData))
	assert.False(t, IsType(err, ErrorTypeConfig))

	// Type matching works through wrapping.
	outer := fmt.Errorf("starting pipeline: %w", err)
	assert.True(t, IsType(outer, ErrorTypeInsufficientData))

	assert.False(t, IsType(fmt.Errorf("plain"), ErrorTypeInternal))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(New(ErrorTypeConfig, "bad factor")))
	assert.False(t, IsFatal(New(ErrorTypeTransmit, "send failed")))
	assert.False(t, IsFatal(New(ErrorTypeData, "short frame")))
}

func TestWithDetail(t *testing.T) {
	err := New(ErrorTypeQueueRejected, "queue full").
		WithDetail("depth", 100).
		WithDetail("policy", "drop_newest")

	require.NotNil(t, err.Details)
	assert.Equal(t, 100, err.Details["depth"])
	assert.Equal(t, "drop_newest", err.Details["policy"])
}
